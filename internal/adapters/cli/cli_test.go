package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/core/ports"
)

type processorFake struct {
	filename string
	result   *domain.DocumentResult
	err      error
}

func (p *processorFake) ProcessDocument(_ context.Context, filename string, _ []byte) (*domain.DocumentResult, error) {
	p.filename = filename
	return p.result, p.err
}

type ingestorFake struct {
	documentID  string
	annotations []domain.Annotation
}

func (i *ingestorFake) IngestAnnotations(_ context.Context, documentID string, anns []domain.Annotation) (domain.LearningOutcome, error) {
	i.documentID = documentID
	i.annotations = anns
	return domain.LearningOutcome{DocumentID: documentID, PatternsCreated: len(anns), AccuracyBefore: 0.7, AccuracyAfter: 0.72}, nil
}

type exporterFake struct{ calls int }

func (e *exporterFake) Export(result *domain.DocumentResult, w io.Writer) error {
	e.calls++
	_, err := io.WriteString(w, "xlsx:"+result.DocumentID)
	return err
}

type submitterFake struct{ filename, body string }

func (s *submitterFake) Submit(_ context.Context, filename string, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.filename, s.body = filename, string(data)
	return "key-1_" + filename, nil
}

type publisherFake struct{ batches []domain.AnnotationBatch }

func (p *publisherFake) PublishAnnotations(_ context.Context, batch domain.AnnotationBatch) error {
	p.batches = append(p.batches, batch)
	return nil
}

type backendFake struct {
	processor *processorFake
	ingestor  *ingestorFake
	exporter  *exporterFake
	submitter *submitterFake
	publisher *publisherFake
	queueErr  error
	released  bool
}

func newBackendFake() *backendFake {
	return &backendFake{
		processor: &processorFake{result: &domain.DocumentResult{
			DocumentID: "doc-1",
			Status:     domain.ResultCompleted,
			PageCount:  1,
			Confidence: 0.81,
			Pages: []domain.ExtractedPage{{
				Index:      0,
				Method:     domain.MethodRawText,
				Confidence: 0.81,
				Entities:   []domain.Entity{{Type: domain.EntityIdentifier, Value: "CH0012032048"}},
			}},
			Suggestions: []domain.Suggestion{{Type: "mark_header_row", Message: "Mark the header row"}},
		}},
		ingestor:  &ingestorFake{},
		exporter:  &exporterFake{},
		submitter: &submitterFake{},
		publisher: &publisherFake{},
	}
}

func (b *backendFake) Processor() ports.DocumentProcessor { return b.processor }
func (b *backendFake) Ingestor() ports.AnnotationIngestor { return b.ingestor }
func (b *backendFake) Exporter() ports.ResultExporter     { return b.exporter }
func (b *backendFake) Estimate() domain.AccuracyEstimate {
	return domain.AccuracyEstimate{Value: 0.74, Floor: 0.5, Ceiling: 0.95, PatternCount: 6, LearningEvents: 3}
}

func (b *backendFake) Submitter() (ports.DocumentSubmitter, error) {
	if b.queueErr != nil {
		return nil, b.queueErr
	}
	return b.submitter, nil
}

func (b *backendFake) AnnotationPublisher() (AnnotationPublisher, error) {
	if b.queueErr != nil {
		return nil, b.queueErr
	}
	return b.publisher, nil
}

func run(t *testing.T, backend *backendFake, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(func(context.Context) (Backend, func(), error) {
		return backend, func() { backend.released = true }, nil
	})
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestProcessPrintsSummary(t *testing.T) {
	backend := newBackendFake()
	doc := writeFile(t, "statement.txt", "ISIN CH0012032048")

	out, err := run(t, backend, "process", doc)
	if err != nil {
		t.Fatalf("process error = %v", err)
	}
	if backend.processor.filename != "statement.txt" {
		t.Fatalf("processor should see the base filename, got %q", backend.processor.filename)
	}
	for _, want := range []string{"Document doc-1 (completed)", "[page 1] raw_text", "CH0012032048", "Mark the header row"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if !backend.released {
		t.Fatalf("backend should be released")
	}
}

func TestProcessJSONAndXLSX(t *testing.T) {
	backend := newBackendFake()
	doc := writeFile(t, "statement.txt", "ISIN CH0012032048")
	workbook := filepath.Join(t.TempDir(), "out.xlsx")

	out, err := run(t, backend, "process", "--json", "--xlsx", workbook, doc)
	if err != nil {
		t.Fatalf("process error = %v", err)
	}
	if !strings.Contains(out, `"document_id": "doc-1"`) {
		t.Fatalf("expected JSON output, got %s", out)
	}
	written, err := os.ReadFile(workbook)
	if err != nil || string(written) != "xlsx:doc-1" {
		t.Fatalf("workbook not written: %q, %v", written, err)
	}
}

func TestProcessReturnsRejectedInputError(t *testing.T) {
	backend := newBackendFake()
	backend.processor.result = &domain.DocumentResult{DocumentID: "doc-2", Status: domain.ResultFailed, ErrorKind: domain.ErrorKindInvalidInput, Error: "empty document"}
	backend.processor.err = domain.WrapError(domain.ErrInvalidInput, "validate document", errors.New("empty document"))
	doc := writeFile(t, "empty.pdf", "")

	out, err := run(t, backend, "process", doc)
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if !strings.Contains(out, "invalid_input") {
		t.Fatalf("failed result should still be printed:\n%s", out)
	}
}

func TestAnnotateIngestsLocally(t *testing.T) {
	backend := newBackendFake()
	anns := writeFile(t, "anns.json", `[{"type":"correction","original":"Appl Inc","corrected":"Apple Inc"},{"type":"header","value":"ISIN"}]`)

	out, err := run(t, backend, "annotate", "doc-1", anns)
	if err != nil {
		t.Fatalf("annotate error = %v", err)
	}
	if backend.ingestor.documentID != "doc-1" || len(backend.ingestor.annotations) != 2 {
		t.Fatalf("unexpected ingest: %+v", backend.ingestor)
	}
	if !strings.Contains(out, "Patterns created: 2") || !strings.Contains(out, "0.700 -> 0.720") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestAnnotateQueuesBatchObject(t *testing.T) {
	backend := newBackendFake()
	anns := writeFile(t, "batch.json", `{"document_id":"ignored","annotations":[{"type":"highlight","value":"Nestle SA"}]}`)

	if _, err := run(t, backend, "annotate", "--queue", "doc-9", anns); err != nil {
		t.Fatalf("annotate error = %v", err)
	}
	if len(backend.publisher.batches) != 1 || backend.publisher.batches[0].DocumentID != "doc-9" {
		t.Fatalf("expected one queued batch for doc-9, got %+v", backend.publisher.batches)
	}
	if backend.ingestor.documentID != "" {
		t.Fatalf("queued annotations must not be ingested locally")
	}
}

func TestAnnotateRejectsMalformedFile(t *testing.T) {
	anns := writeFile(t, "bad.json", `{"annotations": "nope"}`)
	if _, err := run(t, newBackendFake(), "annotate", "doc-1", anns); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStats(t *testing.T) {
	out, err := run(t, newBackendFake(), "stats")
	if err != nil {
		t.Fatalf("stats error = %v", err)
	}
	if !strings.Contains(out, "Patterns:         6") || !strings.Contains(out, "0.740") {
		t.Fatalf("unexpected stats output:\n%s", out)
	}

	out, err = run(t, newBackendFake(), "stats", "--json")
	if err != nil {
		t.Fatalf("stats --json error = %v", err)
	}
	if !strings.Contains(out, `"pattern_count": 6`) {
		t.Fatalf("unexpected JSON stats:\n%s", out)
	}
}

func TestSubmit(t *testing.T) {
	backend := newBackendFake()
	doc := writeFile(t, "scan.pdf", "%PDF-1.4")

	out, err := run(t, backend, "submit", doc)
	if err != nil {
		t.Fatalf("submit error = %v", err)
	}
	if strings.TrimSpace(out) != "key-1_scan.pdf" || backend.submitter.body != "%PDF-1.4" {
		t.Fatalf("unexpected submit: out=%q body=%q", out, backend.submitter.body)
	}
}

func TestSubmitWithoutQueue(t *testing.T) {
	backend := newBackendFake()
	backend.queueErr = errors.New("init message queue: nats: no servers available for connection")
	doc := writeFile(t, "scan.pdf", "%PDF-1.4")

	if _, err := run(t, backend, "submit", doc); err == nil || !strings.Contains(err.Error(), "no servers") {
		t.Fatalf("expected queue error, got %v", err)
	}
}

func TestCommandsValidateArgs(t *testing.T) {
	for _, args := range [][]string{{"process"}, {"annotate", "doc-1"}, {"submit"}, {"stats", "extra"}} {
		if _, err := run(t, newBackendFake(), args...); err == nil {
			t.Fatalf("expected arg validation error for %v", args)
		}
	}
}
