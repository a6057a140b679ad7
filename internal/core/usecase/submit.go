package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/core/ports"
)

const resultsPrefix = "results/"

// SubmitDocumentUseCase is the asynchronous path: Submit stores the upload and
// queues it, ProcessSubmitted runs the pipeline for a queued key and stores the result.
type SubmitDocumentUseCase struct {
	storage   ports.ObjectStorage
	queue     ports.MessageQueue
	processor ports.DocumentProcessor
	exporter  ports.ResultExporter
	logger    *slog.Logger
}

// NewSubmitDocumentUseCase accepts a nil exporter; only the JSON result is stored then.
func NewSubmitDocumentUseCase(
	storage ports.ObjectStorage,
	queue ports.MessageQueue,
	processor ports.DocumentProcessor,
	exporter ports.ResultExporter,
	logger *slog.Logger,
) *SubmitDocumentUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmitDocumentUseCase{
		storage:   storage,
		queue:     queue,
		processor: processor,
		exporter:  exporter,
		logger:    logger,
	}
}

// Submit returns the storage key that identifies the submission.
func (uc *SubmitDocumentUseCase) Submit(ctx context.Context, filename string, body io.Reader) (string, error) {
	key := fmt.Sprintf("%s_%s", uuid.NewString(), sanitizeFilename(filename))

	if err := uc.storage.Save(ctx, key, body); err != nil {
		return "", fmt.Errorf("save to object storage: %w", err)
	}
	if err := uc.queue.PublishDocumentSubmitted(ctx, key); err != nil {
		return "", fmt.Errorf("publish submission event: %w", err)
	}
	return key, nil
}

// ProcessSubmitted loads a stored document, processes it and saves the result under
// results/<key>.json (and .xlsx when an exporter is configured). Rejected input is
// still saved as a failed result and not reported as an error, so it is not redelivered.
func (uc *SubmitDocumentUseCase) ProcessSubmitted(ctx context.Context, key string) (*domain.DocumentResult, error) {
	key = strings.TrimSpace(key)
	if key == "" || key != filepath.Base(key) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "process submitted", fmt.Errorf("invalid document key %q", key))
	}

	data, err := uc.load(ctx, key)
	if err != nil {
		return nil, err
	}

	result, err := uc.processor.ProcessDocument(ctx, originalFilename(key), data)
	if err != nil && !domain.IsKind(err, domain.ErrInvalidInput) {
		return nil, fmt.Errorf("process document %s: %w", key, err)
	}
	if result == nil {
		return nil, fmt.Errorf("process document %s: %w", key, errors.Join(err, errors.New("no result")))
	}

	if err := uc.saveResult(ctx, key, result); err != nil {
		return result, err
	}
	uc.logger.Info("submission_processed", "key", key, "document_id", result.DocumentID, "status", result.Status)
	return result, nil
}

func (uc *SubmitDocumentUseCase) load(ctx context.Context, key string) ([]byte, error) {
	rc, err := uc.storage.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open stored document: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read stored document: %w", err)
	}
	return data, nil
}

func (uc *SubmitDocumentUseCase) saveResult(ctx context.Context, key string, result *domain.DocumentResult) error {
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := uc.storage.Save(ctx, resultsPrefix+key+".json", bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("save result: %w", err)
	}

	if uc.exporter == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := uc.exporter.Export(result, &buf); err != nil {
		return fmt.Errorf("export result: %w", err)
	}
	if err := uc.storage.Save(ctx, resultsPrefix+key+".xlsx", &buf); err != nil {
		return fmt.Errorf("save exported result: %w", err)
	}
	return nil
}

// originalFilename strips the id prefix Submit puts on storage keys.
func originalFilename(key string) string {
	if _, rest, ok := strings.Cut(key, "_"); ok && rest != "" {
		return rest
	}
	return key
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == ".." {
		return "document.bin"
	}
	return base
}
