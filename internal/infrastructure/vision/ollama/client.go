package ollama

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/resilience"
)

type Options struct {
	HTTPTimeout time.Duration
	// Signal is the confidence reported for a complete, non-empty response.
	Signal float64
	// TruncatedSignal is reported when the model stopped on its token limit.
	TruncatedSignal    float64
	ResilienceExecutor *resilience.Executor
}

// Recognizer transcribes page images with an Ollama-hosted vision model.
type Recognizer struct {
	baseURL    string
	model      string
	httpClient *http.Client
	opts       Options
}

func New(baseURL, model string) *Recognizer {
	return NewWithOptions(baseURL, model, Options{})
}

func NewWithOptions(baseURL, model string, opts Options) *Recognizer {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 120 * time.Second
	}
	if opts.Signal <= 0 || opts.Signal > 1 {
		opts.Signal = 0.9
	}
	if opts.TruncatedSignal <= 0 || opts.TruncatedSignal > opts.Signal {
		opts.TruncatedSignal = opts.Signal * 0.6
	}
	return &Recognizer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: opts.HTTPTimeout},
		opts:       opts,
	}
}

func (r *Recognizer) String() string {
	return "ollama(" + r.model + " at " + r.baseURL + ")"
}

type generateResponse struct {
	Response   string `json:"response"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
}

func (r *Recognizer) Recognize(ctx context.Context, req domain.VisionRequest) (domain.Recognition, error) {
	if len(req.Image) == 0 {
		return domain.Recognition{}, domain.WrapError(domain.ErrInvalidInput, "ollama recognize", errors.New("empty image"))
	}

	payload := map[string]any{
		"model":  r.model,
		"prompt": buildVisionPrompt(req.Instruction, req.Hint),
		"images": []string{base64.StdEncoding.EncodeToString(req.Image)},
		"stream": false,
		"options": map[string]any{
			"temperature": 0,
		},
	}

	var response generateResponse
	call := func(callCtx context.Context) error {
		response = generateResponse{}
		if err := r.postJSON(callCtx, "/api/generate", payload, &response, "generate"); err != nil {
			return err
		}
		if strings.TrimSpace(response.Response) == "" {
			return &MalformedResponseError{Operation: "generate", Reason: "empty response"}
		}
		return nil
	}

	var err error
	if r.opts.ResilienceExecutor != nil {
		err = r.opts.ResilienceExecutor.Execute(ctx, "ollama.vision", call, classifyOllamaError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.Recognition{}, wrapRecognitionError("ollama recognize", err)
	}

	signal := r.opts.Signal
	if response.DoneReason == "length" {
		signal = r.opts.TruncatedSignal
	}
	return domain.Recognition{
		Text:   strings.TrimSpace(response.Response),
		Signal: signal,
	}, nil
}
