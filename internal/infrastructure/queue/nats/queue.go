package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/resilience"
)

const (
	DefaultSubmittedSubject   = "statements.submitted"
	DefaultAnnotationsSubject = "statements.annotations"

	workerGroup = "extractors"
)

// Queue carries submission keys and annotation batches between the CLI and
// the worker fleet.
type Queue struct {
	conn               *nats.Conn
	submittedSubject   string
	annotationsSubject string
	executor           *resilience.Executor
	logger             *slog.Logger
}

type Options struct {
	SubmittedSubject     string
	AnnotationsSubject   string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url string) (*Queue, error) {
	return NewWithOptions(url, Options{})
}

func NewWithOptions(url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("statement-extractor"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:               conn,
		submittedSubject:   withDefault(options.SubmittedSubject, DefaultSubmittedSubject),
		annotationsSubject: withDefault(options.AnnotationsSubject, DefaultAnnotationsSubject),
		executor:           options.ResilienceExecutor,
		logger:             logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishDocumentSubmitted(ctx context.Context, documentKey string) error {
	if strings.TrimSpace(documentKey) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "publish document", errors.New("empty document key"))
	}
	return q.publish(ctx, q.submittedSubject, []byte(documentKey))
}

func (q *Queue) PublishAnnotations(ctx context.Context, batch domain.AnnotationBatch) error {
	payload, err := encodeAnnotationBatch(batch)
	if err != nil {
		return err
	}
	return q.publish(ctx, q.annotationsSubject, payload)
}

func (q *Queue) SubscribeDocumentSubmitted(ctx context.Context, handler func(context.Context, string) error) error {
	return q.subscribe(ctx, q.submittedSubject, func(handlerCtx context.Context, msg *nats.Msg) {
		key := string(msg.Data)
		if err := handler(handlerCtx, key); err != nil {
			q.logger.Error("worker_handler_failed", "subject", msg.Subject, "document_key", key, "error", err)
		}
	})
}

func (q *Queue) SubscribeAnnotations(ctx context.Context, handler func(context.Context, domain.AnnotationBatch) error) error {
	return q.subscribe(ctx, q.annotationsSubject, func(handlerCtx context.Context, msg *nats.Msg) {
		batch, err := decodeAnnotationBatch(msg.Data)
		if err != nil {
			q.logger.Warn("annotation_batch_rejected", "subject", msg.Subject, "error", err)
			return
		}
		if err := handler(handlerCtx, batch); err != nil {
			q.logger.Error("worker_handler_failed", "subject", msg.Subject, "document_id", batch.DocumentID, "error", err)
		}
	})
}

func (q *Queue) publish(ctx context.Context, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(subject, err)
	}
	return nil
}

// subscribe joins the worker queue group on subject and blocks until ctx is
// done, then drains in-flight messages.
func (q *Queue) subscribe(ctx context.Context, subject string, handle func(context.Context, *nats.Msg)) error {
	sub, err := q.conn.QueueSubscribe(subject, workerGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		handle(handlerCtx, msg)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeAnnotationBatch(batch domain.AnnotationBatch) ([]byte, error) {
	if strings.TrimSpace(batch.DocumentID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "publish annotations", errors.New("document id is required"))
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal annotation batch: %w", err)
	}
	return payload, nil
}

func decodeAnnotationBatch(data []byte) (domain.AnnotationBatch, error) {
	var batch domain.AnnotationBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return domain.AnnotationBatch{}, domain.WrapError(domain.ErrInvalidInput, "decode annotation batch", err)
	}
	if strings.TrimSpace(batch.DocumentID) == "" {
		return domain.AnnotationBatch{}, domain.WrapError(domain.ErrInvalidInput, "decode annotation batch", errors.New("document id is required"))
	}
	return batch, nil
}

func withDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
