package certificate

import (
	"context"
	"fmt"
	"log"

	"github.com/sealpost/sealpost/internal/document"
)

// MetadataSource reads the finalized snapshot for an identity.
type MetadataSource interface {
	Get(ctx context.Context, identity string) (document.Metadata, error)
}

// Sink receives rendered certificates keyed by identity.
type Sink interface {
	Put(ctx context.Context, identity string, content []byte) error
}

// QueueConfig carries the queue's collaborators.
type QueueConfig struct {
	Renderer *Renderer
	Source   MetadataSource
	Sink     Sink
	Logger   *log.Logger

	// Buffer bounds pending jobs. Defaults to 64.
	Buffer int
}

// Queue renders certificates asynchronously. Enqueue never blocks the
// caller; when the buffer is full the job is dropped and logged, since a
// certificate can be re-rendered on demand from the stored snapshot.
type Queue struct {
	renderer *Renderer
	source   MetadataSource
	sink     Sink
	logger   *log.Logger
	jobs     chan string
}

// NewQueue constructs a certificate queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("metadata source is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("certificate sink is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &Queue{
		renderer: cfg.Renderer,
		source:   cfg.Source,
		sink:     cfg.Sink,
		logger:   cfg.Logger,
		jobs:     make(chan string, cfg.Buffer),
	}, nil
}

// Enqueue schedules certificate generation for an identity.
func (q *Queue) Enqueue(identity string) {
	select {
	case q.jobs <- identity:
	default:
		q.logger.Printf("certificate queue full, dropping identity=%s", identity)
	}
}

// Run processes jobs until the context is canceled.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case identity := <-q.jobs:
			q.process(ctx, identity)
		}
	}
}

func (q *Queue) process(ctx context.Context, identity string) {
	snapshot, err := q.source.Get(ctx, identity)
	if err != nil {
		q.logger.Printf("certificate snapshot read failed identity=%s: %v", identity, err)
		return
	}
	content, err := q.renderer.Render(identity, snapshot)
	if err != nil {
		q.logger.Printf("certificate render failed identity=%s: %v", identity, err)
		return
	}
	if err := q.sink.Put(ctx, identity, content); err != nil {
		q.logger.Printf("certificate store failed identity=%s: %v", identity, err)
	}
}
