package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xhad/docrag/internal/types"
)

var ErrWorkerStopped = errors.New("ingestion worker stopped")

type WorkerConfig struct {
	Workers   int
	QueueSize int
	// OnDone, if set, is called after every job.
	OnDone func(req Request, res Result, err error)
	Logger *slog.Logger
}

// Worker ingests documents in the background with a fixed number of
// goroutines reading from a bounded queue.
type Worker struct {
	config   WorkerConfig
	pipeline *Pipeline
	queue    chan Request
	logger   *slog.Logger

	mu      sync.RWMutex
	stopped bool
	group   *errgroup.Group
}

func NewWorker(pipeline *Pipeline, config WorkerConfig) *Worker {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		config:   config,
		pipeline: pipeline,
		queue:    make(chan Request, config.QueueSize),
		logger:   logger,
	}
}

// Start launches the workers. They run until Stop is called or ctx is done.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.group != nil || w.stopped {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case req, ok := <-w.queue:
					if !ok {
						return nil
					}
					w.process(ctx, req)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}
	w.group = g
	w.logger.Info("ingestion workers started", slog.Int("workers", w.config.Workers), slog.Int("queue_size", w.config.QueueSize))
}

func (w *Worker) process(ctx context.Context, req Request) {
	res, err := w.pipeline.Ingest(ctx, req)
	if err != nil {
		w.logger.Warn("background ingestion failed",
			slog.String("document_id", req.DocumentID),
			slog.String("error", err.Error()),
		)
	}
	if w.config.OnDone != nil {
		w.config.OnDone(req, res, err)
	}
}

// Submit queues a request without blocking. It returns types.ErrQueueFull
// when the queue is at capacity.
func (w *Worker) Submit(req Request) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return ErrWorkerStopped
	}

	select {
	case w.queue <- req:
		return nil
	default:
		return types.ErrQueueFull
	}
}

// Stop stops accepting work, lets the workers drain the queue and waits for
// them to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.queue)
	g := w.group
	w.mu.Unlock()

	if g == nil {
		return nil
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
