package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	audit "goalpay/pkg/platform/audit"
)

// ErrQueueFull is returned by Queue.Append when the buffer is saturated.
var ErrQueueFull = errors.New("audit queue full")

// Queue is an audit.Store that buffers events for a Worker. Appends never
// block request handling.
type Queue struct {
	ch chan audit.Event
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan audit.Event, capacity)}
}

func (q *Queue) Append(_ context.Context, event audit.Event) error {
	select {
	case q.ch <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Events exposes the receive side for a Worker.
func (q *Queue) Events() <-chan audit.Event {
	return q.ch
}

// Worker consumes audit events from a channel and persists them to a slower
// sink such as Kafka.
type Worker struct {
	store  audit.Store
	inbox  <-chan audit.Event
	logger *slog.Logger
}

func NewWorker(store audit.Store, inbox <-chan audit.Event, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, inbox: inbox, logger: logger}
}

// Run drains the inbox until ctx is cancelled. Sink failures are logged and
// the event is dropped.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return ctx.Err()
		case event := <-w.inbox:
			if err := w.store.Append(ctx, event); err != nil {
				w.logger.ErrorContext(ctx, "failed to persist audit event",
					"error", err,
					"action", event.Action,
					"username", event.Username,
				)
			}
		}
	}
}

// drainTimeout bounds the final flush so an unreachable sink cannot stall
// shutdown.
const drainTimeout = 5 * time.Second

// drain flushes what is already buffered using a fresh context.
func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case event := <-w.inbox:
			if err := w.store.Append(ctx, event); err != nil {
				w.logger.Error("failed to flush audit event", "error", err, "action", event.Action)
			}
		default:
			return
		}
	}
}
