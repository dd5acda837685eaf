package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const defaultLocalBuffer = 256

// LocalQueue runs tasks on in-process worker goroutines. Tasks are lost on
// shutdown.
type LocalQueue struct {
	concurrency int
	logger      *slog.Logger
	tasks       chan localTask

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

type localTask struct {
	id string
	Task
}

// NewLocal creates a LocalQueue with the given worker count and buffer size.
// Non-positive values select defaults.
func NewLocal(concurrency, buffer int, logger *slog.Logger) *LocalQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	if buffer <= 0 {
		buffer = defaultLocalBuffer
	}
	return &LocalQueue{
		concurrency: concurrency,
		logger:      logger.With("component", "queue", "driver", "local"),
		tasks:       make(chan localTask, buffer),
		handlers:    make(map[string]Handler),
	}
}

var _ Queue = (*LocalQueue)(nil)

func (q *LocalQueue) Register(taskType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = h
}

// Enqueue never blocks: a full buffer returns ErrFull.
func (q *LocalQueue) Enqueue(ctx context.Context, t Task) (string, error) {
	if t.Type == "" {
		return "", errNoType
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", ErrClosed
	}

	lt := localTask{id: uuid.NewString(), Task: t}
	select {
	case q.tasks <- lt:
		return lt.id, nil
	default:
		return "", ErrFull
	}
}

func (q *LocalQueue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-q.tasks:
					if !ok {
						return
					}
					q.handle(ctx, t)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (q *LocalQueue) handle(ctx context.Context, t localTask) {
	q.mu.RLock()
	h, ok := q.handlers[t.Type]
	q.mu.RUnlock()
	if !ok {
		q.logger.Warn("no handler for task", "task_type", t.Type, "task_id", t.id)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task handler panicked", "task_type", t.Type, "task_id", t.id, "panic", r)
		}
	}()
	if err := h(ctx, t.Task); err != nil {
		q.logger.Warn("task failed", "task_type", t.Type, "task_id", t.id, "error", err)
	}
}

// Close stops accepting tasks. Workers finish the buffered tasks unless
// their Run context is cancelled first.
func (q *LocalQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	return nil
}
