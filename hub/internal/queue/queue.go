// Package queue runs background jobs, either in-process or on Redis via asynq.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/murmur-chat/murmur/hub/internal/config"
)

// Task is a job with a stable type name and an opaque payload.
type Task struct {
	Type    string
	Payload []byte
}

// Handler processes a task. Handlers must be idempotent.
type Handler func(ctx context.Context, t Task) error

// Queue enqueues tasks and runs the registered handlers.
type Queue interface {
	// Enqueue submits t and returns its id.
	Enqueue(ctx context.Context, t Task) (string, error)
	// Register binds h to taskType. Call before Run.
	Register(taskType string, h Handler)
	// Run processes tasks until ctx is cancelled.
	Run(ctx context.Context) error
	Close() error
}

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue: closed")
	// ErrFull is returned when the local queue cannot accept more tasks.
	ErrFull = errors.New("queue: full")
	errNoType = errors.New("queue: task type is required")
)

// New creates a Queue for the configured driver.
func New(cfg config.QueueConfig, logger *slog.Logger) (Queue, error) {
	switch cfg.Driver {
	case "", "local":
		return NewLocal(cfg.Concurrency, 0, logger), nil
	case "asynq":
		return NewAsynq(cfg.RedisURL, cfg.Concurrency, logger)
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}
