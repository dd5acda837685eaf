package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const asynqQueueName = "murmur"

// AsynqQueue persists tasks in Redis and processes them with an asynq server.
type AsynqQueue struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// NewAsynq creates an AsynqQueue against the Redis server at redisURL.
func NewAsynq(redisURL string, concurrency int, logger *slog.Logger) (*AsynqQueue, error) {
	if redisURL == "" {
		return nil, errors.New("asynq: redis url is required")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	logger = logger.With("component", "queue", "driver", "asynq")
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{asynqQueueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn("task failed", "task_type", task.Type(), "error", err)
		}),
	})
	return &AsynqQueue{
		client: asynq.NewClient(opt),
		server: srv,
		mux:    asynq.NewServeMux(),
		logger: logger,
	}, nil
}

var _ Queue = (*AsynqQueue)(nil)

func (a *AsynqQueue) Enqueue(ctx context.Context, t Task) (string, error) {
	if t.Type == "" {
		return "", errNoType
	}
	info, err := a.client.EnqueueContext(ctx, asynq.NewTask(t.Type, t.Payload),
		asynq.TaskID(uuid.NewString()),
		asynq.Queue(asynqQueueName),
		asynq.MaxRetry(3),
	)
	if err != nil {
		return "", fmt.Errorf("asynq: enqueue %s: %w", t.Type, err)
	}
	return info.ID, nil
}

func (a *AsynqQueue) Register(taskType string, h Handler) {
	a.mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		return h(ctx, Task{Type: t.Type(), Payload: t.Payload()})
	})
}

// Run starts the asynq server and blocks until ctx is cancelled.
func (a *AsynqQueue) Run(ctx context.Context) error {
	if err := a.server.Start(a.mux); err != nil {
		return fmt.Errorf("asynq: start: %w", err)
	}
	a.logger.Info("queue worker started")
	<-ctx.Done()
	a.server.Shutdown()
	return nil
}

func (a *AsynqQueue) Close() error {
	return a.client.Close()
}
