package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskType is the asynq task name consumed by the delivery service.
const TaskType = "attendance:notify"

// Enqueuer is the part of *asynq.Client the queue notifier uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueConfig selects the redis instance and task options.
type QueueConfig struct {
	RedisAddr     string `validate:"required,hostname_port"`
	RedisPassword string
	Queue         string `validate:"required"`
	MaxRetry      int    `validate:"gte=0"`
	Timeout       time.Duration
}

// DefaultQueueConfig targets a local redis.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{RedisAddr: "127.0.0.1:6379", Queue: "default", MaxRetry: 10, Timeout: time.Minute}
}

// Queue enqueues one asynq task per event.
type Queue struct {
	cfg    QueueConfig
	client Enqueuer
	closer func() error
}

// NewQueue connects an asynq client to redis.
func NewQueue(cfg QueueConfig) *Queue {
	c := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	return &Queue{cfg: cfg, client: c, closer: c.Close}
}

// NewQueueWith uses an existing enqueuer.
func NewQueueWith(cfg QueueConfig, e Enqueuer) *Queue {
	return &Queue{cfg: cfg, client: e}
}

func (q *Queue) Name() string { return "queue" }

// Notify enqueues every event. One failed enqueue does not stop the rest.
func (q *Queue) Notify(ctx context.Context, events []Event) error {
	timeout := q.cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	var errs []error
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TaskType, payload),
			asynq.MaxRetry(q.cfg.MaxRetry),
			asynq.Timeout(timeout),
			asynq.Queue(q.cfg.Queue))
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s for %s: %w", e.Kind, e.Student.RollNo, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the redis connection when the queue owns it.
func (q *Queue) Close() error {
	if q.closer == nil {
		return nil
	}
	return q.closer()
}

// DecodeTask reads the event carried by a task.
func DecodeTask(t *asynq.Task) (Event, error) {
	var e Event
	if t.Type() != TaskType {
		return e, fmt.Errorf("unexpected task type %q", t.Type())
	}
	if err := json.Unmarshal(t.Payload(), &e); err != nil {
		return e, fmt.Errorf("decode %s payload: %w", TaskType, err)
	}
	return e, nil
}
