package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"etl-engine/pkg/config"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("queue:client",
	fx.Provide(registerClient, NewEnqueuer, NewManager),
)

func registerClient(lc fx.Lifecycle, cfg *config.Config) *asynq.Client {
	client := asynq.NewClient(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
	)

	if err := client.Ping(); err != nil {
		zap.L().Fatal("[Queue] Failed to connect to broker", zap.Error(err))
	}

	zap.L().Info("[Queue] Connected to broker", zap.String("addr", cfg.Redis.Addr))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

// Enqueuer is the narrow publishing interface services depend on, so tests
// can substitute a fake capturing published tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}

// Topology declares the broker-side queue layout: three durable queues with
// priority weights. asynq keeps tasks in redis until acked, so delivery
// survives broker restarts.
func Topology() map[string]int {
	return map[string]int{
		QueueExtract:   6,
		QueueTransform: 3,
		QueueLoad:      1,
	}
}

// Manager is the thin broker wrapper the engine publishes through.
type Manager struct {
	enq Enqueuer
}

func NewManager(enq Enqueuer) *Manager {
	return &Manager{enq: enq}
}

// Publish serializes msg and routes it to the named queue, stamping the
// queue's topology weight as the message priority. The body is the small
// Message schema only; asynq persists it durably in redis.
func (m *Manager) Publish(ctx context.Context, queueName string, msg Message) error {
	taskType, err := taskTypeFor(queueName)
	if err != nil {
		return err
	}
	msg.Priority = Topology()[queueName]

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}

	task := asynq.NewTask(taskType, payload)
	if _, err := m.enq.Enqueue(ctx, task, asynq.Queue(queueName)); err != nil {
		return err
	}

	zap.L().Debug("[Queue] published",
		zap.String("queue", queueName),
		zap.String("entity_type", msg.EntityType),
		zap.String("raw_data_id", msg.RawDataID),
	)
	return nil
}

func taskTypeFor(queueName string) (string, error) {
	switch queueName {
	case QueueExtract:
		return TaskExtractBatch, nil
	case QueueTransform:
		return TaskTransformBatch, nil
	case QueueLoad:
		return TaskLoadBatch, nil
	default:
		return "", fmt.Errorf("unknown queue %q", queueName)
	}
}
