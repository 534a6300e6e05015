package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ridewire/dispatch/pkg/eventbus"
	"github.com/ridewire/dispatch/pkg/logger"
)

const (
	taskEventType    = "offer-task"
	taskConsumerName = "dispatch-workers"
)

// WorkerConfig tunes the offer-task worker pool.
type WorkerConfig struct {
	// Workers is the number of concurrent consume loops.
	Workers int
	// AckWait is the task lease. While a worker holds an unacked task no other
	// worker receives it; it must exceed the worst-case ladder duration
	// (candidate count times the ack window). Redelivery after a crash
	// resumes the dispatch from its stored cursor.
	AckWait time.Duration
	// MaxDeliver bounds redeliveries of a stuck task.
	MaxDeliver int
}

// TaskQueue publishes and consumes dispatch offer tasks over JetStream.
type TaskQueue struct {
	bus       *eventbus.Bus
	scheduler *Scheduler
	cfg       WorkerConfig
}

// NewTaskQueue creates the queue. The scheduler may be nil for publish-only use.
func NewTaskQueue(bus *eventbus.Bus, scheduler *Scheduler, cfg WorkerConfig) *TaskQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Minute
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 10
	}
	return &TaskQueue{bus: bus, scheduler: scheduler, cfg: cfg}
}

// Enqueue publishes one offer task for the dispatch. The dispatch ID keys the
// message ID, so re-enqueueing the same dispatch within the dedup window is
// harmless.
func (q *TaskQueue) Enqueue(ctx context.Context, dispatchID uuid.UUID) error {
	event, err := eventbus.NewEvent(ctx, taskEventType, eventSource, "", eventbus.OfferTaskData{
		DispatchID: dispatchID,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("build task: %w", err)
	}
	event.ID = "task-" + dispatchID.String()

	return q.bus.Publish(ctx, eventbus.SubjectTasks, event)
}

// Start launches the worker pool. Each worker holds at most one task at a
// time; the durable consumer spreads tasks across workers and across
// processes.
func (q *TaskQueue) Start(ctx context.Context) error {
	for i := 0; i < q.cfg.Workers; i++ {
		err := q.bus.SubscribeWithOptions(ctx, eventbus.SubjectTasks, taskConsumerName, q.handle, eventbus.SubscribeOptions{
			AckWait:    q.cfg.AckWait,
			MaxDeliver: q.cfg.MaxDeliver,
		})
		if err != nil {
			return fmt.Errorf("start worker %d: %w", i, err)
		}
	}
	logger.Info("dispatch workers started",
		zap.Int("workers", q.cfg.Workers),
		zap.Duration("ack_wait", q.cfg.AckWait),
	)
	return nil
}

func (q *TaskQueue) handle(ctx context.Context, event *eventbus.Event) error {
	var task eventbus.OfferTaskData
	if err := json.Unmarshal(event.Data, &task); err != nil {
		logger.WarnContext(ctx, "malformed offer task, dropping", zap.Error(err))
		return nil
	}

	logger.InfoContext(ctx, "processing dispatch task",
		zap.String("dispatch_id", task.DispatchID.String()),
	)
	return q.scheduler.Run(ctx, task.DispatchID)
}
