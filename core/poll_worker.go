package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const PollAccountsJobID = "pengerobot.poll_accounts"

// PollRunner runs one scheduled poll.
type PollRunner interface {
	PollAccounts(ctx context.Context, instanceID string) (PollReport, error)
}

// NewPollMessage builds the job message for one scheduled poll. Messages of
// the same instance and slot share an idempotency key.
func NewPollMessage(instanceID string, slot time.Time) *JobExecutionMessage {
	instanceID = strings.TrimSpace(instanceID)
	return &JobExecutionMessage{
		JobID:          PollAccountsJobID,
		Parameters:     map[string]any{"instance_id": instanceID},
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", PollAccountsJobID, instanceID, slot.UTC().Unix()),
		DedupPolicy:    "drop",
	}
}

// SchedulePolls enqueues one poll message per registered instance.
func (s *Service) SchedulePolls(ctx context.Context, enqueuer JobEnqueuer) (int, error) {
	if enqueuer == nil {
		return 0, fmt.Errorf("core: job enqueuer is required")
	}
	instances, err := s.instances.ListInstances(ctx)
	if err != nil {
		return 0, err
	}
	slot := s.now().Truncate(s.config.PollInterval())
	enqueued := 0
	for _, instance := range instances {
		if err := enqueuer.Enqueue(ctx, NewPollMessage(instance.ID, slot)); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// RunPollScheduler enqueues polls immediately and then on every interval
// until ctx is done.
func (s *Service) RunPollScheduler(ctx context.Context, enqueuer JobEnqueuer) error {
	interval := s.config.PollInterval()
	schedule := func() {
		count, err := s.SchedulePolls(ctx, enqueuer)
		if err != nil {
			s.logWarn(ctx, "poll scheduling failed", map[string]any{"error": err.Error(), "enqueued": count})
			return
		}
		s.logDebug(ctx, "polls scheduled", map[string]any{"enqueued": count})
	}
	schedule()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			schedule()
		}
	}
}

// PollWorker consumes poll messages. Poll failures are logged and acked;
// the next scheduled tick is the retry.
type PollWorker struct {
	runner   PollRunner
	dequeuer JobDequeuer
	hook     JobWorkerHook
	instrumentation
}

func NewPollWorker(runner PollRunner, dequeuer JobDequeuer, hook JobWorkerHook, logger Logger, metrics MetricsRecorder) (*PollWorker, error) {
	if runner == nil {
		return nil, fmt.Errorf("core: poll runner is required")
	}
	if dequeuer == nil {
		return nil, fmt.Errorf("core: job dequeuer is required")
	}
	return &PollWorker{
		runner:          runner,
		dequeuer:        dequeuer,
		hook:            hook,
		instrumentation: instrumentation{logger: logger, metrics: metrics},
	}, nil
}

// ProcessNext handles one delivery.
func (w *PollWorker) ProcessNext(ctx context.Context) error {
	delivery, err := w.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}
	msg := delivery.Message()
	instanceID, ok := pollInstanceID(msg)
	if !ok {
		w.logWarn(ctx, "dropping malformed poll message", map[string]any{"job_id": jobID(msg)})
		return delivery.Nack(ctx, JobNackOptions{DeadLetter: true, Reason: "malformed poll message"})
	}

	startedAt := time.Now()
	event := JobWorkerEvent{Message: msg, Attempt: 1, StartedAt: startedAt}
	w.onStart(ctx, event)
	report, pollErr := w.runner.PollAccounts(ctx, instanceID)
	event.Duration = time.Since(startedAt)
	if pollErr != nil {
		event.Err = pollErr
		w.onFailure(ctx, event)
		level := levelWarn
		if IsThrottled(pollErr) || errors.Is(pollErr, ErrInstanceNotFound) || FailureKindOf(pollErr) == FailureInternal {
			level = levelDebug
		}
		w.log(ctx, level, "scheduled poll failed", map[string]any{
			"instance_id":  instanceID,
			"failure_kind": string(FailureKindOf(pollErr)),
			"error":        pollErr.Error(),
		})
	} else {
		w.onSuccess(ctx, event)
		if report.Partial() {
			w.logDebug(ctx, "scheduled poll incomplete", map[string]any{
				"instance_id": instanceID,
				"misses":      len(report.Misses),
				"throttled":   report.Throttled,
			})
		}
	}
	return delivery.Ack(ctx)
}

// Run processes deliveries until ctx is done.
func (w *PollWorker) Run(ctx context.Context) error {
	for {
		if err := w.ProcessNext(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logWarn(ctx, "poll worker delivery failed", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

func (w *PollWorker) onStart(ctx context.Context, event JobWorkerEvent) {
	if w.hook != nil {
		w.hook.OnStart(ctx, event)
	}
}

func (w *PollWorker) onSuccess(ctx context.Context, event JobWorkerEvent) {
	if w.hook != nil {
		w.hook.OnSuccess(ctx, event)
	}
}

func (w *PollWorker) onFailure(ctx context.Context, event JobWorkerEvent) {
	if w.hook != nil {
		w.hook.OnFailure(ctx, event)
	}
}

func pollInstanceID(msg *JobExecutionMessage) (string, bool) {
	if msg == nil || msg.JobID != PollAccountsJobID {
		return "", false
	}
	instanceID, _ := msg.Parameters["instance_id"].(string)
	instanceID = strings.TrimSpace(instanceID)
	return instanceID, instanceID != ""
}

func jobID(msg *JobExecutionMessage) string {
	if msg == nil {
		return ""
	}
	return msg.JobID
}
