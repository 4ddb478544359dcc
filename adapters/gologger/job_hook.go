package gologger

import (
	"context"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

// JobLogHook logs poll worker lifecycle events. Failures are logged at warn,
// everything else at debug.
type JobLogHook struct {
	logger glog.Logger
}

func NewJobLogHook(logger glog.Logger) *JobLogHook {
	return &JobLogHook{logger: glog.Ensure(logger)}
}

func (h *JobLogHook) OnStart(ctx context.Context, event core.JobWorkerEvent) {
	h.logger.WithContext(ctx).Debug("job started", jobFields(event)...)
}

func (h *JobLogHook) OnSuccess(ctx context.Context, event core.JobWorkerEvent) {
	h.logger.WithContext(ctx).Debug("job succeeded", jobFields(event)...)
}

func (h *JobLogHook) OnFailure(ctx context.Context, event core.JobWorkerEvent) {
	h.logger.WithContext(ctx).Warn("job failed", jobFields(event)...)
}

func (h *JobLogHook) OnRetry(ctx context.Context, event core.JobWorkerEvent) {
	h.logger.WithContext(ctx).Debug("job retry scheduled", jobFields(event)...)
}

func jobFields(event core.JobWorkerEvent) []any {
	fields := []any{"attempt", event.Attempt, "duration_ms", event.Duration.Milliseconds()}
	if event.Message != nil {
		fields = append(fields, "job_id", event.Message.JobID)
		if instanceID, ok := event.Message.Parameters["instance_id"].(string); ok {
			fields = append(fields, "instance_id", instanceID)
		}
	}
	if event.Delay > 0 {
		fields = append(fields, "delay_ms", event.Delay.Milliseconds())
	}
	if event.Err != nil {
		fields = append(fields, "error", event.Err.Error())
	}
	return fields
}

var _ core.JobWorkerHook = (*JobLogHook)(nil)
