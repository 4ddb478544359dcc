package core

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

type logLevel int

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

// metricTagKeys are copied from the log fields onto metric tags. Everything
// else stays in logs only to keep tag cardinality bounded.
var metricTagKeys = []string{"instance_id", "kind", "failure_kind", "urgency"}

// instrumentation is embedded by the core components for logs and metrics.
type instrumentation struct {
	logger  Logger
	metrics MetricsRecorder
}

// observeOperation records pengerobot.<operation>.total and
// pengerobot.<operation>.duration_ms and logs the outcome: info on success,
// error on failure.
func (i instrumentation) observeOperation(ctx context.Context, startedAt time.Time, operation string, err error, fields map[string]any) {
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	elapsed := time.Since(startedAt)

	record := maps.Clone(fields)
	if record == nil {
		record = map[string]any{}
	}
	record["event_type"] = operation
	record["status"] = "success"
	record["duration_ms"] = elapsed.Milliseconds()
	if err != nil {
		record["status"] = "failure"
		record["error"] = err.Error()
		if kind := FailureKindOf(err); kind != FailureNone {
			record["failure_kind"] = string(kind)
		}
	}

	if i.metrics != nil {
		tags := map[string]string{"operation": operation, "status": record["status"].(string)}
		for _, key := range metricTagKeys {
			value, ok := record[key]
			if !ok || value == nil {
				continue
			}
			if text := strings.TrimSpace(fmt.Sprint(value)); text != "" {
				tags[key] = text
			}
		}
		i.metrics.IncCounter(ctx, "pengerobot."+operation+".total", 1, tags)
		i.metrics.ObserveHistogram(ctx, "pengerobot."+operation+".duration_ms", float64(elapsed.Milliseconds()), maps.Clone(tags))
	}

	if err != nil {
		i.log(ctx, levelError, operation+" failed", record)
		return
	}
	i.log(ctx, levelInfo, operation+" succeeded", record)
}

func (i instrumentation) logDebug(ctx context.Context, message string, fields map[string]any) {
	i.log(ctx, levelDebug, message, fields)
}

func (i instrumentation) logInfo(ctx context.Context, message string, fields map[string]any) {
	i.log(ctx, levelInfo, message, fields)
}

func (i instrumentation) logWarn(ctx context.Context, message string, fields map[string]any) {
	i.log(ctx, levelWarn, message, fields)
}

func (i instrumentation) logError(ctx context.Context, message string, fields map[string]any) {
	i.log(ctx, levelError, message, fields)
}

// log redacts fields and writes them both as structured fields, when the
// logger supports them, and as sorted key/value args.
func (i instrumentation) log(ctx context.Context, level logLevel, message string, fields map[string]any) {
	if i.logger == nil {
		return
	}
	fields = RedactSensitiveMap(fields)
	logger := i.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fl, ok := logger.(FieldsLogger); ok {
		logger = fl.WithFields(maps.Clone(fields))
	}

	args := make([]any, 0, len(fields)*2)
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		args = append(args, key, fields[key])
	}
	switch level {
	case levelDebug:
		logger.Debug(message, args...)
	case levelWarn:
		logger.Warn(message, args...)
	case levelError:
		logger.Error(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func normalizeOperation(operation string) string {
	return strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(operation)))
}

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

var _ MetricsRecorder = NopMetricsRecorder{}
