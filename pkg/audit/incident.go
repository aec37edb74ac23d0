// Package audit records structured incidents for the pipeline run: permanent
// failures routed to the DLQ, logical inconsistencies, and reconciliation
// conflicts that a human should be able to review after the run finishes.
package audit

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/logging"
)

// Severity classifies how urgently an incident needs attention.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Kind names the category of incident, matching the error taxonomy and
// reconciliation outcomes used elsewhere in the pipeline.
type Kind string

const (
	KindTransientRetryExhausted Kind = "transient_retry_exhausted"
	KindPermanentFailure        Kind = "permanent_failure"
	KindLogicalInconsistency    Kind = "logical_inconsistency"
	KindReconciliationConflict  Kind = "reconciliation_conflict"
	KindCorrectnessAlarm        Kind = "correctness_alarm"
	KindOutboxPublishFailure    Kind = "outbox_publish_failure"
)

// Incident is one structured record. Detail must never contain raw file
// contents or LLM prompt/response text; callers pass only bounded,
// non-sensitive snippets.
type Incident struct {
	RunID     string         `json:"run_id,omitempty"`
	Severity  Severity       `json:"severity"`
	Kind      Kind           `json:"kind"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Recorder persists incidents. The default implementation writes to RS via
// an injected store and mirrors every record to structured logs.
type Recorder interface {
	Record(ctx context.Context, inc Incident) error
}

// Store is the minimal persistence capability a Recorder needs; satisfied
// by pkg/repositories.IncidentRepository.
type Store interface {
	InsertIncident(ctx context.Context, inc Incident) error
}

// LogRecorder wraps a Store with a namespaced zap logger, mirroring every
// recorded incident as a structured log event in addition to persisting it.
type LogRecorder struct {
	store  Store
	logger *zap.Logger
}

// NewLogRecorder returns a Recorder that persists to store and logs every
// incident under the "incident" logger name.
func NewLogRecorder(store Store, logger *zap.Logger) *LogRecorder {
	return &LogRecorder{store: store, logger: logger.Named("incident")}
}

var _ Recorder = (*LogRecorder)(nil)

// Record persists the incident and emits a matching structured log line;
// the detail map is sanitized before either. A persistence failure is
// logged and also returned; the pipeline's own callers discard that error,
// so an incident recorder never itself becomes a new source of pipeline
// failure.
func (r *LogRecorder) Record(ctx context.Context, inc Incident) error {
	inc.Detail = sanitizeDetail(inc.Detail)
	detailJSON, _ := json.Marshal(inc.Detail)

	fields := []zap.Field{
		zap.String("run_id", inc.RunID),
		zap.String("severity", string(inc.Severity)),
		zap.String("kind", string(inc.Kind)),
		zap.String("component", inc.Component),
		zap.String("detail", string(detailJSON)),
	}

	switch inc.Severity {
	case SeverityCritical, SeverityError:
		r.logger.Error(inc.Message, fields...)
	case SeverityWarning:
		r.logger.Warn(inc.Message, fields...)
	default:
		r.logger.Info(inc.Message, fields...)
	}

	if err := r.store.InsertIncident(ctx, inc); err != nil {
		r.logger.Error("failed to persist incident", zap.Error(err))
		return err
	}
	return nil
}

// sanitizeDetail scrubs any string value that looks like a connection
// string, credential, or token before it reaches a log line or the
// persisted incident.
func sanitizeDetail(detail map[string]any) map[string]any {
	if detail == nil {
		return nil
	}
	clean := make(map[string]any, len(detail))
	for k, v := range detail {
		if s, ok := v.(string); ok {
			clean[k] = logging.SanitizeError(errStringer(s))
			continue
		}
		clean[k] = v
	}
	return clean
}

type errStringer string

func (e errStringer) Error() string { return string(e) }
