// Package workers implements the six job-processing capabilities that do
// the pipeline's actual analysis work: FileAnalysisWorker,
// DirectoryAggregationWorker, DirectoryResolutionWorker,
// RelationshipResolutionWorker, ValidationWorker, and ReconciliationWorker.
// Each processes one queue's job payloads and logs and records incidents
// through a shared Base; the consume loop itself lives in pkg/orchestrator.
package workers

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/audit"
)

// newUUID returns a fresh random id, used by workers that must assign a
// primary key before a repository Insert/Upsert call.
func newUUID() string {
	return uuid.NewString()
}

// Capability is one queue's worker: it knows how to decode and process a
// single job payload. The consume loop that dequeues from Q, calls
// ProcessJob, and Acks/Nacks/Deads based on the result lives in
// pkg/orchestrator, not here — a Capability has no opinion about retries or
// queue mechanics, only about what one job means.
type Capability interface {
	// Name identifies the capability for logging and metrics, matching one
	// of the queue names in pkg/queue.
	Name() string

	// ProcessJob processes a single job's payload for runID. Errors should
	// be constructed with pkg/pipeline's taxonomy (Transient/Permanent/
	// Logical/Conflict) so the caller can decide whether to retry, DLQ, or
	// treat the job as intentionally dropped.
	ProcessJob(ctx context.Context, runID string, payload []byte) error
}

// Base provides the dependencies every capability needs: a namespaced
// logger and an incident recorder. Concrete workers embed Base.
type Base struct {
	name      string
	logger    *zap.Logger
	incidents audit.Recorder
}

// NewBase returns a Base for a capability named name.
func NewBase(name string, logger *zap.Logger, incidents audit.Recorder) Base {
	return Base{
		name:      name,
		logger:    logger.Named(name),
		incidents: incidents,
	}
}

// Name returns the capability name.
func (b *Base) Name() string {
	return b.name
}

// Logger returns the capability's namespaced logger.
func (b *Base) Logger() *zap.Logger {
	return b.logger
}

// recordIncident logs and persists an incident under this capability's
// component name, swallowing recorder failures per audit.Recorder's
// contract that it must never itself become a new source of pipeline
// failure.
func (b *Base) recordIncident(ctx context.Context, severity audit.Severity, kind audit.Kind, runID, message string, detail map[string]any) {
	if b.incidents == nil {
		return
	}
	_ = b.incidents.Record(ctx, audit.Incident{
		RunID:     runID,
		Severity:  severity,
		Kind:      kind,
		Component: b.name,
		Message:   message,
		Detail:    detail,
	})
}
