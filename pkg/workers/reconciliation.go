package workers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/apperrors"
	"github.com/coglabs/ctengine/pkg/audit"
	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/jobs"
	"github.com/coglabs/ctengine/pkg/models"
	"github.com/coglabs/ctengine/pkg/pipeline"
	"github.com/coglabs/ctengine/pkg/repositories"
	"github.com/coglabs/ctengine/pkg/scoring"
)

// ReconciliationWorker computes the final state of one candidate
// relationship once its evidence is complete.
type ReconciliationWorker struct {
	Base

	db                  *database.DB
	evidenceRepo        repositories.EvidenceRepository
	relRepo             repositories.RelationshipRepository
	validationThreshold float64
}

// NewReconciliationWorker returns a ReconciliationWorker. validationThreshold
// is the minimum final score for a relationship to be VALIDATED rather than
// REJECTED (config default 0.5).
func NewReconciliationWorker(
	db *database.DB,
	evidenceRepo repositories.EvidenceRepository,
	relRepo repositories.RelationshipRepository,
	validationThreshold float64,
	incidents audit.Recorder,
	logger *zap.Logger,
) *ReconciliationWorker {
	return &ReconciliationWorker{
		Base:                NewBase("reconciliation", logger, incidents),
		db:                  db,
		evidenceRepo:        evidenceRepo,
		relRepo:             relRepo,
		validationThreshold: validationThreshold,
	}
}

var _ Capability = (*ReconciliationWorker)(nil)

// ProcessJob implements Capability. payload decodes to
// jobs.ReconciliationPayload, enqueued by ValidationWorker once a
// relationship hash's evidence counter closes.
func (w *ReconciliationWorker) ProcessJob(ctx context.Context, runID string, payload []byte) error {
	var job jobs.ReconciliationPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return pipeline.Permanent(w.Name(), "decode reconciliation payload", err)
	}

	scope, err := database.AcquireTxScope(ctx, w.db)
	if err != nil {
		return pipeline.Transient(w.Name(), "acquire tx scope", err)
	}
	defer scope.Close(ctx)

	if err := scope.Begin(ctx); err != nil {
		return pipeline.Transient(w.Name(), "begin tx", err)
	}
	txCtx := database.SetTxScope(ctx, scope)

	evidence, err := w.evidenceRepo.ListByHash(txCtx, runID, job.RelationshipHash)
	if err != nil {
		return pipeline.Transient(w.Name(), "list evidence by hash", err)
	}
	if len(evidence) == 0 {
		return pipeline.Logical(w.Name(), "relationship hash has no evidence", apperrors.ErrRelationshipHashUnknown)
	}

	result := scoring.CalculateFinalScore(evidence)

	status := models.RelationshipStatusRejected
	if result.Score >= w.validationThreshold {
		status = models.RelationshipStatusValidated
		if result.HasConflict {
			status = models.RelationshipStatusConflict
		}
	}

	if err := w.relRepo.UpdateStatus(txCtx, runID, job.RelationshipHash, status, result.Score, result.HasConflict); err != nil {
		if err == apperrors.ErrConflict {
			// Already terminal from an earlier delivery of this same job;
			// the transition is idempotent by design, so this is a no-op,
			// not a failure.
			w.Logger().Debug("relationship already terminal, skipping", zap.String("relationshipHash", job.RelationshipHash))
			return scope.Commit(ctx)
		}
		return pipeline.Transient(w.Name(), "update relationship status", err)
	}

	if err := scope.Commit(ctx); err != nil {
		return pipeline.Transient(w.Name(), "commit tx", err)
	}

	w.Logger().Info("relationship reconciled",
		zap.String("relationshipHash", job.RelationshipHash),
		zap.String("status", string(status)),
		zap.Float64("score", result.Score),
		zap.Int("evidenceCount", len(evidence)),
		zap.Bool("hasConflict", result.HasConflict))

	if status == models.RelationshipStatusConflict {
		w.recordIncident(ctx, audit.SeverityWarning, audit.KindReconciliationConflict, runID,
			"relationship reconciled with conflicting evidence",
			map[string]any{"relationshipHash": job.RelationshipHash, "score": result.Score})
	}

	return nil
}
