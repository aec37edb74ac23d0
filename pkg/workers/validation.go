package workers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/apperrors"
	"github.com/coglabs/ctengine/pkg/audit"
	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/hashutil"
	"github.com/coglabs/ctengine/pkg/jobs"
	"github.com/coglabs/ctengine/pkg/kv"
	"github.com/coglabs/ctengine/pkg/models"
	"github.com/coglabs/ctengine/pkg/pipeline"
	"github.com/coglabs/ctengine/pkg/queue"
	"github.com/coglabs/ctengine/pkg/repositories"
)

// ValidationWorker receives findings, persists evidence, and triggers
// reconciliation at the exact moment a relationship hash's evidence is
// complete.
type ValidationWorker struct {
	Base

	db              *database.DB
	kvStore         *kv.Store
	evidenceRepo    repositories.EvidenceRepository
	reconcileQueue  *queue.Queue
}

// NewValidationWorker returns a ValidationWorker.
func NewValidationWorker(
	db *database.DB,
	kvStore *kv.Store,
	evidenceRepo repositories.EvidenceRepository,
	reconcileQueue *queue.Queue,
	incidents audit.Recorder,
	logger *zap.Logger,
) *ValidationWorker {
	return &ValidationWorker{
		Base:           NewBase("analysis-findings", logger, incidents),
		db:             db,
		kvStore:        kvStore,
		evidenceRepo:   evidenceRepo,
		reconcileQueue: reconcileQueue,
	}
}

var _ Capability = (*ValidationWorker)(nil)

// ProcessJob implements Capability. payload decodes to jobs.ValidationPayload,
// one per relationship finding fanned out by TOP.
func (w *ValidationWorker) ProcessJob(ctx context.Context, runID string, payload []byte) error {
	var job jobs.ValidationPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return pipeline.Permanent(w.Name(), "decode validation payload", err)
	}

	vote := models.EvidenceVoteDisagree
	if job.FoundRelationship {
		vote = models.EvidenceVoteAgree
	}
	score := job.InitialScore
	evidence := &models.RelationshipEvidence{
		RunID:            runID,
		RelationshipHash: job.RelationshipHash,
		SourceWorker:     job.SourceWorker,
		Vote:             vote,
		LLMProbability:   &score,
	}

	if err := w.insertEvidence(ctx, evidence); err != nil {
		return err
	}

	count, err := w.kvStore.IncrEvidenceCount(ctx, runID, job.RelationshipHash)
	if err != nil {
		return pipeline.Transient(w.Name(), "incr evidence count", err)
	}

	expected, err := w.expectedCount(ctx, runID, job)
	if err != nil {
		return err
	}

	if count < int64(expected) {
		return nil
	}
	if count > int64(expected) {
		w.Logger().Warn("late duplicate evidence after counter closed",
			zap.String("relationshipHash", job.RelationshipHash), zap.Int64("count", count), zap.Int("expected", expected))
		return nil
	}

	reconciliationPayload, err := json.Marshal(jobs.ReconciliationPayload{RelationshipHash: job.RelationshipHash})
	if err != nil {
		return pipeline.Permanent(w.Name(), "marshal reconciliation payload", err)
	}
	if err := w.reconcileQueue.Enqueue(ctx, &queue.Task{ID: job.RelationshipHash, RunID: runID, Payload: reconciliationPayload}); err != nil {
		return pipeline.Transient(w.Name(), "enqueue reconciliation job", err)
	}

	if err := w.kvStore.DeleteEvidenceCount(ctx, runID, job.RelationshipHash); err != nil {
		w.Logger().Warn("delete evidence count failed", zap.String("relationshipHash", job.RelationshipHash), zap.Error(err))
	}
	if err := w.kvStore.DeleteEvidence(ctx, runID, job.RelationshipHash); err != nil {
		w.Logger().Warn("delete evidence list failed", zap.String("relationshipHash", job.RelationshipHash), zap.Error(err))
	}
	return nil
}

func (w *ValidationWorker) insertEvidence(ctx context.Context, evidence *models.RelationshipEvidence) error {
	scope, err := database.AcquireTxScope(ctx, w.db)
	if err != nil {
		return pipeline.Transient(w.Name(), "acquire tx scope", err)
	}
	defer scope.Close(ctx)

	if err := scope.Begin(ctx); err != nil {
		return pipeline.Transient(w.Name(), "begin tx", err)
	}
	txCtx := database.SetTxScope(ctx, scope)

	if err := w.evidenceRepo.Insert(txCtx, evidence); err != nil {
		return pipeline.Transient(w.Name(), "insert evidence", err)
	}

	if err := scope.Commit(ctx); err != nil {
		return pipeline.Transient(w.Name(), "commit tx", err)
	}
	return nil
}

// expectedCount resolves how many evidence votes job.RelationshipHash should
// eventually accumulate: the manifest's per-hash entry if Scout precomputed
// one, otherwise the file-pair fallback.
func (w *ValidationWorker) expectedCount(ctx context.Context, runID string, job jobs.ValidationPayload) (int, error) {
	manifest, err := w.kvStore.GetManifest(ctx, runID)
	if err != nil {
		if err == apperrors.ErrManifestMissing {
			return 0, pipeline.Logical(w.Name(), "manifest missing", err)
		}
		return 0, pipeline.Transient(w.Name(), "get manifest", err)
	}

	filePairHash := hashutil.FilePairHash(job.SourceFileID, job.TargetFileID, job.Type)
	return manifest.LookupExpectedCount(job.RelationshipHash, filePairHash), nil
}
