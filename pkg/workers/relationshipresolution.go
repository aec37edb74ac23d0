package workers

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/audit"
	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/hashutil"
	"github.com/coglabs/ctengine/pkg/jobs"
	"github.com/coglabs/ctengine/pkg/llm"
	"github.com/coglabs/ctengine/pkg/models"
	"github.com/coglabs/ctengine/pkg/outbox"
	"github.com/coglabs/ctengine/pkg/pipeline"
	"github.com/coglabs/ctengine/pkg/repositories"
)

// candidatePoolSize bounds how many of the run's other POIs are offered to
// the LLM as relationship candidates for one source POI. Unbounded would
// make every per-POI job's prompt grow with the size of the run.
const candidatePoolSize = 50

// RelationshipResolutionWorker is the finest-grain analysis pass: for one
// source POI, it asks the LLM about plausible relationships to a candidate
// set of other POIs in the run.
type RelationshipResolutionWorker struct {
	Base

	db        *database.DB
	llmClient llm.AnalysisClient
	poiRepo   repositories.POIRepository
	relRepo   repositories.RelationshipRepository
	outboxRepo repositories.OutboxRepository
}

// NewRelationshipResolutionWorker returns a RelationshipResolutionWorker.
func NewRelationshipResolutionWorker(
	db *database.DB,
	llmClient llm.AnalysisClient,
	poiRepo repositories.POIRepository,
	relRepo repositories.RelationshipRepository,
	outboxRepo repositories.OutboxRepository,
	incidents audit.Recorder,
	logger *zap.Logger,
) *RelationshipResolutionWorker {
	return &RelationshipResolutionWorker{
		Base:       NewBase("relationship-resolution", logger, incidents),
		db:         db,
		llmClient:  llmClient,
		poiRepo:    poiRepo,
		relRepo:    relRepo,
		outboxRepo: outboxRepo,
	}
}

var _ Capability = (*RelationshipResolutionWorker)(nil)

// ProcessJob implements Capability. payload decodes to
// jobs.RelationshipResolutionPayload, one per POI fanned out by TOP from a
// file-analysis finding.
func (w *RelationshipResolutionWorker) ProcessJob(ctx context.Context, runID string, payload []byte) error {
	var job jobs.RelationshipResolutionPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return pipeline.Permanent(w.Name(), "decode relationship-resolution payload", err)
	}

	readScope, err := database.AcquireTxScope(ctx, w.db)
	if err != nil {
		return pipeline.Transient(w.Name(), "acquire tx scope", err)
	}
	readCtx := database.SetTxScope(ctx, readScope)

	sourcePOI, err := w.poiRepo.GetByID(readCtx, runID, job.SourcePOIID)
	if err != nil {
		readScope.Close(ctx)
		return pipeline.Permanent(w.Name(), "load source poi", err)
	}

	candidates, err := w.poiRepo.ListByRun(readCtx, runID)
	if err != nil {
		readScope.Close(ctx)
		return pipeline.Transient(w.Name(), "list run pois", err)
	}

	pending, err := w.relRepo.ListPending(readCtx, runID)
	readScope.Close(ctx)
	if err != nil {
		return pipeline.Transient(w.Name(), "list pending relationships", err)
	}

	candidateHints := make([]llm.POIHint, 0, candidatePoolSize)
	byQualifiedName := map[string]*models.POI{sourcePOI.QualifiedName: sourcePOI}
	byID := map[string]*models.POI{sourcePOI.ID: sourcePOI}
	for _, c := range candidates {
		if c.ID == sourcePOI.ID {
			continue
		}
		byQualifiedName[c.QualifiedName] = c
		byID[c.ID] = c
		if len(candidateHints) < candidatePoolSize {
			candidateHints = append(candidateHints, llm.POIHint{
				QualifiedName: c.QualifiedName,
				Name:          c.Name,
				Kind:          string(c.Kind),
				StartLine:     c.StartLine,
				EndLine:       c.EndLine,
			})
		}
	}

	sourceHint := llm.POIHint{
		QualifiedName: sourcePOI.QualifiedName,
		Name:          sourcePOI.Name,
		Kind:          string(sourcePOI.Kind),
		StartLine:     sourcePOI.StartLine,
		EndLine:       sourcePOI.EndLine,
	}

	result, err := w.llmClient.AnalyzePOI(ctx, sourceHint, candidateHints)
	if err != nil {
		if pe, ok := pipeline.AsError(err); ok && pe.IsRetryable() {
			return pipeline.Transient(w.Name(), "llm analyze poi", err)
		}
		return pipeline.Permanent(w.Name(), "llm analyze poi", err)
	}

	findings := make([]outbox.RelationshipFinding, 0, len(result.Relationships))
	candidateRels := make([]*models.Relationship, 0, len(result.Relationships))
	confirmed := make(map[string]bool, len(result.Relationships))

	for _, hint := range result.Relationships {
		relType := models.RelationshipType(strings.ToUpper(hint.Type))
		if !models.IsValidRelationshipType(relType) {
			continue
		}
		targetPOI, ok := byQualifiedName[hint.TargetQualifiedName]
		if !ok {
			continue
		}
		relHash := hashutil.RelationshipHash(hint.SourceQualifiedName, hint.TargetQualifiedName, string(relType))
		confirmed[relHash] = true

		score := 0.5
		if hint.Probability != nil {
			score = *hint.Probability
		}

		findings = append(findings, outbox.RelationshipFinding{
			RelationshipHash:    relHash,
			SourceQualifiedName: hint.SourceQualifiedName,
			TargetQualifiedName: hint.TargetQualifiedName,
			SourceFileID:        sourcePOI.FileID,
			TargetFileID:        targetPOI.FileID,
			Type:                string(relType),
			FoundRelationship:   true,
			InitialScore:        score,
		})
		candidateRels = append(candidateRels, &models.Relationship{
			ID:               newUUID(),
			RunID:            runID,
			RelationshipHash: relHash,
			SourcePOIID:      sourcePOI.ID,
			TargetPOIID:      targetPOI.ID,
			Type:             relType,
			Status:           models.RelationshipStatusPendingValidation,
			ConfidenceScore:  score,
		})
	}

	// Candidates already proposed with this POI as their source get an
	// explicit found=false vote when this pass could not confirm them —
	// the manifest counts exactly one vote from this job for each of them,
	// so omitting the vote would starve their counters forever.
	for _, rel := range pending {
		if rel.SourcePOIID != sourcePOI.ID || confirmed[rel.RelationshipHash] {
			continue
		}
		targetPOI, ok := byID[rel.TargetPOIID]
		if !ok {
			continue
		}
		findings = append(findings, outbox.RelationshipFinding{
			RelationshipHash:    rel.RelationshipHash,
			SourceQualifiedName: sourcePOI.QualifiedName,
			TargetQualifiedName: targetPOI.QualifiedName,
			SourceFileID:        sourcePOI.FileID,
			TargetFileID:        targetPOI.FileID,
			Type:                string(rel.Type),
			FoundRelationship:   false,
			InitialScore:        rel.ConfidenceScore,
		})
	}

	if len(findings) == 0 {
		return nil
	}

	findingPayload := outbox.RelationshipAnalysisFinding{
		SourcePOIID:   sourcePOI.ID,
		Relationships: findings,
		SourceWorker:  w.Name(),
	}
	findingJSON, err := json.Marshal(findingPayload)
	if err != nil {
		return pipeline.Permanent(w.Name(), "marshal relationship-analysis finding", err)
	}

	return w.commit(ctx, runID, candidateRels, findingJSON)
}

func (w *RelationshipResolutionWorker) commit(ctx context.Context, runID string, rels []*models.Relationship, findingJSON []byte) error {
	scope, err := database.AcquireTxScope(ctx, w.db)
	if err != nil {
		return pipeline.Transient(w.Name(), "acquire tx scope", err)
	}
	defer scope.Close(ctx)

	if err := scope.Begin(ctx); err != nil {
		return pipeline.Transient(w.Name(), "begin tx", err)
	}
	txCtx := database.SetTxScope(ctx, scope)

	for _, rel := range rels {
		if err := w.relRepo.Upsert(txCtx, rel); err != nil {
			return pipeline.Transient(w.Name(), "upsert relationship", err)
		}
	}

	if _, err := w.outboxRepo.Insert(txCtx, &models.OutboxEntry{
		RunID:     runID,
		QueueName: outbox.EventRelationshipAnalysisFinding,
		Payload:   findingJSON,
	}); err != nil {
		return pipeline.Transient(w.Name(), "insert outbox entry", err)
	}

	if err := scope.Commit(ctx); err != nil {
		return pipeline.Transient(w.Name(), "commit tx", err)
	}
	return nil
}
