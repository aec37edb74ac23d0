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

// DirectoryResolutionWorker finds cross-file relationships within a single
// directory, re-evaluating every relationship already proposed by the file
// pass for that directory's scope. Its findings always carry
// FoundRelationship, true or false, for every candidate it considered, so
// ReconciliationWorker can measure agreement rather than only accumulate
// one-sided confirmations.
type DirectoryResolutionWorker struct {
	Base

	db        *database.DB
	llmClient llm.AnalysisClient
	poiRepo   repositories.POIRepository
	relRepo   repositories.RelationshipRepository
	outboxRepo repositories.OutboxRepository
}

// NewDirectoryResolutionWorker returns a DirectoryResolutionWorker.
func NewDirectoryResolutionWorker(
	db *database.DB,
	llmClient llm.AnalysisClient,
	poiRepo repositories.POIRepository,
	relRepo repositories.RelationshipRepository,
	outboxRepo repositories.OutboxRepository,
	incidents audit.Recorder,
	logger *zap.Logger,
) *DirectoryResolutionWorker {
	return &DirectoryResolutionWorker{
		Base:       NewBase("directory-resolution", logger, incidents),
		db:         db,
		llmClient:  llmClient,
		poiRepo:    poiRepo,
		relRepo:    relRepo,
		outboxRepo: outboxRepo,
	}
}

var _ Capability = (*DirectoryResolutionWorker)(nil)

// ProcessJob implements Capability. payload decodes to
// jobs.DirectoryResolutionPayload, enqueued once DirectoryAggregationWorker's
// barrier for the directory closes.
func (w *DirectoryResolutionWorker) ProcessJob(ctx context.Context, runID string, payload []byte) error {
	var job jobs.DirectoryResolutionPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return pipeline.Permanent(w.Name(), "decode directory-resolution payload", err)
	}

	readScope, err := database.AcquireTxScope(ctx, w.db)
	if err != nil {
		return pipeline.Transient(w.Name(), "acquire tx scope", err)
	}
	readCtx := database.SetTxScope(ctx, readScope)

	var pois []*models.POI
	for _, fileID := range job.FileIDs {
		filePOIs, err := w.poiRepo.ListByFile(readCtx, runID, fileID)
		if err != nil {
			readScope.Close(ctx)
			return pipeline.Transient(w.Name(), "list pois by file", err)
		}
		pois = append(pois, filePOIs...)
	}

	pending, err := w.relRepo.ListPending(readCtx, runID)
	if err != nil {
		readScope.Close(ctx)
		return pipeline.Transient(w.Name(), "list pending relationships", err)
	}
	readScope.Close(ctx)

	if len(pois) == 0 {
		return nil
	}

	poiHints := make([]llm.POIHint, 0, len(pois))
	byQualifiedName := make(map[string]*models.POI, len(pois))
	byID := make(map[string]*models.POI, len(pois))
	for _, p := range pois {
		poiHints = append(poiHints, llm.POIHint{
			QualifiedName: p.QualifiedName,
			Name:          p.Name,
			Kind:          string(p.Kind),
			StartLine:     p.StartLine,
			EndLine:       p.EndLine,
		})
		byQualifiedName[p.QualifiedName] = p
		byID[p.ID] = p
	}

	result, err := w.llmClient.AnalyzeDirectory(ctx, job.Directory, []llm.FileAnalysisResult{{POIs: poiHints}})
	if err != nil {
		if pe, ok := pipeline.AsError(err); ok && pe.IsRetryable() {
			return pipeline.Transient(w.Name(), "llm analyze directory", err)
		}
		return pipeline.Permanent(w.Name(), "llm analyze directory", err)
	}

	findings := make([]outbox.RelationshipFinding, 0, len(result.Relationships))
	candidateRels := make([]*models.Relationship, 0, len(result.Relationships))
	confirmed := make(map[string]bool, len(result.Relationships))

	for _, hint := range result.Relationships {
		relType := models.RelationshipType(strings.ToUpper(hint.Type))
		if !models.IsValidRelationshipType(relType) {
			continue
		}
		sourcePOI, srcOK := byQualifiedName[hint.SourceQualifiedName]
		targetPOI, tgtOK := byQualifiedName[hint.TargetQualifiedName]
		if !srcOK || !tgtOK {
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
			RunID:            runID,
			RelationshipHash: relHash,
			SourcePOIID:      sourcePOI.ID,
			TargetPOIID:      targetPOI.ID,
			Type:             relType,
			Status:           models.RelationshipStatusPendingValidation,
			ConfidenceScore:  score,
		})
	}

	// The directory pass re-evaluates every candidate already proposed in
	// its scope, voting found=false for the ones it could not confirm —
	// that disagreement is what lets reconciliation measure agreement
	// instead of only accumulating one-sided confirmations, and it is what
	// closes the evidence counter for candidates this pass rejects.
	for _, rel := range pending {
		sourcePOI, srcOK := byID[rel.SourcePOIID]
		targetPOI, tgtOK := byID[rel.TargetPOIID]
		if !srcOK || !tgtOK || confirmed[rel.RelationshipHash] {
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

	findingPayload := outbox.DirectoryAnalysisFinding{
		Directory:     job.Directory,
		Relationships: findings,
		SourceWorker:  w.Name(),
	}
	findingJSON, err := json.Marshal(findingPayload)
	if err != nil {
		return pipeline.Permanent(w.Name(), "marshal directory-analysis finding", err)
	}

	return w.commit(ctx, runID, candidateRels, findingJSON)
}

func (w *DirectoryResolutionWorker) commit(ctx context.Context, runID string, rels []*models.Relationship, findingJSON []byte) error {
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
		rel.ID = newUUID()
		if err := w.relRepo.Upsert(txCtx, rel); err != nil {
			return pipeline.Transient(w.Name(), "upsert relationship", err)
		}
	}

	if _, err := w.outboxRepo.Insert(txCtx, &models.OutboxEntry{
		RunID:     runID,
		QueueName: outbox.EventDirectoryAnalysisFinding,
		Payload:   findingJSON,
	}); err != nil {
		return pipeline.Transient(w.Name(), "insert outbox entry", err)
	}

	if err := scope.Commit(ctx); err != nil {
		return pipeline.Transient(w.Name(), "commit tx", err)
	}
	return nil
}
