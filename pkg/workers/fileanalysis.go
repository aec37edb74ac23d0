package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/apperrors"
	"github.com/coglabs/ctengine/pkg/audit"
	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/fallback"
	"github.com/coglabs/ctengine/pkg/hashutil"
	"github.com/coglabs/ctengine/pkg/jobs"
	"github.com/coglabs/ctengine/pkg/llm"
	"github.com/coglabs/ctengine/pkg/models"
	"github.com/coglabs/ctengine/pkg/outbox"
	"github.com/coglabs/ctengine/pkg/pipeline"
	"github.com/coglabs/ctengine/pkg/repositories"
	"github.com/coglabs/ctengine/pkg/scoring"
)

// sizeWarnThreshold is the file size above which FileAnalysisWorker logs a
// warning before still processing the file in full: no hard cap, memory is
// budgeted by worker concurrency, not file size.
const sizeWarnThreshold = 2 * 1024 * 1024

// unreliableParseConfidence is the fixed low initial score assigned to any
// relationship derived from a fallback extraction, marking how little the
// regex pass can actually vouch for.
const unreliableParseConfidence = 0.2

// FileAnalysisWorker turns one file into POIs and intra-file relationships.
type FileAnalysisWorker struct {
	Base

	runRoot    string
	llmClient  llm.AnalysisClient
	fallback   fallback.Extractor
	db         *database.DB
	fileRepo   repositories.FileRepository
	poiRepo    repositories.POIRepository
	relRepo    repositories.RelationshipRepository
	outboxRepo repositories.OutboxRepository
	dirAgg     *DirectoryAggregationWorker
}

// NewFileAnalysisWorker returns a FileAnalysisWorker. dirAgg is called
// in-process after every successful commit so directory-completion
// progress advances without a dedicated queue round-trip per file.
func NewFileAnalysisWorker(
	runRoot string,
	llmClient llm.AnalysisClient,
	extractor fallback.Extractor,
	db *database.DB,
	fileRepo repositories.FileRepository,
	poiRepo repositories.POIRepository,
	relRepo repositories.RelationshipRepository,
	outboxRepo repositories.OutboxRepository,
	dirAgg *DirectoryAggregationWorker,
	incidents audit.Recorder,
	logger *zap.Logger,
) *FileAnalysisWorker {
	return &FileAnalysisWorker{
		Base:       NewBase("file-analysis", logger, incidents),
		runRoot:    runRoot,
		llmClient:  llmClient,
		fallback:   extractor,
		db:         db,
		fileRepo:   fileRepo,
		poiRepo:    poiRepo,
		relRepo:    relRepo,
		outboxRepo: outboxRepo,
		dirAgg:     dirAgg,
	}
}

var _ Capability = (*FileAnalysisWorker)(nil)

// ProcessJob implements Capability. payload decodes to jobs.FileAnalysisPayload.
func (w *FileAnalysisWorker) ProcessJob(ctx context.Context, runID string, payload []byte) error {
	var job jobs.FileAnalysisPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return pipeline.Permanent(w.Name(), "decode file-analysis payload", err)
	}

	content, err := w.readFile(job.Path)
	if err != nil {
		return err
	}

	language := models.DetectLanguage(job.Path)

	pois, relHints, sourceLabel, err := w.analyze(ctx, job.Path, language, string(content))
	if err != nil {
		return err
	}

	candidateRels := make([]*models.Relationship, 0, len(relHints))
	findingRels := make([]outbox.RelationshipFinding, 0, len(relHints))
	qualifiedToPOI := make(map[string]*models.POI, len(pois))
	poiRecords := make([]*models.POI, 0, len(pois))

	for _, hint := range pois {
		kind := models.POIKind(hint.Kind)
		if !models.IsValidPOIKind(kind) {
			kind = models.POIKindOther
		}
		poi := &models.POI{
			ID:            uuid.NewString(),
			RunID:         runID,
			FileID:        job.FileID,
			QualifiedName: hint.QualifiedName,
			Name:          hint.Name,
			Kind:          kind,
			StartLine:     hint.StartLine,
			EndLine:       hint.EndLine,
			Source:        sourceLabel,
		}
		poiRecords = append(poiRecords, poi)
		qualifiedToPOI[poi.QualifiedName] = poi
	}

	for _, hint := range relHints {
		relType := models.RelationshipType(strings.ToUpper(hint.Type))
		if !models.IsValidRelationshipType(relType) {
			continue
		}
		relHash := hashutil.RelationshipHash(hint.SourceQualifiedName, hint.TargetQualifiedName, string(relType))

		sourcePOI, ok := qualifiedToPOI[hint.SourceQualifiedName]
		if !ok {
			continue
		}
		targetPOI, ok := qualifiedToPOI[hint.TargetQualifiedName]
		if !ok {
			// Intra-file relationships only reference POIs found in this same
			// file pass; a target outside it is resolved by a later pass.
			continue
		}

		score := scoring.CalculateFinalScore([]models.RelationshipEvidence{{
			Vote:           models.EvidenceVoteAgree,
			LLMProbability: hint.Probability,
		}})
		initialScore := score.Score

		parseStatus := models.ParseStatusLLMSuccess
		if sourceLabel == models.POISourceFallback {
			parseStatus = models.ParseStatusUnreliableParse
			initialScore = unreliableParseConfidence
		}
		candidateRels = append(candidateRels, &models.Relationship{
			ID:               uuid.NewString(),
			RunID:            runID,
			RelationshipHash: relHash,
			SourcePOIID:      sourcePOI.ID,
			TargetPOIID:      targetPOI.ID,
			Type:             relType,
			Status:           models.RelationshipStatusPendingValidation,
			ParseStatus:      parseStatus,
			ConfidenceScore:  initialScore,
			HasConflict:      false,
		})
		findingRels = append(findingRels, outbox.RelationshipFinding{
			RelationshipHash:    relHash,
			SourceQualifiedName: hint.SourceQualifiedName,
			TargetQualifiedName: hint.TargetQualifiedName,
			SourceFileID:        job.FileID,
			TargetFileID:        job.FileID,
			Type:                string(relType),
			FoundRelationship:   true,
			InitialScore:        initialScore,
		})
	}

	poiFindings := make([]outbox.POIFinding, 0, len(poiRecords))
	for _, p := range poiRecords {
		poiFindings = append(poiFindings, outbox.POIFinding{POIID: p.ID, QualifiedName: p.QualifiedName})
	}

	finding := outbox.FileAnalysisFinding{
		FileID:        job.FileID,
		Directory:     job.Directory,
		POIs:          poiFindings,
		Relationships: findingRels,
		SourceWorker:  w.Name(),
	}
	findingJSON, err := json.Marshal(finding)
	if err != nil {
		return pipeline.Permanent(w.Name(), "marshal file-analysis finding", err)
	}

	if err := w.commit(ctx, runID, job.FileID, poiRecords, candidateRels, findingJSON); err != nil {
		return err
	}

	if w.dirAgg != nil {
		if err := w.dirAgg.OnFileAnalyzed(ctx, runID, job.Directory); err != nil {
			w.Logger().Warn("directory aggregation update failed", zap.String("directory", job.Directory), zap.Error(err))
		}
	}

	return nil
}

func (w *FileAnalysisWorker) readFile(relPath string) ([]byte, error) {
	cleaned := filepath.Clean(relPath)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return nil, pipeline.Permanent(w.Name(), "path escapes run root", fmt.Errorf("%s", relPath))
	}
	absPath := filepath.Join(w.runRoot, cleaned)
	if !strings.HasPrefix(absPath, filepath.Clean(w.runRoot)+string(filepath.Separator)) {
		return nil, pipeline.Permanent(w.Name(), "path escapes run root", fmt.Errorf("%s", relPath))
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, pipeline.Permanent(w.Name(), "stat file", err)
	}
	if info.Size() > sizeWarnThreshold {
		w.Logger().Warn("file exceeds soft size threshold, processing anyway",
			zap.String("path", relPath), zap.Int64("bytes", info.Size()))
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, pipeline.Transient(w.Name(), "read file", err)
	}
	return content, nil
}

// analyze calls the LLM client and falls back to the regex extractor on a
// permanent parse failure, flagging the result POISourceFallback with a
// fixed low confidence.
func (w *FileAnalysisWorker) analyze(ctx context.Context, path, language, content string) ([]llm.POIHint, []llm.RelationshipHint, models.POISource, error) {
	result, err := w.llmClient.AnalyzeFile(ctx, path, language, content)
	if err == nil {
		return result.POIs, result.Relationships, models.POISourceLLM, nil
	}

	if pe, ok := pipeline.AsError(err); ok && pe.IsRetryable() {
		return nil, nil, "", pipeline.Transient(w.Name(), "llm analyze file", err)
	}

	w.Logger().Warn("llm analyze file failed permanently, using regex fallback",
		zap.String("path", path), zap.Error(err))
	w.recordIncident(ctx, audit.SeverityWarning, audit.KindPermanentFailure, "",
		"file analysis fell back to regex extraction", map[string]any{"path": path})

	hints := w.fallback.Extract(content, language)
	pois := make([]llm.POIHint, 0, len(hints))
	for _, h := range hints {
		pois = append(pois, llm.POIHint{
			QualifiedName: fmt.Sprintf("%s#%s", path, h.Name),
			Name:          h.Name,
			Kind:          string(h.Kind),
			StartLine:     h.StartLine,
			EndLine:       h.StartLine,
		})
	}
	return pois, nil, models.POISourceFallback, nil
}

func (w *FileAnalysisWorker) commit(ctx context.Context, runID, fileID string, pois []*models.POI, rels []*models.Relationship, findingJSON []byte) error {
	scope, err := database.AcquireTxScope(ctx, w.db)
	if err != nil {
		return pipeline.Transient(w.Name(), "acquire tx scope", err)
	}
	defer scope.Close(ctx)

	if err := scope.Begin(ctx); err != nil {
		return pipeline.Transient(w.Name(), "begin tx", err)
	}
	txCtx := database.SetTxScope(ctx, scope)

	for _, p := range pois {
		if err := w.poiRepo.Insert(txCtx, p); err != nil {
			if err == apperrors.ErrDuplicateQualifiedName {
				w.Logger().Warn("skipping duplicate qualified name", zap.String("qualifiedName", p.QualifiedName))
				continue
			}
			return pipeline.Transient(w.Name(), "insert poi", err)
		}
	}

	for _, rel := range rels {
		if err := w.relRepo.Upsert(txCtx, rel); err != nil {
			return pipeline.Transient(w.Name(), "upsert relationship", err)
		}
	}

	if _, err := w.outboxRepo.Insert(txCtx, &models.OutboxEntry{
		RunID:     runID,
		QueueName: outbox.EventFileAnalysisFinding,
		Payload:   findingJSON,
	}); err != nil {
		return pipeline.Transient(w.Name(), "insert outbox entry", err)
	}

	if err := w.fileRepo.MarkAnalyzed(txCtx, runID, fileID); err != nil {
		return pipeline.Transient(w.Name(), "mark file analyzed", err)
	}

	if err := scope.Commit(ctx); err != nil {
		return pipeline.Transient(w.Name(), "commit tx", err)
	}
	return nil
}
