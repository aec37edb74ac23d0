package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	libinjection "github.com/corazawaf/libinjection-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/jobs"
	"github.com/coglabs/ctengine/pkg/logging"
	"github.com/coglabs/ctengine/pkg/queue"
	"github.com/coglabs/ctengine/pkg/repositories"
	"github.com/coglabs/ctengine/pkg/retry"
)

// Publisher is the single-writer TransactionalOutboxPublisher: exactly one
// instance runs per deployment, polling outbox for PENDING rows and fanning
// each one out onto Q under the same transaction as its PUBLISHED/FAILED
// transition.
type Publisher struct {
	db          *database.DB
	redisClient *redis.Client
	queuePrefix string
	outboxRepo  repositories.OutboxRepository
	batchSize   int
	pollInterval time.Duration
	logger      *zap.Logger
}

// NewPublisher returns a Publisher. batchSize bounds how many PENDING rows
// are claimed per poll; pollInterval is the fixed interval between polls.
func NewPublisher(db *database.DB, redisClient *redis.Client, queuePrefix string, outboxRepo repositories.OutboxRepository, batchSize int, pollInterval time.Duration, logger *zap.Logger) *Publisher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Publisher{
		db:           db,
		redisClient:  redisClient,
		queuePrefix:  queuePrefix,
		outboxRepo:   outboxRepo,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		logger:       logger.Named("outbox-publisher"),
	}
}

// Run polls on a fixed pollInterval tick until ctx is canceled, publishing
// one batch per tick; a failed batch is logged and retried on the next tick.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := p.PublishBatch(ctx)
			if err != nil {
				p.logger.Error("publish batch failed", zap.Error(err))
				continue
			}
			if n > 0 {
				p.logger.Debug("published outbox batch", zap.Int("rows", n))
			}
		}
	}
}

// PublishBatch claims up to batchSize PENDING rows and publishes each one in
// strict ascending id order. A permanent failure on one row marks it FAILED
// without blocking the rest of the batch; a transient failure (Redis
// unavailable) aborts the whole batch so the rows remain PENDING for the
// next poll, since a partial fan-out would violate the "all enqueues or
// none" unit a transactional outbox is supposed to guarantee.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	scope, err := database.AcquireTxScope(ctx, p.db)
	if err != nil {
		return 0, fmt.Errorf("acquire tx scope: %w", err)
	}
	defer scope.Close(ctx)
	if err := scope.Begin(ctx); err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	txCtx := database.SetTxScope(ctx, scope)

	entries, err := p.outboxRepo.ClaimPending(txCtx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim pending outbox rows: %w", err)
	}
	if len(entries) == 0 {
		return 0, scope.Commit(ctx)
	}

	published := 0
	for _, entry := range entries {
		if err := p.publishOne(ctx, entry.RunID, entry.QueueName, entry.Payload); err != nil {
			if isTransientPublishError(err) {
				return published, fmt.Errorf("transient publish failure, retrying batch next poll: %w", err)
			}
			if markErr := p.outboxRepo.MarkFailed(txCtx, entry.ID, failureReason(err)); markErr != nil {
				return published, fmt.Errorf("mark outbox row %d failed: %w", entry.ID, markErr)
			}
			p.logger.Warn("outbox row marked failed", zap.Int64("id", entry.ID), zap.String("eventType", entry.QueueName), zap.Error(err))
			continue
		}
		if err := p.outboxRepo.MarkPublished(txCtx, entry.ID); err != nil {
			return published, fmt.Errorf("mark outbox row %d published: %w", entry.ID, err)
		}
		published++
	}

	if err := scope.Commit(ctx); err != nil {
		return published, fmt.Errorf("commit outbox batch: %w", err)
	}
	return published, nil
}

// publishOne fans a single outbox row out onto Q, per its event type.
func (p *Publisher) publishOne(ctx context.Context, runID, eventType string, payload []byte) error {
	switch eventType {
	case EventFileAnalysisFinding:
		var finding FileAnalysisFinding
		if err := json.Unmarshal(payload, &finding); err != nil {
			return fmt.Errorf("decode file-analysis-finding: %w", err)
		}
		return p.fanOutFileAnalysisFinding(ctx, runID, finding)

	case EventDirectoryAnalysisFinding:
		var finding DirectoryAnalysisFinding
		if err := json.Unmarshal(payload, &finding); err != nil {
			return fmt.Errorf("decode directory-analysis-finding: %w", err)
		}
		return p.enqueueValidationBatch(ctx, runID, finding.Relationships, finding.SourceWorker)

	case EventRelationshipAnalysisFinding:
		var finding RelationshipAnalysisFinding
		if err := json.Unmarshal(payload, &finding); err != nil {
			return fmt.Errorf("decode relationship-analysis-finding: %w", err)
		}
		return p.enqueueValidationBatch(ctx, runID, finding.Relationships, finding.SourceWorker)

	default:
		return fmt.Errorf("unknown outbox event type %q", eventType)
	}
}

func (p *Publisher) fanOutFileAnalysisFinding(ctx context.Context, runID string, finding FileAnalysisFinding) error {
	relQueue, err := queue.New(p.redisClient, p.queuePrefix, queue.RelationshipResolution, 0)
	if err != nil {
		return fmt.Errorf("construct relationship-resolution queue: %w", err)
	}
	for _, poi := range finding.POIs {
		payload, err := json.Marshal(jobs.RelationshipResolutionPayload{SourcePOIID: poi.POIID})
		if err != nil {
			return fmt.Errorf("marshal relationship-resolution payload: %w", err)
		}
		if err := relQueue.Enqueue(ctx, &queue.Task{ID: poi.POIID, RunID: runID, Payload: payload}); err != nil {
			return fmt.Errorf("enqueue relationship-resolution job for poi %s: %w", poi.POIID, err)
		}
	}

	return p.enqueueValidationBatch(ctx, runID, finding.Relationships, "FileAnalysisWorker")
}

func (p *Publisher) enqueueValidationBatch(ctx context.Context, runID string, relationships []RelationshipFinding, sourceWorker string) error {
	if len(relationships) == 0 {
		return nil
	}

	findingsQueue, err := queue.New(p.redisClient, p.queuePrefix, queue.AnalysisFindings, 0)
	if err != nil {
		return fmt.Errorf("construct analysis-findings queue: %w", err)
	}
	for _, rel := range relationships {
		payload, err := json.Marshal(jobs.ValidationPayload{
			RelationshipHash:    rel.RelationshipHash,
			SourceQualifiedName: rel.SourceQualifiedName,
			TargetQualifiedName: rel.TargetQualifiedName,
			SourceFileID:        rel.SourceFileID,
			TargetFileID:        rel.TargetFileID,
			Type:                rel.Type,
			FoundRelationship:   rel.FoundRelationship,
			InitialScore:        rel.InitialScore,
			SourceWorker:        sourceWorker,
		})
		if err != nil {
			return fmt.Errorf("marshal analysis-findings payload: %w", err)
		}
		if err := findingsQueue.Enqueue(ctx, &queue.Task{ID: rel.RelationshipHash, RunID: runID, Payload: payload}); err != nil {
			return fmt.Errorf("enqueue analysis-findings job for %s: %w", rel.RelationshipHash, err)
		}
	}
	return nil
}

// maxFailureReasonLength bounds how much of a publish error is persisted
// on the FAILED outbox row.
const maxFailureReasonLength = 500

// failureReason turns a publish error into the reason string stored on the
// FAILED row. Decode errors quote fragments of the payload, and the payload
// is attacker-influenced (it embeds LLM output derived from analyzed source
// files), so the fragment is dropped entirely when libinjection flags it as
// SQL-injection-shaped rather than letting it into the audit trail.
func failureReason(err error) string {
	reason := logging.TruncateString(err.Error(), maxFailureReasonLength)
	if isSQLi, fingerprint := libinjection.IsSQLi(reason); isSQLi {
		return fmt.Sprintf("publish failed (reason withheld: injection-shaped content, fingerprint %s)", fingerprint)
	}
	return reason
}

// isTransientPublishError reports whether err reflects a Redis-level
// back-pressure or connectivity failure rather than a malformed payload.
// Errors arrive here wrapped (the queue layer and the fan-out both wrap),
// so sentinel checks go through errors.Is, and connection-level failures
// (*net.OpError "connection refused" and friends) are caught by
// retry.IsRetryable's pattern list. A transient verdict aborts the whole
// batch so every row stays PENDING; only payload-shaped failures may mark
// a row FAILED.
func isTransientPublishError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, redis.ErrClosed) ||
		retry.IsRetryable(err)
}
