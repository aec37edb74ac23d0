package graphbuilder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/models"
	"github.com/coglabs/ctengine/pkg/repositories"
	"github.com/coglabs/ctengine/pkg/retry"
)

// Stats tallies what one Build call wrote.
type Stats struct {
	Nodes int
	Edges int
}

// Builder streams VALIDATED relationships for a run out of RS via a
// cursor and writes them into the graph store in bounded-concurrency
// batches, the way the graph construction pass it's grounded on streams
// unprocessed commits/PRs out of staging tables rather than loading a run
// into memory at once.
type Builder struct {
	db        *database.DB
	relRepo   repositories.RelationshipRepository
	poiRepo   repositories.POIRepository
	backend   Backend
	batchSize int
	maxConcurrentBatches int
	retryConfig *retry.Config
	logger    *zap.Logger
}

// New returns a Builder. maxBatchRetries bounds how many times one failed
// batch write is retried before it is treated as fatal to the whole build.
func New(
	db *database.DB,
	relRepo repositories.RelationshipRepository,
	poiRepo repositories.POIRepository,
	backend Backend,
	batchSize, maxConcurrentBatches, maxBatchRetries int,
	logger *zap.Logger,
) *Builder {
	if batchSize <= 0 {
		batchSize = 500
	}
	if maxConcurrentBatches <= 0 {
		maxConcurrentBatches = 4
	}
	return &Builder{
		db:                   db,
		relRepo:              relRepo,
		poiRepo:              poiRepo,
		backend:              backend,
		batchSize:            batchSize,
		maxConcurrentBatches: maxConcurrentBatches,
		retryConfig: &retry.Config{
			MaxRetries:   maxBatchRetries,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		logger: logger.Named("graphbuilder"),
	}
}

// Build streams every VALIDATED relationship for runID into the graph
// store. It is idempotent: MERGE semantics in the backend mean re-running
// Build after a partial failure only re-writes what's already there.
func (b *Builder) Build(ctx context.Context, runID string) (Stats, error) {
	var total Stats
	var mu sync.Mutex

	sem := make(chan struct{}, b.maxConcurrentBatches)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	afterID := ""
	for {
		rels, err := b.loadBatch(ctx, runID, afterID)
		if err != nil {
			return total, fmt.Errorf("load validated relationships: %w", err)
		}
		if len(rels) == 0 {
			break
		}
		afterID = rels[len(rels)-1].ID

		batch := rels
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			nodes, edges, err := b.toGraphEntities(ctx, runID, batch)
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}

			res, err := b.writeWithRetry(ctx, nodes, edges)
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}

			mu.Lock()
			total.Nodes += res.Nodes
			total.Edges += res.Edges
			mu.Unlock()
		}()

		if len(rels) < b.batchSize {
			break
		}
	}

	wg.Wait()
	if firstErr != nil {
		return total, firstErr
	}

	b.logger.Info("graph build complete", zap.String("runId", runID), zap.Int("nodes", total.Nodes), zap.Int("edges", total.Edges))
	return total, nil
}

func (b *Builder) loadBatch(ctx context.Context, runID, afterID string) ([]*models.Relationship, error) {
	scope, err := database.AcquireTxScope(ctx, b.db)
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)
	readCtx := database.SetTxScope(ctx, scope)
	return b.relRepo.StreamValidated(readCtx, runID, afterID, b.batchSize)
}

// toGraphEntities resolves each relationship's two POI ids into graph nodes
// (deduplicated by id within the batch) plus one edge per relationship.
func (b *Builder) toGraphEntities(ctx context.Context, runID string, rels []*models.Relationship) ([]GraphNode, []GraphEdge, error) {
	scope, err := database.AcquireTxScope(ctx, b.db)
	if err != nil {
		return nil, nil, err
	}
	defer scope.Close(ctx)
	readCtx := database.SetTxScope(ctx, scope)

	seen := make(map[string]struct{})
	var nodes []GraphNode
	var edges []GraphEdge

	resolve := func(id string) (*models.POI, error) {
		return b.poiRepo.GetByID(readCtx, runID, id)
	}

	for _, rel := range rels {
		source, err := resolve(rel.SourcePOIID)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve source poi %s: %w", rel.SourcePOIID, err)
		}
		target, err := resolve(rel.TargetPOIID)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve target poi %s: %w", rel.TargetPOIID, err)
		}

		for _, p := range []*models.POI{source, target} {
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			nodes = append(nodes, GraphNode{
				Label: string(p.Kind),
				ID:    p.ID,
				Properties: map[string]any{
					"qualifiedName": p.QualifiedName,
					"name":          p.Name,
					"kind":          string(p.Kind),
					"fileId":        p.FileID,
					"startLine":     p.StartLine,
					"endLine":       p.EndLine,
					"source":        string(p.Source),
				},
			})
		}

		edges = append(edges, GraphEdge{
			Label: string(rel.Type),
			From:  source.ID,
			To:    target.ID,
			Properties: map[string]any{
				"confidence":  rel.ConfidenceScore,
				"hasConflict": rel.HasConflict,
				"status":      string(rel.Status),
			},
		})
	}

	return nodes, edges, nil
}

func (b *Builder) writeWithRetry(ctx context.Context, nodes []GraphNode, edges []GraphEdge) (BatchResult, error) {
	var res BatchResult
	err := retry.Do(ctx, b.retryConfig, func() error {
		var writeErr error
		res, writeErr = b.backend.BatchUpsert(ctx, nodes, edges)
		return writeErr
	})
	return res, err
}
