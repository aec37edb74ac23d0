//go:build integration

package graphbuilder

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/models"
	"github.com/coglabs/ctengine/pkg/repositories"
	"github.com/coglabs/ctengine/pkg/testhelpers"
)

// batchRecordingBackend records each BatchUpsert call separately so tests
// can assert on batch boundaries, not just totals.
type batchRecordingBackend struct {
	mu      sync.Mutex
	batches [][]GraphEdge
}

func (b *batchRecordingBackend) BatchUpsert(ctx context.Context, nodes []GraphNode, edges []GraphEdge) (BatchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, edges)
	return BatchResult{Nodes: len(nodes), Edges: len(edges)}, nil
}

func (b *batchRecordingBackend) Close(ctx context.Context) error { return nil }

func seedValidatedRelationships(t *testing.T, db *database.DB, runID string, n int) {
	t.Helper()
	ctx := context.Background()
	scope, err := database.AcquireTxScope(ctx, db)
	require.NoError(t, err)
	defer scope.Close(ctx)
	require.NoError(t, scope.Begin(ctx))
	txCtx := database.SetTxScope(ctx, scope)

	fileRepo := repositories.NewFileRepository()
	poiRepo := repositories.NewPOIRepository()
	relRepo := repositories.NewRelationshipRepository()

	file := &models.File{ID: uuid.NewString(), RunID: runID, Path: "big.go", Directory: "."}
	require.NoError(t, fileRepo.Insert(txCtx, file))

	for i := 0; i < n; i++ {
		source := &models.POI{ID: uuid.NewString(), RunID: runID, FileID: file.ID,
			QualifiedName: fmt.Sprintf("big.go#Src%d", i), Name: fmt.Sprintf("Src%d", i),
			Kind: models.POIKindFunction, Source: models.POISourceLLM}
		target := &models.POI{ID: uuid.NewString(), RunID: runID, FileID: file.ID,
			QualifiedName: fmt.Sprintf("big.go#Tgt%d", i), Name: fmt.Sprintf("Tgt%d", i),
			Kind: models.POIKindFunction, Source: models.POISourceLLM}
		require.NoError(t, poiRepo.Insert(txCtx, source))
		require.NoError(t, poiRepo.Insert(txCtx, target))

		require.NoError(t, relRepo.Upsert(txCtx, &models.Relationship{
			ID:               uuid.NewString(),
			RunID:            runID,
			RelationshipHash: fmt.Sprintf("hash-%d", i),
			SourcePOIID:      source.ID,
			TargetPOIID:      target.ID,
			Type:             models.RelationshipTypeCalls,
			Status:           models.RelationshipStatusValidated,
			ConfidenceScore:  0.9,
		}))
	}

	require.NoError(t, scope.Commit(ctx))
}

func TestBuilder_SplitsOversizeIntoOrderedBatches(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	runID := uuid.NewString()
	seedValidatedRelationships(t, engineDB.DB, runID, 3)

	backend := &batchRecordingBackend{}
	builder := New(engineDB.DB, repositories.NewRelationshipRepository(), repositories.NewPOIRepository(),
		backend, 2, 1, 1, zap.NewNop())

	stats, err := builder.Build(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Edges)
	require.Equal(t, 6, stats.Nodes)

	require.Len(t, backend.batches, 2, "batchSize+1 rows must dispatch as two batches, never one oversize request")
	require.Len(t, backend.batches[0], 2)
	require.Len(t, backend.batches[1], 1)
}

func TestBuilder_RerunProducesIdenticalStats(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	runID := uuid.NewString()
	seedValidatedRelationships(t, engineDB.DB, runID, 4)

	first := &batchRecordingBackend{}
	builder := New(engineDB.DB, repositories.NewRelationshipRepository(), repositories.NewPOIRepository(),
		first, 500, 4, 1, zap.NewNop())
	statsA, err := builder.Build(context.Background(), runID)
	require.NoError(t, err)

	second := &batchRecordingBackend{}
	builder = New(engineDB.DB, repositories.NewRelationshipRepository(), repositories.NewPOIRepository(),
		second, 500, 4, 1, zap.NewNop())
	statsB, err := builder.Build(context.Background(), runID)
	require.NoError(t, err)

	require.Equal(t, statsA, statsB, "re-running the build over the same RS must write the same graph")
}

func TestBuilder_IgnoresNonValidatedRows(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	runID := uuid.NewString()
	seedValidatedRelationships(t, engineDB.DB, runID, 1)

	ctx := context.Background()
	scope, err := database.AcquireTxScope(ctx, engineDB.DB)
	require.NoError(t, err)
	require.NoError(t, scope.Begin(ctx))
	txCtx := database.SetTxScope(ctx, scope)

	fileRepo := repositories.NewFileRepository()
	poiRepo := repositories.NewPOIRepository()
	relRepo := repositories.NewRelationshipRepository()

	file := &models.File{ID: uuid.NewString(), RunID: runID, Path: "other.go", Directory: "."}
	require.NoError(t, fileRepo.Insert(txCtx, file))
	source := &models.POI{ID: uuid.NewString(), RunID: runID, FileID: file.ID, QualifiedName: "other.go#A", Name: "A", Kind: models.POIKindFunction, Source: models.POISourceLLM}
	target := &models.POI{ID: uuid.NewString(), RunID: runID, FileID: file.ID, QualifiedName: "other.go#B", Name: "B", Kind: models.POIKindFunction, Source: models.POISourceLLM}
	require.NoError(t, poiRepo.Insert(txCtx, source))
	require.NoError(t, poiRepo.Insert(txCtx, target))
	require.NoError(t, relRepo.Upsert(txCtx, &models.Relationship{
		ID: uuid.NewString(), RunID: runID, RelationshipHash: "rejected-hash",
		SourcePOIID: source.ID, TargetPOIID: target.ID,
		Type: models.RelationshipTypeCalls, Status: models.RelationshipStatusRejected, ConfidenceScore: 0.2,
	}))
	require.NoError(t, scope.Commit(ctx))
	scope.Close(ctx)

	backend := &batchRecordingBackend{}
	builder := New(engineDB.DB, repositories.NewRelationshipRepository(), repositories.NewPOIRepository(),
		backend, 500, 4, 1, zap.NewNop())
	stats, err := builder.Build(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Edges, "REJECTED rows must never reach the graph store")
}
