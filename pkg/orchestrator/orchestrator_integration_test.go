//go:build integration

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/graphbuilder"
	"github.com/coglabs/ctengine/pkg/models"
	"github.com/coglabs/ctengine/pkg/outbox"
	"github.com/coglabs/ctengine/pkg/queue"
	"github.com/coglabs/ctengine/pkg/repositories"
	"github.com/coglabs/ctengine/pkg/testhelpers"
)

type noopCapability struct{ name string }

func (c noopCapability) Name() string { return c.name }
func (c noopCapability) ProcessJob(ctx context.Context, runID string, payload []byte) error {
	return nil
}

type recordingBackend struct {
	nodes []graphbuilder.GraphNode
	edges []graphbuilder.GraphEdge
}

func (b *recordingBackend) BatchUpsert(ctx context.Context, nodes []graphbuilder.GraphNode, edges []graphbuilder.GraphEdge) (graphbuilder.BatchResult, error) {
	b.nodes = append(b.nodes, nodes...)
	b.edges = append(b.edges, edges...)
	return graphbuilder.BatchResult{Nodes: len(nodes), Edges: len(edges)}, nil
}

func (b *recordingBackend) Close(ctx context.Context) error { return nil }

func seedOneValidatedRelationship(t *testing.T, db *database.DB, runID string) {
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

	file := &models.File{ID: uuid.NewString(), RunID: runID, Path: "a.go", Directory: "."}
	require.NoError(t, fileRepo.Insert(txCtx, file))

	source := &models.POI{ID: uuid.NewString(), RunID: runID, FileID: file.ID, QualifiedName: "a.Foo", Name: "Foo", Kind: models.POIKindFunction, Source: models.POISourceLLM}
	target := &models.POI{ID: uuid.NewString(), RunID: runID, FileID: file.ID, QualifiedName: "a.Bar", Name: "Bar", Kind: models.POIKindFunction, Source: models.POISourceLLM}
	require.NoError(t, poiRepo.Insert(txCtx, source))
	require.NoError(t, poiRepo.Insert(txCtx, target))

	rel := &models.Relationship{
		ID:               uuid.NewString(),
		RunID:            runID,
		RelationshipHash: "hash-1",
		SourcePOIID:      source.ID,
		TargetPOIID:      target.ID,
		Type:             models.RelationshipTypeCalls,
		Status:           models.RelationshipStatusValidated,
		ConfidenceScore:  0.9,
	}
	require.NoError(t, relRepo.Upsert(txCtx, rel))

	require.NoError(t, scope.Commit(ctx))
}

func TestOrchestrator_Run_SuccessPath(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	runID := uuid.NewString()
	seedOneValidatedRelationship(t, engineDB.DB, runID)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	q, err := queue.New(redisClient, "test", queue.FileAnalysis, queue.DefaultDeadline)
	require.NoError(t, err)

	outboxRepo := repositories.NewOutboxRepository()
	relRepo := repositories.NewRelationshipRepository()
	poiRepo := repositories.NewPOIRepository()

	publisher := outbox.NewPublisher(engineDB.DB, redisClient, "test", outboxRepo, 100, 20*time.Millisecond, zap.NewNop())
	backend := &recordingBackend{}
	builder := graphbuilder.New(engineDB.DB, relRepo, poiRepo, backend, 500, 4, 3, zap.NewNop())

	o := New(
		engineDB.DB,
		[]Binding{{Name: queue.FileAnalysis, Queue: q, Capability: noopCapability{name: queue.FileAnalysis}, Concurrency: 1}},
		publisher,
		outboxRepo,
		relRepo,
		builder,
		nil,
		20*time.Millisecond,
		60*time.Millisecond,
		zap.NewNop(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := o.Run(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusSuccess, result.Status)
	require.Equal(t, 2, result.Graph.Nodes)
	require.Equal(t, 1, result.Graph.Edges)
	require.Empty(t, result.DLQEntries)
	require.Empty(t, result.StarvedRelationships)
}
