//go:build integration

package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/jobs"
	"github.com/coglabs/ctengine/pkg/models"
	"github.com/coglabs/ctengine/pkg/queue"
	"github.com/coglabs/ctengine/pkg/repositories"
	"github.com/coglabs/ctengine/pkg/testhelpers"
)

type publisherFixture struct {
	db          *database.DB
	redisClient *redis.Client
	outboxRepo  repositories.OutboxRepository
	publisher   *Publisher
	runID       string
}

func newPublisherFixture(t *testing.T) *publisherFixture {
	t.Helper()
	engineDB := testhelpers.GetEngineDB(t)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	outboxRepo := repositories.NewOutboxRepository()
	return &publisherFixture{
		db:          engineDB.DB,
		redisClient: redisClient,
		outboxRepo:  outboxRepo,
		publisher:   NewPublisher(engineDB.DB, redisClient, "test", outboxRepo, 100, 20*time.Millisecond, zap.NewNop()),
		runID:       uuid.NewString(),
	}
}

func (f *publisherFixture) insertEntry(t *testing.T, eventType string, payload any) int64 {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	ctx := context.Background()
	scope, err := database.AcquireTxScope(ctx, f.db)
	require.NoError(t, err)
	defer scope.Close(ctx)
	require.NoError(t, scope.Begin(ctx))
	txCtx := database.SetTxScope(ctx, scope)

	id, err := f.outboxRepo.Insert(txCtx, &models.OutboxEntry{
		RunID:     f.runID,
		QueueName: eventType,
		Payload:   data,
	})
	require.NoError(t, err)
	require.NoError(t, scope.Commit(ctx))
	return id
}

func (f *publisherFixture) entryStatus(t *testing.T, id int64) models.OutboxStatus {
	t.Helper()
	ctx := context.Background()
	scope, err := database.AcquireTxScope(ctx, f.db)
	require.NoError(t, err)
	defer scope.Close(ctx)
	entry, err := f.outboxRepo.Get(database.SetTxScope(ctx, scope), id)
	require.NoError(t, err)
	return entry.Status
}

func (f *publisherFixture) queueFor(t *testing.T, name string) *queue.Queue {
	t.Helper()
	q, err := queue.New(f.redisClient, "test", name, time.Minute)
	require.NoError(t, err)
	return q
}

func TestPublisher_FansOutFileAnalysisFinding(t *testing.T) {
	f := newPublisherFixture(t)
	ctx := context.Background()

	finding := FileAnalysisFinding{
		FileID:    uuid.NewString(),
		Directory: "pkg",
		POIs: []POIFinding{
			{POIID: "poi-1", QualifiedName: "pkg/a.go#Foo"},
			{POIID: "poi-2", QualifiedName: "pkg/a.go#Bar"},
		},
		Relationships: []RelationshipFinding{{
			RelationshipHash:    "hash-1",
			SourceQualifiedName: "pkg/a.go#Foo",
			TargetQualifiedName: "pkg/a.go#Bar",
			Type:                "CALLS",
			FoundRelationship:   true,
			InitialScore:        0.8,
		}},
		SourceWorker: "file-analysis",
	}
	id := f.insertEntry(t, EventFileAnalysisFinding, finding)

	n, err := f.publisher.PublishBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, models.OutboxStatusPublished, f.entryStatus(t, id))

	relQueue := f.queueFor(t, queue.RelationshipResolution)
	depth, err := relQueue.Depth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, depth, "one relationship-resolution job per POI")

	findingsQueue := f.queueFor(t, queue.AnalysisFindings)
	depth, err = findingsQueue.Depth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	task, _, err := findingsQueue.Consume(ctx, time.Second)
	require.NoError(t, err)
	var validation jobs.ValidationPayload
	require.NoError(t, json.Unmarshal(task.Payload, &validation))
	require.Equal(t, "hash-1", validation.RelationshipHash)
	require.Equal(t, "FileAnalysisWorker", validation.SourceWorker)
	require.True(t, validation.FoundRelationship)
}

func TestPublisher_BatchesDirectoryFindingOntoAnalysisFindings(t *testing.T) {
	f := newPublisherFixture(t)
	ctx := context.Background()

	finding := DirectoryAnalysisFinding{
		Directory: "pkg",
		Relationships: []RelationshipFinding{
			{RelationshipHash: "hash-a", Type: "IMPORTS", FoundRelationship: true, InitialScore: 0.7},
			{RelationshipHash: "hash-b", Type: "CALLS", FoundRelationship: false, InitialScore: 0.7},
		},
		SourceWorker: "directory-resolution",
	}
	id := f.insertEntry(t, EventDirectoryAnalysisFinding, finding)

	n, err := f.publisher.PublishBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, models.OutboxStatusPublished, f.entryStatus(t, id))

	findingsQueue := f.queueFor(t, queue.AnalysisFindings)
	depth, err := findingsQueue.Depth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, depth)

	relQueue := f.queueFor(t, queue.RelationshipResolution)
	depth, err = relQueue.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth, "only file-analysis findings fan out per-POI jobs")
}

func TestPublisher_MalformedRowFailsWithoutBlockingTheBatch(t *testing.T) {
	f := newPublisherFixture(t)
	ctx := context.Background()

	badID := f.insertEntry(t, "unknown-event-type", map[string]string{"x": "y"})
	goodID := f.insertEntry(t, EventRelationshipAnalysisFinding, RelationshipAnalysisFinding{
		SourcePOIID:   "poi-9",
		Relationships: []RelationshipFinding{{RelationshipHash: "hash-z", Type: "USES", FoundRelationship: true, InitialScore: 0.6}},
		SourceWorker:  "relationship-resolution",
	})

	n, err := f.publisher.PublishBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "only the well-formed row counts as published")
	require.Equal(t, models.OutboxStatusFailed, f.entryStatus(t, badID))
	require.Equal(t, models.OutboxStatusPublished, f.entryStatus(t, goodID))

	// FAILED is terminal: the next poll must not pick the row up again.
	n, err = f.publisher.PublishBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPublisher_PublishesInStrictIDOrder(t *testing.T) {
	f := newPublisherFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.insertEntry(t, EventRelationshipAnalysisFinding, RelationshipAnalysisFinding{
			SourcePOIID: uuid.NewString(),
			Relationships: []RelationshipFinding{{
				RelationshipHash:  uuid.NewString(),
				Type:              "CALLS",
				FoundRelationship: true,
				InitialScore:      float64(i) / 10,
			}},
			SourceWorker: "relationship-resolution",
		})
	}

	n, err := f.publisher.PublishBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	findingsQueue := f.queueFor(t, queue.AnalysisFindings)
	for i := 0; i < 3; i++ {
		task, raw, err := findingsQueue.Consume(ctx, time.Second)
		require.NoError(t, err)
		var validation jobs.ValidationPayload
		require.NoError(t, json.Unmarshal(task.Payload, &validation))
		require.InDelta(t, float64(i)/10, validation.InitialScore, 1e-9, "enqueue order must follow outbox id order")
		require.NoError(t, findingsQueue.Ack(ctx, raw))
	}
}
