package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/pipeline"
	"github.com/coglabs/ctengine/pkg/queue"
)

func newTestBinding(t *testing.T, name string) (Binding, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q, err := queue.New(client, "test", name, queue.DefaultDeadline)
	require.NoError(t, err)

	return Binding{Name: name, Queue: q, Concurrency: 1}, mr
}

func TestHandleResult_TransientNacksUnderMaxAttempts(t *testing.T) {
	b, _ := newTestBinding(t, queue.FileAnalysis)
	o := &Orchestrator{logger: zap.NewNop()}
	ctx := context.Background()

	task := &queue.Task{ID: "1", RunID: "run-1", Attempts: 0}
	require.NoError(t, b.Queue.Enqueue(ctx, task))
	consumed, consumedRaw, err := b.Queue.Consume(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, consumed)

	o.handleResult(ctx, b, consumed, consumedRaw, pipeline.Transient("file-analysis", "llm timeout", nil))

	inFlight, err := b.Queue.InFlight(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), inFlight)

	entries, err := b.Queue.DLQEntries(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestHandleResult_PermanentGoesToDLQ(t *testing.T) {
	b, _ := newTestBinding(t, queue.AnalysisFindings)
	o := &Orchestrator{logger: zap.NewNop()}
	ctx := context.Background()

	task := &queue.Task{ID: "2", RunID: "run-1"}
	require.NoError(t, b.Queue.Enqueue(ctx, task))
	consumed, raw, err := b.Queue.Consume(ctx, time.Second)
	require.NoError(t, err)

	o.handleResult(ctx, b, consumed, raw, pipeline.Permanent("analysis-findings", "malformed payload", nil))

	entries, err := b.Queue.DLQEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestHandleResult_LogicalHaltsTheRun(t *testing.T) {
	b, _ := newTestBinding(t, queue.Reconciliation)
	o := &Orchestrator{logger: zap.NewNop()}
	ctx := context.Background()

	task := &queue.Task{ID: "3", RunID: "run-1"}
	require.NoError(t, b.Queue.Enqueue(ctx, task))
	consumed, raw, err := b.Queue.Consume(ctx, time.Second)
	require.NoError(t, err)

	require.Nil(t, o.halted())
	o.handleResult(ctx, b, consumed, raw, pipeline.Logical("reconciliation", "relationship hash missing evidence", nil))
	require.Error(t, o.halted())

	entries, err := b.Queue.DLQEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestHandleResult_TransientExhaustsToDLQ(t *testing.T) {
	b, _ := newTestBinding(t, queue.DirectoryResolution)
	o := &Orchestrator{logger: zap.NewNop()}
	ctx := context.Background()

	task := &queue.Task{ID: "4", RunID: "run-1", Attempts: maxAttempts}
	require.NoError(t, b.Queue.Enqueue(ctx, task))
	consumed, raw, err := b.Queue.Consume(ctx, time.Second)
	require.NoError(t, err)

	o.handleResult(ctx, b, consumed, raw, pipeline.Transient("directory-resolution", "llm timeout", nil))

	entries, err := b.Queue.DLQEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestHaltOnlyKeepsFirstError(t *testing.T) {
	o := &Orchestrator{logger: zap.NewNop()}
	o.halt(pipeline.Logical("a", "first", nil))
	o.halt(pipeline.Logical("b", "second", nil))
	require.ErrorContains(t, o.halted(), "first")
}
