package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, name string) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q, err := New(client, "ctengine-test", name, time.Minute)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, mr
}

func mustTask(t *testing.T, runID string, payload any) *Task {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &Task{ID: "task-1", RunID: runID, Payload: data}
}

func TestNew_RejectsUnknownQueueName(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err = New(client, "p", "not-a-real-queue", time.Minute)
	if err == nil {
		t.Fatalf("expected error for unknown queue name")
	}
}

func TestEnqueueConsumeAck_RoundTrip(t *testing.T) {
	q, _ := newTestQueue(t, FileAnalysis)
	ctx := context.Background()

	task := mustTask(t, "run-1", map[string]string{"path": "a.go"})
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("expected depth 1, got %d (err=%v)", depth, err)
	}

	got, raw, err := q.Consume(ctx, time.Second)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a task")
	}
	if got.RunID != "run-1" {
		t.Errorf("expected run-1, got %s", got.RunID)
	}

	inFlight, err := q.InFlight(ctx)
	if err != nil || inFlight != 1 {
		t.Fatalf("expected 1 in-flight, got %d (err=%v)", inFlight, err)
	}

	if err := q.Ack(ctx, raw); err != nil {
		t.Fatalf("ack: %v", err)
	}

	inFlight, err = q.InFlight(ctx)
	if err != nil || inFlight != 0 {
		t.Fatalf("expected 0 in-flight after ack, got %d (err=%v)", inFlight, err)
	}
}

func TestNack_SchedulesDelayedRetry(t *testing.T) {
	q, mr := newTestQueue(t, AnalysisFindings)
	ctx := context.Background()

	task := mustTask(t, "run-1", map[string]string{"hash": "abc"})
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, raw, err := q.Consume(ctx, time.Second)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	if err := q.Nack(ctx, raw, 10*time.Second); err != nil {
		t.Fatalf("nack: %v", err)
	}

	pending, err := q.Pending(ctx)
	if err != nil || pending != 1 {
		t.Fatalf("expected 1 pending delayed task, got %d (err=%v)", pending, err)
	}

	// Not ready yet.
	promoted, err := q.PromoteDelayed(ctx)
	if err != nil {
		t.Fatalf("promote (too early): %v", err)
	}
	if promoted != 0 {
		t.Fatalf("expected 0 promoted before delay elapses, got %d", promoted)
	}

	mr.FastForward(11 * time.Second)

	promoted, err = q.PromoteDelayed(ctx)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("expected 1 promoted after delay elapses, got %d", promoted)
	}

	depth, err := q.Depth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("expected task back on main queue, depth=%d (err=%v)", depth, err)
	}
}

func TestDead_MovesToDLQ(t *testing.T) {
	q, _ := newTestQueue(t, Reconciliation)
	ctx := context.Background()

	task := mustTask(t, "run-1", map[string]string{"hash": "abc"})
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, raw, err := q.Consume(ctx, time.Second)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	if err := q.Dead(ctx, raw); err != nil {
		t.Fatalf("dead: %v", err)
	}

	entries, err := q.DLQEntries(ctx)
	if err != nil {
		t.Fatalf("dlq entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 DLQ entry, got %d", len(entries))
	}

	inFlight, err := q.InFlight(ctx)
	if err != nil || inFlight != 0 {
		t.Fatalf("expected 0 in-flight after dead, got %d (err=%v)", inFlight, err)
	}
}

func TestReapExpired_RequeuesStuckJobs(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q, err := New(client, "ctengine-test", DirectoryResolution, 5*time.Second)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	task := mustTask(t, "run-1", map[string]string{"dir": "pkg/foo"})
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := q.Consume(ctx, time.Second); err != nil {
		t.Fatalf("consume: %v", err)
	}

	inFlight, _ := q.InFlight(ctx)
	if inFlight != 1 {
		t.Fatalf("expected 1 in-flight before reap, got %d", inFlight)
	}

	mr.FastForward(6 * time.Second)

	reaped, err := q.ReapExpired(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected 1 reaped job, got %d", reaped)
	}

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected reaped job back on main queue, depth=%d", depth)
	}
	inFlight, _ = q.InFlight(ctx)
	if inFlight != 0 {
		t.Fatalf("expected 0 in-flight after reap, got %d", inFlight)
	}
}

func TestConsume_EmptyQueueTimesOutWithoutError(t *testing.T) {
	q, _ := newTestQueue(t, FileAnalysis)
	ctx := context.Background()

	task, raw, err := q.Consume(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("expected no error on timeout, got %v", err)
	}
	if task != nil || raw != "" {
		t.Fatalf("expected nil task on timeout")
	}
}

func TestNack_IncrementsAttemptsAcrossRetries(t *testing.T) {
	q, mr := newTestQueue(t, FileAnalysis)
	ctx := context.Background()

	if err := q.Enqueue(ctx, mustTask(t, "run-1", map[string]string{"path": "a.go"})); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Fail the task twice; each trip through nack -> promote -> consume must
	// carry one more attempt, or the consume loop's DLQ ceiling never fires.
	for want := 1; want <= 2; want++ {
		task, raw, err := q.Consume(ctx, time.Second)
		if err != nil || task == nil {
			t.Fatalf("consume (round %d): task=%v err=%v", want, task, err)
		}
		if task.Attempts != want-1 {
			t.Fatalf("round %d: expected %d prior attempts, got %d", want, want-1, task.Attempts)
		}

		if err := q.Nack(ctx, raw, time.Second); err != nil {
			t.Fatalf("nack: %v", err)
		}
		mr.FastForward(2 * time.Second)
		if _, err := q.PromoteDelayed(ctx); err != nil {
			t.Fatalf("promote: %v", err)
		}
	}

	task, _, err := q.Consume(ctx, time.Second)
	if err != nil || task == nil {
		t.Fatalf("final consume: task=%v err=%v", task, err)
	}
	if task.Attempts != 2 {
		t.Fatalf("expected 2 attempts after two nacks, got %d", task.Attempts)
	}
}

func TestReapExpired_IncrementsAttempts(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q, err := New(client, "ctengine-test", DirectoryResolution, 5*time.Second)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	if err := q.Enqueue(ctx, mustTask(t, "run-1", map[string]string{"dir": "pkg/foo"})); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := q.Consume(ctx, time.Second); err != nil {
		t.Fatalf("consume: %v", err)
	}

	mr.FastForward(6 * time.Second)
	if _, err := q.ReapExpired(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}

	task, _, err := q.Consume(ctx, time.Second)
	if err != nil || task == nil {
		t.Fatalf("consume after reap: task=%v err=%v", task, err)
	}
	if task.Attempts != 1 {
		t.Fatalf("expected 1 attempt after reap, got %d", task.Attempts)
	}
}
