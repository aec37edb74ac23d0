package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/coglabs/ctengine/pkg/apperrors"
	"github.com/coglabs/ctengine/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, "ctengine-test", time.Hour)
}

func TestWriteManifest_SecondWriteFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	manifest := &models.RunManifest{RunID: "run-1", FileCount: 3}
	if err := store.WriteManifest(ctx, manifest); err != nil {
		t.Fatalf("first write: %v", err)
	}

	err := store.WriteManifest(ctx, manifest)
	if err != apperrors.ErrManifestExists {
		t.Fatalf("expected ErrManifestExists, got %v", err)
	}
}

func TestGetManifest_MissingReturnsErrManifestMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetManifest(context.Background(), "nonexistent")
	if err != apperrors.ErrManifestMissing {
		t.Fatalf("expected ErrManifestMissing, got %v", err)
	}
}

func TestGetManifest_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := &models.RunManifest{
		RunID:                "run-1",
		FileCount:            5,
		DirectoryCount:       2,
		DefaultEvidenceCount: 1,
		FilePairEvidenceMap:  map[string]int{"hash-a": 2},
	}
	if err := store.WriteManifest(ctx, want); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := store.GetManifest(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FileCount != want.FileCount || got.DirectoryCount != want.DirectoryCount {
		t.Errorf("manifest mismatch: got %+v, want %+v", got, want)
	}
	if got.LookupExpectedCount("no-rel-entry", "hash-a") != 2 {
		t.Errorf("expected file-pair override to round-trip")
	}
	if got.LookupExpectedCount("no-rel-entry", "unknown-hash") != 1 {
		t.Errorf("expected default evidence count fallback")
	}
}

func TestIncrEvidenceCount_Accumulates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	n1, err := store.IncrEvidenceCount(ctx, "run-1", "hash-a")
	if err != nil {
		t.Fatalf("incr 1: %v", err)
	}
	if n1 != 1 {
		t.Errorf("expected 1, got %d", n1)
	}

	n2, err := store.IncrEvidenceCount(ctx, "run-1", "hash-a")
	if err != nil {
		t.Fatalf("incr 2: %v", err)
	}
	if n2 != 2 {
		t.Errorf("expected 2, got %d", n2)
	}

	if err := store.DeleteEvidenceCount(ctx, "run-1", "hash-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	n3, err := store.IncrEvidenceCount(ctx, "run-1", "hash-a")
	if err != nil {
		t.Fatalf("incr after delete: %v", err)
	}
	if n3 != 1 {
		t.Errorf("expected counter to reset to 1 after delete, got %d", n3)
	}
}

func TestPushAndListEvidence_PreservesOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	votes := []models.EvidenceVote{models.EvidenceVoteAgree, models.EvidenceVoteDisagree, models.EvidenceVoteAgree}
	for _, v := range votes {
		if err := store.PushEvidence(ctx, "run-1", "hash-a", models.RelationshipEvidence{Vote: v}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	got, err := store.ListEvidence(ctx, "run-1", "hash-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != len(votes) {
		t.Fatalf("expected %d entries, got %d", len(votes), len(got))
	}
	for i, v := range votes {
		if got[i].Vote != v {
			t.Errorf("index %d: expected vote %s, got %s", i, v, got[i].Vote)
		}
	}

	if err := store.DeleteEvidence(ctx, "run-1", "hash-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	remaining, err := store.ListEvidence(ctx, "run-1", "hash-a")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected empty list after delete, got %d entries", len(remaining))
	}
}

func TestIncrDirProgress_Accumulates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := store.IncrDirProgress(ctx, "run-1", "pkg/foo")
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != int64(i) {
			t.Errorf("expected %d, got %d", i, n)
		}
	}

	if err := store.DeleteDirProgress(ctx, "run-1", "pkg/foo"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestSeedAllowedQueues_RoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SeedAllowedQueues(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ok, err := store.IsQueueAllowed(ctx, "analysis-findings")
	if err != nil || !ok {
		t.Errorf("expected analysis-findings to be allowed, ok=%v err=%v", ok, err)
	}
	ok, err = store.IsQueueAllowed(ctx, "bogus-queue")
	if err != nil || ok {
		t.Errorf("expected bogus-queue to be rejected, ok=%v err=%v", ok, err)
	}
}

func TestCheckQueueAllowed(t *testing.T) {
	if err := CheckQueueAllowed("file-analysis"); err != nil {
		t.Errorf("expected file-analysis to be allowed: %v", err)
	}
	if err := CheckQueueAllowed("nonexistent-queue"); err != apperrors.ErrQueueNotAllowed {
		t.Errorf("expected ErrQueueNotAllowed, got %v", err)
	}
}
