// Package kv wraps the Redis-backed key-value store (KV) used for run
// manifests, atomic evidence counters, and directory-aggregation progress
// counters — the coordination primitives that let independently-running
// workers detect convergence without talking to each other directly.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coglabs/ctengine/pkg/apperrors"
	"github.com/coglabs/ctengine/pkg/models"
)

// Store wraps a Redis client with the key conventions the pipeline depends
// on. All keys are namespaced under a configurable prefix so multiple
// deployments can share one Redis instance.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New returns a Store. ttl bounds how long manifests and counters survive
// in Redis after their last write; 0 disables expiry.
func New(client *redis.Client, prefix string, ttl time.Duration) *Store {
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

func (s *Store) key(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// WriteManifest writes the run manifest exactly once (SETNX semantics). A
// run produces exactly one manifest; a second attempt returns
// apperrors.ErrManifestExists.
func (s *Store) WriteManifest(ctx context.Context, manifest *models.RunManifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	key := s.key("manifest", manifest.RunID)
	ok, err := s.client.SetNX(ctx, key, data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("setnx manifest: %w", err)
	}
	if !ok {
		return apperrors.ErrManifestExists
	}
	return nil
}

// GetManifest reads the run manifest. Returns apperrors.ErrManifestMissing
// if Scout has not written one yet.
func (s *Store) GetManifest(ctx context.Context, runID string) (*models.RunManifest, error) {
	key := s.key("manifest", runID)
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, apperrors.ErrManifestMissing
	}
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}

	var manifest models.RunManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return &manifest, nil
}

// IncrEvidenceCount atomically increments evidence-count:{runId}:{relHash}
// and returns the new count. ValidationWorker calls this once per evidence
// vote it records, then compares the result against the manifest's expected
// count to decide whether to hand the hash to ReconciliationWorker.
func (s *Store) IncrEvidenceCount(ctx context.Context, runID, relHash string) (int64, error) {
	key := s.key("evidence-count", runID, relHash)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr evidence count: %w", err)
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, key, s.ttl)
	}
	return count, nil
}

// DeleteEvidenceCount removes the counter when it closes; ValidationWorker
// calls it right after enqueueing the hash's reconciliation job.
func (s *Store) DeleteEvidenceCount(ctx context.Context, runID, relHash string) error {
	key := s.key("evidence-count", runID, relHash)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete evidence count: %w", err)
	}
	return nil
}

// PushEvidence appends one evidence vote to the Redis list keyed
// evidence:{runId}:{relHash}. The workers do not call it: ValidationWorker
// keeps only the plain counter here, and ReconciliationWorker reads the
// votes from the evidence repository.
func (s *Store) PushEvidence(ctx context.Context, runID, relHash string, evidence models.RelationshipEvidence) error {
	data, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	key := s.key("evidence", runID, relHash)
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("rpush evidence: %w", err)
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, key, s.ttl)
	}
	return nil
}

// ListEvidence returns every evidence vote pushed so far for a relationship
// hash, in the order they were pushed.
func (s *Store) ListEvidence(ctx context.Context, runID, relHash string) ([]models.RelationshipEvidence, error) {
	key := s.key("evidence", runID, relHash)
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange evidence: %w", err)
	}

	out := make([]models.RelationshipEvidence, 0, len(raw))
	for _, r := range raw {
		var e models.RelationshipEvidence
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// DeleteEvidence removes the evidence list; ValidationWorker calls it
// together with DeleteEvidenceCount when the counter closes.
func (s *Store) DeleteEvidence(ctx context.Context, runID, relHash string) error {
	key := s.key("evidence", runID, relHash)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete evidence: %w", err)
	}
	return nil
}

// IncrDirProgress atomically increments dir-progress:{runId}:{directory} and
// returns the new count. DirectoryAggregationWorker uses this to know when
// every file in a directory has reported in and the directory-level pass
// can run.
func (s *Store) IncrDirProgress(ctx context.Context, runID, directory string) (int64, error) {
	key := s.key("dir-progress", runID, directory)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr dir progress: %w", err)
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, key, s.ttl)
	}
	return count, nil
}

// DeleteDirProgress removes the counter once DirectoryAggregationWorker has
// closed it out.
func (s *Store) DeleteDirProgress(ctx context.Context, runID, directory string) error {
	key := s.key("dir-progress", runID, directory)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete dir progress: %w", err)
	}
	return nil
}

// SetDirExpected records how many files a directory must report in before
// its aggregation counter can close, from the registration job Scout seeds
// once per directory.
func (s *Store) SetDirExpected(ctx context.Context, runID, directory string, expected int) error {
	key := s.key("dir-expected", runID, directory)
	if err := s.client.Set(ctx, key, expected, s.ttl).Err(); err != nil {
		return fmt.Errorf("set dir expected: %w", err)
	}
	return nil
}

// GetDirExpected reads the expected file count for a directory. ok is false
// if DirectoryAggregationWorker has not yet processed Scout's registration
// job for this directory.
func (s *Store) GetDirExpected(ctx context.Context, runID, directory string) (int, bool, error) {
	key := s.key("dir-expected", runID, directory)
	n, err := s.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get dir expected: %w", err)
	}
	return n, true, nil
}

// DeleteDirExpected removes the expectation once the directory's counter
// has closed.
func (s *Store) DeleteDirExpected(ctx context.Context, runID, directory string) error {
	key := s.key("dir-expected", runID, directory)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete dir expected: %w", err)
	}
	return nil
}

// SeedAllowedQueues writes the fixed queue allow-list to the shared
// "allowed-queues" set so external tooling (and any second process sharing
// this Redis) can check a queue name without linking this package.
func (s *Store) SeedAllowedQueues(ctx context.Context) error {
	members := make([]any, 0, len(AllowedQueues))
	for name := range AllowedQueues {
		members = append(members, name)
	}
	if err := s.client.SAdd(ctx, s.key("allowed-queues"), members...).Err(); err != nil {
		return fmt.Errorf("seed allowed queues: %w", err)
	}
	return nil
}

// IsQueueAllowed checks name against the seeded "allowed-queues" set.
func (s *Store) IsQueueAllowed(ctx context.Context, name string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key("allowed-queues"), name).Result()
	if err != nil {
		return false, fmt.Errorf("check allowed queue: %w", err)
	}
	return ok, nil
}

// AllowedQueues is the fixed allow-list of queue names the pipeline will
// ever enqueue onto. Enqueue calls outside this set fail with
// apperrors.ErrQueueNotAllowed rather than silently creating a new queue.
var AllowedQueues = map[string]bool{
	"file-analysis":           true,
	"directory-aggregation":   true,
	"directory-resolution":    true,
	"relationship-resolution": true,
	"analysis-findings":       true,
	"reconciliation":          true,
	"failed-jobs":             true,
}

// CheckQueueAllowed returns apperrors.ErrQueueNotAllowed if name is not in
// the fixed allow-list.
func CheckQueueAllowed(name string) error {
	if !AllowedQueues[name] {
		return apperrors.ErrQueueNotAllowed
	}
	return nil
}
