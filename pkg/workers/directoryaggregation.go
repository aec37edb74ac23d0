package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/audit"
	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/jobs"
	"github.com/coglabs/ctengine/pkg/kv"
	"github.com/coglabs/ctengine/pkg/pipeline"
	"github.com/coglabs/ctengine/pkg/queue"
	"github.com/coglabs/ctengine/pkg/repositories"
)

// DirectoryAggregationWorker is the barrier component that waits for every
// file in a directory to be analyzed before letting DirectoryResolutionWorker
// run. It has two entry points: ProcessJob consumes Scout's one-per-directory
// registration job and records the expected file count; OnFileAnalyzed is
// called in-process by FileAnalysisWorker after each successful commit and
// does the actual barrier arithmetic.
type DirectoryAggregationWorker struct {
	Base

	db          *database.DB
	kvStore     *kv.Store
	fileRepo    repositories.FileRepository
	resolveQueue *queue.Queue
}

// NewDirectoryAggregationWorker returns a DirectoryAggregationWorker.
func NewDirectoryAggregationWorker(
	db *database.DB,
	kvStore *kv.Store,
	fileRepo repositories.FileRepository,
	resolveQueue *queue.Queue,
	incidents audit.Recorder,
	logger *zap.Logger,
) *DirectoryAggregationWorker {
	return &DirectoryAggregationWorker{
		Base:         NewBase("directory-aggregation", logger, incidents),
		db:           db,
		kvStore:      kvStore,
		fileRepo:     fileRepo,
		resolveQueue: resolveQueue,
	}
}

var _ Capability = (*DirectoryAggregationWorker)(nil)

// ProcessJob implements Capability. payload decodes to
// jobs.DirectoryAggregationPayload, Scout's one-time registration of how
// many files a directory must report in before its barrier can close.
func (w *DirectoryAggregationWorker) ProcessJob(ctx context.Context, runID string, payload []byte) error {
	var job jobs.DirectoryAggregationPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return pipeline.Permanent(w.Name(), "decode directory-aggregation payload", err)
	}

	if err := w.kvStore.SetDirExpected(ctx, runID, job.Directory, job.ExpectedFiles); err != nil {
		return pipeline.Transient(w.Name(), "set dir expected", err)
	}
	return nil
}

// OnFileAnalyzed atomically increments the directory's progress counter and,
// once it reaches the expected file count, enqueues a directory-resolution
// job and deletes both counters. Idempotent: a notification
// that pushes the counter past the expected total without the expectation
// having been recorded yet is a no-op (it returns without incrementing the
// counter, since GetDirExpected reports !ok until Scout's registration job
// has been processed), and once the final transition has
// fired, DeleteDirExpected means any further notification falls into that
// same "no expectation yet" no-op path instead of re-triggering.
func (w *DirectoryAggregationWorker) OnFileAnalyzed(ctx context.Context, runID, directory string) error {
	expected, ok, err := w.kvStore.GetDirExpected(ctx, runID, directory)
	if err != nil {
		return pipeline.Transient(w.Name(), "get dir expected", err)
	}
	if !ok {
		w.Logger().Debug("file-analyzed notification arrived before directory registration", zap.String("directory", directory))
		return nil
	}

	count, err := w.kvStore.IncrDirProgress(ctx, runID, directory)
	if err != nil {
		return pipeline.Transient(w.Name(), "incr dir progress", err)
	}
	if int(count) < expected {
		return nil
	}
	if int(count) > expected {
		// A retried upstream file-analysis job double-counted; the barrier
		// already closed once and the counters are gone, so this is a stale
		// notification racing the delete below. Ignore it.
		return nil
	}

	fileIDs, err := w.listFileIDs(ctx, runID, directory)
	if err != nil {
		return err
	}

	resolutionPayload, err := json.Marshal(jobs.DirectoryResolutionPayload{Directory: directory, FileIDs: fileIDs})
	if err != nil {
		return pipeline.Permanent(w.Name(), "marshal directory-resolution payload", err)
	}
	if err := w.resolveQueue.Enqueue(ctx, &queue.Task{ID: directory, RunID: runID, Payload: resolutionPayload}); err != nil {
		return pipeline.Transient(w.Name(), "enqueue directory-resolution job", err)
	}

	if err := w.kvStore.DeleteDirProgress(ctx, runID, directory); err != nil {
		w.Logger().Warn("delete dir progress failed", zap.String("directory", directory), zap.Error(err))
	}
	if err := w.kvStore.DeleteDirExpected(ctx, runID, directory); err != nil {
		w.Logger().Warn("delete dir expected failed", zap.String("directory", directory), zap.Error(err))
	}
	return nil
}

func (w *DirectoryAggregationWorker) listFileIDs(ctx context.Context, runID, directory string) ([]string, error) {
	scope, err := database.AcquireTxScope(ctx, w.db)
	if err != nil {
		return nil, pipeline.Transient(w.Name(), "acquire tx scope", err)
	}
	defer scope.Close(ctx)
	readCtx := database.SetTxScope(ctx, scope)

	files, err := w.fileRepo.ListByDirectory(readCtx, runID, directory)
	if err != nil {
		return nil, pipeline.Transient(w.Name(), "list files by directory", fmt.Errorf("%s: %w", directory, err))
	}

	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	return ids, nil
}
