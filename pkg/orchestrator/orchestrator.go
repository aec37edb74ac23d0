// Package orchestrator drives one run end to end: it starts the
// transactional outbox publisher and every worker pool, watches the queues
// and outbox for sustained idleness to decide when the run's job graph has
// drained, triggers the graph build, and reports a terminal RunStatus.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/audit"
	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/graphbuilder"
	"github.com/coglabs/ctengine/pkg/models"
	"github.com/coglabs/ctengine/pkg/outbox"
	"github.com/coglabs/ctengine/pkg/pipeline"
	"github.com/coglabs/ctengine/pkg/queue"
	"github.com/coglabs/ctengine/pkg/repositories"
	"github.com/coglabs/ctengine/pkg/workers"
)

// maxAttempts bounds how many times a transient failure is retried before a
// job is routed to the DLQ instead of being nacked again.
const maxAttempts = 5

// baseRetryDelay and maxRetryDelay bound the exponential backoff applied to
// transiently-failed jobs before they re-enter the queue.
const (
	baseRetryDelay = time.Second
	maxRetryDelay  = 30 * time.Second
)

// backoffDelay is the retry delay for a task that has already failed
// attempts times: base * 2^attempts, capped, plus up to 25% jitter so a
// burst of failures does not retry in lockstep.
func backoffDelay(attempts int) time.Duration {
	delay := baseRetryDelay << attempts
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay + time.Duration(rand.Int63n(int64(delay/4)+1))
}

// consumeTimeout is how long one BRPOPLPUSH call blocks waiting for a task.
// Short enough that a consumer loop notices ctx cancellation promptly.
const consumeTimeout = 2 * time.Second

// Binding pairs one named queue with the capability that knows how to
// process its jobs, and how many consumer goroutines to run against it.
type Binding struct {
	Name        string
	Queue       *queue.Queue
	Capability  workers.Capability
	Concurrency int
}

// RunResult is the terminal report for one run.
type RunResult struct {
	Status               models.RunStatus
	Graph                graphbuilder.Stats
	DLQEntries           map[string][]string
	StarvedRelationships []string
}

// Orchestrator owns the boot, idle-detection, and shutdown sequence for one
// run. It does not itself know how to analyze a file or resolve a
// relationship — that lives in the Capability each Binding wraps.
type Orchestrator struct {
	db         *database.DB
	bindings   []Binding
	publisher  *outbox.Publisher
	outboxRepo repositories.OutboxRepository
	relRepo    repositories.RelationshipRepository
	builder    *graphbuilder.Builder
	incidents  audit.Recorder

	pollInterval        time.Duration
	stabilizationWindow time.Duration

	logger *zap.Logger

	haltMu  sync.Mutex
	haltErr error
}

// New returns an Orchestrator wired to already-constructed dependencies.
// pollInterval governs how often idleness is sampled; stabilizationWindow
// is how long that sample must stay at zero before a run is declared
// complete, guarding against a race between a worker's last enqueue and the
// outbox publisher's next poll.
func New(
	db *database.DB,
	bindings []Binding,
	publisher *outbox.Publisher,
	outboxRepo repositories.OutboxRepository,
	relRepo repositories.RelationshipRepository,
	builder *graphbuilder.Builder,
	incidents audit.Recorder,
	pollInterval, stabilizationWindow time.Duration,
	logger *zap.Logger,
) *Orchestrator {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if stabilizationWindow <= 0 {
		stabilizationWindow = 10 * time.Second
	}
	return &Orchestrator{
		db:                  db,
		bindings:            bindings,
		publisher:           publisher,
		outboxRepo:          outboxRepo,
		relRepo:             relRepo,
		builder:             builder,
		incidents:           incidents,
		pollInterval:        pollInterval,
		stabilizationWindow: stabilizationWindow,
		logger:              logger.Named("orchestrator"),
	}
}

// Run processes runID's job graph to completion (or to a halting logical
// error), builds the graph from whatever relationships validated, and
// returns the terminal status. It returns once the run is fully settled;
// callers that need a deadline should derive ctx with a timeout.
func (o *Orchestrator) Run(ctx context.Context, runID string) (*RunResult, error) {
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := o.publisher.Run(workCtx); err != nil && err != context.Canceled {
			o.logger.Warn("outbox publisher stopped", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.maintenanceLoop(workCtx)
	}()

	for _, b := range o.bindings {
		for i := 0; i < b.Concurrency; i++ {
			wg.Add(1)
			go func(b Binding) {
				defer wg.Done()
				o.consumeLoop(workCtx, runID, b)
			}(b)
		}
	}

	o.waitForIdle(workCtx, runID)
	cancelWork()
	wg.Wait()

	return o.finalize(ctx, runID)
}

// consumeLoop repeatedly pulls one task at a time off b.Queue and routes it
// through b.Capability, deciding Ack/Nack/Dead from the pipeline.Error
// taxonomy. A KindLogical failure halts the whole run: it indicates a
// violated invariant, not a job worth retrying or quietly dropping.
func (o *Orchestrator) consumeLoop(ctx context.Context, runID string, b Binding) {
	for {
		if ctx.Err() != nil {
			return
		}

		task, raw, err := b.Queue.Consume(ctx, consumeTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("consume failed", zap.String("queue", b.Name), zap.Error(err))
			continue
		}
		if task == nil {
			continue // timed out waiting for work
		}

		jobErr := b.Capability.ProcessJob(ctx, task.RunID, task.Payload)
		o.handleResult(ctx, b, task, raw, jobErr)
	}
}

func (o *Orchestrator) handleResult(ctx context.Context, b Binding, task *queue.Task, raw string, jobErr error) {
	if jobErr == nil {
		if err := b.Queue.Ack(ctx, raw); err != nil {
			o.logger.Error("ack failed", zap.String("queue", b.Name), zap.Error(err))
		}
		return
	}

	pErr, ok := pipeline.AsError(jobErr)
	if !ok {
		pErr = pipeline.Transient(b.Name, "unclassified error", jobErr)
	}

	switch pErr.Kind {
	case pipeline.KindTransient:
		if task.Attempts+1 >= maxAttempts {
			o.deadLetter(ctx, b, raw, pErr)
			return
		}
		if err := b.Queue.Nack(ctx, raw, backoffDelay(task.Attempts)); err != nil {
			o.logger.Error("nack failed", zap.String("queue", b.Name), zap.Error(err))
		}

	case pipeline.KindPermanent:
		o.deadLetter(ctx, b, raw, pErr)

	case pipeline.KindLogical:
		o.deadLetter(ctx, b, raw, pErr)
		o.halt(fmt.Errorf("%s: %w", b.Name, pErr))

	default:
		// KindConflict is a terminal relationship outcome, not a job
		// failure — ReconciliationWorker never returns it from ProcessJob.
		o.deadLetter(ctx, b, raw, pErr)
	}
}

func (o *Orchestrator) deadLetter(ctx context.Context, b Binding, raw string, pErr *pipeline.Error) {
	if err := b.Queue.Dead(ctx, raw); err != nil {
		o.logger.Error("dead-letter failed", zap.String("queue", b.Name), zap.Error(err))
	}
	o.recordIncident(ctx, pErr)
}

func (o *Orchestrator) recordIncident(ctx context.Context, pErr *pipeline.Error) {
	if o.incidents == nil {
		return
	}
	severity := audit.SeverityError
	kind := audit.KindPermanentFailure
	switch pErr.Kind {
	case pipeline.KindTransient:
		kind = audit.KindTransientRetryExhausted
	case pipeline.KindLogical:
		severity = audit.SeverityCritical
		kind = audit.KindLogicalInconsistency
	}

	scope, err := database.AcquireTxScope(ctx, o.db)
	if err != nil {
		o.logger.Error("acquire tx scope for incident", zap.Error(err))
		return
	}
	defer scope.Close(ctx)
	if err := scope.Begin(ctx); err != nil {
		o.logger.Error("begin tx for incident", zap.Error(err))
		return
	}
	txCtx := database.SetTxScope(ctx, scope)

	_ = o.incidents.Record(txCtx, audit.Incident{
		Severity:  severity,
		Kind:      kind,
		Component: pErr.Component,
		Message:   pErr.Message,
	})
	if err := scope.Commit(ctx); err != nil {
		o.logger.Error("commit incident", zap.Error(err))
	}
}

func (o *Orchestrator) halt(err error) {
	o.haltMu.Lock()
	defer o.haltMu.Unlock()
	if o.haltErr == nil {
		o.haltErr = err
		o.logger.Error("run halted on logical inconsistency", zap.Error(err))
	}
}

func (o *Orchestrator) halted() error {
	o.haltMu.Lock()
	defer o.haltMu.Unlock()
	return o.haltErr
}

// maintenanceLoop drives each queue's delayed-retry promotion and
// stuck-job reaping on the poll interval. Without it, a nacked task would
// sit in the delayed set forever and a dead worker's in-flight task would
// never be reclaimed.
func (o *Orchestrator) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, b := range o.bindings {
			if _, err := b.Queue.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("promote delayed failed", zap.String("queue", b.Name), zap.Error(err))
			}
			if n, err := b.Queue.ReapExpired(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("reap expired failed", zap.String("queue", b.Name), zap.Error(err))
			} else if n > 0 {
				o.logger.Warn("reclaimed stuck jobs", zap.String("queue", b.Name), zap.Int("count", n))
			}
		}
	}
}

// waitForIdle polls every queue's depth and in-flight count plus the
// outbox's pending row count for runID, and returns once that observation
// has been zero continuously for the stabilization window — or returns
// immediately if the run has halted. This is an approximation of exact
// job-graph completion, sanctioned for exactly this reason: walking the
// manifest's job ids against real-time queue state would otherwise race
// the outbox publisher's own poll cycle.
func (o *Orchestrator) waitForIdle(ctx context.Context, runID string) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	var idleSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if o.halted() != nil {
			return
		}

		idle, err := o.isIdle(ctx, runID)
		if err != nil {
			o.logger.Warn("idle check failed", zap.Error(err))
			idleSince = time.Time{}
			continue
		}

		if !idle {
			idleSince = time.Time{}
			continue
		}
		if idleSince.IsZero() {
			idleSince = time.Now()
			continue
		}
		if time.Since(idleSince) >= o.stabilizationWindow {
			return
		}
	}
}

func (o *Orchestrator) isIdle(ctx context.Context, runID string) (bool, error) {
	for _, b := range o.bindings {
		depth, err := b.Queue.Depth(ctx)
		if err != nil {
			return false, fmt.Errorf("depth %s: %w", b.Name, err)
		}
		if depth > 0 {
			return false, nil
		}
		inFlight, err := b.Queue.InFlight(ctx)
		if err != nil {
			return false, fmt.Errorf("in-flight %s: %w", b.Name, err)
		}
		if inFlight > 0 {
			return false, nil
		}
		delayed, err := b.Queue.Pending(ctx)
		if err != nil {
			return false, fmt.Errorf("delayed %s: %w", b.Name, err)
		}
		if delayed > 0 {
			return false, nil
		}
	}

	pending, err := o.countPendingOutbox(ctx, runID)
	if err != nil {
		return false, err
	}
	return pending == 0, nil
}

func (o *Orchestrator) countPendingOutbox(ctx context.Context, runID string) (int, error) {
	scope, err := database.AcquireTxScope(ctx, o.db)
	if err != nil {
		return 0, fmt.Errorf("acquire tx scope: %w", err)
	}
	defer scope.Close(ctx)
	readCtx := database.SetTxScope(ctx, scope)
	return o.outboxRepo.CountPending(readCtx, runID)
}

// finalize builds the graph (unless the run halted before reaching a
// stable state), collects DLQ contents and starved relationships, and
// decides the terminal RunStatus:
//
//   - FAILED: a KindLogical error halted the run before it ever reached a
//     settled state. No graph is built, since the job graph itself may be
//     incomplete or inconsistent.
//   - PARTIAL: the run settled and a graph was built, but either some jobs
//     ended in the DLQ, some relationships never accumulated their full
//     expected evidence (a starved relationship), or the graph build
//     itself hit an error after writing some batches.
//   - SUCCESS: the run settled, the graph was built, and neither DLQ nor
//     starved relationships are non-empty.
func (o *Orchestrator) finalize(ctx context.Context, runID string) (*RunResult, error) {
	result := &RunResult{DLQEntries: make(map[string][]string)}

	if haltErr := o.halted(); haltErr != nil {
		result.Status = models.RunStatusFailed
		return result, nil
	}

	stats, buildErr := o.builder.Build(ctx, runID)
	result.Graph = stats
	if buildErr != nil {
		o.logger.Error("graph build failed", zap.Error(buildErr))
		o.recordIncident(ctx, pipeline.Permanent("graphbuilder", "graph build failed", buildErr))
	}

	dlqNonEmpty := false
	for _, b := range o.bindings {
		entries, err := b.Queue.DLQEntries(ctx)
		if err != nil {
			return nil, fmt.Errorf("dlq entries %s: %w", b.Name, err)
		}
		if len(entries) > 0 {
			result.DLQEntries[b.Name] = entries
			dlqNonEmpty = true
		}
	}

	starved, err := o.listStarved(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list starved relationships: %w", err)
	}
	result.StarvedRelationships = starved

	switch {
	case buildErr != nil, dlqNonEmpty, len(starved) > 0:
		result.Status = models.RunStatusPartial
	default:
		result.Status = models.RunStatusSuccess
	}

	o.logger.Info("run finalized",
		zap.String("runId", runID),
		zap.String("status", string(result.Status)),
		zap.Int("nodes", result.Graph.Nodes),
		zap.Int("edges", result.Graph.Edges),
		zap.Int("starved", len(starved)),
	)
	return result, nil
}

func (o *Orchestrator) listStarved(ctx context.Context, runID string) ([]string, error) {
	scope, err := database.AcquireTxScope(ctx, o.db)
	if err != nil {
		return nil, fmt.Errorf("acquire tx scope: %w", err)
	}
	defer scope.Close(ctx)
	readCtx := database.SetTxScope(ctx, scope)

	pending, err := o.relRepo.ListPending(readCtx, runID)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(pending))
	for _, rel := range pending {
		out = append(out, rel.RelationshipHash)
	}
	return out, nil
}
