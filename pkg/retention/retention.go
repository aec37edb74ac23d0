// Package retention prunes PUBLISHED outbox rows once they are old enough
// that no consumer could still need them for an at-least-once redelivery
// investigation.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/repositories"
)

// DefaultRetentionWindow mirrors how long a PUBLISHED outbox row is kept
// around for incident investigation before being eligible for deletion.
const DefaultRetentionWindow = 7 * 24 * time.Hour

// Retention prunes PUBLISHED outbox entries older than a retention window.
type Retention interface {
	// Prune deletes PUBLISHED outbox rows older than window and returns how
	// many rows were removed.
	Prune(ctx context.Context, window time.Duration) (int64, error)

	// RunScheduler starts a background goroutine that prunes on the given
	// interval, using DefaultRetentionWindow. It runs once immediately, then
	// repeats until ctx is cancelled.
	RunScheduler(ctx context.Context, interval time.Duration)
}

type retention struct {
	db         *database.DB
	outboxRepo repositories.OutboxRepository
	logger     *zap.Logger
}

// New returns a Retention.
func New(db *database.DB, outboxRepo repositories.OutboxRepository, logger *zap.Logger) Retention {
	return &retention{db: db, outboxRepo: outboxRepo, logger: logger.Named("retention")}
}

var _ Retention = (*retention)(nil)

func (r *retention) Prune(ctx context.Context, window time.Duration) (int64, error) {
	if window <= 0 {
		window = DefaultRetentionWindow
	}
	cutoff := time.Now().Add(-window)

	scope, err := database.AcquireTxScope(ctx, r.db)
	if err != nil {
		return 0, fmt.Errorf("acquire tx scope: %w", err)
	}
	defer scope.Close(ctx)

	if err := scope.Begin(ctx); err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	txCtx := database.SetTxScope(ctx, scope)

	beforeID, ok, err := r.outboxRepo.MaxPublishedIDBefore(txCtx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find published cutoff id: %w", err)
	}
	if !ok {
		return 0, scope.Commit(ctx)
	}

	deleted, err := r.outboxRepo.DeleteOlderThanPublished(txCtx, beforeID)
	if err != nil {
		return 0, fmt.Errorf("delete older than published: %w", err)
	}

	if err := scope.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	if deleted > 0 {
		r.logger.Info("pruned published outbox entries", zap.Int64("deleted", deleted), zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}

func (r *retention) RunScheduler(ctx context.Context, interval time.Duration) {
	go func() {
		r.logger.Info("retention scheduler started", zap.Duration("interval", interval))

		if _, err := r.Prune(ctx, DefaultRetentionWindow); err != nil {
			r.logger.Error("retention scheduler: initial prune failed", zap.Error(err))
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("retention scheduler stopped")
				return
			case <-ticker.C:
				if _, err := r.Prune(ctx, DefaultRetentionWindow); err != nil {
					r.logger.Error("retention scheduler: prune failed", zap.Error(err))
				}
			}
		}
	}()
}
