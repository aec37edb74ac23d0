package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coglabs/ctengine/pkg/apperrors"
	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/models"
)

// OutboxRepository is the sole read/write path into the outbox table.
// TransactionalOutboxPublisher is the only component that ever transitions
// a row out of PENDING; every other writer (workers producing jobs) only
// ever inserts new PENDING rows, in the same transaction as the RS state
// that justified them.
type OutboxRepository interface {
	Insert(ctx context.Context, entry *models.OutboxEntry) (int64, error)
	// ClaimPending returns up to limit PENDING rows in strict ascending id
	// order, locking them (FOR UPDATE SKIP LOCKED) so two publisher
	// instances never claim the same row.
	ClaimPending(ctx context.Context, limit int) ([]*models.OutboxEntry, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	Get(ctx context.Context, id int64) (*models.OutboxEntry, error)
	// DeleteOlderThanPublished deletes PUBLISHED rows with id <= beforeID,
	// used only by the on-demand retention component — never on the main
	// publish path.
	DeleteOlderThanPublished(ctx context.Context, beforeID int64) (int64, error)
	// MaxPublishedIDBefore returns the largest id among PUBLISHED rows with
	// published_at < cutoff, and false if none exist. The retention
	// component uses this to turn a time-based policy into the id-based
	// cutoff DeleteOlderThanPublished expects.
	MaxPublishedIDBefore(ctx context.Context, cutoff time.Time) (int64, bool, error)
	// CountPending reports how many PENDING rows remain for runID, one of
	// Orchestrator's three completion conditions.
	CountPending(ctx context.Context, runID string) (int, error)
}

type outboxRepository struct{}

// NewOutboxRepository returns the default OutboxRepository implementation.
func NewOutboxRepository() OutboxRepository {
	return &outboxRepository{}
}

var _ OutboxRepository = (*outboxRepository)(nil)

func (r *outboxRepository) Insert(ctx context.Context, entry *models.OutboxEntry) (int64, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tx scope in context")
	}

	var id int64
	err := scope.Conn.QueryRow(ctx, `
		INSERT INTO outbox (run_id, queue_name, payload, status)
		VALUES ($1, $2, $3, 'PENDING')
		RETURNING id
	`, entry.RunID, entry.QueueName, []byte(entry.Payload)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert outbox entry: %w", err)
	}
	return id, nil
}

func (r *outboxRepository) ClaimPending(ctx context.Context, limit int) ([]*models.OutboxEntry, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tx scope in context")
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, run_id, queue_name, payload, status, attempts, COALESCE(last_error, ''), created_at, published_at
		FROM outbox
		WHERE status = 'PENDING'
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending outbox entries: %w", err)
	}
	defer rows.Close()

	var out []*models.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id int64) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no tx scope in context")
	}

	_, err := scope.Conn.Exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no tx scope in context")
	}

	_, err := scope.Conn.Exec(ctx, `
		UPDATE outbox SET status = 'FAILED', attempts = attempts + 1, last_error = $1 WHERE id = $2
	`, reason, id)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

func (r *outboxRepository) Get(ctx context.Context, id int64) (*models.OutboxEntry, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tx scope in context")
	}

	row := scope.Conn.QueryRow(ctx, `
		SELECT id, run_id, queue_name, payload, status, attempts, COALESCE(last_error, ''), created_at, published_at
		FROM outbox WHERE id = $1
	`, id)

	entry, err := scanOutboxEntry(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get outbox entry: %w", err)
	}
	return entry, nil
}

func (r *outboxRepository) DeleteOlderThanPublished(ctx context.Context, beforeID int64) (int64, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tx scope in context")
	}

	tag, err := scope.Conn.Exec(ctx, `
		DELETE FROM outbox WHERE status = 'PUBLISHED' AND id <= $1
	`, beforeID)
	if err != nil {
		return 0, fmt.Errorf("delete published outbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *outboxRepository) MaxPublishedIDBefore(ctx context.Context, cutoff time.Time) (int64, bool, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return 0, false, fmt.Errorf("no tx scope in context")
	}

	var id *int64
	err := scope.Conn.QueryRow(ctx, `
		SELECT MAX(id) FROM outbox WHERE status = 'PUBLISHED' AND published_at < $1
	`, cutoff).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("max published id before cutoff: %w", err)
	}
	if id == nil {
		return 0, false, nil
	}
	return *id, true, nil
}

func (r *outboxRepository) CountPending(ctx context.Context, runID string) (int, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tx scope in context")
	}

	var count int
	err := scope.Conn.QueryRow(ctx, `
		SELECT count(*) FROM outbox WHERE run_id = $1 AND status = 'PENDING'
	`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox entries: %w", err)
	}
	return count, nil
}

func scanOutboxEntry(row rowScanner) (*models.OutboxEntry, error) {
	var e models.OutboxEntry
	var status string
	var payload []byte
	if err := row.Scan(&e.ID, &e.RunID, &e.QueueName, &payload, &status, &e.Attempts, &e.LastError, &e.CreatedAt, &e.PublishedAt); err != nil {
		return nil, err
	}
	e.Status = models.OutboxStatus(status)
	e.Payload = json.RawMessage(payload)
	return &e, nil
}
