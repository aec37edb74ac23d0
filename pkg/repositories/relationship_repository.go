package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/coglabs/ctengine/pkg/apperrors"
	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/models"
)

// RelationshipRepository persists candidate and reconciled relationships.
type RelationshipRepository interface {
	Upsert(ctx context.Context, rel *models.Relationship) error
	GetByHash(ctx context.Context, runID, hash string) (*models.Relationship, error)
	UpdateStatus(ctx context.Context, runID, hash string, status models.RelationshipStatus, score float64, hasConflict bool) error
	// StreamValidated returns VALIDATED relationships with id > afterID, up
	// to limit rows, ordered by id — the cursor GraphBuilder streams over.
	StreamValidated(ctx context.Context, runID string, afterID string, limit int) ([]*models.Relationship, error)
	// ListPending returns every relationship still in PENDING_VALIDATION
	// for runID. Once the pipeline has gone idle, any row still here never
	// received enough evidence to reconcile — a starved relationship.
	ListPending(ctx context.Context, runID string) ([]*models.Relationship, error)
}

type relationshipRepository struct{}

// NewRelationshipRepository returns the default RelationshipRepository implementation.
func NewRelationshipRepository() RelationshipRepository {
	return &relationshipRepository{}
}

var _ RelationshipRepository = (*relationshipRepository)(nil)

func (r *relationshipRepository) Upsert(ctx context.Context, rel *models.Relationship) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no tx scope in context")
	}

	_, err := scope.Conn.Exec(ctx, `
		INSERT INTO relationships (id, run_id, relationship_hash, source_poi_id, target_poi_id, type, status, parse_status, confidence_score, has_conflict)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, relationship_hash) DO NOTHING
	`, rel.ID, rel.RunID, rel.RelationshipHash, rel.SourcePOIID, rel.TargetPOIID, string(rel.Type), string(rel.Status), string(rel.ParseStatusOrDefault()), rel.ConfidenceScore, rel.HasConflict)
	if err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}

func (r *relationshipRepository) GetByHash(ctx context.Context, runID, hash string) (*models.Relationship, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tx scope in context")
	}

	row := scope.Conn.QueryRow(ctx, `
		SELECT id, run_id, relationship_hash, source_poi_id, target_poi_id, type, status, parse_status, confidence_score, has_conflict, created_at, updated_at
		FROM relationships WHERE run_id = $1 AND relationship_hash = $2
	`, runID, hash)

	rel, err := scanRelationship(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get relationship by hash: %w", err)
	}
	return rel, nil
}

// UpdateStatus performs the one-way PENDING_VALIDATION -> terminal status
// transition. It only writes when the relationship is still
// PENDING_VALIDATION, so a late-arriving duplicate reconciliation attempt
// cannot clobber an already-terminal row.
func (r *relationshipRepository) UpdateStatus(ctx context.Context, runID, hash string, status models.RelationshipStatus, score float64, hasConflict bool) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no tx scope in context")
	}

	tag, err := scope.Conn.Exec(ctx, `
		UPDATE relationships
		SET status = $1, confidence_score = $2, has_conflict = $3, updated_at = now()
		WHERE run_id = $4 AND relationship_hash = $5 AND status = 'PENDING_VALIDATION'
	`, string(status), score, hasConflict, runID, hash)
	if err != nil {
		return fmt.Errorf("update relationship status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrConflict
	}
	return nil
}

func (r *relationshipRepository) StreamValidated(ctx context.Context, runID string, afterID string, limit int) ([]*models.Relationship, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tx scope in context")
	}

	cursor := afterID
	if cursor == "" {
		cursor = "00000000-0000-0000-0000-000000000000"
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, run_id, relationship_hash, source_poi_id, target_poi_id, type, status, parse_status, confidence_score, has_conflict, created_at, updated_at
		FROM relationships
		WHERE run_id = $1 AND status = 'VALIDATED' AND id > $2
		ORDER BY id
		LIMIT $3
	`, runID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("stream validated relationships: %w", err)
	}
	defer rows.Close()

	var out []*models.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (r *relationshipRepository) ListPending(ctx context.Context, runID string) ([]*models.Relationship, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tx scope in context")
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, run_id, relationship_hash, source_poi_id, target_poi_id, type, status, parse_status, confidence_score, has_conflict, created_at, updated_at
		FROM relationships
		WHERE run_id = $1 AND status = 'PENDING_VALIDATION'
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list pending relationships: %w", err)
	}
	defer rows.Close()

	var out []*models.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func scanRelationship(row rowScanner) (*models.Relationship, error) {
	var rel models.Relationship
	var relType, status, parseStatus string
	if err := row.Scan(&rel.ID, &rel.RunID, &rel.RelationshipHash, &rel.SourcePOIID, &rel.TargetPOIID,
		&relType, &status, &parseStatus, &rel.ConfidenceScore, &rel.HasConflict, &rel.CreatedAt, &rel.UpdatedAt); err != nil {
		return nil, err
	}
	rel.Type = models.RelationshipType(relType)
	rel.Status = models.RelationshipStatus(status)
	rel.ParseStatus = models.ParseStatus(parseStatus)
	return &rel, nil
}
