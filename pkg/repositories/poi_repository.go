package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coglabs/ctengine/pkg/apperrors"
	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/models"
)

// POIRepository persists points of interest extracted from files.
type POIRepository interface {
	Insert(ctx context.Context, p *models.POI) error
	GetByID(ctx context.Context, runID, id string) (*models.POI, error)
	GetByQualifiedName(ctx context.Context, runID, qualifiedName string) (*models.POI, error)
	ListByFile(ctx context.Context, runID, fileID string) ([]*models.POI, error)
	ListByRun(ctx context.Context, runID string) ([]*models.POI, error)
}

type poiRepository struct{}

// NewPOIRepository returns the default POIRepository implementation.
func NewPOIRepository() POIRepository {
	return &poiRepository{}
}

var _ POIRepository = (*poiRepository)(nil)

func (r *poiRepository) Insert(ctx context.Context, p *models.POI) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no tx scope in context")
	}

	_, err := scope.Conn.Exec(ctx, `
		INSERT INTO pois (id, run_id, file_id, qualified_name, name, kind, start_line, end_line, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.RunID, p.FileID, p.QualifiedName, p.Name, string(p.Kind), p.StartLine, p.EndLine, string(p.Source))
	if err != nil {
		var pgErr *pgconn.PgError
		if asPgError(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrDuplicateQualifiedName
		}
		return fmt.Errorf("insert poi: %w", err)
	}
	return nil
}

func (r *poiRepository) GetByQualifiedName(ctx context.Context, runID, qualifiedName string) (*models.POI, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tx scope in context")
	}

	row := scope.Conn.QueryRow(ctx, `
		SELECT id, run_id, file_id, qualified_name, name, kind, start_line, end_line, source, created_at
		FROM pois WHERE run_id = $1 AND qualified_name = $2
	`, runID, qualifiedName)

	p, err := scanPOI(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get poi by qualified name: %w", err)
	}
	return p, nil
}

func (r *poiRepository) GetByID(ctx context.Context, runID, id string) (*models.POI, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tx scope in context")
	}

	row := scope.Conn.QueryRow(ctx, `
		SELECT id, run_id, file_id, qualified_name, name, kind, start_line, end_line, source, created_at
		FROM pois WHERE run_id = $1 AND id = $2
	`, runID, id)

	p, err := scanPOI(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get poi by id: %w", err)
	}
	return p, nil
}

func (r *poiRepository) ListByFile(ctx context.Context, runID, fileID string) ([]*models.POI, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tx scope in context")
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, run_id, file_id, qualified_name, name, kind, start_line, end_line, source, created_at
		FROM pois WHERE run_id = $1 AND file_id = $2 ORDER BY start_line
	`, runID, fileID)
	if err != nil {
		return nil, fmt.Errorf("list pois by file: %w", err)
	}
	defer rows.Close()

	return scanPOIs(rows)
}

func (r *poiRepository) ListByRun(ctx context.Context, runID string) ([]*models.POI, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tx scope in context")
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, run_id, file_id, qualified_name, name, kind, start_line, end_line, source, created_at
		FROM pois WHERE run_id = $1 ORDER BY qualified_name
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list pois by run: %w", err)
	}
	defer rows.Close()

	return scanPOIs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPOI(row rowScanner) (*models.POI, error) {
	var p models.POI
	var kind, source string
	if err := row.Scan(&p.ID, &p.RunID, &p.FileID, &p.QualifiedName, &p.Name, &kind, &p.StartLine, &p.EndLine, &source, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Kind = models.POIKind(kind)
	p.Source = models.POISource(source)
	return &p, nil
}

func scanPOIs(rows pgx.Rows) ([]*models.POI, error) {
	var out []*models.POI
	for rows.Next() {
		p, err := scanPOI(rows)
		if err != nil {
			return nil, fmt.Errorf("scan poi: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func asPgError(err error, target **pgconn.PgError) bool {
	pgErr, ok := err.(*pgconn.PgError)
	if ok {
		*target = pgErr
	}
	return ok
}
