package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/coglabs/ctengine/pkg/apperrors"
	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/models"
)

// FileRepository persists the files Scout discovers under the run root.
type FileRepository interface {
	Insert(ctx context.Context, f *models.File) error
	GetByPath(ctx context.Context, runID, path string) (*models.File, error)
	ListByRun(ctx context.Context, runID string) ([]*models.File, error)
	ListByDirectory(ctx context.Context, runID, directory string) ([]*models.File, error)
	CountByRun(ctx context.Context, runID string) (int, error)
	MarkAnalyzed(ctx context.Context, runID, fileID string) error
}

type fileRepository struct{}

// NewFileRepository returns the default FileRepository implementation.
func NewFileRepository() FileRepository {
	return &fileRepository{}
}

var _ FileRepository = (*fileRepository)(nil)

func (r *fileRepository) Insert(ctx context.Context, f *models.File) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no tx scope in context")
	}

	_, err := scope.Conn.Exec(ctx, `
		INSERT INTO files (id, run_id, path, directory, language, special_type, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, f.ID, f.RunID, f.Path, f.Directory, nullableString(f.Language), nullableString(f.SpecialType), nullableString(f.ContentHash))
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (r *fileRepository) GetByPath(ctx context.Context, runID, path string) (*models.File, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tx scope in context")
	}

	row := scope.Conn.QueryRow(ctx, `
		SELECT id, run_id, path, directory, COALESCE(language, ''), COALESCE(special_type, ''), COALESCE(content_hash, ''), status, created_at
		FROM files WHERE run_id = $1 AND path = $2
	`, runID, path)

	var f models.File
	if err := row.Scan(&f.ID, &f.RunID, &f.Path, &f.Directory, &f.Language, &f.SpecialType, &f.ContentHash, &f.Status, &f.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get file by path: %w", err)
	}
	return &f, nil
}

func (r *fileRepository) ListByRun(ctx context.Context, runID string) ([]*models.File, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tx scope in context")
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, run_id, path, directory, COALESCE(language, ''), COALESCE(special_type, ''), COALESCE(content_hash, ''), status, created_at
		FROM files WHERE run_id = $1 ORDER BY path
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list files by run: %w", err)
	}
	defer rows.Close()

	return scanFiles(rows)
}

func (r *fileRepository) ListByDirectory(ctx context.Context, runID, directory string) ([]*models.File, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tx scope in context")
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, run_id, path, directory, COALESCE(language, ''), COALESCE(special_type, ''), COALESCE(content_hash, ''), status, created_at
		FROM files WHERE run_id = $1 AND directory = $2 ORDER BY path
	`, runID, directory)
	if err != nil {
		return nil, fmt.Errorf("list files by directory: %w", err)
	}
	defer rows.Close()

	return scanFiles(rows)
}

func (r *fileRepository) CountByRun(ctx context.Context, runID string) (int, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tx scope in context")
	}

	var count int
	err := scope.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM files WHERE run_id = $1`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count files by run: %w", err)
	}
	return count, nil
}

// MarkAnalyzed advances a file to ANALYZED once its file-analysis finding
// has committed.
func (r *fileRepository) MarkAnalyzed(ctx context.Context, runID, fileID string) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no tx scope in context")
	}

	_, err := scope.Conn.Exec(ctx, `
		UPDATE files SET status = 'ANALYZED' WHERE run_id = $1 AND id = $2
	`, runID, fileID)
	if err != nil {
		return fmt.Errorf("mark file analyzed: %w", err)
	}
	return nil
}

func scanFiles(rows pgx.Rows) ([]*models.File, error) {
	var out []*models.File
	for rows.Next() {
		var f models.File
		if err := rows.Scan(&f.ID, &f.RunID, &f.Path, &f.Directory, &f.Language, &f.SpecialType, &f.ContentHash, &f.Status, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
