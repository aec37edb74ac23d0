package repositories

import (
	"context"
	"fmt"

	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/models"
)

// EvidenceRepository persists the durable record of evidence votes in RS;
// ReconciliationWorker folds over the rows ListByHash returns. KV holds only
// the per-hash vote counter used for coordination.
type EvidenceRepository interface {
	Insert(ctx context.Context, e *models.RelationshipEvidence) error
	ListByHash(ctx context.Context, runID, hash string) ([]models.RelationshipEvidence, error)
}

type evidenceRepository struct{}

// NewEvidenceRepository returns the default EvidenceRepository implementation.
func NewEvidenceRepository() EvidenceRepository {
	return &evidenceRepository{}
}

var _ EvidenceRepository = (*evidenceRepository)(nil)

func (r *evidenceRepository) Insert(ctx context.Context, e *models.RelationshipEvidence) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no tx scope in context")
	}

	_, err := scope.Conn.Exec(ctx, `
		INSERT INTO relationship_evidence (run_id, relationship_hash, source_worker, vote, llm_probability, reasoning_snippet)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.RunID, e.RelationshipHash, e.SourceWorker, string(e.Vote), e.LLMProbability, nullableString(e.ReasoningSnippet))
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

func (r *evidenceRepository) ListByHash(ctx context.Context, runID, hash string) ([]models.RelationshipEvidence, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tx scope in context")
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, run_id, relationship_hash, source_worker, vote, llm_probability, COALESCE(reasoning_snippet, ''), created_at
		FROM relationship_evidence
		WHERE run_id = $1 AND relationship_hash = $2
		ORDER BY id
	`, runID, hash)
	if err != nil {
		return nil, fmt.Errorf("list evidence by hash: %w", err)
	}
	defer rows.Close()

	var out []models.RelationshipEvidence
	for rows.Next() {
		var e models.RelationshipEvidence
		var vote string
		if err := rows.Scan(&e.ID, &e.RunID, &e.RelationshipHash, &e.SourceWorker, &vote, &e.LLMProbability, &e.ReasoningSnippet, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		e.Vote = models.EvidenceVote(vote)
		out = append(out, e)
	}
	return out, rows.Err()
}
