package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coglabs/ctengine/pkg/audit"
	"github.com/coglabs/ctengine/pkg/database"
)

// IncidentRepository persists structured incident records and satisfies
// audit.Store so a LogRecorder can write through it.
type IncidentRepository interface {
	InsertIncident(ctx context.Context, inc audit.Incident) error
	ListByRun(ctx context.Context, runID string) ([]audit.Incident, error)
}

type incidentRepository struct{}

// NewIncidentRepository returns the default IncidentRepository implementation.
func NewIncidentRepository() IncidentRepository {
	return &incidentRepository{}
}

var (
	_ IncidentRepository = (*incidentRepository)(nil)
	_ audit.Store         = (*incidentRepository)(nil)
)

func (r *incidentRepository) InsertIncident(ctx context.Context, inc audit.Incident) error {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return fmt.Errorf("no tx scope in context")
	}

	detail, err := json.Marshal(inc.Detail)
	if err != nil {
		return fmt.Errorf("marshal incident detail: %w", err)
	}

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO incidents (run_id, severity, kind, component, message, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, nullableString(inc.RunID), string(inc.Severity), string(inc.Kind), inc.Component, inc.Message, detail)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

func (r *incidentRepository) ListByRun(ctx context.Context, runID string) ([]audit.Incident, error) {
	scope, ok := database.GetTxScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tx scope in context")
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT run_id, severity, kind, component, message, detail
		FROM incidents WHERE run_id = $1 ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list incidents by run: %w", err)
	}
	defer rows.Close()

	var out []audit.Incident
	for rows.Next() {
		var inc audit.Incident
		var severity, kind string
		var detailRaw []byte
		if err := rows.Scan(&inc.RunID, &severity, &kind, &inc.Component, &inc.Message, &detailRaw); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.Severity = audit.Severity(severity)
		inc.Kind = audit.Kind(kind)
		if len(detailRaw) > 0 {
			if err := json.Unmarshal(detailRaw, &inc.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal incident detail: %w", err)
			}
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
