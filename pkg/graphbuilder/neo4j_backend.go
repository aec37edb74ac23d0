package graphbuilder

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/config"
)

// Neo4jBackend writes nodes and edges through the official Bolt driver,
// using UNWIND-over-MERGE batch statements so one BatchUpsert call is a
// single round trip regardless of batch size.
type Neo4jBackend struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

// NewNeo4jBackend dials the configured Neo4j instance and verifies
// connectivity before returning.
func NewNeo4jBackend(ctx context.Context, cfg config.GraphStoreConfig, logger *zap.Logger) (*Neo4jBackend, error) {
	driver, err := neo4j.NewDriverWithContext(config.ResolveURLForDocker(cfg.URI), neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &Neo4jBackend{driver: driver, database: cfg.Database, logger: logger.Named("graphbuilder")}, nil
}

var _ Backend = (*Neo4jBackend)(nil)

// BatchUpsert implements Backend. Nodes of one run always carry the same
// "POI" label (edges carry the relationship type as their label), so a
// single MERGE statement per call is enough — unlike the multi-label
// commit/PR/developer graph this pattern is grounded on, this domain has
// exactly one node kind.
func (b *Neo4jBackend) BatchUpsert(ctx context.Context, nodes []GraphNode, edges []GraphEdge) (BatchResult, error) {
	session := b.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: b.database, AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		var res BatchResult
		if len(nodes) > 0 {
			rows := make([]map[string]any, 0, len(nodes))
			for _, n := range nodes {
				props := map[string]any{}
				for k, v := range n.Properties {
					props[k] = v
				}
				props["id"] = n.ID
				props["label"] = n.Label
				rows = append(rows, map[string]any{"id": n.ID, "props": props})
			}
			// Node properties are written on first create only; a node seen
			// again in a later batch (or a re-run) keeps what it has. Edges
			// below refresh their properties on every match instead, so a
			// re-reconciled confidence always wins.
			if _, err := tx.Run(ctx, `
				UNWIND $rows AS row
				MERGE (n:POI {id: row.id})
				ON CREATE SET n += row.props
			`, map[string]any{"rows": rows}); err != nil {
				return nil, fmt.Errorf("upsert nodes: %w", err)
			}
			res.Nodes = len(nodes)
		}

		if len(edges) > 0 {
			byLabel := make(map[string][]map[string]any)
			for _, e := range edges {
				byLabel[e.Label] = append(byLabel[e.Label], map[string]any{
					"from": e.From, "to": e.To, "props": e.Properties,
				})
			}
			for label, rows := range byLabel {
				query := fmt.Sprintf(`
					UNWIND $rows AS row
					MATCH (a:POI {id: row.from})
					MATCH (b:POI {id: row.to})
					MERGE (a)-[r:%s]->(b)
					SET r += row.props
				`, label)
				if _, err := tx.Run(ctx, query, map[string]any{"rows": rows}); err != nil {
					return nil, fmt.Errorf("upsert edges (%s): %w", label, err)
				}
			}
			res.Edges = len(edges)
		}

		return res, nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	return result.(BatchResult), nil
}

// Close implements Backend.
func (b *Neo4jBackend) Close(ctx context.Context) error {
	return b.driver.Close(ctx)
}
