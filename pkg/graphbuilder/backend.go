// Package graphbuilder streams VALIDATED relationships out of RS and writes
// them into the external graph store as POI nodes and typed edges, the way
// the pack's coderisk graph builder streams commits/PRs out of Postgres into
// Neo4j in batches rather than row by row.
package graphbuilder

import "context"

// GraphNode is one node to upsert into the graph store.
type GraphNode struct {
	Label      string
	ID         string
	Properties map[string]any
}

// GraphEdge is one directed edge to upsert into the graph store.
type GraphEdge struct {
	Label      string
	From       string
	To         string
	Properties map[string]any
}

// BatchResult reports how many nodes/edges a single BatchUpsert call wrote.
type BatchResult struct {
	Nodes int
	Edges int
}

// Backend is the graph store driver interface. Neo4jBackend is the only
// implementation; tests use an in-memory fake.
type Backend interface {
	BatchUpsert(ctx context.Context, nodes []GraphNode, edges []GraphEdge) (BatchResult, error)
	Close(ctx context.Context) error
}
