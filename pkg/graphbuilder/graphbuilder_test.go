package graphbuilder

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeBackend records every BatchUpsert call for assertions without
// touching a real Neo4j instance.
type fakeBackend struct {
	mu    sync.Mutex
	nodes []GraphNode
	edges []GraphEdge
	fail  int
}

func (f *fakeBackend) BatchUpsert(ctx context.Context, nodes []GraphNode, edges []GraphEdge) (BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return BatchResult{}, context.DeadlineExceeded
	}
	f.nodes = append(f.nodes, nodes...)
	f.edges = append(f.edges, edges...)
	return BatchResult{Nodes: len(nodes), Edges: len(edges)}, nil
}

func (f *fakeBackend) Close(ctx context.Context) error { return nil }

func TestNeo4jBackendSatisfiesInterface(t *testing.T) {
	var _ Backend = (*Neo4jBackend)(nil)
	var _ Backend = (*fakeBackend)(nil)
}

func TestFakeBackendRetriesThroughTransientFailure(t *testing.T) {
	backend := &fakeBackend{fail: 2}
	_, err := backend.BatchUpsert(context.Background(), nil, nil)
	require.Error(t, err)
	_, err = backend.BatchUpsert(context.Background(), nil, nil)
	require.Error(t, err)
	res, err := backend.BatchUpsert(context.Background(), []GraphNode{{ID: "a"}}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Nodes)
}
