package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(id, label, description string) *Node {
	return &Node{
		ID:     NodeID(id),
		Labels: []string{label},
		Properties: map[string]any{
			"description": description,
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func newTestEdge(id, from, to, edgeType string) *Edge {
	return &Edge{
		ID:        EdgeID(id),
		StartNode: NodeID(from),
		EndNode:   NodeID(to),
		Type:      edgeType,
		CreatedAt: time.Now(),
	}
}

// runEngineTests exercises the shared Engine contract against a fresh
// engine per subtest.
func runEngineTests(t *testing.T, newEngine func(t *testing.T) Engine) {
	t.Run("node lifecycle", func(t *testing.T) {
		engine := newEngine(t)

		node := newTestNode("idea-1", LabelIdea, "momentum rotation")
		require.NoError(t, engine.CreateNode(node))

		assert.ErrorIs(t, engine.CreateNode(node), ErrAlreadyExists)
		assert.ErrorIs(t, engine.CreateNode(&Node{ID: ""}), ErrInvalidID)
		assert.ErrorIs(t, engine.CreateNode(nil), ErrInvalidData)

		got, err := engine.GetNode("idea-1")
		require.NoError(t, err)
		assert.Equal(t, "momentum rotation", got.Properties["description"])

		got.TestCount = 7
		got.Properties["description"] = "mutated"
		fresh, err := engine.GetNode("idea-1")
		require.NoError(t, err)
		assert.Zero(t, fresh.TestCount)
		assert.Equal(t, "momentum rotation", fresh.Properties["description"])

		fresh.TestCount = 3
		fresh.TotalScore = 1.5
		require.NoError(t, engine.UpdateNode(fresh))
		updated, err := engine.GetNode("idea-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), updated.TestCount)
		assert.InDelta(t, 1.5, updated.TotalScore, 1e-12)

		assert.ErrorIs(t, engine.UpdateNode(newTestNode("ghost", LabelIdea, "x")), ErrNotFound)

		require.NoError(t, engine.DeleteNode("idea-1"))
		_, err = engine.GetNode("idea-1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, engine.DeleteNode("idea-1"), ErrNotFound)
	})

	t.Run("label lookup is case-insensitive", func(t *testing.T) {
		engine := newEngine(t)

		require.NoError(t, engine.CreateNode(newTestNode("idea-1", LabelIdea, "a")))
		require.NoError(t, engine.CreateNode(newTestNode("idea-2", "idea", "b")))
		require.NoError(t, engine.CreateNode(newTestNode("scn-1", LabelScenario, "c")))

		ideas, err := engine.GetNodesByLabel("IDEA")
		require.NoError(t, err)
		assert.Len(t, ideas, 2)
	})

	t.Run("edge schema enforcement", func(t *testing.T) {
		engine := newEngine(t)

		require.NoError(t, engine.CreateNode(newTestNode("idea-1", LabelIdea, "root")))
		require.NoError(t, engine.CreateNode(newTestNode("scn-1", LabelScenario, "child")))
		require.NoError(t, engine.CreateNode(newTestNode("ctx-1", LabelContext, "SPY 1d")))
		require.NoError(t, engine.CreateNode(newTestNode("bt-1", LabelBacktest, "")))

		t.Run("unknown relationship type", func(t *testing.T) {
			err := engine.CreateEdge(newTestEdge("e-x", "idea-1", "bt-1", "LIKES"))
			var cve *ConstraintViolationError
			require.ErrorAs(t, err, &cve)
			assert.Equal(t, "type", cve.Constraint)
		})

		t.Run("missing endpoint", func(t *testing.T) {
			err := engine.CreateEdge(newTestEdge("e-x", "idea-1", "ghost", EdgeTestedIn))
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("wrong endpoint label", func(t *testing.T) {
			err := engine.CreateEdge(newTestEdge("e-x", "ctx-1", "bt-1", EdgeTestedIn))
			var cve *ConstraintViolationError
			require.ErrorAs(t, err, &cve)
			assert.Equal(t, "endpoint", cve.Constraint)
		})

		t.Run("one incoming TESTED_IN per backtest", func(t *testing.T) {
			require.NoError(t, engine.CreateEdge(newTestEdge("e-1", "idea-1", "bt-1", EdgeTestedIn)))

			err := engine.CreateEdge(newTestEdge("e-2", "scn-1", "bt-1", EdgeTestedIn))
			var cve *ConstraintViolationError
			require.ErrorAs(t, err, &cve)
			assert.Equal(t, "cardinality", cve.Constraint)
		})

		t.Run("one outgoing EXECUTED_IN per backtest", func(t *testing.T) {
			require.NoError(t, engine.CreateNode(newTestNode("ctx-2", LabelContext, "QQQ 1h")))
			require.NoError(t, engine.CreateEdge(newTestEdge("e-3", "bt-1", "ctx-1", EdgeExecutedIn)))

			err := engine.CreateEdge(newTestEdge("e-4", "bt-1", "ctx-2", EdgeExecutedIn))
			var cve *ConstraintViolationError
			require.ErrorAs(t, err, &cve)
			assert.Equal(t, "cardinality", cve.Constraint)
		})

		t.Run("duplicate edge id", func(t *testing.T) {
			err := engine.CreateEdge(newTestEdge("e-1", "scn-1", "idea-1", EdgeSubideaOf))
			assert.ErrorIs(t, err, ErrAlreadyExists)
		})
	})

	t.Run("subidea forest stays acyclic", func(t *testing.T) {
		engine := newEngine(t)

		require.NoError(t, engine.CreateNode(newTestNode("idea-1", LabelIdea, "root")))
		for i := 1; i <= 3; i++ {
			require.NoError(t, engine.CreateNode(newTestNode(fmt.Sprintf("scn-%d", i), LabelScenario, "s")))
		}
		require.NoError(t, engine.CreateEdge(newTestEdge("e-1", "scn-1", "idea-1", EdgeSubideaOf)))
		require.NoError(t, engine.CreateEdge(newTestEdge("e-2", "scn-2", "scn-1", EdgeSubideaOf)))
		require.NoError(t, engine.CreateEdge(newTestEdge("e-3", "scn-3", "scn-2", EdgeSubideaOf)))

		t.Run("self parent", func(t *testing.T) {
			err := engine.CreateEdge(newTestEdge("e-x", "scn-3", "scn-3", EdgeSubideaOf))
			assert.ErrorIs(t, err, ErrCycle)
		})

		t.Run("ancestor as child", func(t *testing.T) {
			err := engine.CreateEdge(newTestEdge("e-x", "scn-1", "scn-3", EdgeSubideaOf))
			assert.ErrorIs(t, err, ErrCycle)
		})

		t.Run("single parent", func(t *testing.T) {
			err := engine.CreateEdge(newTestEdge("e-x", "scn-2", "idea-1", EdgeSubideaOf))
			var cve *ConstraintViolationError
			require.ErrorAs(t, err, &cve)
			assert.Equal(t, "cardinality", cve.Constraint)
		})
	})

	t.Run("delete node cascades edges", func(t *testing.T) {
		engine := newEngine(t)

		require.NoError(t, engine.CreateNode(newTestNode("idea-1", LabelIdea, "root")))
		require.NoError(t, engine.CreateNode(newTestNode("bt-1", LabelBacktest, "")))
		require.NoError(t, engine.CreateNode(newTestNode("ctx-1", LabelContext, "SPY 1d")))
		require.NoError(t, engine.CreateEdge(newTestEdge("e-1", "idea-1", "bt-1", EdgeTestedIn)))
		require.NoError(t, engine.CreateEdge(newTestEdge("e-2", "bt-1", "ctx-1", EdgeExecutedIn)))

		require.NoError(t, engine.DeleteNode("bt-1"))

		_, err := engine.GetEdge("e-1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = engine.GetEdge("e-2")
		assert.ErrorIs(t, err, ErrNotFound)

		out, err := engine.GetOutgoingEdges("idea-1")
		require.NoError(t, err)
		assert.Empty(t, out)
		in, err := engine.GetIncomingEdges("ctx-1")
		require.NoError(t, err)
		assert.Empty(t, in)

		edges, err := engine.EdgeCount()
		require.NoError(t, err)
		assert.Zero(t, edges)
	})

	t.Run("batch is atomic", func(t *testing.T) {
		engine := newEngine(t)

		require.NoError(t, engine.CreateNode(newTestNode("ctx-1", LabelContext, "SPY 1d")))

		t.Run("all or nothing", func(t *testing.T) {
			// The edge endpoint label is wrong, so the node creates must
			// not land either.
			err := engine.ApplyBatch(&Batch{
				CreateNodes: []*Node{newTestNode("bt-1", LabelBacktest, "")},
				CreateEdges: []*Edge{newTestEdge("e-1", "ctx-1", "bt-1", EdgeTestedIn)},
			})
			var cve *ConstraintViolationError
			require.ErrorAs(t, err, &cve)

			_, err = engine.GetNode("bt-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("created nodes visible to edge validation", func(t *testing.T) {
			require.NoError(t, engine.ApplyBatch(&Batch{
				CreateNodes: []*Node{
					newTestNode("idea-1", LabelIdea, "root"),
					newTestNode("bt-1", LabelBacktest, ""),
				},
				CreateEdges: []*Edge{
					newTestEdge("e-1", "idea-1", "bt-1", EdgeTestedIn),
					newTestEdge("e-2", "bt-1", "ctx-1", EdgeExecutedIn),
				},
			}))

			edge, err := engine.GetEdge("e-1")
			require.NoError(t, err)
			assert.Equal(t, EdgeTestedIn, edge.Type)
		})

		t.Run("update of batch-created node", func(t *testing.T) {
			bumped := newTestNode("idea-2", LabelIdea, "fresh")
			bumped.TestCount = 1
			require.NoError(t, engine.ApplyBatch(&Batch{
				CreateNodes: []*Node{newTestNode("idea-2", LabelIdea, "fresh")},
				UpdateNodes: []*Node{bumped},
			}))

			got, err := engine.GetNode("idea-2")
			require.NoError(t, err)
			assert.Equal(t, uint64(1), got.TestCount)
		})

		t.Run("empty batch is a no-op", func(t *testing.T) {
			assert.NoError(t, engine.ApplyBatch(&Batch{}))
		})
	})

	t.Run("batch reparent", func(t *testing.T) {
		engine := newEngine(t)

		require.NoError(t, engine.CreateNode(newTestNode("idea-1", LabelIdea, "a")))
		require.NoError(t, engine.CreateNode(newTestNode("idea-2", LabelIdea, "b")))
		require.NoError(t, engine.CreateNode(newTestNode("scn-1", LabelScenario, "c")))
		require.NoError(t, engine.CreateEdge(newTestEdge("e-1", "scn-1", "idea-1", EdgeSubideaOf)))

		// Without the delete the new edge violates single-parent.
		err := engine.ApplyBatch(&Batch{
			CreateEdges: []*Edge{newTestEdge("e-2", "scn-1", "idea-2", EdgeSubideaOf)},
		})
		var cve *ConstraintViolationError
		require.ErrorAs(t, err, &cve)

		// Delete and create in one batch moves the parent.
		require.NoError(t, engine.ApplyBatch(&Batch{
			DeleteEdges: []EdgeID{"e-1"},
			CreateEdges: []*Edge{newTestEdge("e-2", "scn-1", "idea-2", EdgeSubideaOf)},
		}))

		out, err := engine.GetOutgoingEdges("scn-1")
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, NodeID("idea-2"), out[0].EndNode)
	})

	t.Run("closed engine rejects everything", func(t *testing.T) {
		engine := newEngine(t)
		require.NoError(t, engine.Close())

		assert.ErrorIs(t, engine.CreateNode(newTestNode("idea-1", LabelIdea, "a")), ErrStorageClosed)
		_, err := engine.GetNode("idea-1")
		assert.ErrorIs(t, err, ErrStorageClosed)
		_, err = engine.AllNodes()
		assert.ErrorIs(t, err, ErrStorageClosed)
		assert.ErrorIs(t, engine.ApplyBatch(&Batch{CreateNodes: []*Node{newTestNode("x", LabelIdea, "a")}}), ErrStorageClosed)
	})
}

func TestMemoryEngine(t *testing.T) {
	runEngineTests(t, func(t *testing.T) Engine {
		engine := NewMemoryEngine()
		t.Cleanup(func() { engine.Close() })
		return engine
	})
}

func TestBadgerEngine(t *testing.T) {
	runEngineTests(t, func(t *testing.T) Engine {
		engine, err := NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { engine.Close() })
		return engine
	})
}

func TestBadgerEngineReopen(t *testing.T) {
	dir := t.TempDir()

	engine, err := NewBadgerEngine(dir)
	require.NoError(t, err)

	idea := newTestNode("idea-1", LabelIdea, "mean reversion on SPY")
	idea.TestCount = 2
	idea.TotalScore = 1.3
	idea.Embedding = []float32{0.1, 0.2, 0.3}
	require.NoError(t, engine.CreateNode(idea))
	require.NoError(t, engine.CreateNode(newTestNode("bt-1", LabelBacktest, "")))
	require.NoError(t, engine.CreateEdge(newTestEdge("e-1", "idea-1", "bt-1", EdgeTestedIn)))
	require.NoError(t, engine.Close())

	reopened, err := NewBadgerEngine(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetNode("idea-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.TestCount)
	assert.InDelta(t, 1.3, got.TotalScore, 1e-12)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding)

	in, err := reopened.GetIncomingEdges("bt-1")
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, NodeID("idea-1"), in[0].StartNode)

	nodes, err := reopened.NodeCount()
	require.NoError(t, err)
	assert.EqualValues(t, 2, nodes)
}

func TestStreamingFallback(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, engine.CreateNode(newTestNode(fmt.Sprintf("idea-%d", i), LabelIdea, "x")))
	}
	require.NoError(t, engine.CreateNode(newTestNode("bt-1", LabelBacktest, "")))
	require.NoError(t, engine.CreateEdge(newTestEdge("e-1", "idea-0", "bt-1", EdgeTestedIn)))

	seen := 0
	require.NoError(t, StreamNodesWithFallback(t.Context(), engine, func(node *Node) error {
		seen++
		return nil
	}))
	assert.Equal(t, 6, seen)

	edges := 0
	require.NoError(t, StreamEdgesWithFallback(t.Context(), engine, func(edge *Edge) error {
		edges++
		return nil
	}))
	assert.Equal(t, 1, edges)
}
