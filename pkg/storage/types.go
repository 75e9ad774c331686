// Package storage provides the graph store backing Muninn's research
// memory.
//
// The graph holds four node types (Idea, Scenario, Context, Backtest)
// connected by four relationship types, with the write-time constraints
// that keep the research tree sound (see Schema). Two engines implement
// the same Engine interface:
//
//   - MemoryEngine: in-memory maps with secondary indexes, for tests and
//     short-lived exploration sessions
//   - BadgerEngine: persistent storage on BadgerDB for research corpora
//     that must survive restarts
//
// Engines store vectors alongside nodes (Node.Embedding); the in-process
// similarity index in pkg/search is rebuilt from that field on open.
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	idea := &storage.Node{
//		ID:     "idea-001",
//		Labels: []string{storage.LabelIdea},
//		Properties: map[string]any{
//			"description": "mean reversion on SPY",
//			"tags":        []string{"etf", "mean-reversion"},
//		},
//		CreatedAt: time.Now(),
//	}
//	if err := engine.CreateNode(idea); err != nil {
//		log.Fatal(err)
//	}
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// NodeID uniquely identifies a node in the graph.
type NodeID string

// EdgeID uniquely identifies an edge in the graph.
type EdgeID string

// Node labels for the four research entity types.
// Label matching is case-insensitive in both engines.
const (
	LabelIdea     = "Idea"
	LabelScenario = "Scenario"
	LabelContext  = "Context"
	LabelBacktest = "Backtest"
)

// Relationship types connecting the research entities.
const (
	// EdgeTestedIn links an Idea or Scenario to one of its Backtests.
	EdgeTestedIn = "TESTED_IN"

	// EdgeExecutedIn links a Backtest to the Context it ran under.
	// A Backtest has exactly one.
	EdgeExecutedIn = "EXECUTED_IN"

	// EdgeAppliesTo optionally links a Backtest to the Scenario
	// refinement it exercised.
	EdgeAppliesTo = "APPLIES_TO"

	// EdgeSubideaOf links a Scenario to its single parent Idea or
	// Scenario. The relation forms a forest; writes that would close a
	// cycle are rejected with ErrCycle.
	EdgeSubideaOf = "SUBIDEA_OF"
)

// Node is a typed graph node. The domain payload (description, tags,
// market, metrics, ...) lives in Properties; the bandit's hot per-node
// aggregates are promoted to struct fields so counter updates never
// round-trip through the property map.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`

	// TestCount is the number of Backtests recorded against this node
	// (Idea and Scenario nodes only). Maintained transactionally with
	// each Backtest write, equal to the count of incoming TESTED_IN
	// edges. Repairable via recount when the invariant is ever broken.
	TestCount uint64 `json:"testCount"`

	// TotalScore is the sum of the score function applied to each
	// linked Backtest's metrics. Maintained together with TestCount.
	TotalScore float64 `json:"totalScore"`

	// Embedding is the vector for the node's description, if it has
	// one. Kept on the node so the similarity index can be rebuilt
	// from storage alone.
	Embedding []float32 `json:"embedding,omitempty"`
}

// HasLabel reports whether the node carries the given label,
// case-insensitively.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// Edge is a typed, directed relationship between two nodes.
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"startNode"`
	EndNode    NodeID         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Storage errors. Engines return these sentinels (sometimes wrapped);
// the memory layer maps them onto its caller-facing taxonomy.
var (
	// ErrNotFound is returned when a node or edge doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a node or edge whose
	// ID is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidID is returned for empty IDs.
	ErrInvalidID = errors.New("invalid ID")

	// ErrInvalidData is returned for nil or malformed input.
	ErrInvalidData = errors.New("invalid data")

	// ErrStorageClosed is returned when operating on a closed engine.
	ErrStorageClosed = errors.New("storage is closed")

	// ErrCycle is returned when an edge write would close a cycle over
	// an acyclic relationship type (SUBIDEA_OF).
	ErrCycle = errors.New("edge would create a cycle")
)

// Batch is a set of writes applied atomically: either every operation
// lands or none do. Operations are validated up front, including the
// schema's endpoint, cardinality and acyclicity rules, before any state
// changes. Within one batch, created nodes are visible to the edge
// validations, so a Backtest node and its TESTED_IN edge can land
// together.
//
// Apply order: CreateNodes, UpdateNodes, DeleteEdges, CreateEdges.
type Batch struct {
	CreateNodes []*Node
	UpdateNodes []*Node
	DeleteEdges []EdgeID
	CreateEdges []*Edge
}

// Empty reports whether the batch contains no operations.
func (b *Batch) Empty() bool {
	return b == nil ||
		(len(b.CreateNodes) == 0 && len(b.UpdateNodes) == 0 &&
			len(b.DeleteEdges) == 0 && len(b.CreateEdges) == 0)
}

// Engine is the storage contract shared by the in-memory and persistent
// implementations. All methods are safe for concurrent use.
//
// Single-operation writes are individually atomic; multi-operation
// consistency (a Backtest plus its edges plus the subject's counters)
// goes through ApplyBatch.
type Engine interface {
	// Node operations
	CreateNode(node *Node) error
	GetNode(id NodeID) (*Node, error)
	UpdateNode(node *Node) error
	DeleteNode(id NodeID) error

	// Edge operations. CreateEdge enforces the engine's Schema.
	CreateEdge(edge *Edge) error
	GetEdge(id EdgeID) (*Edge, error)
	DeleteEdge(id EdgeID) error

	// Query operations
	GetNodesByLabel(label string) ([]*Node, error)
	GetOutgoingEdges(nodeID NodeID) ([]*Edge, error)
	GetIncomingEdges(nodeID NodeID) ([]*Edge, error)
	AllNodes() ([]*Node, error)
	AllEdges() ([]*Edge, error)

	// ApplyBatch applies a batch of writes atomically.
	ApplyBatch(batch *Batch) error

	// Statistics
	NodeCount() (int64, error)
	EdgeCount() (int64, error)

	// Close releases resources. Further calls return ErrStorageClosed.
	Close() error
}

// StreamingEngine extends Engine with iteration that avoids loading the
// whole graph into memory. Optional; callers fall back to AllNodes.
type StreamingEngine interface {
	Engine

	// StreamNodes calls fn for every node. Returning an error from fn
	// stops iteration and propagates the error.
	StreamNodes(ctx context.Context, fn func(node *Node) error) error

	// StreamEdges calls fn for every edge.
	StreamEdges(ctx context.Context, fn func(edge *Edge) error) error
}

// NodeVisitor is called for each node during streaming.
type NodeVisitor func(node *Node) error

// EdgeVisitor is called for each edge during streaming.
type EdgeVisitor func(edge *Edge) error

// StreamNodesWithFallback iterates nodes via StreamingEngine when the
// engine supports it, otherwise over an AllNodes snapshot. Used by the
// similarity-index rebuild on open and by the repair scans.
func StreamNodesWithFallback(ctx context.Context, engine Engine, fn NodeVisitor) error {
	if streamer, ok := engine.(StreamingEngine); ok {
		return streamer.StreamNodes(ctx, fn)
	}

	nodes, err := engine.AllNodes()
	if err != nil {
		return err
	}

	for i, node := range nodes {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(node); err != nil {
			return err
		}
		nodes[i] = nil
	}

	return nil
}

// StreamEdgesWithFallback iterates edges via StreamingEngine when the
// engine supports it, otherwise over an AllEdges snapshot.
func StreamEdgesWithFallback(ctx context.Context, engine Engine, fn EdgeVisitor) error {
	if streamer, ok := engine.(StreamingEngine); ok {
		return streamer.StreamEdges(ctx, fn)
	}

	edges, err := engine.AllEdges()
	if err != nil {
		return err
	}

	for i, edge := range edges {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(edge); err != nil {
			return err
		}
		edges[i] = nil
	}

	return nil
}

// DescribedNode reports whether the node carries descriptive text that
// should have a corresponding vector: a non-empty "description"
// property. Backtest nodes have notes rather than descriptions and are
// not indexed.
func DescribedNode(node *Node) bool {
	if node == nil || node.Properties == nil {
		return false
	}
	desc, ok := node.Properties["description"].(string)
	return ok && desc != ""
}

// NeedsEmbedding reports whether a described node is missing its
// vector. Such orphans can appear if an embedding provider was
// unavailable during a repair-driven rewrite; the EmbedMissing repair
// path uses this to find them.
func NeedsEmbedding(node *Node) bool {
	return DescribedNode(node) && len(node.Embedding) == 0
}

