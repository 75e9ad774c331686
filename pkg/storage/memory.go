// Package storage in-memory engine.
//
// MemoryEngine keeps the whole graph in maps guarded by a single
// RWMutex. It backs tests and short-lived exploration sessions where
// persistence isn't needed; behavior matches BadgerEngine exactly,
// including schema enforcement and batch atomicity.
package storage

import (
	"fmt"
	"strings"
	"sync"
)

// normalizeLabel lowercases a label for case-insensitive index lookups.
func normalizeLabel(label string) string {
	return strings.ToLower(label)
}

// MemoryEngine is a thread-safe in-memory graph engine.
//
// Features:
//   - Indexed lookups: label, outgoing and incoming edge indexes
//   - Deep copies at the boundary so callers can't mutate stored state
//   - Schema-checked edge writes (see ResearchSchema)
//   - Atomic multi-operation batches via ApplyBatch
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	engine.CreateNode(&storage.Node{
//		ID:     "idea-1",
//		Labels: []string{storage.LabelIdea},
//		Properties: map[string]any{"description": "momentum rotation"},
//	})
//
//	ideas, _ := engine.GetNodesByLabel(storage.LabelIdea)
//	fmt.Printf("%d ideas\n", len(ideas))
type MemoryEngine struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge

	// Secondary indexes
	nodesByLabel  map[string]map[NodeID]struct{}
	outgoingEdges map[NodeID]map[EdgeID]struct{}
	incomingEdges map[NodeID]map[EdgeID]struct{}

	schema *Schema
	closed bool
}

var _ Engine = (*MemoryEngine)(nil)

// NewMemoryEngine creates an empty in-memory engine enforcing the
// research schema.
func NewMemoryEngine() *MemoryEngine {
	return NewMemoryEngineWithSchema(ResearchSchema())
}

// NewMemoryEngineWithSchema creates an in-memory engine with custom
// edge rules. Used by tests that exercise the constraint machinery
// directly.
func NewMemoryEngineWithSchema(schema *Schema) *MemoryEngine {
	return &MemoryEngine{
		nodes:         make(map[NodeID]*Node),
		edges:         make(map[EdgeID]*Edge),
		nodesByLabel:  make(map[string]map[NodeID]struct{}),
		outgoingEdges: make(map[NodeID]map[EdgeID]struct{}),
		incomingEdges: make(map[NodeID]map[EdgeID]struct{}),
		schema:        schema,
	}
}

// CreateNode stores a new node. The node is deep-copied; duplicate IDs
// return ErrAlreadyExists.
func (m *MemoryEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.nodes[node.ID]; exists {
		return ErrAlreadyExists
	}

	m.createNodeUnlocked(node)
	return nil
}

// GetNode retrieves a node by ID. Returns a deep copy.
func (m *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	node, exists := m.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyNode(node), nil
}

// UpdateNode replaces an existing node, refreshing the label index if
// labels changed.
func (m *MemoryEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.nodes[node.ID]; !exists {
		return ErrNotFound
	}

	m.updateNodeUnlocked(node)
	return nil
}

// DeleteNode removes a node and every edge attached to it.
func (m *MemoryEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.nodes[id]; !exists {
		return ErrNotFound
	}

	m.deleteNodeUnlocked(id)
	return nil
}

// CreateEdge stores a new edge after validating it against the schema.
// Both endpoints must exist; constraint violations surface as
// *ConstraintViolationError, cycles as ErrCycle.
func (m *MemoryEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.edges[edge.ID]; exists {
		return ErrAlreadyExists
	}

	if err := m.schema.validateEdge(m.liveView(), edge); err != nil {
		return err
	}

	m.createEdgeUnlocked(edge)
	return nil
}

// GetEdge retrieves an edge by ID. Returns a deep copy.
func (m *MemoryEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edge, exists := m.edges[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyEdge(edge), nil
}

// DeleteEdge removes an edge.
func (m *MemoryEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.edges[id]; !exists {
		return ErrNotFound
	}

	m.deleteEdgeUnlocked(id)
	return nil
}

// GetNodesByLabel returns copies of all nodes carrying the label
// (case-insensitive).
func (m *MemoryEngine) GetNodesByLabel(label string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := m.nodesByLabel[normalizeLabel(label)]
	nodes := make([]*Node, 0, len(ids))
	for id := range ids {
		if n := m.nodes[id]; n != nil {
			nodes = append(nodes, copyNode(n))
		}
	}
	return nodes, nil
}

// GetOutgoingEdges returns copies of all edges starting at nodeID.
func (m *MemoryEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	if _, exists := m.nodes[nodeID]; !exists {
		return nil, ErrNotFound
	}

	ids := m.outgoingEdges[nodeID]
	edges := make([]*Edge, 0, len(ids))
	for id := range ids {
		if e := m.edges[id]; e != nil {
			edges = append(edges, copyEdge(e))
		}
	}
	return edges, nil
}

// GetIncomingEdges returns copies of all edges ending at nodeID.
func (m *MemoryEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	if _, exists := m.nodes[nodeID]; !exists {
		return nil, ErrNotFound
	}

	ids := m.incomingEdges[nodeID]
	edges := make([]*Edge, 0, len(ids))
	for id := range ids {
		if e := m.edges[id]; e != nil {
			edges = append(edges, copyEdge(e))
		}
	}
	return edges, nil
}

// AllNodes returns copies of every node.
func (m *MemoryEngine) AllNodes() ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, copyNode(n))
	}
	return nodes, nil
}

// AllEdges returns copies of every edge.
func (m *MemoryEngine) AllEdges() ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edges := make([]*Edge, 0, len(m.edges))
	for _, e := range m.edges {
		edges = append(edges, copyEdge(e))
	}
	return edges, nil
}

// ApplyBatch applies a batch of writes atomically: the whole batch is
// validated against the current state plus the batch's own staged
// operations before anything is applied. A Backtest node, its edges and
// the subject's counter updates land together or not at all.
//
// Validation covers ID uniqueness, existence for updates and deletes,
// and the full schema check for every created edge (with batch-created
// nodes visible and batch-deleted edges invisible).
func (m *MemoryEngine) ApplyBatch(batch *Batch) error {
	if batch.Empty() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	// Validate everything before touching state.
	staged := newBatchOverlay(m.liveView(), func(id EdgeID) *Edge { return m.edges[id] })

	for _, node := range batch.CreateNodes {
		if node == nil {
			return ErrInvalidData
		}
		if node.ID == "" {
			return ErrInvalidID
		}
		if _, exists := m.nodes[node.ID]; exists {
			return fmt.Errorf("create node %s: %w", node.ID, ErrAlreadyExists)
		}
		if _, dup := staged.nodes[node.ID]; dup {
			return fmt.Errorf("create node %s: %w", node.ID, ErrAlreadyExists)
		}
		staged.nodes[node.ID] = node
	}

	for _, node := range batch.UpdateNodes {
		if node == nil {
			return ErrInvalidData
		}
		if node.ID == "" {
			return ErrInvalidID
		}
		_, inStore := m.nodes[node.ID]
		_, inBatch := staged.nodes[node.ID]
		if !inStore && !inBatch {
			return fmt.Errorf("update node %s: %w", node.ID, ErrNotFound)
		}
	}

	for _, id := range batch.DeleteEdges {
		if id == "" {
			return ErrInvalidID
		}
		if _, exists := m.edges[id]; !exists {
			return fmt.Errorf("delete edge %s: %w", id, ErrNotFound)
		}
		staged.deletedEdges[id] = struct{}{}
	}

	for _, edge := range batch.CreateEdges {
		if edge == nil {
			return ErrInvalidData
		}
		if edge.ID == "" {
			return ErrInvalidID
		}
		if _, exists := m.edges[edge.ID]; exists {
			return fmt.Errorf("create edge %s: %w", edge.ID, ErrAlreadyExists)
		}
		if err := m.schema.validateEdge(staged, edge); err != nil {
			return err
		}
		staged.edges = append(staged.edges, edge)
	}

	// Apply. No failure paths below: all lookups were validated above.
	for _, node := range batch.CreateNodes {
		m.createNodeUnlocked(node)
	}
	for _, node := range batch.UpdateNodes {
		m.updateNodeUnlocked(node)
	}
	for _, id := range batch.DeleteEdges {
		m.deleteEdgeUnlocked(id)
	}
	for _, edge := range batch.CreateEdges {
		m.createEdgeUnlocked(edge)
	}

	return nil
}

// NodeCount returns the number of stored nodes.
func (m *MemoryEngine) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.nodes)), nil
}

// EdgeCount returns the number of stored edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// Close releases the engine. Idempotent.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.nodes = nil
	m.edges = nil
	m.nodesByLabel = nil
	m.outgoingEdges = nil
	m.incomingEdges = nil
	return nil
}

// ============================================================================
// Unlocked internals (callers hold m.mu)
// ============================================================================

func (m *MemoryEngine) createNodeUnlocked(node *Node) {
	stored := copyNode(node)
	m.nodes[node.ID] = stored

	for _, label := range node.Labels {
		key := normalizeLabel(label)
		if m.nodesByLabel[key] == nil {
			m.nodesByLabel[key] = make(map[NodeID]struct{})
		}
		m.nodesByLabel[key][node.ID] = struct{}{}
	}
}

func (m *MemoryEngine) updateNodeUnlocked(node *Node) {
	if old := m.nodes[node.ID]; old != nil {
		for _, label := range old.Labels {
			if idx := m.nodesByLabel[normalizeLabel(label)]; idx != nil {
				delete(idx, node.ID)
			}
		}
	}

	stored := copyNode(node)
	m.nodes[node.ID] = stored

	for _, label := range node.Labels {
		key := normalizeLabel(label)
		if m.nodesByLabel[key] == nil {
			m.nodesByLabel[key] = make(map[NodeID]struct{})
		}
		m.nodesByLabel[key][node.ID] = struct{}{}
	}
}

func (m *MemoryEngine) deleteNodeUnlocked(id NodeID) {
	node := m.nodes[id]
	if node == nil {
		return
	}

	for _, label := range node.Labels {
		if idx := m.nodesByLabel[normalizeLabel(label)]; idx != nil {
			delete(idx, id)
		}
	}

	// Cascade: remove every attached edge from both directions.
	for edgeID := range m.outgoingEdges[id] {
		if e := m.edges[edgeID]; e != nil {
			if incoming := m.incomingEdges[e.EndNode]; incoming != nil {
				delete(incoming, edgeID)
			}
		}
		delete(m.edges, edgeID)
	}
	delete(m.outgoingEdges, id)

	for edgeID := range m.incomingEdges[id] {
		if e := m.edges[edgeID]; e != nil {
			if outgoing := m.outgoingEdges[e.StartNode]; outgoing != nil {
				delete(outgoing, edgeID)
			}
		}
		delete(m.edges, edgeID)
	}
	delete(m.incomingEdges, id)

	delete(m.nodes, id)
}

func (m *MemoryEngine) createEdgeUnlocked(edge *Edge) {
	stored := copyEdge(edge)
	m.edges[edge.ID] = stored

	if m.outgoingEdges[edge.StartNode] == nil {
		m.outgoingEdges[edge.StartNode] = make(map[EdgeID]struct{})
	}
	m.outgoingEdges[edge.StartNode][edge.ID] = struct{}{}

	if m.incomingEdges[edge.EndNode] == nil {
		m.incomingEdges[edge.EndNode] = make(map[EdgeID]struct{})
	}
	m.incomingEdges[edge.EndNode][edge.ID] = struct{}{}
}

func (m *MemoryEngine) deleteEdgeUnlocked(id EdgeID) {
	edge := m.edges[id]
	if edge == nil {
		return
	}

	if outgoing := m.outgoingEdges[edge.StartNode]; outgoing != nil {
		delete(outgoing, id)
	}
	if incoming := m.incomingEdges[edge.EndNode]; incoming != nil {
		delete(incoming, id)
	}
	delete(m.edges, id)
}

// ============================================================================
// Schema views
// ============================================================================

// memView reads engine state without taking the lock; only used while
// the caller already holds it.
type memView struct {
	m *MemoryEngine
}

func (m *MemoryEngine) liveView() memView {
	return memView{m: m}
}

func (v memView) nodeLabels(id NodeID) ([]string, bool) {
	n := v.m.nodes[id]
	if n == nil {
		return nil, false
	}
	return n.Labels, true
}

func (v memView) countOutgoing(id NodeID, edgeType string) (int, error) {
	count := 0
	for edgeID := range v.m.outgoingEdges[id] {
		if e := v.m.edges[edgeID]; e != nil && e.Type == edgeType {
			count++
		}
	}
	return count, nil
}

func (v memView) countIncoming(id NodeID, edgeType string) (int, error) {
	count := 0
	for edgeID := range v.m.incomingEdges[id] {
		if e := v.m.edges[edgeID]; e != nil && e.Type == edgeType {
			count++
		}
	}
	return count, nil
}

func (v memView) outgoingTarget(id NodeID, edgeType string) (NodeID, bool, error) {
	for edgeID := range v.m.outgoingEdges[id] {
		if e := v.m.edges[edgeID]; e != nil && e.Type == edgeType {
			return e.EndNode, true, nil
		}
	}
	return "", false, nil
}

// batchOverlay layers a batch's staged operations over a base view so
// edge validation sees the graph the batch will produce. Shared by the
// memory and badger engines; lookupEdge resolves edges the batch
// deletes so their type and endpoints can be subtracted.
type batchOverlay struct {
	base         graphView
	nodes        map[NodeID]*Node
	edges        []*Edge
	deletedEdges map[EdgeID]struct{}
	lookupEdge   func(EdgeID) *Edge
}

func newBatchOverlay(base graphView, lookupEdge func(EdgeID) *Edge) *batchOverlay {
	return &batchOverlay{
		base:         base,
		nodes:        make(map[NodeID]*Node),
		deletedEdges: make(map[EdgeID]struct{}),
		lookupEdge:   lookupEdge,
	}
}

func (o *batchOverlay) nodeLabels(id NodeID) ([]string, bool) {
	if n, ok := o.nodes[id]; ok {
		return n.Labels, true
	}
	return o.base.nodeLabels(id)
}

func (o *batchOverlay) countOutgoing(id NodeID, edgeType string) (int, error) {
	count, err := o.base.countOutgoing(id, edgeType)
	if err != nil {
		return 0, err
	}
	for edgeID := range o.deletedEdges {
		if e := o.lookupEdge(edgeID); e != nil && e.StartNode == id && e.Type == edgeType {
			count--
		}
	}
	for _, e := range o.edges {
		if e.StartNode == id && e.Type == edgeType {
			count++
		}
	}
	return count, nil
}

func (o *batchOverlay) countIncoming(id NodeID, edgeType string) (int, error) {
	count, err := o.base.countIncoming(id, edgeType)
	if err != nil {
		return 0, err
	}
	for edgeID := range o.deletedEdges {
		if e := o.lookupEdge(edgeID); e != nil && e.EndNode == id && e.Type == edgeType {
			count--
		}
	}
	for _, e := range o.edges {
		if e.EndNode == id && e.Type == edgeType {
			count++
		}
	}
	return count, nil
}

func (o *batchOverlay) outgoingTarget(id NodeID, edgeType string) (NodeID, bool, error) {
	for _, e := range o.edges {
		if e.StartNode == id && e.Type == edgeType {
			return e.EndNode, true, nil
		}
	}

	target, ok, err := o.base.outgoingTarget(id, edgeType)
	if err != nil || !ok {
		return "", false, err
	}
	// The base edge may be deleted by this batch (re-parenting).
	for edgeID := range o.deletedEdges {
		if e := o.lookupEdge(edgeID); e != nil && e.StartNode == id && e.Type == edgeType && e.EndNode == target {
			return "", false, nil
		}
	}
	return target, true, nil
}

// ============================================================================
// Copy helpers
// ============================================================================

func copyNode(n *Node) *Node {
	if n == nil {
		return nil
	}

	cp := &Node{
		ID:         n.ID,
		CreatedAt:  n.CreatedAt,
		UpdatedAt:  n.UpdatedAt,
		TestCount:  n.TestCount,
		TotalScore: n.TotalScore,
	}

	if n.Labels != nil {
		cp.Labels = make([]string, len(n.Labels))
		copy(cp.Labels, n.Labels)
	}
	if n.Properties != nil {
		cp.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			cp.Properties[k] = v
		}
	}
	if n.Embedding != nil {
		cp.Embedding = make([]float32, len(n.Embedding))
		copy(cp.Embedding, n.Embedding)
	}
	return cp
}

func copyEdge(e *Edge) *Edge {
	if e == nil {
		return nil
	}

	cp := &Edge{
		ID:        e.ID,
		StartNode: e.StartNode,
		EndNode:   e.EndNode,
		Type:      e.Type,
		CreatedAt: e.CreatedAt,
	}

	if e.Properties != nil {
		cp.Properties = make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			cp.Properties[k] = v
		}
	}
	return cp
}
