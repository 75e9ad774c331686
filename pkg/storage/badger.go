// Package storage persistent engine.
//
// BadgerEngine stores the research graph in BadgerDB with full ACID
// transaction support. Edge schema rules and batch atomicity behave
// exactly as in MemoryEngine.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization.
// Single-byte prefixes keep keys short and scans cheap.
const (
	prefixNode          = byte(0x01) // nodes: nodeID -> JSON(Node)
	prefixEdge          = byte(0x02) // edges: edgeID -> JSON(Edge)
	prefixLabelIndex    = byte(0x03) // label + 0x00 + nodeID -> empty
	prefixOutgoingIndex = byte(0x04) // nodeID + 0x00 + edgeID -> empty
	prefixIncomingIndex = byte(0x05) // nodeID + 0x00 + edgeID -> empty
)

// keySeparator splits composite index keys. Node and edge IDs are
// generated ASCII and never contain it.
const keySeparator = byte(0x00)

// BadgerEngine provides persistent storage using BadgerDB.
//
// Features:
//   - ACID transactions for all operations
//   - Schema-checked edge writes inside the transaction that stores them
//   - Atomic multi-operation batches (a backtest, its edges and the
//     subject's counter updates commit together)
//   - Secondary indexes for label and adjacency scans
//   - Automatic crash recovery via BadgerDB's value log
//
// Key structure:
//   - Nodes: 0x01 + nodeID -> JSON(Node)
//   - Edges: 0x02 + edgeID -> JSON(Edge)
//   - Label index: 0x03 + label + 0x00 + nodeID -> empty
//   - Outgoing index: 0x04 + nodeID + 0x00 + edgeID -> empty
//   - Incoming index: 0x05 + nodeID + 0x00 + edgeID -> empty
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/muninn")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db     *badger.DB
	schema *Schema
	mu     sync.RWMutex // guards closed
	closed bool
}

var _ Engine = (*BadgerEngine)(nil)
var _ StreamingEngine = (*BadgerEngine)(nil)

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging.
	// If nil, BadgerDB logging is silenced.
	Logger badger.Logger

	// Schema overrides the edge rules. Defaults to ResearchSchema.
	Schema *Schema
}

// NewBadgerEngine creates a persistent engine with default settings:
// research schema, quiet logging, async writes.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/muninn")
//	if err != nil {
//		return fmt.Errorf("open graph store: %w", err)
//	}
//	defer engine.Close()
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		DataDir: dataDir,
	})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom
// configuration.
//
// Example - maximum durability for research you can't afford to lose:
//
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
//		DataDir:    "./data/muninn",
//		SyncWrites: true, // fsync after each write
//	})
//
// Example - in-memory mode for tests that want persistence semantics
// without disk I/O:
//
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
//		InMemory: true,
//	})
//
// Trade-offs:
//   - SyncWrites=true: writes are 2-5x slower but survive power loss
//   - InMemory=true: fastest but data is lost on Close
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	// Modest buffer sizes. The research graph is many small records,
	// not bulk blobs, so the BadgerDB defaults waste RAM.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	schema := opts.Schema
	if schema == nil {
		schema = ResearchSchema()
	}

	return &BadgerEngine{
		db:     db,
		schema: schema,
	}, nil
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
//
// Data is not persisted and is lost when the engine is closed. Useful
// for unit tests that need persistent-storage semantics without disk
// I/O.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		InMemory: true,
	})
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

// labelIndexKey builds: prefix + label (lowercase) + 0x00 + nodeID
func labelIndexKey(label string, nodeID NodeID) []byte {
	normalized := normalizeLabel(label)
	key := make([]byte, 0, 1+len(normalized)+1+len(nodeID))
	key = append(key, prefixLabelIndex)
	key = append(key, normalized...)
	key = append(key, keySeparator)
	key = append(key, nodeID...)
	return key
}

// labelIndexPrefix returns the prefix for scanning all nodes with a label.
func labelIndexPrefix(label string) []byte {
	normalized := normalizeLabel(label)
	key := make([]byte, 0, 1+len(normalized)+1)
	key = append(key, prefixLabelIndex)
	key = append(key, normalized...)
	key = append(key, keySeparator)
	return key
}

// outgoingIndexKey builds: prefix + nodeID + 0x00 + edgeID
func outgoingIndexKey(nodeID NodeID, edgeID EdgeID) []byte {
	key := make([]byte, 0, 1+len(nodeID)+1+len(edgeID))
	key = append(key, prefixOutgoingIndex)
	key = append(key, nodeID...)
	key = append(key, keySeparator)
	key = append(key, edgeID...)
	return key
}

func outgoingIndexPrefix(nodeID NodeID) []byte {
	key := make([]byte, 0, 1+len(nodeID)+1)
	key = append(key, prefixOutgoingIndex)
	key = append(key, nodeID...)
	key = append(key, keySeparator)
	return key
}

// incomingIndexKey builds: prefix + nodeID + 0x00 + edgeID
func incomingIndexKey(nodeID NodeID, edgeID EdgeID) []byte {
	key := make([]byte, 0, 1+len(nodeID)+1+len(edgeID))
	key = append(key, prefixIncomingIndex)
	key = append(key, nodeID...)
	key = append(key, keySeparator)
	key = append(key, edgeID...)
	return key
}

func incomingIndexPrefix(nodeID NodeID) []byte {
	key := make([]byte, 0, 1+len(nodeID)+1)
	key = append(key, prefixIncomingIndex)
	key = append(key, nodeID...)
	key = append(key, keySeparator)
	return key
}

// extractEdgeIDFromIndexKey pulls the edge ID out of an adjacency index
// key: prefix + nodeID + 0x00 + edgeID.
func extractEdgeIDFromIndexKey(key []byte) EdgeID {
	idx := bytes.LastIndexByte(key, keySeparator)
	if idx < 0 || idx+1 >= len(key) {
		return ""
	}
	return EdgeID(key[idx+1:])
}

// extractNodeIDFromLabelKey pulls the node ID out of a label index key.
func extractNodeIDFromLabelKey(key []byte, label string) NodeID {
	// Skip prefix (1) + label + separator (1)
	offset := 1 + len(normalizeLabel(label)) + 1
	if offset >= len(key) {
		return ""
	}
	return NodeID(key[offset:])
}

// ============================================================================
// Serialization
// ============================================================================

// serializableNode is the on-disk JSON form of a Node. Timestamps are
// stored as Unix seconds to keep records compact and comparable across
// badger versions.
type serializableNode struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`
	TestCount  uint64         `json:"testCount"`
	TotalScore float64        `json:"totalScore"`
	Embedding  []float32      `json:"embedding,omitempty"`
}

// serializableEdge is the on-disk JSON form of an Edge.
type serializableEdge struct {
	ID         string         `json:"id"`
	StartNode  string         `json:"startNode"`
	EndNode    string         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  int64          `json:"createdAt"`
}

func encodeNode(n *Node) ([]byte, error) {
	sn := serializableNode{
		ID:         string(n.ID),
		Labels:     n.Labels,
		Properties: n.Properties,
		CreatedAt:  n.CreatedAt.Unix(),
		UpdatedAt:  n.UpdatedAt.Unix(),
		TestCount:  n.TestCount,
		TotalScore: n.TotalScore,
		Embedding:  n.Embedding,
	}
	return json.Marshal(sn)
}

func decodeNode(data []byte) (*Node, error) {
	var sn serializableNode
	if err := json.Unmarshal(data, &sn); err != nil {
		return nil, err
	}

	return &Node{
		ID:         NodeID(sn.ID),
		Labels:     sn.Labels,
		Properties: sn.Properties,
		CreatedAt:  unixToTime(sn.CreatedAt),
		UpdatedAt:  unixToTime(sn.UpdatedAt),
		TestCount:  sn.TestCount,
		TotalScore: sn.TotalScore,
		Embedding:  sn.Embedding,
	}, nil
}

func encodeEdge(e *Edge) ([]byte, error) {
	se := serializableEdge{
		ID:         string(e.ID),
		StartNode:  string(e.StartNode),
		EndNode:    string(e.EndNode),
		Type:       e.Type,
		Properties: e.Properties,
		CreatedAt:  e.CreatedAt.Unix(),
	}
	return json.Marshal(se)
}

func decodeEdge(data []byte) (*Edge, error) {
	var se serializableEdge
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, err
	}

	return &Edge{
		ID:         EdgeID(se.ID),
		StartNode:  NodeID(se.StartNode),
		EndNode:    NodeID(se.EndNode),
		Type:       se.Type,
		Properties: se.Properties,
		CreatedAt:  unixToTime(se.CreatedAt),
	}, nil
}

func unixToTime(unix int64) time.Time {
	if unix <= 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

// ============================================================================
// Node operations
// ============================================================================

// CreateNode creates a new node in persistent storage.
func (b *BadgerEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := nodeKey(node.ID)
		_, err := txn.Get(key)
		if err == nil {
			return ErrAlreadyExists
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		return b.setNodeInTxn(txn, node)
	})
}

// GetNode retrieves a node by ID.
func (b *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var node *Node
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		node, err = getNodeInTxn(txn, id)
		return err
	})
	return node, err
}

// UpdateNode replaces an existing node, refreshing label indexes.
func (b *BadgerEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return b.updateNodeInTxn(txn, node)
	})
}

// DeleteNode removes a node and all edges attached to it.
func (b *BadgerEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		existing, err := getNodeInTxn(txn, id)
		if err != nil {
			return err
		}

		// Cascade: collect attached edges first, then delete. Deleting
		// while iterating the same prefix is unsafe.
		attached, err := collectEdgeIDs(txn, outgoingIndexPrefix(id))
		if err != nil {
			return err
		}
		incoming, err := collectEdgeIDs(txn, incomingIndexPrefix(id))
		if err != nil {
			return err
		}
		attached = append(attached, incoming...)

		for _, edgeID := range attached {
			if err := b.deleteEdgeInTxn(txn, edgeID); err != nil && err != ErrNotFound {
				return err
			}
		}

		for _, label := range existing.Labels {
			if err := txn.Delete(labelIndexKey(label, id)); err != nil {
				return err
			}
		}

		return txn.Delete(nodeKey(id))
	})
}

// ============================================================================
// Edge operations
// ============================================================================

// CreateEdge stores a new edge after validating it against the schema
// inside the same transaction that writes it.
func (b *BadgerEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := edgeKey(edge.ID)
		_, err := txn.Get(key)
		if err == nil {
			return ErrAlreadyExists
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		if err := b.schema.validateEdge(txnView{txn: txn}, edge); err != nil {
			return err
		}

		return setEdgeInTxn(txn, edge)
	})
}

// GetEdge retrieves an edge by ID.
func (b *BadgerEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edge *Edge
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		edge, err = getEdgeInTxn(txn, id)
		return err
	})
	return edge, err
}

// DeleteEdge removes an edge and its adjacency index entries.
func (b *BadgerEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return b.deleteEdgeInTxn(txn, id)
	})
}

// ============================================================================
// Query operations
// ============================================================================

// GetNodesByLabel returns all nodes carrying the label (case-insensitive).
func (b *BadgerEngine) GetNodesByLabel(label string) ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := labelIndexPrefix(label)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			nodeID := extractNodeIDFromLabelKey(it.Item().Key(), label)
			if nodeID == "" {
				continue
			}
			node, err := getNodeInTxn(txn, nodeID)
			if err == ErrNotFound {
				continue // stale index entry
			}
			if err != nil {
				return err
			}
			nodes = append(nodes, node)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if nodes == nil {
		nodes = []*Node{}
	}
	return nodes, nil
}

// GetOutgoingEdges returns all edges starting at nodeID.
func (b *BadgerEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacentEdges(nodeID, outgoingIndexPrefix(nodeID))
}

// GetIncomingEdges returns all edges ending at nodeID.
func (b *BadgerEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacentEdges(nodeID, incomingIndexPrefix(nodeID))
}

func (b *BadgerEngine) adjacentEdges(nodeID NodeID, prefix []byte) ([]*Edge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := getNodeInTxn(txn, nodeID); err != nil {
			return err
		}

		edgeIDs, err := collectEdgeIDs(txn, prefix)
		if err != nil {
			return err
		}

		for _, edgeID := range edgeIDs {
			edge, err := getEdgeInTxn(txn, edgeID)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			edges = append(edges, edge)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if edges == nil {
		edges = []*Edge{}
	}
	return edges, nil
}

// AllNodes returns every node. Prefer StreamNodes for large graphs.
func (b *BadgerEngine) AllNodes() ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	nodes := []*Node{}
	err := b.StreamNodes(context.Background(), func(node *Node) error {
		nodes = append(nodes, node)
		return nil
	})
	return nodes, err
}

// AllEdges returns every edge. Prefer StreamEdges for large graphs.
func (b *BadgerEngine) AllEdges() ([]*Edge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	edges := []*Edge{}
	err := b.StreamEdges(context.Background(), func(edge *Edge) error {
		edges = append(edges, edge)
		return nil
	})
	return edges, err
}

// ============================================================================
// Batch
// ============================================================================

// ApplyBatch applies a batch of writes in a single BadgerDB transaction.
// The batch is validated against committed state plus its own staged
// operations before any key is written; on any validation failure the
// transaction is discarded and nothing lands.
func (b *BadgerEngine) ApplyBatch(batch *Batch) error {
	if batch.Empty() {
		return nil
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		base := txnView{txn: txn}
		staged := newBatchOverlay(base, func(id EdgeID) *Edge {
			edge, err := getEdgeInTxn(txn, id)
			if err != nil {
				return nil
			}
			return edge
		})

		for _, node := range batch.CreateNodes {
			if node == nil {
				return ErrInvalidData
			}
			if node.ID == "" {
				return ErrInvalidID
			}
			if _, err := txn.Get(nodeKey(node.ID)); err == nil {
				return fmt.Errorf("create node %s: %w", node.ID, ErrAlreadyExists)
			} else if err != badger.ErrKeyNotFound {
				return err
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
			if _, inBatch := staged.nodes[node.ID]; inBatch {
				continue
			}
			if _, err := txn.Get(nodeKey(node.ID)); err == badger.ErrKeyNotFound {
				return fmt.Errorf("update node %s: %w", node.ID, ErrNotFound)
			} else if err != nil {
				return err
			}
		}

		for _, id := range batch.DeleteEdges {
			if id == "" {
				return ErrInvalidID
			}
			if _, err := txn.Get(edgeKey(id)); err == badger.ErrKeyNotFound {
				return fmt.Errorf("delete edge %s: %w", id, ErrNotFound)
			} else if err != nil {
				return err
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
			if _, err := txn.Get(edgeKey(edge.ID)); err == nil {
				return fmt.Errorf("create edge %s: %w", edge.ID, ErrAlreadyExists)
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			if err := b.schema.validateEdge(staged, edge); err != nil {
				return err
			}
			staged.edges = append(staged.edges, edge)
		}

		// Apply in documented order.
		for _, node := range batch.CreateNodes {
			if err := b.setNodeInTxn(txn, node); err != nil {
				return err
			}
		}
		for _, node := range batch.UpdateNodes {
			if err := b.updateNodeInTxn(txn, node); err != nil {
				return err
			}
		}
		for _, id := range batch.DeleteEdges {
			if err := b.deleteEdgeInTxn(txn, id); err != nil {
				return err
			}
		}
		for _, edge := range batch.CreateEdges {
			if err := setEdgeInTxn(txn, edge); err != nil {
				return err
			}
		}

		return nil
	})
}

// ============================================================================
// Statistics
// ============================================================================

// NodeCount returns the number of stored nodes.
func (b *BadgerEngine) NodeCount() (int64, error) {
	return b.countPrefix(prefixNode)
}

// EdgeCount returns the number of stored edges.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.countPrefix(prefixEdge)
}

func (b *BadgerEngine) countPrefix(prefix byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// ============================================================================
// Lifecycle
// ============================================================================

// Close flushes and closes the database. Idempotent.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// Sync forces a sync of all data to disk. Useful before snapshots.
func (b *BadgerEngine) Sync() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Sync()
}

// RunGC runs garbage collection on the BadgerDB value log. Should be
// called periodically in long-running sessions.
func (b *BadgerEngine) RunGC() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.RunValueLogGC(0.5)
}

// Size returns the approximate size of the database in bytes.
func (b *BadgerEngine) Size() (lsm, vlog int64) {
	if err := b.checkOpen(); err != nil {
		return 0, 0
	}
	return b.db.Size()
}

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// ============================================================================
// Streaming
// ============================================================================

// StreamNodes calls fn for every node without loading the whole graph.
// An error from fn stops iteration and propagates.
func (b *BadgerEngine) StreamNodes(ctx context.Context, fn func(node *Node) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.PrefetchSize = 16
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixNode}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var node *Node
			err := it.Item().Value(func(val []byte) error {
				var decErr error
				node, decErr = decodeNode(val)
				return decErr
			})
			if err != nil {
				return fmt.Errorf("decode node %s: %w", it.Item().Key(), err)
			}
			if err := fn(node); err != nil {
				return err
			}
		}
		return nil
	})
}

// StreamEdges calls fn for every edge without loading the whole graph.
func (b *BadgerEngine) StreamEdges(ctx context.Context, fn func(edge *Edge) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.PrefetchSize = 16
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixEdge}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var edge *Edge
			err := it.Item().Value(func(val []byte) error {
				var decErr error
				edge, decErr = decodeEdge(val)
				return decErr
			})
			if err != nil {
				return fmt.Errorf("decode edge %s: %w", it.Item().Key(), err)
			}
			if err := fn(edge); err != nil {
				return err
			}
		}
		return nil
	})
}

// ============================================================================
// Transaction internals
// ============================================================================

func getNodeInTxn(txn *badger.Txn, id NodeID) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var node *Node
	err = item.Value(func(val []byte) error {
		var decErr error
		node, decErr = decodeNode(val)
		return decErr
	})
	return node, err
}

func getEdgeInTxn(txn *badger.Txn, id EdgeID) (*Edge, error) {
	item, err := txn.Get(edgeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var edge *Edge
	err = item.Value(func(val []byte) error {
		var decErr error
		edge, decErr = decodeEdge(val)
		return decErr
	})
	return edge, err
}

// setNodeInTxn writes a node and its label index entries.
func (b *BadgerEngine) setNodeInTxn(txn *badger.Txn, node *Node) error {
	data, err := encodeNode(node)
	if err != nil {
		return fmt.Errorf("failed to encode node: %w", err)
	}
	if err := txn.Set(nodeKey(node.ID), data); err != nil {
		return err
	}
	for _, label := range node.Labels {
		if err := txn.Set(labelIndexKey(label, node.ID), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

// updateNodeInTxn replaces a node, refreshing label indexes against the
// stored version.
func (b *BadgerEngine) updateNodeInTxn(txn *badger.Txn, node *Node) error {
	existing, err := getNodeInTxn(txn, node.ID)
	if err != nil {
		return err
	}

	for _, label := range existing.Labels {
		if err := txn.Delete(labelIndexKey(label, node.ID)); err != nil {
			return err
		}
	}

	return b.setNodeInTxn(txn, node)
}

// setEdgeInTxn writes an edge and its adjacency index entries.
func setEdgeInTxn(txn *badger.Txn, edge *Edge) error {
	data, err := encodeEdge(edge)
	if err != nil {
		return fmt.Errorf("failed to encode edge: %w", err)
	}
	if err := txn.Set(edgeKey(edge.ID), data); err != nil {
		return err
	}
	if err := txn.Set(outgoingIndexKey(edge.StartNode, edge.ID), []byte{}); err != nil {
		return err
	}
	return txn.Set(incomingIndexKey(edge.EndNode, edge.ID), []byte{})
}

// deleteEdgeInTxn removes an edge and its adjacency index entries.
func (b *BadgerEngine) deleteEdgeInTxn(txn *badger.Txn, id EdgeID) error {
	edge, err := getEdgeInTxn(txn, id)
	if err != nil {
		return err
	}

	if err := txn.Delete(outgoingIndexKey(edge.StartNode, id)); err != nil {
		return err
	}
	if err := txn.Delete(incomingIndexKey(edge.EndNode, id)); err != nil {
		return err
	}
	return txn.Delete(edgeKey(id))
}

// collectEdgeIDs gathers edge IDs under an adjacency index prefix.
// Collect-then-act: callers must not delete while iterating.
func collectEdgeIDs(txn *badger.Txn, prefix []byte) ([]EdgeID, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var edgeIDs []EdgeID
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if id := extractEdgeIDFromIndexKey(it.Item().Key()); id != "" {
			edgeIDs = append(edgeIDs, id)
		}
	}
	return edgeIDs, nil
}

// txnView adapts a BadgerDB transaction to the schema's graphView.
// Reads see the transaction's own pending writes.
type txnView struct {
	txn *badger.Txn
}

func (v txnView) nodeLabels(id NodeID) ([]string, bool) {
	node, err := getNodeInTxn(v.txn, id)
	if err != nil {
		return nil, false
	}
	return node.Labels, true
}

func (v txnView) countOutgoing(id NodeID, edgeType string) (int, error) {
	return v.countAdjacent(outgoingIndexPrefix(id), edgeType)
}

func (v txnView) countIncoming(id NodeID, edgeType string) (int, error) {
	return v.countAdjacent(incomingIndexPrefix(id), edgeType)
}

func (v txnView) countAdjacent(prefix []byte, edgeType string) (int, error) {
	edgeIDs, err := collectEdgeIDs(v.txn, prefix)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, edgeID := range edgeIDs {
		edge, err := getEdgeInTxn(v.txn, edgeID)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return 0, err
		}
		if edge.Type == edgeType {
			count++
		}
	}
	return count, nil
}

func (v txnView) outgoingTarget(id NodeID, edgeType string) (NodeID, bool, error) {
	edgeIDs, err := collectEdgeIDs(v.txn, outgoingIndexPrefix(id))
	if err != nil {
		return "", false, err
	}

	for _, edgeID := range edgeIDs {
		edge, err := getEdgeInTxn(v.txn, edgeID)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return "", false, err
		}
		if edge.Type == edgeType {
			return edge.EndNode, true, nil
		}
	}
	return "", false, nil
}
