// Package muninn is the hybrid research memory: a typed graph of Ideas,
// Scenarios, Contexts and Backtests kept consistent with a vector
// similarity index behind one API.
//
// The DB owns both backing stores. Every write that touches descriptive
// text lands the graph node and its vector as a unit; backtest writes
// land the Backtest node, its edges and the subject's bandit counters
// in one atomic batch. Nothing else in the process writes to either
// store directly.
//
// Example:
//
//	db, err := muninn.Open("", nil) // in-memory, deterministic embedder
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	rootID, _ := db.AddIdea(ctx, "mean reversion on SPY", []string{"etf"})
//	ctxID, _ := db.AddContext(ctx, "SPY", "1d", "")
//	db.AddBacktest(ctx, muninn.BacktestSpec{
//		SubjectID: rootID,
//		ContextID: ctxID,
//		Metrics:   map[string]float64{"Sharpe": 1.2},
//	})
package muninn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/score"
	"github.com/orneryd/muninn/pkg/search"
	"github.com/orneryd/muninn/pkg/storage"
)

// ID prefixes, one per node kind plus edges.
const (
	idPrefixIdea     = "idea"
	idPrefixScenario = "scn"
	idPrefixContext  = "ctx"
	idPrefixBacktest = "bt"
	idPrefixEdge     = "e"
)

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// DB is the hybrid memory. Safe for concurrent use: reads run
// concurrently against engine snapshots, all mutation is serialized
// through a single write mutex so counter read-modify-write cycles
// never interleave.
type DB struct {
	engine   storage.Engine
	index    *search.VectorIndex
	embedder embed.Embedder
	weights  score.Weights
	retry    Retry
	logger   *slog.Logger

	// writeMu serializes every mutation.
	writeMu sync.Mutex

	mu     sync.RWMutex // guards closed
	closed bool
}

// Open opens a database. An empty dataDir selects the in-memory engine;
// anything else opens (creating if needed) a persistent BadgerDB store
// in that directory and rebuilds the similarity index from the stored
// node vectors.
func Open(dataDir string, cfg *Config) (*DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	embedder := cfg.Embedder
	if embedder == nil {
		embedder = embed.NewDeterministic(embed.DefaultDeterministicDimensions)
	}

	weights := cfg.Weights
	if weights == (score.Weights{}) {
		weights = score.DefaultWeights()
	}
	if err := weights.Validate(); err != nil {
		return nil, fmt.Errorf("score weights: %w", err)
	}

	retry := cfg.Retry
	if retry.Attempts <= 0 {
		retry = DefaultRetry()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "muninn")

	var engine storage.Engine
	if dataDir == "" {
		engine = storage.NewMemoryEngine()
	} else {
		badgerEngine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:    dataDir,
			SyncWrites: cfg.SyncWrites,
		})
		if err != nil {
			return nil, fmt.Errorf("open graph store: %w", err)
		}
		engine = badgerEngine
	}

	db := &DB{
		engine:   engine,
		index:    search.NewVectorIndex(embedder.Dimensions()),
		embedder: embedder,
		weights:  weights,
		retry:    retry,
		logger:   logger,
	}

	if err := db.rebuildIndex(context.Background()); err != nil {
		engine.Close()
		return nil, fmt.Errorf("rebuild similarity index: %w", err)
	}

	nodes, _ := engine.NodeCount()
	logger.Info("database open",
		"dataDir", dataDir,
		"nodes", nodes,
		"embedder", embedder.Model(),
	)
	return db, nil
}

// Close releases both stores. Further operations return ErrClosed.
func (db *DB) Close() error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	return db.engine.Close()
}

func (db *DB) checkOpen() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return nil
}

// rebuildIndex restores the similarity index from the vectors stored on
// the nodes themselves. Vectors written by a differently-dimensioned
// embedder are skipped with a warning; EmbedMissing re-creates them.
func (db *DB) rebuildIndex(ctx context.Context) error {
	return storage.StreamNodesWithFallback(ctx, db.engine, func(node *storage.Node) error {
		if len(node.Embedding) == 0 {
			return nil
		}
		if err := db.index.Add(string(node.ID), primaryLabel(node), node.Embedding); err != nil {
			db.logger.Warn("skipping stored vector",
				"node", node.ID,
				"error", err,
			)
		}
		return nil
	})
}

// primaryLabel picks the canonical node kind used to scope the
// similarity index.
func primaryLabel(node *storage.Node) string {
	for _, canonical := range []string{
		storage.LabelIdea, storage.LabelScenario,
		storage.LabelContext, storage.LabelBacktest,
	} {
		if node.HasLabel(canonical) {
			return canonical
		}
	}
	if len(node.Labels) > 0 {
		return node.Labels[0]
	}
	return ""
}

// canonicalLabel resolves a caller-supplied node type name,
// case-insensitively, to its canonical label.
func canonicalLabel(nodeType string) (string, error) {
	for _, canonical := range []string{
		storage.LabelIdea, storage.LabelScenario,
		storage.LabelContext, storage.LabelBacktest,
	} {
		if strings.EqualFold(nodeType, canonical) {
			return canonical, nil
		}
	}
	return "", &ValidationError{Field: "nodeType", Reason: fmt.Sprintf("unknown node type %q", nodeType)}
}

// ============================================================================
// Retry
// ============================================================================

// withRetry runs fn, retrying with exponential backoff and jitter while
// the failure is the retryable store-unavailable class. Any other error
// returns immediately; exhausting the attempts wraps the last error in
// a *StoreUnavailableError.
func (db *DB) withRetry(ctx context.Context, store string, fn func() error) error {
	delay := db.retry.Backoff
	if delay <= 0 {
		delay = DefaultRetry().Backoff
	}

	var err error
	for attempt := 1; attempt <= db.retry.Attempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, embed.ErrUnavailable) {
			return err
		}
		if attempt == db.retry.Attempts {
			break
		}

		sleep := delay
		if db.retry.Jitter > 0 {
			sleep -= time.Duration(rand.Float64() * db.retry.Jitter * float64(delay))
		}
		db.logger.Warn("store unavailable, retrying",
			"store", store,
			"attempt", attempt,
			"backoff", sleep,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if db.retry.MaxBackoff > 0 && delay > db.retry.MaxBackoff {
			delay = db.retry.MaxBackoff
		}
	}

	return &StoreUnavailableError{Store: store, Attempts: db.retry.Attempts, Err: err}
}

func (db *DB) embedText(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := db.withRetry(ctx, "embedder", func() error {
		v, embedErr := db.embedder.Embed(ctx, text)
		if embedErr != nil {
			return embedErr
		}
		vec = v
		return nil
	})
	return vec, err
}

// mapStoreError translates storage sentinels the caller shouldn't see
// into the package's error taxonomy. ErrCycle and ErrNotFound carry
// call-site context and are mapped by the callers themselves.
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	var violation *storage.ConstraintViolationError
	switch {
	case errors.As(err, &violation):
		return &ValidationError{Field: "edge", Reason: violation.Error()}
	case errors.Is(err, storage.ErrStorageClosed):
		return ErrClosed
	}
	return err
}

// ============================================================================
// Write operations
// ============================================================================

// AddIdea creates a root Idea with zero counters. The description is
// embedded and the node and its vector land as a unit.
func (db *DB) AddIdea(ctx context.Context, description string, tags []string) (string, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return "", &ValidationError{Field: "description", Reason: "must not be blank"}
	}
	if err := db.checkOpen(); err != nil {
		return "", err
	}

	vec, err := db.embedText(ctx, description)
	if err != nil {
		return "", err
	}

	id := newID(idPrefixIdea)
	now := time.Now().UTC()
	node := &storage.Node{
		ID:         storage.NodeID(id),
		Labels:     []string{storage.LabelIdea},
		Properties: map[string]any{"description": description},
		CreatedAt:  now,
		UpdatedAt:  now,
		Embedding:  vec,
	}
	if len(tags) > 0 {
		node.Properties["tags"] = append([]string(nil), tags...)
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if err := db.engine.CreateNode(node); err != nil {
		return "", mapStoreError(err)
	}
	if err := db.index.Add(id, storage.LabelIdea, vec); err != nil {
		// Graph write succeeded but the vector didn't land; roll the
		// node back rather than leave the stores disagreeing.
		_ = db.engine.DeleteNode(node.ID)
		return "", fmt.Errorf("index idea %s: %w", id, err)
	}
	return id, nil
}

// AddScenario creates a Scenario under parentID (an Idea or another
// Scenario) with a SUBIDEA_OF edge, atomically with its vector.
func (db *DB) AddScenario(ctx context.Context, description, parentID string, tags []string) (string, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return "", &ValidationError{Field: "description", Reason: "must not be blank"}
	}
	if parentID == "" {
		return "", &ValidationError{Field: "parentId", Reason: "required"}
	}
	if err := db.checkOpen(); err != nil {
		return "", err
	}

	vec, err := db.embedText(ctx, description)
	if err != nil {
		return "", err
	}

	id := newID(idPrefixScenario)
	now := time.Now().UTC()
	node := &storage.Node{
		ID:         storage.NodeID(id),
		Labels:     []string{storage.LabelScenario},
		Properties: map[string]any{"description": description},
		CreatedAt:  now,
		UpdatedAt:  now,
		Embedding:  vec,
	}
	if len(tags) > 0 {
		node.Properties["tags"] = append([]string(nil), tags...)
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	parent, err := db.engine.GetNode(storage.NodeID(parentID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", &NotFoundError{Kind: "parent", ID: parentID}
		}
		return "", mapStoreError(err)
	}
	if !parent.HasLabel(storage.LabelIdea) && !parent.HasLabel(storage.LabelScenario) {
		return "", &ValidationError{Field: "parentId", Reason: "parent must be an Idea or Scenario"}
	}

	batch := &storage.Batch{
		CreateNodes: []*storage.Node{node},
		CreateEdges: []*storage.Edge{{
			ID:        storage.EdgeID(newID(idPrefixEdge)),
			StartNode: node.ID,
			EndNode:   parent.ID,
			Type:      storage.EdgeSubideaOf,
			CreatedAt: now,
		}},
	}
	if err := db.engine.ApplyBatch(batch); err != nil {
		if errors.Is(err, storage.ErrCycle) {
			return "", &CycleError{ScenarioID: id, ParentID: parentID}
		}
		return "", mapStoreError(err)
	}

	if err := db.index.Add(id, storage.LabelScenario, vec); err != nil {
		_ = db.engine.DeleteNode(node.ID)
		return "", fmt.Errorf("index scenario %s: %w", id, err)
	}
	return id, nil
}

// ReparentScenario atomically moves a Scenario under a new parent,
// swapping its SUBIDEA_OF edge. Moves that would make the scenario its
// own ancestor fail with *CycleError and change nothing.
func (db *DB) ReparentScenario(ctx context.Context, scenarioID, newParentID string) error {
	if scenarioID == "" {
		return &ValidationError{Field: "scenarioId", Reason: "required"}
	}
	if newParentID == "" {
		return &ValidationError{Field: "parentId", Reason: "required"}
	}
	if err := db.checkOpen(); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	scenario, err := db.engine.GetNode(storage.NodeID(scenarioID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &NotFoundError{Kind: "scenario", ID: scenarioID}
		}
		return mapStoreError(err)
	}
	if !scenario.HasLabel(storage.LabelScenario) {
		return &ValidationError{Field: "scenarioId", Reason: "not a Scenario"}
	}

	parent, err := db.engine.GetNode(storage.NodeID(newParentID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &NotFoundError{Kind: "parent", ID: newParentID}
		}
		return mapStoreError(err)
	}
	if !parent.HasLabel(storage.LabelIdea) && !parent.HasLabel(storage.LabelScenario) {
		return &ValidationError{Field: "parentId", Reason: "parent must be an Idea or Scenario"}
	}

	outgoing, err := db.engine.GetOutgoingEdges(scenario.ID)
	if err != nil {
		return mapStoreError(err)
	}

	batch := &storage.Batch{
		CreateEdges: []*storage.Edge{{
			ID:        storage.EdgeID(newID(idPrefixEdge)),
			StartNode: scenario.ID,
			EndNode:   parent.ID,
			Type:      storage.EdgeSubideaOf,
			CreatedAt: time.Now().UTC(),
		}},
	}
	for _, edge := range outgoing {
		if edge.Type == storage.EdgeSubideaOf {
			batch.DeleteEdges = append(batch.DeleteEdges, edge.ID)
		}
	}

	if err := db.engine.ApplyBatch(batch); err != nil {
		if errors.Is(err, storage.ErrCycle) {
			return &CycleError{ScenarioID: scenarioID, ParentID: newParentID}
		}
		return mapStoreError(err)
	}
	return nil
}

// AddContext creates a Context node for a market/timeframe pairing. An
// empty description defaults to "market timeframe" so the node stays
// findable by similarity search.
func (db *DB) AddContext(ctx context.Context, market, timeframe, description string) (string, error) {
	market = strings.TrimSpace(market)
	timeframe = strings.TrimSpace(timeframe)
	if market == "" {
		return "", &ValidationError{Field: "market", Reason: "must not be blank"}
	}
	if timeframe == "" {
		return "", &ValidationError{Field: "timeframe", Reason: "must not be blank"}
	}
	if err := db.checkOpen(); err != nil {
		return "", err
	}

	description = strings.TrimSpace(description)
	if description == "" {
		description = market + " " + timeframe
	}

	vec, err := db.embedText(ctx, description)
	if err != nil {
		return "", err
	}

	id := newID(idPrefixContext)
	now := time.Now().UTC()
	node := &storage.Node{
		ID:     storage.NodeID(id),
		Labels: []string{storage.LabelContext},
		Properties: map[string]any{
			"market":      market,
			"timeframe":   timeframe,
			"description": description,
		},
		CreatedAt: now,
		UpdatedAt: now,
		Embedding: vec,
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if err := db.engine.CreateNode(node); err != nil {
		return "", mapStoreError(err)
	}
	if err := db.index.Add(id, storage.LabelContext, vec); err != nil {
		_ = db.engine.DeleteNode(node.ID)
		return "", fmt.Errorf("index context %s: %w", id, err)
	}
	return id, nil
}

// AddBacktest records one immutable backtest result: a Backtest node, a
// TESTED_IN edge from the subject, an EXECUTED_IN edge to the context
// and an optional APPLIES_TO edge to a scenario, plus the subject's
// counter bump, all in one atomic batch.
func (db *DB) AddBacktest(ctx context.Context, spec BacktestSpec) (string, error) {
	return db.addBacktest(ctx, spec, false)
}

// AddBacktestPropagating is AddBacktest plus backpropagation: the
// counter bump is applied to the subject and every SUBIDEA_OF ancestor
// up to its root, in the same batch. Either the Backtest and the whole
// chain of updates land, or none of them do.
func (db *DB) AddBacktestPropagating(ctx context.Context, spec BacktestSpec) (string, error) {
	return db.addBacktest(ctx, spec, true)
}

func (db *DB) addBacktest(ctx context.Context, spec BacktestSpec, propagate bool) (string, error) {
	if spec.SubjectID == "" {
		return "", &ValidationError{Field: "subjectId", Reason: "required"}
	}
	if spec.ContextID == "" {
		return "", &ValidationError{Field: "contextId", Reason: "required"}
	}
	if err := db.checkOpen(); err != nil {
		return "", err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	subject, err := db.engine.GetNode(storage.NodeID(spec.SubjectID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", &NotFoundError{Kind: "subject", ID: spec.SubjectID}
		}
		return "", mapStoreError(err)
	}
	if !subject.HasLabel(storage.LabelIdea) && !subject.HasLabel(storage.LabelScenario) {
		return "", &ValidationError{Field: "subjectId", Reason: "subject must be an Idea or Scenario"}
	}

	contextNode, err := db.engine.GetNode(storage.NodeID(spec.ContextID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", &NotFoundError{Kind: "context", ID: spec.ContextID}
		}
		return "", mapStoreError(err)
	}
	if !contextNode.HasLabel(storage.LabelContext) {
		return "", &ValidationError{Field: "contextId", Reason: "not a Context"}
	}

	var scenarioNode *storage.Node
	if spec.ScenarioID != "" {
		scenarioNode, err = db.engine.GetNode(storage.NodeID(spec.ScenarioID))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", &NotFoundError{Kind: "scenario", ID: spec.ScenarioID}
			}
			return "", mapStoreError(err)
		}
		if !scenarioNode.HasLabel(storage.LabelScenario) {
			return "", &ValidationError{Field: "scenarioId", Reason: "not a Scenario"}
		}
	}

	reduced := db.weights.Score(spec.Metrics)
	id := newID(idPrefixBacktest)
	now := time.Now().UTC()

	metrics := make(map[string]float64, len(spec.Metrics))
	for k, v := range spec.Metrics {
		metrics[k] = v
	}

	backtest := &storage.Node{
		ID:     storage.NodeID(id),
		Labels: []string{storage.LabelBacktest},
		Properties: map[string]any{
			"metrics": metrics,
			"score":   reduced,
			"date":    now.Format(time.RFC3339),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if spec.Notes != "" {
		backtest.Properties["notes"] = spec.Notes
	}

	updates, err := db.counterUpdates(subject, reduced, now, propagate)
	if err != nil {
		return "", err
	}

	batch := &storage.Batch{
		CreateNodes: []*storage.Node{backtest},
		UpdateNodes: updates,
		CreateEdges: []*storage.Edge{
			{
				ID:        storage.EdgeID(newID(idPrefixEdge)),
				StartNode: subject.ID,
				EndNode:   backtest.ID,
				Type:      storage.EdgeTestedIn,
				CreatedAt: now,
			},
			{
				ID:        storage.EdgeID(newID(idPrefixEdge)),
				StartNode: backtest.ID,
				EndNode:   contextNode.ID,
				Type:      storage.EdgeExecutedIn,
				CreatedAt: now,
			},
		},
	}
	if scenarioNode != nil {
		batch.CreateEdges = append(batch.CreateEdges, &storage.Edge{
			ID:        storage.EdgeID(newID(idPrefixEdge)),
			StartNode: backtest.ID,
			EndNode:   scenarioNode.ID,
			Type:      storage.EdgeAppliesTo,
			CreatedAt: now,
		})
	}

	if err := db.engine.ApplyBatch(batch); err != nil {
		return "", mapStoreError(err)
	}
	return id, nil
}

// counterUpdates builds the node updates for one backtest: the subject
// bumped by (1, reduced), and with propagation, every SUBIDEA_OF
// ancestor up to the root.
func (db *DB) counterUpdates(subject *storage.Node, reduced float64, now time.Time, propagate bool) ([]*storage.Node, error) {
	bump := func(n *storage.Node) *storage.Node {
		n.TestCount++
		n.TotalScore += reduced
		n.UpdatedAt = now
		return n
	}

	updates := []*storage.Node{bump(subject)}
	if !propagate {
		return updates, nil
	}

	seen := map[storage.NodeID]struct{}{subject.ID: {}}
	current := subject.ID
	for {
		parentID, ok, err := db.subideaParent(current)
		if err != nil {
			return nil, err
		}
		if !ok {
			return updates, nil
		}
		if _, dup := seen[parentID]; dup {
			// The forest invariant makes this unreachable; bail rather
			// than loop if the store is ever corrupted.
			return nil, fmt.Errorf("ancestor chain of %s revisits %s: %w", subject.ID, parentID, storage.ErrCycle)
		}
		seen[parentID] = struct{}{}

		parent, err := db.engine.GetNode(parentID)
		if err != nil {
			return nil, mapStoreError(err)
		}
		updates = append(updates, bump(parent))
		current = parentID
	}
}

// subideaParent resolves a node's single SUBIDEA_OF parent, if any.
func (db *DB) subideaParent(id storage.NodeID) (storage.NodeID, bool, error) {
	edges, err := db.engine.GetOutgoingEdges(id)
	if err != nil {
		return "", false, mapStoreError(err)
	}
	for _, edge := range edges {
		if edge.Type == storage.EdgeSubideaOf {
			return edge.EndNode, true, nil
		}
	}
	return "", false, nil
}
