package muninn

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/orneryd/muninn/pkg/convert"
	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/storage"
)

// FindSimilar embeds text and returns the topK most similar nodes of
// the given type, descending similarity, ties by ascending id. An index
// with no entries of that type yields an empty result.
func (db *DB) FindSimilar(ctx context.Context, text, nodeType string, topK int) ([]Match, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ValidationError{Field: "text", Reason: "must not be blank"}
	}
	label, err := canonicalLabel(nodeType)
	if err != nil {
		return nil, err
	}
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	vec, err := db.embedText(ctx, text)
	if err != nil {
		return nil, err
	}

	results, err := db.index.Search(ctx, vec, label, topK)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{ID: r.ID, Similarity: r.Similarity}
	}
	return matches, nil
}

// BestByMetric ranks Idea and Scenario nodes by the average per-test
// value of one raw metric across their directly linked Backtests. Nodes
// with no backtests are excluded. Descending value, ties by ascending
// id, at most topK entries.
func (db *DB) BestByMetric(ctx context.Context, metricName string, topK int) ([]MetricRank, error) {
	if strings.TrimSpace(metricName) == "" {
		return nil, &ValidationError{Field: "metricName", Reason: "must not be blank"}
	}
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []MetricRank{}, nil
	}

	subjects, err := db.ideaAndScenarioNodes()
	if err != nil {
		return nil, err
	}

	ranks := make([]MetricRank, 0, len(subjects))
	for _, subject := range subjects {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		edges, err := db.engine.GetOutgoingEdges(subject.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // raced with a delete
			}
			return nil, mapStoreError(err)
		}

		var sum float64
		var tests int
		for _, edge := range edges {
			if edge.Type != storage.EdgeTestedIn {
				continue
			}
			backtest, err := db.engine.GetNode(edge.EndNode)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return nil, mapStoreError(err)
			}
			metrics := convert.ToFloat64Map(backtest.Properties["metrics"])
			sum += metrics[metricName]
			tests++
		}
		if tests == 0 {
			continue
		}
		ranks = append(ranks, MetricRank{ID: string(subject.ID), Value: sum / float64(tests)})
	}

	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].Value != ranks[j].Value {
			return ranks[i].Value > ranks[j].Value
		}
		return ranks[i].ID < ranks[j].ID
	})
	if len(ranks) > topK {
		ranks = ranks[:topK]
	}
	return ranks, nil
}

// Children returns the bandit statistics of a node's direct SUBIDEA_OF
// children, sorted by id.
func (db *DB) Children(ctx context.Context, id string) ([]NodeStat, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	incoming, err := db.engine.GetIncomingEdges(storage.NodeID(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &NotFoundError{Kind: "node", ID: id}
		}
		return nil, mapStoreError(err)
	}

	stats := make([]NodeStat, 0, len(incoming))
	for _, edge := range incoming {
		if edge.Type != storage.EdgeSubideaOf {
			continue
		}
		child, err := db.engine.GetNode(edge.StartNode)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, mapStoreError(err)
		}
		stats = append(stats, NodeStat{
			ID:         string(child.ID),
			TestCount:  child.TestCount,
			TotalScore: child.TotalScore,
		})
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats, nil
}

// NodeStats returns the bandit statistics of one node.
func (db *DB) NodeStats(ctx context.Context, id string) (NodeStat, error) {
	if err := db.checkOpen(); err != nil {
		return NodeStat{}, err
	}
	node, err := db.engine.GetNode(storage.NodeID(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return NodeStat{}, &NotFoundError{Kind: "node", ID: id}
		}
		return NodeStat{}, mapStoreError(err)
	}
	return NodeStat{
		ID:         string(node.ID),
		TestCount:  node.TestCount,
		TotalScore: node.TotalScore,
	}, nil
}

// Subgraph returns a breadth-limited snapshot around rootID along all
// four relationship types, in both directions. Depth 0 is just the
// root. Read-only; nodes and edges are copies sorted by id.
func (db *DB) Subgraph(ctx context.Context, rootID string, depth int) (*Subgraph, error) {
	if depth < 0 {
		return nil, &ValidationError{Field: "depth", Reason: "must not be negative"}
	}
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	root, err := db.engine.GetNode(storage.NodeID(rootID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &NotFoundError{Kind: "root", ID: rootID}
		}
		return nil, mapStoreError(err)
	}

	nodes := map[storage.NodeID]*storage.Node{root.ID: root}
	edges := map[storage.EdgeID]*storage.Edge{}
	frontier := []storage.NodeID{root.ID}

	for level := 0; level < depth && len(frontier) > 0; level++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var next []storage.NodeID
		for _, id := range frontier {
			adjacent, err := db.adjacentEdges(id)
			if err != nil {
				return nil, err
			}
			for _, edge := range adjacent {
				if _, seen := edges[edge.ID]; seen {
					continue
				}
				edges[edge.ID] = edge

				for _, neighborID := range []storage.NodeID{edge.StartNode, edge.EndNode} {
					if _, seen := nodes[neighborID]; seen {
						continue
					}
					neighbor, err := db.engine.GetNode(neighborID)
					if err != nil {
						if errors.Is(err, storage.ErrNotFound) {
							continue
						}
						return nil, mapStoreError(err)
					}
					nodes[neighborID] = neighbor
					next = append(next, neighborID)
				}
			}
		}
		frontier = next
	}

	// Drop edges whose far endpoint fell outside the depth cut.
	snapshot := &Subgraph{RootID: rootID, Depth: depth}
	for _, node := range nodes {
		snapshot.Nodes = append(snapshot.Nodes, node)
	}
	for _, edge := range edges {
		if _, ok := nodes[edge.StartNode]; !ok {
			continue
		}
		if _, ok := nodes[edge.EndNode]; !ok {
			continue
		}
		snapshot.Edges = append(snapshot.Edges, edge)
	}

	sort.Slice(snapshot.Nodes, func(i, j int) bool { return snapshot.Nodes[i].ID < snapshot.Nodes[j].ID })
	sort.Slice(snapshot.Edges, func(i, j int) bool { return snapshot.Edges[i].ID < snapshot.Edges[j].ID })
	return snapshot, nil
}

func (db *DB) adjacentEdges(id storage.NodeID) ([]*storage.Edge, error) {
	outgoing, err := db.engine.GetOutgoingEdges(id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, mapStoreError(err)
	}
	incoming, err := db.engine.GetIncomingEdges(id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, mapStoreError(err)
	}
	return append(outgoing, incoming...), nil
}

// FindContext returns the Context for an exact (market, timeframe)
// pairing, matched case-insensitively; with duplicates, the lowest id
// wins. Context uniqueness is the caller's discretion; this is the
// reuse path.
func (db *DB) FindContext(ctx context.Context, market, timeframe string) (*Context, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	nodes, err := db.engine.GetNodesByLabel(storage.LabelContext)
	if err != nil {
		return nil, mapStoreError(err)
	}

	var found *storage.Node
	for _, node := range nodes {
		m, _ := convert.ToString(node.Properties["market"])
		tf, _ := convert.ToString(node.Properties["timeframe"])
		if !strings.EqualFold(m, market) || !strings.EqualFold(tf, timeframe) {
			continue
		}
		if found == nil || node.ID < found.ID {
			found = node
		}
	}
	if found == nil {
		return nil, &NotFoundError{Kind: "context", ID: market + "/" + timeframe}
	}
	return hydrateContext(found), nil
}

// ============================================================================
// Typed getters
// ============================================================================

// GetIdea returns a hydrated Idea.
func (db *DB) GetIdea(ctx context.Context, id string) (*Idea, error) {
	node, err := db.getLabeled(id, storage.LabelIdea, "idea")
	if err != nil {
		return nil, err
	}
	return &Idea{
		ID:          string(node.ID),
		Description: stringProp(node, "description"),
		Tags:        convert.ToStringSlice(node.Properties["tags"]),
		TestCount:   node.TestCount,
		TotalScore:  node.TotalScore,
		CreatedAt:   node.CreatedAt,
		UpdatedAt:   node.UpdatedAt,
	}, nil
}

// GetScenario returns a hydrated Scenario with its parent resolved.
func (db *DB) GetScenario(ctx context.Context, id string) (*Scenario, error) {
	node, err := db.getLabeled(id, storage.LabelScenario, "scenario")
	if err != nil {
		return nil, err
	}

	parentID, _, err := db.subideaParent(node.ID)
	if err != nil {
		return nil, err
	}

	return &Scenario{
		ID:          string(node.ID),
		Description: stringProp(node, "description"),
		Tags:        convert.ToStringSlice(node.Properties["tags"]),
		ParentID:    string(parentID),
		TestCount:   node.TestCount,
		TotalScore:  node.TotalScore,
		CreatedAt:   node.CreatedAt,
		UpdatedAt:   node.UpdatedAt,
	}, nil
}

// GetContext returns a hydrated Context.
func (db *DB) GetContext(ctx context.Context, id string) (*Context, error) {
	node, err := db.getLabeled(id, storage.LabelContext, "context")
	if err != nil {
		return nil, err
	}
	return hydrateContext(node), nil
}

// GetBacktest returns a hydrated Backtest with its edges resolved.
func (db *DB) GetBacktest(ctx context.Context, id string) (*Backtest, error) {
	node, err := db.getLabeled(id, storage.LabelBacktest, "backtest")
	if err != nil {
		return nil, err
	}

	backtest := &Backtest{
		ID:        string(node.ID),
		Metrics:   convert.ToFloat64Map(node.Properties["metrics"]),
		Notes:     stringProp(node, "notes"),
		CreatedAt: node.CreatedAt,
	}
	if v, ok := convert.ToFloat64(node.Properties["score"]); ok {
		backtest.Score = v
	}

	incoming, err := db.engine.GetIncomingEdges(node.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, mapStoreError(err)
	}
	for _, edge := range incoming {
		if edge.Type == storage.EdgeTestedIn {
			backtest.SubjectID = string(edge.StartNode)
		}
	}

	outgoing, err := db.engine.GetOutgoingEdges(node.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, mapStoreError(err)
	}
	for _, edge := range outgoing {
		switch edge.Type {
		case storage.EdgeExecutedIn:
			backtest.ContextID = string(edge.EndNode)
		case storage.EdgeAppliesTo:
			backtest.ScenarioID = string(edge.EndNode)
		}
	}
	return backtest, nil
}

func (db *DB) getLabeled(id, label, kind string) (*storage.Node, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	node, err := db.engine.GetNode(storage.NodeID(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &NotFoundError{Kind: kind, ID: id}
		}
		return nil, mapStoreError(err)
	}
	if !node.HasLabel(label) {
		return nil, &NotFoundError{Kind: kind, ID: id}
	}
	return node, nil
}

func (db *DB) ideaAndScenarioNodes() ([]*storage.Node, error) {
	ideas, err := db.engine.GetNodesByLabel(storage.LabelIdea)
	if err != nil {
		return nil, mapStoreError(err)
	}
	scenarios, err := db.engine.GetNodesByLabel(storage.LabelScenario)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return append(ideas, scenarios...), nil
}

func hydrateContext(node *storage.Node) *Context {
	return &Context{
		ID:          string(node.ID),
		Market:      stringProp(node, "market"),
		Timeframe:   stringProp(node, "timeframe"),
		Description: stringProp(node, "description"),
		CreatedAt:   node.CreatedAt,
	}
}

func stringProp(node *storage.Node, key string) string {
	s, _ := convert.ToString(node.Properties[key])
	return s
}

// Stats returns a point-in-time snapshot of store and index sizes.
func (db *DB) Stats() (*DBStats, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	nodes, err := db.engine.NodeCount()
	if err != nil {
		return nil, mapStoreError(err)
	}
	edges, err := db.engine.EdgeCount()
	if err != nil {
		return nil, mapStoreError(err)
	}

	stats := &DBStats{
		Nodes:   nodes,
		Edges:   edges,
		Vectors: make(map[string]int, 3),
	}

	for _, label := range []string{
		storage.LabelIdea, storage.LabelScenario,
		storage.LabelContext, storage.LabelBacktest,
	} {
		labeled, err := db.engine.GetNodesByLabel(label)
		if err != nil {
			return nil, mapStoreError(err)
		}
		switch label {
		case storage.LabelIdea:
			stats.Ideas = len(labeled)
		case storage.LabelScenario:
			stats.Scenarios = len(labeled)
		case storage.LabelContext:
			stats.Contexts = len(labeled)
		case storage.LabelBacktest:
			stats.Backtests = len(labeled)
		}
		if n := db.index.Len(label); n > 0 {
			stats.Vectors[label] = n
		}
	}

	if cached, ok := db.embedder.(*embed.CachedEmbedder); ok {
		cacheStats := cached.Stats()
		stats.EmbedCache = &cacheStats
	}
	return stats, nil
}
