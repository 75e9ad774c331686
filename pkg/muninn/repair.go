package muninn

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/muninn/pkg/convert"
	"github.com/orneryd/muninn/pkg/storage"
)

// counterTolerance absorbs float accumulation noise when comparing a
// stored TotalScore against its recomputed value.
const counterTolerance = 1e-9

// embedMissingParallelism bounds concurrent embedding calls during
// EmbedMissing.
const embedMissingParallelism = 4

// RebuildStats recomputes every Idea/Scenario's TestCount and
// TotalScore from the graph itself (TESTED_IN edges, the score function
// over each Backtest's stored metrics, and SUBIDEA_OF backpropagation)
// and rewrites the nodes whose stored counters have drifted. The
// disaster-recovery path for the denormalized counters.
//
// The recomputed value counts the backtests of the node's whole
// SUBIDEA_OF subtree, matching what AddBacktestPropagating maintains
// during search.
func (db *DB) RebuildStats(ctx context.Context) (*RepairReport, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	// Pass 1: nodes. Backtest scores are recomputed from raw metrics,
	// not read back from the stored reduction, so a weight change is
	// also repaired here.
	backtestScores := make(map[storage.NodeID]float64)
	subjects := make(map[storage.NodeID]*storage.Node)
	err := storage.StreamNodesWithFallback(ctx, db.engine, func(node *storage.Node) error {
		switch {
		case node.HasLabel(storage.LabelBacktest):
			metrics := convert.ToFloat64Map(node.Properties["metrics"])
			backtestScores[node.ID] = db.weights.Score(metrics)
		case node.HasLabel(storage.LabelIdea), node.HasLabel(storage.LabelScenario):
			subjects[node.ID] = node
		}
		return nil
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	// Pass 2: edges. Direct per-subject stats plus the parent relation
	// for backpropagation.
	type stat struct {
		count uint64
		total float64
	}
	direct := make(map[storage.NodeID]stat)
	parentOf := make(map[storage.NodeID]storage.NodeID)
	err = storage.StreamEdgesWithFallback(ctx, db.engine, func(edge *storage.Edge) error {
		switch edge.Type {
		case storage.EdgeTestedIn:
			s := direct[edge.StartNode]
			s.count++
			s.total += backtestScores[edge.EndNode]
			direct[edge.StartNode] = s
		case storage.EdgeSubideaOf:
			parentOf[edge.StartNode] = edge.EndNode
		}
		return nil
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	// Propagate each subject's direct stats up its ancestor chain.
	aggregate := make(map[storage.NodeID]stat, len(direct))
	for id, d := range direct {
		seen := map[storage.NodeID]struct{}{}
		for cur := id; ; {
			if _, dup := seen[cur]; dup {
				return nil, fmt.Errorf("ancestor chain of %s revisits %s: %w", id, cur, storage.ErrCycle)
			}
			seen[cur] = struct{}{}

			a := aggregate[cur]
			a.count += d.count
			a.total += d.total
			aggregate[cur] = a

			parent, ok := parentOf[cur]
			if !ok {
				break
			}
			cur = parent
		}
	}

	report := &RepairReport{NodesChecked: len(subjects)}
	var updates []*storage.Node
	for id, node := range subjects {
		want := aggregate[id]
		if node.TestCount == want.count && math.Abs(node.TotalScore-want.total) <= counterTolerance {
			continue
		}
		node.TestCount = want.count
		node.TotalScore = want.total
		updates = append(updates, node)
		report.Drifted = append(report.Drifted, string(id))
	}

	if len(updates) > 0 {
		if err := db.engine.ApplyBatch(&storage.Batch{UpdateNodes: updates}); err != nil {
			return nil, mapStoreError(err)
		}
	}

	report.NodesRepaired = len(updates)
	sort.Strings(report.Drifted)
	db.logger.Info("stats rebuilt",
		"checked", report.NodesChecked,
		"repaired", report.NodesRepaired,
	)
	return report, nil
}

// EmbedMissing finds described nodes whose vector is absent, orphans
// left by an embedding provider that was down when the node's text was
// last rewritten. It embeds them with bounded parallelism and writes the
// vectors back to both stores. Returns how many nodes were repaired.
func (db *DB) EmbedMissing(ctx context.Context) (int, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}

	type candidate struct {
		id   storage.NodeID
		kind string
		text string
		vec  []float32
	}

	var candidates []*candidate
	err := storage.StreamNodesWithFallback(ctx, db.engine, func(node *storage.Node) error {
		if !storage.DescribedNode(node) {
			return nil
		}
		// Orphans: no stored vector at all, or a stored vector the
		// index rebuild skipped (dimensions from an older embedder).
		if !storage.NeedsEmbedding(node) && db.index.Has(string(node.ID), primaryLabel(node)) {
			return nil
		}
		desc, _ := convert.ToString(node.Properties["description"])
		candidates = append(candidates, &candidate{
			id:   node.ID,
			kind: primaryLabel(node),
			text: desc,
		})
		return nil
	})
	if err != nil {
		return 0, mapStoreError(err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(embedMissingParallelism)
	for _, c := range candidates {
		group.Go(func() error {
			vec, err := db.embedText(groupCtx, c.text)
			if err != nil {
				return fmt.Errorf("embed %s: %w", c.id, err)
			}
			c.vec = vec
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	repaired := 0
	for _, c := range candidates {
		node, err := db.engine.GetNode(c.id)
		if err != nil {
			continue // deleted while we embedded
		}
		node.Embedding = c.vec
		if err := db.engine.UpdateNode(node); err != nil {
			return repaired, mapStoreError(err)
		}
		if err := db.index.Add(string(c.id), c.kind, c.vec); err != nil {
			return repaired, fmt.Errorf("index %s: %w", c.id, err)
		}
		repaired++
	}

	db.logger.Info("missing embeddings repaired", "count", repaired)
	return repaired, nil
}
