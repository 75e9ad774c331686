package muninn

import (
	"log/slog"
	"time"

	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/score"
	"github.com/orneryd/muninn/pkg/storage"
)

// Config tunes an opened database. The zero value is usable: a
// deterministic embedder, default score weights and the default retry
// policy.
type Config struct {
	// Embedder produces vectors for descriptive text. Nil selects the
	// offline deterministic provider.
	Embedder embed.Embedder

	// Weights for reducing backtest metrics to a scalar score. The
	// zero value selects score.DefaultWeights.
	Weights score.Weights

	// Retry policy for transient store failures. The zero value
	// selects DefaultRetry.
	Retry Retry

	// SyncWrites forces fsync on every persistent write. Ignored for
	// the in-memory engine.
	SyncWrites bool

	// Logger receives operational events. Nil selects slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with every field at its documented
// default.
func DefaultConfig() *Config {
	return &Config{
		Embedder: embed.NewDeterministic(embed.DefaultDeterministicDimensions),
		Weights:  score.DefaultWeights(),
		Retry:    DefaultRetry(),
	}
}

// Idea is a hydrated Idea node.
type Idea struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags,omitempty"`
	TestCount   uint64    `json:"testCount"`
	TotalScore  float64   `json:"totalScore"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Scenario is a hydrated Scenario node. ParentID resolves the
// SUBIDEA_OF edge.
type Scenario struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags,omitempty"`
	ParentID    string    `json:"parentId"`
	TestCount   uint64    `json:"testCount"`
	TotalScore  float64   `json:"totalScore"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Context is a hydrated Context node: the market/timeframe pairing a
// backtest executes under.
type Context struct {
	ID          string    `json:"id"`
	Market      string    `json:"market"`
	Timeframe   string    `json:"timeframe"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Backtest is a hydrated Backtest node. SubjectID resolves the
// TESTED_IN edge, ContextID the EXECUTED_IN edge, ScenarioID the
// optional APPLIES_TO edge.
type Backtest struct {
	ID         string             `json:"id"`
	SubjectID  string             `json:"subjectId"`
	ContextID  string             `json:"contextId"`
	ScenarioID string             `json:"scenarioId,omitempty"`
	Metrics    map[string]float64 `json:"metrics"`
	Notes      string             `json:"notes,omitempty"`
	Score      float64            `json:"score"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// BacktestSpec describes one backtest to record. SubjectID must name an
// Idea or Scenario, ContextID a Context; ScenarioID optionally links
// the scenario refinement the run exercised, distinct from the subject.
type BacktestSpec struct {
	SubjectID  string
	ContextID  string
	Metrics    map[string]float64
	Notes      string
	ScenarioID string
}

// Match is one similarity-search hit.
type Match struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

// MetricRank is one entry of a BestByMetric ranking: the node and its
// average per-test value of the requested metric.
type MetricRank struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

// NodeStat carries the bandit-relevant aggregates of one node.
type NodeStat struct {
	ID         string  `json:"id"`
	TestCount  uint64  `json:"testCount"`
	TotalScore float64 `json:"totalScore"`
}

// Subgraph is a read-only snapshot of the neighborhood around a root
// node, for export and visualization. Nodes and edges are copies,
// sorted by id.
type Subgraph struct {
	RootID string          `json:"rootId"`
	Depth  int             `json:"depth"`
	Nodes  []*storage.Node `json:"nodes"`
	Edges  []*storage.Edge `json:"edges"`
}

// RepairReport summarizes a RebuildStats pass.
type RepairReport struct {
	// NodesChecked is the number of Idea/Scenario nodes examined.
	NodesChecked int `json:"nodesChecked"`

	// NodesRepaired is how many had drifted counters rewritten.
	NodesRepaired int `json:"nodesRepaired"`

	// Drifted lists the repaired node ids, sorted.
	Drifted []string `json:"drifted,omitempty"`
}

// DBStats is a point-in-time snapshot of storage and index sizes.
type DBStats struct {
	Nodes     int64 `json:"nodes"`
	Edges     int64 `json:"edges"`
	Ideas     int   `json:"ideas"`
	Scenarios int   `json:"scenarios"`
	Contexts  int   `json:"contexts"`
	Backtests int   `json:"backtests"`

	// Vectors counts index entries per node type.
	Vectors map[string]int `json:"vectors"`

	// EmbedCache is present when the configured embedder is a
	// CachedEmbedder.
	EmbedCache *embed.CacheStats `json:"embedCache,omitempty"`
}
