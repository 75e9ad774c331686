// Package storage schema: write-time relationship constraints.
//
// Edges in the research graph follow a fixed schema: which labels may
// sit at each end of a relationship type, how many edges of that type a
// node may carry, and whether the type must stay acyclic. Both engines
// run every edge write through this validation inside the same lock or
// transaction as the write itself, so a violating edge can never land.
package storage

import (
	"fmt"
	"strings"
)

// EdgeRule constrains one relationship type.
type EdgeRule struct {
	// Type is the relationship type the rule applies to.
	Type string

	// FromLabels / ToLabels list the labels permitted at the start and
	// end of the edge. A node satisfies the rule if it carries any of
	// the listed labels.
	FromLabels []string
	ToLabels   []string

	// SingleFrom limits a node to at most one outgoing edge of Type.
	SingleFrom bool

	// SingleTo limits a node to at most one incoming edge of Type.
	SingleTo bool

	// Acyclic rejects edges that would close a cycle over Type.
	// Meaningful together with SingleFrom: single-parent plus
	// acyclicity is what makes SUBIDEA_OF a forest.
	Acyclic bool
}

// Schema is the set of edge rules an engine enforces. Unknown
// relationship types are rejected outright; the research graph has a
// closed vocabulary.
type Schema struct {
	rules map[string]EdgeRule
}

// NewSchema builds a schema from explicit rules.
func NewSchema(rules ...EdgeRule) *Schema {
	s := &Schema{rules: make(map[string]EdgeRule, len(rules))}
	for _, r := range rules {
		s.rules[r.Type] = r
	}
	return s
}

// ResearchSchema returns the rules for the four research relationships:
//
//	TESTED_IN    Idea|Scenario -> Backtest   one incoming per Backtest
//	EXECUTED_IN  Backtest -> Context         one outgoing per Backtest
//	APPLIES_TO   Backtest -> Scenario        one outgoing per Backtest
//	SUBIDEA_OF   Scenario -> Idea|Scenario   one parent, acyclic
func ResearchSchema() *Schema {
	return NewSchema(
		EdgeRule{
			Type:       EdgeTestedIn,
			FromLabels: []string{LabelIdea, LabelScenario},
			ToLabels:   []string{LabelBacktest},
			SingleTo:   true,
		},
		EdgeRule{
			Type:       EdgeExecutedIn,
			FromLabels: []string{LabelBacktest},
			ToLabels:   []string{LabelContext},
			SingleFrom: true,
		},
		EdgeRule{
			Type:       EdgeAppliesTo,
			FromLabels: []string{LabelBacktest},
			ToLabels:   []string{LabelScenario},
			SingleFrom: true,
		},
		EdgeRule{
			Type:       EdgeSubideaOf,
			FromLabels: []string{LabelScenario},
			ToLabels:   []string{LabelIdea, LabelScenario},
			SingleFrom: true,
			Acyclic:    true,
		},
	)
}

// Rule returns the rule for a relationship type.
func (s *Schema) Rule(edgeType string) (EdgeRule, bool) {
	r, ok := s.rules[edgeType]
	return r, ok
}

// Types returns the relationship types the schema knows about.
func (s *Schema) Types() []string {
	types := make([]string, 0, len(s.rules))
	for t := range s.rules {
		types = append(types, t)
	}
	return types
}

// ConstraintViolationError reports an edge write rejected by the schema.
type ConstraintViolationError struct {
	Constraint string // "type", "endpoint" or "cardinality"
	EdgeType   string
	Message    string
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("constraint %s violated for %s: %s", e.Constraint, e.EdgeType, e.Message)
}

// graphView is the minimal read surface edge validation needs. Each
// engine implements it over its own locked or transactional state,
// including any batch staging, so validation sees exactly the graph
// the write will land in.
type graphView interface {
	// nodeLabels returns a node's labels, or ok=false if it is absent.
	nodeLabels(id NodeID) ([]string, bool)

	// countOutgoing / countIncoming count edges of edgeType at a node.
	countOutgoing(id NodeID, edgeType string) (int, error)
	countIncoming(id NodeID, edgeType string) (int, error)

	// outgoingTarget resolves the single outgoing edge of edgeType at
	// a node, if one exists. Used for ancestor walks.
	outgoingTarget(id NodeID, edgeType string) (NodeID, bool, error)
}

// validateEdge checks an edge against the schema over the given view.
// Returns ErrNotFound for missing endpoints, ErrCycle for cycles, and
// *ConstraintViolationError for type, endpoint and cardinality
// violations.
func (s *Schema) validateEdge(view graphView, edge *Edge) error {
	rule, ok := s.rules[edge.Type]
	if !ok {
		return &ConstraintViolationError{
			Constraint: "type",
			EdgeType:   edge.Type,
			Message:    "unknown relationship type",
		}
	}

	startLabels, ok := view.nodeLabels(edge.StartNode)
	if !ok {
		return fmt.Errorf("start node %s: %w", edge.StartNode, ErrNotFound)
	}
	endLabels, ok := view.nodeLabels(edge.EndNode)
	if !ok {
		return fmt.Errorf("end node %s: %w", edge.EndNode, ErrNotFound)
	}

	if !labelsPermit(startLabels, rule.FromLabels) {
		return &ConstraintViolationError{
			Constraint: "endpoint",
			EdgeType:   edge.Type,
			Message: fmt.Sprintf("start node %s has labels %v, want one of %v",
				edge.StartNode, startLabels, rule.FromLabels),
		}
	}
	if !labelsPermit(endLabels, rule.ToLabels) {
		return &ConstraintViolationError{
			Constraint: "endpoint",
			EdgeType:   edge.Type,
			Message: fmt.Sprintf("end node %s has labels %v, want one of %v",
				edge.EndNode, endLabels, rule.ToLabels),
		}
	}

	if rule.SingleFrom {
		n, err := view.countOutgoing(edge.StartNode, edge.Type)
		if err != nil {
			return err
		}
		if n > 0 {
			return &ConstraintViolationError{
				Constraint: "cardinality",
				EdgeType:   edge.Type,
				Message: fmt.Sprintf("node %s already has an outgoing %s edge",
					edge.StartNode, edge.Type),
			}
		}
	}
	if rule.SingleTo {
		n, err := view.countIncoming(edge.EndNode, edge.Type)
		if err != nil {
			return err
		}
		if n > 0 {
			return &ConstraintViolationError{
				Constraint: "cardinality",
				EdgeType:   edge.Type,
				Message: fmt.Sprintf("node %s already has an incoming %s edge",
					edge.EndNode, edge.Type),
			}
		}
	}

	if rule.Acyclic {
		if err := checkAcyclic(view, edge); err != nil {
			return err
		}
	}

	return nil
}

// checkAcyclic rejects an edge child->parent when child is already an
// ancestor of parent over the same relationship type (or parent is the
// child itself). Walks the single-parent chain upward from the proposed
// parent; the existing graph is a forest, so the walk terminates.
func checkAcyclic(view graphView, edge *Edge) error {
	if edge.StartNode == edge.EndNode {
		return fmt.Errorf("%s on %s: %w", edge.Type, edge.StartNode, ErrCycle)
	}

	cur := edge.EndNode
	for {
		next, ok, err := view.outgoingTarget(cur, edge.Type)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if next == edge.StartNode {
			return fmt.Errorf("%s from %s to %s: %w", edge.Type, edge.StartNode, edge.EndNode, ErrCycle)
		}
		cur = next
	}
}

func labelsPermit(nodeLabels, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, have := range nodeLabels {
		for _, want := range allowed {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}
