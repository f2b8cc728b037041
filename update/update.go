// Package update defines the vocabulary of graph edits, how to derive them
// by diffing two snapshots, and how to apply a batch of them.
package update

import (
	"fmt"

	"rebaser/apperror"
	"rebaser/graph"
)

// Kind discriminates an Update.
type Kind string

const (
	KindNewNode     Kind = "NewNode"
	KindReplaceNode Kind = "ReplaceNode"
	KindNewEdge     Kind = "NewEdge"
	KindRemoveEdge  Kind = "RemoveEdge"
)

// NodeInformation is the part of a node that edge updates carry, so rules
// can match on kinds without a graph lookup.
type NodeInformation struct {
	ID   graph.ID       `json:"id"`
	Kind graph.NodeKind `json:"kind"`
}

// Info returns the NodeInformation of a weight.
func Info(w graph.NodeWeight) NodeInformation {
	return NodeInformation{ID: w.ID, Kind: w.Kind}
}

// Update is one edit. Kind selects which fields are set:
//
//	NewNode:     SubgraphRoot (optional), Node
//	ReplaceNode: Node
//	NewEdge:     Source, Destination, Edge
//	RemoveEdge:  Source, Destination, Edge (kind only)
type Update struct {
	Kind         Kind              `json:"kind"`
	SubgraphRoot *graph.ID         `json:"subgraphRoot,omitempty"`
	Node         *graph.NodeWeight `json:"node,omitempty"`
	Source       *NodeInformation  `json:"source,omitempty"`
	Destination  *NodeInformation  `json:"destination,omitempty"`
	Edge         *graph.EdgeWeight `json:"edge,omitempty"`
}

// NewNode adds w to the subgraph rooted at subgraphRoot; a zero root means
// the root subgraph.
func NewNode(subgraphRoot graph.ID, w graph.NodeWeight) Update {
	u := Update{Kind: KindNewNode, Node: &w}
	if !subgraphRoot.IsZero() {
		u.SubgraphRoot = &subgraphRoot
	}
	return u
}

// ReplaceNode swaps the weight of the node with w's id.
func ReplaceNode(w graph.NodeWeight) Update {
	return Update{Kind: KindReplaceNode, Node: &w}
}

// NewEdge adds an edge, or replaces the weight of an existing triplet.
func NewEdge(source, destination NodeInformation, w graph.EdgeWeight) Update {
	return Update{Kind: KindNewEdge, Source: &source, Destination: &destination, Edge: &w}
}

// RemoveEdge removes the (source, kind, destination) triplet.
func RemoveEdge(source, destination NodeInformation, kind graph.EdgeKind) Update {
	return Update{
		Kind:        KindRemoveEdge,
		Source:      &source,
		Destination: &destination,
		Edge:        &graph.EdgeWeight{Kind: kind},
	}
}

// EdgeKind returns the edge kind of an edge update.
func (u Update) EdgeKind() graph.EdgeKind {
	if u.Edge == nil {
		return ""
	}
	return u.Edge.Kind
}

// IsEdge reports whether u is NewEdge or RemoveEdge.
func (u Update) IsEdge() bool {
	return u.Kind == KindNewEdge || u.Kind == KindRemoveEdge
}

// Key identifies the effect of an update. Two updates with the same key do
// the same thing to a graph.
func (u Update) Key() string {
	switch u.Kind {
	case KindNewNode, KindReplaceNode:
		return fmt.Sprintf("%s|%s|%s", u.Kind, u.Node.ID, u.Node.NodeHash())
	case KindNewEdge:
		return fmt.Sprintf("%s|%s|%s|%s|%s|%t", u.Kind, u.Source.ID, u.Edge.Kind, u.Destination.ID, u.Edge.Key, u.Edge.IsDefault)
	default:
		return fmt.Sprintf("%s|%s|%s|%s", u.Kind, u.Source.ID, u.Edge.Kind, u.Destination.ID)
	}
}

func (u Update) String() string {
	switch u.Kind {
	case KindNewNode, KindReplaceNode:
		return fmt.Sprintf("%s %s", u.Kind, u.Node)
	case KindNewEdge, KindRemoveEdge:
		return fmt.Sprintf("%s %s(%s) -%s-> %s(%s)", u.Kind,
			u.Source.Kind, u.Source.ID, u.EdgeKind(), u.Destination.Kind, u.Destination.ID)
	default:
		return string(u.Kind)
	}
}

// Validate checks that every update in a batch is well formed. It does not
// look at any graph.
func Validate(updates []Update) error {
	for i, u := range updates {
		if err := u.validate(); err != nil {
			return apperror.Serialization(fmt.Sprintf("update %d", i), err)
		}
	}
	return nil
}

func (u Update) validate() error {
	switch u.Kind {
	case KindNewNode, KindReplaceNode:
		if u.Node == nil {
			return fmt.Errorf("%s without a node weight", u.Kind)
		}
		if u.Source != nil || u.Destination != nil || u.Edge != nil {
			return fmt.Errorf("%s carries edge fields", u.Kind)
		}
		if u.Kind == KindReplaceNode && u.SubgraphRoot != nil {
			return fmt.Errorf("ReplaceNode carries a subgraph root")
		}
		return u.Node.Validate()
	case KindNewEdge, KindRemoveEdge:
		if u.Source == nil || u.Destination == nil || u.Edge == nil {
			return fmt.Errorf("%s needs source, destination and edge", u.Kind)
		}
		if u.Node != nil || u.SubgraphRoot != nil {
			return fmt.Errorf("%s carries node fields", u.Kind)
		}
		if u.Source.ID.IsZero() || u.Destination.ID.IsZero() {
			return fmt.Errorf("%s with an empty endpoint", u.Kind)
		}
		if !u.Edge.Kind.Valid() {
			return fmt.Errorf("unknown edge kind %q", u.Edge.Kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown update kind %q", u.Kind)
	}
}
