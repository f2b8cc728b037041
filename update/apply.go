package update

import (
	"fmt"

	"rebaser/apperror"
	"rebaser/graph"
)

// Apply performs a batch against g in order and returns the resulting
// graph. The batch is atomic: on error g is untouched and no partial
// result escapes. Removing an edge that does not exist is a no-op;
// everything else that names a missing node fails with a graph traversal
// error.
func Apply(g *graph.Graph, updates []Update) (*graph.Graph, error) {
	txn := g.Edit()
	for i, u := range updates {
		if err := applyOne(txn, u); err != nil {
			return nil, fmt.Errorf("applying update %d (%s): %w", i, u.Kind, err)
		}
	}
	return txn.Commit()
}

func applyOne(txn *graph.Txn, u Update) error {
	if err := u.validate(); err != nil {
		return apperror.Serialization("malformed update", err)
	}
	switch u.Kind {
	case KindNewNode:
		var root graph.ID
		if u.SubgraphRoot != nil {
			root = *u.SubgraphRoot
		}
		return txn.AddNode(root, *u.Node)
	case KindReplaceNode:
		return txn.ReplaceNode(*u.Node)
	case KindNewEdge:
		return txn.AddEdge(u.Source.ID, u.Destination.ID, *u.Edge)
	case KindRemoveEdge:
		_, err := txn.RemoveEdge(u.Source.ID, u.Destination.ID, u.Edge.Kind)
		return err
	}
	return nil
}
