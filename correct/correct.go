// Package correct rewrites a batch of updates so that applying it to the
// current graph preserves the graph's semantic invariants. Rules are keyed
// by node kind and only ever append updates; running Correct on its own
// output appends nothing.
package correct

import (
	"slices"

	"rebaser/apperror"
	"rebaser/graph"
	"rebaser/update"
)

type rule func(p *pass, node graph.NodeWeight) error

var rules = map[graph.NodeKind][]rule{
	graph.KindComponent:          {singleParent, deletionCascade, schemaVariantUpgrade},
	graph.KindAttributePrototype: {arityOne},
}

// Correct runs the rules of every node the batch targets, in batch order,
// against the pre-apply graph g. Nodes targeted by updates that rules
// append are corrected too. fromDifferentChangeSet marks a batch that was
// authored against another change set's graph.
func Correct(g *graph.Graph, updates []update.Update, fromDifferentChangeSet bool) ([]update.Update, error) {
	p := newPass(g, updates, fromDifferentChangeSet)
	visited := make(map[graph.ID]bool)
	for i := 0; i < len(p.updates); i++ {
		for _, id := range targets(p.updates[i]) {
			if visited[id] {
				continue
			}
			visited[id] = true
			w, ok := p.weight(id)
			if !ok {
				continue
			}
			if err := p.run(w); err != nil {
				return nil, err
			}
		}
	}
	return p.updates, nil
}

// CorrectTransforms runs the rules for a single node and returns the
// extended batch.
func CorrectTransforms(node graph.NodeWeight, g *graph.Graph, updates []update.Update, fromDifferentChangeSet bool) ([]update.Update, error) {
	p := newPass(g, updates, fromDifferentChangeSet)
	if err := p.run(node); err != nil {
		return nil, err
	}
	return p.updates, nil
}

func targets(u update.Update) []graph.ID {
	switch u.Kind {
	case update.KindNewNode, update.KindReplaceNode:
		return []graph.ID{u.Node.ID}
	case update.KindNewEdge, update.KindRemoveEdge:
		return []graph.ID{u.Source.ID, u.Destination.ID}
	}
	return nil
}

// pass is the state threaded through the rules of one correction run.
type pass struct {
	g                      *graph.Graph
	fromDifferentChangeSet bool

	updates []update.Update
	last    map[string]string             // subject -> key of the latest update on it
	batch   map[graph.ID]graph.NodeWeight // weights added or replaced by the batch

	dependentValues map[graph.ID]bool // value ids with a DependentValueRoot; nil until needed
}

func newPass(g *graph.Graph, updates []update.Update, fromDifferentChangeSet bool) *pass {
	p := &pass{
		g:                      g,
		fromDifferentChangeSet: fromDifferentChangeSet,
		updates:                make([]update.Update, 0, len(updates)),
		last:                   make(map[string]string, len(updates)),
		batch:                  make(map[graph.ID]graph.NodeWeight),
	}
	for _, u := range updates {
		p.record(u)
	}
	return p
}

func (p *pass) run(node graph.NodeWeight) error {
	for _, r := range rules[node.Kind] {
		if err := r(p, node); err != nil {
			return err
		}
	}
	return nil
}

// record appends u unconditionally. Caller batches may repeat an update.
func (p *pass) record(u update.Update) {
	p.last[subject(u)] = u.Key()
	p.updates = append(p.updates, u)
	if u.Node != nil {
		p.batch[u.Node.ID] = *u.Node
		if u.Node.Kind == graph.KindDependentValueRoot && p.dependentValues != nil {
			p.dependentValues[*u.Node.ValueID] = true
		}
	}
}

// add appends u unless the latest update on the same node or edge triplet
// already does the same thing. An equal update followed by its opposite
// does not count.
func (p *pass) add(u update.Update) {
	if p.last[subject(u)] == u.Key() {
		return
	}
	p.record(u)
}

// subject identifies what an update acts on: a node, or an edge triplet
// whether it is being added or removed.
func subject(u update.Update) string {
	switch u.Kind {
	case update.KindNewNode, update.KindReplaceNode:
		return "node|" + u.Node.ID.String()
	default:
		return "edge|" + u.Source.ID.String() + "|" + string(u.EdgeKind()) + "|" + u.Destination.ID.String()
	}
}

func (p *pass) weight(id graph.ID) (graph.NodeWeight, bool) {
	if w, ok := p.batch[id]; ok {
		return w, true
	}
	return p.g.NodeWeight(id)
}

func (p *pass) info(id graph.ID) (update.NodeInformation, error) {
	w, ok := p.weight(id)
	if !ok {
		return update.NodeInformation{}, apperror.GraphTraversal("node %s not found", id)
	}
	return update.Info(w), nil
}

// removeEdge appends a RemoveEdge for an edge of the graph.
func (p *pass) removeEdge(e graph.Edge) error {
	src, err := p.info(e.Source)
	if err != nil {
		return err
	}
	dst, err := p.info(e.Target)
	if err != nil {
		return err
	}
	p.add(update.RemoveEdge(src, dst, e.Kind()))
	return nil
}

// newEdges yields the NewEdge updates of the batch matching kind and the
// given endpoints; a zero endpoint matches anything.
func (p *pass) newEdges(source graph.ID, kind graph.EdgeKind, destination graph.ID) []update.Update {
	var out []update.Update
	for _, u := range p.updates {
		if u.Kind != update.KindNewEdge || u.EdgeKind() != kind {
			continue
		}
		if !source.IsZero() && u.Source.ID != source {
			continue
		}
		if !destination.IsZero() && u.Destination.ID != destination {
			continue
		}
		out = append(out, u)
	}
	return out
}

// outgoing returns targets of kind from id in the graph followed by those
// the batch adds, without duplicates.
func (p *pass) outgoing(id graph.ID, kind graph.EdgeKind) []graph.ID {
	out := p.g.OutgoingTargets(id, kind)
	for _, u := range p.newEdges(id, kind, graph.ID{}) {
		if !slices.Contains(out, u.Destination.ID) {
			out = append(out, u.Destination.ID)
		}
	}
	return out
}

// incoming returns sources of kind into id in the graph followed by those
// the batch adds, without duplicates.
func (p *pass) incoming(id graph.ID, kind graph.EdgeKind) []graph.ID {
	out := p.g.IncomingSources(id, kind)
	for _, u := range p.newEdges(graph.ID{}, kind, id) {
		if !slices.Contains(out, u.Source.ID) {
			out = append(out, u.Source.ID)
		}
	}
	return out
}

// hasNewEdge reports whether the batch adds the exact triplet.
func (p *pass) hasNewEdge(e graph.Edge) bool {
	return len(p.newEdges(e.Source, e.Kind(), e.Target)) > 0
}
