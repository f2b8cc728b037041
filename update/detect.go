package update

import (
	"rebaser/cas"
	"rebaser/graph"
)

// Detect returns the updates that turn from into to. It walks to from the
// root along owning edges and prunes every subtree whose Merkle tree hash
// matches the node with the same id in from, so its cost follows the size
// of the difference rather than the size of the graph.
//
// Node updates come first, in discovery order, so every edge update refers
// to nodes that exist by the time it is applied. A node that disappeared is
// expressed as RemoveEdge for its edges; nothing deletes nodes directly.
// The roots of the two graphs are matched with each other even when their
// ids differ.
func Detect(from, to *graph.Graph) []Update {
	d := &detector{
		from:     from,
		to:       to,
		seen:     make(map[graph.ID]bool),
		vanished: make(map[graph.ID]bool),
	}
	d.visit(to.RootID())
	return append(d.nodes, d.edges...)
}

type edgeKey struct {
	kind   graph.EdgeKind
	target graph.ID
}

type detector struct {
	from, to *graph.Graph
	seen     map[graph.ID]bool
	vanished map[graph.ID]bool
	nodes    []Update
	edges    []Update
}

// baseID maps an id of to onto the matching id of from.
func (d *detector) baseID(id graph.ID) graph.ID {
	if id == d.to.RootID() {
		return d.from.RootID()
	}
	return id
}

func (d *detector) info(g *graph.Graph, id graph.ID) NodeInformation {
	w, _ := g.NodeWeight(id)
	return NodeInformation{ID: d.baseID(id), Kind: w.Kind}
}

func (d *detector) visit(id graph.ID) {
	if d.seen[id] {
		return
	}
	d.seen[id] = true

	w, _ := d.to.NodeWeight(id)
	toHash, _ := d.to.MerkleTreeHash(id)
	base := d.baseID(id)

	fromWeight, existed := d.from.NodeWeight(base)
	if existed {
		fromHash, _ := d.from.MerkleTreeHash(base)
		if fromHash == toHash {
			return
		}
		if fromWeight.NodeHash() != w.NodeHash() {
			d.nodes = append(d.nodes, ReplaceNode(w))
		}
	} else {
		sg, _ := d.to.SubgraphRootIDForNode(id)
		if sg != id && !d.from.NodeExists(d.baseID(sg)) {
			d.visit(sg)
		}
		if sg == d.to.RootID() {
			sg = graph.ID{}
		}
		d.nodes = append(d.nodes, NewNode(sg, w))
	}

	for e := range d.to.EdgesDirected(id, graph.Outgoing) {
		if e.Kind().Owning() {
			d.visit(e.Target)
		}
	}
	d.diffEdges(id, base, w, existed)
}

func (d *detector) diffEdges(id, base graph.ID, w graph.NodeWeight, existed bool) {
	source := NodeInformation{ID: base, Kind: w.Kind}

	before := make(map[edgeKey]graph.EdgeWeight)
	if existed {
		for e := range d.from.EdgesDirected(base, graph.Outgoing) {
			before[edgeKey{e.Kind(), e.Target}] = e.Weight
		}
	}

	after := make(map[edgeKey]bool)
	for e := range d.to.EdgesDirected(id, graph.Outgoing) {
		k := edgeKey{e.Kind(), e.Target}
		after[k] = true
		if old, ok := before[k]; ok && old == e.Weight {
			continue
		}
		d.edges = append(d.edges, NewEdge(source, d.info(d.to, e.Target), e.Weight))
	}

	if !existed {
		return
	}
	for e := range d.from.EdgesDirected(base, graph.Outgoing) {
		if after[edgeKey{e.Kind(), e.Target}] {
			continue
		}
		d.edges = append(d.edges, RemoveEdge(source, d.info(d.from, e.Target), e.Kind()))
		if !d.to.NodeExists(e.Target) {
			d.vanish(e.Target)
		}
	}
}

// vanish removes the outgoing edges of a node that exists in from but not
// in to, following into descendants that vanished too.
func (d *detector) vanish(id graph.ID) {
	if d.vanished[id] {
		return
	}
	d.vanished[id] = true

	source := d.info(d.from, id)
	for e := range d.from.EdgesDirected(id, graph.Outgoing) {
		d.edges = append(d.edges, RemoveEdge(source, d.info(d.from, e.Target), e.Kind()))
		if !d.to.NodeExists(e.Target) {
			d.vanish(e.Target)
		}
	}
}

// Change names a node that is new or whose Merkle tree hash moved.
type Change struct {
	ID             graph.ID       `json:"id"`
	Kind           graph.NodeKind `json:"kind"`
	MerkleTreeHash cas.Hash       `json:"merkleTreeHash"`
}

// DetectChanges lists the nodes of to that are new or changed relative to
// from, pruning matching subtrees the same way Detect does.
func DetectChanges(from, to *graph.Graph) []Change {
	var changes []Change
	seen := make(map[graph.ID]bool)

	var walk func(id graph.ID)
	walk = func(id graph.ID) {
		if seen[id] {
			return
		}
		seen[id] = true

		toHash, _ := to.MerkleTreeHash(id)
		base := id
		if id == to.RootID() {
			base = from.RootID()
		}
		if fromHash, ok := from.MerkleTreeHash(base); ok && fromHash == toHash {
			return
		}
		w, _ := to.NodeWeight(id)
		changes = append(changes, Change{ID: id, Kind: w.Kind, MerkleTreeHash: toHash})
		for e := range to.EdgesDirected(id, graph.Outgoing) {
			if e.Kind().Owning() {
				walk(e.Target)
			}
		}
	}
	walk(to.RootID())
	return changes
}
