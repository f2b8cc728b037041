// Package graph implements the versioned object graph: tagged node weights,
// typed edges, a copy-on-write store partitioned into subgraphs, Merkle
// tree hashes, and the snapshot codec.
//
// A *Graph is immutable. Mutations go through a Txn, whose Commit returns a
// new Graph that shares every subgraph the transaction did not touch.
package graph

import (
	"cmp"
	"iter"
	"maps"
	"slices"

	"rebaser/cas"
)

type nodeEntry struct {
	weight NodeWeight
	merkle cas.Hash
}

// subgraph is the unit of copy-on-write. Outgoing edges live with their
// source node and incoming edges with their target node, so an edge that
// crosses subgraphs is recorded in both.
type subgraph struct {
	root  ID
	nodes map[ID]*nodeEntry
	out   map[ID][]Edge // sorted by kind, then target
	in    map[ID][]Edge // sorted by kind, then source
}

func newSubgraph(root ID) *subgraph {
	return &subgraph{
		root:  root,
		nodes: make(map[ID]*nodeEntry),
		out:   make(map[ID][]Edge),
		in:    make(map[ID][]Edge),
	}
}

// clone copies the maps. Entries and edge slices are shared and must be
// replaced, never mutated in place.
func (s *subgraph) clone() *subgraph {
	return &subgraph{
		root:  s.root,
		nodes: maps.Clone(s.nodes),
		out:   maps.Clone(s.out),
		in:    maps.Clone(s.in),
	}
}

// Graph is an immutable snapshot of the object graph.
type Graph struct {
	root      ID
	subgraphs map[ID]*subgraph
}

// New returns a graph holding only a root node.
func New() *Graph {
	rw := NewRoot()
	sg := newSubgraph(rw.ID)
	sg.nodes[rw.ID] = &nodeEntry{weight: rw, merkle: merkleOf(rw, nil, nil)}
	return &Graph{root: rw.ID, subgraphs: map[ID]*subgraph{rw.ID: sg}}
}

// RootID returns the id of the graph root.
func (g *Graph) RootID() ID { return g.root }

func (g *Graph) locate(id ID) (*subgraph, *nodeEntry) {
	return locate(g.subgraphs, id)
}

func locate(subgraphs map[ID]*subgraph, id ID) (*subgraph, *nodeEntry) {
	if sg, ok := subgraphs[id]; ok {
		if n, ok := sg.nodes[id]; ok {
			return sg, n
		}
	}
	for _, sg := range subgraphs {
		if n, ok := sg.nodes[id]; ok {
			return sg, n
		}
	}
	return nil, nil
}

// NodeExists reports whether id is a node of this snapshot.
func (g *Graph) NodeExists(id ID) bool {
	_, n := g.locate(id)
	return n != nil
}

// NodeWeight returns the weight of id.
func (g *Graph) NodeWeight(id ID) (NodeWeight, bool) {
	_, n := g.locate(id)
	if n == nil {
		return NodeWeight{}, false
	}
	return n.weight, true
}

// MerkleTreeHash returns the Merkle tree hash of id.
func (g *Graph) MerkleTreeHash(id ID) (cas.Hash, bool) {
	_, n := g.locate(id)
	if n == nil {
		return cas.ZeroHash, false
	}
	return n.merkle, true
}

// RootHash is the Merkle tree hash of the root, a digest of the whole graph.
func (g *Graph) RootHash() cas.Hash {
	h, _ := g.MerkleTreeHash(g.root)
	return h
}

// SubgraphRootIDForNode returns the root of the subgraph id belongs to.
func (g *Graph) SubgraphRootIDForNode(id ID) (ID, bool) {
	sg, _ := g.locate(id)
	if sg == nil {
		return ID{}, false
	}
	return sg.root, true
}

// SubgraphRoots lists subgraph roots in id order. The graph root is first
// only by virtue of being the oldest id.
func (g *Graph) SubgraphRoots() []ID {
	roots := slices.Collect(maps.Keys(g.subgraphs))
	slices.SortFunc(roots, compareIDs)
	return roots
}

// EdgesDirected yields the edges of id in one direction, optionally limited
// to the given kinds, in (kind, peer id) order.
func (g *Graph) EdgesDirected(id ID, dir Direction, kinds ...EdgeKind) iter.Seq[Edge] {
	return edgesDirected(g.subgraphs, id, dir, kinds)
}

func edgesDirected(subgraphs map[ID]*subgraph, id ID, dir Direction, kinds []EdgeKind) iter.Seq[Edge] {
	return func(yield func(Edge) bool) {
		sg, _ := locate(subgraphs, id)
		if sg == nil {
			return
		}
		edges := sg.out[id]
		if dir == Incoming {
			edges = sg.in[id]
		}
		for _, e := range edges {
			if len(kinds) > 0 && !slices.Contains(kinds, e.Weight.Kind) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Edge returns the edge for an exact triplet.
func (g *Graph) Edge(source ID, kind EdgeKind, target ID) (Edge, bool) {
	for e := range g.EdgesDirected(source, Outgoing, kind) {
		if e.Target == target {
			return e, true
		}
	}
	return Edge{}, false
}

// OutgoingTargets returns the targets of id's outgoing edges of kind.
func (g *Graph) OutgoingTargets(id ID, kind EdgeKind) []ID {
	var out []ID
	for e := range g.EdgesDirected(id, Outgoing, kind) {
		out = append(out, e.Target)
	}
	return out
}

// IncomingSources returns the sources of id's incoming edges of kind.
func (g *Graph) IncomingSources(id ID, kind EdgeKind) []ID {
	var out []ID
	for e := range g.EdgesDirected(id, Incoming, kind) {
		out = append(out, e.Source)
	}
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	n := 0
	for _, sg := range g.subgraphs {
		n += len(sg.nodes)
	}
	return n
}

// NodeIDs returns every node id in id order.
func (g *Graph) NodeIDs() []ID {
	ids := make([]ID, 0, g.Len())
	for _, sg := range g.subgraphs {
		for id := range sg.nodes {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, compareIDs)
	return ids
}

// NodesOfKind returns the ids of every node of kind in id order. It scans
// the whole graph.
func (g *Graph) NodesOfKind(kind NodeKind) []ID {
	var ids []ID
	for _, sg := range g.subgraphs {
		for id, n := range sg.nodes {
			if n.weight.Kind == kind {
				ids = append(ids, id)
			}
		}
	}
	slices.SortFunc(ids, compareIDs)
	return ids
}

// NodesByLineage returns the ids of nodes sharing a lineage in id order.
func (g *Graph) NodesByLineage(lineage ID) []ID {
	var ids []ID
	for _, sg := range g.subgraphs {
		for id, n := range sg.nodes {
			if n.weight.LineageID == lineage {
				ids = append(ids, id)
			}
		}
	}
	slices.SortFunc(ids, compareIDs)
	return ids
}

// Category returns the category node of the given kind hanging off the root.
func (g *Graph) Category(kind CategoryKind) (ID, bool) {
	for e := range g.EdgesDirected(g.root, Outgoing, EdgeUse) {
		if w, ok := g.NodeWeight(e.Target); ok && w.Kind == KindCategory && w.Category == kind {
			return e.Target, true
		}
	}
	return ID{}, false
}

// Edit starts a transaction against g.
func (g *Graph) Edit() *Txn {
	return newTxn(g)
}

func compareOut(a, b Edge) int {
	return cmp.Or(cmp.Compare(a.Weight.Kind, b.Weight.Kind), a.Target.Compare(b.Target))
}

func compareIn(a, b Edge) int {
	return cmp.Or(cmp.Compare(a.Weight.Kind, b.Weight.Kind), a.Source.Compare(b.Source))
}
