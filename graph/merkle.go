package graph

import (
	"maps"
	"slices"

	"rebaser/cas"
)

// merkleOf folds a node hash with its outgoing edges. Edges arrive sorted by
// (kind, target). Owning edges also fold in the target's tree hash; child
// is nil while a node has no edges.
func merkleOf(w NodeWeight, edges []Edge, child func(ID) cas.Hash) cas.Hash {
	h := cas.NewHasher()
	h.WriteHash(w.NodeHash())
	for _, e := range edges {
		h.WriteString(string(e.Weight.Kind))
		h.WriteString(e.Weight.Key)
		if e.Weight.IsDefault {
			h.WriteString("default")
		}
		h.WriteString(e.Target.String())
		if e.Weight.Kind.Owning() && child != nil {
			h.WriteHash(child(e.Target))
		}
	}
	return h.Sum()
}

// recompute refreshes the Merkle hash of every dirty node and of every
// ancestor reachable from one through incoming owning edges, children
// before parents.
func (t *Txn) recompute() {
	pending := make(map[ID]bool)
	stack := slices.Collect(maps.Keys(t.dirty))
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if pending[id] || !t.NodeExists(id) {
			continue
		}
		pending[id] = true
		for e := range t.EdgesDirected(id, Incoming) {
			if e.Weight.Kind.Owning() {
				stack = append(stack, e.Source)
			}
		}
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[ID]int, len(pending))

	var visit func(id ID) cas.Hash
	visit = func(id ID) cas.Hash {
		sg, n := locate(t.subgraphs, id)
		if n == nil {
			return cas.ZeroHash
		}
		// Nodes outside the pending set, finished nodes, and the back edge
		// of an ownership cycle all keep their stored hash.
		if !pending[id] || state[id] != 0 {
			return n.merkle
		}
		state[id] = visiting
		h := merkleOf(n.weight, sg.out[id], visit)
		s := t.writable(sg.root)
		s.nodes[id] = &nodeEntry{weight: n.weight, merkle: h}
		state[id] = done
		return h
	}

	for _, id := range slices.SortedFunc(maps.Keys(pending), compareIDs) {
		visit(id)
	}
	clear(t.dirty)
}

// VerifyMerkle recomputes every Merkle hash from scratch and reports the
// first node whose stored hash disagrees.
func (g *Graph) VerifyMerkle() (ID, bool) {
	fresh := make(map[ID]cas.Hash, g.Len())
	var visit func(id ID) cas.Hash
	visit = func(id ID) cas.Hash {
		if h, ok := fresh[id]; ok {
			return h
		}
		sg, n := g.locate(id)
		if n == nil {
			return cas.ZeroHash
		}
		fresh[id] = n.merkle
		h := merkleOf(n.weight, sg.out[id], visit)
		fresh[id] = h
		return h
	}
	for _, id := range g.NodeIDs() {
		_, n := g.locate(id)
		if visit(id) != n.merkle {
			return id, false
		}
	}
	return ID{}, true
}
