package graph

import (
	"iter"
	"maps"
	"slices"

	"rebaser/apperror"
)

// Txn stages mutations against a base graph. Reads through the Txn see the
// staged state; the base graph is never modified. Commit collects garbage,
// recomputes Merkle hashes and returns the new snapshot. A Txn that is
// dropped without Commit leaves no trace.
type Txn struct {
	root      ID
	subgraphs map[ID]*subgraph
	owned     map[ID]bool
	dirty     map[ID]struct{}
	orphans   map[ID]struct{}
	committed bool
}

func newTxn(g *Graph) *Txn {
	return &Txn{
		root:      g.root,
		subgraphs: maps.Clone(g.subgraphs),
		owned:     make(map[ID]bool),
		dirty:     make(map[ID]struct{}),
		orphans:   make(map[ID]struct{}),
	}
}

// writable returns a subgraph this transaction may mutate, cloning it on
// first use.
func (t *Txn) writable(root ID) *subgraph {
	if !t.owned[root] {
		t.subgraphs[root] = t.subgraphs[root].clone()
		t.owned[root] = true
	}
	return t.subgraphs[root]
}

func (t *Txn) NodeExists(id ID) bool {
	_, n := locate(t.subgraphs, id)
	return n != nil
}

func (t *Txn) NodeWeight(id ID) (NodeWeight, bool) {
	_, n := locate(t.subgraphs, id)
	if n == nil {
		return NodeWeight{}, false
	}
	return n.weight, true
}

func (t *Txn) EdgesDirected(id ID, dir Direction, kinds ...EdgeKind) iter.Seq[Edge] {
	return edgesDirected(t.subgraphs, id, dir, kinds)
}

// AddNode inserts w into the subgraph rooted at subgraphRoot. A zero
// subgraphRoot means the root subgraph; subgraphRoot equal to w.ID starts a
// new subgraph. Adding a node that already exists replaces its weight.
func (t *Txn) AddNode(subgraphRoot ID, w NodeWeight) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return err
	}
	if w.Kind == KindRoot {
		return apperror.InvariantViolation("graph %s already has a root", t.root)
	}
	if sg, n := locate(t.subgraphs, w.ID); n != nil {
		return t.replace(sg.root, n, w)
	}

	target := t.root
	switch {
	case subgraphRoot.IsZero():
	case subgraphRoot == w.ID:
		if _, ok := t.subgraphs[w.ID]; !ok {
			t.subgraphs[w.ID] = newSubgraph(w.ID)
			t.owned[w.ID] = true
		}
		target = w.ID
	default:
		if _, ok := t.subgraphs[subgraphRoot]; !ok {
			return apperror.GraphTraversal("subgraph root %s not found", subgraphRoot)
		}
		target = subgraphRoot
	}

	sg := t.writable(target)
	sg.nodes[w.ID] = &nodeEntry{weight: w}
	t.dirty[w.ID] = struct{}{}
	t.orphans[w.ID] = struct{}{}
	return nil
}

// ReplaceNode swaps the weight of an existing node. Kind and lineage must
// not change.
func (t *Txn) ReplaceNode(w NodeWeight) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return err
	}
	sg, n := locate(t.subgraphs, w.ID)
	if n == nil {
		return apperror.GraphTraversal("node %s not found", w.ID)
	}
	return t.replace(sg.root, n, w)
}

func (t *Txn) replace(root ID, n *nodeEntry, w NodeWeight) error {
	if n.weight.Kind != w.Kind {
		return apperror.InvariantViolation("cannot replace %s with a %s node", n.weight, w.Kind)
	}
	if n.weight.LineageID != w.LineageID {
		return apperror.InvariantViolation("replacing %s changes its lineage", n.weight)
	}
	sg := t.writable(root)
	sg.nodes[w.ID] = &nodeEntry{weight: w, merkle: n.merkle}
	t.dirty[w.ID] = struct{}{}
	return nil
}

// AddEdge inserts an edge, or replaces the weight of the edge with the same
// (source, kind, target) triplet.
func (t *Txn) AddEdge(source, target ID, w EdgeWeight) error {
	if err := t.check(); err != nil {
		return err
	}
	if !w.Kind.Valid() {
		return apperror.InvariantViolation("unknown edge kind %q", w.Kind)
	}
	if source == target {
		return apperror.InvariantViolation("%s edge from %s to itself", w.Kind, source)
	}
	ssg, sn := locate(t.subgraphs, source)
	if sn == nil {
		return apperror.GraphTraversal("edge source %s not found", source)
	}
	tsg, tn := locate(t.subgraphs, target)
	if tn == nil {
		return apperror.GraphTraversal("edge target %s not found", target)
	}
	if tn.weight.Kind == KindRoot {
		return apperror.InvariantViolation("edge into the root from %s", source)
	}
	if w.Kind.Owning() && t.owns(target, source) {
		return apperror.InvariantViolation("%s edge from %s to %s would create an ownership cycle", w.Kind, source, target)
	}

	e := Edge{Source: source, Target: target, Weight: w}
	s := t.writable(ssg.root)
	s.out[source] = upsertEdge(s.out[source], e, compareOut)
	d := t.writable(tsg.root)
	d.in[target] = upsertEdge(d.in[target], e, compareIn)
	t.dirty[source] = struct{}{}
	return nil
}

// RemoveEdge deletes the edge for a triplet and reports whether it existed.
// Removing an absent edge is a no-op. The target becomes a garbage
// candidate, collected at Commit if nothing else owns it.
func (t *Txn) RemoveEdge(source, target ID, kind EdgeKind) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	ssg, _ := locate(t.subgraphs, source)
	tsg, _ := locate(t.subgraphs, target)
	if ssg == nil || tsg == nil {
		return false, nil
	}
	e := Edge{Source: source, Target: target, Weight: EdgeWeight{Kind: kind}}
	if _, found := slices.BinarySearchFunc(ssg.out[source], e, compareOut); !found {
		return false, nil
	}

	s := t.writable(ssg.root)
	setEdges(s.out, source, deleteEdge(s.out[source], e, compareOut))
	d := t.writable(tsg.root)
	setEdges(d.in, target, deleteEdge(d.in[target], e, compareIn))
	t.dirty[source] = struct{}{}
	t.orphans[target] = struct{}{}
	return true, nil
}

// Commit collects garbage, recomputes Merkle hashes along every changed
// ownership path and returns the new graph.
func (t *Txn) Commit() (*Graph, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	t.committed = true
	t.collect()
	t.recompute()
	return &Graph{root: t.root, subgraphs: t.subgraphs}, nil
}

func (t *Txn) check() error {
	if t.committed {
		return apperror.InvariantViolation("transaction on graph %s already committed", t.root)
	}
	return nil
}

// owns reports whether to is reachable from from along owning edges.
func (t *Txn) owns(from, to ID) bool {
	seen := map[ID]struct{}{from: {}}
	stack := []ID{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for e := range t.EdgesDirected(id, Outgoing) {
			if !e.Weight.Kind.Owning() {
				continue
			}
			if e.Target == to {
				return true
			}
			if _, ok := seen[e.Target]; !ok {
				seen[e.Target] = struct{}{}
				stack = append(stack, e.Target)
			}
		}
	}
	return false
}

func (t *Txn) hasOwner(id ID) bool {
	for e := range t.EdgesDirected(id, Incoming) {
		if e.Weight.Kind.Owning() {
			return true
		}
	}
	return false
}

// collect removes every garbage candidate that has no owning incoming edge,
// then the candidates that removal exposes.
func (t *Txn) collect() {
	queue := slices.SortedFunc(maps.Keys(t.orphans), compareIDs)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == t.root {
			continue
		}
		sg, n := locate(t.subgraphs, id)
		if n == nil || t.hasOwner(id) {
			continue
		}

		s := t.writable(sg.root)
		for _, e := range s.out[id] {
			tsg, _ := locate(t.subgraphs, e.Target)
			d := t.writable(tsg.root)
			setEdges(d.in, e.Target, deleteEdge(d.in[e.Target], e, compareIn))
			queue = append(queue, e.Target)
		}
		// Whatever still points at id is a reference edge.
		for _, e := range s.in[id] {
			ssg, _ := locate(t.subgraphs, e.Source)
			src := t.writable(ssg.root)
			setEdges(src.out, e.Source, deleteEdge(src.out[e.Source], e, compareOut))
			t.dirty[e.Source] = struct{}{}
		}
		delete(s.out, id)
		delete(s.in, id)
		delete(s.nodes, id)
		delete(t.dirty, id)
		if id == s.root && len(s.nodes) == 0 {
			delete(t.subgraphs, id)
			delete(t.owned, id)
		}
	}
	clear(t.orphans)
}

func upsertEdge(edges []Edge, e Edge, cmp func(a, b Edge) int) []Edge {
	i, found := slices.BinarySearchFunc(edges, e, cmp)
	if found {
		out := slices.Clone(edges)
		out[i] = e
		return out
	}
	return slices.Insert(slices.Clip(edges), i, e)
}

func deleteEdge(edges []Edge, e Edge, cmp func(a, b Edge) int) []Edge {
	i, found := slices.BinarySearchFunc(edges, e, cmp)
	if !found {
		return edges
	}
	out := make([]Edge, 0, len(edges)-1)
	out = append(out, edges[:i]...)
	return append(out, edges[i+1:]...)
}

func setEdges(m map[ID][]Edge, id ID, edges []Edge) {
	if len(edges) == 0 {
		delete(m, id)
		return
	}
	m[id] = edges
}
