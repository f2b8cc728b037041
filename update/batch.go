package update

import (
	"rebaser/apperror"
	"rebaser/graph"
)

// Batch builds an ordered list of updates against a graph. It remembers the
// kinds of nodes it adds, so later edge updates in the same batch can refer
// to them. The first error sticks and is returned by Updates.
type Batch struct {
	g       *graph.Graph
	added   map[graph.ID]graph.NodeWeight
	updates []Update
	err     error
}

// NewBatch starts a batch against g. g may be nil when every node the batch
// touches is added by it.
func NewBatch(g *graph.Graph) *Batch {
	return &Batch{g: g, added: make(map[graph.ID]graph.NodeWeight)}
}

func (b *Batch) weight(id graph.ID) (graph.NodeWeight, bool) {
	if w, ok := b.added[id]; ok {
		return w, true
	}
	if b.g == nil {
		return graph.NodeWeight{}, false
	}
	return b.g.NodeWeight(id)
}

func (b *Batch) info(id graph.ID) (NodeInformation, bool) {
	w, ok := b.weight(id)
	if !ok {
		if b.err == nil {
			b.err = apperror.GraphTraversal("node %s not found", id)
		}
		return NodeInformation{}, false
	}
	return Info(w), true
}

// Add appends a NewNode for w in the root subgraph, owned by parent through
// an edge of the given weight.
func (b *Batch) Add(parent graph.ID, edge graph.EdgeWeight, w graph.NodeWeight) *Batch {
	return b.AddIn(graph.ID{}, parent, edge, w)
}

// AddIn is Add with an explicit subgraph root.
func (b *Batch) AddIn(subgraphRoot, parent graph.ID, edge graph.EdgeWeight, w graph.NodeWeight) *Batch {
	b.added[w.ID] = w
	b.updates = append(b.updates, NewNode(subgraphRoot, w))
	return b.Connect(parent, w.ID, edge)
}

// Replace appends a ReplaceNode.
func (b *Batch) Replace(w graph.NodeWeight) *Batch {
	b.added[w.ID] = w
	b.updates = append(b.updates, ReplaceNode(w))
	return b
}

// Connect appends a NewEdge between two known nodes.
func (b *Batch) Connect(source, destination graph.ID, edge graph.EdgeWeight) *Batch {
	s, ok := b.info(source)
	if !ok {
		return b
	}
	d, ok := b.info(destination)
	if !ok {
		return b
	}
	b.updates = append(b.updates, NewEdge(s, d, edge))
	return b
}

// Disconnect appends a RemoveEdge between two known nodes.
func (b *Batch) Disconnect(source, destination graph.ID, kind graph.EdgeKind) *Batch {
	s, ok := b.info(source)
	if !ok {
		return b
	}
	d, ok := b.info(destination)
	if !ok {
		return b
	}
	b.updates = append(b.updates, RemoveEdge(s, d, kind))
	return b
}

// Updates returns the batch, or the first error recorded while building it.
func (b *Batch) Updates() ([]Update, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.updates, nil
}
