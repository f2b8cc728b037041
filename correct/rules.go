package correct

import (
	"rebaser/apperror"
	"rebaser/graph"
	"rebaser/update"
)

// singleParent keeps a component inside at most one frame. The last
// FrameContains edge the batch adds wins; every other parent, in the graph
// or earlier in the batch, is disconnected.
func singleParent(p *pass, node graph.NodeWeight) error {
	added := p.newEdges(graph.ID{}, graph.EdgeFrameContains, node.ID)
	if len(added) == 0 {
		return nil
	}
	winner := added[len(added)-1].Source.ID

	for _, parent := range p.incoming(node.ID, graph.EdgeFrameContains) {
		if parent == winner {
			continue
		}
		src, err := p.info(parent)
		if err != nil {
			return err
		}
		p.add(update.RemoveEdge(src, update.Info(node), graph.EdgeFrameContains))
	}
	return nil
}

// deletionCascade runs when the batch removes a component from its
// category. It detaches the component's root attribute value, every edge
// leaving the component, the frame edges into it, and every connection on
// a peer that reads from or writes to it. Peer values that lose an input
// get a DependentValueRoot so they are recomputed.
func deletionCascade(p *pass, node graph.NodeWeight) error {
	if !p.g.NodeExists(node.ID) || !removedFromCategory(p, node.ID) {
		return nil
	}

	for _, rootValue := range p.g.OutgoingTargets(node.ID, graph.EdgeRoot) {
		for _, dir := range []graph.Direction{graph.Incoming, graph.Outgoing} {
			for e := range p.g.EdgesDirected(rootValue, dir) {
				if err := p.removeEdge(e); err != nil {
					return err
				}
			}
		}
	}
	for e := range p.g.EdgesDirected(node.ID, graph.Outgoing) {
		if err := p.removeEdge(e); err != nil {
			return err
		}
	}
	for e := range p.g.EdgesDirected(node.ID, graph.Incoming, graph.EdgeFrameContains) {
		if err := p.removeEdge(e); err != nil {
			return err
		}
	}

	for _, apa := range connectionsTouching(p, node.ID) {
		prototypes := p.incoming(apa.ID, graph.EdgePrototypeArgument)
		for _, proto := range prototypes {
			src, err := p.info(proto)
			if err != nil {
				return err
			}
			p.add(update.RemoveEdge(src, update.Info(apa), graph.EdgePrototypeArgument))
		}
		for e := range p.g.EdgesDirected(apa.ID, graph.Outgoing) {
			if err := p.removeEdge(e); err != nil {
				return err
			}
		}

		dest := apa.Targets.DestinationComponentID
		if dest == node.ID {
			continue
		}
		for _, proto := range prototypes {
			value, err := socketValue(p, dest, proto)
			if err != nil {
				if p.fromDifferentChangeSet && apperror.IsKind(err, apperror.KindGraphTraversal) {
					continue
				}
				return err
			}
			if err := enqueueDependentValue(p, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func removedFromCategory(p *pass, id graph.ID) bool {
	for _, u := range p.updates {
		if u.Kind == update.KindRemoveEdge && u.EdgeKind() == graph.EdgeUse &&
			u.Destination.ID == id && u.Source.Kind == graph.KindCategory {
			return true
		}
	}
	return false
}

// connectionsTouching returns the prototype arguments, in the graph or
// added by the batch, whose targets name the component on either end.
func connectionsTouching(p *pass, component graph.ID) []graph.NodeWeight {
	var out []graph.NodeWeight
	seen := make(map[graph.ID]bool)
	consider := func(w graph.NodeWeight) {
		if seen[w.ID] || w.Targets == nil {
			return
		}
		if w.Targets.SourceComponentID == component || w.Targets.DestinationComponentID == component {
			seen[w.ID] = true
			out = append(out, w)
		}
	}
	for _, id := range p.g.NodesOfKind(graph.KindAttributePrototypeArgument) {
		if w, ok := p.weight(id); ok {
			consider(w)
		}
	}
	for _, u := range p.updates {
		if u.Node != nil && u.Node.Kind == graph.KindAttributePrototypeArgument {
			consider(*u.Node)
		}
	}
	return out
}

// socketValue finds the attribute value of component that backs the input
// socket owning proto.
func socketValue(p *pass, component, proto graph.ID) (graph.ID, error) {
	if !p.g.NodeExists(component) {
		return graph.ID{}, apperror.GraphTraversal("component %s not found", component)
	}
	var sockets []graph.ID
	for _, s := range p.g.IncomingSources(proto, graph.EdgePrototype) {
		if w, ok := p.g.NodeWeight(s); ok && w.Kind == graph.KindInputSocket {
			sockets = append(sockets, s)
		}
	}
	if len(sockets) == 0 {
		return graph.ID{}, apperror.GraphTraversal("prototype %s is not owned by an input socket", proto)
	}
	for _, value := range p.g.OutgoingTargets(component, graph.EdgeSocketValue) {
		for _, s := range sockets {
			if _, ok := p.g.Edge(value, graph.EdgeSocket, s); ok {
				return value, nil
			}
		}
	}
	return graph.ID{}, apperror.GraphTraversal("component %s has no value for the input socket of prototype %s", component, proto)
}

// enqueueDependentValue adds a DependentValueRoot for value unless the graph
// or the batch already has one.
func enqueueDependentValue(p *pass, value graph.ID) error {
	if p.dependentValues == nil {
		p.dependentValues = make(map[graph.ID]bool)
		for _, id := range p.g.NodesOfKind(graph.KindDependentValueRoot) {
			w, _ := p.g.NodeWeight(id)
			p.dependentValues[*w.ValueID] = true
		}
		for _, w := range p.batch {
			if w.Kind == graph.KindDependentValueRoot {
				p.dependentValues[*w.ValueID] = true
			}
		}
	}
	if p.dependentValues[value] {
		return nil
	}

	category, err := dependentValueCategory(p)
	if err != nil {
		return err
	}
	root := graph.NewDependentValueRoot(value)
	p.add(update.NewNode(subgraphOf(p, category.ID), root))
	p.add(update.NewEdge(update.Info(category), update.Info(root), graph.NewEdgeWeight(graph.EdgeUse)))
	return nil
}

// dependentValueCategory returns the DependentValueRoots category, adding it
// to the batch when neither the graph nor the batch has one.
func dependentValueCategory(p *pass) (graph.NodeWeight, error) {
	if id, ok := p.g.Category(graph.CategoryDependentValueRoot); ok {
		w, _ := p.g.NodeWeight(id)
		return w, nil
	}
	for _, w := range p.batch {
		if w.Kind == graph.KindCategory && w.Category == graph.CategoryDependentValueRoot {
			return w, nil
		}
	}
	root, ok := p.g.NodeWeight(p.g.RootID())
	if !ok {
		return graph.NodeWeight{}, apperror.GraphTraversal("graph root %s not found", p.g.RootID())
	}
	category := graph.NewCategory(graph.CategoryDependentValueRoot)
	p.add(update.NewNode(graph.ID{}, category))
	p.add(update.NewEdge(update.Info(root), update.Info(category), graph.NewEdgeWeight(graph.EdgeUse)))
	return category, nil
}

func subgraphOf(p *pass, id graph.ID) graph.ID {
	sg, ok := p.g.SubgraphRootIDForNode(id)
	if !ok || sg == p.g.RootID() {
		return graph.ID{}
	}
	return sg
}

// schemaVariantUpgrade runs when the batch points a component at a schema
// variant other than the one it uses. The component's old prop, socket and
// prototype subtree is detached, except for edges the batch itself adds;
// frame membership is kept.
func schemaVariantUpgrade(p *pass, node graph.NodeWeight) error {
	if !p.g.NodeExists(node.ID) {
		return nil
	}
	var next []graph.ID
	for _, u := range p.newEdges(node.ID, graph.EdgeUse, graph.ID{}) {
		if u.Destination.Kind == graph.KindSchemaVariant {
			next = append(next, u.Destination.ID)
		}
	}
	if len(next) == 0 {
		return nil
	}
	target := next[len(next)-1]

	upgrading := false
	for _, sv := range p.g.OutgoingTargets(node.ID, graph.EdgeUse) {
		if w, ok := p.g.NodeWeight(sv); ok && w.Kind == graph.KindSchemaVariant && sv != target {
			upgrading = true
		}
	}
	if !upgrading {
		return nil
	}

	for e := range p.g.EdgesDirected(node.ID, graph.Outgoing) {
		if e.Kind() == graph.EdgeFrameContains || p.hasNewEdge(e) {
			continue
		}
		if err := p.removeEdge(e); err != nil {
			return err
		}
	}
	for _, rootValue := range p.g.OutgoingTargets(node.ID, graph.EdgeRoot) {
		for e := range p.g.EdgesDirected(rootValue, graph.Incoming) {
			if p.hasNewEdge(e) {
				continue
			}
			if err := p.removeEdge(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// arityOne keeps an arity-one input socket fed by one argument per
// destination component. When the batch connects a new argument to the
// socket's prototype, other arguments for the same destination are
// disconnected; among several new ones the last wins.
func arityOne(p *pass, node graph.NodeWeight) error {
	single := false
	for _, s := range p.incoming(node.ID, graph.EdgePrototype) {
		if w, ok := p.weight(s); ok && w.Kind == graph.KindInputSocket && w.Arity == graph.ArityOne {
			single = true
		}
	}
	if !single {
		return nil
	}

	winners := make(map[graph.ID]graph.ID)
	for _, u := range p.newEdges(node.ID, graph.EdgePrototypeArgument, graph.ID{}) {
		w, ok := p.weight(u.Destination.ID)
		if !ok {
			return apperror.GraphTraversal("prototype argument %s not found", u.Destination.ID)
		}
		if w.Targets != nil {
			winners[w.Targets.DestinationComponentID] = w.ID
		}
	}
	if len(winners) == 0 {
		return nil
	}

	for _, id := range p.outgoing(node.ID, graph.EdgePrototypeArgument) {
		w, ok := p.weight(id)
		if !ok || w.Targets == nil {
			continue
		}
		if winner, ok := winners[w.Targets.DestinationComponentID]; ok && winner != id {
			p.add(update.RemoveEdge(update.Info(node), update.Info(w), graph.EdgePrototypeArgument))
		}
	}
	return nil
}
