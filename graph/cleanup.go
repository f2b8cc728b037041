package graph

// Garbage lists nodes other than the root that nothing owns. A committed
// graph has none; decoded graphs written by other tools might.
func (g *Graph) Garbage() []ID {
	var ids []ID
	for _, id := range g.NodeIDs() {
		if id == g.root {
			continue
		}
		owned := false
		for e := range g.EdgesDirected(id, Incoming) {
			if e.Weight.Kind.Owning() {
				owned = true
				break
			}
		}
		if !owned {
			ids = append(ids, id)
		}
	}
	return ids
}

// Cleanup returns g with its garbage collected, or g itself when there is
// none.
func (g *Graph) Cleanup() (*Graph, error) {
	garbage := g.Garbage()
	if len(garbage) == 0 {
		return g, nil
	}
	txn := g.Edit()
	for _, id := range garbage {
		txn.orphans[id] = struct{}{}
	}
	return txn.Commit()
}

// Bootstrap returns a fresh workspace graph: a root with one Use edge to
// each category node.
func Bootstrap() (*Graph, error) {
	g := New()
	txn := g.Edit()
	for _, kind := range []CategoryKind{
		CategoryComponent,
		CategorySchema,
		CategoryFunc,
		CategoryModule,
		CategoryAction,
		CategoryDependentValueRoot,
	} {
		c := NewCategory(kind)
		if err := txn.AddNode(ID{}, c); err != nil {
			return nil, err
		}
		if err := txn.AddEdge(g.root, c.ID, NewEdgeWeight(EdgeUse)); err != nil {
			return nil, err
		}
	}
	return txn.Commit()
}
