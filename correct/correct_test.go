package correct

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebaser/apperror"
	"rebaser/cas"
	"rebaser/graph"
	"rebaser/update"
)

func content(kind graph.ContentKind, payload string) graph.ContentAddress {
	return graph.ContentAddress{Kind: kind, Hash: cas.Sum([]byte(payload))}
}

// world grows a workspace graph one committed batch at a time.
type world struct {
	t          *testing.T
	g          *graph.Graph
	components graph.ID
	schemas    graph.ID
}

func newWorld(t *testing.T) *world {
	t.Helper()
	g, err := graph.Bootstrap()
	require.NoError(t, err)
	components, _ := g.Category(graph.CategoryComponent)
	schemas, _ := g.Category(graph.CategorySchema)
	return &world{t: t, g: g, components: components, schemas: schemas}
}

func (w *world) commit(b *update.Batch) {
	w.t.Helper()
	updates, err := b.Updates()
	require.NoError(w.t, err)
	w.g, err = update.Apply(w.g, updates)
	require.NoError(w.t, err)
}

// variant adds a schema variant with one input socket of the given arity
// and returns the variant, the socket and the socket's prototype.
func (w *world) variant(name string, arity graph.Arity) (sv, socket, proto graph.ID) {
	w.t.Helper()
	v := graph.MustNewWeight(graph.KindSchemaVariant, content(graph.ContentSchemaVariant, name))
	s, err := graph.NewInputSocket(arity, cas.Sum([]byte(name+"/in")))
	require.NoError(w.t, err)
	p := graph.MustNewWeight(graph.KindAttributePrototype, graph.ContentAddress{})
	w.commit(update.NewBatch(w.g).
		Add(w.schemas, graph.NewEdgeWeight(graph.EdgeUse), v).
		Add(v.ID, graph.NewEdgeWeight(graph.EdgeSocket), s).
		Add(s.ID, graph.NewEdgeWeight(graph.EdgePrototype), p))
	return v.ID, s.ID, p.ID
}

// component adds a component of sv with a root value, an output value and
// a value for each input socket. It returns the component, its root value
// and its output value.
func (w *world) component(name string, sv graph.ID, inputs ...graph.ID) (comp, rootValue, output graph.ID) {
	w.t.Helper()
	c := graph.MustNewWeight(graph.KindComponent, content(graph.ContentComponent, name))
	root := graph.MustNewWeight(graph.KindAttributeValue, graph.ContentAddress{})
	out := graph.MustNewWeight(graph.KindAttributeValue, content(graph.ContentAttributeValue, name+"/out"))
	b := update.NewBatch(w.g).
		Add(w.components, graph.NewEdgeWeight(graph.EdgeUse), c).
		Connect(c.ID, sv, graph.NewEdgeWeight(graph.EdgeUse)).
		Add(c.ID, graph.NewEdgeWeight(graph.EdgeRoot), root).
		Add(root.ID, graph.EdgeWeight{Kind: graph.EdgeContain, Key: "out"}, out)
	for _, socket := range inputs {
		v := graph.MustNewWeight(graph.KindAttributeValue, graph.ContentAddress{})
		b.Add(c.ID, graph.NewEdgeWeight(graph.EdgeSocketValue), v).
			Connect(v.ID, socket, graph.NewEdgeWeight(graph.EdgeSocket))
	}
	w.commit(b)
	return c.ID, root.ID, out.ID
}

// inputValue returns the value of comp backing socket.
func (w *world) inputValue(comp, socket graph.ID) graph.ID {
	w.t.Helper()
	for _, v := range w.g.OutgoingTargets(comp, graph.EdgeSocketValue) {
		if _, ok := w.g.Edge(v, graph.EdgeSocket, socket); ok {
			return v
		}
	}
	w.t.Fatalf("no value for socket %s on %s", socket, comp)
	return graph.ID{}
}

// connection returns the batch wiring source's output into dest through
// proto, and the new argument.
func (w *world) connection(proto, source, sourceOutput, dest graph.ID) (*update.Batch, graph.NodeWeight) {
	w.t.Helper()
	apa, err := graph.NewPrototypeArgument(&graph.ArgumentTargets{
		SourceComponentID:      source,
		DestinationComponentID: dest,
	})
	require.NoError(w.t, err)
	b := update.NewBatch(w.g).
		Add(proto, graph.NewEdgeWeight(graph.EdgePrototypeArgument), apa).
		Connect(apa.ID, sourceOutput, graph.NewEdgeWeight(graph.EdgePrototypeArgumentValue))
	return b, apa
}

func (w *world) frame(name string, sv graph.ID) graph.ID {
	comp, _, _ := w.component(name, sv)
	return comp
}

func correctAndApply(t *testing.T, g *graph.Graph, updates []update.Update) ([]update.Update, *graph.Graph) {
	t.Helper()
	corrected, err := Correct(g, updates, false)
	require.NoError(t, err)
	next, err := update.Apply(g, corrected)
	require.NoError(t, err)

	again, err := Correct(g, corrected, false)
	require.NoError(t, err)
	assert.Len(t, again, len(corrected), "correcting a corrected batch appends nothing")
	return corrected, next
}

func dependentValues(g *graph.Graph) []graph.ID {
	var out []graph.ID
	for _, id := range g.NodesOfKind(graph.KindDependentValueRoot) {
		w, _ := g.NodeWeight(id)
		out = append(out, *w.ValueID)
	}
	return out
}

// Scenario A: moving a component into a second frame leaves it in exactly
// one frame.
func TestSingleParent_LastFrameWins(t *testing.T) {
	w := newWorld(t)
	sv, _, _ := w.variant("frame", graph.ArityMany)
	p1 := w.frame("p1", sv)
	p2 := w.frame("p2", sv)
	x, _, _ := w.component("x", sv)
	w.commit(update.NewBatch(w.g).Connect(p1, x, graph.NewEdgeWeight(graph.EdgeFrameContains)))

	updates, err := update.NewBatch(w.g).
		Connect(p2, x, graph.NewEdgeWeight(graph.EdgeFrameContains)).
		Updates()
	require.NoError(t, err)

	corrected, next := correctAndApply(t, w.g, updates)
	assert.Len(t, corrected, 2)
	assert.Equal(t, []graph.ID{p2}, next.IncomingSources(x, graph.EdgeFrameContains))
}

func TestSingleParent_WithinOneBatch(t *testing.T) {
	w := newWorld(t)
	sv, _, _ := w.variant("frame", graph.ArityMany)
	p1 := w.frame("p1", sv)
	p2 := w.frame("p2", sv)
	x, _, _ := w.component("x", sv)

	updates, err := update.NewBatch(w.g).
		Connect(p1, x, graph.NewEdgeWeight(graph.EdgeFrameContains)).
		Connect(p2, x, graph.NewEdgeWeight(graph.EdgeFrameContains)).
		Updates()
	require.NoError(t, err)

	_, next := correctAndApply(t, w.g, updates)
	assert.Equal(t, []graph.ID{p2}, next.IncomingSources(x, graph.EdgeFrameContains))
}

// A batch that drops and restores the frame edge before moving the
// component elsewhere still leaves one parent.
func TestSingleParent_ReconnectThenMove(t *testing.T) {
	w := newWorld(t)
	sv, _, _ := w.variant("frame", graph.ArityMany)
	p1 := w.frame("p1", sv)
	p2 := w.frame("p2", sv)
	x, _, _ := w.component("x", sv)
	w.commit(update.NewBatch(w.g).Connect(p1, x, graph.NewEdgeWeight(graph.EdgeFrameContains)))

	updates, err := update.NewBatch(w.g).
		Disconnect(p1, x, graph.EdgeFrameContains).
		Connect(p1, x, graph.NewEdgeWeight(graph.EdgeFrameContains)).
		Connect(p2, x, graph.NewEdgeWeight(graph.EdgeFrameContains)).
		Updates()
	require.NoError(t, err)

	corrected, next := correctAndApply(t, w.g, updates)
	require.Len(t, corrected, 4)
	assert.Equal(t, update.KindRemoveEdge, corrected[3].Kind)
	assert.Equal(t, []graph.ID{p2}, next.IncomingSources(x, graph.EdgeFrameContains))
}

// Scenario B: connecting a second source to an arity-one socket replaces the
// first connection.
func TestArityOne_ReplacesExistingConnection(t *testing.T) {
	w := newWorld(t)
	sv, socket, proto := w.variant("consumer", graph.ArityOne)
	a, _, aOut := w.component("a", sv)
	b, _, bOut := w.component("b", sv)
	d, _, _ := w.component("d", sv, socket)
	other, _, _ := w.component("other", sv, socket)

	first, apaA := w.connection(proto, a, aOut, d)
	w.commit(first)
	// A connection into a different destination on the same prototype stays.
	keep, apaOther := w.connection(proto, a, aOut, other)
	w.commit(keep)

	second, apaB := w.connection(proto, b, bOut, d)
	updates, err := second.Updates()
	require.NoError(t, err)

	_, next := correctAndApply(t, w.g, updates)
	assert.ElementsMatch(t, []graph.ID{apaB.ID, apaOther.ID}, next.OutgoingTargets(proto, graph.EdgePrototypeArgument))
	assert.False(t, next.NodeExists(apaA.ID), "the replaced argument is collected")
}

func TestArityOne_ReconnectThenReplace(t *testing.T) {
	w := newWorld(t)
	sv, socket, proto := w.variant("consumer", graph.ArityOne)
	a, _, aOut := w.component("a", sv)
	b, _, bOut := w.component("b", sv)
	d, _, _ := w.component("d", sv, socket)

	first, apaA := w.connection(proto, a, aOut, d)
	w.commit(first)

	updates, err := update.NewBatch(w.g).
		Disconnect(proto, apaA.ID, graph.EdgePrototypeArgument).
		Connect(proto, apaA.ID, graph.NewEdgeWeight(graph.EdgePrototypeArgument)).
		Updates()
	require.NoError(t, err)
	second, apaB := w.connection(proto, b, bOut, d)
	more, err := second.Updates()
	require.NoError(t, err)
	updates = append(updates, more...)

	_, next := correctAndApply(t, w.g, updates)
	assert.Equal(t, []graph.ID{apaB.ID}, next.OutgoingTargets(proto, graph.EdgePrototypeArgument))
}

func TestArityMany_KeepsAllConnections(t *testing.T) {
	w := newWorld(t)
	sv, socket, proto := w.variant("consumer", graph.ArityMany)
	a, _, aOut := w.component("a", sv)
	b, _, bOut := w.component("b", sv)
	d, _, _ := w.component("d", sv, socket)

	first, _ := w.connection(proto, a, aOut, d)
	w.commit(first)
	second, _ := w.connection(proto, b, bOut, d)
	updates, err := second.Updates()
	require.NoError(t, err)

	corrected, next := correctAndApply(t, w.g, updates)
	assert.Len(t, corrected, len(updates))
	assert.Len(t, next.OutgoingTargets(proto, graph.EdgePrototypeArgument), 2)
}

// Scenario C: deleting a component that feeds two peers removes every
// connection touching it and marks each affected peer value once.
func TestDeletionCascade(t *testing.T) {
	w := newWorld(t)
	sv, socket, proto := w.variant("service", graph.ArityMany)
	x, xRoot, xOut := w.component("x", sv)
	y, _, _ := w.component("y", sv, socket)
	z, _, _ := w.component("z", sv, socket)
	u, _, uOut := w.component("u", sv, socket)

	// y is fed twice by x, z once.
	for _, dest := range []graph.ID{y, y, z} {
		b, _ := w.connection(proto, x, xOut, dest)
		w.commit(b)
	}
	// x itself reads from u; that argument dies with x.
	b, _ := w.connection(proto, u, uOut, x)
	w.commit(b)

	yValue := w.inputValue(y, socket)
	zValue := w.inputValue(z, socket)

	updates, err := update.NewBatch(w.g).
		Disconnect(w.components, x, graph.EdgeUse).
		Updates()
	require.NoError(t, err)

	_, next := correctAndApply(t, w.g, updates)

	assert.False(t, next.NodeExists(x))
	assert.False(t, next.NodeExists(xRoot))
	for _, id := range next.NodesOfKind(graph.KindAttributePrototypeArgument) {
		apa, _ := next.NodeWeight(id)
		assert.NotEqual(t, x, apa.Targets.SourceComponentID)
		assert.NotEqual(t, x, apa.Targets.DestinationComponentID)
	}
	assert.Empty(t, next.OutgoingTargets(proto, graph.EdgePrototypeArgument))
	assert.ElementsMatch(t, []graph.ID{yValue, zValue}, dependentValues(next))
	assert.True(t, next.NodeExists(u))
	assert.Empty(t, next.Garbage())
}

func TestDeletionCascade_DeduplicatesAgainstGraph(t *testing.T) {
	w := newWorld(t)
	sv, socket, proto := w.variant("service", graph.ArityMany)
	x, _, xOut := w.component("x", sv)
	y, _, _ := w.component("y", sv, socket)
	b, _ := w.connection(proto, x, xOut, y)
	w.commit(b)

	yValue := w.inputValue(y, socket)
	dvrCategory, _ := w.g.Category(graph.CategoryDependentValueRoot)
	w.commit(update.NewBatch(w.g).
		Add(dvrCategory, graph.NewEdgeWeight(graph.EdgeUse), graph.NewDependentValueRoot(yValue)))

	updates, err := update.NewBatch(w.g).Disconnect(w.components, x, graph.EdgeUse).Updates()
	require.NoError(t, err)
	_, next := correctAndApply(t, w.g, updates)
	assert.Equal(t, []graph.ID{yValue}, dependentValues(next))
}

func TestDeletionCascade_UnresolvablePeer(t *testing.T) {
	w := newWorld(t)
	sv, _, proto := w.variant("service", graph.ArityMany)
	x, _, xOut := w.component("x", sv)
	// y has no value for the socket, so its argument cannot be resolved.
	y, _, _ := w.component("y", sv)
	b, _ := w.connection(proto, x, xOut, y)
	w.commit(b)

	updates, err := update.NewBatch(w.g).Disconnect(w.components, x, graph.EdgeUse).Updates()
	require.NoError(t, err)

	_, err = Correct(w.g, updates, false)
	assert.True(t, apperror.IsKind(err, apperror.KindGraphTraversal))

	corrected, err := Correct(w.g, updates, true)
	require.NoError(t, err)
	next, err := update.Apply(w.g, corrected)
	require.NoError(t, err)
	assert.False(t, next.NodeExists(x))
	assert.Empty(t, dependentValues(next))
}

func TestSchemaVariantUpgrade(t *testing.T) {
	w := newWorld(t)
	v1, _, _ := w.variant("server:v1", graph.ArityMany)
	frame := w.frame("frame", v1)
	c, oldRoot, oldOut := w.component("c", v1)
	w.commit(update.NewBatch(w.g).Connect(frame, c, graph.NewEdgeWeight(graph.EdgeFrameContains)))

	v2, _, _ := w.variant("server:v2", graph.ArityMany)
	newRoot := graph.MustNewWeight(graph.KindAttributeValue, graph.ContentAddress{})
	updates, err := update.NewBatch(w.g).
		Connect(c, v2, graph.NewEdgeWeight(graph.EdgeUse)).
		Add(c, graph.NewEdgeWeight(graph.EdgeRoot), newRoot).
		Updates()
	require.NoError(t, err)

	_, next := correctAndApply(t, w.g, updates)
	assert.Equal(t, []graph.ID{v2}, next.OutgoingTargets(c, graph.EdgeUse))
	assert.Equal(t, []graph.ID{newRoot.ID}, next.OutgoingTargets(c, graph.EdgeRoot))
	assert.False(t, next.NodeExists(oldRoot))
	assert.False(t, next.NodeExists(oldOut))
	assert.Equal(t, []graph.ID{frame}, next.IncomingSources(c, graph.EdgeFrameContains))
	assert.True(t, next.NodeExists(v1), "the old variant is still owned by its category")
}

func TestCorrectTransforms_SingleNode(t *testing.T) {
	w := newWorld(t)
	sv, _, _ := w.variant("frame", graph.ArityMany)
	p1 := w.frame("p1", sv)
	p2 := w.frame("p2", sv)
	x, _, _ := w.component("x", sv)
	w.commit(update.NewBatch(w.g).Connect(p1, x, graph.NewEdgeWeight(graph.EdgeFrameContains)))

	updates, err := update.NewBatch(w.g).Connect(p2, x, graph.NewEdgeWeight(graph.EdgeFrameContains)).Updates()
	require.NoError(t, err)

	// p2 is a component too, but nothing frames it.
	p2Weight, _ := w.g.NodeWeight(p2)
	unchanged, err := CorrectTransforms(p2Weight, w.g, updates, false)
	require.NoError(t, err)
	assert.Equal(t, updates, unchanged)

	xWeight, _ := w.g.NodeWeight(x)
	corrected, err := CorrectTransforms(xWeight, w.g, updates, false)
	require.NoError(t, err)
	require.Len(t, corrected, 2)
	assert.Equal(t, update.KindRemoveEdge, corrected[1].Kind)
	assert.Equal(t, p1, corrected[1].Source.ID)
}
