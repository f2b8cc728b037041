package rebase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebaser/graph"
	"rebaser/store"
	"rebaser/update"
)

type recordingRunner struct {
	mu  sync.Mutex
	ran []graph.ID
	err error
}

func (r *recordingRunner) RunAction(_ context.Context, _ store.Key, action graph.NodeWeight) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ran = append(r.ran, action.ID)
	return nil
}

func (r *recordingRunner) actions() []graph.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]graph.ID(nil), r.ran...)
}

// actionGraph returns a graph with n queued actions. deps[i] = j makes
// action i wait on action j.
func actionGraph(t *testing.T, n int, deps map[int]int) (*graph.Graph, []graph.ID) {
	t.Helper()
	g, err := graph.Bootstrap()
	require.NoError(t, err)
	category, ok := g.Category(graph.CategoryAction)
	require.True(t, ok)

	b := update.NewBatch(g)
	ids := make([]graph.ID, n)
	for i := range n {
		a := graph.NewAction()
		ids[i] = a.ID
		b.Add(category, graph.NewEdgeWeight(graph.EdgeUse), a)
	}
	for waiter, on := range deps {
		b.Connect(ids[on], ids[waiter], graph.NewEdgeWeight(graph.EdgeAction))
	}
	updates, err := b.Updates()
	require.NoError(t, err)
	g, err = update.Apply(g, updates)
	require.NoError(t, err)
	return g, ids
}

func state(t *testing.T, g *graph.Graph, id graph.ID) graph.ActionState {
	t.Helper()
	w, ok := g.NodeWeight(id)
	require.True(t, ok)
	return w.State
}

func TestActionDispatcher_Plan(t *testing.T) {
	g, ids := actionGraph(t, 3, map[int]int{1: 0})
	d := NewActionDispatcher(&recordingRunner{}, 10)

	next, dispatched, err := d.Plan(g)
	require.NoError(t, err)
	require.Len(t, dispatched, 2)
	assert.Equal(t, ids[0], dispatched[0].ID)
	assert.Equal(t, ids[2], dispatched[1].ID)

	assert.Equal(t, graph.ActionDispatched, state(t, next, ids[0]))
	assert.Equal(t, graph.ActionQueued, state(t, next, ids[1]), "waits on action 0")
	assert.Equal(t, graph.ActionDispatched, state(t, next, ids[2]))
	assert.Equal(t, graph.ActionQueued, state(t, g, ids[0]), "input graph is unchanged")

	again, none, err := d.Plan(next)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Same(t, next, again)
}

func TestActionDispatcher_PlanRespectsLimit(t *testing.T) {
	g, ids := actionGraph(t, 4, nil)
	d := NewActionDispatcher(&recordingRunner{}, 2)

	next, dispatched, err := d.Plan(g)
	require.NoError(t, err)
	require.Len(t, dispatched, 2)
	assert.Equal(t, []graph.ID{ids[0], ids[1]}, []graph.ID{dispatched[0].ID, dispatched[1].ID})

	_, dispatched, err = d.Plan(next)
	require.NoError(t, err)
	assert.Empty(t, dispatched, "two already in flight")
}

func TestActionDispatcher_Run(t *testing.T) {
	g, _ := actionGraph(t, 2, nil)
	runner := &recordingRunner{}
	d := NewActionDispatcher(runner, 0)

	_, dispatched, err := d.Plan(g)
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), testKey(), dispatched))
	assert.Len(t, runner.actions(), 2)

	runner.err = errors.New("runner down")
	err = d.Run(context.Background(), testKey(), dispatched)
	require.Error(t, err)
	assert.ErrorIs(t, err, runner.err)
}

// barrierRunner blocks every action until n of them are running at once.
type barrierRunner struct {
	n       int
	mu      sync.Mutex
	running int
	all     chan struct{}
}

func (r *barrierRunner) RunAction(ctx context.Context, _ store.Key, _ graph.NodeWeight) error {
	r.mu.Lock()
	r.running++
	if r.running == r.n {
		close(r.all)
	}
	r.mu.Unlock()
	select {
	case <-r.all:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestActionDispatcher_RunConcurrently(t *testing.T) {
	g, _ := actionGraph(t, 3, nil)
	d := NewActionDispatcher(&barrierRunner{n: 3, all: make(chan struct{})}, 0)

	_, dispatched, err := d.Plan(g)
	require.NoError(t, err)
	require.Len(t, dispatched, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, d.Run(ctx, testKey(), dispatched))
}
