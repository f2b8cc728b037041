package rebase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"rebaser/graph"
	"rebaser/store"
	"rebaser/update"
)

// DefaultActionConcurrency bounds the actions in flight on a workspace head.
const DefaultActionConcurrency = 10

// ActionRunner hands a dispatched action to whatever executes it.
type ActionRunner interface {
	RunAction(ctx context.Context, key store.Key, action graph.NodeWeight) error
}

// ActionDispatcher moves eligible actions of a workspace head from Queued to
// Dispatched. An action is eligible when no action it waits on (the source
// of an incoming Action edge) is still in the graph. Actions leave the graph
// when they finish.
type ActionDispatcher struct {
	runner ActionRunner
	limit  int
}

// NewActionDispatcher creates a dispatcher allowing limit actions in flight.
func NewActionDispatcher(runner ActionRunner, limit int) *ActionDispatcher {
	if limit <= 0 {
		limit = DefaultActionConcurrency
	}
	return &ActionDispatcher{runner: runner, limit: limit}
}

// Plan returns g with eligible actions marked Dispatched, and the
// dispatched weights. It returns g itself when nothing is eligible.
func (d *ActionDispatcher) Plan(g *graph.Graph) (*graph.Graph, []graph.NodeWeight, error) {
	inFlight := 0
	var ready []graph.NodeWeight
	for _, id := range g.NodesOfKind(graph.KindAction) {
		w, _ := g.NodeWeight(id)
		switch w.State {
		case graph.ActionDispatched, graph.ActionRunning:
			inFlight++
		case graph.ActionQueued:
			if d.eligible(g, id) {
				ready = append(ready, w)
			}
		}
	}

	budget := d.limit - inFlight
	if budget <= 0 || len(ready) == 0 {
		return g, nil, nil
	}
	ready = ready[:min(budget, len(ready))]

	updates := make([]update.Update, 0, len(ready))
	dispatched := make([]graph.NodeWeight, 0, len(ready))
	for _, w := range ready {
		next, err := w.WithState(graph.ActionDispatched)
		if err != nil {
			return nil, nil, err
		}
		updates = append(updates, update.ReplaceNode(next))
		dispatched = append(dispatched, next)
	}
	next, err := update.Apply(g, updates)
	if err != nil {
		return nil, nil, fmt.Errorf("marking actions dispatched: %w", err)
	}
	return next, dispatched, nil
}

func (d *ActionDispatcher) eligible(g *graph.Graph, id graph.ID) bool {
	for _, src := range g.IncomingSources(id, graph.EdgeAction) {
		if w, ok := g.NodeWeight(src); ok && w.Kind == graph.KindAction {
			return false
		}
	}
	return true
}

// Run hands every dispatched action to the runner concurrently and waits
// for all of them. A failing action does not stop the others.
func (d *ActionDispatcher) Run(ctx context.Context, key store.Key, actions []graph.NodeWeight) error {
	errs := make([]error, len(actions))
	var wg sync.WaitGroup
	for i, a := range actions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.runner.RunAction(ctx, key, a); err != nil {
				errs[i] = fmt.Errorf("running action %s: %w", a.ID, err)
				return
			}
			actionsDispatched.Inc()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// LogActionRunner records dispatched actions in the log. Executing them is
// the job of another service.
type LogActionRunner struct {
	Log *zap.Logger
}

func (r LogActionRunner) RunAction(_ context.Context, key store.Key, action graph.NodeWeight) error {
	r.Log.Info("action dispatched",
		zap.String("workspace_id", key.WorkspaceID.String()),
		zap.String("change_set_id", key.ChangeSetID.String()),
		zap.String("action_id", action.ID.String()),
	)
	return nil
}
