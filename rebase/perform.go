package rebase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rebaser/apperror"
	"rebaser/cas"
	"rebaser/correct"
	"rebaser/graph"
	"rebaser/proto"
	"rebaser/store"
	"rebaser/update"
)

// failureClass decides what happens to a request whose handling failed
// before its change set pointer moved.
type failureClass int

const (
	// preCommit failures are transient. The request stays queued and the
	// worker exits so the dispatcher redelivers it later.
	preCommit failureClass = iota
	// unprocessable requests fail the same way on every delivery and are
	// dead-lettered.
	unprocessable
)

func classify(err error) failureClass {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return preCommit
	}
	if apperror.IsRetryable(err) {
		return preCommit
	}
	return unprocessable
}

// committed describes a pointer move performed for one request.
type committed struct {
	workspace *store.Workspace
	changeSet *store.ChangeSet
	from      cas.Hash
	to        cas.Hash
	fromGraph *graph.Graph
	toGraph   *graph.Graph
	// batch is the blob address of the updates as received.
	batch  cas.Hash
	status proto.RebaseStatus
}

func (c *committed) key() store.Key {
	return store.Key{WorkspaceID: c.workspace.ID, ChangeSetID: c.changeSet.ID}
}

func (c *committed) isHead() bool {
	return c.workspace.DefaultChangeSetID == c.changeSet.ID
}

// processNext handles the oldest queued request of key.
func (s *Service) processNext(ctx context.Context, key store.Key) (bool, error) {
	r, err := s.db.NextRequest(ctx, key)
	if err != nil {
		return false, err
	}
	if r == nil {
		return false, nil
	}

	// A request that started finishes even if shutdown begins.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RequestTimeout)
	defer cancel()

	log := s.log.With(
		zap.String("workspace_id", key.WorkspaceID.String()),
		zap.String("change_set_id", key.ChangeSetID.String()),
		zap.String("request_id", r.ID),
		zap.Int64("seq", r.Seq),
	)

	req, err := proto.DecodeRequest(r.Body)
	if err == nil && (req.WorkspaceID != key.WorkspaceID || req.ChangeSetID != key.ChangeSetID) {
		err = apperror.InvariantViolation("request addressed to %s queued under %s",
			proto.Subject(req.WorkspaceID, req.ChangeSetID), key)
	}
	if err != nil {
		// Without a decoded request there is no inbox to answer.
		log.Error("dropping undecodable request", zap.Error(err))
		rebasesTotal.WithLabelValues("unprocessable").Inc()
		return true, s.deadLetter(reqCtx, r, err)
	}

	start := time.Now()
	c, err := s.perform(reqCtx, req)
	rebaseDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return s.fail(reqCtx, r, req, err, log)
	}

	// The pointer moved; from here on failures are logged, never retried.
	if err := s.db.Ack(reqCtx, r.Seq); err != nil {
		log.Error("acknowledging committed request", zap.Error(err))
	}
	s.postRebase(reqCtx, req, c, log)

	outcome := "success"
	if c.status.Kind == proto.StatusConflictsFound {
		outcome = "conflicts"
	}
	rebasesTotal.WithLabelValues(outcome).Inc()
	log.Info("rebase complete",
		zap.String("status", string(c.status.Kind)),
		zap.String("from", c.from.Short()),
		zap.String("to", c.status.NewSnapshotAddress.Short()),
		zap.Duration("elapsed", time.Since(start)),
	)
	s.reply(reqCtx, req, c.status, log)
	return true, nil
}

// fail settles a request that did not commit.
func (s *Service) fail(ctx context.Context, r *store.Request, req *proto.EnqueueUpdatesRequest, cause error, log *zap.Logger) (bool, error) {
	if classify(cause) == preCommit {
		attempts, err := s.db.RecordAttempt(ctx, r.Seq, cause.Error())
		if err != nil {
			return false, errors.Join(cause, err)
		}
		if attempts < s.cfg.MaxAttempts {
			retriesTotal.Inc()
			rebasesTotal.WithLabelValues("retry").Inc()
			return false, fmt.Errorf("attempt %d of %d: %w", attempts, s.cfg.MaxAttempts, cause)
		}
		log.Error("giving up on request", zap.Int("attempts", attempts), zap.Error(cause))
		if err := s.deadLetter(ctx, r, cause); err != nil {
			return false, err
		}
		rebasesTotal.WithLabelValues("error").Inc()
		s.reply(ctx, req, proto.Failure(cause.Error(), true), log)
		return true, nil
	}

	log.Warn("request is unprocessable", zap.Error(cause))
	if err := s.deadLetter(ctx, r, cause); err != nil {
		return false, err
	}
	rebasesTotal.WithLabelValues("unprocessable").Inc()
	s.reply(ctx, req, proto.Failure(cause.Error(), false), log)
	return true, nil
}

func (s *Service) deadLetter(ctx context.Context, r *store.Request, cause error) error {
	if err := s.db.DeadLetter(ctx, r, cause.Error()); err != nil {
		return err
	}
	deadLettersTotal.Inc()
	return nil
}

// perform corrects and applies the request's batch to the change set and
// moves its pointer.
func (s *Service) perform(ctx context.Context, req *proto.EnqueueUpdatesRequest) (*committed, error) {
	ws, err := s.db.GetWorkspace(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	cs, err := s.db.GetChangeSet(ctx, req.ChangeSetID)
	if err != nil {
		return nil, err
	}
	if cs.WorkspaceID != ws.ID {
		return nil, apperror.NotFound("change set %s is not in workspace %s", cs.ID, ws.ID)
	}
	if !cs.IsOpen() {
		return nil, apperror.Abandoned(cs.ID.String())
	}

	updates, batchAddr, err := s.loadBatch(ctx, req)
	if err != nil {
		return nil, err
	}

	current, err := s.Snapshot(ctx, cs.Snapshot)
	if err != nil {
		return nil, err
	}
	corrected, err := correct.Correct(current, updates, !req.FromChangeSetID.IsZero())
	if err != nil {
		return nil, fmt.Errorf("correcting batch: %w", err)
	}
	next, err := update.Apply(current, corrected)
	if err != nil {
		return nil, fmt.Errorf("applying batch: %w", err)
	}

	addr, err := s.writeSnapshot(ctx, next)
	if err != nil {
		return nil, err
	}
	if addr != cs.Snapshot {
		if err := s.db.UpdatePointer(ctx, cs.ID, cs.Snapshot, addr, req.ID.String()); err != nil {
			return nil, err
		}
	}

	status := proto.Success(addr, batchAddr)
	stale := !req.BaseSnapshotAddress.IsZero() && req.BaseSnapshotAddress != cs.Snapshot
	if conflicts := corrected[len(updates):]; stale && len(conflicts) > 0 {
		status = proto.ConflictsFound(addr, batchAddr, conflicts)
	}

	return &committed{
		workspace: ws,
		changeSet: cs,
		from:      cs.Snapshot,
		to:        addr,
		fromGraph: current,
		toGraph:   next,
		batch:     batchAddr,
		status:    status,
	}, nil
}

// loadBatch returns the request's updates and the address of the blob
// holding them. Inline batches are written to the blob store first.
func (s *Service) loadBatch(ctx context.Context, req *proto.EnqueueUpdatesRequest) ([]update.Update, cas.Hash, error) {
	if req.ChangeBatchAddress.IsZero() {
		updates := req.Updates
		if updates == nil {
			updates = []update.Update{}
		}
		data, err := json.Marshal(updates)
		if err != nil {
			return nil, cas.ZeroHash, apperror.Serialization("encoding updates", err)
		}
		addr, err := s.db.PutBlob(ctx, store.BlobUpdates, data)
		if err != nil {
			return nil, cas.ZeroHash, err
		}
		return updates, addr, nil
	}

	data, err := s.db.GetBlob(ctx, req.ChangeBatchAddress)
	if err != nil {
		return nil, cas.ZeroHash, fmt.Errorf("loading change batch: %w", err)
	}
	var updates []update.Update
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, cas.ZeroHash, apperror.Serialization("decoding change batch", err)
	}
	if err := update.Validate(updates); err != nil {
		return nil, cas.ZeroHash, err
	}
	return updates, req.ChangeBatchAddress, nil
}

// postRebase runs the work that follows a pointer move. Nothing here can
// undo the commit, so failures are logged.
func (s *Service) postRebase(ctx context.Context, req *proto.EnqueueUpdatesRequest, c *committed, log *zap.Logger) {
	key := c.key()

	if len(c.toGraph.NodesOfKind(graph.KindDependentValueRoot)) > 0 {
		s.notifier.NotifyDependentValues(ctx, key)
	}

	var dispatched []graph.NodeWeight
	if c.isHead() {
		var err error
		dispatched, err = s.dispatchActions(ctx, req, c)
		if err != nil {
			log.Error("dispatching actions", zap.Error(err))
			dispatched = nil
		}
	}

	moved := c.to != c.from
	event := &proto.SnapshotWritten{
		Version:             proto.Version,
		WorkspaceID:         c.workspace.ID,
		ChangeSetID:         c.changeSet.ID,
		RequestID:           req.ID,
		FromSnapshotAddress: c.from,
		ToSnapshotAddress:   c.to,
		FromChangeSetID:     req.FromChangeSetID,
		Time:                cas.NowMs(),
	}
	if moved {
		addr, err := s.writeChangeBatch(ctx, c)
		if err != nil {
			log.Error("writing change batch", zap.Error(err))
		}
		event.ChangeBatchAddress = addr
	}
	s.publisher.Publish(event)

	if len(dispatched) > 0 {
		if err := s.actions.Run(ctx, key, dispatched); err != nil {
			log.Error("running actions", zap.Error(err))
		}
	}

	if moved && c.isHead() {
		s.replay(ctx, req, c, log)
	}
	if moved {
		s.evict(ctx, c.from, log)
	}
}

// dispatchActions marks the eligible actions of a head snapshot dispatched
// and moves the pointer again when any were.
func (s *Service) dispatchActions(ctx context.Context, req *proto.EnqueueUpdatesRequest, c *committed) ([]graph.NodeWeight, error) {
	planned, dispatched, err := s.actions.Plan(c.toGraph)
	if err != nil || len(dispatched) == 0 {
		return nil, err
	}
	addr, err := s.writeSnapshot(ctx, planned)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpdatePointer(ctx, c.changeSet.ID, c.to, addr, req.ID.String()); err != nil {
		return nil, err
	}

	intermediate := c.to
	c.to = addr
	c.toGraph = planned
	c.status.NewSnapshotAddress = addr
	if intermediate != c.from {
		s.evict(ctx, intermediate, s.log)
	}
	return dispatched, nil
}

func (s *Service) writeChangeBatch(ctx context.Context, c *committed) (cas.Hash, error) {
	batch := proto.ChangeBatch{
		Version:             proto.Version,
		WorkspaceID:         c.workspace.ID,
		ChangeSetID:         c.changeSet.ID,
		FromSnapshotAddress: c.from,
		ToSnapshotAddress:   c.to,
		Changes:             update.DetectChanges(c.fromGraph, c.toGraph),
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return cas.ZeroHash, apperror.Serialization("encoding change batch", err)
	}
	return s.db.PutBlob(ctx, store.BlobChangeBatch, data)
}

// replay enqueues the batch just applied to a head onto every other open
// change set of the workspace.
func (s *Service) replay(ctx context.Context, req *proto.EnqueueUpdatesRequest, c *committed, log *zap.Logger) {
	targets, err := s.db.ListOpenChangeSets(ctx, c.workspace.ID)
	if err != nil {
		log.Error("listing change sets to replay onto", zap.Error(err))
		return
	}
	for _, target := range targets {
		if target.ID == c.changeSet.ID || target.ID == req.FromChangeSetID {
			continue
		}
		r := proto.NewEnqueueUpdatesRequest(c.workspace.ID, target.ID, target.Snapshot, nil)
		r.ChangeBatchAddress = c.batch
		r.FromChangeSetID = c.changeSet.ID
		if _, err := s.Enqueue(ctx, r); err != nil {
			log.Error("replaying batch", zap.String("target_change_set_id", target.ID.String()), zap.Error(err))
			continue
		}
		replaysTotal.Inc()
	}
}

func (s *Service) evict(ctx context.Context, addr cas.Hash, log *zap.Logger) {
	if addr.IsZero() {
		return
	}
	evicted, err := s.db.EvictSnapshot(ctx, addr, s.cfg.SnapshotEvictionGrace)
	if err != nil {
		log.Warn("evicting snapshot", zap.String("address", addr.Short()), zap.Error(err))
		return
	}
	if evicted {
		s.cache.remove(addr)
		snapshotsEvicted.Inc()
		log.Debug("snapshot evicted", zap.String("address", addr.Short()))
	}
}

// reply answers the request's inbox, if it named one.
func (s *Service) reply(ctx context.Context, req *proto.EnqueueUpdatesRequest, status proto.RebaseStatus, log *zap.Logger) {
	if req.ReplyTo == "" {
		return
	}
	resp := proto.NewResponse(req, status)
	if s.inbox.deliver(req.ReplyTo, resp) {
		return
	}
	if s.replier == nil {
		log.Debug("no inbox for reply", zap.String("reply_to", req.ReplyTo))
		return
	}
	if err := s.replier.Reply(ctx, req.ReplyTo, resp); err != nil {
		log.Warn("sending reply", zap.String("reply_to", req.ReplyTo), zap.Error(err))
	}
}
