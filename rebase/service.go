// Package rebase is the rebase service: it drains the durable request queue
// with one worker per change set, folds each batch into the change set's
// snapshot and runs the follow-up work of a pointer move (replies, events,
// action dispatch, replay onto open change sets and snapshot eviction).
package rebase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"rebaser/cas"
	"rebaser/graph"
	"rebaser/proto"
	"rebaser/store"
)

// Config tunes the service.
type Config struct {
	// QuiescentPeriod is how long an idle worker lives.
	QuiescentPeriod time.Duration
	// PollInterval is how often the queue is scanned for change sets whose
	// worker exited with requests left.
	PollInterval time.Duration
	// MaxAttempts bounds redeliveries of a request failing before commit.
	MaxAttempts int
	// SnapshotEvictionGrace is the minimum age of an evicted snapshot.
	SnapshotEvictionGrace time.Duration
	// ActionConcurrency bounds in-flight actions on a workspace head.
	ActionConcurrency int
	// RequestTimeout bounds the handling of one request.
	RequestTimeout time.Duration
	// SnapshotCacheSize is the number of decoded snapshots kept in memory.
	SnapshotCacheSize int
}

func (c Config) withDefaults() Config {
	if c.QuiescentPeriod <= 0 {
		c.QuiescentPeriod = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.SnapshotEvictionGrace < 0 {
		c.SnapshotEvictionGrace = 0
	}
	if c.ActionConcurrency <= 0 {
		c.ActionConcurrency = DefaultActionConcurrency
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// Publisher receives a SnapshotWritten event after every handled request.
type Publisher interface {
	Publish(e *proto.SnapshotWritten)
}

type nopPublisher struct{}

func (nopPublisher) Publish(*proto.SnapshotWritten) {}

// Service is the rebase service.
type Service struct {
	db  *store.DB
	cfg Config
	log *zap.Logger

	registry  *Registry
	inbox     *Inbox
	replier   Replier
	publisher Publisher
	notifier  DependentValueNotifier
	runner    ActionRunner
	actions   *ActionDispatcher

	loads singleflight.Group
	cache *snapshotCache
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithPublisher sets where SnapshotWritten events go.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithNotifier sets the dependent-value notifier.
func WithNotifier(n DependentValueNotifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithActionRunner sets the runner of dispatched actions.
func WithActionRunner(r ActionRunner) Option {
	return func(s *Service) { s.runner = r }
}

// WithReplier sets the Replier used for ReplyTo names that no in-process
// inbox owns.
func WithReplier(r Replier) Option {
	return func(s *Service) { s.replier = r }
}

// New creates a service over db.
func New(db *store.DB, cfg Config, opts ...Option) *Service {
	s := &Service{
		db:        db,
		cfg:       cfg.withDefaults(),
		log:       zap.NewNop(),
		inbox:     NewInbox(),
		publisher: nopPublisher{},
		notifier:  nopNotifier{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runner == nil {
		s.runner = LogActionRunner{Log: s.log}
	}
	s.actions = NewActionDispatcher(s.runner, s.cfg.ActionConcurrency)
	s.cache = newSnapshotCache(s.cfg.SnapshotCacheSize)
	s.registry = NewRegistry(RegistryConfig{QuiescentPeriod: s.cfg.QuiescentPeriod}, s.processNext, s.log)
	return s
}

// DB returns the control plane the service runs on.
func (s *Service) DB() *store.DB { return s.db }

// Inbox returns the in-process inbox replies are delivered to.
func (s *Service) Inbox() *Inbox { return s.inbox }

// Run dispatches queued requests to workers until ctx is done, then waits
// for in-flight requests to finish.
func (s *Service) Run(ctx context.Context) error {
	s.registry.Start(ctx)
	defer s.registry.Close()

	s.log.Info("rebase service started",
		zap.Duration("quiescent_period", s.cfg.QuiescentPeriod),
		zap.Duration("poll_interval", s.cfg.PollInterval),
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := s.dispatchPending(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("scanning queue", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.log.Info("rebase service draining", zap.Int("workers", s.registry.Len()))
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) dispatchPending(ctx context.Context) error {
	keys, err := s.db.PendingKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		s.registry.Wake(key)
	}
	return nil
}

// Enqueue validates req, fills in its version and id when missing, and
// queues it behind earlier requests for the same change set.
func (s *Service) Enqueue(ctx context.Context, req *proto.EnqueueUpdatesRequest) (int64, error) {
	if req.Version == 0 {
		req.Version = proto.Version
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if err := req.Validate(); err != nil {
		return 0, err
	}
	body, err := req.Encode()
	if err != nil {
		return 0, err
	}

	key := store.Key{WorkspaceID: req.WorkspaceID, ChangeSetID: req.ChangeSetID}
	seq, err := s.db.Enqueue(ctx, req.ID.String(), key, body)
	if err != nil {
		return 0, err
	}
	s.registry.Wake(key)
	return seq, nil
}

// EnqueueAndWait queues req and waits for its final response.
func (s *Service) EnqueueAndWait(ctx context.Context, req *proto.EnqueueUpdatesRequest) (*proto.EnqueueUpdatesResponse, error) {
	name, replies, release := s.inbox.Open()
	defer release()

	req.ReplyTo = name
	if _, err := s.Enqueue(ctx, req); err != nil {
		return nil, err
	}
	select {
	case resp := <-replies:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateWorkspace stores a bootstrapped graph and creates a workspace whose
// head points at it.
func (s *Service) CreateWorkspace(ctx context.Context, name string) (*store.Workspace, *store.ChangeSet, error) {
	g, err := graph.Bootstrap()
	if err != nil {
		return nil, nil, err
	}
	addr, err := s.writeSnapshot(ctx, g)
	if err != nil {
		return nil, nil, err
	}
	return s.db.CreateWorkspace(ctx, name, addr)
}

// Head returns a change set and its current graph.
func (s *Service) Head(ctx context.Context, changeSetID graph.ID) (*store.ChangeSet, *graph.Graph, error) {
	cs, err := s.db.GetChangeSet(ctx, changeSetID)
	if err != nil {
		return nil, nil, err
	}
	g, err := s.Snapshot(ctx, cs.Snapshot)
	if err != nil {
		return nil, nil, err
	}
	return cs, g, nil
}

// Snapshot loads and decodes the snapshot stored under addr. Concurrent
// loads of one address share a single read.
func (s *Service) Snapshot(ctx context.Context, addr cas.Hash) (*graph.Graph, error) {
	if g, ok := s.cache.get(addr); ok {
		snapshotCacheLookups.WithLabelValues("hit").Inc()
		return g, nil
	}
	snapshotCacheLookups.WithLabelValues("miss").Inc()

	v, err, _ := s.loads.Do(addr.String(), func() (any, error) {
		if g, ok := s.cache.get(addr); ok {
			return g, nil
		}
		data, err := s.db.GetBlob(ctx, addr)
		if err != nil {
			return nil, err
		}
		g, err := graph.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decoding snapshot %s: %w", addr.Short(), err)
		}
		s.cache.put(addr, g)
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*graph.Graph), nil
}

func (s *Service) writeSnapshot(ctx context.Context, g *graph.Graph) (cas.Hash, error) {
	data, addr, err := g.Encode()
	if err != nil {
		return cas.ZeroHash, err
	}
	if _, err := s.db.PutBlob(ctx, store.BlobSnapshot, data); err != nil {
		return cas.ZeroHash, err
	}
	s.cache.put(addr, g)
	return addr, nil
}
