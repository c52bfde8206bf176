// Package service runs the rebase service: it pulls requests from a queue,
// applies them with the rebase engine one at a time per target change set,
// and replies.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"snapgraph/cas"
	"snapgraph/ident"
	"snapgraph/proto"
	"snapgraph/rebase"
	"snapgraph/store"
)

// Queue delivers requests at least once and carries replies back.
type Queue interface {
	Enqueue(ctx context.Context, req proto.RebaseRequest) (string, error)
	Receive(ctx context.Context, wait time.Duration) (*proto.Delivery, error)
	Ack(ctx context.Context, deliveryID string, reply proto.RebaseReply) error
	Nack(ctx context.Context, deliveryID string, cause error) error
	AwaitReply(ctx context.Context, deliveryID string) (proto.RebaseReply, error)
}

// Store is what the service needs beyond the engine: change set listing
// for replay and snapshot eviction.
type Store interface {
	ListChangeSets(ctx context.Context, workspaceID ident.ID, status store.ChangeSetStatus) ([]store.ChangeSet, error)
	EvictSnapshot(ctx context.Context, addr cas.Hash) (bool, error)
}

// Options configures a Service.
type Options struct {
	// Concurrency bounds deliveries claimed from the queue and not yet
	// replied to, across all targets.
	Concurrency int
	// ReceiveWait is how long one queue receive blocks.
	ReceiveWait time.Duration
	// Replay forwards every HEAD update to the workspace's other open
	// change sets.
	Replay bool
	// Evict deletes the snapshot a rebase superseded.
	Evict bool

	Registry prometheus.Registerer
	Logger   *slog.Logger
}

// Service is the rebase consumer.
type Service struct {
	engine  *rebase.Engine
	queue   Queue
	store   Store
	opts    Options
	log     *slog.Logger
	metrics *metrics
	sem     *semaphore.Weighted

	mu    sync.Mutex
	lanes map[ident.ID]*lane
}

// lane is the FIFO of deliveries for one target change set. At most one
// goroutine drains a lane, so rebases onto a target never overlap.
type lane struct {
	queue []*proto.Delivery
}

// New creates a service.
func New(engine *rebase.Engine, queue Queue, st Store, opts Options) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ReceiveWait <= 0 {
		opts.ReceiveWait = time.Second
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		engine:  engine,
		queue:   queue,
		store:   st,
		opts:    opts,
		log:     log.With("component", "service"),
		metrics: newMetrics(opts.Registry),
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
		lanes:   make(map[ident.ID]*lane),
	}
}

// Run consumes requests until ctx is cancelled. Deliveries not yet handled
// at shutdown are returned to the queue without a reply.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.log.Info("rebase service started", "concurrency", s.opts.Concurrency, "replay", s.opts.Replay)

	g.Go(func() error {
		for {
			// A permit is held from claim to reply, so claimed deliveries
			// never exceed Concurrency.
			if err := s.sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			d, err := s.queue.Receive(gctx, s.opts.ReceiveWait)
			if err != nil || d == nil {
				s.sem.Release(1)
				if gctx.Err() != nil {
					return nil
				}
				if err != nil {
					s.metrics.receiveErrors.Inc()
					s.log.Error("receiving rebase request", "error", err)
					select {
					case <-gctx.Done():
						return nil
					case <-time.After(s.opts.ReceiveWait):
					}
				}
				continue
			}
			if gctx.Err() != nil {
				s.abandon(d, gctx.Err())
				s.sem.Release(1)
				return nil
			}
			s.dispatch(gctx, g, d)
		}
	})

	err := g.Wait()
	s.log.Info("rebase service stopped")
	return err
}

func (s *Service) dispatch(ctx context.Context, g *errgroup.Group, d *proto.Delivery) {
	target := d.Request.ToRebaseChangeSetID

	s.mu.Lock()
	if l, ok := s.lanes[target]; ok {
		l.queue = append(l.queue, d)
		s.mu.Unlock()
		return
	}
	l := &lane{queue: []*proto.Delivery{d}}
	s.lanes[target] = l
	s.metrics.activeLanes.Inc()
	s.mu.Unlock()

	g.Go(func() error {
		s.drain(ctx, target, l)
		return nil
	})
}

func (s *Service) drain(ctx context.Context, target ident.ID, l *lane) {
	for {
		s.mu.Lock()
		if len(l.queue) == 0 {
			delete(s.lanes, target)
			s.metrics.activeLanes.Dec()
			s.mu.Unlock()
			return
		}
		d := l.queue[0]
		l.queue = l.queue[1:]
		s.mu.Unlock()

		if err := ctx.Err(); err != nil {
			s.abandon(d, err)
		} else {
			s.handle(ctx, d)
		}
		s.sem.Release(1)
	}
}

// abandon returns a delivery to the queue without replying.
func (s *Service) abandon(d *proto.Delivery, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.queue.Nack(ctx, d.ID, cause); err != nil {
		s.log.Warn("requeueing abandoned request", "delivery_id", d.ID, "error", err)
	}
}

// handle runs one delivery to completion: rebase, reply, then the follow-up
// eviction and replay.
func (s *Service) handle(ctx context.Context, d *proto.Delivery) {
	start := time.Now()
	res := s.engine.Rebase(ctx, d.Request)
	if ctx.Err() != nil {
		s.abandon(d, ctx.Err())
		return
	}

	if err := s.queue.Ack(ctx, d.ID, res.Reply()); err != nil {
		s.log.Error("replying to rebase request", "delivery_id", d.ID, "error", err)
		return
	}
	res.MarkReplied()
	s.metrics.duration.Observe(time.Since(start).Seconds())

	if res.Err != nil {
		s.metrics.rebases.WithLabelValues(res.State.String()).Inc()
		s.log.Warn("rebase failed",
			"delivery_id", d.ID,
			"change_set_id", d.Request.ToRebaseChangeSetID.String(),
			"state", res.State.String(),
			"attempts", d.Attempts,
			"error", res.Err)
		return
	}
	s.metrics.rebases.WithLabelValues(res.State.String()).Inc()
	s.metrics.updatesApplied.Add(float64(res.Applied))

	if res.Skipped || res.Snapshot == res.PreviousSnapshot {
		return
	}
	if s.opts.Evict {
		s.evict(ctx, res.PreviousSnapshot)
	}
	if s.opts.Replay && res.UpdatedHead {
		if err := s.replay(ctx, res); err != nil {
			s.log.Error("replaying HEAD update", "error", err)
		}
	}
}

func (s *Service) evict(ctx context.Context, addr cas.Hash) {
	evicted, err := s.store.EvictSnapshot(ctx, addr)
	if err != nil {
		s.log.Warn("evicting snapshot", "address", addr.Short(), "error", err)
		return
	}
	if evicted {
		s.metrics.evictions.Inc()
	}
}

// replay forwards the batch just applied to HEAD onto every other open
// change set of the workspace.
func (s *Service) replay(ctx context.Context, res *rebase.Result) error {
	head := res.ChangeSet
	open, err := s.store.ListChangeSets(ctx, head.WorkspaceID, store.StatusOpen)
	if err != nil {
		return fmt.Errorf("listing open change sets: %w", err)
	}

	var errs []error
	for _, cs := range open {
		if cs.ID == head.ID {
			continue
		}
		from := head.ID
		req := proto.RebaseRequest{
			ToRebaseChangeSetID: cs.ID,
			RebaseBatchAddress:  res.UpdatesPerformed,
			FromChangeSetID:     &from,
		}
		if _, err := s.queue.Enqueue(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("change set %s: %w", cs.ID, err))
			continue
		}
		s.metrics.replays.Inc()
	}
	return errors.Join(errs...)
}

// Request enqueues req and waits for its reply.
func Request(ctx context.Context, q Queue, req proto.RebaseRequest) (proto.RebaseReply, error) {
	id, err := q.Enqueue(ctx, req)
	if err != nil {
		return proto.RebaseReply{}, err
	}
	return q.AwaitReply(ctx, id)
}
