package outbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	eh "github.com/looplab/eventhorizon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/events"
	"github.com/gridaccess/permission-service/domain/permission"
	"github.com/gridaccess/permission-service/pkg/logger"
)

var (
	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "permission_outbox_commits_total",
		Help: "Committed permission request events by type.",
	}, []string{"event_type"})
	commitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "permission_outbox_commit_failures_total",
		Help: "Rejected commits by event type.",
	}, []string{"event_type"})
	publishBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "permission_outbox_subscriber_backlog",
		Help: "Events queued per subscriber awaiting delivery.",
	}, []string{"handler"})
	subscriberErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "permission_outbox_subscriber_errors_total",
		Help: "Errors returned by subscribers; the commit stays intact.",
	}, []string{"handler"})
)

// Outbox is the event sourced log of everything that happened to every
// permission request and the only write path to one. Commit appends the
// event, projects the new state and notifies subscribers without ever
// blocking on them.
type Outbox struct {
	store eh.EventStore
	repo  permission.Repository

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex

	subMu  sync.Mutex
	subs   []*subscription
	closed bool
}

// subscription queues matched events for one handler. The queue is
// unbounded so enqueueing never drops or blocks; a slow subscriber only
// grows its own backlog.
type subscription struct {
	matcher eh.EventMatcher
	handler eh.EventHandler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []eh.Event
	closed bool
	done   chan struct{}
}

// New builds an outbox on top of an event store and a projection
// repository.
func New(store eh.EventStore, repo permission.Repository) *Outbox {
	return &Outbox{
		store: store,
		repo:  repo,
		locks: map[uuid.UUID]*sync.Mutex{},
	}
}

// Subscribe registers a handler for all committed events.
func (o *Outbox) Subscribe(handler eh.EventHandler) {
	o.SubscribeMatching(eh.MatchAny(), handler)
}

// SubscribeMatching registers a handler for events the matcher selects.
// Delivery is at-least-once and asynchronous to the commit; a slow or
// failing subscriber can never fail, block or lose a commit.
func (o *Outbox) SubscribeMatching(matcher eh.EventMatcher, handler eh.EventHandler) {
	sub := &subscription{
		matcher: matcher,
		handler: handler,
		done:    make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.run()

	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.subs = append(o.subs, sub)
}

func (s *subscription) enqueue(event eh.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	publishBacklog.WithLabelValues(string(s.handler.HandlerType())).Set(float64(len(s.queue)))
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		publishBacklog.WithLabelValues(string(s.handler.HandlerType())).Set(float64(len(s.queue)))
		s.mu.Unlock()

		if err := s.handler.HandleEvent(context.Background(), event); err != nil {
			subscriberErrors.WithLabelValues(string(s.handler.HandlerType())).Inc()
			logger.Logger().WithError(err).Errorf("subscriber %s failed for event %s", s.handler.HandlerType(), event.EventType())
		}
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	<-s.done
}

// Commit appends the event, applies it to the addressed aggregate and
// persists the projection. If the transition guard or the store rejects the
// event the projected state stays untouched. Returns the status after the
// commit.
func (o *Outbox) Commit(ctx context.Context, event eh.Event) (domain.Status, error) {
	id := event.AggregateID()
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := o.current(ctx, event, id)
	if err != nil {
		commitFailures.WithLabelValues(string(event.EventType())).Inc()
		return "", err
	}

	// Renumber the event so the per aggregate sequence stays monotonic no
	// matter what version the caller put on it.
	numbered := eh.NewEventForAggregate(
		event.EventType(), event.Data(), event.Timestamp(),
		domain.PermissionRequestAggregateType, id, current.Version+1,
	)

	next := current.Copy()
	if err := next.ApplyEvent(ctx, numbered); err != nil {
		commitFailures.WithLabelValues(string(event.EventType())).Inc()
		return current.Status, err
	}
	if err := o.store.Save(ctx, []eh.Event{numbered}, current.Version); err != nil {
		commitFailures.WithLabelValues(string(event.EventType())).Inc()
		return current.Status, fmt.Errorf("append event %s for %s: %w", event.EventType(), id, err)
	}
	if err := o.repo.Save(ctx, next); err != nil {
		// The log is the source of truth; a failed projection write is
		// repaired by replay, the commit itself stands.
		logger.Logger().WithError(err).Errorf("projection update for %s failed", id)
	}

	commitsTotal.WithLabelValues(string(event.EventType())).Inc()
	o.publish(numbered)
	return next.Status, nil
}

func (o *Outbox) current(ctx context.Context, event eh.Event, id uuid.UUID) (*permission.PermissionRequest, error) {
	if event.EventType() == events.Created {
		if _, err := o.repo.Find(ctx, id); err == nil {
			return nil, fmt.Errorf("permission request %s already exists", id)
		}
		return permission.New(id), nil
	}
	current, err := o.repo.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	return current, nil
}

// Replay loads the full event sequence of a permission request and projects
// it from scratch.
func (o *Outbox) Replay(ctx context.Context, id uuid.UUID) (*permission.PermissionRequest, error) {
	history, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", id, err)
	}
	if len(history) == 0 {
		return nil, domain.PermissionNotFoundError{PermissionID: id}
	}
	return permission.Replay(id, history)
}

func (o *Outbox) publish(event eh.Event) {
	o.subMu.Lock()
	subs := o.subs
	o.subMu.Unlock()

	for _, sub := range subs {
		if !sub.matcher(event) {
			continue
		}
		sub.enqueue(event)
	}
}

// Close drains and stops every subscriber worker. Commits after Close are
// still persisted but no longer published.
func (o *Outbox) Close() {
	o.subMu.Lock()
	if o.closed {
		o.subMu.Unlock()
		return
	}
	o.closed = true
	subs := o.subs
	o.subs = nil
	o.subMu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (o *Outbox) lockFor(id uuid.UUID) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[id] = lock
	}
	return lock
}
