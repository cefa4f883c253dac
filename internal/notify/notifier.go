// Package notify broadcasts committed storage mutations to any number of
// subscribers.
package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/drift/internal/apperr"
	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/schema"
)

// Change describes one committed mutation. It is never modified after
// publication.
type Change struct {
	ID        string
	Schema    *schema.ModelSchema
	Type      models.MutationType
	Initiator models.Initiator
	Predicate predicate.Predicate
	// Item is the full record for creates and updates and a reference stub
	// for cascaded deletes.
	Item *models.Record
	// Patch holds only the changed fields for updates requested through the
	// local API and equals Item otherwise.
	Patch       *models.Record
	CommittedAt time.Time
}

// Model returns the name of the changed model.
func (c Change) Model() string {
	if c.Schema != nil {
		return c.Schema.Name
	}
	if c.Item != nil {
		return c.Item.Model
	}
	return ""
}

// Cancelable stops a subscription.
type Cancelable interface {
	Cancel()
}

// Notifier fans out changes. Each subscriber has its own unbounded queue
// drained by its own goroutine, so Publish never waits on a subscriber and
// every subscriber sees every change in publication order.
type Notifier struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
}

// New returns an open notifier. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger, subs: make(map[uint64]*subscription)}
}

type subscription struct {
	id         uint64
	n          *Notifier
	onEvent    func(Change)
	onError    func(error)
	onComplete func()

	mu       sync.Mutex
	queue    []Change
	finished bool
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Observe registers a subscriber. onError receives panics raised by
// onEvent; onComplete runs once after Close, when the queue is drained.
// Either may be nil.
func (n *Notifier) Observe(onEvent func(Change), onError func(error), onComplete func()) Cancelable {
	s := &subscription{
		n:          n,
		onEvent:    onEvent,
		onError:    onError,
		onComplete: onComplete,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		s.finished = true
		go s.run()
		return s
	}
	n.nextID++
	s.id = n.nextID
	n.subs[s.id] = s
	n.mu.Unlock()

	go s.run()
	return s
}

// Publish enqueues c for every current subscriber.
func (n *Notifier) Publish(c Change) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return apperr.ErrTerminated
	}
	for _, s := range n.subs {
		s.enqueue(c)
	}
	return nil
}

// Close stops accepting changes. Subscribers drain what is queued and then
// receive their completion signal.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, s := range n.subs {
		s.finish()
		delete(n.subs, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func (n *Notifier) remove(id uint64) {
	n.mu.Lock()
	delete(n.subs, id)
	n.mu.Unlock()
}

func (s *subscription) enqueue(c Change) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel stops delivery. Changes still queued are dropped.
func (s *subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.n.remove(s.id)
	})
}

func (s *subscription) run() {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		finished := s.finished
		s.mu.Unlock()

		for _, c := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(c)
		}
		if len(batch) > 0 {
			continue
		}
		if finished {
			if s.onComplete != nil {
				s.onComplete()
			}
			return
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) deliver(c Change) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("notify: subscriber panicked on %s %s: %v", c.Type, c.Model(), r)
			s.n.logger.Error("subscriber failed", slog.String("error", err.Error()))
			if s.onError != nil {
				s.onError(err)
			}
		}
	}()
	if s.onEvent != nil {
		s.onEvent(c)
	}
}
