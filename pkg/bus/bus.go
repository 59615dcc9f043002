// Package bus implements the ordered, idempotent, multi-consumer workflow
// event bus. Every accepted envelope is delivered to all registered
// projections in registration order, exactly once per (sessionID, eventID).
package bus

import (
	"context"
	"fmt"
	"sync"

	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/proto"
)

// DefaultIdempotencyCap bounds the per-session idempotency set. Oldest event
// IDs are evicted first; eviction trades perfect long-session idempotency for
// bounded memory.
const DefaultIdempotencyCap = 1000

// Projection consumes envelopes delivered by the bus. Handlers are invoked
// synchronously and in registration order; a handler error is logged and
// isolated, it never blocks sibling projections or the emitting call.
type Projection interface {
	Name() string
	Handle(ctx context.Context, envelope *proto.Envelope) error
}

// seenSet tracks event IDs for one session with FIFO eviction.
type seenSet struct {
	ids   map[string]struct{}
	order []string
	cap   int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		ids: make(map[string]struct{}, capacity),
		cap: capacity,
	}
}

// add records an event ID and reports whether it was already present.
func (s *seenSet) add(eventID string) bool {
	if _, dup := s.ids[eventID]; dup {
		return true
	}
	s.ids[eventID] = struct{}{}
	s.order = append(s.order, eventID)
	if len(s.order) > s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	return false
}

// Bus dispatches envelopes to registered projections.
type Bus struct {
	mu          sync.Mutex
	projections []Projection
	seen        map[string]*seenSet // keyed by session ID
	capacity    int
	logger      *logx.Logger
	recorder    metrics.Recorder
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithIdempotencyCap overrides the per-session idempotency set size.
func WithIdempotencyCap(capacity int) Option {
	return func(b *Bus) {
		if capacity > 0 {
			b.capacity = capacity
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(recorder metrics.Recorder) Option {
	return func(b *Bus) { b.recorder = recorder }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		seen:     make(map[string]*seenSet),
		capacity: DefaultIdempotencyCap,
		logger:   logx.NewLogger("bus"),
		recorder: metrics.NopRecorder{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register appends a projection to the dispatch list. Registration order is
// the delivery order: register state-mutation before client-broadcast before
// audit-log. If the projection declares its subscriptions via the optional
// Subscriber interface, every subscribed type must have a known payload shape.
func (b *Bus) Register(p Projection) error {
	if sub, ok := p.(Subscriber); ok {
		for _, et := range sub.Subscriptions() {
			if _, known := proto.PayloadFor(et); !known {
				return fmt.Errorf("projection %s subscribes to unknown event type %s", p.Name(), et)
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.projections = append(b.projections, p)
	b.logger.Info("registered projection %s (position %d)", p.Name(), len(b.projections))
	return nil
}

// Subscriber is an optional interface projections may implement to have their
// event-type subscriptions checked against the payload union at registration.
type Subscriber interface {
	Subscriptions() []proto.EventType
}

// Emit delivers the envelope to every projection in order. Duplicate
// envelopes (same sessionID and eventID as a previously accepted one) return
// without dispatching. Projection failures are logged and isolated.
func (b *Bus) Emit(ctx context.Context, envelope *proto.Envelope) error {
	if envelope == nil {
		return fmt.Errorf("nil envelope")
	}
	if err := envelope.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	b.mu.Lock()
	set, ok := b.seen[envelope.SessionID]
	if !ok {
		set = newSeenSet(b.capacity)
		b.seen[envelope.SessionID] = set
	}
	duplicate := set.add(envelope.EventID)
	projections := make([]Projection, len(b.projections))
	copy(projections, b.projections)
	b.mu.Unlock()

	if duplicate {
		b.recorder.ObserveEmit(string(envelope.Type), true)
		b.logger.DebugDomain("bus", "suppressed duplicate %s event %s in session %s",
			envelope.Type, envelope.EventID, envelope.SessionID)
		return nil
	}
	b.recorder.ObserveEmit(string(envelope.Type), false)

	for _, p := range projections {
		b.dispatch(ctx, p, envelope)
	}
	return nil
}

// dispatch invokes one handler, converting panics and errors into logged
// diagnostics so a failing projection never aborts the emit.
func (b *Bus) dispatch(ctx context.Context, p Projection, envelope *proto.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.recorder.ObserveProjectionFailure(p.Name())
			b.logger.Error("projection %s panicked on %s event %s: %v",
				p.Name(), envelope.Type, envelope.EventID, r)
		}
	}()

	if err := p.Handle(ctx, envelope); err != nil {
		b.recorder.ObserveProjectionFailure(p.Name())
		b.logger.Error("projection %s failed on %s event %s: %v",
			p.Name(), envelope.Type, envelope.EventID, err)
	}
}

// EmitAll emits the envelopes sequentially, preserving slice order.
func (b *Bus) EmitAll(ctx context.Context, envelopes []*proto.Envelope) error {
	for _, envelope := range envelopes {
		if err := b.Emit(ctx, envelope); err != nil {
			return err
		}
	}
	return nil
}

// ClearSession drops the idempotency set for a session so a later replay is
// reprocessed. Used on session reset/restart.
func (b *Bus) ClearSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.seen, sessionID)
}
