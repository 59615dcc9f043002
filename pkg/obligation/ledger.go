// Package obligation tracks outstanding commitments (user asks, delegations)
// so "did we cover everything that was asked" is inspectable and enforceable
// rather than implicit in prose.
package obligation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Type classifies what kind of commitment an obligation tracks.
type Type string

const (
	TypeUserRequest Type = "user_request"
	TypeDelegation  Type = "delegation"
)

// Status is the lifecycle state of an obligation. Transitions are one-way and
// terminal: open -> {satisfied | waived | failed}, never back to open.
type Status string

const (
	StatusOpen      Status = "open"
	StatusSatisfied Status = "satisfied"
	StatusWaived    Status = "waived"
	StatusFailed    Status = "failed"
)

// Origin records where the obligation came from.
type Origin string

const (
	OriginPrimary    Origin = "primary"
	OriginInbox      Origin = "inbox"
	OriginDelegation Origin = "delegation"
)

const evidenceExcerptLen = 200

// Obligation is one tracked commitment.
type Obligation struct {
	ID              string     `json:"id"`
	Type            Type       `json:"type"`
	Description     string     `json:"description"`
	RequiredOutcome string     `json:"required_outcome,omitempty"`
	SourceAgent     string     `json:"source_agent"`
	Status          Status     `json:"status"`
	Evidence        []string   `json:"evidence,omitempty"`
	TurnID          string     `json:"turn_id,omitempty"`
	Origin          Origin     `json:"origin"`
	Blocking        bool       `json:"blocking,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

func (o *Obligation) terminal() bool {
	return o.Status != StatusOpen
}

// Spec describes an obligation to be created.
type Spec struct {
	Type            Type
	Description     string
	RequiredOutcome string
	SourceAgent     string
	Origin          Origin
	Blocking        bool
}

// Emitter is the slice of the event bus the ledger needs.
type Emitter interface {
	Emit(ctx context.Context, envelope *proto.Envelope) error
}

// Filter narrows Unresolved queries.
type Filter struct {
	TurnID       string
	BlockingOnly bool
}

// Ledger holds obligations keyed by session.
type Ledger struct {
	mu       sync.Mutex
	sessions map[string][]*Obligation
	emitter  Emitter
	resolver Resolver
	logger   *logx.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithEmitter attaches a bus so the ledger announces obligation.opened and
// obligation.resolved events.
func WithEmitter(emitter Emitter) Option {
	return func(l *Ledger) { l.emitter = emitter }
}

// WithResolver replaces the default keyword-overlap resolution strategy.
func WithResolver(resolver Resolver) Option {
	return func(l *Ledger) { l.resolver = resolver }
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		sessions: make(map[string][]*Obligation),
		resolver: NewKeywordResolver(),
		logger:   logx.NewLogger("obligation"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Add always creates a new obligation. Parallel delegation slots with an
// identical target and objective each track their own entry; reuse would
// collapse them.
func (l *Ledger) Add(ctx context.Context, rc proto.RequestContext, spec Spec) *Obligation {
	l.mu.Lock()
	o := l.appendLocked(rc, spec)
	l.mu.Unlock()

	l.announce(ctx, rc, o, proto.EventObligationOpened, "")
	return o
}

// AddOrReuse creates a new obligation unless an equivalent open obligation
// already exists for the same turn, source, and description. Reuse avoids
// duplicate tracking on retried emissions within one turn.
func (l *Ledger) AddOrReuse(ctx context.Context, rc proto.RequestContext, spec Spec) *Obligation {
	l.mu.Lock()
	for _, o := range l.sessions[rc.SessionID] {
		if o.Status == StatusOpen && o.TurnID == rc.TurnID &&
			o.Description == spec.Description && o.SourceAgent == spec.SourceAgent {
			l.mu.Unlock()
			return o
		}
	}
	o := l.appendLocked(rc, spec)
	l.mu.Unlock()

	l.announce(ctx, rc, o, proto.EventObligationOpened, "")
	return o
}

func (l *Ledger) appendLocked(rc proto.RequestContext, spec Spec) *Obligation {
	o := &Obligation{
		ID:              "obl_" + uuid.NewString(),
		Type:            spec.Type,
		Description:     spec.Description,
		RequiredOutcome: spec.RequiredOutcome,
		SourceAgent:     spec.SourceAgent,
		Status:          StatusOpen,
		TurnID:          rc.TurnID,
		Origin:          spec.Origin,
		Blocking:        spec.Blocking,
		CreatedAt:       time.Now().UTC(),
	}
	l.sessions[rc.SessionID] = append(l.sessions[rc.SessionID], o)
	return o
}

// Satisfy marks the obligation satisfied with supporting evidence. Calling on
// an already-terminal obligation is a no-op, tolerating at-least-once event
// delivery upstream. Returns whether the transition happened.
func (l *Ledger) Satisfy(ctx context.Context, rc proto.RequestContext, id, evidence string) bool {
	return l.resolve(ctx, rc, id, StatusSatisfied, evidence)
}

// Fail marks the obligation failed. No-op if already terminal.
func (l *Ledger) Fail(ctx context.Context, rc proto.RequestContext, id, evidence string) bool {
	return l.resolve(ctx, rc, id, StatusFailed, evidence)
}

// Waive marks the obligation waived with a reason. No-op if already terminal.
func (l *Ledger) Waive(ctx context.Context, rc proto.RequestContext, id, reason string) bool {
	return l.resolve(ctx, rc, id, StatusWaived, reason)
}

func (l *Ledger) resolve(ctx context.Context, rc proto.RequestContext, id string, status Status, evidence string) bool {
	l.mu.Lock()
	var target *Obligation
	for _, o := range l.sessions[rc.SessionID] {
		if o.ID == id {
			target = o
			break
		}
	}
	if target == nil || target.terminal() {
		l.mu.Unlock()
		return false
	}

	now := time.Now().UTC()
	target.Status = status
	target.ResolvedAt = &now
	if evidence != "" {
		target.Evidence = append(target.Evidence, truncate(evidence, evidenceExcerptLen))
	}
	l.mu.Unlock()

	l.announce(ctx, rc, target, proto.EventObligationResolved, evidence)
	return true
}

// Unresolved returns the open obligations for a session, optionally narrowed
// to one turn or to blocking obligations only. The loop and the gate manager
// use this to decide whether a "respond to user" action may conclude a turn.
func (l *Ledger) Unresolved(sessionID string, filter Filter) []*Obligation {
	l.mu.Lock()
	defer l.mu.Unlock()

	var open []*Obligation
	for _, o := range l.sessions[sessionID] {
		if o.terminal() {
			continue
		}
		if filter.TurnID != "" && o.TurnID != filter.TurnID {
			continue
		}
		if filter.BlockingOnly && !o.Blocking {
			continue
		}
		open = append(open, o)
	}
	return open
}

// Get returns the obligation with the given ID, if present.
func (l *Ledger) Get(sessionID, id string) (*Obligation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.sessions[sessionID] {
		if o.ID == id {
			return o, true
		}
	}
	return nil, false
}

// ResolveFromResponse applies the resolution strategy to blocking inbox
// obligations: any whose required outcome the free-text response plausibly
// covers is marked satisfied with a truncated excerpt of the response. This
// is a best-effort approximation, not a correctness proof. Returns the IDs of
// the obligations it resolved.
func (l *Ledger) ResolveFromResponse(ctx context.Context, rc proto.RequestContext, response string) []string {
	l.mu.Lock()
	var candidates []*Obligation
	for _, o := range l.sessions[rc.SessionID] {
		if !o.terminal() && o.Origin == OriginInbox && o.Blocking {
			candidates = append(candidates, o)
		}
	}
	l.mu.Unlock()

	var resolved []string
	for _, o := range candidates {
		target := o.RequiredOutcome
		if target == "" {
			target = o.Description
		}
		if l.resolver.Covers(target, response) {
			if l.Satisfy(ctx, rc, o.ID, response) {
				resolved = append(resolved, o.ID)
			}
		}
	}
	return resolved
}

// Snapshot returns copies of every obligation for a session, used for the
// hello_ack reconnect payload.
func (l *Ledger) Snapshot(sessionID string) []Obligation {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := make([]Obligation, 0, len(l.sessions[sessionID]))
	for _, o := range l.sessions[sessionID] {
		snapshot = append(snapshot, *o)
	}
	return snapshot
}

// ClearSession drops all obligations for a session.
func (l *Ledger) ClearSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

func (l *Ledger) announce(ctx context.Context, rc proto.RequestContext, o *Obligation, eventType proto.EventType, evidence string) {
	if l.emitter == nil {
		return
	}
	payload := &proto.ObligationPayload{
		ObligationID: o.ID,
		Type:         string(o.Type),
		Description:  o.Description,
		Status:       string(o.Status),
		Evidence:     truncate(evidence, evidenceExcerptLen),
	}
	e := proto.NewEvent(rc, eventType, payload, proto.WithSource(proto.SourceObligation))
	if err := l.emitter.Emit(ctx, e); err != nil {
		l.logger.Error("failed to emit %s for %s: %v", eventType, o.ID, err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
