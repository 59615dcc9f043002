// Package gate implements the question and approval workflow: blocking or
// non-blocking requests for user input that can suspend a turn until an
// answer or decision arrives.
package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/proto"
)

// Kind distinguishes the two gate flavors.
type Kind string

const (
	KindQuestion Kind = "question"
	KindApproval Kind = "approval"
)

// ApprovalType refines what an approval gate is guarding.
type ApprovalType string

const (
	ApprovalPlan   ApprovalType = "plan"
	ApprovalAction ApprovalType = "action"
)

// ErrBlockingGateOutstanding is returned when a second blocking gate is
// requested while one is already pending for the same turn.
var ErrBlockingGateOutstanding = errors.New("a blocking gate is already outstanding for this turn")

// Gate is one pending request for user input.
type Gate struct {
	ID           string       `json:"id"`
	Kind         Kind         `json:"kind"`
	ApprovalType ApprovalType `json:"approval_type,omitempty"`
	Text         string       `json:"text"`
	RiskLevel    string       `json:"risk_level,omitempty"`
	FromAgent    string       `json:"from_agent"`
	TurnID       string       `json:"turn_id"`
	Blocking     bool         `json:"blocking"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
	Fingerprint  string       `json:"fingerprint,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

func (g *Gate) expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// MatchResult classifies an inbound answer against the pending gates.
type MatchResult int

const (
	// MatchNone means no pending gate carries the given ID.
	MatchNone MatchResult = iota
	// MatchStale means the gate exists but belongs to a different turn.
	MatchStale
	// MatchExpired means the gate's deadline has passed.
	MatchExpired
	// Matched means the answer may resolve the gate.
	Matched
)

// QuestionSpec describes a question gate to open.
type QuestionSpec struct {
	Text      string
	FromAgent string
	Blocking  bool
	ExpiresAt *time.Time
}

// ApprovalSpec describes an approval gate to open. Approvals always block.
type ApprovalSpec struct {
	Description string
	RiskLevel   string
	FromAgent   string
	Type        ApprovalType
	ExpiresAt   *time.Time
}

// Emitter is the slice of the event bus the manager needs.
type Emitter interface {
	Emit(ctx context.Context, envelope *proto.Envelope) error
}

// Manager tracks pending gates per session and enforces the one-blocking-
// gate-per-turn invariant.
type Manager struct {
	mu       sync.Mutex
	pending  map[string][]*Gate // keyed by session ID
	ttl      time.Duration
	emitter  Emitter
	recorder metrics.Recorder
	logger   *logx.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithEmitter attaches a bus for gate.* event announcements.
func WithEmitter(emitter Emitter) Option {
	return func(m *Manager) { m.emitter = emitter }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(recorder metrics.Recorder) Option {
	return func(m *Manager) { m.recorder = recorder }
}

// WithTTL sets the default deadline applied to gates opened without an
// explicit expiry. Zero means such gates never expire.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// NewManager creates an empty gate manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		pending:  make(map[string][]*Gate),
		recorder: metrics.NopRecorder{},
		logger:   logx.NewLogger("gate"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenQuestion opens a question gate. A blocking question suspends the turn;
// non-blocking questions may coexist with ongoing work and with each other.
// Re-opening a question with the same text on the same turn returns the
// existing gate (fingerprint suppression for retried emissions).
func (m *Manager) OpenQuestion(ctx context.Context, rc proto.RequestContext, spec QuestionSpec) (*Gate, error) {
	fingerprint := fingerprintOf(spec.Text, rc.TurnID)

	m.mu.Lock()
	for _, g := range m.pending[rc.SessionID] {
		if g.Fingerprint == fingerprint {
			m.mu.Unlock()
			return g, nil
		}
	}
	if spec.Blocking {
		if g := m.blockingGateLocked(rc.SessionID, rc.TurnID); g != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrBlockingGateOutstanding, g.ID)
		}
	}

	g := &Gate{
		ID:          "q_" + uuid.NewString(),
		Kind:        KindQuestion,
		Text:        spec.Text,
		FromAgent:   spec.FromAgent,
		TurnID:      rc.TurnID,
		Blocking:    spec.Blocking,
		ExpiresAt:   m.deadline(spec.ExpiresAt),
		Fingerprint: fingerprint,
		CreatedAt:   time.Now().UTC(),
	}
	m.pending[rc.SessionID] = append(m.pending[rc.SessionID], g)
	m.mu.Unlock()

	m.recorder.ObserveGate(string(KindQuestion), "opened")
	m.announce(ctx, rc, g, proto.EventGateOpened, "")
	return g, nil
}

// OpenApproval opens an approval gate. Approvals always block until a boolean
// decision arrives. Re-requesting an approval with the same description on
// the same turn returns the existing gate, as with questions.
func (m *Manager) OpenApproval(ctx context.Context, rc proto.RequestContext, spec ApprovalSpec) (*Gate, error) {
	fingerprint := fingerprintOf(spec.Description, rc.TurnID)

	m.mu.Lock()
	for _, g := range m.pending[rc.SessionID] {
		if g.Fingerprint == fingerprint {
			m.mu.Unlock()
			return g, nil
		}
	}
	if g := m.blockingGateLocked(rc.SessionID, rc.TurnID); g != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBlockingGateOutstanding, g.ID)
	}

	approvalType := spec.Type
	if approvalType == "" {
		approvalType = ApprovalAction
	}
	g := &Gate{
		ID:           "appr_" + uuid.NewString(),
		Kind:         KindApproval,
		ApprovalType: approvalType,
		Text:         spec.Description,
		RiskLevel:    spec.RiskLevel,
		FromAgent:    spec.FromAgent,
		TurnID:       rc.TurnID,
		Blocking:     true,
		ExpiresAt:    m.deadline(spec.ExpiresAt),
		Fingerprint:  fingerprint,
		CreatedAt:    time.Now().UTC(),
	}
	m.pending[rc.SessionID] = append(m.pending[rc.SessionID], g)
	m.mu.Unlock()

	m.recorder.ObserveGate(string(KindApproval), "opened")
	m.announce(ctx, rc, g, proto.EventGateOpened, "")
	return g, nil
}

// Match classifies an inbound answer for the given gate against the active
// turn. Anything other than Matched means the dispatcher must treat the
// inbound text as a brand-new request, never silently discard it.
func (m *Manager) Match(sessionID, gateID, activeTurnID string) (*Gate, MatchResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.pending[sessionID] {
		if g.ID != gateID {
			continue
		}
		if g.TurnID != activeTurnID {
			return g, MatchStale
		}
		if g.expired(time.Now()) {
			return g, MatchExpired
		}
		return g, Matched
	}
	return nil, MatchNone
}

// Resolve closes a matched gate with the given outcome ("answered",
// "approved", "rejected") and announces gate.resolved.
func (m *Manager) Resolve(ctx context.Context, rc proto.RequestContext, gateID, outcome string) (*Gate, error) {
	g := m.remove(rc.SessionID, gateID)
	if g == nil {
		return nil, fmt.Errorf("no pending gate %s in session %s", gateID, rc.SessionID)
	}

	m.recorder.ObserveGate(string(g.Kind), outcome)
	m.announce(ctx, rc, g, proto.EventGateResolved, outcome)
	return g, nil
}

// ExpireOverdue removes every expired gate for a session and announces each
// expiry. Returns the expired gates.
func (m *Manager) ExpireOverdue(ctx context.Context, rc proto.RequestContext) []*Gate {
	now := time.Now()

	m.mu.Lock()
	var kept, expired []*Gate
	for _, g := range m.pending[rc.SessionID] {
		if g.expired(now) {
			expired = append(expired, g)
		} else {
			kept = append(kept, g)
		}
	}
	m.pending[rc.SessionID] = kept
	m.mu.Unlock()

	for _, g := range expired {
		m.recorder.ObserveGate(string(g.Kind), "expired")
		m.announce(ctx, rc, g, proto.EventGateExpired, "expired")
	}
	return expired
}

// Blocking returns the pending blocking gate for a turn, if any. At most one
// exists.
func (m *Manager) Blocking(sessionID, turnID string) *Gate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockingGateLocked(sessionID, turnID)
}

// Pending returns copies of every pending gate for a session, questions and
// approvals separated, for the hello_ack reconnect snapshot.
func (m *Manager) Pending(sessionID string) (questions, approvals []Gate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.pending[sessionID] {
		if g.Kind == KindQuestion {
			questions = append(questions, *g)
		} else {
			approvals = append(approvals, *g)
		}
	}
	return questions, approvals
}

// ClearSession drops all pending gates for a session.
func (m *Manager) ClearSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, sessionID)
}

func (m *Manager) blockingGateLocked(sessionID, turnID string) *Gate {
	for _, g := range m.pending[sessionID] {
		if g.Blocking && g.TurnID == turnID {
			return g
		}
	}
	return nil
}

func (m *Manager) remove(sessionID, gateID string) *Gate {
	m.mu.Lock()
	defer m.mu.Unlock()

	gates := m.pending[sessionID]
	for i, g := range gates {
		if g.ID == gateID {
			m.pending[sessionID] = append(gates[:i], gates[i+1:]...)
			return g
		}
	}
	return nil
}

func (m *Manager) announce(ctx context.Context, rc proto.RequestContext, g *Gate, eventType proto.EventType, outcome string) {
	if m.emitter == nil {
		return
	}
	payload := &proto.GatePayload{
		GateID:    g.ID,
		Kind:      string(g.Kind),
		Text:      g.Text,
		Blocking:  g.Blocking,
		RiskLevel: g.RiskLevel,
		FromAgent: g.FromAgent,
		Outcome:   outcome,
		ExpiresAt: g.ExpiresAt,
	}
	e := proto.NewEvent(rc, eventType, payload, proto.WithSource(proto.SourceGate), proto.WithCorrelation(g.ID))
	if err := m.emitter.Emit(ctx, e); err != nil {
		m.logger.Error("failed to emit %s for gate %s: %v", eventType, g.ID, err)
	}
}

func (m *Manager) deadline(explicit *time.Time) *time.Time {
	if explicit != nil || m.ttl <= 0 {
		return explicit
	}
	d := time.Now().Add(m.ttl).UTC()
	return &d
}

func fingerprintOf(text, turnID string) string {
	sum := sha256.Sum256([]byte(turnID + "\x00" + text))
	return hex.EncodeToString(sum[:8])
}
