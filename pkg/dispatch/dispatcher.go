// Package dispatch is the external-facing entry point of the orchestration
// core. It maps transport-neutral commands onto session resolution, loop
// invocation, event emission, and turn persistence, and serves ordered event
// replay to reconnecting clients.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/bus"
	"conductor/pkg/gate"
	"conductor/pkg/logx"
	"conductor/pkg/loop"
	"conductor/pkg/metrics"
	"conductor/pkg/obligation"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
)

// ErrTurnWaiting rejects a new user_request while the session's active turn
// is suspended on a blocking gate. The pending gate is never silently
// cancelled.
var ErrTurnWaiting = errors.New("session is waiting for a pending gate")

// ErrUnknownGate rejects an approval decision that names no pending gate.
var ErrUnknownGate = errors.New("no pending gate matches the given id")

// HelloAck is the snapshot a reconnecting client receives on attach.
type HelloAck struct {
	CurrentSeq       uint64                  `json:"current_seq"`
	PendingQuestions []gate.Gate             `json:"pending_questions"`
	PendingApprovals []gate.Gate             `json:"pending_approvals"`
	PendingActions   []obligation.Obligation `json:"pending_actions"`
}

// TurnResult is the dispatcher's answer to a handled command.
type TurnResult struct {
	TurnID        string      `json:"turn_id"`
	Status        loop.Status `json:"status"`
	Answer        string      `json:"answer,omitempty"`
	PendingGateID string      `json:"pending_gate_id,omitempty"`
}

// sessionEntry serializes command handling for one session and remembers the
// suspended turn, if any.
type sessionEntry struct {
	mu sync.Mutex

	createdAt time.Time

	// Set while a turn is suspended on a blocking gate.
	waitingTurnID  string
	waitingGateID  string
	waitingAgent   string
	waitingMessage string
}

// Dispatcher owns session lifecycle and command routing. Commands for the
// same session are handled strictly one at a time; sessions proceed
// independently.
type Dispatcher struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry

	bus      *bus.Bus
	loop     *loop.Loop
	gates    *gate.Manager
	ledger   *obligation.Ledger
	replay   *ReplayBuffer
	persist  chan<- *persistence.Request
	notifier agent.Notifier
	recorder metrics.Recorder
	logger   *logx.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPersistence attaches the turn persistence sink. Writes are
// fire-and-forget; sink failures never surface to clients.
func WithPersistence(ch chan<- *persistence.Request) Option {
	return func(d *Dispatcher) { d.persist = ch }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithNotifier attaches an outbound notification sink for turn outcomes.
func WithNotifier(n agent.Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// NewDispatcher wires the dispatcher over its collaborators.
func NewDispatcher(b *bus.Bus, l *loop.Loop, gates *gate.Manager,
	ledger *obligation.Ledger, replay *ReplayBuffer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sessions: make(map[string]*sessionEntry),
		bus:      b,
		loop:     l,
		gates:    gates,
		ledger:   ledger,
		replay:   replay,
		recorder: metrics.NopRecorder{},
		logger:   logx.NewLogger("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Attach resolves (or creates) a session and returns the reconnect snapshot.
func (d *Dispatcher) Attach(ctx context.Context, sessionID string) (*HelloAck, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	entry, created := d.entry(sessionID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	rc := proto.NewRequestContext(sessionID, "req_attach")
	eventType := proto.EventSessionAttached
	if created {
		eventType = proto.EventSessionCreated
	}
	d.emit(ctx, rc, eventType, proto.SessionPayload{SessionID: sessionID})

	questions, approvals := d.gates.Pending(sessionID)
	return &HelloAck{
		CurrentSeq:       d.replay.CurrentSeq(sessionID),
		PendingQuestions: questions,
		PendingApprovals: approvals,
		PendingActions:   d.ledger.Snapshot(sessionID),
	}, nil
}

// ReplaySince returns buffered envelopes with seq greater than sinceSeq, in
// order. The boolean reports whether the history is gap-free.
func (d *Dispatcher) ReplaySince(sessionID string, sinceSeq uint64) ([]*proto.Envelope, bool) {
	return d.replay.ReplaySince(sessionID, sinceSeq)
}

// Reset clears all per-session state, permitting a full replay to be
// reprocessed from scratch.
func (d *Dispatcher) Reset(ctx context.Context, sessionID string) {
	d.mu.Lock()
	delete(d.sessions, sessionID)
	d.mu.Unlock()

	rc := proto.NewRequestContext(sessionID, "req_reset")
	d.emit(ctx, rc, proto.EventSessionReset, proto.SessionPayload{SessionID: sessionID, Reason: "reset"})

	d.bus.ClearSession(sessionID)
	d.gates.ClearSession(sessionID)
	d.ledger.ClearSession(sessionID)
	d.replay.ClearSession(sessionID)
}

// Handle validates and routes one inbound command. Handling is serialized
// per session.
func (d *Dispatcher) Handle(ctx context.Context, cmd proto.Command) (*TurnResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s command: %w", cmd.Kind(), err)
	}

	entry, _ := d.entry(cmd.Session())
	entry.mu.Lock()
	defer entry.mu.Unlock()

	// Sweep overdue gates before matching anything against them. A suspended
	// turn whose gate expired is unsuspended so the session does not stay
	// stuck waiting forever.
	expiryRC := proto.NewRequestContext(cmd.Session(), cmd.Request())
	for _, g := range d.gates.ExpireOverdue(ctx, expiryRC) {
		if g.ID == entry.waitingGateID {
			entry.clearWaiting()
		}
	}

	switch c := cmd.(type) {
	case *proto.UserRequest:
		return d.handleUserRequest(ctx, entry, c)
	case *proto.UserQuestionAnswered:
		return d.handleQuestionAnswered(ctx, entry, c)
	case *proto.UserApprovalDecided:
		return d.handleApprovalDecided(ctx, entry, c.SessionID, c.RequestID, c.ApprovalID, c.Approved, "")
	case *proto.UserPlanApprovalDecided:
		return d.handleApprovalDecided(ctx, entry, c.SessionID, c.RequestID, c.PlanID, c.Approved, c.Reason)
	default:
		return nil, fmt.Errorf("unsupported command kind %q", cmd.Kind())
	}
}

func (d *Dispatcher) handleUserRequest(ctx context.Context, entry *sessionEntry, cmd *proto.UserRequest) (*TurnResult, error) {
	rc := proto.NewRequestContext(cmd.SessionID, cmd.RequestID)

	// Free text may settle open inbox obligations from earlier non-blocking
	// questions before anything else happens.
	if resolved := d.ledger.ResolveFromResponse(ctx, rc, cmd.Message); len(resolved) > 0 {
		d.logger.Info("resolved %d inbox obligation(s) from user message", len(resolved))
	}

	if entry.waitingGateID != "" {
		return nil, fmt.Errorf("%w: gate %s", ErrTurnWaiting, entry.waitingGateID)
	}

	return d.runTurn(ctx, entry, rc, loop.Input{Message: cmd.Message}), nil
}

func (d *Dispatcher) handleQuestionAnswered(ctx context.Context, entry *sessionEntry, cmd *proto.UserQuestionAnswered) (*TurnResult, error) {
	g, match := d.gates.Match(cmd.SessionID, cmd.QuestionID, entry.waitingTurnID)

	// A non-blocking question never suspends a turn, so turn-scoping does
	// not apply to it. Its answer settles obligations and closes the gate
	// without re-entering the loop.
	if g != nil && !g.Blocking && (match == gate.Matched || match == gate.MatchStale) {
		rc := proto.NewRequestContext(cmd.SessionID, cmd.RequestID).WithTurn(g.TurnID)
		if _, err := d.gates.Resolve(ctx, rc, g.ID, cmd.Answer); err != nil {
			return nil, fmt.Errorf("failed to resolve question gate: %w", err)
		}
		d.ledger.ResolveFromResponse(ctx, rc, cmd.Answer)
		return &TurnResult{TurnID: g.TurnID, Status: loop.StatusCompleted}, nil
	}

	if match != gate.Matched {
		// A stale, expired, or unknown gate reference is treated as a brand
		// new request rather than silently discarded. The pending gate, if
		// any, stays pending.
		d.logger.Info("question answer did not match a pending gate, reclassifying as new request")
		rc := proto.NewRequestContext(cmd.SessionID, cmd.RequestID)
		d.ledger.ResolveFromResponse(ctx, rc, cmd.Answer)
		return d.runTurn(ctx, entry, rc, loop.Input{Message: cmd.Answer}), nil
	}

	rc := proto.NewRequestContext(cmd.SessionID, cmd.RequestID).WithTurn(g.TurnID)
	if _, err := d.gates.Resolve(ctx, rc, g.ID, cmd.Answer); err != nil {
		return nil, fmt.Errorf("failed to resolve question gate: %w", err)
	}

	input := loop.Input{
		Agent:   entry.waitingAgent,
		Message: entry.waitingMessage,
		Note:    fmt.Sprintf("The user answered the pending question %q with: %s", g.Text, cmd.Answer),
	}
	entry.clearWaiting()
	return d.runTurn(ctx, entry, rc, input), nil
}

func (d *Dispatcher) handleApprovalDecided(ctx context.Context, entry *sessionEntry, sessionID, requestID, gateID string, approved bool, reason string) (*TurnResult, error) {
	g, match := d.gates.Match(sessionID, gateID, entry.waitingTurnID)

	outcome := "approved"
	if !approved {
		outcome = "rejected"
		if reason != "" {
			outcome = "rejected: " + reason
		}
	}

	switch match {
	case gate.MatchStale, gate.MatchExpired:
		// A decision scoped to a gate from another turn, or one past its
		// deadline, must not resolve that gate. The decision becomes a brand
		// new request; the pending gate stays pending.
		d.logger.Info("approval decision did not match the active turn, reclassifying as new request")
		message := reason
		if message == "" {
			message = fmt.Sprintf("The user %s an approval that is no longer active: %s", outcome, g.Text)
		}
		rc := proto.NewRequestContext(sessionID, requestID)
		return d.runTurn(ctx, entry, rc, loop.Input{Message: message}), nil
	case gate.Matched:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownGate, gateID)
	}

	rc := proto.NewRequestContext(sessionID, requestID).WithTurn(g.TurnID)
	if _, err := d.gates.Resolve(ctx, rc, g.ID, outcome); err != nil {
		return nil, fmt.Errorf("failed to resolve approval gate: %w", err)
	}

	input := loop.Input{
		Agent:   entry.waitingAgent,
		Message: entry.waitingMessage,
		Note:    fmt.Sprintf("The user %s the pending approval %q.", outcome, g.Text),
	}
	entry.clearWaiting()
	return d.runTurn(ctx, entry, rc, input), nil
}

// runTurn drives one loop invocation and emits the turn lifecycle events
// around it. The loop itself emits turn.waiting when it suspends.
func (d *Dispatcher) runTurn(ctx context.Context, entry *sessionEntry, rc proto.RequestContext, input loop.Input) *TurnResult {
	started := time.Now()
	d.emit(ctx, rc, proto.EventTurnStarted, proto.TurnPayload{Message: input.Message})

	// Track the user's request as a non-blocking primary obligation. A
	// resumed turn reuses the obligation opened when the turn started.
	ob := d.ledger.AddOrReuse(ctx, rc, obligation.Spec{
		Type:        obligation.TypeUserRequest,
		Description: input.Message,
		SourceAgent: "user",
		Origin:      obligation.OriginPrimary,
	})

	result := d.loop.Run(ctx, rc, input)

	switch result.Status {
	case loop.StatusCompleted:
		d.ledger.Satisfy(ctx, rc, ob.ID, result.Answer)
		d.emit(ctx, rc, proto.EventTurnCompleted, proto.TurnPayload{
			Status: string(result.Status),
			Answer: result.Answer,
		})
		d.notify(fmt.Sprintf("turn %s completed: %s", rc.TurnID, result.Answer))
	case loop.StatusWaiting:
		entry.waitingTurnID = rc.TurnID
		entry.waitingGateID = result.PendingGateID
		entry.waitingAgent = input.Agent
		entry.waitingMessage = input.Message
	case loop.StatusError:
		d.ledger.Fail(ctx, rc, ob.ID, result.Answer)
		d.emit(ctx, rc, proto.EventTurnFailed, proto.TurnPayload{
			Status: string(result.Status),
			Answer: result.Answer,
		})
		d.notify(fmt.Sprintf("turn %s failed: %s", rc.TurnID, result.Answer))
	}

	d.persistTurn(rc, input, result, started)
	d.recorder.ObserveTurn(string(result.Status), time.Since(started))

	return &TurnResult{
		TurnID:        rc.TurnID,
		Status:        result.Status,
		Answer:        result.Answer,
		PendingGateID: result.PendingGateID,
	}
}

func (d *Dispatcher) persistTurn(rc proto.RequestContext, input loop.Input, result *loop.Result, started time.Time) {
	if d.persist == nil {
		return
	}
	turn := &persistence.Turn{
		SessionID: rc.SessionID,
		TurnID:    rc.TurnID,
		Agent:     input.Agent,
		Status:    string(result.Status),
		Request:   input.Message,
		Answer:    result.Answer,
		StartedAt: started.UTC(),
	}
	if result.Status != loop.StatusWaiting {
		completed := time.Now().UTC()
		turn.CompletedAt = &completed
	}
	persistence.PersistTurn(turn, d.persist)
}

func (d *Dispatcher) entry(sessionID string) (*sessionEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.sessions[sessionID]
	if !ok {
		entry = &sessionEntry{createdAt: time.Now()}
		d.sessions[sessionID] = entry
	}
	return entry, !ok
}

func (e *sessionEntry) clearWaiting() {
	e.waitingTurnID = ""
	e.waitingGateID = ""
	e.waitingAgent = ""
	e.waitingMessage = ""
}

func (d *Dispatcher) notify(message string) {
	if d.notifier == nil {
		return
	}
	d.notifier.Notify(message)
}

func (d *Dispatcher) emit(ctx context.Context, rc proto.RequestContext, eventType proto.EventType, payload any) {
	if err := d.bus.Emit(ctx, proto.NewEvent(rc, eventType, payload, proto.WithSource("dispatch"))); err != nil {
		d.logger.Error("failed to emit %s: %v", eventType, err)
	}
}
