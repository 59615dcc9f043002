package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent"
	"conductor/pkg/bus"
	"conductor/pkg/delegation"
	"conductor/pkg/gate"
	"conductor/pkg/loop"
	"conductor/pkg/obligation"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/session"
)

// scriptedEngine returns decisions in order, then repeats the last one.
type scriptedEngine struct {
	mu        sync.Mutex
	decisions []*loop.Decision
	calls     int
}

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *scriptedEngine) Decide(_ context.Context, _ loop.DecisionContext) (*loop.Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.calls
	e.calls++
	if i >= len(e.decisions) {
		i = len(e.decisions) - 1
	}
	if i < 0 {
		return nil, errors.New("no scripted decisions")
	}
	return e.decisions[i], nil
}

type echoInvoker struct{}

func (echoInvoker) Invoke(_ context.Context, _ proto.RequestContext, spec delegation.Spec) (*delegation.Outcome, error) {
	return &delegation.Outcome{Summary: "did " + spec.Objective}, nil
}

// captureNotifier records turn outcome notifications.
type captureNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *captureNotifier) Notify(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *captureNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

// fixture wires a dispatcher over real collaborators with a scripted engine.
type fixture struct {
	dispatcher *Dispatcher
	engine     *scriptedEngine
	gates      *gate.Manager
	ledger     *obligation.Ledger
	replay     *ReplayBuffer
	state      *session.Projection
	notifier   *captureNotifier
	persistCh  chan *persistence.Request
}

func newFixture(t *testing.T, decisions ...*loop.Decision) *fixture {
	return newFixtureWithGates(t, nil, decisions...)
}

func newFixtureWithGates(t *testing.T, gateOpts []gate.Option, decisions ...*loop.Decision) *fixture {
	t.Helper()

	b := bus.New()
	state := session.NewProjection()
	require.NoError(t, b.Register(state))

	replay := NewReplayBuffer(DefaultReplayCapacity)
	require.NoError(t, b.Register(NewBroadcastProjection(replay)))

	gates := gate.NewManager(append([]gate.Option{gate.WithEmitter(b)}, gateOpts...)...)
	ledger := obligation.NewLedger(obligation.WithEmitter(b))

	registry, err := agent.NewRegistry(
		&agent.Definition{Name: agent.Coordinator, Domain: "general"},
		&agent.Definition{Name: "researcher", Domain: "web"},
	)
	require.NoError(t, err)

	executor := agent.NewMockToolExecutor()
	executor.RegisterTool("fs_listFiles", func(_ context.Context, _ map[string]any) (string, error) {
		return "main.go, go.mod, README.md", nil
	})

	runner := delegation.NewRunner(echoInvoker{}, ledger, gates, registry, delegation.WithEmitter(b))

	engine := &scriptedEngine{decisions: decisions}
	l := loop.New(engine, executor, runner, gates, ledger, registry, b)

	persistCh := make(chan *persistence.Request, 64)
	notifier := &captureNotifier{}
	d := NewDispatcher(b, l, gates, ledger, replay,
		WithPersistence(persistCh),
		WithNotifier(notifier),
	)

	return &fixture{
		dispatcher: d,
		engine:     engine,
		gates:      gates,
		ledger:     ledger,
		replay:     replay,
		state:      state,
		notifier:   notifier,
		persistCh:  persistCh,
	}
}

func drainPersist(ch chan *persistence.Request) []*persistence.Request {
	var out []*persistence.Request
	for {
		select {
		case req := <-ch:
			out = append(out, req)
		default:
			return out
		}
	}
}

func TestAttachCreatesThenReattaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ack, err := f.dispatcher.Attach(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ack.CurrentSeq) // session.created is replayable
	assert.Empty(t, ack.PendingQuestions)
	assert.Empty(t, ack.PendingApprovals)

	envs, complete := f.dispatcher.ReplaySince("sess-1", 0)
	require.True(t, complete)
	require.Len(t, envs, 1)
	assert.Equal(t, proto.EventSessionCreated, envs[0].Type)

	ack, err = f.dispatcher.Attach(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ack.CurrentSeq)

	envs, _ = f.dispatcher.ReplaySince("sess-1", 1)
	require.Len(t, envs, 1)
	assert.Equal(t, proto.EventSessionAttached, envs[0].Type)

	_, err = f.dispatcher.Attach(ctx, "")
	assert.Error(t, err)
}

func TestUserRequestEndToEnd(t *testing.T) {
	f := newFixture(t,
		&loop.Decision{Intent: loop.IntentToolCall, ToolName: "fs_listFiles"},
		&loop.Decision{Intent: loop.IntentAnswer, Content: "The repo holds main.go, go.mod, and README.md."},
	)
	ctx := context.Background()

	result, err := f.dispatcher.Handle(ctx, &proto.UserRequest{
		SessionID: "sess-1",
		RequestID: "req-1",
		Message:   "summarize repo",
	})
	require.NoError(t, err)
	assert.Equal(t, loop.StatusCompleted, result.Status)
	assert.Equal(t, "The repo holds main.go, go.mod, and README.md.", result.Answer)
	assert.NotEmpty(t, result.TurnID)

	// The replay buffer contains exactly this turn's envelopes, in order and
	// gap-free.
	envs, complete := f.dispatcher.ReplaySince("sess-1", 0)
	require.True(t, complete)
	var types []proto.EventType
	for i, env := range envs {
		assert.Equal(t, uint64(i+1), env.Seq)
		assert.Equal(t, result.TurnID, env.TurnID)
		types = append(types, env.Type)
	}
	assert.Equal(t, []proto.EventType{
		proto.EventTurnStarted,
		proto.EventObligationOpened,
		proto.EventAgentStarted,
		proto.EventToolCall,
		proto.EventToolResult,
		proto.EventAgentCompleted,
		proto.EventObligationResolved,
		proto.EventTurnCompleted,
	}, types)

	// The state projection saw the same flow and returned to idle.
	snap := f.state.Snapshot("sess-1")
	assert.Equal(t, session.PhaseIdle, snap.CurrentPhase)
	require.NotEmpty(t, snap.AgentHistory)
	assert.Equal(t, agent.Coordinator, snap.AgentHistory[0].Agent)

	// The turn was persisted as completed.
	reqs := drainPersist(f.persistCh)
	require.Len(t, reqs, 1)
	turn := reqs[0].Data.(*persistence.Turn)
	assert.Equal(t, string(loop.StatusCompleted), turn.Status)
	assert.Equal(t, "summarize repo", turn.Request)
	require.NotNil(t, turn.CompletedAt)
}

func TestClarifySuspendsAndAnswerResumes(t *testing.T) {
	f := newFixture(t,
		&loop.Decision{Intent: loop.IntentClarify, Question: "Which repository do you mean?"},
		&loop.Decision{Intent: loop.IntentAnswer, Content: "Summarized the conductor repo."},
	)
	ctx := context.Background()

	result, err := f.dispatcher.Handle(ctx, &proto.UserRequest{
		SessionID: "sess-1",
		RequestID: "req-1",
		Message:   "summarize it",
	})
	require.NoError(t, err)
	assert.Equal(t, loop.StatusWaiting, result.Status)
	require.NotEmpty(t, result.PendingGateID)
	firstTurn := result.TurnID

	// A new request while the gate is pending is rejected, never silently
	// cancelling the gate.
	_, err = f.dispatcher.Handle(ctx, &proto.UserRequest{
		SessionID: "sess-1",
		RequestID: "req-2",
		Message:   "do something else",
	})
	require.ErrorIs(t, err, ErrTurnWaiting)
	assert.NotNil(t, f.gates.Blocking("sess-1", firstTurn))

	// Answering the gate resumes the same turn.
	result, err = f.dispatcher.Handle(ctx, &proto.UserQuestionAnswered{
		SessionID:  "sess-1",
		RequestID:  "req-3",
		QuestionID: result.PendingGateID,
		Answer:     "the conductor repo",
	})
	require.NoError(t, err)
	assert.Equal(t, loop.StatusCompleted, result.Status)
	assert.Equal(t, firstTurn, result.TurnID)
	assert.Equal(t, "Summarized the conductor repo.", result.Answer)
	assert.Nil(t, f.gates.Blocking("sess-1", firstTurn))
}

func TestQuestionAnswerMismatchReclassified(t *testing.T) {
	f := newFixture(t,
		&loop.Decision{Intent: loop.IntentClarify, Question: "Which one?"},
		&loop.Decision{Intent: loop.IntentAnswer, Content: "Handled as a fresh request."},
	)
	ctx := context.Background()

	result, err := f.dispatcher.Handle(ctx, &proto.UserRequest{
		SessionID: "sess-1",
		RequestID: "req-1",
		Message:   "pick a target",
	})
	require.NoError(t, err)
	require.Equal(t, loop.StatusWaiting, result.Status)
	firstTurn := result.TurnID

	// An answer naming an unknown gate becomes a brand-new request on a new
	// turn; the original gate stays pending.
	reclassified, err := f.dispatcher.Handle(ctx, &proto.UserQuestionAnswered{
		SessionID:  "sess-1",
		RequestID:  "req-2",
		QuestionID: "gate_bogus",
		Answer:     "actually, summarize everything",
	})
	require.NoError(t, err)
	assert.Equal(t, loop.StatusCompleted, reclassified.Status)
	assert.NotEqual(t, firstTurn, reclassified.TurnID)
	assert.NotNil(t, f.gates.Blocking("sess-1", firstTurn))
}

func TestApprovalDecisionResumesTurn(t *testing.T) {
	f := newFixture(t,
		&loop.Decision{Intent: loop.IntentAnswer, Content: "Deployed after approval."},
	)
	ctx := context.Background()

	rc := proto.NewRequestContext("sess-1", "req-0")
	g, err := f.gates.OpenApproval(ctx, rc, gate.ApprovalSpec{
		Description: "Deploy to production?",
		RiskLevel:   "high",
		FromAgent:   agent.Coordinator,
		Type:        gate.ApprovalAction,
	})
	require.NoError(t, err)

	// White-box: mark the session as suspended on this gate's turn, the
	// state runTurn records when a loop run suspends.
	entry, _ := f.dispatcher.entry("sess-1")
	entry.waitingTurnID = rc.TurnID
	entry.waitingGateID = g.ID
	entry.waitingMessage = "deploy the service"

	result, err := f.dispatcher.Handle(ctx, &proto.UserApprovalDecided{
		SessionID:  "sess-1",
		RequestID:  "req-1",
		ApprovalID: g.ID,
		Approved:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, loop.StatusCompleted, result.Status)
	assert.Equal(t, rc.TurnID, result.TurnID)
	assert.Equal(t, "Deployed after approval.", result.Answer)
}

func TestApprovalStaleTurnReclassified(t *testing.T) {
	f := newFixture(t,
		&loop.Decision{Intent: loop.IntentAnswer, Content: "Handled as a fresh request."},
	)
	ctx := context.Background()

	rc := proto.NewRequestContext("sess-1", "req-0")
	g, err := f.gates.OpenApproval(ctx, rc, gate.ApprovalSpec{
		Description: "Deploy to production?",
		FromAgent:   agent.Coordinator,
		Type:        gate.ApprovalPlan,
	})
	require.NoError(t, err)

	// White-box: the session is suspended on some other turn, so the decision
	// names a gate outside the active turn's scope.
	entry, _ := f.dispatcher.entry("sess-1")
	entry.waitingTurnID = "turn_other"
	entry.waitingGateID = "appr_other"

	result, err := f.dispatcher.Handle(ctx, &proto.UserPlanApprovalDecided{
		SessionID: "sess-1",
		RequestID: "req-1",
		PlanID:    g.ID,
		Approved:  false,
		Reason:    "ship the hotfix first instead",
	})
	require.NoError(t, err)
	assert.Equal(t, loop.StatusCompleted, result.Status)
	assert.NotEqual(t, g.TurnID, result.TurnID)
	assert.Equal(t, "Handled as a fresh request.", result.Answer)

	// The stale gate was not resolved and the suspension is untouched.
	_, approvals := f.gates.Pending("sess-1")
	require.Len(t, approvals, 1)
	assert.Equal(t, g.ID, approvals[0].ID)
	assert.Equal(t, "turn_other", entry.waitingTurnID)
}

func TestExpiredGateUnblocksSession(t *testing.T) {
	f := newFixtureWithGates(t, []gate.Option{gate.WithTTL(5 * time.Millisecond)},
		&loop.Decision{Intent: loop.IntentClarify, Question: "Which repository do you mean?"},
		&loop.Decision{Intent: loop.IntentAnswer, Content: "done without the answer"},
	)
	ctx := context.Background()

	result, err := f.dispatcher.Handle(ctx, &proto.UserRequest{
		SessionID: "sess-1",
		RequestID: "req-1",
		Message:   "summarize it",
	})
	require.NoError(t, err)
	require.Equal(t, loop.StatusWaiting, result.Status)

	time.Sleep(20 * time.Millisecond)

	// The gate's deadline passed, so a new request proceeds instead of being
	// rejected with the waiting error.
	result, err = f.dispatcher.Handle(ctx, &proto.UserRequest{
		SessionID: "sess-1",
		RequestID: "req-2",
		Message:   "do something else",
	})
	require.NoError(t, err)
	assert.Equal(t, loop.StatusCompleted, result.Status)

	questions, approvals := f.gates.Pending("sess-1")
	assert.Empty(t, questions)
	assert.Empty(t, approvals)
}

func TestTurnOutcomeNotified(t *testing.T) {
	f := newFixture(t,
		&loop.Decision{Intent: loop.IntentAnswer, Content: "all wrapped up"},
	)

	_, err := f.dispatcher.Handle(context.Background(), &proto.UserRequest{
		SessionID: "sess-1",
		RequestID: "req-1",
		Message:   "wrap it up",
	})
	require.NoError(t, err)

	messages := f.notifier.all()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "completed")
	assert.Contains(t, messages[0], "all wrapped up")
}

func TestApprovalUnknownGateRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.Handle(ctx, &proto.UserApprovalDecided{
		SessionID:  "sess-1",
		RequestID:  "req-1",
		ApprovalID: "gate_missing",
		Approved:   true,
	})
	require.ErrorIs(t, err, ErrUnknownGate)
}

func TestNonBlockingQuestionAnswerSettlesObligations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rc := proto.NewRequestContext("sess-1", "req-0")
	g, err := f.gates.OpenQuestion(ctx, rc, gate.QuestionSpec{
		Text:      "Preferred output format?",
		FromAgent: agent.Coordinator,
		Blocking:  false,
	})
	require.NoError(t, err)

	ob := f.ledger.AddOrReuse(ctx, rc, obligation.Spec{
		Type:            obligation.TypeUserRequest,
		Description:     "Preferred output format?",
		RequiredOutcome: "markdown format tables preferred output",
		SourceAgent:     agent.Coordinator,
		Origin:          obligation.OriginInbox,
		Blocking:        true,
	})

	result, err := f.dispatcher.Handle(ctx, &proto.UserQuestionAnswered{
		SessionID:  "sess-1",
		RequestID:  "req-1",
		QuestionID: g.ID,
		Answer:     "markdown with tables is the preferred output format",
	})
	require.NoError(t, err)
	assert.Equal(t, loop.StatusCompleted, result.Status)

	// The answer never re-entered the loop.
	assert.Zero(t, f.engine.callCount())

	got, ok := f.ledger.Get("sess-1", ob.ID)
	require.True(t, ok)
	assert.Equal(t, obligation.StatusSatisfied, got.Status)

	questions, _ := f.gates.Pending("sess-1")
	assert.Empty(t, questions)
}

func TestResetClearsSessionState(t *testing.T) {
	f := newFixture(t,
		&loop.Decision{Intent: loop.IntentAnswer, Content: "done"},
	)
	ctx := context.Background()

	_, err := f.dispatcher.Handle(ctx, &proto.UserRequest{
		SessionID: "sess-1",
		RequestID: "req-1",
		Message:   "do the thing",
	})
	require.NoError(t, err)
	require.NotZero(t, f.replay.CurrentSeq("sess-1"))

	f.dispatcher.Reset(ctx, "sess-1")

	assert.Zero(t, f.replay.CurrentSeq("sess-1"))
	assert.Empty(t, f.ledger.Snapshot("sess-1"))

	ack, err := f.dispatcher.Attach(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ack.CurrentSeq)

	envs, complete := f.dispatcher.ReplaySince("sess-1", 0)
	require.True(t, complete)
	require.Len(t, envs, 1)
	assert.Equal(t, proto.EventSessionCreated, envs[0].Type)
}

func TestSessionsAreIndependent(t *testing.T) {
	f := newFixture(t,
		&loop.Decision{Intent: loop.IntentAnswer, Content: "ok"},
	)
	ctx := context.Background()

	for _, sess := range []string{"sess-a", "sess-b"} {
		result, err := f.dispatcher.Handle(ctx, &proto.UserRequest{
			SessionID: sess,
			RequestID: "req-1",
			Message:   "hello",
		})
		require.NoError(t, err)
		assert.Equal(t, loop.StatusCompleted, result.Status)
	}

	envsA, _ := f.dispatcher.ReplaySince("sess-a", 0)
	envsB, _ := f.dispatcher.ReplaySince("sess-b", 0)
	require.NotEmpty(t, envsA)
	require.Len(t, envsB, len(envsA))
	// Sequence numbering is per session, both start at 1.
	assert.Equal(t, uint64(1), envsA[0].Seq)
	assert.Equal(t, uint64(1), envsB[0].Seq)
}

func TestInvalidCommandRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.Handle(context.Background(), &proto.UserRequest{
		SessionID: "sess-1",
		RequestID: "req-1",
	})
	assert.Error(t, err)
	assert.Zero(t, f.engine.callCount())
}
