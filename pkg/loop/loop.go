// Package loop implements the bounded agent decision loop: the per-turn
// state machine that ties tool execution, delegation, gating, and
// self-validation together. Every path resolves to a typed result; nothing
// above the dispatcher boundary sees raw errors.
package loop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/delegation"
	"conductor/pkg/gate"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/obligation"
	"conductor/pkg/proto"
)

// Intent is what the decision engine wants the loop to do next.
type Intent string

const (
	IntentToolCall     Intent = "tool_call"
	IntentClarify      Intent = "clarify"
	IntentAnswer       Intent = "answer"
	IntentContinue     Intent = "continue"
	IntentSelfValidate Intent = "self_validate"
	IntentDelegate     Intent = "delegate"
)

// EscalationPrefix marks a tool result that asks for coordinator attention.
const EscalationPrefix = "ESCALATE:"

// Decision is one planning step produced by the engine.
type Decision struct {
	Intent      Intent
	Content     string
	ToolName    string
	ToolArgs    map[string]any
	Question    string
	Delegations []delegation.Spec
	Parallel    bool
}

// DecisionContext is what the engine sees each iteration.
type DecisionContext struct {
	Agent     string
	Message   string
	Note      string // synthetic context from the previous iteration
	Steps     []Step
	Iteration int
}

// Engine abstracts the LLM-backed planner. A decision error never crashes
// the loop; it is converted into a synthetic error note and fed back as the
// next iteration's context.
type Engine interface {
	Decide(ctx context.Context, dc DecisionContext) (*Decision, error)
}

// Validation is a secondary reviewer's judgment of a candidate answer.
type Validation struct {
	IsComplete bool
	Confidence float64
	Feedback   string
}

// Validator optionally reviews an answer intent before it is accepted as
// final.
type Validator interface {
	Validate(ctx context.Context, question, answer string) (*Validation, error)
}

// Step records one loop iteration, successful or not, for audit and for the
// exhaustion summary.
type Step struct {
	Index      int    `json:"index"`
	Intent     Intent `json:"intent"`
	Agent      string `json:"agent,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Input      string `json:"input,omitempty"`
	Output     string `json:"output,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Status is the typed terminal vocabulary of a loop run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusWaiting   Status = "waiting_for_user"
	StatusError     Status = "error"
)

// Result is the outcome of one loop run.
type Result struct {
	Status        Status `json:"status"`
	Answer        string `json:"answer,omitempty"`
	Steps         []Step `json:"steps"`
	PendingGateID string `json:"pending_gate_id,omitempty"`
}

// Input starts (or resumes) a loop run.
type Input struct {
	Agent   string // defaults to the coordinator
	Message string // the user's message for this turn
	Note    string // synthetic resume context (e.g. a gate answer)
}

// Config bounds the loop.
type Config struct {
	MaxIterations       int           // hard iteration ceiling, default 25
	ValidationThreshold float64       // confidence below which a failed validation loops again
	OpTimeout           time.Duration // per tool/engine call timeout, zero = none
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{MaxIterations: 25, ValidationThreshold: 0.7, OpTimeout: 2 * time.Minute}
}

// Emitter is the slice of the event bus the loop needs.
type Emitter interface {
	Emit(ctx context.Context, envelope *proto.Envelope) error
}

// Loop drives one turn at a time. It holds no per-turn state; a blocking
// gate suspends the logical turn by returning waiting_for_user, and
// resumption is a fresh Run carrying the same turn ID.
type Loop struct {
	engine    Engine
	executor  agent.ToolExecutor
	runner    *delegation.Runner
	gates     *gate.Manager
	ledger    *obligation.Ledger
	registry  *agent.Registry
	emitter   Emitter
	validator Validator
	cfg       Config
	recorder  metrics.Recorder
	logger    *logx.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithValidator enables the self-validation gate on answer intents.
func WithValidator(v Validator) Option {
	return func(l *Loop) { l.validator = v }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithConfig overrides the default bounds.
func WithConfig(cfg Config) Option {
	return func(l *Loop) {
		if cfg.MaxIterations > 0 {
			l.cfg.MaxIterations = cfg.MaxIterations
		}
		if cfg.ValidationThreshold > 0 {
			l.cfg.ValidationThreshold = cfg.ValidationThreshold
		}
		l.cfg.OpTimeout = cfg.OpTimeout
	}
}

// New creates a loop over the given collaborators.
func New(engine Engine, executor agent.ToolExecutor, runner *delegation.Runner,
	gates *gate.Manager, ledger *obligation.Ledger, registry *agent.Registry,
	emitter Emitter, opts ...Option) *Loop {
	l := &Loop{
		engine:   engine,
		executor: executor,
		runner:   runner,
		gates:    gates,
		ledger:   ledger,
		registry: registry,
		emitter:  emitter,
		cfg:      DefaultConfig(),
		recorder: metrics.NopRecorder{},
		logger:   logx.NewLogger("loop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes the bounded iteration loop for one turn. It never returns a
// raw error to the caller; failures become a Result with status "error" and
// a user-displayable message.
func (l *Loop) Run(ctx context.Context, rc proto.RequestContext, input Input) *Result {
	activeAgent := input.Agent
	if activeAgent == "" {
		activeAgent = agent.Coordinator
	}
	if l.registry != nil {
		if _, ok := l.registry.Get(activeAgent); !ok {
			return &Result{Status: StatusError, Answer: fmt.Sprintf("unknown agent: %s", activeAgent)}
		}
	}

	l.emit(ctx, rc, proto.EventAgentStarted, &proto.AgentPayload{Agent: activeAgent})

	var steps []Step
	note := input.Note
	escalatedFrom := "" // delegate waiting for coordinator instructions

	for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
		decision, err := l.decide(ctx, DecisionContext{
			Agent:     activeAgent,
			Message:   input.Message,
			Note:      note,
			Steps:     steps,
			Iteration: iteration,
		})
		if err != nil {
			// Decision/reasoning failure: synthetic error context, never a crash.
			steps = append(steps, Step{
				Index: iteration, Intent: IntentContinue, Agent: activeAgent,
				Input: note, Error: err.Error(),
			})
			note = fmt.Sprintf("previous planning step failed: %v", err)
			l.recorder.ObserveLoopIteration(activeAgent, "decision_error")
			continue
		}
		l.recorder.ObserveLoopIteration(activeAgent, string(decision.Intent))

		switch decision.Intent {
		case IntentToolCall:
			step, escalation := l.runTool(ctx, rc, activeAgent, iteration, decision)
			steps = append(steps, step)
			note = step.Output
			if step.Error != "" {
				note = fmt.Sprintf("tool %s failed: %s", step.ToolName, step.Error)
			}
			if escalation != "" {
				activeAgent, escalatedFrom, note = l.escalate(ctx, rc, activeAgent, escalation)
			}

		case IntentDelegate:
			step, escalation := l.runDelegations(ctx, rc, activeAgent, iteration, decision)
			steps = append(steps, step)
			note = step.Output
			if step.Error != "" {
				note = step.Error
			}
			if escalation != "" {
				activeAgent, escalatedFrom, note = l.escalate(ctx, rc, activeAgent, escalation)
			}

		case IntentClarify:
			g, err := l.gates.OpenQuestion(ctx, rc, gate.QuestionSpec{
				Text: decision.Question, FromAgent: activeAgent, Blocking: true,
			})
			if err != nil {
				steps = append(steps, Step{
					Index: iteration, Intent: IntentClarify, Agent: activeAgent,
					Input: decision.Question, Error: err.Error(),
				})
				note = fmt.Sprintf("could not open question gate: %v", err)
				continue
			}
			steps = append(steps, Step{
				Index: iteration, Intent: IntentClarify, Agent: activeAgent,
				Input: decision.Question, Output: "waiting for user",
			})
			l.emit(ctx, rc, proto.EventTurnWaiting, &proto.TurnPayload{Message: decision.Question})
			return &Result{Status: StatusWaiting, Steps: steps, PendingGateID: g.ID}

		case IntentAnswer:
			if escalatedFrom != "" {
				// During an escalation detour the coordinator's "answer" is
				// next-step instructions for the delegate, not a final answer.
				steps = append(steps, Step{
					Index: iteration, Intent: IntentAnswer, Agent: activeAgent,
					Input: "escalation guidance", Output: decision.Content,
				})
				note = "coordinator instructions: " + decision.Content
				activeAgent, escalatedFrom = escalatedFrom, ""
				continue
			}

			if blocked := l.uncovered(rc); len(blocked) > 0 {
				steps = append(steps, Step{
					Index: iteration, Intent: IntentAnswer, Agent: activeAgent,
					Input: decision.Content,
					Error: fmt.Sprintf("%d blocking obligations unresolved", len(blocked)),
				})
				note = "cannot conclude yet, unresolved obligations: " + strings.Join(blocked, "; ")
				continue
			}

			if feedback, ok := l.selfValidate(ctx, input.Message, decision.Content); !ok {
				// Record validation feedback as internal reasoning and loop
				// again with a synthetic self_validation event as context.
				steps = append(steps, Step{
					Index: iteration, Intent: IntentSelfValidate, Agent: activeAgent,
					Input: decision.Content, Output: feedback,
				})
				note = "self_validation: " + feedback
				continue
			}

			steps = append(steps, Step{
				Index: iteration, Intent: IntentAnswer, Agent: activeAgent, Output: decision.Content,
			})
			l.emit(ctx, rc, proto.EventAgentCompleted, &proto.AgentPayload{Agent: activeAgent})
			return &Result{Status: StatusCompleted, Answer: decision.Content, Steps: steps}

		case IntentContinue, IntentSelfValidate:
			// No externally visible effect; loop again.
			steps = append(steps, Step{
				Index: iteration, Intent: decision.Intent, Agent: activeAgent, Output: decision.Content,
			})
			note = decision.Content

		default:
			// Defensive fallback: treat free text as the final answer.
			steps = append(steps, Step{
				Index: iteration, Intent: IntentAnswer, Agent: activeAgent, Output: decision.Content,
			})
			l.logger.Warn("unrecognized intent %q, treating content as final answer", decision.Intent)
			l.emit(ctx, rc, proto.EventAgentCompleted, &proto.AgentPayload{Agent: activeAgent})
			return &Result{Status: StatusCompleted, Answer: decision.Content, Steps: steps}
		}
	}

	// Iteration ceiling reached while still running: deterministic
	// exhaustion summary, not a crash and not an error.
	summary := exhaustionSummary(steps)
	l.emit(ctx, rc, proto.EventAgentCompleted, &proto.AgentPayload{Agent: activeAgent, Detail: "iteration ceiling"})
	return &Result{Status: StatusCompleted, Answer: summary, Steps: steps}
}

// decide races the engine against the configured timeout so a hung planner
// cannot stall the turn.
func (l *Loop) decide(ctx context.Context, dc DecisionContext) (*Decision, error) {
	if l.cfg.OpTimeout <= 0 {
		return l.engine.Decide(ctx, dc)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()

	type outcome struct {
		decision *Decision
		err      error
	}
	ch := make(chan outcome, 1)
	go func() {
		d, err := l.engine.Decide(timeoutCtx, dc)
		ch <- outcome{d, err}
	}()

	select {
	case out := <-ch:
		return out.decision, out.err
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("decision timed out after %s", l.cfg.OpTimeout)
	}
}

// runTool executes one tool call with timeout, emitting tool.call and
// tool.result. A timeout is a failed call, never a dangling one.
func (l *Loop) runTool(ctx context.Context, rc proto.RequestContext, activeAgent string, iteration int, decision *Decision) (Step, string) {
	callEvent := proto.NewEvent(rc, proto.EventToolCall, &proto.ToolCallPayload{
		ToolName: decision.ToolName, Args: decision.ToolArgs, Agent: activeAgent,
	}, proto.WithSource(proto.SourceLoop))
	l.emitEnvelope(ctx, callEvent)

	execCtx := ctx
	if l.cfg.OpTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, l.cfg.OpTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := l.executor.Execute(execCtx, decision.ToolName, decision.ToolArgs)
	elapsed := time.Since(start)

	step := Step{
		Index:      iteration,
		Intent:     IntentToolCall,
		Agent:      activeAgent,
		ToolName:   decision.ToolName,
		Input:      fmt.Sprintf("%v", decision.ToolArgs),
		DurationMs: elapsed.Milliseconds(),
	}

	resultPayload := &proto.ToolResultPayload{ToolName: decision.ToolName, DurationMs: elapsed.Milliseconds()}
	escalation := ""
	switch {
	case err != nil:
		step.Error = err.Error()
		resultPayload.Error = err.Error()
	case !result.Success:
		step.Error = result.Error
		resultPayload.Error = result.Error
	default:
		step.Output = result.Result
		resultPayload.Success = true
		resultPayload.Result = result.Result
		if strings.HasPrefix(result.Result, EscalationPrefix) {
			escalation = strings.TrimSpace(strings.TrimPrefix(result.Result, EscalationPrefix))
		}
	}

	l.emitEnvelope(ctx, proto.NewEvent(rc, proto.EventToolResult, resultPayload,
		proto.WithSource(proto.SourceLoop), proto.WithCausation(callEvent.EventID)))
	return step, escalation
}

// runDelegations dispatches one or more sub-tasks through the runner.
func (l *Loop) runDelegations(ctx context.Context, rc proto.RequestContext, activeAgent string, iteration int, decision *Decision) (Step, string) {
	step := Step{Index: iteration, Intent: IntentDelegate, Agent: activeAgent}
	start := time.Now()

	var summaries []string
	escalation := ""

	if decision.Parallel || len(decision.Delegations) > 1 {
		parallel, err := l.runner.DelegateParallel(ctx, rc, decision.Delegations)
		if err != nil {
			step.Error = err.Error()
			step.DurationMs = time.Since(start).Milliseconds()
			return step, ""
		}
		for i := range parallel.Results {
			r := &parallel.Results[i]
			summaries = append(summaries, fmt.Sprintf("[%s] %s", r.Status, r.Summary))
			if r.Status == delegation.StatusEscalated && escalation == "" {
				escalation = r.Escalation
			}
		}
	} else {
		if len(decision.Delegations) == 0 {
			step.Error = "delegate intent without delegation specs"
			return step, ""
		}
		r, err := l.runner.Delegate(ctx, rc, decision.Delegations[0])
		if err != nil {
			step.Error = err.Error()
			step.DurationMs = time.Since(start).Milliseconds()
			return step, ""
		}
		summaries = append(summaries, fmt.Sprintf("[%s] %s", r.Status, r.Summary))
		if r.Status == delegation.StatusEscalated {
			escalation = r.Escalation
		}
	}

	step.Output = strings.Join(summaries, "\n")
	step.DurationMs = time.Since(start).Milliseconds()
	return step, escalation
}

// escalate switches control to the coordinator mid-turn. This is a detour
// within the same turn and iteration ceiling, not a new turn.
func (l *Loop) escalate(ctx context.Context, rc proto.RequestContext, fromAgent, reason string) (active, escalatedFrom, note string) {
	l.emit(ctx, rc, proto.EventAgentEscalated, &proto.AgentPayload{Agent: fromAgent, Detail: reason})
	l.logger.Info("agent %s escalated to coordinator: %s", fromAgent, reason)
	return agent.Coordinator, fromAgent, "escalation from " + fromAgent + ": " + reason + ". Provide explicit next-step instructions."
}

// uncovered lists blocking obligations still open for the turn.
func (l *Loop) uncovered(rc proto.RequestContext) []string {
	if l.ledger == nil {
		return nil
	}
	open := l.ledger.Unresolved(rc.SessionID, obligation.Filter{TurnID: rc.TurnID, BlockingOnly: true})
	descriptions := make([]string, 0, len(open))
	for _, o := range open {
		descriptions = append(descriptions, o.Description)
	}
	return descriptions
}

// selfValidate asks the secondary reviewer to judge completeness. The answer
// is rejected only when the reviewer reports incomplete with confidence
// below the configured threshold; a validator error never blocks the answer.
func (l *Loop) selfValidate(ctx context.Context, question, answer string) (feedback string, ok bool) {
	if l.validator == nil {
		return "", true
	}
	v, err := l.validator.Validate(ctx, question, answer)
	if err != nil {
		l.logger.Warn("self-validation failed, accepting answer: %v", err)
		return "", true
	}
	if !v.IsComplete && v.Confidence < l.cfg.ValidationThreshold {
		return v.Feedback, false
	}
	return "", true
}

// exhaustionSummary builds the deterministic terminal summary from the
// recorded step history.
func exhaustionSummary(steps []Step) string {
	succeeded, failed := 0, 0
	lastOutput := ""
	var errs []string
	for i := range steps {
		s := &steps[i]
		if s.Intent == IntentToolCall {
			if s.Error == "" {
				succeeded++
			} else {
				failed++
			}
		}
		if s.Output != "" {
			lastOutput = s.Output
		}
		if s.Error != "" {
			errs = append(errs, fmt.Sprintf("step %d: %s", s.Index, s.Error))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Reached the iteration limit after %d steps (%d successful tool steps, %d failed tool steps).",
		len(steps), succeeded, failed)
	if lastOutput != "" {
		fmt.Fprintf(&b, " Last output: %s", lastOutput)
	}
	if len(errs) > 0 {
		fmt.Fprintf(&b, " Errors: %s", strings.Join(errs, "; "))
	}
	return b.String()
}

func (l *Loop) emit(ctx context.Context, rc proto.RequestContext, eventType proto.EventType, payload any) {
	l.emitEnvelope(ctx, proto.NewEvent(rc, eventType, payload, proto.WithSource(proto.SourceLoop)))
}

func (l *Loop) emitEnvelope(ctx context.Context, e *proto.Envelope) {
	if l.emitter == nil {
		return
	}
	if err := l.emitter.Emit(ctx, e); err != nil {
		l.logger.Error("failed to emit %s event: %v", e.Type, err)
	}
}
