// Package delegation executes sub-agent tasks, sequentially or in parallel,
// and normalizes heterogeneous outcomes into a single status vocabulary.
package delegation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/gate"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/obligation"
	"conductor/pkg/proto"
)

// Status is the normalized delegation outcome vocabulary.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusEscalated Status = "escalated"
)

// Spec describes one sub-task to hand to a specialist agent.
type Spec struct {
	TargetAgent     string   `json:"target_agent"`
	Domain          string   `json:"domain,omitempty"`
	Objective       string   `json:"objective"`
	Context         string   `json:"context,omitempty"`
	Constraints     []string `json:"constraints,omitempty"`
	ExpectedOutcome string   `json:"expected_outcome,omitempty"`
}

func (s *Spec) validate(registry *agent.Registry) error {
	if s.TargetAgent == "" {
		return fmt.Errorf("delegation missing target agent")
	}
	if s.Objective == "" {
		return fmt.Errorf("delegation missing objective")
	}
	if registry != nil {
		if _, ok := registry.Get(s.TargetAgent); !ok {
			return fmt.Errorf("unknown delegation target: %s", s.TargetAgent)
		}
	}
	return nil
}

// Outcome is what a sub-agent invocation reports back.
type Outcome struct {
	Summary      string   `json:"summary"`
	ToolEvidence []string `json:"tool_evidence,omitempty"`
	Escalation   string   `json:"escalation,omitempty"`
	Partial      bool     `json:"partial,omitempty"`
}

// Invoker runs the target agent's tool-using loop for one delegation. The
// concrete implementation is the decision loop; tests substitute mocks.
type Invoker interface {
	Invoke(ctx context.Context, rc proto.RequestContext, spec Spec) (*Outcome, error)
}

// Result is the normalized outcome of one delegation, aligned by slot index
// for parallel runs.
type Result struct {
	Status       Status   `json:"status"`
	Summary      string   `json:"summary"`
	ToolEvidence []string `json:"tool_evidence,omitempty"`
	Escalation   string   `json:"escalation,omitempty"`
	ObligationID string   `json:"obligation_id"`
}

// ParallelResult aggregates an ordered slice of slot results.
type ParallelResult struct {
	Status  Status   `json:"status"`
	Results []Result `json:"results"`
}

// Emitter is the slice of the event bus the runner needs.
type Emitter interface {
	Emit(ctx context.Context, envelope *proto.Envelope) error
}

// Runner dispatches delegations. Each delegation (sequential or each
// parallel slot) opens exactly one obligation at submit time and resolves it
// exactly once when its outcome is known, including on the error path.
type Runner struct {
	invoker  Invoker
	ledger   *obligation.Ledger
	gates    *gate.Manager
	registry *agent.Registry
	emitter  Emitter
	recorder metrics.Recorder
	logger   *logx.Logger
	timeout  time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithEmitter attaches a bus for delegation.* announcements.
func WithEmitter(emitter Emitter) Option {
	return func(r *Runner) { r.emitter = emitter }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(recorder metrics.Recorder) Option {
	return func(r *Runner) { r.recorder = recorder }
}

// WithTimeout bounds each sub-agent invocation. Zero means no deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Runner) { r.timeout = timeout }
}

// NewRunner creates a delegation runner.
func NewRunner(invoker Invoker, ledger *obligation.Ledger, gates *gate.Manager, registry *agent.Registry, opts ...Option) *Runner {
	r := &Runner{
		invoker:  invoker,
		ledger:   ledger,
		gates:    gates,
		registry: registry,
		recorder: metrics.NopRecorder{},
		logger:   logx.NewLogger("delegation"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Delegate runs one sub-task sequentially and blocks until its outcome is
// known.
func (r *Runner) Delegate(ctx context.Context, rc proto.RequestContext, spec Spec) (*Result, error) {
	if err := spec.validate(r.registry); err != nil {
		return nil, err
	}
	if r.gates != nil {
		if g := r.gates.Blocking(rc.SessionID, rc.TurnID); g != nil {
			return nil, fmt.Errorf("cannot delegate while blocking gate %s is pending", g.ID)
		}
	}

	result := r.runSlot(ctx, rc, spec)
	return &result, nil
}

// DelegateParallel runs N independent delegations concurrently. The caller
// guarantees no data dependency between them. Each failure is isolated to
// its own result slot; results match submission order regardless of
// completion order. A request with zero valid items is rejected before any
// obligation is created.
func (r *Runner) DelegateParallel(ctx context.Context, rc proto.RequestContext, specs []Spec) (*ParallelResult, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("parallel delegation requires at least one item")
	}
	for i := range specs {
		if err := specs[i].validate(r.registry); err != nil {
			return nil, fmt.Errorf("parallel delegation item %d: %w", i, err)
		}
	}
	if r.gates != nil {
		if g := r.gates.Blocking(rc.SessionID, rc.TurnID); g != nil {
			return nil, fmt.Errorf("cannot delegate while blocking gate %s is pending", g.ID)
		}
	}

	results := make([]Result, len(specs))
	var wg sync.WaitGroup
	for i := range specs {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot] = r.runSlot(ctx, rc, specs[slot])
		}(i)
	}
	wg.Wait()

	aggregate := StatusSuccess
	for i := range results {
		if results[i].Status == StatusFailed {
			aggregate = StatusFailed
			break
		}
	}
	return &ParallelResult{Status: aggregate, Results: results}, nil
}

// runSlot executes one delegation end to end: obligation, dispatch event,
// invocation, normalization, resolution, completion event.
func (r *Runner) runSlot(ctx context.Context, rc proto.RequestContext, spec Spec) Result {
	// Each slot gets its own obligation so duplicate specs resolve separately.
	obl := r.ledger.Add(ctx, rc, obligation.Spec{
		Type:            obligation.TypeDelegation,
		Description:     fmt.Sprintf("delegate to %s: %s", spec.TargetAgent, spec.Objective),
		RequiredOutcome: spec.ExpectedOutcome,
		SourceAgent:     spec.TargetAgent,
		Origin:          obligation.OriginDelegation,
	})

	r.announce(ctx, rc, proto.EventDelegationDispatched, &proto.DelegationPayload{
		ObligationID: obl.ID,
		TargetAgent:  spec.TargetAgent,
		Objective:    spec.Objective,
	})

	invokeCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	outcome, err := r.invoker.Invoke(invokeCtx, rc, spec)
	elapsed := time.Since(start)

	var result Result
	switch {
	case err != nil:
		// Surface a formatted error without losing the original text.
		result = Result{
			Status:       StatusFailed,
			Summary:      fmt.Sprintf("delegation to %s failed: %v", spec.TargetAgent, err),
			ObligationID: obl.ID,
		}
		r.ledger.Fail(ctx, rc, obl.ID, result.Summary)
	case outcome.Escalation != "":
		result = Result{
			Status:       StatusEscalated,
			Summary:      outcome.Summary,
			ToolEvidence: outcome.ToolEvidence,
			Escalation:   outcome.Escalation,
			ObligationID: obl.ID,
		}
		// Escalation keeps the obligation open for the coordinator to settle.
	default:
		status := StatusSuccess
		if outcome.Partial {
			status = StatusPartial
		}
		result = Result{
			Status:       status,
			Summary:      verificationEnvelope(spec, outcome),
			ToolEvidence: outcome.ToolEvidence,
			ObligationID: obl.ID,
		}
		r.ledger.Satisfy(ctx, rc, obl.ID, outcome.Summary)
	}

	r.recorder.ObserveDelegation(spec.TargetAgent, string(result.Status), elapsed)
	r.announce(ctx, rc, proto.EventDelegationCompleted, &proto.DelegationPayload{
		ObligationID: obl.ID,
		TargetAgent:  spec.TargetAgent,
		Objective:    spec.Objective,
		Status:       string(result.Status),
		Summary:      result.Summary,
	})
	return result
}

// verificationEnvelope builds the summary the parent agent uses to judge
// trust in a delegate's claim: objective, outcome, and the tool evidence
// backing it.
func verificationEnvelope(spec Spec, outcome *Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "objective: %s\n", spec.Objective)
	if spec.ExpectedOutcome != "" {
		fmt.Fprintf(&b, "expected: %s\n", spec.ExpectedOutcome)
	}
	fmt.Fprintf(&b, "outcome: %s\n", outcome.Summary)
	if len(outcome.ToolEvidence) > 0 {
		fmt.Fprintf(&b, "evidence:\n")
		for _, ev := range outcome.ToolEvidence {
			fmt.Fprintf(&b, "  - %s\n", ev)
		}
	}
	return b.String()
}

func (r *Runner) announce(ctx context.Context, rc proto.RequestContext, eventType proto.EventType, payload *proto.DelegationPayload) {
	if r.emitter == nil {
		return
	}
	e := proto.NewEvent(rc, eventType, payload,
		proto.WithSource(proto.SourceDelegation),
		proto.WithCorrelation(payload.ObligationID))
	if err := r.emitter.Emit(ctx, e); err != nil {
		r.logger.Error("failed to emit %s for %s: %v", eventType, payload.ObligationID, err)
	}
}
