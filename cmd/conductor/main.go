// Package main is the entry point for the conductor orchestration runtime.
// It wires the event bus, projections, and dispatcher, then feeds the
// dispatcher from a line-delimited JSON command stream on stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/pkg/agent"
	"conductor/pkg/bus"
	"conductor/pkg/config"
	"conductor/pkg/delegation"
	"conductor/pkg/dispatch"
	"conductor/pkg/eventlog"
	"conductor/pkg/gate"
	"conductor/pkg/logx"
	"conductor/pkg/loop"
	"conductor/pkg/metrics"
	"conductor/pkg/obligation"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/session"
)

// Version information - set via ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		configPath  = flag.String("config", "conductor.yaml", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductor %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// .env is optional; it only supplements the environment.
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := metrics.Recorder(metrics.NopRecorder{})
	if cfg.Metrics.Enabled {
		recorder = metrics.NewPrometheusRecorder()
		go serveMetrics(ctx, cfg.Metrics.Addr, logger)
	}

	// Persistence worker.
	db, err := persistence.InitializeDatabase(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	persistCh := make(chan *persistence.Request, 256)
	worker := persistence.NewWorker(persistence.NewDatabaseOperations(db), persistCh)
	go worker.Run(ctx)
	defer close(persistCh)

	// Event bus and projections, in consumer order: state first, then the
	// client replay buffer, then the durable sinks.
	b := bus.New(
		bus.WithIdempotencyCap(cfg.Bus.IdempotencyCap),
		bus.WithRecorder(recorder),
	)

	state := session.NewProjection()
	if err := b.Register(state); err != nil {
		return err
	}

	replay := dispatch.NewReplayBuffer(cfg.Bus.ReplayCapacity)
	if err := b.Register(dispatch.NewBroadcastProjection(replay)); err != nil {
		return err
	}

	if err := b.Register(persistence.NewJournalProjection(persistCh)); err != nil {
		return err
	}

	auditWriter, err := eventlog.NewWriter(cfg.Storage.EventLogDir)
	if err != nil {
		return err
	}
	defer func() { _ = auditWriter.Close() }()
	if err := b.Register(eventlog.NewAuditProjection(auditWriter)); err != nil {
		return err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	gates := gate.NewManager(
		gate.WithEmitter(b),
		gate.WithRecorder(recorder),
		gate.WithTTL(cfg.Gates.TTL),
	)
	ledger := obligation.NewLedger(obligation.WithEmitter(b))

	// The model client here is a placeholder that echoes requests back.
	// Production deployments plug a provider-backed client in.
	engine := loop.NewModelEngine(echoClient{}, registry)

	executor := agent.NewMockToolExecutor()
	runner := delegation.NewRunner(loopInvoker{engine}, ledger, gates, registry,
		delegation.WithEmitter(b),
		delegation.WithRecorder(recorder),
	)

	l := loop.New(engine, executor, runner, gates, ledger, registry, b,
		loop.WithRecorder(recorder),
		loop.WithConfig(loop.Config{
			MaxIterations:       cfg.Loop.MaxIterations,
			ValidationThreshold: cfg.Loop.ValidationThreshold,
			OpTimeout:           cfg.Loop.OpTimeout,
		}),
	)

	dispatcher := dispatch.NewDispatcher(b, l, gates, ledger, replay,
		dispatch.WithPersistence(persistCh),
		dispatch.WithRecorder(recorder),
		dispatch.WithNotifier(logNotifier{logx.NewLogger("notify")}),
	)

	logger.Info("conductor %s ready, reading commands from stdin", version)
	return commandLoop(ctx, dispatcher, logger)
}

func buildRegistry(cfg config.Config) (*agent.Registry, error) {
	defs := make([]*agent.Definition, 0, len(cfg.Agents)+1)
	haveCoordinator := false
	for _, a := range cfg.Agents {
		if a.Name == agent.Coordinator {
			haveCoordinator = true
		}
		defs = append(defs, &agent.Definition{
			Name:         a.Name,
			SystemPrompt: a.SystemPrompt,
			Tools:        a.Tools,
		})
	}
	if !haveCoordinator {
		defs = append(defs, &agent.Definition{Name: agent.Coordinator, Domain: "general"})
	}
	return agent.NewRegistry(defs...)
}

func serveMetrics(ctx context.Context, addr string, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed: %v", err)
	}
}

// inboundCommand is the line-delimited JSON schema consumed on stdin.
type inboundCommand struct {
	Kind       string `json:"kind"`
	SessionID  string `json:"session_id"`
	RequestID  string `json:"request_id"`
	Message    string `json:"message,omitempty"`
	QuestionID string `json:"question_id,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	PlanID     string `json:"plan_id,omitempty"`
	Answer     string `json:"answer,omitempty"`
	Approved   bool   `json:"approved,omitempty"`
	Reason     string `json:"reason,omitempty"`
	SinceSeq   uint64 `json:"since_seq,omitempty"`
}

func commandLoop(ctx context.Context, dispatcher *dispatch.Dispatcher, logger *logx.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	out := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var in inboundCommand
		if err := json.Unmarshal(line, &in); err != nil {
			logger.Warn("skipping malformed command line: %v", err)
			continue
		}

		switch in.Kind {
		case "attach":
			ack, err := dispatcher.Attach(ctx, in.SessionID)
			writeResult(out, logger, ack, err)
		case "replay":
			envs, complete := dispatcher.ReplaySince(in.SessionID, in.SinceSeq)
			writeResult(out, logger, map[string]any{"envelopes": envs, "complete": complete}, nil)
		case "reset":
			dispatcher.Reset(ctx, in.SessionID)
			writeResult(out, logger, map[string]any{"reset": in.SessionID}, nil)
		default:
			cmd, err := toCommand(in)
			if err != nil {
				writeResult(out, logger, nil, err)
				continue
			}
			result, err := dispatcher.Handle(ctx, cmd)
			writeResult(out, logger, result, err)
		}
	}
	return scanner.Err()
}

func toCommand(in inboundCommand) (proto.Command, error) {
	switch proto.CommandKind(in.Kind) {
	case proto.CmdUserRequest:
		return &proto.UserRequest{
			SessionID: in.SessionID, RequestID: in.RequestID, Message: in.Message,
		}, nil
	case proto.CmdUserQuestionAnswered:
		return &proto.UserQuestionAnswered{
			SessionID: in.SessionID, RequestID: in.RequestID,
			QuestionID: in.QuestionID, Answer: in.Answer,
		}, nil
	case proto.CmdUserApprovalDecided:
		return &proto.UserApprovalDecided{
			SessionID: in.SessionID, RequestID: in.RequestID,
			ApprovalID: in.ApprovalID, Approved: in.Approved,
		}, nil
	case proto.CmdUserPlanApprovalDecided:
		return &proto.UserPlanApprovalDecided{
			SessionID: in.SessionID, RequestID: in.RequestID,
			PlanID: in.PlanID, Approved: in.Approved, Reason: in.Reason,
		}, nil
	default:
		return nil, fmt.Errorf("unknown command kind %q", in.Kind)
	}
}

func writeResult(out *json.Encoder, logger *logx.Logger, payload any, err error) {
	if err != nil {
		if encErr := out.Encode(map[string]string{"error": err.Error()}); encErr != nil {
			logger.Error("failed to write error response: %v", encErr)
		}
		return
	}
	if encErr := out.Encode(payload); encErr != nil {
		logger.Error("failed to write response: %v", encErr)
	}
}

// echoClient is the built-in placeholder model: it completes every request in
// a single answer step.
type echoClient struct{}

func (echoClient) Generate(_ context.Context, req agent.CompletionRequest) (agent.CompletionResponse, error) {
	message := ""
	if len(req.Messages) > 0 {
		message = req.Messages[0].Content
	}
	return agent.CompletionResponse{Content: "Received: " + message, FinishReason: "stop"}, nil
}

func (echoClient) GetModelName() string { return "echo" }

// logNotifier writes turn outcome notifications to the process log.
type logNotifier struct {
	logger *logx.Logger
}

func (n logNotifier) Notify(message string) {
	n.logger.Info("%s", message)
}

// loopInvoker satisfies the delegation invoker contract with the same
// placeholder engine.
type loopInvoker struct {
	engine loop.Engine
}

func (i loopInvoker) Invoke(ctx context.Context, _ proto.RequestContext, spec delegation.Spec) (*delegation.Outcome, error) {
	decision, err := i.engine.Decide(ctx, loop.DecisionContext{Agent: spec.TargetAgent, Message: spec.Objective})
	if err != nil {
		return nil, err
	}
	return &delegation.Outcome{Summary: decision.Content}, nil
}
