package persistence

import (
	"context"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/logx"
)

// Request represents a database operation request.
// Writes are fire-and-forget (nil Response); queries carry a response channel.
type Request struct {
	Data      interface{}        `json:"data"`
	Response  chan<- interface{} `json:"-"`
	Operation string             `json:"operation"`
}

// Operation constants for Request.
const (
	// Write operations (fire-and-forget).
	OpUpsertTurn            = "upsert_turn"
	OpInsertTranscriptEntry = "insert_transcript_entry"
	OpInsertEvent           = "insert_event"

	// Query operations (with response).
	OpGetTranscript  = "get_transcript"
	OpGetEventsSince = "get_events_since"
)

// EventsSinceRequest parameterizes an OpGetEventsSince query.
type EventsSinceRequest struct {
	SessionID string `json:"session_id"`
	SinceSeq  uint64 `json:"since_seq"`
}

// QueryResult carries a query response back over the Request.Response channel.
type QueryResult struct {
	Data interface{} `json:"data"`
	Err  error       `json:"-"`
}

// Worker drains the request channel, applying writes and answering queries.
// Write failures are logged, never propagated; the event bus remains the
// source of truth and the journal is best-effort.
type Worker struct {
	ops    *DatabaseOperations
	logger *logx.Logger
	ch     <-chan *Request
}

// NewWorker creates a persistence worker over the given request channel.
func NewWorker(ops *DatabaseOperations, ch <-chan *Request) *Worker {
	return &Worker{
		ops:    ops,
		logger: logx.NewLogger("persistence"),
		ch:     ch,
	}
}

// Run processes requests until the channel closes or the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-w.ch:
			if !ok {
				return
			}
			w.handle(req)
		}
	}
}

func (w *Worker) handle(req *Request) {
	switch req.Operation {
	case OpUpsertTurn:
		if turn, ok := req.Data.(*Turn); ok {
			if err := w.ops.UpsertTurn(turn); err != nil {
				w.logger.Error("turn upsert failed: %v", err)
			}
		}
	case OpInsertTranscriptEntry:
		if entry, ok := req.Data.(*TranscriptEntry); ok {
			if err := w.ops.InsertTranscriptEntry(entry); err != nil {
				w.logger.Error("transcript insert failed: %v", err)
			}
		}
	case OpInsertEvent:
		if record, ok := req.Data.(*EventRecord); ok {
			if err := w.ops.InsertEvent(record); err != nil {
				w.logger.Error("event insert failed: %v", err)
			}
		}
	case OpGetTranscript:
		sessionID, _ := req.Data.(string)
		entries, err := w.ops.GetTranscript(sessionID)
		w.respond(req, entries, err)
	case OpGetEventsSince:
		if q, ok := req.Data.(*EventsSinceRequest); ok {
			records, err := w.ops.GetEventsSince(q.SessionID, q.SinceSeq)
			w.respond(req, records, err)
		}
	default:
		w.logger.Warn("unknown persistence operation: %s", req.Operation)
	}
}

func (w *Worker) respond(req *Request, data interface{}, err error) {
	if req.Response == nil {
		return
	}
	req.Response <- &QueryResult{Data: data, Err: err}
}

// PersistTurn sends a turn record to the persistence worker (fire-and-forget).
func PersistTurn(turn *Turn, ch chan<- *Request) {
	if ch == nil || turn == nil {
		return
	}
	ch <- &Request{Operation: OpUpsertTurn, Data: turn}
}

// PersistTranscriptEntry sends a transcript message to the persistence worker
// (fire-and-forget).
func PersistTranscriptEntry(entry *TranscriptEntry, ch chan<- *Request) {
	if ch == nil || entry == nil {
		return
	}
	ch <- &Request{Operation: OpInsertTranscriptEntry, Data: entry}
}

// PersistEvent sends an event record to the persistence worker
// (fire-and-forget).
func PersistEvent(record *EventRecord, ch chan<- *Request) {
	if ch == nil || record == nil {
		return
	}
	ch <- &Request{Operation: OpInsertEvent, Data: record}
}

// TranscriptPersister adapts the persistence channel to the turn persister
// used by the decision loop. Writes never fail from the caller's view.
type TranscriptPersister struct {
	ch chan<- *Request
}

var _ agent.TurnPersister = (*TranscriptPersister)(nil)

// NewTranscriptPersister creates a persister writing through the worker channel.
func NewTranscriptPersister(ch chan<- *Request) *TranscriptPersister {
	return &TranscriptPersister{ch: ch}
}

// PersistTurn records one conversational message for a turn.
func (p *TranscriptPersister) PersistTurn(_ context.Context, sessionID, turnID, role, content string) error {
	PersistTranscriptEntry(&TranscriptEntry{
		SessionID: sessionID,
		TurnID:    turnID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}, p.ch)
	return nil
}
