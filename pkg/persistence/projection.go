package persistence

import (
	"context"

	"conductor/pkg/proto"
)

// JournalProjection journals every bus event through the persistence worker.
// It subscribes to nothing in particular, so it receives all event types.
type JournalProjection struct {
	ch chan<- *Request
}

// NewJournalProjection creates a projection writing through the worker channel.
func NewJournalProjection(ch chan<- *Request) *JournalProjection {
	return &JournalProjection{ch: ch}
}

// Name identifies the projection on the bus.
func (p *JournalProjection) Name() string { return "event-journal" }

// Handle journals the envelope. The write is fire-and-forget so a slow disk
// never stalls dispatch.
func (p *JournalProjection) Handle(_ context.Context, env *proto.Envelope) error {
	payload, err := env.ToJSON()
	if err != nil {
		return err
	}
	PersistEvent(&EventRecord{
		SessionID: env.SessionID,
		EventID:   env.EventID,
		TurnID:    env.TurnID,
		EventType: string(env.Type),
		Payload:   string(payload),
		Seq:       env.Seq,
		CreatedAt: env.Timestamp,
	}, p.ch)
	return nil
}
