package dispatch

import (
	"context"
	"sync"

	"conductor/pkg/proto"
)

// DefaultReplayCapacity bounds the per-session replay ring.
const DefaultReplayCapacity = 500

// ReplayBuffer keeps the most recent envelopes per session, each tagged with
// a strictly increasing per-session sequence number. Reconnecting clients
// request "everything since seq N" and receive the missed envelopes in order.
// History older than the ring capacity is not recoverable here; it lives in
// the persisted transcript.
type ReplayBuffer struct {
	mu       sync.Mutex
	capacity int
	sessions map[string]*sessionRing
}

type sessionRing struct {
	envelopes []*proto.Envelope
	nextSeq   uint64
}

// NewReplayBuffer creates a buffer with the given per-session capacity.
// Non-positive capacities fall back to the default.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &ReplayBuffer{
		capacity: capacity,
		sessions: make(map[string]*sessionRing),
	}
}

// Record assigns the envelope its per-session sequence number and appends it
// to the ring, evicting the oldest entry when full. Returns the assigned seq.
func (b *ReplayBuffer) Record(envelope *proto.Envelope) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring, ok := b.sessions[envelope.SessionID]
	if !ok {
		ring = &sessionRing{nextSeq: 1}
		b.sessions[envelope.SessionID] = ring
	}

	envelope.Seq = ring.nextSeq
	ring.nextSeq++

	ring.envelopes = append(ring.envelopes, envelope)
	if len(ring.envelopes) > b.capacity {
		ring.envelopes = ring.envelopes[1:]
	}
	return envelope.Seq
}

// CurrentSeq returns the last assigned sequence number for a session, zero if
// none.
func (b *ReplayBuffer) CurrentSeq(sessionID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring, ok := b.sessions[sessionID]
	if !ok {
		return 0
	}
	return ring.nextSeq - 1
}

// ReplaySince returns all buffered envelopes with seq > sinceSeq in order.
// The boolean reports whether the slice is gap-free: false means history
// between sinceSeq and the oldest buffered entry has been evicted and must be
// reconstructed from the transcript.
func (b *ReplayBuffer) ReplaySince(sessionID string, sinceSeq uint64) ([]*proto.Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring, ok := b.sessions[sessionID]
	if !ok {
		return nil, sinceSeq == 0
	}

	var out []*proto.Envelope
	for _, env := range ring.envelopes {
		if env.Seq > sinceSeq {
			out = append(out, env)
		}
	}

	complete := true
	if len(ring.envelopes) > 0 {
		oldest := ring.envelopes[0].Seq
		if sinceSeq < oldest-1 {
			complete = false
		}
	} else if sinceSeq < ring.nextSeq-1 {
		complete = false
	}
	return out, complete
}

// ClearSession drops a session's ring, resetting its sequence numbering.
func (b *ReplayBuffer) ClearSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// BroadcastProjection records consumer-visible envelopes into the replay
// buffer. Register it after the state projection and before the audit log so
// clients never observe an event the state projection has not applied.
type BroadcastProjection struct {
	buffer *ReplayBuffer
}

// NewBroadcastProjection wraps a replay buffer as a bus projection.
func NewBroadcastProjection(buffer *ReplayBuffer) *BroadcastProjection {
	return &BroadcastProjection{buffer: buffer}
}

// Name identifies the projection on the bus.
func (p *BroadcastProjection) Name() string { return "client-broadcast" }

// Handle buffers the envelope for replay. Internal-visibility events are not
// surfaced to clients and are skipped.
func (p *BroadcastProjection) Handle(_ context.Context, envelope *proto.Envelope) error {
	if envelope.Visibility == proto.VisibilityInternal {
		return nil
	}
	p.buffer.Record(envelope)
	return nil
}
