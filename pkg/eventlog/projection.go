package eventlog

import (
	"context"

	"conductor/pkg/proto"
)

// AuditProjection adapts the writer to the bus's projection interface.
// Register it last: state mutation and client broadcast come before audit.
type AuditProjection struct {
	writer *Writer
}

// NewAuditProjection wraps a writer.
func NewAuditProjection(writer *Writer) *AuditProjection {
	return &AuditProjection{writer: writer}
}

func (p *AuditProjection) Name() string { return "audit-log" }

// Handle appends the envelope to the log. Errors propagate to the bus,
// which logs and isolates them without blocking sibling projections.
func (p *AuditProjection) Handle(_ context.Context, e *proto.Envelope) error {
	return p.writer.WriteEnvelope(e)
}
