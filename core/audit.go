package core

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// EventKind classifies an admission attempt in the audit trail.
type EventKind string

const (
	EventAdmitted          EventKind = "admitted"
	EventDuplicateRejected EventKind = "duplicate-rejected"
	EventTokenRejected     EventKind = "token-rejected"
	EventExpired           EventKind = "expired"
)

// AuditEvent records one admission attempt. The voter appears only as a
// salted hash so the trail can correlate attempts without exposing voting
// identifiers.
type AuditEvent struct {
	ElectionID string    `json:"election_id"`
	VoterHash  string    `json:"voter_hash"`
	Kind       EventKind `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	Detail     string    `json:"detail,omitempty"`
}

// Ledger is the append-only audit sink. Events are retained indefinitely and
// consumed asynchronously by fraud detection and reconciliation.
type Ledger interface {
	Record(ctx context.Context, event AuditEvent) error
}

// auditSink wraps a Ledger so that recording never fails the admission flow.
// A failed append flips the degraded flag for operators; the admission
// decision already made still stands.
type auditSink struct {
	ledger   Ledger
	degraded atomic.Bool
}

func newAuditSink(ledger Ledger) *auditSink {
	return &auditSink{ledger: ledger}
}

func (s *auditSink) record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := s.ledger.Record(ctx, event); err != nil {
		if s.degraded.CompareAndSwap(false, true) {
			log.Printf("audit ledger degraded: %v", err)
		}
		return
	}
	if s.degraded.CompareAndSwap(true, false) {
		log.Printf("audit ledger recovered")
	}
}

// Degraded reports whether the last append attempt failed.
func (s *auditSink) Degraded() bool {
	return s.degraded.Load()
}
