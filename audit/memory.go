package audit

import (
	"context"
	"errors"
	"sync"

	"admitd/core"
)

// MemoryLedger keeps events in a slice. Used in tests and the mock
// deployment mode.
type MemoryLedger struct {
	mu     sync.Mutex
	events []core.AuditEvent
	fail   bool
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Record(ctx context.Context, event core.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fail {
		return errors.New("ledger unavailable")
	}
	l.events = append(l.events, event)
	return nil
}

// Events returns a copy of all recorded events.
func (l *MemoryLedger) Events() []core.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.AuditEvent(nil), l.events...)
}

// CountKind reports how many events of the given kind were recorded.
func (l *MemoryLedger) CountKind(kind core.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// SetFailing toggles append failures, for exercising degraded audit.
func (l *MemoryLedger) SetFailing(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = fail
}
