// Package ledger holds the append-only, sequence-numbered record of action
// statuses for one run.
package ledger

import (
	"sync"
	"time"

	"github.com/rendis/karflow/pkg/schema"
)

// Entry is one immutable ledger row.
type Entry struct {
	Seq      int64               `json:"seq"`
	ActionID string              `json:"action_id"`
	Status   schema.ActionStatus `json:"status"`
	Detail   string              `json:"detail,omitempty"`
	At       time.Time           `json:"at"`
}

// Ledger is an append-only status log. Sequence numbers start at 1 and
// increase by one per Append. Safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

// FromEntries rebuilds a ledger from previously recorded entries, e.g. when a
// scheduled action resumes on a restored context. Later appends continue the
// sequence after the highest restored entry.
func FromEntries(entries []Entry) *Ledger {
	l := New()
	l.entries = append(l.entries, entries...)
	return l
}

// Append records a status for an action and returns the new entry.
func (l *Ledger) Append(actionID string, status schema.ActionStatus, detail string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var seq int64 = 1
	if n := len(l.entries); n > 0 {
		seq = l.entries[n-1].Seq + 1
	}
	e := Entry{
		Seq:      seq,
		ActionID: actionID,
		Status:   status,
		Detail:   detail,
		At:       l.now(),
	}
	l.entries = append(l.entries, e)
	return e
}

// Entries returns a copy of all entries in sequence order.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Since returns a copy of the entries with a sequence number greater than seq.
func (l *Ledger) Since(seq int64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Last returns the most recent entry for an action.
func (l *Ledger) Last(actionID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ActionID == actionID {
			return l.entries[i], true
		}
	}
	return Entry{}, false
}

// ForAction returns every entry recorded for an action, oldest first.
func (l *Ledger) ForAction(actionID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.ActionID == actionID {
			out = append(out, e)
		}
	}
	return out
}
