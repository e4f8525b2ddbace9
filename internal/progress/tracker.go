// internal/progress/tracker.go

// Package progress aggregates per-contact outcomes into point-in-time
// snapshots. Updates are O(1) so a queue of thousands of recipients
// costs the same per send as a queue of three; readers always get a
// copy, never a view into the fields the dispatcher is writing.
package progress

import (
	"sync"
	"time"
)

// RecentErrorCap bounds the ring of most recent per-contact failures
// kept for operator diagnosis.
const RecentErrorCap = 5

// ewmaAlpha weights the latest inter-completion gap when updating the
// average speed.
const ewmaAlpha = 0.3

// ContactRef identifies a recipient in snapshots and error entries.
type ContactRef struct {
	ContactID int    `json:"contact_id"`
	Phone     string `json:"phone"`
	Name      string `json:"name,omitempty"`
}

// SendError is one failed send as surfaced to observers.
type SendError struct {
	ContactRef
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Snapshot is an immutable aggregate of a campaign's outcomes.
// Total == Sent + Pending + Failed + Skipped always holds; a contact
// mid-send still counts as pending until its outcome is recorded.
type Snapshot struct {
	Total          int           `json:"total"`
	Sent           int           `json:"sent"`
	Pending        int           `json:"pending"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	SuccessRate    float64       `json:"success_rate"`
	CurrentContact *ContactRef   `json:"current_contact,omitempty"`
	AverageSpeed   float64       `json:"average_speed"` // messages per minute
	ETASeconds     int64         `json:"eta_seconds,omitempty"`
	RecentErrors   []SendError   `json:"recent_errors,omitempty"`
}

// Tracker is written by a single dispatcher and read by any number of
// concurrent observers.
type Tracker struct {
	mu      sync.Mutex
	total   int
	sent    int
	pending int
	failed  int
	skipped int

	current  *ContactRef
	recent   []SendError
	ewmaGap  float64 // seconds between consecutive completions
	lastDone time.Time

	now func() time.Time
}

// NewTracker seeds a tracker from persisted per-status counts so a
// resumed or restarted campaign reports correct totals from its first
// snapshot.
func NewTracker(total, sent, pending, failed, skipped int) *Tracker {
	return &Tracker{
		total:   total,
		sent:    sent,
		pending: pending,
		failed:  failed,
		skipped: skipped,
		now:     time.Now,
	}
}

// StartContact records the in-flight recipient. The contact remains
// counted as pending until Sent or Failed is called.
func (t *Tracker) StartContact(ref ContactRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := ref
	t.current = &cp
}

// Sent records a successful delivery.
func (t *Tracker) Sent(ref ContactRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending--
	t.sent++
	t.current = nil
	t.observeCompletion()
}

// Failed records a terminal per-contact failure and pushes it onto the
// recent-error ring.
func (t *Tracker) Failed(ref ContactRef, errType, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending--
	t.failed++
	t.current = nil
	t.observeCompletion()
	t.pushError(SendError{ContactRef: ref, ErrorType: errType, Message: message, At: t.now()})
}

// Skipped records a contact excluded without a send attempt.
func (t *Tracker) Skipped(ref ContactRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending--
	t.skipped++
	t.current = nil
}

// ClearCurrent drops the in-flight marker without recording an outcome,
// used when a send is abandoned by pause or cancel.
func (t *Tracker) ClearCurrent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = nil
}

// Snapshot returns a copy safe for concurrent readers.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		Total:   t.total,
		Sent:    t.sent,
		Pending: t.pending,
		Failed:  t.failed,
		Skipped: t.skipped,
	}
	if done := t.sent + t.failed; done > 0 {
		s.SuccessRate = float64(t.sent) / float64(done)
	}
	if t.current != nil {
		cp := *t.current
		s.CurrentContact = &cp
	}
	if t.ewmaGap > 0 {
		s.AverageSpeed = 60.0 / t.ewmaGap
		if t.pending > 0 {
			s.ETASeconds = int64(float64(t.pending) * t.ewmaGap)
		}
	}
	if len(t.recent) > 0 {
		s.RecentErrors = make([]SendError, len(t.recent))
		copy(s.RecentErrors, t.recent)
	}
	return s
}

// observeCompletion folds the gap since the previous completion into
// the exponentially weighted average. Caller holds t.mu.
func (t *Tracker) observeCompletion() {
	now := t.now()
	if !t.lastDone.IsZero() {
		gap := now.Sub(t.lastDone).Seconds()
		if gap > 0 {
			if t.ewmaGap == 0 {
				t.ewmaGap = gap
			} else {
				t.ewmaGap = ewmaAlpha*gap + (1-ewmaAlpha)*t.ewmaGap
			}
		}
	}
	t.lastDone = now
}

// pushError appends keeping only the most recent entries. Caller holds t.mu.
func (t *Tracker) pushError(e SendError) {
	t.recent = append(t.recent, e)
	if len(t.recent) > RecentErrorCap {
		t.recent = t.recent[len(t.recent)-RecentErrorCap:]
	}
}
