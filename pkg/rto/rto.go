// Package rto implements the retransmission timing table and smoothed-RTT
// estimator: an ordered map from a segment's starting send-sequence to its
// last send time, used both to sample RTT on ACK and to decide when a tick
// should retransmit.
package rto

import (
	"sort"
	"time"

	"github.com/tuntcp/tuntcp/pkg/seq"
)

// DefaultSRTT is the conservative initial smoothed-RTT estimate used before
// any sample has been taken.
const DefaultSRTT = 60 * time.Second

// retransmitMinWait and retransmitSRTTFactor implement the retransmit
// predicate: retransmit only once both bounds are exceeded.
const (
	retransmitMinWait    = 1 * time.Second
	retransmitSRTTFactor = 1.5
	srttGain             = 0.2
)

// Table is the send-times map plus the smoothed RTT estimate for one
// connection. It is not safe for concurrent use; callers serialize access
// under the connection manager's lock.
type Table struct {
	// now is substitutable so tests can drive the retransmit predicate and
	// RTT sampling deterministically.
	now func() time.Time

	sent map[uint32]time.Time
	srtt time.Duration
}

// New returns a Table with the default SRTT and the real wall clock.
func New() *Table {
	return &Table{
		now:  time.Now,
		sent: make(map[uint32]time.Time),
		srtt: DefaultSRTT,
	}
}

// SRTT returns the current smoothed RTT estimate.
func (t *Table) SRTT() time.Duration { return t.srtt }

// SetClock overrides the clock function; intended for tests only.
func (t *Table) SetClock(now func() time.Time) { t.now = now }

// Record inserts or overwrites the send-time entry for a segment starting
// at startSeq. Called on every transmission, including retransmissions.
func (t *Table) Record(startSeq uint32) {
	t.sent[startSeq] = t.now()
}

// AckAdvance processes an ACK that advances una to ackn: every entry whose
// key lies in [una, ackn) contributes an RTT sample and is removed. Entries
// at or after ackn are left in place.
func (t *Table) AckAdvance(una, ackn uint32) {
	now := t.now()
	for k, sentAt := range t.sent {
		if seq.Between(una-1, k, ackn) {
			sample := now.Sub(sentAt)
			t.srtt = time.Duration(float64(t.srtt)*(1-srttGain) + float64(sample)*srttGain)
			delete(t.sent, k)
		}
	}
}

// Oldest returns the earliest outstanding entry at or after una, and
// whether any such entry exists.
func (t *Table) Oldest(una uint32) (startSeq uint32, sentAt time.Time, ok bool) {
	keys := make([]uint32, 0, len(t.sent))
	for k := range t.sent {
		if k == una || seq.LessThan(una, k) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return 0, time.Time{}, false
	}
	sort.Slice(keys, func(i, j int) bool { return seq.LessThan(keys[i], keys[j]) })
	best := keys[0]
	return best, t.sent[best], true
}

// ShouldRetransmit implements the retransmit predicate: retransmit if both
// the elapsed time since the oldest outstanding segment exceeds the 1s
// floor and exceeds 1.5x the current SRTT estimate.
func (t *Table) ShouldRetransmit(una uint32) bool {
	_, sentAt, ok := t.Oldest(una)
	if !ok {
		return false
	}
	elapsed := t.now().Sub(sentAt)
	return elapsed > retransmitMinWait && float64(elapsed) > retransmitSRTTFactor*float64(t.srtt)
}

// Len reports the number of outstanding timing entries, for tests and
// invariant checks.
func (t *Table) Len() int { return len(t.sent) }

// Keys returns the outstanding sequence keys, for invariant checks.
func (t *Table) Keys() []uint32 {
	keys := make([]uint32, 0, len(t.sent))
	for k := range t.sent {
		keys = append(keys, k)
	}
	return keys
}
