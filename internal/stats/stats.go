package stats

import (
	"math"
	"sync/atomic"
	"time"
)

// Tracker holds the process-wide delivery counters. Every message bumps
// received once and then exactly one of sent or failed.
type Tracker struct {
	startTime time.Time
	received  atomic.Uint64
	sent      atomic.Uint64
	failed    atomic.Uint64
}

// Snapshot is a point-in-time read of the counters.
type Snapshot struct {
	Received    uint64
	Sent        uint64
	Failed      uint64
	SuccessRate float64
	Uptime      time.Duration
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	return &Tracker{startTime: time.Now()}
}

// RecordReceived counts a message and returns its sequence number.
func (t *Tracker) RecordReceived() uint64 { return t.received.Add(1) }

func (t *Tracker) RecordSent() { t.sent.Add(1) }

func (t *Tracker) RecordFailed() { t.failed.Add(1) }

// Snapshot returns current statistics
func (t *Tracker) Snapshot() Snapshot {
	// sent and failed are read before received so a concurrent increment
	// can never make sent+failed exceed received in the snapshot.
	sent := t.sent.Load()
	failed := t.failed.Load()
	received := t.received.Load()

	return Snapshot{
		Received:    received,
		Sent:        sent,
		Failed:      failed,
		SuccessRate: SuccessRate(sent, received),
		Uptime:      time.Since(t.startTime),
	}
}

// SuccessRate returns sent/received as a percentage rounded to two
// decimals, or 0 when nothing was received.
func SuccessRate(sent, received uint64) float64 {
	if received == 0 {
		return 0
	}
	rate := float64(sent) / float64(received) * 100
	return math.Round(rate*100) / 100
}

// InFlight is the number of messages received but not yet settled.
func (s Snapshot) InFlight() uint64 {
	settled := s.Sent + s.Failed
	if settled >= s.Received {
		return 0
	}
	return s.Received - settled
}

// Fields renders the snapshot as key/value pairs for structured logging.
func (s Snapshot) Fields() []interface{} {
	return []interface{}{
		"received", s.Received,
		"sent", s.Sent,
		"failed", s.Failed,
		"successRate", s.SuccessRate,
	}
}
