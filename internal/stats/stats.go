// Package stats accumulates throughput counters for a live microphone
// session: cumulative packet/byte totals plus coarse once-per-second
// snapshots of those totals.
package stats

import "time"

// Tracker turns a stream of packet-arrival events into running and
// per-second throughput counters.
//
// The per-second fields update stepwise: only once at least one second has
// elapsed since the last rollover are they overwritten with the then-current
// cumulative totals. This is a coarse, non-sliding rate estimate; callers
// must not assume sub-second accuracy.
//
// Tracker is not safe for concurrent use; the session serializes all updates
// through its owner context.
type Tracker struct {
	totalPackets int64
	totalBytes   int64

	perSecondPackets int64
	perSecondBytes   int64

	lastRollover time.Time
	lastPacket   time.Time
}

// A point-in-time copy of the counters, safe to hand across goroutines.
type Snapshot struct {
	TotalPackets     int64
	TotalBytes       int64
	PerSecondPackets int64
	PerSecondBytes   int64
	LastPacket       time.Time
}

func New() *Tracker {
	return &Tracker{}
}

// RecordPacket accounts for a single received datagram of byteCount bytes
// arriving at time now.
//
// The first packet after a Reset establishes the rollover baseline without
// updating the per-second fields.
func (t *Tracker) RecordPacket(byteCount int, now time.Time) {
	t.totalPackets++
	t.totalBytes += int64(byteCount)
	t.lastPacket = now

	if t.lastRollover.IsZero() {
		t.lastRollover = now
		return
	}

	if now.Sub(t.lastRollover) >= time.Second {
		t.perSecondPackets = t.totalPackets
		t.perSecondBytes = t.totalBytes
		t.lastRollover = now
	}
}

// Reset zeroes all fields. Called at the start of every session.
func (t *Tracker) Reset() {
	*t = Tracker{}
}

func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		TotalPackets:     t.totalPackets,
		TotalBytes:       t.totalBytes,
		PerSecondPackets: t.perSecondPackets,
		PerSecondBytes:   t.perSecondBytes,
		LastPacket:       t.lastPacket,
	}
}
