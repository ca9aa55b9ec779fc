package channels

import (
	"sync"
	"time"
)

// HeartbeatMonitor decides when to send keep-alives and when the
// connection is dead. Death is declared purely on the age of the last
// acknowledged round-trip.
type HeartbeatMonitor struct {
	interval time.Duration
	grace    time.Duration

	mu        sync.Mutex
	lastSent  time.Time
	lastAcked time.Time
}

type HeartbeatDecision struct {
	Send bool
	Dead bool
}

func NewHeartbeatMonitor(interval, grace time.Duration, now time.Time) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		interval:  interval,
		grace:     grace,
		lastSent:  now,
		lastAcked: now,
	}
}

// OnTick is called once per tick. When Send is set the caller must send a
// heartbeat; lastSent has already been advanced.
func (m *HeartbeatMonitor) OnTick(now time.Time) HeartbeatDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	var d HeartbeatDecision
	if now.Sub(m.lastSent) >= m.interval {
		d.Send = true
		m.lastSent = now
	}
	if now.Sub(m.lastAcked) > m.interval+m.grace {
		d.Dead = true
	}
	return d
}

func (m *HeartbeatMonitor) OnAck(now time.Time) {
	m.mu.Lock()
	m.lastAcked = now
	m.mu.Unlock()
}

func (m *HeartbeatMonitor) LastAcked() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAcked
}
