package live

import (
	"time"

	"github.com/DukeRupert/ppewatch/internal/metrics"
)

// State is the push channel's connectivity.
type State string

const (
	Disconnected State = "disconnected"
	Connected    State = "connected"
)

// Link tracks push connectivity and owns the fallback poll timer.
//
// Connected -> Disconnected arms the timer; Disconnected -> Connected
// disarms it. While disarmed, C returns nil, which blocks forever in a
// select.
type Link struct {
	state    State
	since    time.Time
	interval time.Duration
	ticker   *time.Ticker
}

// NewLink starts Disconnected with the fallback timer armed: until the
// transport confirms a connection, polling is the only update source.
func NewLink(interval time.Duration, now time.Time) *Link {
	l := &Link{state: Disconnected, since: now, interval: interval}
	l.arm()
	metrics.SetConnected(false)
	return l
}

// State returns the current state.
func (l *Link) State() State {
	return l.state
}

// Since returns when the current state was entered.
func (l *Link) Since() time.Time {
	return l.since
}

// IsLive reports whether pushed events are the update source.
func (l *Link) IsLive() bool {
	return l.state == Connected
}

// Connect moves to Connected. It returns false if already connected.
func (l *Link) Connect(now time.Time) bool {
	if l.state == Connected {
		return false
	}
	l.state, l.since = Connected, now
	l.disarm()
	metrics.SetConnected(true)
	return true
}

// Disconnect moves to Disconnected. It returns false if already
// disconnected.
func (l *Link) Disconnect(now time.Time) bool {
	if l.state == Disconnected {
		return false
	}
	l.state, l.since = Disconnected, now
	l.arm()
	metrics.SetConnected(false)
	return true
}

// C delivers fallback ticks while disconnected.
func (l *Link) C() <-chan time.Time {
	if l.ticker == nil {
		return nil
	}
	return l.ticker.C
}

// Stop releases the timer.
func (l *Link) Stop() {
	l.disarm()
}

func (l *Link) arm() {
	if l.ticker != nil {
		return
	}
	l.ticker = time.NewTicker(l.interval)
}

func (l *Link) disarm() {
	if l.ticker == nil {
		return
	}
	l.ticker.Stop()
	l.ticker = nil
}
