// Package debounce turns noisy digital samples into stable levels and
// rising-edge events.
// This package has NO hardware dependencies; time is always passed in.
package debounce

import "time"

// DefaultSettle is the settle window used for the button and remote inputs.
const DefaultSettle = 30 * time.Millisecond

// Level tracks the debounced state of one input.
//
// A new value must be observed continuously for the settle window before it
// becomes stable. The first stable value is the baseline and never counts as
// a change.
type Level struct {
	settle time.Duration

	stable    bool
	baselined bool

	pending      bool
	hasPending   bool
	pendingSince time.Time
}

// NewLevel creates a Level with the given settle window.
func NewLevel(settle time.Duration) *Level {
	return &Level{settle: settle}
}

// Update feeds one raw sample and reports whether the stable value changed.
func (l *Level) Update(raw bool, now time.Time) bool {
	if !l.baselined {
		if !l.hasPending || l.pending != raw {
			l.pending = raw
			l.hasPending = true
			l.pendingSince = now
			return false
		}
		if now.Sub(l.pendingSince) >= l.settle {
			l.stable = raw
			l.baselined = true
			l.hasPending = false
		}
		return false
	}

	if raw == l.stable {
		// bounce back to stable, clear any pending
		l.hasPending = false
		return false
	}

	if !l.hasPending || l.pending != raw {
		l.pending = raw
		l.hasPending = true
		l.pendingSince = now
		return false
	}

	if now.Sub(l.pendingSince) >= l.settle {
		l.stable = raw
		l.hasPending = false
		return true
	}
	return false
}

// Stable returns the current debounced value.
func (l *Level) Stable() bool { return l.stable }

// Baselined reports whether a first stable value has been established.
func (l *Level) Baselined() bool { return l.baselined }

// Reset forgets all history, including the baseline.
func (l *Level) Reset() {
	*l = Level{settle: l.settle}
}

// Edge reports debounced rising edges (false to true) of one input.
type Edge struct {
	level Level
	count int
}

// NewEdge creates an Edge detector with the given settle window.
func NewEdge(settle time.Duration) *Edge {
	return &Edge{level: Level{settle: settle}}
}

// Update feeds one raw sample and reports whether a rising edge completed.
func (e *Edge) Update(raw bool, now time.Time) bool {
	if e.level.Update(raw, now) && e.level.Stable() {
		e.count++
		return true
	}
	return false
}

// Level returns the current debounced value.
func (e *Edge) Level() bool { return e.level.Stable() }

// Count returns the number of rising edges seen since creation or Reset.
func (e *Edge) Count() int { return e.count }

// Reset forgets all history.
func (e *Edge) Reset() {
	e.level.Reset()
	e.count = 0
}
