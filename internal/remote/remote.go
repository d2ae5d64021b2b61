// Package remote watches the remote-trigger receiver and opens a training
// window on each debounced activation.
package remote

import (
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/treat-dispenser/internal/debounce"
	"github.com/sweeney/treat-dispenser/internal/logger"
	"github.com/sweeney/treat-dispenser/internal/pins"
)

// Starter opens the standalone training window. It returns an error when
// another activation holds the dispenser.
type Starter interface {
	StartTrainingWindow(now time.Time) error
}

// Listener turns remote-trigger edges into training windows.
type Listener struct {
	port    *pins.Port
	starter Starter
	edge    *debounce.Edge
	log     *zap.SugaredLogger

	started int
	ignored int
}

// New creates a Listener. settle <= 0 uses debounce.DefaultSettle.
func New(port *pins.Port, starter Starter, settle time.Duration, log *zap.SugaredLogger) *Listener {
	if settle <= 0 {
		settle = debounce.DefaultSettle
	}
	return &Listener{
		port:    port,
		starter: starter,
		edge:    debounce.NewEdge(settle),
		log:     logger.OrNop(log),
	}
}

// Poll samples the receiver and handles an edge. It reports whether a
// training window was started.
func (l *Listener) Poll(now time.Time) bool {
	return l.Observe(l.port.Sample(), now)
}

// Observe handles an already-taken port sample.
func (l *Listener) Observe(levels pins.Levels, now time.Time) bool {
	if !l.edge.Update(levels.Asserted(pins.RemoteRx), now) {
		return false
	}
	if err := l.starter.StartTrainingWindow(now); err != nil {
		l.ignored++
		l.log.Infow("remote trigger ignored", "err", err)
		return false
	}
	l.started++
	l.log.Infow("remote trigger started training window")
	return true
}

// Stats returns how many edges started a window and how many were ignored.
func (l *Listener) Stats() (started, ignored int) {
	return l.started, l.ignored
}
