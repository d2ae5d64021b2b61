package pins

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/sweeney/treat-dispenser/internal/logger"
)

// ErrInputSignal is returned when a caller tries to drive an input line.
var ErrInputSignal = errors.New("pins: signal is input-designated")

// Port owns the cached output byte of the expander. It never reads the
// expander to modify it: every write is computed from the cache, with input
// bits forced high, and unchanged values are elided.
//
// Port is safe for concurrent use, although the controller drives it from a
// single goroutine.
type Port struct {
	bus Bus
	log *zap.SugaredLogger

	mu     sync.Mutex
	cache  uint8
	synced bool // cache is known to match the hardware
	warned [NumSignals]bool
	reads  int
	fails  int
}

// NewPort wraps bus. The cache starts fully released; nothing is written
// until Initialize or the first Write.
func NewPort(bus Bus, log *zap.SugaredLogger) *Port {
	return &Port{
		bus:   bus,
		log:   logger.OrNop(log),
		cache: Released,
	}
}

// Initialize releases every line to its safe idle state in one transaction.
func (p *Port) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synced = false
	return p.writeLocked(Idle)
}

// Read returns the asserted state of s from a fresh sample.
func (p *Port) Read(s Signal) bool {
	return p.Sample().Asserted(s)
}

// Sample reads the whole port in one transaction. A failed read returns
// Released: sensors fail safe high.
func (p *Port) Sample() Levels {
	v, err := p.bus.ReadPort()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	if err != nil {
		p.fails++
		if p.fails == 1 || p.fails%100 == 0 {
			p.log.Warnw("port read failed, using released levels", "err", err, "failures", p.fails)
		}
		return Levels(Released)
	}
	return Levels(v)
}

// Write sets one signal. Writes to input signals are dropped with a warning.
func (p *Port) Write(s Signal, asserted bool) error {
	return p.Apply(Change{Signal: s, Asserted: asserted})
}

// Apply sets several signals in a single bus transaction. Changes that target
// input signals are dropped (logged once per signal) and the remaining
// changes are still applied; ErrInputSignal is returned in that case.
func (p *Port) Apply(changes ...Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.cache
	var refused error
	for _, c := range changes {
		if c.Signal.IsInput() {
			if !p.warned[c.Signal] {
				p.log.Warnw("refusing to drive input signal", "signal", c.Signal.String())
				p.warned[c.Signal] = true
			}
			refused = ErrInputSignal
			continue
		}
		next = c.apply(next)
	}
	if err := p.writeLocked(next); err != nil {
		return err
	}
	return refused
}

// RestoreInputs re-writes the cached byte to the bus with every input bit
// released. The write is never elided, so an expander that lost its latch
// state after a brown-out is brought back in line with the cache.
func (p *Port) RestoreInputs() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synced = false
	return p.writeLocked(p.cache)
}

// Cached returns the last value written (or about to be written) to the bus.
func (p *Port) Cached() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache
}

// Dump returns the cached byte and a live read of the port.
func (p *Port) Dump() (cached, live uint8, err error) {
	live, err = p.bus.ReadPort()
	return p.Cached(), live, err
}

// Stats returns read counters for diagnostics.
func (p *Port) Stats() (reads, failures int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads, p.fails
}

func (p *Port) writeLocked(v uint8) error {
	v |= InputMask
	if p.synced && v == p.cache {
		return nil
	}
	p.cache = v
	if err := p.bus.WritePort(v); err != nil {
		p.synced = false
		p.log.Warnw("port write failed", "value", v, "err", err)
		return err
	}
	p.synced = true
	return nil
}
