// Package motor decides when to stop the dispensing wheel.
//
// Run is the one place in the controller allowed to block the tick loop: it
// busy-polls the beam and rotary sensors at a short fixed interval until the
// wheel reaches a safe stop, bounded by the run timeout.
package motor

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/treat-dispenser/internal/clock"
	"github.com/sweeney/treat-dispenser/internal/logger"
	"github.com/sweeney/treat-dispenser/internal/pins"
)

// StopReason says why Run returned.
type StopReason int

const (
	Timeout StopReason = iota
	TreatDetectedStoppedAtHome
	NoTreatStoppedAtHome
	Jammed
	ExternallyCancelled
)

func (r StopReason) String() string {
	switch r {
	case Timeout:
		return "TIMEOUT"
	case TreatDetectedStoppedAtHome:
		return "TREAT_DETECTED"
	case NoTreatStoppedAtHome:
		return "NO_TREAT"
	case Jammed:
		return "JAMMED"
	case ExternallyCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Defaults.
const (
	DefaultTimeout         = 5 * time.Second
	DefaultPoll            = 5 * time.Millisecond
	DefaultBeamSettle      = 150 * time.Millisecond
	DefaultHomeTransitions = 3
	DefaultJamAmps         = 5.5
)

// MaxTimeout caps any requested run so the tick loop stall stays bounded.
const MaxTimeout = 15 * time.Second

// Config tunes the supervisor. Zero fields take defaults.
type Config struct {
	Timeout         time.Duration
	Poll            time.Duration
	BeamSettle      time.Duration
	HomeTransitions int
	JamAmps         float64
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Poll <= 0 {
		c.Poll = DefaultPoll
	}
	if c.BeamSettle < 0 {
		c.BeamSettle = 0
	}
	if c.HomeTransitions <= 0 {
		c.HomeTransitions = DefaultHomeTransitions
	}
	if c.JamAmps <= 0 {
		c.JamAmps = DefaultJamAmps
	}
	return c
}

// CurrentSensor samples motor current.
type CurrentSensor interface {
	Amps() (float64, error)
}

// Result describes one motor run.
type Result struct {
	Reason      StopReason
	Elapsed     time.Duration
	Transitions int  // rotary low->high edges seen before any beam break
	BeamBroken  bool // a treat passed the beam
	PeakAmps    float64
	JamWarning  bool // current exceeded the jam threshold at least once
}

// Supervisor runs the motor and picks the stop point.
type Supervisor struct {
	port    *pins.Port
	clock   clock.Clock
	current CurrentSensor
	cfg     Config
	log     *zap.SugaredLogger
}

// New creates a Supervisor driving port.
func New(port *pins.Port, clk clock.Clock, cfg Config, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		port:  port,
		clock: clk,
		cfg:   cfg.withDefaults(),
		log:   logger.OrNop(log),
	}
}

// SetCurrentSensor attaches an advisory current sensor.
func (s *Supervisor) SetCurrentSensor(cs CurrentSensor) {
	s.current = cs
}

// Timeout returns the configured default run timeout.
func (s *Supervisor) Timeout() time.Duration {
	return s.cfg.Timeout
}

// FullStop stops the motor and turns off the indicator and beam emitter in
// one port transaction.
func (s *Supervisor) FullStop() {
	err := s.port.Apply(
		pins.Deassert(pins.MotorIN1),
		pins.Deassert(pins.MotorIN2),
		pins.Deassert(pins.LED),
		pins.Deassert(pins.IRTx),
	)
	if err != nil {
		s.log.Warnw("full stop write failed", "err", err)
	}
}

// Run starts the motor and beam emitter and polls until a stop condition:
//
//   - cancel set: ExternallyCancelled, immediately.
//   - beam broken: wait for the rotary to go low then high again, then
//     TreatDetectedStoppedAtHome.
//   - no beam break and HomeTransitions rotary low->high edges:
//     NoTreatStoppedAtHome at the next high level.
//   - timeout elapsed: Timeout.
//
// A timeout <= 0 uses the configured default. The motor, indicator and beam
// emitter are always off when Run returns.
func (s *Supervisor) Run(timeout time.Duration, cancel *atomic.Bool) Result {
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	defer s.FullStop()

	if cancel != nil && cancel.Load() {
		return Result{Reason: ExternallyCancelled}
	}

	if err := s.port.Apply(
		pins.Assert(pins.MotorIN1),
		pins.Deassert(pins.MotorIN2),
		pins.Assert(pins.IRTx),
	); err != nil {
		s.log.Warnw("motor start write failed", "err", err)
	}

	if s.cfg.BeamSettle > 0 {
		s.clock.Sleep(s.cfg.BeamSettle)
	}
	initial := s.port.Sample()
	s.log.Debugw("motor started", "beam_broken", initial.Asserted(pins.IRRx), "home", initial.Asserted(pins.Rotary))

	var (
		res         Result
		lastHome    = initial.Asserted(pins.Rotary)
		stopNoTreat bool
		seenLow     bool
		start       = s.clock.Now()
	)

	finish := func(reason StopReason) Result {
		res.Reason = reason
		res.Elapsed = s.clock.Now().Sub(start)
		s.log.Infow("motor stopped",
			"reason", reason.String(),
			"elapsed", res.Elapsed,
			"transitions", res.Transitions,
			"peak_amps", res.PeakAmps,
		)
		return res
	}

	for {
		if cancel != nil && cancel.Load() {
			return finish(ExternallyCancelled)
		}
		if s.clock.Now().Sub(start) >= timeout {
			return finish(Timeout)
		}

		lv := s.port.Sample()
		broken := lv.Asserted(pins.IRRx)
		home := lv.Asserted(pins.Rotary)

		if !res.BeamBroken && broken {
			res.BeamBroken = true
			stopNoTreat = false
			// If already home, the current high doesn't count; a low must come first.
			seenLow = !home
			s.log.Debugw("beam broken, treat released", "home", home)
		}

		if !res.BeamBroken && !lastHome && home {
			res.Transitions++
			if res.Transitions >= s.cfg.HomeTransitions {
				stopNoTreat = true
			}
		}

		if res.BeamBroken {
			if !seenLow {
				if !home {
					seenLow = true
				}
			} else if home {
				return finish(TreatDetectedStoppedAtHome)
			}
		}

		if stopNoTreat && home {
			return finish(NoTreatStoppedAtHome)
		}

		s.sampleCurrent(&res)
		lastHome = home
		s.clock.Sleep(s.cfg.Poll)
	}
}

// sampleCurrent records motor current. Exceeding the jam threshold is
// advisory only.
func (s *Supervisor) sampleCurrent(res *Result) {
	if s.current == nil {
		return
	}
	amps, err := s.current.Amps()
	if err != nil {
		return
	}
	if amps > res.PeakAmps {
		res.PeakAmps = amps
	}
	if amps > s.cfg.JamAmps && !res.JamWarning {
		res.JamWarning = true
		s.log.Warnw("motor current above jam threshold", "amps", amps, "threshold", s.cfg.JamAmps)
	}
}
