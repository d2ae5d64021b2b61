// Package guidance implements the timed cue sequence that confirms an
// operator is present before a treat is spent.
//
//	CueOn --5s--> CueOff --2s--> CueOnAgain --5s--> WarnBlink --5s--> Done (skipped)
//	  \______________\_______________\__________________\--confirm--> Dispensing --> Done
//
// One Session type serves every caller; they differ only in Params (entry
// state and session window).
package guidance

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/treat-dispenser/internal/audio"
	"github.com/sweeney/treat-dispenser/internal/logger"
	"github.com/sweeney/treat-dispenser/internal/motor"
	"github.com/sweeney/treat-dispenser/internal/pins"
)

// State of a session.
type State int

const (
	CueOn State = iota
	CueOff
	CueOnAgain
	WarnBlink
	Dispensing
	Done
)

func (s State) String() string {
	switch s {
	case CueOn:
		return "CUE_ON"
	case CueOff:
		return "CUE_OFF"
	case CueOnAgain:
		return "CUE_ON_AGAIN"
	case WarnBlink:
		return "WARN_BLINK"
	case Dispensing:
		return "DISPENSING"
	case Done:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Outcome of a finished session.
type Outcome int

const (
	Pending   Outcome = iota
	Dispensed         // motor ran to a normal stop
	Skipped           // no confirmation within the window
	Cancelled         // cancel flag observed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "PENDING"
	case Dispensed:
		return "DISPENSED"
	case Skipped:
		return "SKIPPED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Default state durations.
const (
	DefaultCueFor          = 5 * time.Second
	DefaultPauseFor        = 2 * time.Second
	DefaultBlinkFor        = 5 * time.Second
	DefaultBlinkHalfPeriod = 250 * time.Millisecond

	// ConfirmationWindow is the session length of the standalone training
	// window started from the UI or the remote trigger.
	ConfirmationWindow = 20 * time.Second
)

// Params select the variant of the sequence.
type Params struct {
	// Entry is CueOn for a confirmation sequence or Dispensing for a
	// single-shot manual dispense.
	Entry State

	// Window is the total session length measured from start. WarnBlink is
	// stretched so the session lasts at least Window. Zero keeps the
	// legacy BlinkFor duration.
	Window time.Duration

	CueFor          time.Duration
	PauseFor        time.Duration
	BlinkFor        time.Duration
	BlinkHalfPeriod time.Duration

	// MotorTimeout bounds the dispense run; zero uses the supervisor default.
	MotorTimeout time.Duration
}

// Manual returns params for an immediate single-shot dispense.
func Manual() Params {
	return Params{Entry: Dispensing}.withDefaults()
}

// Standalone returns params for the confirmation-window variant.
func Standalone(window time.Duration) Params {
	if window <= 0 {
		window = ConfirmationWindow
	}
	return Params{Entry: CueOn, Window: window}.withDefaults()
}

// Scheduled returns params for the confirmation wait of a scheduled treat.
func Scheduled() Params {
	return Params{Entry: CueOn}.withDefaults()
}

func (p Params) withDefaults() Params {
	if p.CueFor <= 0 {
		p.CueFor = DefaultCueFor
	}
	if p.PauseFor <= 0 {
		p.PauseFor = DefaultPauseFor
	}
	if p.BlinkFor <= 0 {
		p.BlinkFor = DefaultBlinkFor
	}
	if p.BlinkHalfPeriod <= 0 {
		p.BlinkHalfPeriod = DefaultBlinkHalfPeriod
	}
	if p.Entry != Dispensing {
		p.Entry = CueOn
	}
	return p
}

// Dispenser runs the motor. *motor.Supervisor implements it.
type Dispenser interface {
	Run(timeout time.Duration, cancel *atomic.Bool) motor.Result
	FullStop()
}

// Deps are the collaborators a session drives.
type Deps struct {
	Port  *pins.Port
	Motor Dispenser
	Audio audio.Player
	Log   *zap.SugaredLogger

	// OnDispensed is called after every motor run that was not cancelled.
	OnDispensed func(motor.Result)
}

// Session is one run of the sequence. It is driven by Tick and is not safe
// for concurrent use, except for the cancel flag.
type Session struct {
	id     string
	params Params
	deps   Deps
	log    *zap.SugaredLogger
	cancel *atomic.Bool

	state         State
	started       time.Time
	entered       time.Time
	cuePlayed     bool
	blinkOn       bool
	lastBlink     time.Time
	blinkDeadline time.Time

	outcome Outcome
	result  motor.Result
}

// New creates a session entering params.Entry at now. The session observes
// cancel at every tick and during the motor run; cancel may be nil.
func New(deps Deps, params Params, cancel *atomic.Bool, now time.Time) *Session {
	if deps.Audio == nil {
		deps.Audio = audio.Nop{}
	}
	if cancel == nil {
		cancel = new(atomic.Bool)
	}
	id := uuid.NewString()
	s := &Session{
		id:      id,
		params:  params.withDefaults(),
		deps:    deps,
		log:     logger.OrNop(deps.Log).With("session", id),
		cancel:  cancel,
		started: now,
	}
	s.enter(s.params.Entry, now)
	s.log.Infow("guidance started", "entry", s.state.String(), "window", s.params.Window)
	return s
}

// ID identifies the session in logs and events.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State { return s.state }

// Done reports whether the session has finished.
func (s *Session) Done() bool { return s.state == Done }

// Outcome returns how the session ended, or Pending.
func (s *Session) Outcome() Outcome { return s.outcome }

// Result returns the motor result of the dispense, if one ran.
func (s *Session) Result() motor.Result { return s.result }

// Params returns the effective parameters.
func (s *Session) Params() Params { return s.params }

// StartedAt returns the session start time.
func (s *Session) StartedAt() time.Time { return s.started }

// Cancel sets the session's cancel flag. The next Tick finishes the session.
func (s *Session) Cancel() { s.cancel.Store(true) }

// Tick advances the machine. confirm is true when a debounced confirmation
// edge was seen since the previous tick. Tick returns the state after the
// step; entering Dispensing runs the motor within the same call.
func (s *Session) Tick(now time.Time, confirm bool) State {
	if s.state == Done {
		return Done
	}
	if s.cancel.Load() {
		s.finish(Cancelled)
		return s.state
	}

	elapsed := now.Sub(s.entered)
	switch s.state {
	case CueOn, CueOnAgain:
		s.indicator(true)
		s.cueOnce()
		if confirm {
			s.dispense(now)
			break
		}
		if elapsed >= s.params.CueFor {
			if s.state == CueOn {
				s.enter(CueOff, now)
			} else {
				s.enter(WarnBlink, now)
			}
		}

	case CueOff:
		s.indicator(false)
		if confirm {
			s.dispense(now)
			break
		}
		if elapsed >= s.params.PauseFor {
			s.enter(CueOnAgain, now)
		}

	case WarnBlink:
		s.cueOnce()
		if confirm {
			s.dispense(now)
			break
		}
		if !now.Before(s.blinkDeadline) {
			s.log.Infow("no confirmation, skipping treat")
			s.finish(Skipped)
			break
		}
		if now.Sub(s.lastBlink) >= s.params.BlinkHalfPeriod {
			s.lastBlink = now
			s.blinkOn = !s.blinkOn
			s.indicator(s.blinkOn)
		}

	case Dispensing:
		// Only a direct entry reaches here; confirmed dispenses run inline.
		s.cueOnce()
		s.dispense(now)
	}
	return s.state
}

func (s *Session) enter(st State, now time.Time) {
	s.state = st
	s.entered = now
	s.cuePlayed = false
	if st == WarnBlink {
		// The indicator is still lit from CueOnAgain; the first toggle darkens it.
		s.lastBlink = now
		s.blinkOn = true
		s.blinkDeadline = now.Add(s.params.BlinkFor)
		if s.params.Window > 0 {
			if end := s.started.Add(s.params.Window); end.After(s.blinkDeadline) {
				s.blinkDeadline = end
			}
		}
	}
	s.log.Debugw("guidance state", "state", st.String())
}

func (s *Session) cueOnce() {
	if s.cuePlayed {
		return
	}
	s.cuePlayed = true
	s.deps.Audio.PlayCue()
}

func (s *Session) indicator(on bool) {
	if s.deps.Port == nil {
		return
	}
	// Port elides unchanged writes, so holding a level every tick is free.
	_ = s.deps.Port.Write(pins.LED, on)
}

// dispense runs the motor to completion. It blocks for at most the motor
// timeout.
func (s *Session) dispense(now time.Time) {
	if s.state != Dispensing {
		s.enter(Dispensing, now)
	}
	s.indicator(false)
	s.result = s.deps.Motor.Run(s.params.MotorTimeout, s.cancel)
	if s.result.Reason == motor.ExternallyCancelled {
		s.finish(Cancelled)
		return
	}
	if s.deps.OnDispensed != nil {
		s.deps.OnDispensed(s.result)
	}
	s.finish(Dispensed)
}

func (s *Session) finish(o Outcome) {
	s.outcome = o
	s.state = Done
	s.blinkOn = false
	s.indicator(false)
	s.deps.Motor.FullStop()
	if o == Dispensed {
		s.log.Infow("guidance finished", "outcome", o.String(), "reason", s.result.Reason.String())
		return
	}
	s.log.Infow("guidance finished", "outcome", o.String())
}
