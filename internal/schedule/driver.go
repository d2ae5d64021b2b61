package schedule

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sweeney/treat-dispenser/internal/audio"
	"github.com/sweeney/treat-dispenser/internal/guidance"
	"github.com/sweeney/treat-dispenser/internal/logger"
	"github.com/sweeney/treat-dispenser/internal/motor"
	"github.com/sweeney/treat-dispenser/internal/pins"
)

var (
	// ErrAlreadyRunning is returned by Start while a run is in progress.
	ErrAlreadyRunning = errors.New("schedule already running")

	// ErrNotRunning is returned by Pause, Resume and Stop with no run.
	ErrNotRunning = errors.New("schedule not running")
)

// DefaultCooldown is the minimum gap between two dispense triggers.
const DefaultCooldown = 30 * time.Second

// Hooks receive driver notifications. Any may be nil.
type Hooks struct {
	// Started is called when a run begins, before its first dispense.
	Started func(runID string)

	// WaitStarted is called when a confirmation wait opens.
	WaitStarted func(index int, s *guidance.Session)

	// Refresh is called whenever a displayed value changes.
	Refresh func()

	// Treat is called once per resolved table entry.
	Treat func(index int, outcome guidance.Outcome, result motor.Result)

	// Finished is called when a run ends; completed is false for Stop.
	Finished func(completed bool)
}

// Deps are the driver's collaborators.
type Deps struct {
	Port  *pins.Port
	Motor guidance.Dispenser
	Audio audio.Player
	Log   *zap.SugaredLogger

	// Rand draws random placements; nil uses a seeded source per run.
	Rand Source

	Cooldown     time.Duration
	MotorTimeout time.Duration
	Hooks        Hooks
}

// Snapshot is the observable run state.
type Snapshot struct {
	RunID            string
	Running          bool
	Paused           bool
	Waiting          bool
	TreatsPerHour    int
	Hours            int
	Dispensed        int
	Skipped          int
	Index            int
	Total            int
	RemainingMinutes int
	Table            Table
}

// Driver walks a generated table on a periodic tick.
//
// Entry 0 dispenses directly when the run starts. Every later entry opens a
// guidance wait once its minute is reached; a confirmed wait dispenses and an
// unconfirmed one is skipped. The driver is single-threaded: every method
// must be called from the tick loop.
type Driver struct {
	deps Deps
	log  *zap.SugaredLogger

	runID         string
	running       bool
	paused        bool
	stopRequested bool

	treatsPerHour int
	hours         int
	table         Table
	index         int
	dispensed     int
	skipped       int
	remaining     int

	start    time.Time
	pausedAt time.Time

	limiter *rate.Limiter
	wait    *guidance.Session

	// cancel is shared by the driver's own sessions only.
	cancel atomic.Bool
}

// New creates an idle driver.
func New(deps Deps) *Driver {
	if deps.Cooldown <= 0 {
		deps.Cooldown = DefaultCooldown
	}
	return &Driver{
		deps: deps,
		log:  logger.OrNop(deps.Log),
	}
}

// Start generates a table and dispenses its first entry before returning.
func (d *Driver) Start(treatsPerHour, hours int, now time.Time) error {
	if d.running {
		return ErrAlreadyRunning
	}
	d.reset()
	d.treatsPerHour, d.hours = Clamp(treatsPerHour, hours)
	d.table = Generate(d.treatsPerHour, d.hours, d.deps.Rand)
	d.runID = uuid.NewString()
	d.limiter = rate.NewLimiter(rate.Every(d.deps.Cooldown), 1)
	d.running = true
	d.start = now
	d.remaining = d.hours * minutesPerHour

	d.log.Infow("schedule started",
		"run", d.runID,
		"treats_per_hour", d.treatsPerHour,
		"hours", d.hours,
		"table", d.table.String(),
	)
	if d.deps.Hooks.Started != nil {
		d.deps.Hooks.Started(d.runID)
	}
	d.refresh()

	d.limiter.AllowN(now, 1)
	first := d.session(guidance.Manual(), now)
	first.Tick(now, false)
	d.resolve(first)
	return nil
}

// Tick advances the run. confirm is the debounced confirmation edge for
// this tick.
func (d *Driver) Tick(now time.Time, confirm bool) {
	if d.stopRequested {
		d.halt(false)
		return
	}
	if !d.running || d.paused {
		return
	}

	if d.wait != nil {
		if d.wait.Tick(now, confirm) != guidance.Done {
			return
		}
		s := d.wait
		d.wait = nil
		d.resolve(s)
	}

	if r := d.hours*minutesPerHour - d.elapsedMinutes(now); r != d.remaining {
		d.remaining = r
		d.refresh()
	}
	if d.remaining <= 0 || d.index >= len(d.table) {
		d.halt(true)
		return
	}

	if d.elapsedMinutes(now) >= d.table[d.index] && d.limiter.AllowN(now, 1) {
		d.log.Infow("treat due", "run", d.runID, "index", d.index, "minute", d.table[d.index])
		d.wait = d.session(guidance.Scheduled(), now)
		if d.deps.Hooks.WaitStarted != nil {
			d.deps.Hooks.WaitStarted(d.index, d.wait)
		}
		d.refresh()
	}
}

// Pause freezes elapsed time. A live confirmation wait is abandoned without
// advancing; the entry is offered again after Resume.
func (d *Driver) Pause(now time.Time) error {
	if !d.running {
		return ErrNotRunning
	}
	if d.paused {
		return nil
	}
	d.paused = true
	d.pausedAt = now
	d.abandonWait(now)
	d.log.Infow("schedule paused", "run", d.runID, "index", d.index)
	d.refresh()
	return nil
}

// Resume shifts the session start forward by the paused duration.
func (d *Driver) Resume(now time.Time) error {
	if !d.running {
		return ErrNotRunning
	}
	if !d.paused {
		return nil
	}
	d.start = d.start.Add(now.Sub(d.pausedAt))
	d.paused = false
	d.pausedAt = time.Time{}
	d.log.Infow("schedule resumed", "run", d.runID, "remaining_minutes", d.remaining)
	d.refresh()
	return nil
}

// Stop requests a halt. The motor and indicator are stopped now; counters
// are cleared on the next Tick.
func (d *Driver) Stop(now time.Time) error {
	if !d.running {
		return ErrNotRunning
	}
	d.stopRequested = true
	d.abandonWait(now)
	d.log.Infow("schedule stop requested", "run", d.runID)
	return nil
}

// abandonWait cancels a live wait without resolving it. The outputs are
// only forced off when the wait held them.
func (d *Driver) abandonWait(now time.Time) {
	if d.wait == nil {
		return
	}
	d.wait.Cancel()
	d.wait.Tick(now, false)
	d.wait = nil
	d.deps.Motor.FullStop()
}

// EndWait ends a live confirmation wait as a skip so another activation can
// take the motor. It reports whether a wait was ended.
func (d *Driver) EndWait(now time.Time) bool {
	if d.wait == nil {
		return false
	}
	s := d.wait
	d.wait = nil
	s.Cancel()
	s.Tick(now, false)
	d.log.Infow("confirmation wait preempted", "run", d.runID, "index", d.index)
	d.resolve(s)
	return true
}

// Running reports whether a run is in progress, paused or not.
func (d *Driver) Running() bool { return d.running }

// Paused reports whether the run is paused.
func (d *Driver) Paused() bool { return d.paused }

// StopRequested reports whether a Stop awaits the next Tick.
func (d *Driver) StopRequested() bool { return d.stopRequested }

// RunID identifies the current or last run.
func (d *Driver) RunID() string { return d.runID }

// Waiting reports whether a confirmation wait is live.
func (d *Driver) Waiting() bool { return d.wait != nil }

// Session returns the live confirmation wait, or nil.
func (d *Driver) Session() *guidance.Session { return d.wait }

// Snapshot returns the current run state.
func (d *Driver) Snapshot() Snapshot {
	return Snapshot{
		RunID:            d.runID,
		Running:          d.running,
		Paused:           d.paused,
		Waiting:          d.wait != nil,
		TreatsPerHour:    d.treatsPerHour,
		Hours:            d.hours,
		Dispensed:        d.dispensed,
		Skipped:          d.skipped,
		Index:            d.index,
		Total:            len(d.table),
		RemainingMinutes: d.remaining,
		Table:            append(Table(nil), d.table...),
	}
}

func (d *Driver) session(p guidance.Params, now time.Time) *guidance.Session {
	d.cancel.Store(false)
	p.MotorTimeout = d.deps.MotorTimeout
	return guidance.New(guidance.Deps{
		Port:  d.deps.Port,
		Motor: d.deps.Motor,
		Audio: d.deps.Audio,
		Log:   d.log.With("run", d.runID, "index", d.index),
	}, p, &d.cancel, now)
}

// resolve records the outcome of the entry at d.index and advances.
func (d *Driver) resolve(s *guidance.Session) {
	idx := d.index
	d.index++
	if s.Outcome() == guidance.Dispensed {
		d.dispensed++
	} else {
		d.skipped++
	}
	d.log.Infow("treat resolved",
		"run", d.runID,
		"index", idx,
		"outcome", s.Outcome().String(),
		"dispensed", d.dispensed,
	)
	if d.deps.Hooks.Treat != nil {
		d.deps.Hooks.Treat(idx, s.Outcome(), s.Result())
	}
	d.refresh()
}

// halt ends the run. A completed run keeps its counters for display; a
// stopped run clears them. The driver's sessions have already released the
// outputs, which may now belong to another activation.
func (d *Driver) halt(completed bool) {
	d.log.Infow("schedule finished",
		"run", d.runID,
		"completed", completed,
		"dispensed", d.dispensed,
		"skipped", d.skipped,
	)
	if completed {
		d.running = false
		d.paused = false
		d.stopRequested = false
		d.table = nil
		d.remaining = 0
	} else {
		d.reset()
	}
	d.refresh()
	if d.deps.Hooks.Finished != nil {
		d.deps.Hooks.Finished(completed)
	}
}

func (d *Driver) reset() {
	d.running = false
	d.paused = false
	d.stopRequested = false
	d.table = nil
	d.index = 0
	d.dispensed = 0
	d.skipped = 0
	d.remaining = 0
	d.start = time.Time{}
	d.pausedAt = time.Time{}
	d.wait = nil
}

func (d *Driver) elapsedMinutes(now time.Time) int {
	if d.paused {
		now = d.pausedAt
	}
	return int(now.Sub(d.start) / time.Minute)
}

func (d *Driver) refresh() {
	if d.deps.Hooks.Refresh != nil {
		d.deps.Hooks.Refresh()
	}
}
