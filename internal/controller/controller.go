// Package controller owns the dispenser hardware and arbitrates between the
// three activations that may drive the motor: a manual dispense, a training
// window and the schedule.
//
// The controller is driven by a single tick loop. Entry points must be called
// from that loop; RequestCancel is the only method safe to call from other
// goroutines.
package controller

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/treat-dispenser/internal/audio"
	"github.com/sweeney/treat-dispenser/internal/debounce"
	"github.com/sweeney/treat-dispenser/internal/events"
	"github.com/sweeney/treat-dispenser/internal/guidance"
	"github.com/sweeney/treat-dispenser/internal/logger"
	"github.com/sweeney/treat-dispenser/internal/motor"
	"github.com/sweeney/treat-dispenser/internal/pins"
	"github.com/sweeney/treat-dispenser/internal/remote"
	"github.com/sweeney/treat-dispenser/internal/schedule"
)

// ErrBusy is returned when an activation is requested while another one
// holds the dispenser.
var ErrBusy = errors.New("dispenser busy")

// DefaultIndicatorHold is how long the indicator stays lit after a manual or
// first scheduled dispense.
const DefaultIndicatorHold = 2 * time.Second

// Display is the UI collaborator.
type Display interface {
	Refresh(View)
}

// DisplayFunc adapts a function to Display.
type DisplayFunc func(View)

// Refresh calls f(v).
func (f DisplayFunc) Refresh(v View) { f(v) }

// Config tunes the controller. Zero values take package defaults.
type Config struct {
	Settle        time.Duration
	Window        time.Duration
	MotorTimeout  time.Duration
	Cooldown      time.Duration
	IndicatorHold time.Duration

	// Initial selection.
	TreatsPerHour int
	Hours         int
}

// Deps are the controller's collaborators.
type Deps struct {
	Port    *pins.Port
	Motor   guidance.Dispenser
	Audio   audio.Player
	Log     *zap.SugaredLogger
	Display Display
	Events  events.Notifier

	// Rand draws schedule placements; nil uses a seeded source.
	Rand schedule.Source
}

// Controller is the dispenser's context object.
type Controller struct {
	deps Deps
	cfg  Config
	log  *zap.SugaredLogger

	cancel atomic.Bool
	button *debounce.Edge
	remote *remote.Listener
	driver *schedule.Driver

	session *guidance.Session
	kind    events.Source

	treatsPerHour int
	hours         int
	total         int

	holdUntil time.Time
	now       time.Time

	view    View
	hasView bool
}

// New creates a controller. The port should already be initialized.
func New(deps Deps, cfg Config) *Controller {
	if deps.Audio == nil {
		deps.Audio = audio.Nop{}
	}
	if cfg.Settle <= 0 {
		cfg.Settle = debounce.DefaultSettle
	}
	if cfg.Window <= 0 {
		cfg.Window = guidance.ConfirmationWindow
	}
	if cfg.IndicatorHold <= 0 {
		cfg.IndicatorHold = DefaultIndicatorHold
	}

	c := &Controller{
		deps:   deps,
		cfg:    cfg,
		log:    logger.OrNop(deps.Log),
		button: debounce.NewEdge(cfg.Settle),
	}
	c.treatsPerHour, c.hours = schedule.Clamp(cfg.TreatsPerHour, cfg.Hours)
	c.remote = remote.New(deps.Port, c, cfg.Settle, c.log.Named("remote"))
	c.driver = schedule.New(schedule.Deps{
		Port:         deps.Port,
		Motor:        deps.Motor,
		Audio:        deps.Audio,
		Log:          c.log.Named("schedule"),
		Rand:         deps.Rand,
		Cooldown:     cfg.Cooldown,
		MotorTimeout: cfg.MotorTimeout,
		Hooks: schedule.Hooks{
			Started:     c.onScheduleStarted,
			WaitStarted: c.onWaitStarted,
			Refresh:     c.refresh,
			Treat:       c.onTreat,
			Finished:    c.onScheduleFinished,
		},
	})
	return c
}

// Tick samples the inputs once and advances whichever activation is live.
func (c *Controller) Tick(now time.Time) {
	c.now = now
	levels := c.deps.Port.Sample()
	confirm := c.button.Update(levels.Asserted(pins.Button), now)
	c.remote.Observe(levels, now)

	if c.session != nil {
		if c.session.Tick(now, confirm) == guidance.Done {
			c.finishSession()
		}
	}
	if c.session == nil || c.driver.StopRequested() {
		c.driver.Tick(now, confirm)
	}

	if !c.holdUntil.IsZero() && !now.Before(c.holdUntil) {
		c.holdUntil = time.Time{}
		if c.session == nil && !c.driver.Waiting() {
			c.indicator(false)
		}
	}
	c.refresh()
}

// StartManualDispense runs one dispense immediately.
func (c *Controller) StartManualDispense(now time.Time) error {
	if err := c.claim(now); err != nil {
		return err
	}
	c.begin(events.Manual, guidance.Manual(), now)
	if c.session.Tick(now, false) == guidance.Done {
		c.finishSession()
	}
	c.refresh()
	return nil
}

// StartTrainingWindow opens the standalone confirmation window.
func (c *Controller) StartTrainingWindow(now time.Time) error {
	if err := c.claim(now); err != nil {
		return err
	}
	s := c.begin(events.Training, guidance.Standalone(c.cfg.Window), now)
	c.emit(events.Event{Type: events.GuidanceStarted, Source: events.Training, SessionID: s.ID(), Index: -1})
	c.refresh()
	return nil
}

// CancelTraining ends a live training window or manual dispense. It is a
// no-op when none is live.
func (c *Controller) CancelTraining(now time.Time) error {
	c.now = now
	if c.session == nil {
		// A cancel raised ahead of this call must not outlive it.
		c.cancel.Store(false)
		return nil
	}
	c.session.Cancel()
	c.session.Tick(now, false)
	c.finishSession()
	c.refresh()
	return nil
}

// RequestCancel raises the cancel flag of controller-owned sessions. A
// running manual or training motor stops at its next poll and the live
// session ends on the next tick. Schedule waits are not affected. Safe for
// concurrent use.
func (c *Controller) RequestCancel() {
	c.cancel.Store(true)
}

// Shutdown ends every live activation and leaves the outputs idle. Events for
// the ended activations are emitted before it returns.
func (c *Controller) Shutdown(now time.Time) {
	c.now = now
	c.cancel.Store(true)
	if c.session != nil {
		c.session.Cancel()
		c.session.Tick(now, false)
		c.finishSession()
	}
	if c.driver.Running() {
		_ = c.driver.Stop(now)
		c.driver.Tick(now, false)
	}
	c.holdUntil = time.Time{}
	c.deps.Motor.FullStop()
	c.refresh()
}

// SetTreatsPerHour changes the selection for the next schedule start and
// returns the clamped value.
func (c *Controller) SetTreatsPerHour(n int) int {
	c.treatsPerHour, _ = schedule.Clamp(n, c.hours)
	c.refresh()
	return c.treatsPerHour
}

// SetHours changes the selection for the next schedule start and returns
// the clamped value.
func (c *Controller) SetHours(n int) int {
	_, c.hours = schedule.Clamp(c.treatsPerHour, n)
	c.refresh()
	return c.hours
}

// ScheduleStart starts a schedule with the current selection. The first
// treat is dispensed before it returns.
func (c *Controller) ScheduleStart(now time.Time) error {
	c.now = now
	if c.session != nil {
		return ErrBusy
	}
	if c.driver.Running() {
		return schedule.ErrAlreadyRunning
	}
	c.holdUntil = time.Time{}
	c.deps.Motor.FullStop()
	if err := c.driver.Start(c.treatsPerHour, c.hours, now); err != nil {
		return err
	}
	c.refresh()
	return nil
}

// SchedulePauseOrResume toggles the pause state of a running schedule.
func (c *Controller) SchedulePauseOrResume(now time.Time) error {
	c.now = now
	var err error
	if c.driver.Paused() {
		if err = c.driver.Resume(now); err == nil {
			c.emit(events.Event{Type: events.ScheduleResumed, Source: events.Schedule, RunID: c.driver.RunID(), Index: -1})
		}
	} else {
		if err = c.driver.Pause(now); err == nil {
			c.emit(events.Event{Type: events.SchedulePaused, Source: events.Schedule, RunID: c.driver.RunID(), Index: -1})
		}
	}
	c.refresh()
	return err
}

// ScheduleStop stops a running schedule. Counters clear on the next tick.
func (c *Controller) ScheduleStop(now time.Time) error {
	c.now = now
	return c.driver.Stop(now)
}

// Busy reports whether any activation holds the dispenser.
func (c *Controller) Busy() bool {
	return c.session != nil || c.driver.Waiting()
}

// View returns the current display values.
func (c *Controller) View() View {
	snap := c.driver.Snapshot()
	v := View{
		Dispensed:        snap.Dispensed,
		Skipped:          snap.Skipped,
		RemainingMinutes: snap.RemainingMinutes,
		TreatsPerHour:    c.treatsPerHour,
		Hours:            c.hours,
		Running:          snap.Running,
		Paused:           snap.Paused,
		Index:            snap.Index,
		Total:            snap.Total,
		TotalDispensed:   c.total,
	}
	switch {
	case c.session != nil:
		v.Session = c.session.State().String()
		v.SessionKind = string(c.kind)
	case c.driver.Waiting():
		v.Session = c.driver.Session().State().String()
		v.SessionKind = string(events.Schedule)
	}
	return v
}

// Schedule returns the schedule driver's snapshot.
func (c *Controller) Schedule() schedule.Snapshot {
	return c.driver.Snapshot()
}

// claim prepares for a new controller-owned session.
func (c *Controller) claim(now time.Time) error {
	c.now = now
	if c.session != nil {
		return ErrBusy
	}
	if c.driver.Waiting() {
		c.driver.EndWait(now)
	}
	return nil
}

func (c *Controller) begin(kind events.Source, p guidance.Params, now time.Time) *guidance.Session {
	c.cancel.Store(false)
	c.holdUntil = time.Time{}
	p.MotorTimeout = c.cfg.MotorTimeout
	c.kind = kind
	c.session = guidance.New(guidance.Deps{
		Port:  c.deps.Port,
		Motor: c.deps.Motor,
		Audio: c.deps.Audio,
		Log:   c.log.Named(string(kind)),
	}, p, &c.cancel, now)
	return c.session
}

func (c *Controller) finishSession() {
	s, kind := c.session, c.kind
	c.session = nil

	e := events.Event{Source: kind, SessionID: s.ID(), Index: -1}
	switch s.Outcome() {
	case guidance.Dispensed:
		c.total++
		e.Type = events.Dispensed
		withResult(&e, s.Result())
		if kind == events.Manual {
			c.hold()
		}
	case guidance.Skipped:
		e.Type = events.Skipped
	default:
		e.Type = events.Cancelled
	}
	c.emit(e)
}

func (c *Controller) onScheduleStarted(runID string) {
	c.holdUntil = time.Time{}
	c.emit(events.Event{Type: events.ScheduleStarted, Source: events.Schedule, RunID: runID, Index: -1})
}

func (c *Controller) onWaitStarted(index int, s *guidance.Session) {
	c.holdUntil = time.Time{}
	c.emit(events.Event{
		Type:      events.GuidanceStarted,
		Source:    events.Schedule,
		SessionID: s.ID(),
		RunID:     c.driver.RunID(),
		Index:     index,
	})
}

func (c *Controller) onTreat(index int, outcome guidance.Outcome, res motor.Result) {
	e := events.Event{Source: events.Schedule, RunID: c.driver.RunID(), Index: index}
	switch outcome {
	case guidance.Dispensed:
		c.total++
		e.Type = events.Dispensed
		withResult(&e, res)
		if index == 0 {
			c.hold()
		}
	case guidance.Skipped:
		e.Type = events.Skipped
	default:
		e.Type = events.Cancelled
	}
	e.Dispensed = c.driver.Snapshot().Dispensed
	c.emit(e)
}

func (c *Controller) onScheduleFinished(completed bool) {
	t := events.ScheduleStopped
	if completed {
		t = events.ScheduleComplete
	}
	c.holdUntil = time.Time{}
	if c.session == nil {
		c.deps.Motor.FullStop()
	}
	c.emit(events.Event{Type: t, Source: events.Schedule, RunID: c.driver.RunID(), Index: -1})
}

// hold lights the indicator until IndicatorHold has passed.
func (c *Controller) hold() {
	c.indicator(true)
	c.holdUntil = c.now.Add(c.cfg.IndicatorHold)
}

func (c *Controller) indicator(on bool) {
	if err := c.deps.Port.Write(pins.LED, on); err != nil {
		c.log.Warnw("indicator write failed", "err", err)
	}
}

func (c *Controller) emit(e events.Event) {
	if e.Time.IsZero() {
		e.Time = c.now
	}
	c.log.Infow("event",
		"type", string(e.Type),
		"source", string(e.Source),
		"session", e.SessionID,
		"index", e.Index,
	)
	if c.deps.Events != nil {
		c.deps.Events.Notify(e)
	}
}

func (c *Controller) refresh() {
	if c.deps.Display == nil {
		return
	}
	v := c.View()
	if c.hasView && v == c.view {
		return
	}
	c.view, c.hasView = v, true
	c.deps.Display.Refresh(v)
}

func withResult(e *events.Event, r motor.Result) {
	e.Reason = r.Reason.String()
	e.BeamBroken = r.BeamBroken
	e.JamWarning = r.JamWarning
}

// View is what the display shows.
type View struct {
	Dispensed        int
	Skipped          int
	RemainingMinutes int
	TreatsPerHour    int
	Hours            int
	Running          bool
	Paused           bool
	Index            int
	Total            int
	TotalDispensed   int

	// Session is the live guidance state, empty when none is live.
	Session     string
	SessionKind string
}

// TimeLeft renders the remaining time as h:mm while running and as the
// selected hours when idle.
func (v View) TimeLeft() string {
	if !v.Running {
		return fmt.Sprintf("%d:00", v.Hours)
	}
	m := max(v.RemainingMinutes, 0)
	return fmt.Sprintf("%d:%02d", m/60, m%60)
}
