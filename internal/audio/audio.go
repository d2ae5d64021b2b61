// Package audio plays the short cue tone used by guidance sequences.
//
// Tone generation runs on its own goroutine so a cue never delays the tick
// loop or a motor run.
package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/sweeney/treat-dispenser/internal/logger"
)

// Player is the audio collaborator. PlayCue is fire-and-forget.
type Player interface {
	PlayCue()
}

// Tone describes one cue.
type Tone struct {
	Frequency physic.Frequency
	Duration  time.Duration
}

// DefaultTone is a short 1 kHz beep.
var DefaultTone = Tone{Frequency: 1 * physic.KiloHertz, Duration: 200 * time.Millisecond}

// TonePin is the subset of gpio.PinIO the buzzer needs.
type TonePin interface {
	PWM(duty gpio.Duty, f physic.Frequency) error
	Out(l gpio.Level) error
}

// Buzzer drives a piezo buzzer with a PWM square wave.
type Buzzer struct {
	pin  TonePin
	tone Tone
	log  *zap.SugaredLogger

	reqs    chan Tone
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	playing atomic.Bool
	played  atomic.Int64
}

// OpenBuzzer initializes periph.io and opens the named pin (e.g. "GPIO18").
func OpenBuzzer(name string, tone Tone, log *zap.SugaredLogger) (*Buzzer, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("buzzer pin %q not found", name)
	}
	return NewBuzzer(p, tone, log), nil
}

// NewBuzzer starts the tone goroutine for pin.
func NewBuzzer(pin TonePin, tone Tone, log *zap.SugaredLogger) *Buzzer {
	if tone.Frequency <= 0 {
		tone.Frequency = DefaultTone.Frequency
	}
	if tone.Duration <= 0 {
		tone.Duration = DefaultTone.Duration
	}
	b := &Buzzer{
		pin:  pin,
		tone: tone,
		log:  logger.OrNop(log),
		reqs: make(chan Tone, 1),
		done: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// PlayCue queues the cue tone. If a cue is already queued the call is a
// no-op.
func (b *Buzzer) PlayCue() {
	select {
	case b.reqs <- b.tone:
	default:
	}
}

// Playing reports whether a tone is currently sounding.
func (b *Buzzer) Playing() bool { return b.playing.Load() }

// Played returns the number of tones completed.
func (b *Buzzer) Played() int64 { return b.played.Load() }

// Close silences the buzzer and stops the goroutine.
func (b *Buzzer) Close() error {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
	return nil
}

func (b *Buzzer) run() {
	defer b.wg.Done()
	defer b.silence()
	for {
		select {
		case <-b.done:
			return
		case t := <-b.reqs:
			if !b.play(t) {
				return
			}
		}
	}
}

// play sounds t and reports false if the buzzer was closed meanwhile.
func (b *Buzzer) play(t Tone) bool {
	if err := b.pin.PWM(gpio.DutyHalf, t.Frequency); err != nil {
		b.log.Warnw("buzzer pwm failed", "err", err)
		return true
	}
	b.playing.Store(true)
	timer := time.NewTimer(t.Duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		b.silence()
		b.played.Add(1)
		return true
	case <-b.done:
		return false
	}
}

func (b *Buzzer) silence() {
	b.playing.Store(false)
	if err := b.pin.Out(gpio.Low); err != nil {
		b.log.Warnw("buzzer silence failed", "err", err)
	}
}

// Nop is a Player that does nothing, for builds without a buzzer.
type Nop struct{}

// PlayCue does nothing.
func (Nop) PlayCue() {}

// FakePlayer records cues for tests.
type FakePlayer struct {
	mu    sync.Mutex
	Cues  int
	times []time.Time
	now   func() time.Time
}

// NewFakePlayer creates a FakePlayer. If now is non-nil each cue's time is
// recorded.
func NewFakePlayer(now func() time.Time) *FakePlayer {
	return &FakePlayer{now: now}
}

// PlayCue records a cue.
func (f *FakePlayer) PlayCue() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cues++
	if f.now != nil {
		f.times = append(f.times, f.now())
	}
}

// Count returns the number of cues played.
func (f *FakePlayer) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Cues
}

// Times returns the recorded cue times.
func (f *FakePlayer) Times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.times...)
}
