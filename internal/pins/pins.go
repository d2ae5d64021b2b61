// Package pins abstracts the dispenser's 8-bit digital I/O expander behind
// named, direction-typed signals.
//
// The port is quasi-bidirectional (PCF8574 style): writing 1 releases a line
// high so it can be used as an input, writing 0 drives it low. Input lines
// must therefore always be written as 1.
package pins

import "fmt"

// Signal is a named line on the expander. The value is its bit position.
type Signal uint8

const (
	MotorIN1 Signal = 0 // H-bridge IN1
	MotorIN2 Signal = 1 // H-bridge IN2
	Rotary   Signal = 2 // rotary position switch, high = home
	Button   Signal = 3 // confirmation button / footswitch, low = pressed
	LED      Signal = 4 // status indicator, low = on
	IRTx     Signal = 5 // IR beam emitter enable, low = on
	IRRx     Signal = 6 // IR beam receiver, low = beam broken
	RemoteRx Signal = 7 // remote-trigger receiver, low = active
)

// NumSignals is the width of the port.
const NumSignals = 8

// Direction of a signal.
type Direction int

const (
	Output Direction = iota
	Input
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

type signalInfo struct {
	name      string
	dir       Direction
	activeLow bool
}

var signals = [NumSignals]signalInfo{
	MotorIN1: {"motor_in1", Output, false},
	MotorIN2: {"motor_in2", Output, false},
	Rotary:   {"rotary", Input, false},
	Button:   {"button", Input, true},
	LED:      {"led", Output, true},
	IRTx:     {"ir_tx", Output, true},
	IRRx:     {"ir_rx", Input, true},
	RemoteRx: {"remote_rx", Input, true},
}

// InputMask has a 1 for every input-designated bit.
const InputMask uint8 = 1<<Rotary | 1<<Button | 1<<IRRx | 1<<RemoteRx

// Released is the all-high port value, also the fail-safe read value.
const Released uint8 = 0xFF

// Idle is the safe idle port value: motor lines low, indicator and emitter
// released (off), inputs released.
const Idle uint8 = Released &^ (1<<MotorIN1 | 1<<MotorIN2)

// All returns every signal in bit order.
func All() []Signal {
	out := make([]Signal, NumSignals)
	for i := range out {
		out[i] = Signal(i)
	}
	return out
}

func (s Signal) String() string {
	if int(s) < NumSignals {
		return signals[s].name
	}
	return fmt.Sprintf("signal(%d)", uint8(s))
}

// Direction reports whether s is an input or an output.
func (s Signal) Direction() Direction { return signals[s].dir }

// IsInput reports whether s is input-designated.
func (s Signal) IsInput() bool { return signals[s].dir == Input }

// ActiveLow reports whether s is asserted when the line is low.
func (s Signal) ActiveLow() bool { return signals[s].activeLow }

func (s Signal) mask() uint8 { return 1 << s }

// Levels is one sample of the whole port.
type Levels uint8

// High reports the raw electrical level of s.
func (l Levels) High(s Signal) bool { return uint8(l)&s.mask() != 0 }

// Asserted reports whether s is asserted, honouring its polarity.
func (l Levels) Asserted(s Signal) bool {
	if s.ActiveLow() {
		return !l.High(s)
	}
	return l.High(s)
}

// Change is a requested assertion state for one signal.
type Change struct {
	Signal   Signal
	Asserted bool
}

// Assert returns a Change asserting s.
func Assert(s Signal) Change { return Change{Signal: s, Asserted: true} }

// Deassert returns a Change deasserting s.
func Deassert(s Signal) Change { return Change{Signal: s, Asserted: false} }

// apply returns port with c applied. The caller filters input signals.
func (c Change) apply(port uint8) uint8 {
	high := c.Asserted != c.Signal.ActiveLow()
	if high {
		return port | c.Signal.mask()
	}
	return port &^ c.Signal.mask()
}

// Bus moves whole port bytes to and from the expander. Each call is one bus
// transaction.
type Bus interface {
	ReadPort() (uint8, error)
	WritePort(v uint8) error
}
