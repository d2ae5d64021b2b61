package pins

import (
	"errors"
	"sync"
)

// FakeBus is a test double for an expander. Reads return scripted input
// levels merged with the last written output bits; writes are recorded.
type FakeBus struct {
	mu sync.Mutex

	// Samples contains scripted port values to return. Each ReadPort consumes
	// the next sample; once exhausted the last sample repeats. When empty,
	// Live is returned.
	Samples []uint8
	index   int

	// Live is the input value returned when no Samples are scripted.
	Live uint8

	// ReadFunc, if set, overrides Samples and Live.
	ReadFunc func() uint8

	// Writes contains every value passed to WritePort.
	Writes []uint8

	// ReadError and WriteError, if set, are returned by the matching call.
	ReadError  error
	WriteError error

	// Reads counts ReadPort calls.
	Reads int

	Closed bool
}

// NewFakeBus returns a FakeBus with every input released.
func NewFakeBus() *FakeBus {
	return &FakeBus{Live: Released}
}

// ReadPort returns the next scripted input value.
func (f *FakeBus) ReadPort() (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reads++
	if f.ReadError != nil {
		return 0, f.ReadError
	}

	var in uint8
	switch {
	case f.ReadFunc != nil:
		in = f.ReadFunc()
	case len(f.Samples) > 0:
		in = f.Samples[f.index]
		if f.index < len(f.Samples)-1 {
			f.index++
		}
	default:
		in = f.Live
	}

	out := Released
	if len(f.Writes) > 0 {
		out = f.Writes[len(f.Writes)-1]
	}
	return in&InputMask | out&^InputMask, nil
}

// WritePort records v.
func (f *FakeBus) WritePort(v uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	f.Writes = append(f.Writes, v)
	return nil
}

// SetLive sets the input value returned when no samples are scripted.
func (f *FakeBus) SetLive(v uint8) {
	f.mu.Lock()
	f.Live = v
	f.mu.Unlock()
}

// SetInput sets the raw level of one input line in Live.
func (f *FakeBus) SetInput(s Signal, high bool) {
	f.mu.Lock()
	if high {
		f.Live |= s.mask()
	} else {
		f.Live &^= s.mask()
	}
	f.mu.Unlock()
}

// SetAsserted sets one input line in Live to its asserted or released level.
func (f *FakeBus) SetAsserted(s Signal, asserted bool) {
	f.SetInput(s, asserted != s.ActiveLow())
}

// LastWrite returns the most recent written value.
func (f *FakeBus) LastWrite() (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Writes) == 0 {
		return 0, errors.New("no writes recorded")
	}
	return f.Writes[len(f.Writes)-1], nil
}

// WriteCount returns the number of recorded writes.
func (f *FakeBus) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Writes)
}

// Asserted reports whether output s is asserted in the last written value.
// It reports false when nothing has been written.
func (f *FakeBus) Asserted(s Signal) bool {
	v, err := f.LastWrite()
	if err != nil {
		return false
	}
	return Levels(v).Asserted(s)
}

// Close marks the bus as closed.
func (f *FakeBus) Close() error {
	f.Closed = true
	return nil
}

// Reset clears recorded writes and rewinds Samples.
func (f *FakeBus) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index = 0
	f.Writes = nil
	f.Reads = 0
	f.Closed = false
}
