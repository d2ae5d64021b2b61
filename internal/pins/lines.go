//go:build linux

package pins

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// LineBus presents eight GPIO character-device lines as a port, for builds
// where the dispenser is wired straight to the host header instead of an
// expander. All output lines live in one request so a port write is a single
// SetValues call.
type LineBus struct {
	chip    *gpiocdev.Chip
	outputs *gpiocdev.Lines
	inputs  *gpiocdev.Lines

	outSignals []Signal
	inSignals  []Signal
	last       uint8
}

// OpenLines requests the lines at offsets (indexed by Signal) on chip.
// Outputs start at the safe idle level; inputs are pulled up.
func OpenLines(chipName string, offsets [NumSignals]int) (*LineBus, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	b := &LineBus{chip: chip, last: Idle}
	var outOffsets, inOffsets, initial []int
	for _, s := range All() {
		if s.IsInput() {
			b.inSignals = append(b.inSignals, s)
			inOffsets = append(inOffsets, offsets[s])
			continue
		}
		b.outSignals = append(b.outSignals, s)
		outOffsets = append(outOffsets, offsets[s])
		initial = append(initial, bitValue(Idle, s))
	}

	b.outputs, err = chip.RequestLines(outOffsets, gpiocdev.AsOutput(initial...))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request output lines %v: %w", outOffsets, err)
	}
	b.inputs, err = chip.RequestLines(inOffsets, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		b.outputs.Close()
		chip.Close()
		return nil, fmt.Errorf("request input lines %v: %w", inOffsets, err)
	}
	return b, nil
}

// ReadPort samples the input lines and merges them with the output latches.
func (b *LineBus) ReadPort() (uint8, error) {
	vals := make([]int, len(b.inSignals))
	if err := b.inputs.Values(vals); err != nil {
		return Released, fmt.Errorf("read input lines: %w", err)
	}
	v := b.last | InputMask
	for i, s := range b.inSignals {
		if vals[i] == 0 {
			v &^= s.mask()
		}
	}
	return v, nil
}

// WritePort sets every output line in one request.
func (b *LineBus) WritePort(v uint8) error {
	vals := make([]int, len(b.outSignals))
	for i, s := range b.outSignals {
		vals[i] = bitValue(v, s)
	}
	if err := b.outputs.SetValues(vals); err != nil {
		return fmt.Errorf("set output lines: %w", err)
	}
	b.last = v
	return nil
}

// Close returns the outputs to idle and releases the lines.
func (b *LineBus) Close() error {
	var errs []error
	if b.outputs != nil {
		if err := b.WritePort(Idle); err != nil {
			errs = append(errs, err)
		}
		if err := b.outputs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output lines: %w", err))
		}
	}
	if b.inputs != nil {
		if err := b.inputs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input lines: %w", err))
		}
	}
	if b.chip != nil {
		if err := b.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func bitValue(v uint8, s Signal) int {
	if v&s.mask() != 0 {
		return 1
	}
	return 0
}
