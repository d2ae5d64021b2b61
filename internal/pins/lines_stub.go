//go:build !linux

package pins

import "errors"

// LineBus is not available on non-Linux platforms.
type LineBus struct{}

// OpenLines returns an error on non-Linux platforms.
func OpenLines(chipName string, offsets [NumSignals]int) (*LineBus, error) {
	return nil, errors.New("pins: gpio lines not supported on this platform (requires Linux)")
}

// ReadPort is not implemented on non-Linux platforms.
func (b *LineBus) ReadPort() (uint8, error) {
	return Released, errors.New("pins: gpio lines not supported")
}

// WritePort is not implemented on non-Linux platforms.
func (b *LineBus) WritePort(v uint8) error {
	return errors.New("pins: gpio lines not supported")
}

// Close is a no-op on non-Linux platforms.
func (b *LineBus) Close() error {
	return nil
}
