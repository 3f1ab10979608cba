//go:build !linux

package gpio

import "errors"

// RealChip is not available on non-Linux platforms.
type RealChip struct{}

// NewRealChip returns an error on non-Linux platforms.
func NewRealChip(name string, inputPins []int, initial map[int]bool) (*RealChip, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// NewInputChip returns an error on non-Linux platforms.
func NewInputChip(name string, inputPins []int) (*RealChip, error) {
	return NewRealChip(name, inputPins, nil)
}

// Read is not implemented on non-Linux platforms.
func (r *RealChip) Read(pin int) (bool, error) {
	return false, errors.New("gpio: not supported")
}

// Write is not implemented on non-Linux platforms.
func (r *RealChip) Write(pin int, high bool) error {
	return errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (r *RealChip) Close() error {
	return nil
}
