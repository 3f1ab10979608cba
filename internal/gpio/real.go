//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealChip reads and drives GPIO on actual hardware using Linux GPIO character device.
type RealChip struct {
	chip    *gpiocdev.Chip
	inputs  map[int]*gpiocdev.Line
	outputs map[int]*gpiocdev.Line
}

// NewRealChip requests inputPins as inputs with pull-up bias and outputPins as
// outputs driven to their initial levels.
func NewRealChip(name string, inputPins []int, initial map[int]bool) (*RealChip, error) {
	chip, err := gpiocdev.NewChip(name)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", name, err)
	}

	r := &RealChip{
		chip:    chip,
		inputs:  make(map[int]*gpiocdev.Line, len(inputPins)),
		outputs: make(map[int]*gpiocdev.Line, len(initial)),
	}

	for _, pin := range inputPins {
		line, err := chip.RequestLine(pin, gpiocdev.AsInput, gpiocdev.WithPullUp)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("request input pin %d: %w", pin, err)
		}
		r.inputs[pin] = line
	}

	for pin, high := range initial {
		line, err := chip.RequestLine(pin, gpiocdev.AsOutput(levelValue(high)))
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("request output pin %d: %w", pin, err)
		}
		r.outputs[pin] = line
	}

	return r, nil
}

// NewInputChip requests only input lines. Used for one-shot diagnostics.
func NewInputChip(name string, inputPins []int) (*RealChip, error) {
	return NewRealChip(name, inputPins, nil)
}

// Read returns the raw level of an input pin.
func (r *RealChip) Read(pin int) (bool, error) {
	line, ok := r.inputs[pin]
	if !ok {
		return false, fmt.Errorf("pin %d not requested as input", pin)
	}
	v, err := line.Value()
	if err != nil {
		return false, fmt.Errorf("read pin %d: %w", pin, err)
	}
	return v != 0, nil
}

// Write drives an output pin.
func (r *RealChip) Write(pin int, high bool) error {
	line, ok := r.outputs[pin]
	if !ok {
		return fmt.Errorf("pin %d not requested as output", pin)
	}
	if err := line.SetValue(levelValue(high)); err != nil {
		return fmt.Errorf("write pin %d: %w", pin, err)
	}
	return nil
}

// Close releases GPIO resources.
// Input lines are reconfigured back to pull-up before closing so a floating
// button does not read as pressed across a restart.
func (r *RealChip) Close() error {
	var errs []error

	for pin, line := range r.inputs {
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullUp); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure input pin %d: %w", pin, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input pin %d: %w", pin, err))
		}
	}
	for pin, line := range r.outputs {
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output pin %d: %w", pin, err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func levelValue(high bool) int {
	if high {
		return 1
	}
	return 0
}
