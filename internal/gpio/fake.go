package gpio

import (
	"fmt"
	"sync"
)

// PinWrite records a single output write.
type PinWrite struct {
	Pin  int
	High bool
}

// FakeChip is a test double that returns scripted input levels and records
// output writes. It is safe for concurrent use.
type FakeChip struct {
	mu sync.Mutex

	// scripts holds per-pin input samples; each Read consumes the next one
	// and the last one repeats once exhausted.
	scripts map[int][]bool
	index   map[int]int

	// inputs holds the level for pins without a script (default high, the
	// pull-up idle level).
	inputs map[int]bool

	outputs map[int]bool
	writes  []PinWrite

	// ReadError, if set, will be returned by Read().
	ReadError error

	// WriteError, if set, will be returned by Write().
	WriteError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeChip creates an empty FakeChip.
func NewFakeChip() *FakeChip {
	return &FakeChip{
		scripts: make(map[int][]bool),
		index:   make(map[int]int),
		inputs:  make(map[int]bool),
		outputs: make(map[int]bool),
	}
}

// Script sets the sequence of levels returned for pin.
func (f *FakeChip) Script(pin int, levels ...bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[pin] = levels
	f.index[pin] = 0
}

// SetInput fixes the level returned for pin and drops any script.
func (f *FakeChip) SetInput(pin int, high bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scripts, pin)
	f.inputs[pin] = high
}

// Read returns the next scripted level for pin.
func (f *FakeChip) Read(pin int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReadError != nil {
		return false, f.ReadError
	}

	if script, ok := f.scripts[pin]; ok {
		if len(script) == 0 {
			return false, fmt.Errorf("no samples configured for pin %d", pin)
		}
		i := f.index[pin]
		if i < len(script)-1 {
			f.index[pin] = i + 1
		}
		return script[i], nil
	}

	if high, ok := f.inputs[pin]; ok {
		return high, nil
	}
	return true, nil
}

// Write records the output level.
func (f *FakeChip) Write(pin int, high bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.WriteError != nil {
		return f.WriteError
	}
	f.outputs[pin] = high
	f.writes = append(f.writes, PinWrite{Pin: pin, High: high})
	return nil
}

// Output returns the last level written to pin and whether it was ever written.
func (f *FakeChip) Output(pin int) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	high, ok := f.outputs[pin]
	return high, ok
}

// Writes returns a copy of all recorded writes in order.
func (f *FakeChip) Writes() []PinWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PinWrite(nil), f.writes...)
}

// ResetWrites clears the recorded writes but keeps output levels.
func (f *FakeChip) ResetWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
}

// Close marks the chip as closed.
func (f *FakeChip) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
