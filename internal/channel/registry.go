// Package channel holds the static description of every controllable light channel.
//
// A Registry is built once at startup from configuration and is read-only
// afterwards, so it is safe for concurrent use without locking.
package channel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownChannel is returned when a caller references an index not in the registry.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrInvalidConfiguration is wrapped by every ConfigurationError.
	ErrInvalidConfiguration = errors.New("invalid channel configuration")
)

// ConfigurationError describes a malformed static channel definition.
// It is fatal at startup.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidConfiguration, strings.Join(e.Problems, "; "))
}

func (e *ConfigurationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// Definition is the static configuration of one channel.
type Definition struct {
	Index     int
	Name      string
	Inputs    []int // input pin offsets
	Outputs   []int // output pin offsets, all driven identically
	DefaultOn bool
}

// Channel is an immutable, validated channel.
type Channel struct {
	index     int
	name      string
	inputs    []int
	outputs   []int
	defaultOn bool
}

func (c Channel) Index() int      { return c.index }
func (c Channel) Name() string    { return c.name }
func (c Channel) DefaultOn() bool { return c.defaultOn }

// Inputs returns a copy of the input pin offsets.
func (c Channel) Inputs() []int {
	return append([]int(nil), c.inputs...)
}

// Outputs returns a copy of the output pin offsets.
func (c Channel) Outputs() []int {
	return append([]int(nil), c.outputs...)
}

// InputCount returns the number of physical inputs wired to the channel.
func (c Channel) InputCount() int {
	return len(c.inputs)
}

// Registry is the read-only lookup of all channels.
type Registry struct {
	byIndex map[int]Channel
	ordered []Channel
}

// NewRegistry validates defs and builds a Registry. Any problem is reported
// as a *ConfigurationError listing every problem found.
func NewRegistry(defs []Definition) (*Registry, error) {
	var problems []string

	if len(defs) == 0 {
		problems = append(problems, "at least one channel is required")
	}

	r := &Registry{byIndex: make(map[int]Channel, len(defs))}
	names := make(map[string]int)
	pins := make(map[int]string)

	claim := func(pin int, owner string) {
		if pin < 0 {
			problems = append(problems, fmt.Sprintf("%s: pin %d is negative", owner, pin))
			return
		}
		if prev, ok := pins[pin]; ok {
			problems = append(problems, fmt.Sprintf("%s: pin %d already used by %s", owner, pin, prev))
			return
		}
		pins[pin] = owner
	}

	for i, d := range defs {
		label := fmt.Sprintf("channels[%d]", i)

		if d.Index < 0 {
			problems = append(problems, fmt.Sprintf("%s: index %d is negative", label, d.Index))
		}
		if _, dup := r.byIndex[d.Index]; dup {
			problems = append(problems, fmt.Sprintf("%s: duplicate index %d", label, d.Index))
			continue
		}
		name := strings.TrimSpace(d.Name)
		if name == "" {
			problems = append(problems, fmt.Sprintf("%s: name is required", label))
		} else if prev, dup := names[name]; dup {
			problems = append(problems, fmt.Sprintf("%s: name %q already used by channel %d", label, name, prev))
		} else {
			names[name] = d.Index
		}
		if len(d.Inputs) == 0 {
			problems = append(problems, fmt.Sprintf("%s: at least one input pin is required", label))
		}
		if len(d.Outputs) == 0 {
			problems = append(problems, fmt.Sprintf("%s: at least one output pin is required", label))
		}
		for _, p := range d.Inputs {
			claim(p, fmt.Sprintf("channel %d input", d.Index))
		}
		for _, p := range d.Outputs {
			claim(p, fmt.Sprintf("channel %d output", d.Index))
		}

		ch := Channel{
			index:     d.Index,
			name:      name,
			inputs:    append([]int(nil), d.Inputs...),
			outputs:   append([]int(nil), d.Outputs...),
			defaultOn: d.DefaultOn,
		}
		r.byIndex[d.Index] = ch
		r.ordered = append(r.ordered, ch)
	}

	if len(problems) > 0 {
		return nil, &ConfigurationError{Problems: problems}
	}

	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].index < r.ordered[j].index })
	return r, nil
}

// ByChannel returns the channel with the given index.
func (r *Registry) ByChannel(index int) (Channel, error) {
	ch, ok := r.byIndex[index]
	if !ok {
		return Channel{}, fmt.Errorf("%w: %d", ErrUnknownChannel, index)
	}
	return ch, nil
}

// All returns every channel ordered by index.
func (r *Registry) All() []Channel {
	return append([]Channel(nil), r.ordered...)
}

// Len returns the number of channels.
func (r *Registry) Len() int {
	return len(r.ordered)
}

// InputPins returns every input pin across all channels.
func (r *Registry) InputPins() []int {
	var out []int
	for _, ch := range r.ordered {
		out = append(out, ch.inputs...)
	}
	return out
}
