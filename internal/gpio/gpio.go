// Package gpio provides GPIO input reading and output driving with hardware abstraction.
// The real implementation uses Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"fmt"
	"strings"
)

// Reader reads raw input levels (true = high).
// Inputs use the pull-up convention: an un-pressed button reads high.
type Reader interface {
	Read(pin int) (bool, error)
}

// Writer drives raw output levels (true = high).
type Writer interface {
	Write(pin int, high bool) error
}

// Chip is a GPIO chip with requested input and output lines.
type Chip interface {
	Reader
	Writer

	// Close releases GPIO resources.
	Close() error
}

// DefaultChip is the gpiochip on a Raspberry Pi header.
const DefaultChip = "gpiochip0"

// Polarity maps a logical ON/OFF to a physical output level.
type Polarity int

const (
	// ActiveHigh drives the pin high for ON.
	ActiveHigh Polarity = iota + 1
	// ActiveLow drives the pin low for ON (common on relay boards).
	ActiveLow
)

// Level returns the physical level for the logical state.
func (p Polarity) Level(on bool) bool {
	if p == ActiveLow {
		return !on
	}
	return on
}

func (p Polarity) String() string {
	switch p {
	case ActiveHigh:
		return "high"
	case ActiveLow:
		return "low"
	}
	return "unset"
}

// ParsePolarity parses "high" or "low".
func ParsePolarity(s string) (Polarity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return ActiveHigh, nil
	case "low":
		return ActiveLow, nil
	}
	return 0, fmt.Errorf("invalid polarity %q (want high or low)", s)
}

// ParseLevel parses "high" or "low" into a raw level.
func ParseLevel(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return true, nil
	case "low":
		return false, nil
	}
	return false, fmt.Errorf("invalid level %q (want high or low)", s)
}

// LevelString formats a raw level.
func LevelString(high bool) string {
	if high {
		return "HIGH"
	}
	return "LOW"
}
