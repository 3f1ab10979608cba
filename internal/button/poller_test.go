package button

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/lightsync/internal/channel"
	"github.com/sweeney/lightsync/internal/engine"
	"github.com/sweeney/lightsync/internal/gpio"
	"github.com/sweeney/lightsync/internal/logic"
)

type fakeToggler struct {
	calls []int
	err   error
}

func (f *fakeToggler) Toggle(index int, source logic.Source) (logic.Event, error) {
	f.calls = append(f.calls, index)
	return logic.Event{Channel: index, Source: source}, f.err
}

const (
	window = 50 * time.Millisecond
	period = 30 * time.Millisecond
)

var t0 = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func testChannels(t *testing.T) []channel.Channel {
	t.Helper()
	reg, err := channel.NewRegistry([]channel.Definition{
		{Index: 0, Name: "Kitchen", Inputs: []int{32}, Outputs: []int{23}},
		{Index: 3, Name: "Stairs", Inputs: []int{26, 27}, Outputs: []int{19}},
	})
	require.NoError(t, err)
	return reg.All()
}

// clock advances by the poll period on each call.
type clock struct{ now time.Time }

func (c *clock) next() time.Time {
	c.now = c.now.Add(period)
	return c.now
}

// settle polls enough times for any level to become stable.
func settle(p *Poller, c *clock) []int {
	var all []int
	for i := 0; i < 3; i++ {
		all = append(all, p.Poll(c.next())...)
	}
	return all
}

func TestPollerPressToggles(t *testing.T) {
	chip := gpio.NewFakeChip()
	tog := &fakeToggler{}
	p := NewPoller(testChannels(t), chip, tog, window, false)
	c := &clock{now: t0}

	assert.Empty(t, settle(p, c), "baseline produces no toggle")

	chip.SetInput(32, false)
	assert.Equal(t, []int{0}, settle(p, c))

	// Holding the button does nothing more.
	assert.Empty(t, settle(p, c))

	// Release is recorded but not actioned.
	chip.SetInput(32, true)
	assert.Empty(t, settle(p, c))

	assert.Equal(t, []int{0}, tog.calls)
}

func TestPollerHeldAtStartup(t *testing.T) {
	chip := gpio.NewFakeChip()
	chip.SetInput(32, false)
	tog := &fakeToggler{}
	p := NewPoller(testChannels(t), chip, tog, window, false)
	c := &clock{now: t0}

	assert.Empty(t, settle(p, c))
	assert.Empty(t, tog.calls)
}

func TestPollerBounceBurst(t *testing.T) {
	chip := gpio.NewFakeChip()
	tog := &fakeToggler{}
	p := NewPoller(testChannels(t), chip, tog, window, false)
	c := &clock{now: t0}
	settle(p, c)

	// Bounces faster than the window, then settles pressed.
	chip.Script(32, false, true, false, true, false, false, false, false)
	for i := 0; i < 8; i++ {
		p.Poll(c.next())
	}
	assert.Equal(t, []int{0}, tog.calls)
}

func TestPollerEitherInputTogglesChannel(t *testing.T) {
	chip := gpio.NewFakeChip()
	tog := &fakeToggler{}
	p := NewPoller(testChannels(t), chip, tog, window, false)
	c := &clock{now: t0}
	settle(p, c)

	chip.SetInput(26, false)
	settle(p, c)
	chip.SetInput(27, false)
	settle(p, c)

	assert.Equal(t, []int{3, 3}, tog.calls)
}

func TestPollerPressLevelHigh(t *testing.T) {
	chip := gpio.NewFakeChip()
	chip.SetInput(32, false)
	chip.SetInput(26, false)
	chip.SetInput(27, false)
	tog := &fakeToggler{}
	p := NewPoller(testChannels(t), chip, tog, window, true)
	c := &clock{now: t0}
	settle(p, c)

	chip.SetInput(32, true)
	settle(p, c)
	assert.Equal(t, []int{0}, tog.calls)
}

func TestPollerReadErrorIsAbsenceOfSignal(t *testing.T) {
	chip := gpio.NewFakeChip()
	tog := &fakeToggler{}
	p := NewPoller(testChannels(t), chip, tog, window, false)
	c := &clock{now: t0}
	settle(p, c)

	chip.ReadError = errors.New("line gone")
	chip.SetInput(32, false)
	assert.Empty(t, settle(p, c))

	chip.ReadError = nil
	assert.Equal(t, []int{0}, settle(p, c))
}

func TestPollerWithEngine(t *testing.T) {
	reg, err := channel.NewRegistry([]channel.Definition{
		{Index: 0, Name: "Kitchen", Inputs: []int{32}, Outputs: []int{23}},
	})
	require.NoError(t, err)

	chip := gpio.NewFakeChip()
	eng, err := engine.New(reg, chip, gpio.ActiveHigh)
	require.NoError(t, err)

	p := NewPoller(reg.All(), chip, eng, window, false)
	c := &clock{now: t0}
	settle(p, c)

	for i := 0; i < 2; i++ {
		chip.SetInput(32, false)
		settle(p, c)
		chip.SetInput(32, true)
		settle(p, c)
	}

	st, err := eng.State(0)
	require.NoError(t, err)
	assert.Equal(t, logic.StateOff, st, "two presses return to OFF")

	chip.SetInput(32, false)
	settle(p, c)
	st, _ = eng.State(0)
	assert.Equal(t, logic.StateOn, st)
	high, _ := chip.Output(23)
	assert.True(t, high)
}
