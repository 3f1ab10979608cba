package live

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/lightsync/internal/channel"
	"github.com/sweeney/lightsync/internal/engine"
	"github.com/sweeney/lightsync/internal/gpio"
	"github.com/sweeney/lightsync/internal/logic"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	reg, err := channel.NewRegistry([]channel.Definition{
		{Index: 0, Name: "Kitchen", Inputs: []int{32}, Outputs: []int{23}, DefaultOn: true},
		{Index: 1, Name: "Hall", Inputs: []int{33}, Outputs: []int{22}},
	})
	require.NoError(t, err)
	eng, err := engine.New(reg, gpio.NewFakeChip(), gpio.ActiveHigh)
	require.NoError(t, err)
	return eng
}

func receive(t *testing.T, l *Listener) Update {
	t.Helper()
	select {
	case u, ok := <-l.C():
		require.True(t, ok, "listener closed")
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func TestReplayBeforeRealtime(t *testing.T) {
	eng := newEngine(t)
	b := NewBroadcaster(eng)
	eng.AddSink(b)

	l, unsubscribe := b.Subscribe("test")
	defer unsubscribe()

	_, err := eng.SetState(1, true, logic.SourceHTTP)
	require.NoError(t, err)

	first := receive(t, l)
	second := receive(t, l)
	third := receive(t, l)

	assert.True(t, first.Replay)
	assert.Equal(t, 0, first.Channel)
	assert.Equal(t, logic.StateOn, first.State)

	assert.True(t, second.Replay)
	assert.Equal(t, 1, second.Channel)
	assert.Equal(t, logic.StateOff, second.State)

	assert.False(t, third.Replay)
	assert.Equal(t, 1, third.Channel)
	assert.Equal(t, logic.StateOn, third.State)
	assert.Equal(t, "http", third.Source)
	assert.NotEmpty(t, third.ID)
}

func TestSubscribeDuringChanges(t *testing.T) {
	eng := newEngine(t)
	b := NewBroadcaster(eng, WithBufferSize(1024))
	eng.AddSink(b)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = eng.Toggle(1, logic.SourceHTTP)
		}
	}()

	l, unsubscribe := b.Subscribe("test")
	wg.Wait()
	unsubscribe()

	// Whatever interleaving happened, the last update seen for channel 1
	// matches the final state.
	var last logic.State
	for u := range l.C() {
		if u.Channel == 1 {
			last = u.State
		}
	}
	final, err := eng.State(1)
	require.NoError(t, err)
	assert.Equal(t, final, last)
}

func TestSlowListenerDisconnected(t *testing.T) {
	eng := newEngine(t)
	b := NewBroadcaster(eng, WithBufferSize(1))
	eng.AddSink(b)

	l, unsubscribe := b.Subscribe("test")
	defer unsubscribe()
	fast, unsubscribeFast := b.Subscribe("test")
	defer unsubscribeFast()

	// Drain the fast listener's replay so it has room.
	receive(t, fast)
	receive(t, fast)

	_, err := eng.SetState(0, false, logic.SourceHTTP)
	require.NoError(t, err)
	receive(t, fast)
	_, err = eng.SetState(0, true, logic.SourceHTTP)
	require.NoError(t, err)

	// Slow listener: 2 replays + 1 update fit, the second update does not.
	var got []Update
	for u := range l.C() {
		got = append(got, u)
	}
	assert.Len(t, got, 3)
	assert.Equal(t, 1, b.Count(), "slow listener removed")

	u := receive(t, fast)
	assert.Equal(t, logic.StateOn, u.State)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := NewBroadcaster(newEngine(t))
	_, unsubscribe := b.Subscribe("test")
	assert.Equal(t, 1, b.Count())

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, b.Count())
}

func TestCloseDisconnectsAll(t *testing.T) {
	b := NewBroadcaster(newEngine(t))
	l1, _ := b.Subscribe("sse")
	l2, _ := b.Subscribe("ws")

	b.Close()
	assert.Equal(t, 0, b.Count())

	for _, l := range []*Listener{l1, l2} {
		n := 0
		for range l.C() {
			n++
		}
		assert.Equal(t, 2, n, "replay still readable after close")
	}
}

func TestSinkContract(t *testing.T) {
	b := NewBroadcaster(newEngine(t))
	assert.Equal(t, "live", b.Name())
	assert.True(t, b.Reachable())
	assert.NoError(t, b.Notify(logic.Event{Channel: 0, State: logic.StateOn}))
}

func TestFormatSSE(t *testing.T) {
	assert.Equal(t, "event: update\ndata: channel2:ON\n\n",
		FormatSSE(Update{Channel: 2, State: logic.StateOn, Replay: true}))
	assert.Equal(t, "id: abc\nevent: update\ndata: channel0:OFF\n\n",
		FormatSSE(Update{ID: "abc", Channel: 0, State: logic.StateOff}))
}

// readSSEEvent reads one blank-line terminated SSE block.
func readSSEEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var sb strings.Builder
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			return sb.String()
		}
		sb.WriteString(line)
	}
}

func TestSSEHandler(t *testing.T) {
	eng := newEngine(t)
	b := NewBroadcaster(eng)
	eng.AddSink(b)

	srv := httptest.NewServer(b.SSEHandler(time.Hour))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	assert.Equal(t, "retry: 1000\n", readSSEEvent(t, r))
	assert.Equal(t, "event: update\ndata: channel0:ON\n", readSSEEvent(t, r))
	assert.Equal(t, "event: update\ndata: channel1:OFF\n", readSSEEvent(t, r))

	ev, err := eng.SetState(1, true, logic.SourceButton)
	require.NoError(t, err)
	assert.Equal(t, "id: "+ev.ID+"\nevent: update\ndata: channel1:ON\n", readSSEEvent(t, r))
}

func TestWebSocketHandler(t *testing.T) {
	eng := newEngine(t)
	b := NewBroadcaster(eng)
	eng.AddSink(b)

	srv := httptest.NewServer(b.WebSocketHandler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	readUpdate := func() Update {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var u Update
		require.NoError(t, json.Unmarshal(data, &u))
		return u
	}

	r0 := readUpdate()
	r1 := readUpdate()
	assert.True(t, r0.Replay && r1.Replay)
	assert.Equal(t, logic.StateOn, r0.State)
	assert.Equal(t, "Hall", r1.Name)

	_, err = eng.Toggle(0, logic.SourceMQTT)
	require.NoError(t, err)

	u := readUpdate()
	assert.False(t, u.Replay)
	assert.Equal(t, 0, u.Channel)
	assert.Equal(t, logic.StateOff, u.State)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return b.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
