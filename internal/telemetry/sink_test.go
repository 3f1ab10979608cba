package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/lightsync/internal/logic"
)

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushed int
}

func (f *fakeWriter) WritePoint(p *write.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
}

func (f *fakeWriter) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
}

var testEvent = logic.Event{
	ID:        "0b4a6c1e",
	Channel:   2,
	Name:      "Lounge",
	State:     logic.StateOn,
	Source:    logic.SourceHTTP,
	Timestamp: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
}

func TestNewPoint(t *testing.T) {
	line := write.PointToLineProtocol(NewPoint(testEvent), time.Second)

	assert.Contains(t, line, "light_state,channel=2,name=Lounge,source=http ")
	assert.Contains(t, line, `event_id="0b4a6c1e"`)
	assert.Contains(t, line, "on=true")
	assert.Contains(t, line, `state="ON"`)
	assert.Contains(t, line, " 1768471200")
}

func TestNotifyWritesPoint(t *testing.T) {
	w := &fakeWriter{}
	s := newSink(w)

	assert.Equal(t, "influxdb", s.Name())
	assert.True(t, s.Reachable())
	require.NoError(t, s.Notify(testEvent))
	require.Len(t, w.points, 1)
	assert.Equal(t, Measurement, w.points[0].Name())
}

func TestCloseFlushesAndStops(t *testing.T) {
	w := &fakeWriter{}
	s := newSink(w)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, w.flushed)
	assert.False(t, s.Reachable())
	assert.ErrorIs(t, s.Notify(testEvent), ErrClosed)
	assert.Empty(t, w.points)
}

func TestConnectUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Connect(context.Background(), Config{URL: srv.URL, Org: "home", Bucket: "lights"})
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestConnectAndWrite(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies = append(bodies, string(body))
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s, err := Connect(context.Background(), Config{URL: srv.URL, Token: "t", Org: "home", Bucket: "lights"})
	require.NoError(t, err)
	require.NoError(t, s.Notify(testEvent))
	require.NoError(t, s.Close())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, bodies)
	assert.Contains(t, bodies[0], "light_state,channel=2")
}
