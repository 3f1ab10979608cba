// Package telemetry records every channel state change in InfluxDB.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/sweeney/lightsync/internal/logic"
	"github.com/sweeney/lightsync/internal/metrics"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 50
	defaultFlushInterval  = 5 * time.Second

	// Measurement is the InfluxDB measurement for state changes.
	Measurement = "light_state"
)

var (
	// ErrConnectionFailed is returned when the server cannot be reached at startup.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrClosed is returned by Notify after Close.
	ErrClosed = errors.New("influxdb: sink closed")
)

// Config holds InfluxDB connection settings.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

// pointWriter is the subset of api.WriteAPI the sink uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Sink) { s.recorder = r }
}

// Sink is an engine.Sink writing one point per event. Writes are batched
// by the client library and never block the engine.
type Sink struct {
	client influxdb2.Client
	writer pointWriter

	mu     sync.RWMutex
	closed bool

	logger   *slog.Logger
	recorder metrics.Recorder
}

// Connect pings the server and returns a Sink writing to cfg.Bucket.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Sink, error) {
	batch := cfg.BatchSize
	if batch == 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batch).
			SetFlushInterval(uint(flush.Milliseconds())))

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	s := newSink(writeAPI, opts...)
	s.client = client
	go s.handleWriteErrors(writeAPI.Errors())
	return s, nil
}

func newSink(w pointWriter, opts ...Option) *Sink {
	s := &Sink{
		writer:   w,
		logger:   slog.Default(),
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "telemetry")
	return s
}

func (s *Sink) handleWriteErrors(errs <-chan error) {
	for err := range errs {
		s.recorder.IncSinkFailure(s.Name())
		s.logger.Warn("influxdb write failed", "error", err)
	}
}

// NewPoint converts an event to an InfluxDB point.
func NewPoint(ev logic.Event) *write.Point {
	return write.NewPoint(
		Measurement,
		map[string]string{
			"channel": strconv.Itoa(ev.Channel),
			"name":    ev.Name,
			"source":  string(ev.Source),
		},
		map[string]interface{}{
			"on":       ev.State.On(),
			"state":    string(ev.State),
			"event_id": ev.ID,
		},
		ev.Timestamp,
	)
}

// Name implements engine.Sink.
func (s *Sink) Name() string {
	return "influxdb"
}

// Reachable implements engine.Sink.
func (s *Sink) Reachable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Notify implements engine.Sink.
func (s *Sink) Notify(ev logic.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.writer.WritePoint(NewPoint(ev))
	return nil
}

// Close flushes pending points and releases the client.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writer.Flush()
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
