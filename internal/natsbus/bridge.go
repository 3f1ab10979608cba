// Package natsbus mirrors light channels onto NATS subjects.
//
//	<root>.<N>.command  inbound "ON" | "OFF"
//	<root>.<N>.state    outbound "ON" | "OFF"
//
// Subscriptions survive reconnects inside the client library; every
// (re)connect re-asserts all channel states.
package natsbus

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sweeney/lightsync/internal/engine"
	"github.com/sweeney/lightsync/internal/logic"
	"github.com/sweeney/lightsync/internal/metrics"
)

// DefaultRoot is the subject root used when none is configured.
const DefaultRoot = "lightsync"

// ErrInvalidPayload is returned for a command payload other than "ON" or "OFF".
var ErrInvalidPayload = errors.New("nats: invalid command payload")

// Subjects builds every subject under a root.
type Subjects struct {
	Root string
}

func (s Subjects) Command(channel int) string {
	return s.root() + "." + strconv.Itoa(channel) + ".command"
}

func (s Subjects) State(channel int) string {
	return s.root() + "." + strconv.Itoa(channel) + ".state"
}

func (s Subjects) root() string {
	if s.Root == "" {
		return DefaultRoot
	}
	return s.Root
}

// Engine is the part of the toggle engine the bridge drives.
type Engine interface {
	SetState(index int, on bool, source logic.Source) (logic.Event, error)
	ReassertAll(source logic.Source) error
}

// conn is the subset of *nats.Conn the bridge uses.
type conn interface {
	IsConnected() bool
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	Root          string
	ReconnectWait time.Duration
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(b *Bridge) { b.recorder = r }
}

// WithConnectionHandler registers a callback for connectivity changes.
func WithConnectionHandler(f func(connected bool)) Option {
	return func(b *Bridge) { b.onConnection = f }
}

// Bridge is both a command adapter and an engine.Sink.
type Bridge struct {
	cfg      Config
	subjects Subjects
	channels []int
	engine   Engine

	mu   sync.RWMutex
	conn conn

	// firstConnect runs the resync for the initial connection exactly once,
	// whether Dial or the connect handler sees it first.
	firstConnect sync.Once

	onConnection func(connected bool)
	logger       *slog.Logger
	recorder     metrics.Recorder
}

// NewBridge creates an unconnected bridge for the given channel indices.
func NewBridge(cfg Config, channels []int, eng Engine, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:      cfg,
		subjects: Subjects{Root: cfg.Root},
		channels: append([]int(nil), channels...),
		engine:   eng,
		logger:   slog.Default(),
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "nats")
	return b
}

// Dial connects to the NATS server and subscribes to every command subject.
// A server that is down at startup is retried in the background.
func (b *Bridge) Dial() error {
	wait := b.cfg.ReconnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	nc, err := nats.Connect(b.cfg.URL,
		nats.Name(b.cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.ConnectHandler(func(*nats.Conn) { b.handleFirstConnect() }),
		nats.ReconnectHandler(func(*nats.Conn) { b.handleConnect() }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { b.handleDisconnect(err) }),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if err := b.attach(nc); err != nil {
		nc.Close()
		return err
	}
	if nc.IsConnected() {
		b.handleFirstConnect()
	} else {
		b.logger.Warn("NATS server not reachable yet, retrying in background", "url", b.cfg.URL)
	}
	return nil
}

// attach stores c and subscribes to every command subject.
func (b *Bridge) attach(c conn) error {
	b.mu.Lock()
	b.conn = c
	b.mu.Unlock()

	for _, index := range b.channels {
		subj := b.subjects.Command(index)
		if _, err := c.Subscribe(subj, func(msg *nats.Msg) {
			if err := b.handleCommand(index, msg.Data); err != nil {
				b.logger.Warn("command rejected", "subject", msg.Subject, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", subj, err)
		}
	}
	return nil
}

// handleFirstConnect resyncs after the initial connection. The connect
// handler can fire before Dial has attached the connection; in that case Dial
// does the resync once attach returns.
func (b *Bridge) handleFirstConnect() {
	b.mu.RLock()
	attached := b.conn != nil
	b.mu.RUnlock()
	if !attached {
		return
	}
	b.firstConnect.Do(b.handleConnect)
}

func (b *Bridge) handleConnect() {
	b.logger.Info("connected to NATS", "url", b.cfg.URL)
	b.notifyConnection(true)
	if err := b.engine.ReassertAll(logic.SourceResync); err != nil {
		b.logger.Warn("resync after connect", "error", err)
	}
}

func (b *Bridge) handleDisconnect(err error) {
	b.logger.Warn("disconnected from NATS", "error", err)
	b.notifyConnection(false)
}

func (b *Bridge) notifyConnection(connected bool) {
	b.recorder.SetBusConnected("nats", connected)
	if b.onConnection != nil {
		b.onConnection(connected)
	}
}

func (b *Bridge) handleCommand(index int, data []byte) error {
	st, err := logic.ParseState(string(data))
	if err != nil {
		b.recorder.IncCommandRejected("nats", "invalid_payload")
		return fmt.Errorf("%w: %q", ErrInvalidPayload, data)
	}
	_, err = b.engine.SetState(index, st.On(), logic.SourceNATS)
	if err != nil && !errors.Is(err, engine.ErrSinkUnreachable) {
		return fmt.Errorf("set channel %d: %w", index, err)
	}
	return nil
}

// Name implements engine.Sink.
func (b *Bridge) Name() string {
	return "nats"
}

// Reachable implements engine.Sink.
func (b *Bridge) Reachable() bool {
	return b.IsConnected()
}

// IsConnected reports whether the server connection is up.
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil && b.conn.IsConnected()
}

// Notify publishes the channel state. Publishing only buffers locally.
func (b *Bridge) Notify(ev logic.Event) error {
	b.mu.RLock()
	c := b.conn
	b.mu.RUnlock()
	if c == nil {
		return nats.ErrConnectionClosed
	}
	return c.Publish(b.subjects.State(ev.Channel), []byte(ev.State))
}

// Close drains pending messages and closes the connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	c := b.conn
	b.conn = nil
	b.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Drain()
}
