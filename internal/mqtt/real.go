package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/lightsync/internal/engine"
	"github.com/sweeney/lightsync/internal/logic"
	"github.com/sweeney/lightsync/internal/metrics"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultQueueSize         = 256
)

// Engine is the part of the toggle engine the bridge drives.
type Engine interface {
	SetState(index int, on bool, source logic.Source) (logic.Event, error)
	ReassertAll(source logic.Source) error
}

// Client is the subset of paho.Client the bridge uses. FakeClient
// implements it for tests.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Disconnect(quiesce uint)
}

// Config holds broker connection settings.
type Config struct {
	Broker   string // e.g. tcp://192.168.1.200:1883
	ClientID string
	Username string
	Password string
	Root     string
	QoS      byte

	ConnectRetryInterval time.Duration
	MaxReconnectInterval time.Duration
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

// WithQueueSize sets how many state publishes may wait for the broker before
// further ones are dropped.
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithClock sets the time source for availability payloads.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// Bridge is both a command adapter (broker → engine) and an engine.Sink
// (engine → broker).
type Bridge struct {
	cfg      Config
	topics   Topics
	channels []int
	engine   Engine

	client Client

	connected bool
	connMu    sync.RWMutex

	// State publishes go through outbox so Notify never waits on the client.
	queueSize int
	outbox    chan outbound
	stop      chan struct{}
	stopOnce  sync.Once

	onConnection func(connected bool)
	logger       *slog.Logger
	recorder     metrics.Recorder
	now          func() time.Time
}

// NewBridge creates an unconnected bridge for the given channel indices.
// Call Dial to connect.
func NewBridge(cfg Config, channels []int, eng Engine, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:       cfg,
		topics:    Topics{Root: cfg.Root},
		channels:  append([]int(nil), channels...),
		engine:    eng,
		queueSize: defaultQueueSize,
		stop:      make(chan struct{}),
		logger:    slog.Default(),
		recorder:  metrics.NoopRecorder{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "mqtt")
	b.outbox = make(chan outbound, b.queueSize)
	go b.publishLoop()
	return b
}

// outbound is one queued state publish, or a flush marker when flushed is set.
type outbound struct {
	topic   string
	payload string
	flushed chan struct{}
}

// Topics returns the topic builder in use.
func (b *Bridge) Topics() Topics {
	return b.topics
}

// Dial connects to the broker. Reconnection is handled by the client library
// in the background; if the broker is not reachable within the connect
// timeout Dial returns nil and the bridge keeps retrying.
func (b *Bridge) Dial() error {
	opts := b.clientOptions()
	client := paho.NewClient(opts)
	b.Attach(client)

	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		b.logger.Warn("broker not reachable yet, retrying in background", "broker", b.cfg.Broker)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

func (b *Bridge) clientOptions() *paho.ClientOptions {
	retry := b.cfg.ConnectRetryInterval
	if retry <= 0 {
		retry = 5 * time.Second
	}

	opts := paho.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(retry).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive).
		SetWriteTimeout(defaultWriteTimeout).
		SetOrderMatters(false)

	if b.cfg.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(b.cfg.MaxReconnectInterval)
	}
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}

	lwt := availabilityPayload("OFFLINE", b.cfg.ClientID, "unexpected_disconnect", b.now())
	opts.SetBinaryWill(b.topics.System(), lwt, 1, true)

	opts.SetOnConnectHandler(func(_ paho.Client) {
		b.HandleConnect()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		b.HandleConnectionLost(err)
	})
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		b.logger.Info("reconnecting to broker", "broker", b.cfg.Broker)
	})
	return opts
}

// Attach sets the underlying client without connecting. Dial calls it with
// a real paho client; tests pass a FakeClient and drive HandleConnect.
func (b *Bridge) Attach(c Client) {
	b.client = c
}

// HandleConnect runs on every successful (re)connect: it subscribes to every
// command topic, announces ONLINE and then re-asserts every channel so the
// retained state topics match the pins.
func (b *Bridge) HandleConnect() {
	b.setConnected(true)
	b.logger.Info("connected to broker", "broker", b.cfg.Broker)

	b.subscribeAll()

	payload := availabilityPayload("ONLINE", b.cfg.ClientID, "", b.now())
	b.awaitAsync(b.client.Publish(b.topics.System(), b.cfg.QoS, true, payload), b.topics.System())

	if err := b.engine.ReassertAll(logic.SourceResync); err != nil {
		b.logger.Warn("resync after connect", "error", err)
	}
}

// HandleConnectionLost marks the bridge unreachable. The client library
// reconnects on its own.
func (b *Bridge) HandleConnectionLost(err error) {
	b.setConnected(false)
	b.logger.Warn("connection to broker lost", "error", err)
}

func (b *Bridge) subscribeAll() {
	for _, index := range b.channels {
		topic := b.topics.Command(index)
		token := b.client.Subscribe(topic, b.cfg.QoS, b.wrapHandler(index))
		if !token.WaitTimeout(defaultPublishTimeout) {
			b.logger.Warn("subscribe timeout", "topic", topic)
			continue
		}
		if err := token.Error(); err != nil {
			b.logger.Warn("subscribe failed", "topic", topic, "error", err)
		}
	}
}

// wrapHandler binds a command topic to its channel and recovers from panics
// so one bad message never takes down the client's router.
func (b *Bridge) wrapHandler(index int) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()

		if err := b.handleCommand(index, msg.Payload()); err != nil {
			b.logger.Warn("command rejected", "topic", msg.Topic(), "error", err)
		}
	}
}

func (b *Bridge) handleCommand(index int, payload []byte) error {
	st, err := logic.ParseState(string(payload))
	if err != nil {
		b.recorder.IncCommandRejected("mqtt", "invalid_payload")
		return fmt.Errorf("%w: %q", ErrInvalidPayload, payload)
	}

	_, err = b.engine.SetState(index, st.On(), logic.SourceMQTT)
	if err != nil && !errors.Is(err, engine.ErrSinkUnreachable) {
		return fmt.Errorf("set channel %d: %w", index, err)
	}
	return nil
}

// Name implements engine.Sink.
func (b *Bridge) Name() string {
	return "mqtt"
}

// Reachable implements engine.Sink.
func (b *Bridge) Reachable() bool {
	return b.IsConnected()
}

// Notify queues the channel state for a retained publish and returns without
// touching the client. When the queue is full the update is dropped; the
// resync on the next connect restores the retained state.
func (b *Bridge) Notify(ev logic.Event) error {
	select {
	case b.outbox <- outbound{topic: b.topics.State(ev.Channel), payload: string(ev.State)}:
		return nil
	default:
		b.recorder.IncSinkFailure("mqtt")
		return fmt.Errorf("%w: channel %d %s", ErrQueueFull, ev.Channel, ev.State)
	}
}

// publishLoop hands queued state publishes to the client in order.
func (b *Bridge) publishLoop() {
	for {
		select {
		case m := <-b.outbox:
			if m.flushed != nil {
				close(m.flushed)
				continue
			}
			b.awaitAsync(b.client.Publish(m.topic, b.cfg.QoS, true, m.payload), m.topic)
		case <-b.stop:
			return
		}
	}
}

// Flush waits until every state publish queued before the call has been
// handed to the client.
func (b *Bridge) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case b.outbox <- outbound{flushed: done}:
	case <-b.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-b.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) awaitAsync(token paho.Token, topic string) {
	go func() {
		if !token.WaitTimeout(defaultPublishTimeout) {
			b.recorder.IncSinkFailure("mqtt")
			b.logger.Warn("publish timeout", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			b.recorder.IncSinkFailure("mqtt")
			b.logger.Warn("publish failed", "topic", topic, "error", err)
		}
	}()
}

// PublishSystem sends a system lifecycle event and waits for the broker.
func (b *Bridge) PublishSystem(event SystemEvent) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once) for lifecycle events
	token := b.client.Publish(b.topics.System(), 1, event.Retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("publish system: %w", ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish system: %w", err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (b *Bridge) IsConnected() bool {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	return b.connected && b.client != nil && b.client.IsConnected()
}

func (b *Bridge) setConnected(v bool) {
	b.connMu.Lock()
	b.connected = v
	b.connMu.Unlock()

	b.recorder.SetBusConnected("mqtt", v)
	if b.onConnection != nil {
		b.onConnection(v)
	}
}

// Close drains queued state publishes, announces a graceful OFFLINE and
// disconnects.
func (b *Bridge) Close() error {
	if b.client == nil {
		b.stopOnce.Do(func() { close(b.stop) })
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	if err := b.Flush(ctx); err != nil {
		b.logger.Warn("state publishes still queued at close", "error", err)
	}
	cancel()
	b.stopOnce.Do(func() { close(b.stop) })

	if b.IsConnected() {
		payload := availabilityPayload("OFFLINE", b.cfg.ClientID, "graceful_shutdown", b.now())
		token := b.client.Publish(b.topics.System(), 1, true, payload)
		token.WaitTimeout(defaultPublishTimeout)
	}

	b.client.Disconnect(defaultDisconnectQuiesce)
	b.setConnected(false)
	return nil
}
