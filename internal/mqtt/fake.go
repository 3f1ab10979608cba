package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Published is one message recorded by FakeClient.
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// FakeClient records publishes and subscriptions for test assertions and
// lets tests deliver inbound messages to subscribed handlers.
type FakeClient struct {
	mu sync.Mutex

	// Connected controls the return value of IsConnected.
	Connected bool

	// PublishError, if set, is reported by every publish token.
	PublishError error

	// SubscribeError, if set, is reported by every subscribe token.
	SubscribeError error

	// PublishBlock, if set, makes Publish wait until it is closed, like a
	// client stuck writing to a stalled socket.
	PublishBlock chan struct{}

	// Disconnected tracks if Disconnect was called.
	Disconnected bool

	published     []Published
	subscriptions map[string]paho.MessageHandler
	subscribeLog  []string
}

// NewFakeClient creates a connected FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Connected:     true,
		subscriptions: make(map[string]paho.MessageHandler),
	}
}

// SetConnected changes the connection state. Going offline drops every
// subscription, as a clean-session broker would.
func (f *FakeClient) SetConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connected = v
	if !v {
		f.subscriptions = make(map[string]paho.MessageHandler)
	}
}

// IsConnected reports whether the fake client is "connected".
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Publish records the message.
func (f *FakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	f.mu.Lock()
	block := f.PublishBlock
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PublishError != nil {
		return &FakeToken{err: f.PublishError}
	}

	var b []byte
	switch p := payload.(type) {
	case string:
		b = []byte(p)
	case []byte:
		b = p
	default:
		return &FakeToken{err: fmt.Errorf("unknown payload type %T", payload)}
	}
	f.published = append(f.published, Published{Topic: topic, QoS: qos, Retained: retained, Payload: b})
	return &FakeToken{}
}

// Subscribe records the handler for topic.
func (f *FakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SubscribeError != nil {
		return &FakeToken{err: f.SubscribeError}
	}
	f.subscriptions[topic] = callback
	f.subscribeLog = append(f.subscribeLog, topic)
	return &FakeToken{}
}

// Disconnect marks the client as disconnected.
func (f *FakeClient) Disconnect(quiesce uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disconnected = true
	f.Connected = false
}

// Deliver invokes the handler subscribed to topic, as the broker would.
// It returns false if nothing is subscribed.
func (f *FakeClient) Deliver(topic string, payload string) bool {
	f.mu.Lock()
	h, ok := f.subscriptions[topic]
	f.mu.Unlock()
	if !ok {
		return false
	}
	h(nil, &FakeMessage{topic: topic, payload: []byte(payload)})
	return true
}

// Published returns a copy of every recorded publish in order.
func (f *FakeClient) Published() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Published(nil), f.published...)
}

// PublishedTo returns the payloads published to topic, in order.
func (f *FakeClient) PublishedTo(topic string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.published {
		if p.Topic == topic {
			out = append(out, string(p.Payload))
		}
	}
	return out
}

// Subscriptions returns every Subscribe call's topic, in order, including
// repeats after reconnects.
func (f *FakeClient) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribeLog...)
}

// Reset clears recorded publishes and the subscribe log. Active
// subscriptions are kept.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = nil
	f.subscribeLog = nil
	f.PublishError = nil
	f.SubscribeError = nil
	f.PublishBlock = nil
}

// BlockPublishes makes every Publish wait until the returned function is
// called.
func (f *FakeClient) BlockPublishes() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.PublishBlock = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.PublishBlock = nil
			f.mu.Unlock()
			close(ch)
		})
	}
}

// FakeToken is an already-completed paho.Token.
type FakeToken struct {
	err error
}

func (t *FakeToken) Wait() bool                     { return true }
func (t *FakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *FakeToken) Error() error                   { return t.err }

func (t *FakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// FakeMessage is an inbound paho.Message.
type FakeMessage struct {
	topic   string
	payload []byte
}

func (m *FakeMessage) Duplicate() bool   { return false }
func (m *FakeMessage) Qos() byte         { return 1 }
func (m *FakeMessage) Retained() bool    { return false }
func (m *FakeMessage) Topic() string     { return m.topic }
func (m *FakeMessage) MessageID() uint16 { return 0 }
func (m *FakeMessage) Payload() []byte   { return m.payload }
func (m *FakeMessage) Ack()              {}

var _ Client = (*FakeClient)(nil)
