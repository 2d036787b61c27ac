package broker

import (
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mqtt-http-bridge/internal/logger"
)

// mockToken implements mqtt.Token for testing
type mockToken struct {
	err  error
	done chan struct{}
}

func newMockToken(err error) *mockToken {
	t := &mockToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Done() <-chan struct{}          { return t.done }
func (t *mockToken) Error() error                   { return t.err }

// mockClient implements mqtt.Client for testing
type mockClient struct {
	connected    atomic.Bool
	connects     atomic.Int32
	disconnects  atomic.Int32
	subscribeErr error

	// disconnectGate, when set, blocks Disconnect until closed.
	disconnectGate chan struct{}

	mu           sync.Mutex
	connectErrs  []error
	connectTimes []time.Time
	subscribed   []string
	qos          []byte
	callback     mqtt.MessageHandler
	quiesce      uint
}

func (m *mockClient) Connect() mqtt.Token {
	m.connects.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectTimes = append(m.connectTimes, time.Now())
	var err error
	if len(m.connectErrs) > 0 {
		err, m.connectErrs = m.connectErrs[0], m.connectErrs[1:]
	}
	return newMockToken(err)
}

func (m *mockClient) Disconnect(quiesce uint) {
	m.disconnects.Add(1)
	if m.disconnectGate != nil {
		<-m.disconnectGate
	}
	m.mu.Lock()
	m.quiesce = quiesce
	m.mu.Unlock()
	m.connected.Store(false)
}

func (m *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return newMockToken(nil)
}

func (m *mockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = append(m.subscribed, topic)
	m.qos = append(m.qos, qos)
	m.callback = callback
	return newMockToken(m.subscribeErr)
}

func (m *mockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return newMockToken(nil)
}
func (m *mockClient) Unsubscribe(topics ...string) mqtt.Token           { return newMockToken(nil) }
func (m *mockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *mockClient) IsConnected() bool                                 { return m.connected.Load() }
func (m *mockClient) IsConnectionOpen() bool                            { return m.connected.Load() }
func (m *mockClient) OptionsReader() mqtt.ClientOptionsReader           { return mqtt.ClientOptionsReader{} }

// failConnects makes the next n Connect tokens fail with err.
func (m *mockClient) failConnects(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.connectErrs = append(m.connectErrs, err)
	}
}

func (m *mockClient) dials() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.connectTimes...)
}

func (m *mockClient) subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subscribed...)
}

func (m *mockClient) deliver(msg mqtt.Message) {
	m.mu.Lock()
	cb := m.callback
	m.mu.Unlock()
	cb(m, msg)
}

// mockMessage implements mqtt.Message for testing
type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 0 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 1 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}

func newObservedLogger() (*logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &logger.Logger{Logger: zap.New(core)}, logs
}
