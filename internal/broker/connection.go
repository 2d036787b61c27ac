package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-http-bridge/config"
	"mqtt-http-bridge/internal/logger"
	"mqtt-http-bridge/internal/metrics"
)

const (
	subscribeTimeout = 10 * time.Second

	// subackFailure is the granted QoS a broker returns for a refused filter.
	subackFailure = 0x80
)

var (
	ErrAlreadyStarted = errors.New("connection manager already started")
	ErrStopped        = errors.New("connection manager stopped")
)

// ClientFactory builds the paho client from prepared options.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// ConnectionManager owns the MQTT session: connect, subscribe to the single
// configured topic, resubscribe after every reconnect and close on Stop.
type ConnectionManager struct {
	cfg     *config.MQTTConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
	handler MessageHandler

	client mqtt.Client
	opts   *mqtt.ClientOptions
	retry  time.Duration

	mu    sync.RWMutex
	state ConnectionState

	attempts      atomic.Int64
	everConnected atomic.Bool
	subscribed    atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	closed    chan struct{}
}

// NewConnectionManager creates a new MQTT connection manager. Nothing is
// dialled until Start.
func NewConnectionManager(cfg *config.MQTTConfig, log *logger.Logger, m *metrics.Metrics, handler MessageHandler) (*ConnectionManager, error) {
	return newConnectionManager(cfg, log, m, handler, mqtt.NewClient)
}

func newConnectionManager(cfg *config.MQTTConfig, log *logger.Logger, m *metrics.Metrics, handler MessageHandler, newClient ClientFactory) (*ConnectionManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mqtt config is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("message handler is required")
	}

	cm := &ConnectionManager{
		cfg:     cfg,
		logger:  log.With("component", "mqtt"),
		metrics: m,
		handler: handler,
		state:   StateDisconnected,
		closed:  make(chan struct{}),
	}

	retry := cfg.ReconnectPeriod()
	if retry <= 0 {
		retry = time.Second
	}

	// paho's auto reconnect backs off from a hard-coded one second, so a lost
	// session is redialled through Connect, whose retry interval is fixed.
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetKeepAlive(cfg.KeepAlive()).
		SetConnectTimeout(cfg.ConnectTimeout()).
		SetAutoReconnect(false).
		SetConnectRetry(true).
		SetConnectRetryInterval(retry).
		SetOrderMatters(true)

	if cfg.HasCredentials() {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// Set up connection handlers
	opts.SetOnConnectHandler(cm.handleConnect)
	opts.SetConnectionLostHandler(cm.handleConnectionLost)
	opts.SetConnectionAttemptHandler(cm.handleConnectAttempt)

	// Configure TLS if enabled
	if cfg.TLS.Enable {
		tlsConfig, err := newTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	cm.retry = retry
	cm.opts = opts
	cm.client = newClient(opts)
	return cm, nil
}

// Start moves the session to connecting and returns without waiting for
// the broker. Failed attempts are retried on the configured interval until
// Stop is called.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	first := false
	cm.startOnce.Do(func() { first = true })
	if !first {
		return ErrAlreadyStarted
	}
	if !cm.setState(StateConnecting) {
		return ErrStopped
	}

	cm.logger.Info("connecting to mqtt broker",
		"broker", cm.cfg.Broker,
		"clientId", cm.cfg.ClientID,
		"topic", cm.cfg.Topic,
		"authenticated", cm.cfg.HasCredentials())

	token := cm.client.Connect()
	go cm.connectLoop(ctx, token)
	return nil
}

// connectLoop waits on a connect token. With connect retry enabled paho
// only fails the token when it refuses to start dialling; the dial is then
// issued again after the retry interval.
func (cm *ConnectionManager) connectLoop(ctx context.Context, token mqtt.Token) {
	for {
		select {
		case <-token.Done():
		case <-cm.closed:
			return
		case <-ctx.Done():
			return
		}

		err := token.Error()
		if err == nil || cm.State().terminal() {
			return
		}
		cm.logger.Error("mqtt connect failed",
			"broker", cm.cfg.Broker,
			"retryInterval", cm.retry,
			"error", err)

		select {
		case <-time.After(cm.retry):
		case <-cm.closed:
			return
		case <-ctx.Done():
			return
		}
		if cm.State().terminal() {
			return
		}
		token = cm.client.Connect()
	}
}

// Stop closes the session. The first call sends the MQTT disconnect; every
// call waits for the close to finish or for ctx to end, whichever is first.
func (cm *ConnectionManager) Stop(ctx context.Context) error {
	cm.stopOnce.Do(func() {
		cm.setState(StateClosing)
		go func() {
			cm.client.Disconnect(cm.cfg.QuiesceMs)
			cm.subscribed.Store(false)
			cm.setState(StateClosed)
			close(cm.closed)
		}()
	})

	select {
	case <-cm.closed:
		return nil
	case <-ctx.Done():
		cm.logger.Warn("mqtt close did not complete in time", "state", cm.State())
		return fmt.Errorf("waiting for mqtt close: %w", ctx.Err())
	}
}

// State returns the current connection state
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// Subscribed reports whether the topic subscription is currently active.
func (cm *ConnectionManager) Subscribed() bool {
	return cm.subscribed.Load()
}

// setState moves to next and logs the transition. Once closing, only the
// move to closed is accepted.
func (cm *ConnectionManager) setState(next ConnectionState) bool {
	cm.mu.Lock()
	prev := cm.state
	if prev == next || prev == StateClosed || (prev.terminal() && !next.terminal()) {
		cm.mu.Unlock()
		return false
	}
	cm.state = next
	cm.mu.Unlock()

	cm.logger.Info("mqtt connection state changed", "from", prev, "to", next)
	if cm.metrics != nil {
		cm.metrics.SetMQTTConnectionStatus(next == StateConnected)
	}
	return true
}

// handleConnectAttempt runs before every dial, initial or retry.
func (cm *ConnectionManager) handleConnectAttempt(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
	n := cm.attempts.Add(1)
	if n > 1 || cm.everConnected.Load() {
		if cm.metrics != nil {
			cm.metrics.IncMQTTReconnects()
		}
	}
	if n > 1 {
		cm.logger.Warn("mqtt connection attempt failed, retrying",
			"broker", broker.String(),
			"attempt", n,
			"retryInterval", cm.retry)
		if cm.State() == StateConnecting {
			cm.setState(StateReconnecting)
		}
	} else {
		cm.logger.Debug("attempting mqtt connection", "broker", broker.String())
	}
	return tlsCfg
}

// handleConnect processes successful connections and subscribes to the topic
func (cm *ConnectionManager) handleConnect(client mqtt.Client) {
	cm.attempts.Store(0)
	cm.everConnected.Store(true)

	if cm.State().terminal() {
		return
	}
	cm.setState(StateConnected)
	cm.logger.Info("mqtt client connected", "broker", cm.cfg.Broker)

	cm.subscribe(client)
}

// subscribe is attempted once per connect. A failure leaves the topic
// unsubscribed until the next reconnect.
func (cm *ConnectionManager) subscribe(client mqtt.Client) {
	topic := cm.cfg.Topic

	token := client.Subscribe(topic, cm.cfg.QoS, cm.handleMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		cm.logger.Error("subscription timed out, topic inactive until next reconnect", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		cm.logger.Error("failed to subscribe to topic, topic inactive until next reconnect",
			"topic", topic,
			"error", err)
		return
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if granted, ok := st.Result()[topic]; ok && granted == subackFailure {
			cm.logger.Error("broker refused subscription, topic inactive until next reconnect", "topic", topic)
			return
		}
	}

	cm.subscribed.Store(true)
	cm.logger.Info("subscribed to topic", "topic", topic, "qos", cm.cfg.QoS)
}

// handleMessage copies the payload out of the paho message and hands it on.
func (cm *ConnectionManager) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	cm.logger.Debug("message received", "topic", msg.Topic(), "bytes", len(payload))
	cm.handler(Message{Topic: msg.Topic(), Payload: payload})
}

// handleConnectionLost moves to reconnecting and dials again unless the
// manager is stopping.
func (cm *ConnectionManager) handleConnectionLost(_ mqtt.Client, err error) {
	cm.subscribed.Store(false)
	cm.logger.Error("mqtt connection lost", "error", err)
	cm.setState(StateReconnecting)
	if cm.State().terminal() {
		return
	}

	cm.logger.Info("mqtt client reconnecting", "broker", cm.cfg.Broker, "retryInterval", cm.retry)
	go cm.connectLoop(context.Background(), cm.client.Connect())
}

// newTLSConfig creates a new TLS configuration
func newTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
