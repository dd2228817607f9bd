package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
)

// Client is the engine's connection to the broker.
//
// Subscriptions are remembered and replayed after every reconnect. A
// retained presence message on graylogic/system/status tells bridges
// whether the engine is up. All methods are safe for concurrent use.
type Client struct {
	paho pahomqtt.Client
	cfg  config.MQTTConfig

	up atomic.Bool

	mu           sync.RWMutex
	routes       map[string]route
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Logger is the logging surface the client needs. *logging.Logger and
// *slog.Logger both satisfy it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MessageHandler receives one message. It runs on a paho goroutine and
// should return quickly; a returned error is only logged.
//
// It is an alias so plain func types in other packages satisfy
// interfaces declared with it.
type MessageHandler = func(topic string, payload []byte) error

type route struct {
	qos     byte
	handler MessageHandler
}

// Connect dials the broker and waits until the session is up, ctx is done,
// or the connect timeout passes. Paho keeps reconnecting on its own after
// that.
func Connect(ctx context.Context, cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		routes: make(map[string]route),
		logger: noopLogger{},
	}

	opts := clientOptions(cfg)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.lost(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.log().Info("reconnecting to MQTT broker", "client_id", cfg.Broker.ClientID)
	})
	c.paho = pahomqtt.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := wait(ctx, c.paho.Connect()); err != nil {
		// Stops the connect-retry loop.
		c.paho.Disconnect(0)
		return nil, fmt.Errorf("%w: %s:%d: %w", ErrConnectionFailed, cfg.Broker.Host, cfg.Broker.Port, err)
	}

	// The on-connect callback runs asynchronously; callers may subscribe
	// as soon as Connect returns.
	c.up.Store(true)
	return c, nil
}

// wait blocks until tok completes or ctx ends.
func wait(ctx context.Context, tok pahomqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle waits up to operationTimeout for a publish, subscribe or
// unsubscribe to be acknowledged.
func settle(tok pahomqtt.Token) error {
	if !tok.WaitTimeout(operationTimeout) {
		return fmt.Errorf("no broker response after %v", operationTimeout)
	}
	return tok.Error()
}

// connected runs on the first connect and every reconnect.
func (c *Client) connected() {
	c.up.Store(true)

	c.mu.RLock()
	routes := make(map[string]route, len(c.routes))
	for topic, r := range c.routes {
		routes[topic] = r
	}
	cb := c.onConnect
	c.mu.RUnlock()

	for topic, r := range routes {
		if err := settle(c.paho.Subscribe(topic, r.qos, c.deliver(r.handler))); err != nil {
			c.log().Warn("replaying MQTT subscription", "topic", topic, "error", err)
		}
	}
	c.announce(presenceOnline, "")

	if cb != nil {
		cb()
	}
}

func (c *Client) lost(err error) {
	c.up.Store(false)
	c.log().Warn("MQTT connection lost", "error", err)

	c.mu.RLock()
	cb := c.onDisconnect
	c.mu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// Close marks the engine offline and disconnects. Calling it again is a
// no-op.
func (c *Client) Close() error {
	if c == nil || c.paho == nil {
		return nil
	}
	if c.up.Swap(false) && c.paho.IsConnected() {
		_ = settle(c.announce(presenceOffline, "graceful_shutdown"))
	}
	c.paho.Disconnect(disconnectQuiesceMS)
	return nil
}

// HealthCheck fails when the session is down or ctx is already done.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the session is up.
func (c *Client) IsConnected() bool {
	return c.up.Load() && c.paho.IsConnected()
}

// SetOnConnect sets a callback run after every (re)connect, once
// subscriptions have been replayed.
func (c *Client) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.onConnect = callback
	c.mu.Unlock()
}

// SetOnDisconnect sets a callback run when the session drops.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.onDisconnect = callback
	c.mu.Unlock()
}

// SetLogger sets the logger for reconnects and handler failures.
// A nil logger silences them.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// deliver adapts a MessageHandler to paho, logging errors and panics.
func (c *Client) deliver(h MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		topic := msg.Topic()
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("MQTT handler panicked", "topic", topic, "panic", r)
			}
		}()
		if err := h(topic, msg.Payload()); err != nil {
			c.log().Warn("MQTT handler failed", "topic", topic, "error", err)
		}
	}
}
