package mqtt

import (
	"fmt"
	"log/slog"

	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// Broker is an in-process MQTT broker for single-box installs and tests.
// It accepts every client; run it on loopback or behind a firewall.
type Broker struct {
	server  *mqttserver.Server
	address string
}

// NewBroker binds a TCP listener on address ("host:port").
// The listener is bound immediately so port conflicts surface here.
func NewBroker(address string, logger *slog.Logger) (*Broker, error) {
	opts := &mqttserver.Options{InlineClient: false}
	if logger != nil {
		opts.Logger = logger
	}
	server := mqttserver.New(opts)

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("%w: adding auth hook: %w", ErrBrokerFailed, err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "automation-tcp",
		Address: address,
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("%w: listening on %s: %w", ErrBrokerFailed, address, err)
	}

	return &Broker{server: server, address: address}, nil
}

// Start begins accepting clients. It returns once the listeners are serving.
func (b *Broker) Start() error {
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerFailed, err)
	}
	return nil
}

// Address returns the configured listen address.
func (b *Broker) Address() string {
	return b.address
}

// Close disconnects all clients and stops the listeners.
func (b *Broker) Close() error {
	return b.server.Close()
}
