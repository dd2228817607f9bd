// Package mqtttest starts an embedded broker and connected clients for tests.
package mqtttest

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt"
)

// FreePort returns a TCP port that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot bind loopback: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// Config returns client settings pointing at 127.0.0.1:port.
func Config(port int, clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     port,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     2,
		},
	}
}

// StartBroker runs an embedded broker for the duration of the test and
// returns its port. The test is skipped if no port can be bound.
func StartBroker(t testing.TB) int {
	t.Helper()
	port := FreePort(t)

	broker, err := mqtt.NewBroker(fmt.Sprintf("127.0.0.1:%d", port), nil)
	if err != nil {
		t.Skipf("embedded broker unavailable: %v", err)
	}
	if err := broker.Start(); err != nil {
		t.Skipf("embedded broker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = broker.Close() })

	// Listeners start on their own goroutines.
	time.Sleep(50 * time.Millisecond)
	return port
}

// Connect starts a client against the broker on port and closes it at cleanup.
func Connect(t testing.TB, port int, clientID string) *mqtt.Client {
	t.Helper()
	client, err := mqtt.Connect(context.Background(), Config(port, clientID))
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", clientID, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
