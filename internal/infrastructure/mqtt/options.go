package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
)

const (
	connectTimeout      = 10 * time.Second
	operationTimeout    = 5 * time.Second
	keepAlive           = 60 * time.Second
	disconnectQuiesceMS = 1000

	maxQoS = 2

	// maxPayloadSize caps a single message at 1 MB.
	maxPayloadSize = 1 << 20
)

// clientOptions translates config into paho options. The Last Will is set
// here so the broker can mark the engine offline if it vanishes.
func clientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	scheme := "tcp"
	var tlsCfg *tls.Config
	if cfg.Broker.TLS {
		scheme = "ssl"
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(seconds(cfg.Reconnect.InitialDelay)).
		SetMaxReconnectInterval(seconds(cfg.Reconnect.MaxDelay)).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		// State updates for one entity must arrive in order.
		SetOrderMatters(true).
		SetBinaryWill(Topics{}.SystemStatus(), presencePayload(cfg.Broker.ClientID, presenceOffline, "unexpected_disconnect"), 1, true)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password)
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	return opts
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// checkTopic validates arguments shared by publish and subscribe.
func checkTopic(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	return nil
}
