// Package pubsub is the application-facing PubSub layer: a Publisher that
// frames DataSets into UADP or JSON network messages and pushes them to a
// broker topic, and a Subscriber that decodes inbound frames back into
// DataSets. Broker access goes through the Transport seam so the facades
// stay testable without a network.
package pubsub

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/induslab/uapub/log2"
	pubsub_config "github.com/induslab/uapub/pubsub/config"
)

// ErrNotConnected is returned by facade operations that require an
// established transport connection.
var ErrNotConnected = fmt.Errorf("pubsub: transport is not connected")

// MessageCallback delivers one inbound broker message. Implementations
// call it from a transport goroutine; the payload must not be retained
// past the call.
type MessageCallback func(topic string, payload []byte)

// Transport contract:
// - Connect fails only with invalid config or an unreachable broker at
//   dial time; implementations may keep retrying in background
// - Subscribe registers interest durably: after a reconnect the
//   subscription must be restored without caller involvement
// - Publish delivers within the configured network timeout or fails
// - assume worst network quality: loss, reorder, duplicates
type Transport interface {
	Connect(ctx context.Context, log *log2.Log, config pubsub_config.Config, onMessage MessageCallback) error
	Subscribe(topic string) error
	Publish(topic string, payload []byte) error
	Close() error
}

// NewTransport returns the implementation named by config mqtt.transport.
func NewTransport(config pubsub_config.Config) (Transport, error) {
	switch config.MQTT.Transport {
	case "", "gomqtt":
		return &TransportGomqtt{}, nil
	case "paho":
		return &TransportPaho{}, nil
	default:
		return nil, errors.NotValidf("mqtt.transport=%s", config.MQTT.Transport)
	}
}
