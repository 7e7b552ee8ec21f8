package pubsub

import (
	"context"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"

	"github.com/induslab/uapub/helpers"
	"github.com/induslab/uapub/log2"
	"github.com/induslab/uapub/mqtt"
	pubsub_config "github.com/induslab/uapub/pubsub/config"
)

// TransportGomqtt carries PubSub frames over the in-tree MQTT client.
// Connect blocks until the broker handshake completes, within the
// configured network timeout, so Publish is usable right after; dropped
// connections reconnect in background and filters are resubscribed.
type TransportGomqtt struct {
	log       *log2.Log
	m         *mqtt.Client
	onMessage MessageCallback
	qos       packet.QOS
	timeout   time.Duration
}

var _ Transport = (*TransportGomqtt)(nil)

func (self *TransportGomqtt) Connect(ctx context.Context, log *log2.Log, config pubsub_config.Config, onMessage MessageCallback) error {
	self.log = log
	self.onMessage = onMessage
	self.qos = packet.QOS(config.MQTT.QOS)
	self.timeout = helpers.IntSecondDefault(config.MQTT.NetworkTimeoutSec, mqtt.DefaultNetworkTimeout)
	m, err := mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL:      config.MQTT.BrokerURL,
		ClientID:       config.MQTT.ClientID,
		Username:       config.MQTT.Username,
		Password:       config.MQTT.Password,
		KeepaliveSec:   uint16(config.MQTT.KeepaliveSec),
		NetworkTimeout: self.timeout,
		OnMessage:      self.onPacketMessage,
		Log:            log,
	})
	if err != nil {
		return errors.Annotate(err, "gomqtt transport")
	}
	readyCtx, cancel := context.WithTimeout(ctx, self.timeout)
	defer cancel()
	if err := m.WaitReady(readyCtx); err != nil {
		_ = m.Close()
		return errors.Annotatef(err, "gomqtt transport connect broker=%s", config.MQTT.BrokerURL)
	}
	self.m = m
	return nil
}

func (self *TransportGomqtt) Subscribe(topic string) error {
	if self.m == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), self.timeout)
	defer cancel()
	return errors.Annotatef(self.m.Subscribe(ctx, topic, self.qos), "gomqtt subscribe topic=%s", topic)
}

func (self *TransportGomqtt) Publish(topic string, payload []byte) error {
	if self.m == nil {
		return ErrNotConnected
	}
	msg := &packet.Message{Topic: topic, Payload: payload, QOS: self.qos}
	ctx, cancel := context.WithTimeout(context.Background(), self.timeout)
	defer cancel()
	return errors.Annotatef(self.m.Publish(ctx, msg), "gomqtt publish topic=%s", topic)
}

func (self *TransportGomqtt) Close() error {
	if self.m == nil {
		return nil
	}
	err := self.m.Close()
	if err == client.ErrClientNotConnected {
		err = nil
	}
	return err
}

func (self *TransportGomqtt) onPacketMessage(msg *packet.Message) error {
	self.onMessage(msg.Topic, msg.Payload)
	return nil
}
