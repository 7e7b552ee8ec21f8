package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"github.com/induslab/uapub/helpers"
	"github.com/induslab/uapub/log2"
	pubsub_config "github.com/induslab/uapub/pubsub/config"
)

// pahoLog adapts log2 to paho's Logger interface at a fixed level.
type pahoLog struct {
	log   *log2.Log
	level log2.Level
}

func (self pahoLog) Println(v ...interface{})               { self.log.Log(self.level, fmt.Sprint(v...)) }
func (self pahoLog) Printf(format string, v ...interface{}) { self.log.Logf(self.level, format, v...) }

// TransportPaho reaches an external broker through the Eclipse Paho
// client. Connect hands off to paho's retry loop, so the application may
// start without network available; subscriptions registered before the
// broker handshake are installed by the connect handler.
type TransportPaho struct {
	log       *log2.Log
	onMessage MessageCallback
	m         mqtt.Client
	mopt      *mqtt.ClientOptions
	qos       byte
	timeout   time.Duration

	subs struct {
		sync.Mutex
		topics map[string]byte
	}
}

var _ Transport = (*TransportPaho)(nil)

func (self *TransportPaho) Connect(ctx context.Context, log *log2.Log, config pubsub_config.Config, onMessage MessageCallback) error {
	self.log = log
	self.onMessage = onMessage
	self.qos = byte(config.MQTT.QOS)
	self.timeout = helpers.IntSecondDefault(config.MQTT.NetworkTimeoutSec, 30*time.Second)
	self.subs.topics = make(map[string]byte, 4)
	mqtt.ERROR = pahoLog{log, log2.LError}
	mqtt.CRITICAL = pahoLog{log, log2.LError}
	mqtt.WARN = pahoLog{log, log2.LInfo}
	if config.Log.Debug {
		mqtt.DEBUG = pahoLog{log, log2.LDebug}
	}

	clientID := config.MQTT.ClientID
	if clientID == "" {
		clientID = config.Publisher.ID
	}
	credFun := func() (string, string) {
		return config.MQTT.Username, config.MQTT.Password
	}
	keepAlive := helpers.IntSecondDefault(config.MQTT.KeepaliveSec, 60*time.Second)
	pingTimeout := helpers.IntSecondDefault(config.MQTT.NetworkTimeoutSec, 30*time.Second)
	retryInterval := helpers.IntSecondDefault(config.MQTT.KeepaliveSec/2, 30*time.Second)
	self.mopt = mqtt.NewClientOptions().
		AddBroker(config.MQTT.BrokerURL).
		SetCleanSession(true).
		SetClientID(clientID).
		SetCredentialsProvider(credFun).
		SetDefaultPublishHandler(self.messageHandler).
		SetKeepAlive(keepAlive).
		SetPingTimeout(pingTimeout).
		SetOrderMatters(false).
		SetConnectRetryInterval(retryInterval).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler).
		SetConnectRetry(true)
	self.m = mqtt.NewClient(self.mopt)
	token := self.m.Connect()
	if err := token.Error(); err != nil {
		return errors.Annotate(err, "mqtt connect")
	}
	return nil
}

func (self *TransportPaho) Subscribe(topic string) error {
	if self.m == nil {
		return ErrNotConnected
	}
	helpers.WithLock(&self.subs, func() { self.subs.topics[topic] = self.qos })
	if !self.m.IsConnected() {
		// onConnectHandler installs it after the broker handshake
		return nil
	}
	token := self.m.Subscribe(topic, self.qos, nil)
	if !token.WaitTimeout(self.timeout) {
		return errors.Timeoutf("mqtt subscribe topic=%s", topic)
	}
	if err := token.Error(); err != nil {
		return errors.Annotatef(err, "mqtt subscribe topic=%s", topic)
	}
	return nil
}

func (self *TransportPaho) Publish(topic string, payload []byte) error {
	if self.m == nil {
		return ErrNotConnected
	}
	token := self.m.Publish(topic, self.qos, false, payload)
	if !token.WaitTimeout(self.timeout) {
		return errors.Timeoutf("mqtt publish topic=%s", topic)
	}
	if err := token.Error(); err != nil {
		return errors.Annotatef(err, "mqtt publish topic=%s", topic)
	}
	return nil
}

func (self *TransportPaho) Close() error {
	if self.m == nil {
		return nil
	}
	var topics []string
	helpers.WithLock(&self.subs, func() {
		topics = make([]string, 0, len(self.subs.topics))
		for t := range self.subs.topics {
			topics = append(topics, t)
		}
	})
	if len(topics) > 0 {
		if token := self.m.Unsubscribe(topics...); token.Wait() && token.Error() != nil {
			self.log.Infof("mqtt unsubscribe error=%v", token.Error())
		}
	}
	self.m.Disconnect(250)
	return nil
}

func (self *TransportPaho) messageHandler(c mqtt.Client, msg mqtt.Message) {
	self.log.Debugf("mqtt income topic=%s bytes=%d", msg.Topic(), len(msg.Payload()))
	self.onMessage(msg.Topic(), msg.Payload())
}

func (self *TransportPaho) connectLostHandler(c mqtt.Client, err error) {
	self.log.Infof("mqtt disconnect err=%v", err)
}

func (self *TransportPaho) onConnectHandler(c mqtt.Client) {
	self.log.Infof("mqtt connect")
	var topics map[string]byte
	helpers.WithLock(&self.subs, func() {
		topics = make(map[string]byte, len(self.subs.topics))
		for t, q := range self.subs.topics {
			topics[t] = q
		}
	})
	if len(topics) == 0 {
		return
	}
	if token := c.SubscribeMultiple(topics, nil); token.Wait() && token.Error() != nil {
		self.log.Errorf("mqtt resubscribe error=%v", token.Error())
	}
}
