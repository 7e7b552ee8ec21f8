package pubsub

import (
	"context"
	"sync"

	"github.com/induslab/uapub/log2"
	pubsub_config "github.com/induslab/uapub/pubsub/config"
)

// MockMessage is one frame captured by TransportMock.
type MockMessage struct {
	Topic   string
	Payload []byte
}

// TransportMock is an in-process Transport for tests. It records published
// frames, lets the test inject inbound messages, and fails on demand.
type TransportMock struct { //nolint:maligned
	sync.Mutex

	// Set before use to force errors from the corresponding method.
	ConnectErr   error
	SubscribeErr error
	PublishErr   error

	connected bool
	onMessage MessageCallback
	published []MockMessage
	topics    []string
}

var _ Transport = (*TransportMock)(nil)

func (self *TransportMock) Connect(ctx context.Context, log *log2.Log, config pubsub_config.Config, onMessage MessageCallback) error {
	self.Lock()
	defer self.Unlock()
	if self.ConnectErr != nil {
		return self.ConnectErr
	}
	self.connected = true
	self.onMessage = onMessage
	return nil
}

func (self *TransportMock) Subscribe(topic string) error {
	self.Lock()
	defer self.Unlock()
	if self.SubscribeErr != nil {
		return self.SubscribeErr
	}
	if !self.connected {
		return ErrNotConnected
	}
	self.topics = append(self.topics, topic)
	return nil
}

func (self *TransportMock) Publish(topic string, payload []byte) error {
	self.Lock()
	defer self.Unlock()
	if self.PublishErr != nil {
		return self.PublishErr
	}
	if !self.connected {
		return ErrNotConnected
	}
	p := append([]byte(nil), payload...)
	self.published = append(self.published, MockMessage{Topic: topic, Payload: p})
	return nil
}

func (self *TransportMock) Close() error {
	self.Lock()
	defer self.Unlock()
	self.connected = false
	return nil
}

// Inject feeds an inbound message through the callback registered at
// Connect, as if the broker delivered it.
func (self *TransportMock) Inject(topic string, payload []byte) {
	self.Lock()
	cb := self.onMessage
	self.Unlock()
	if cb != nil {
		cb(topic, payload)
	}
}

// Published returns a copy of the captured outbound frames.
func (self *TransportMock) Published() []MockMessage {
	self.Lock()
	defer self.Unlock()
	return append([]MockMessage(nil), self.published...)
}

// Topics returns a copy of the subscribed topic filters.
func (self *TransportMock) Topics() []string {
	self.Lock()
	defer self.Unlock()
	return append([]string(nil), self.topics...)
}
