package pubsub

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/induslab/uapub/log2"
	pubsub_config "github.com/induslab/uapub/pubsub/config"
	"github.com/induslab/uapub/ua"
	"github.com/induslab/uapub/uadp"
	"github.com/induslab/uapub/uajson"
)

// Publisher frames DataSets into network messages and pushes them to the
// configured topics. Publish methods are meant for a single caller
// goroutine; the message counter is not locked.
type Publisher struct {
	// Clock feeds DataValue and JSON timestamps, nil means time.Now.
	// Set before the first Publish.
	Clock func() time.Time

	config    pubsub_config.Config
	log       *log2.Log
	transport Transport

	connected uint32 // atomic, 1 from Connect until transport failure or Close
	count     uint32 // logical counter, wire sequence is its low 16 bits
	encoding  uadp.FieldEncoding
	pubID     ua.Variant
	stat      Stat
}

func NewPublisher(config pubsub_config.Config, log *log2.Log, transport Transport) (*Publisher, error) {
	if transport == nil {
		return nil, errors.NotValidf("code error pubsub.NewPublisher transport=nil")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	pubID, err := publisherVariant(&config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	enc, err := fieldEncodingOf(config.Publisher.FieldEncoding)
	if err != nil {
		return nil, errors.Trace(err)
	}
	self := &Publisher{
		config:    config,
		log:       log.Clone(log2.LInfo),
		transport: transport,
		encoding:  enc,
		pubID:     pubID,
	}
	if config.Log.Debug {
		self.log.SetLevel(log2.LDebug)
	}
	return self, nil
}

// Connect establishes the transport. The publisher only writes, inbound
// messages are discarded.
func (self *Publisher) Connect(ctx context.Context) error {
	err := self.transport.Connect(ctx, self.log, self.config, func(string, []byte) {})
	if err != nil {
		return errors.Annotate(err, "publisher connect")
	}
	atomic.StoreUint32(&self.connected, 1)
	return nil
}

func (self *Publisher) Close() error {
	atomic.StoreUint32(&self.connected, 0)
	return self.transport.Close()
}

// Publish frames fields as one UADP DataSetMessage inside a full network
// message and sends it to the UADP topic. The counter advances once per
// successfully built frame, so the first message carries sequence 1 and a
// transport failure does not reuse a sequence number. With minimal=true
// in config the compact framing is sent instead.
func (self *Publisher) Publish(writerID uint16, fields []ua.Field) error {
	return self.publishUADP(writerID, fields, self.config.Publisher.Minimal)
}

// PublishMinimal sends the compact framing regardless of config: no group
// or payload header, publisher id pinned to the dense form.
func (self *Publisher) PublishMinimal(writerID uint16, fields []ua.Field) error {
	return self.publishUADP(writerID, fields, true)
}

func (self *Publisher) publishUADP(writerID uint16, fields []ua.Field, minimal bool) error {
	if atomic.LoadUint32(&self.connected) == 0 {
		return ErrNotConnected
	}
	logical := self.count + 1
	dsm := &uadp.DataSetMessage{
		WriterID:       writerID,
		SequenceNumber: uint16(logical),
		Encoding:       self.encoding,
		Fields:         fields,
	}
	nm := &uadp.NetworkMessage{
		PublisherID:    self.pubID,
		WriterGroupID:  uint16(self.config.Publisher.WriterGroupID),
		SequenceNumber: uint16(logical),
		GroupHeader:    self.config.Publisher.GroupHeader,
		PayloadHeader:  self.config.Publisher.PayloadHeader,
		Messages:       []*uadp.DataSetMessage{dsm},
	}
	e := uadp.NewEncoder()
	e.Clock = self.Clock
	var err error
	if minimal {
		err = nm.EncodeMinimal(e)
	} else {
		err = nm.Encode(e)
	}
	if err != nil {
		return errors.Trace(err)
	}
	self.count = logical
	return self.send(self.config.Topic.UADP, e.Bytes())
}

// PublishJSON sends the same sample as a human-readable JSON network
// message on the JSON topic. The counter is shared with the binary path;
// JSON carries the full logical value, not the 16-bit truncation.
func (self *Publisher) PublishJSON(writerID uint16, fields []ua.Field) error {
	if atomic.LoadUint32(&self.connected) == 0 {
		return ErrNotConnected
	}
	logical := self.count + 1
	m := uajson.NewNetworkMessage(uuid.NewString(), self.config.Publisher.ID)
	m.AddDataSet(writerID, logical, fields, self.Clock)
	b, err := m.Marshal()
	if err != nil {
		return errors.Trace(err)
	}
	self.count = logical
	return self.send(self.config.Topic.JSON, b)
}

// PublishMeta announces a writer's schema on the metadata topic so
// subscribers can decode RawData payloads. Metadata does not advance the
// data counter.
func (self *Publisher) PublishMeta(writerID uint16, meta ua.DataSetMeta) error {
	if atomic.LoadUint32(&self.connected) == 0 {
		return ErrNotConnected
	}
	mm := uajson.NewMetaDataMessage(uuid.NewString(), self.config.Publisher.ID, writerID, meta)
	b, err := mm.Marshal()
	if err != nil {
		return errors.Trace(err)
	}
	return self.send(self.config.Topic.Meta, b)
}

// Count reports the logical counter value, useful for tests and gap
// diagnostics.
func (self *Publisher) Count() uint32 { return self.count }

func (self *Publisher) Stat() *Stat { return &self.stat }

func (self *Publisher) StatModify(fn func(*Stat)) { self.stat.modify(fn) }

func (self *Publisher) send(topic string, payload []byte) error {
	if err := self.transport.Publish(topic, payload); err != nil {
		atomic.StoreUint32(&self.connected, 0)
		self.stat.modify(func(s *Stat) { s.SendErrors++ })
		return errors.Annotatef(err, "publisher topic=%s", topic)
	}
	self.stat.modify(func(s *Stat) {
		s.MessagesSent++
		s.BytesSent += uint64(len(payload))
	})
	self.log.Debugf("pubsub sent topic=%s bytes=%d seq=%d", topic, len(payload), self.count)
	return nil
}

// publisherVariant builds the wire identity from config: numeric ids take
// the narrowest unsigned selector, everything else travels as a string.
func publisherVariant(c *pubsub_config.Config) (ua.Variant, error) {
	if c.Publisher.Numeric {
		u, err := strconv.ParseUint(c.Publisher.ID, 10, 64)
		if err != nil {
			return ua.Variant{}, errors.NotValidf("publisher.id=%s numeric", c.Publisher.ID)
		}
		return uadp.PublisherID(u)
	}
	return uadp.PublisherID(c.Publisher.ID)
}

func fieldEncodingOf(name string) (uadp.FieldEncoding, error) {
	switch name {
	case "variant":
		return uadp.EncodingVariant, nil
	case "rawdata":
		return uadp.EncodingRawData, nil
	case "datavalue":
		return uadp.EncodingDataValue, nil
	}
	return 0, errors.NotValidf("field_encoding=%s", name)
}
