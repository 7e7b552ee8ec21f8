package pubsub

import (
	"context"
	"strings"
	"sync"

	"github.com/juju/errors"

	"github.com/induslab/uapub/helpers"
	"github.com/induslab/uapub/log2"
	pubsub_config "github.com/induslab/uapub/pubsub/config"
	"github.com/induslab/uapub/ua"
	"github.com/induslab/uapub/uadp"
	"github.com/induslab/uapub/uajson"
)

// Subscriber decodes inbound UADP frames back into network messages and
// DataSets. Payloads on the configured metadata topic are ua-metadata
// JSON and feed the schema registry instead of the UADP decoder.
// Callbacks are set before Connect and run on the transport's receive
// goroutine; a slow callback stalls delivery, not decoding correctness.
type Subscriber struct {
	config    pubsub_config.Config
	log       *log2.Log
	transport Transport

	onMessage func(*uadp.NetworkMessage)
	onDataSet func(*uadp.NetworkMessage, *uadp.DataSetMessage)
	onRaw     func(topic string, payload []byte)
	onError   func(error)

	schemas struct {
		sync.RWMutex
		m map[uint16]ua.DataSetMeta
	}
	stat Stat
}

func NewSubscriber(config pubsub_config.Config, log *log2.Log, transport Transport) (*Subscriber, error) {
	if transport == nil {
		return nil, errors.NotValidf("code error pubsub.NewSubscriber transport=nil")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	self := &Subscriber{
		config:    config,
		log:       log.Clone(log2.LInfo),
		transport: transport,
	}
	if config.Log.Debug {
		self.log.SetLevel(log2.LDebug)
	}
	self.schemas.m = make(map[uint16]ua.DataSetMeta, 8)
	return self, nil
}

// OnMessage delivers every successfully decoded network message, before
// DataSet splitting. Set before Connect.
func (self *Subscriber) OnMessage(fn func(*uadp.NetworkMessage)) { self.onMessage = fn }

// OnDataSet delivers each decoded DataSetMessage with its parent frame.
// Set before Connect.
func (self *Subscriber) OnDataSet(fn func(*uadp.NetworkMessage, *uadp.DataSetMessage)) {
	self.onDataSet = fn
}

// OnRaw sees every inbound payload before decoding. Set before Connect.
func (self *Subscriber) OnRaw(fn func(topic string, payload []byte)) { self.onRaw = fn }

// OnError receives decode failures; without it they only go to the log.
// Set before Connect.
func (self *Subscriber) OnError(fn func(error)) { self.onError = fn }

// RegisterSchema installs the field layout for a writer so RawData and
// DataValue payloads from it can be decoded. Frames from writers without
// a schema fall back to the self-describing Variant decode.
func (self *Subscriber) RegisterSchema(writerID uint16, meta ua.DataSetMeta) error {
	for i := range meta.Fields {
		if !meta.Fields[i].Type.Valid() {
			return errors.NotValidf("schema writer=%d field=%s type=%d", writerID, meta.Fields[i].Name, meta.Fields[i].Type)
		}
	}
	helpers.WithLock(&self.schemas, func() { self.schemas.m[writerID] = meta })
	self.log.Debugf("pubsub schema writer=%d fields=%d", writerID, len(meta.Fields))
	return nil
}

func (self *Subscriber) schema(writerID uint16) (ua.DataSetMeta, bool) {
	self.schemas.RLock()
	defer self.schemas.RUnlock()
	meta, ok := self.schemas.m[writerID]
	return meta, ok
}

func (self *Subscriber) Connect(ctx context.Context) error {
	err := self.transport.Connect(ctx, self.log, self.config, self.handleMessage)
	return errors.Annotate(err, "subscriber connect")
}

// Subscribe registers a topic filter; empty means the configured UADP
// topic subtree.
func (self *Subscriber) Subscribe(topic string) error {
	if topic == "" {
		topic = self.config.Topic.UADP + "/#"
	}
	return errors.Annotatef(self.transport.Subscribe(topic), "subscriber topic=%s", topic)
}

func (self *Subscriber) Close() error { return self.transport.Close() }

func (self *Subscriber) Stat() *Stat { return &self.stat }

func (self *Subscriber) StatModify(fn func(*Stat)) { self.stat.modify(fn) }

func (self *Subscriber) handleMessage(topic string, payload []byte) {
	self.stat.modify(func(s *Stat) {
		s.MessagesReceived++
		s.BytesReceived += uint64(len(payload))
	})
	if self.onRaw != nil {
		self.onRaw(topic, payload)
	}
	if self.isMetaTopic(topic) {
		self.handleMeta(topic, payload)
		return
	}
	nm, err := uadp.DecodeNetworkMessage(payload)
	if err != nil {
		self.stat.modify(func(s *Stat) { s.DecodeErrors++ })
		self.reportError(errors.Annotatef(err, "topic=%s", topic))
		return
	}
	self.stat.modify(func(s *Stat) { s.Decoded++ })
	self.log.Debugf("pubsub recv topic=%s bytes=%d count=%d", topic, len(payload), nm.Count)
	if self.onMessage != nil {
		self.onMessage(nm)
	}
	if self.onDataSet == nil {
		return
	}
	parts, err := nm.DataSetPayloads()
	if err != nil {
		self.stat.modify(func(s *Stat) { s.DecodeErrors++ })
		self.reportError(errors.Annotatef(err, "topic=%s payload split", topic))
		return
	}
	for i, part := range parts {
		var writerID uint16
		if i < len(nm.WriterIDs) {
			writerID = nm.WriterIDs[i]
		}
		dsm, err := self.decodeDataSet(writerID, part)
		if err != nil {
			// one broken DataSet must not block siblings in the same frame
			self.stat.modify(func(s *Stat) { s.DecodeErrors++ })
			self.reportError(errors.Annotatef(err, "topic=%s dataset=%d writer=%d", topic, i, writerID))
			continue
		}
		dsm.WriterID = writerID
		self.onDataSet(nm, dsm)
	}
}

func (self *Subscriber) decodeDataSet(writerID uint16, b []byte) (*uadp.DataSetMessage, error) {
	if meta, ok := self.schema(writerID); ok {
		return uadp.DecodeDataSetSchema(b, meta)
	}
	return uadp.DecodeDataSet(b)
}

func (self *Subscriber) isMetaTopic(topic string) bool {
	meta := self.config.Topic.Meta
	return meta != "" && (topic == meta || strings.HasPrefix(topic, meta+"/"))
}

// The metadata topic carries ua-metadata JSON, not UADP frames. Schemas
// found there are installed in the registry so RawData writers become
// decodable as soon as they announce themselves.
func (self *Subscriber) handleMeta(topic string, payload []byte) {
	mm, err := uajson.UnmarshalMeta(payload)
	if err != nil {
		self.stat.modify(func(s *Stat) { s.DecodeErrors++ })
		self.reportError(errors.Annotatef(err, "topic=%s", topic))
		return
	}
	meta, err := mm.Schema()
	if err != nil {
		self.stat.modify(func(s *Stat) { s.DecodeErrors++ })
		self.reportError(errors.Annotatef(err, "topic=%s writer=%d", topic, mm.DataSetWriterId))
		return
	}
	if err := self.RegisterSchema(mm.DataSetWriterId, meta); err != nil {
		self.stat.modify(func(s *Stat) { s.DecodeErrors++ })
		self.reportError(errors.Annotatef(err, "topic=%s", topic))
		return
	}
	self.stat.modify(func(s *Stat) { s.Decoded++ })
}

func (self *Subscriber) reportError(err error) {
	if self.onError != nil {
		self.onError(err)
		return
	}
	self.log.Errorf("pubsub subscriber error=%v", err)
}
