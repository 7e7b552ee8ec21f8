// Package uajson implements the JSON mapping of PubSub messages: the
// ua-data envelope mirroring the UADP NetworkMessage and the ua-metadata
// envelope describing one writer's field schema. Output is meant for
// humans and generic MQTT tooling; the binary encoding in package uadp is
// the compact one.
package uajson

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/induslab/uapub/ua"
	"github.com/juju/errors"
)

const (
	MessageTypeData = "ua-data"
	MessageTypeMeta = "ua-metadata"

	// Source timestamps render in UTC, whole seconds.
	timestampLayout = "2006-01-02T15:04:05Z"
)

// DataValue is one field sample. StatusCode is left out entirely while
// the status is Good.
type DataValue struct {
	Value           interface{}   `json:"Value"`
	SourceTimestamp string        `json:"SourceTimestamp,omitempty"`
	StatusCode      ua.StatusCode `json:"StatusCode,omitempty"`
}

// DataSetMessage carries one writer's samples keyed by field name.
// SequenceNumber is the publisher's full logical counter, not the
// 16-bit wire sequence.
type DataSetMessage struct {
	DataSetWriterId uint16               `json:"DataSetWriterId"`
	SequenceNumber  uint32               `json:"SequenceNumber"`
	Payload         map[string]DataValue `json:"Payload"`
}

// NetworkMessage is the ua-data envelope.
type NetworkMessage struct {
	MessageId   string            `json:"MessageId"`
	MessageType string            `json:"MessageType"`
	PublisherId string            `json:"PublisherId"`
	Messages    []*DataSetMessage `json:"Messages"`
}

func NewNetworkMessage(messageID, publisherID string) *NetworkMessage {
	return &NetworkMessage{
		MessageId:   messageID,
		MessageType: MessageTypeData,
		PublisherId: publisherID,
	}
}

// AddDataSet appends one dataset message. Fields carrying no source
// timestamp get one from clock (nil clock means time.Now); field status
// appears only when not Good.
func (nm *NetworkMessage) AddDataSet(writerID uint16, seq uint32, fields []ua.Field, clock func() time.Time) {
	m := &DataSetMessage{
		DataSetWriterId: writerID,
		SequenceNumber:  seq,
		Payload:         make(map[string]DataValue, len(fields)),
	}
	for _, f := range fields {
		ts := f.SourceTimestamp
		if ts.IsZero() {
			if clock != nil {
				ts = ua.DateTimeFromTime(clock())
			} else {
				ts = ua.DateTimeFromTime(time.Now())
			}
		}
		dv := DataValue{
			Value:           jsonValue(f.Value),
			SourceTimestamp: ts.Time().UTC().Format(timestampLayout),
		}
		if f.Status != ua.StatusGood {
			dv.StatusCode = f.Status
		}
		m.Payload[f.Name] = dv
	}
	nm.Messages = append(nm.Messages, m)
}

func (nm *NetworkMessage) Marshal() ([]byte, error) {
	b, err := json.Marshal(nm)
	return b, errors.Trace(err)
}

// Unmarshal parses a ua-data envelope, rejecting other message types.
func Unmarshal(b []byte) (*NetworkMessage, error) {
	nm := new(NetworkMessage)
	if err := json.Unmarshal(b, nm); err != nil {
		return nil, errors.Annotate(err, "ua-data")
	}
	if nm.MessageType != MessageTypeData {
		return nil, errors.NotValidf("message type %q", nm.MessageType)
	}
	return nm, nil
}

// jsonValue maps a variant to its JSON rendering: nulls to JSON null,
// timestamps to the ISO layout, guids to the canonical dashed form, byte
// strings to base64 via encoding/json.
func jsonValue(v ua.Variant) interface{} {
	if v.IsNull() {
		return nil
	}
	switch v.Type() {
	case ua.TypeDateTime:
		return v.Ticks().Time().UTC().Format(timestampLayout)
	case ua.TypeGuid:
		var g uuid.UUID
		copy(g[:], v.Bytes())
		return g.String()
	}
	return v.Interface()
}

// FieldMetaData names one field and its builtin wire type id.
type FieldMetaData struct {
	Name        string `json:"Name"`
	BuiltInType byte   `json:"BuiltInType"`
}

type MetaData struct {
	Name   string          `json:"Name"`
	Fields []FieldMetaData `json:"Fields"`
}

// MetaDataMessage is the ua-metadata envelope telling subscribers the
// field order and types behind a writer id, so they can decode RawData
// payloads.
type MetaDataMessage struct {
	MessageId       string   `json:"MessageId"`
	MessageType     string   `json:"MessageType"`
	PublisherId     string   `json:"PublisherId"`
	DataSetWriterId uint16   `json:"DataSetWriterId"`
	MetaData        MetaData `json:"MetaData"`
}

func NewMetaDataMessage(messageID, publisherID string, writerID uint16, meta ua.DataSetMeta) *MetaDataMessage {
	mm := &MetaDataMessage{
		MessageId:       messageID,
		MessageType:     MessageTypeMeta,
		PublisherId:     publisherID,
		DataSetWriterId: writerID,
		MetaData:        MetaData{Name: meta.Name},
	}
	for _, f := range meta.Fields {
		mm.MetaData.Fields = append(mm.MetaData.Fields, FieldMetaData{
			Name:        f.Name,
			BuiltInType: byte(f.Type),
		})
	}
	return mm
}

func (mm *MetaDataMessage) Marshal() ([]byte, error) {
	b, err := json.Marshal(mm)
	return b, errors.Trace(err)
}

// UnmarshalMeta parses a ua-metadata envelope and rebuilds the schema it
// describes.
func UnmarshalMeta(b []byte) (*MetaDataMessage, error) {
	mm := new(MetaDataMessage)
	if err := json.Unmarshal(b, mm); err != nil {
		return nil, errors.Annotate(err, "ua-metadata")
	}
	if mm.MessageType != MessageTypeMeta {
		return nil, errors.NotValidf("message type %q", mm.MessageType)
	}
	return mm, nil
}

// Schema converts the message back to the registry form used by
// subscribers.
func (mm *MetaDataMessage) Schema() (ua.DataSetMeta, error) {
	meta := ua.DataSetMeta{Name: mm.MetaData.Name}
	for _, f := range mm.MetaData.Fields {
		t := ua.BuiltinType(f.BuiltInType)
		if !t.Valid() {
			return ua.DataSetMeta{}, errors.NotValidf("field %s builtin type %d", f.Name, f.BuiltInType)
		}
		meta.Fields = append(meta.Fields, ua.FieldMeta{Name: f.Name, Type: t})
	}
	return meta, nil
}
