package uadp

import (
	"fmt"

	"github.com/induslab/uapub/ua"
	"github.com/juju/errors"
)

// ErrSchemaRequired marks frames whose field encoding cannot be decoded
// without the writer's schema.
var ErrSchemaRequired = fmt.Errorf("dataset schema required")

// DataSetMessage is one writer's sample set. WriterID travels in the
// NetworkMessage payload header, not in this frame; decode leaves it zero
// for the caller to fill.
type DataSetMessage struct {
	WriterID       uint16
	SequenceNumber uint16
	Encoding       FieldEncoding
	Fields         []ua.Field
}

func NewDataSetMessage(writerID uint16) *DataSetMessage {
	return &DataSetMessage{WriterID: writerID}
}

// AddField appends a named value; declaration order is wire order.
func (m *DataSetMessage) AddField(name string, v ua.Variant) *DataSetMessage {
	m.Fields = append(m.Fields, ua.Field{Name: name, Value: v})
	return m
}

// AddValue appends a field with the wire type inferred from the host
// value.
func (m *DataSetMessage) AddValue(name string, v interface{}) *DataSetMessage {
	return m.AddField(name, ua.Infer(v))
}

// Encode appends the frame: Flags1, zero Flags2, sequence number, payload
// in the configured field encoding.
func (m *DataSetMessage) Encode(e *Encoder) error {
	if m.Encoding > EncodingDataValue {
		return errors.NotValidf("field encoding %d", byte(m.Encoding))
	}
	flags1 := byte(dsFlagValid|dsFlagSeqNr) | byte(m.Encoding)<<dsEncodingShift
	e.PutByte(flags1)
	e.PutByte(0) // Flags2 reserved
	e.PutUInt16(m.SequenceNumber)

	switch m.Encoding {
	case EncodingVariant:
		e.PutUInt16(uint16(len(m.Fields)))
		for i := range m.Fields {
			if err := e.PutVariant(m.Fields[i].Value); err != nil {
				return errors.Annotatef(err, "field %s", m.Fields[i].Name)
			}
		}
	case EncodingRawData:
		for i := range m.Fields {
			if err := e.PutValue(m.Fields[i].Value); err != nil {
				return errors.Annotatef(err, "field %s", m.Fields[i].Name)
			}
		}
	case EncodingDataValue:
		e.PutUInt16(uint16(len(m.Fields)))
		for i := range m.Fields {
			f := &m.Fields[i]
			dv := ua.DataValue{Value: f.Value, Status: f.Status, SourceTimestamp: f.SourceTimestamp}
			// Timestamps ride only when explicitly set, so re-encoding a
			// decoded frame is byte-stable.
			if err := e.PutDataValue(dv, true, f.SourceTimestamp != 0); err != nil {
				return errors.Annotatef(err, "field %s", f.Name)
			}
		}
	}
	return nil
}

func decodeDataSetHeader(b []byte) (*DataSetMessage, *Decoder, error) {
	d := NewDecoder(b)
	flags1, err := d.Byte()
	if err != nil {
		return nil, nil, errors.Annotate(err, "flags1")
	}
	if flags1&dsFlagValid == 0 {
		return nil, nil, errors.Errorf("dataset flags1=0x%02x: valid bit clear", flags1)
	}
	if _, err = d.Byte(); err != nil { // Flags2, reserved
		return nil, nil, errors.Annotate(err, "flags2")
	}
	m := &DataSetMessage{Encoding: FieldEncoding((flags1 & dsEncodingMask) >> dsEncodingShift)}
	if m.Encoding > EncodingDataValue {
		return nil, nil, errors.NotValidf("field encoding %d", byte(m.Encoding))
	}
	if flags1&dsFlagSeqNr != 0 {
		if m.SequenceNumber, err = d.UInt16(); err != nil {
			return nil, nil, errors.Annotate(err, "sequence number")
		}
	}
	return m, d, nil
}

// DecodeDataSet parses a self-describing (Variant) frame. Field names are
// not on the wire and come back empty. RawData and DataValue frames need
// the writer schema: use DecodeDataSetSchema.
func DecodeDataSet(b []byte) (*DataSetMessage, error) {
	m, d, err := decodeDataSetHeader(b)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if m.Encoding != EncodingVariant {
		return nil, errors.Annotatef(ErrSchemaRequired, "encoding %s", m.Encoding)
	}
	count, err := d.UInt16()
	if err != nil {
		return nil, errors.Annotate(err, "field count")
	}
	for i := 0; i < int(count); i++ {
		v, err := d.Variant()
		if err != nil {
			return nil, errors.Annotatef(err, "field %d", i)
		}
		m.Fields = append(m.Fields, ua.Field{Value: v})
	}
	if n := d.Remaining(); n != 0 {
		return nil, errors.Errorf("dataset: %d trailing bytes after %d fields", n, count)
	}
	return m, nil
}

// DecodeDataSetSchema parses a frame of any field encoding using meta's
// ordered field list. The schema must match the wire exactly: field count
// and total width are both checked.
func DecodeDataSetSchema(b []byte, meta ua.DataSetMeta) (*DataSetMessage, error) {
	m, d, err := decodeDataSetHeader(b)
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch m.Encoding {
	case EncodingVariant:
		count, err := d.UInt16()
		if err != nil {
			return nil, errors.Annotate(err, "field count")
		}
		if int(count) != len(meta.Fields) {
			return nil, errors.Errorf("dataset %s: %d fields on wire, schema has %d", meta.Name, count, len(meta.Fields))
		}
		for i := range meta.Fields {
			v, err := d.Variant()
			if err != nil {
				return nil, errors.Annotatef(err, "field %s", meta.Fields[i].Name)
			}
			m.Fields = append(m.Fields, ua.Field{Name: meta.Fields[i].Name, Value: v})
		}
	case EncodingRawData:
		for i := range meta.Fields {
			v, err := d.Value(meta.Fields[i].Type)
			if err != nil {
				return nil, errors.Annotatef(err, "field %s", meta.Fields[i].Name)
			}
			m.Fields = append(m.Fields, ua.Field{Name: meta.Fields[i].Name, Value: v})
		}
	case EncodingDataValue:
		count, err := d.UInt16()
		if err != nil {
			return nil, errors.Annotate(err, "field count")
		}
		if int(count) != len(meta.Fields) {
			return nil, errors.Errorf("dataset %s: %d fields on wire, schema has %d", meta.Name, count, len(meta.Fields))
		}
		for i := range meta.Fields {
			dv, err := d.DataValue(meta.Fields[i].Type)
			if err != nil {
				return nil, errors.Annotatef(err, "field %s", meta.Fields[i].Name)
			}
			m.Fields = append(m.Fields, ua.Field{
				Name:            meta.Fields[i].Name,
				Value:           dv.Value,
				Status:          dv.Status,
				SourceTimestamp: dv.SourceTimestamp,
			})
		}
	}
	if n := d.Remaining(); n != 0 {
		return nil, errors.Errorf("dataset %s: %d bytes left after %d fields", meta.Name, n, len(meta.Fields))
	}
	return m, nil
}
