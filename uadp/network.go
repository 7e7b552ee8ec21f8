package uadp

import (
	"fmt"
	"math"

	"github.com/induslab/uapub/ua"
	"github.com/juju/errors"
)

// ErrVersion marks frames whose version nibble is not ProtocolVersion.
var ErrVersion = fmt.Errorf("unsupported UADP version")

// String publisher ids are cut to this many UTF-8 bytes in minimal
// framing.
const minimalPublisherIDMax = 16

// NetworkMessage is the outer UADP envelope. Encode consumes Messages and
// the framing toggles. Decode fills the header fields plus WriterIDs,
// Count and the opaque Payload blob; splitting and field-level decode
// belong to schema-aware callers (see DataSetPayloads, DecodeDataSet).
type NetworkMessage struct {
	PublisherID    ua.Variant
	WriterGroupID  uint16
	GroupVersion   uint32 // reserved, stays 0
	SequenceNumber uint16
	GroupHeader    bool
	PayloadHeader  bool
	Messages       []*DataSetMessage

	// decode side
	WriterIDs []uint16
	Count     int
	Payload   []byte
}

// PublisherID builds the envelope id variant: text ids go as String,
// integers as the narrowest unsigned width (Byte, UInt16, UInt32, with
// UInt64 for values past 32 bits).
func PublisherID(v interface{}) (ua.Variant, error) {
	switch x := v.(type) {
	case ua.Variant:
		switch x.Type() {
		case ua.TypeByte, ua.TypeUInt16, ua.TypeUInt32, ua.TypeUInt64, ua.TypeString:
			return x, nil
		}
		return ua.Variant{}, errors.NotValidf("publisher id type %s", x.Type())
	case string:
		return ua.String(x), nil
	case int:
		if x < 0 {
			return ua.Variant{}, errors.NotValidf("publisher id %d", x)
		}
		return publisherIDUint(uint64(x)), nil
	case int64:
		if x < 0 {
			return ua.Variant{}, errors.NotValidf("publisher id %d", x)
		}
		return publisherIDUint(uint64(x)), nil
	case uint:
		return publisherIDUint(uint64(x)), nil
	case uint8:
		return publisherIDUint(uint64(x)), nil
	case uint16:
		return publisherIDUint(uint64(x)), nil
	case uint32:
		return publisherIDUint(uint64(x)), nil
	case uint64:
		return publisherIDUint(x), nil
	}
	return ua.Variant{}, errors.NotValidf("publisher id type %T", v)
}

func publisherIDUint(u uint64) ua.Variant {
	switch {
	case u <= math.MaxUint8:
		return ua.Byte(uint8(u))
	case u <= math.MaxUint16:
		return ua.UInt16(uint16(u))
	case u <= math.MaxUint32:
		return ua.UInt32(uint32(u))
	}
	return ua.UInt64(u)
}

func putPublisherID(e *Encoder, id ua.Variant, maxString int) error {
	switch id.Type() {
	case ua.TypeByte:
		e.PutByte(pubIDByte)
		e.PutByte(byte(id.Uint()))
	case ua.TypeUInt16:
		e.PutByte(pubIDUInt16)
		e.PutUInt16(uint16(id.Uint()))
	case ua.TypeUInt32:
		e.PutByte(pubIDUInt32)
		e.PutUInt32(uint32(id.Uint()))
	case ua.TypeUInt64:
		e.PutByte(pubIDUInt64)
		e.PutUInt64(id.Uint())
	case ua.TypeString:
		s := id.Str()
		if maxString >= 0 && len(s) > maxString {
			s = s[:maxString]
		}
		e.PutByte(pubIDString)
		e.PutString(s)
	default:
		return errors.NotValidf("publisher id type %s", id.Type())
	}
	return nil
}

func readPublisherID(d *Decoder) (ua.Variant, error) {
	sel, err := d.Byte()
	if err != nil {
		return ua.Variant{}, errors.Annotate(err, "selector")
	}
	switch sel {
	case pubIDByte:
		v, err := d.Byte()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.Byte(v), nil
	case pubIDUInt16:
		v, err := d.UInt16()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.UInt16(v), nil
	case pubIDUInt32:
		v, err := d.UInt32()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.UInt32(v), nil
	case pubIDUInt64:
		v, err := d.UInt64()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.UInt64(v), nil
	case pubIDString:
		return d.Value(ua.TypeString)
	}
	return ua.Variant{}, errors.NotValidf("publisher id selector %d", sel)
}

// Encode appends the full framing: flags, publisher id, optional group
// and payload headers, then the DataSet payload body.
func (nm *NetworkMessage) Encode(e *Encoder) error {
	flags := byte(ProtocolVersion | flagPublisherID)
	if nm.GroupHeader {
		flags |= flagGroupHeader
	}
	if nm.PayloadHeader {
		flags |= flagPayloadHeader
	}
	e.PutByte(flags)
	if err := putPublisherID(e, nm.PublisherID, -1); err != nil {
		return errors.Trace(err)
	}
	if nm.GroupHeader {
		e.PutByte(groupFlagWriterGroupID | groupFlagVersion | groupFlagNumber)
		e.PutUInt16(nm.WriterGroupID)
		e.PutUInt32(nm.GroupVersion)
		e.PutUInt16(nm.SequenceNumber)
	}
	if nm.PayloadHeader {
		if len(nm.Messages) > math.MaxUint8 {
			return errors.NotValidf("%d dataset messages", len(nm.Messages))
		}
		e.PutByte(byte(len(nm.Messages)))
		for _, m := range nm.Messages {
			e.PutUInt16(m.WriterID)
		}
	}
	return nm.encodePayload(e)
}

// A single message goes in bare; two or more each ride behind their own
// uint16 length so subscribers can split without parsing. Wire-compatible
// peers depend on exactly this asymmetry.
func (nm *NetworkMessage) encodePayload(e *Encoder) error {
	if len(nm.Messages) == 1 {
		return errors.Trace(nm.Messages[0].Encode(e))
	}
	for i, m := range nm.Messages {
		sub := e.fork()
		if err := m.Encode(sub); err != nil {
			return errors.Annotatef(err, "dataset %d", i)
		}
		if sub.Len() > math.MaxUint16 {
			return errors.NotValidf("dataset %d size %d", i, sub.Len())
		}
		e.PutUInt16(uint16(sub.Len()))
		e.b = append(e.b, sub.Bytes()...)
	}
	return nil
}

// EncodeMinimal appends the minimal framing: version+publisher id flags
// only, string ids truncated to 16 UTF-8 bytes, a 1-byte message count,
// then DataSet frames back to back with no group header, no payload
// header and no length prefixes. Receivers must know this mode
// out-of-band; it is not self-identifying.
func (nm *NetworkMessage) EncodeMinimal(e *Encoder) error {
	e.PutByte(ProtocolVersion | flagPublisherID)
	if err := putPublisherID(e, nm.PublisherID, minimalPublisherIDMax); err != nil {
		return errors.Trace(err)
	}
	if len(nm.Messages) > math.MaxUint8 {
		return errors.NotValidf("%d dataset messages", len(nm.Messages))
	}
	e.PutByte(byte(len(nm.Messages)))
	for i, m := range nm.Messages {
		if err := m.Encode(e); err != nil {
			return errors.Annotatef(err, "dataset %d", i)
		}
	}
	return nil
}

// DecodeNetworkMessage parses a full-framing header. The remaining bytes
// land in Payload uninterpreted; Count defaults to 1 when no payload
// header is present.
func DecodeNetworkMessage(b []byte) (*NetworkMessage, error) {
	d := NewDecoder(b)
	flags, err := d.Byte()
	if err != nil {
		return nil, errors.Annotate(err, "flags")
	}
	if v := flags & flagVersionMask; v != ProtocolVersion {
		return nil, errors.Annotatef(ErrVersion, "version %d", v)
	}
	if flags&flagExtended1 != 0 {
		return nil, errors.NotSupportedf("extended flags1")
	}
	nm := &NetworkMessage{Count: 1}
	if flags&flagPublisherID != 0 {
		if nm.PublisherID, err = readPublisherID(d); err != nil {
			return nil, errors.Annotate(err, "publisher id")
		}
	}
	if flags&flagGroupHeader != 0 {
		nm.GroupHeader = true
		gf, err := d.Byte()
		if err != nil {
			return nil, errors.Annotate(err, "group flags")
		}
		if gf&groupFlagWriterGroupID != 0 {
			if nm.WriterGroupID, err = d.UInt16(); err != nil {
				return nil, errors.Annotate(err, "writer group id")
			}
		}
		if gf&groupFlagVersion != 0 {
			if nm.GroupVersion, err = d.UInt32(); err != nil {
				return nil, errors.Annotate(err, "group version")
			}
		}
		if gf&groupFlagNumber != 0 {
			if nm.SequenceNumber, err = d.UInt16(); err != nil {
				return nil, errors.Annotate(err, "sequence number")
			}
		}
	}
	if flags&flagPayloadHeader != 0 {
		nm.PayloadHeader = true
		n, err := d.Byte()
		if err != nil {
			return nil, errors.Annotate(err, "payload count")
		}
		nm.Count = int(n)
		nm.WriterIDs = make([]uint16, n)
		for i := range nm.WriterIDs {
			if nm.WriterIDs[i], err = d.UInt16(); err != nil {
				return nil, errors.Annotatef(err, "writer id %d", i)
			}
		}
	}
	nm.Payload = append([]byte(nil), d.Rest()...)
	return nm, nil
}

// DataSetPayloads splits Payload into per-message slices using Count and
// the length prefixes present when Count > 1. Slices alias Payload.
func (nm *NetworkMessage) DataSetPayloads() ([][]byte, error) {
	if nm.Count <= 1 {
		if len(nm.Payload) == 0 {
			return nil, nil
		}
		return [][]byte{nm.Payload}, nil
	}
	d := NewDecoder(nm.Payload)
	out := make([][]byte, 0, nm.Count)
	for i := 0; i < nm.Count; i++ {
		n, err := d.UInt16()
		if err != nil {
			return nil, errors.Annotatef(err, "dataset %d length", i)
		}
		if err = d.need(int(n)); err != nil {
			return nil, errors.Annotatef(err, "dataset %d body", i)
		}
		out = append(out, d.b[d.off:d.off+int(n)])
		d.off += int(n)
	}
	if n := d.Remaining(); n != 0 {
		return nil, errors.Errorf("payload: %d trailing bytes after %d datasets", n, nm.Count)
	}
	return out, nil
}
