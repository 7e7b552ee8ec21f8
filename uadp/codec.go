package uadp

import (
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/induslab/uapub/ua"
	"github.com/juju/errors"
)

const guidSize = 16

// Encoder appends UADP primitives to a growing little-endian buffer. The
// zero value is ready to use. Clock feeds DataValue timestamp derivation
// when a sample carries none; nil means time.Now.
type Encoder struct {
	Clock func() time.Time
	b     []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.b }
func (e *Encoder) Len() int      { return len(e.b) }
func (e *Encoder) Reset()        { e.b = e.b[:0] }

// fork makes an empty encoder sharing the clock, for length-prefixed
// sub-frames.
func (e *Encoder) fork() *Encoder { return &Encoder{Clock: e.Clock} }

func (e *Encoder) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

func (e *Encoder) PutBoolean(v bool) {
	if v {
		e.b = append(e.b, 1)
	} else {
		e.b = append(e.b, 0)
	}
}

func (e *Encoder) PutSByte(v int8) { e.b = append(e.b, byte(v)) }
func (e *Encoder) PutByte(v byte)  { e.b = append(e.b, v) }

func (e *Encoder) PutUInt16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *Encoder) PutUInt32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *Encoder) PutUInt64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *Encoder) PutInt16(v int16) { e.PutUInt16(uint16(v)) }
func (e *Encoder) PutInt32(v int32) { e.PutUInt32(uint32(v)) }
func (e *Encoder) PutInt64(v int64) { e.PutUInt64(uint64(v)) }

func (e *Encoder) PutFloat(v float32)  { e.PutUInt32(math.Float32bits(v)) }
func (e *Encoder) PutDouble(v float64) { e.PutUInt64(math.Float64bits(v)) }

// PutString writes the int32 byte length then UTF-8 bytes. PutNull writes
// the -1 length sentinel shared by null String and null ByteString.
func (e *Encoder) PutString(s string) {
	e.PutInt32(int32(len(s)))
	e.b = append(e.b, s...)
}

func (e *Encoder) PutNull() { e.PutInt32(-1) }

func (e *Encoder) PutByteString(v []byte) {
	if v == nil {
		e.PutNull()
		return
	}
	e.PutInt32(int32(len(v)))
	e.b = append(e.b, v...)
}

func (e *Encoder) PutDateTime(dt ua.DateTime) { e.PutUInt64(uint64(dt)) }
func (e *Encoder) PutStatus(sc ua.StatusCode) { e.PutUInt32(uint32(sc)) }

// PutValue appends the bare scalar of v, no type tag.
func (e *Encoder) PutValue(v ua.Variant) error {
	if v.IsNull() {
		switch v.Type() {
		case ua.TypeString, ua.TypeByteString:
			e.PutNull()
			return nil
		}
		return errors.NotValidf("null %s", v.Type())
	}
	switch v.Type() {
	case ua.TypeBoolean:
		e.PutBoolean(v.Bool())
	case ua.TypeSByte:
		e.PutSByte(int8(v.Int()))
	case ua.TypeByte:
		e.PutByte(byte(v.Uint()))
	case ua.TypeInt16:
		e.PutInt16(int16(v.Int()))
	case ua.TypeUInt16:
		e.PutUInt16(uint16(v.Uint()))
	case ua.TypeInt32:
		e.PutInt32(int32(v.Int()))
	case ua.TypeUInt32:
		e.PutUInt32(uint32(v.Uint()))
	case ua.TypeInt64:
		e.PutInt64(v.Int())
	case ua.TypeUInt64:
		e.PutUInt64(v.Uint())
	case ua.TypeFloat:
		e.PutFloat(float32(v.Float()))
	case ua.TypeDouble:
		e.PutDouble(v.Float())
	case ua.TypeString:
		e.PutString(v.Str())
	case ua.TypeDateTime:
		e.PutDateTime(v.Ticks())
	case ua.TypeGuid:
		if len(v.Bytes()) != guidSize {
			return errors.NotValidf("guid length %d", len(v.Bytes()))
		}
		e.b = append(e.b, v.Bytes()...)
	case ua.TypeByteString:
		e.PutByteString(v.Bytes())
	default:
		return errors.NotValidf("builtin type %d", byte(v.Type()))
	}
	return nil
}

// PutVariant appends the 1-byte type tag then the scalar.
func (e *Encoder) PutVariant(v ua.Variant) error {
	e.PutByte(byte(v.Type()))
	return e.PutValue(v)
}

// Decoder reads UADP primitives from a buffer, tracking an offset cursor.
// Every read is bounds-checked; short buffers fail with an annotated
// io.ErrUnexpectedEOF instead of touching memory past the end.
type Decoder struct {
	b   []byte
	off int
}

func NewDecoder(b []byte) *Decoder { return &Decoder{b: b} }

func (d *Decoder) Pos() int       { return d.off }
func (d *Decoder) Remaining() int { return len(d.b) - d.off }

// Rest consumes and returns everything after the cursor, no copy.
func (d *Decoder) Rest() []byte {
	v := d.b[d.off:]
	d.off = len(d.b)
	return v
}

func (d *Decoder) need(n int) error {
	if n < 0 || d.off+n > len(d.b) {
		return errors.Annotatef(io.ErrUnexpectedEOF, "need %d bytes at offset %d of %d", n, d.off, len(d.b))
	}
	return nil
}

func (d *Decoder) Byte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.b[d.off]
	d.off++
	return v, nil
}

func (d *Decoder) Boolean() (bool, error) {
	v, err := d.Byte()
	return v != 0, err
}

func (d *Decoder) SByte() (int8, error) {
	v, err := d.Byte()
	return int8(v), err
}

func (d *Decoder) UInt16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(d.b[d.off:])
	d.off += 2
	return v, nil
}

func (d *Decoder) UInt32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v, nil
}

func (d *Decoder) UInt64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.b[d.off:])
	d.off += 8
	return v, nil
}

func (d *Decoder) Int16() (int16, error) {
	v, err := d.UInt16()
	return int16(v), err
}

func (d *Decoder) Int32() (int32, error) {
	v, err := d.UInt32()
	return int32(v), err
}

func (d *Decoder) Int64() (int64, error) {
	v, err := d.UInt64()
	return int64(v), err
}

func (d *Decoder) Float() (float32, error) {
	v, err := d.UInt32()
	return math.Float32frombits(v), err
}

func (d *Decoder) Double() (float64, error) {
	v, err := d.UInt64()
	return math.Float64frombits(v), err
}

// stringBytes reads the shared String/ByteString layout. The length is
// checked for the -1 null sentinel before any payload read.
func (d *Decoder) stringBytes() ([]byte, bool, error) {
	n, err := d.Int32()
	if err != nil {
		return nil, false, err
	}
	if n < 0 {
		return nil, true, nil
	}
	if err = d.need(int(n)); err != nil {
		return nil, false, err
	}
	v := d.b[d.off : d.off+int(n)]
	d.off += int(n)
	return v, false, nil
}

// String reads a length-prefixed string; null decodes as "".
func (d *Decoder) String() (string, error) {
	v, _, err := d.stringBytes()
	return string(v), err
}

// ByteString reads length-prefixed bytes into a fresh slice; null decodes
// as nil, a present zero-length value as an empty non-nil slice.
func (d *Decoder) ByteString() ([]byte, error) {
	v, null, err := d.stringBytes()
	if err != nil || null {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (d *Decoder) DateTime() (ua.DateTime, error) {
	v, err := d.UInt64()
	return ua.DateTime(v), err
}

func (d *Decoder) Status() (ua.StatusCode, error) {
	v, err := d.UInt32()
	return ua.StatusCode(v), err
}

// Value reads the bare scalar of type t. Null String/ByteString come back
// as null variants, so absence survives a round trip.
func (d *Decoder) Value(t ua.BuiltinType) (ua.Variant, error) {
	switch t {
	case ua.TypeBoolean:
		v, err := d.Boolean()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.Bool(v), nil
	case ua.TypeSByte:
		v, err := d.SByte()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.SByte(v), nil
	case ua.TypeByte:
		v, err := d.Byte()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.Byte(v), nil
	case ua.TypeInt16:
		v, err := d.Int16()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.Int16(v), nil
	case ua.TypeUInt16:
		v, err := d.UInt16()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.UInt16(v), nil
	case ua.TypeInt32:
		v, err := d.Int32()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.Int32(v), nil
	case ua.TypeUInt32:
		v, err := d.UInt32()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.UInt32(v), nil
	case ua.TypeInt64:
		v, err := d.Int64()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.Int64(v), nil
	case ua.TypeUInt64:
		v, err := d.UInt64()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.UInt64(v), nil
	case ua.TypeFloat:
		v, err := d.Float()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.Float(v), nil
	case ua.TypeDouble:
		v, err := d.Double()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.Double(v), nil
	case ua.TypeString:
		v, null, err := d.stringBytes()
		if err != nil {
			return ua.Variant{}, err
		}
		if null {
			return ua.NullString(), nil
		}
		return ua.String(string(v)), nil
	case ua.TypeDateTime:
		v, err := d.DateTime()
		if err != nil {
			return ua.Variant{}, err
		}
		return ua.TimeTicks(v), nil
	case ua.TypeGuid:
		if err := d.need(guidSize); err != nil {
			return ua.Variant{}, err
		}
		var g [16]byte
		copy(g[:], d.b[d.off:])
		d.off += guidSize
		return ua.Guid(g), nil
	case ua.TypeByteString:
		v, null, err := d.stringBytes()
		if err != nil {
			return ua.Variant{}, err
		}
		if null {
			return ua.NullByteString(), nil
		}
		out := make([]byte, len(v))
		copy(out, v)
		return ua.ByteString(out), nil
	}
	return ua.Variant{}, errors.NotValidf("builtin type %d", byte(t))
}

// Variant reads a 1-byte type tag then the scalar.
func (d *Decoder) Variant() (ua.Variant, error) {
	tag, err := d.Byte()
	if err != nil {
		return ua.Variant{}, errors.Annotate(err, "variant tag")
	}
	return d.Value(ua.BuiltinType(tag))
}
