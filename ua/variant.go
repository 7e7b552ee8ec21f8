package ua

import (
	"fmt"
	"math"
	"time"
)

// Variant is one scalar wire value tagged with its BuiltinType. Build with
// a constructor or Infer; the zero Variant has no valid type and is
// rejected by encoders.
//
// Null is a real state for String and ByteString only (length -1 on the
// wire); other types have no null form.
type Variant struct {
	t    BuiltinType
	null bool
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string
	bs   []byte
}

func Bool(v bool) Variant      { return Variant{t: TypeBoolean, b: v} }
func SByte(v int8) Variant     { return Variant{t: TypeSByte, i: int64(v)} }
func Byte(v uint8) Variant     { return Variant{t: TypeByte, u: uint64(v)} }
func Int16(v int16) Variant    { return Variant{t: TypeInt16, i: int64(v)} }
func UInt16(v uint16) Variant  { return Variant{t: TypeUInt16, u: uint64(v)} }
func Int32(v int32) Variant    { return Variant{t: TypeInt32, i: int64(v)} }
func UInt32(v uint32) Variant  { return Variant{t: TypeUInt32, u: uint64(v)} }
func Int64(v int64) Variant    { return Variant{t: TypeInt64, i: v} }
func UInt64(v uint64) Variant  { return Variant{t: TypeUInt64, u: v} }
func Float(v float32) Variant  { return Variant{t: TypeFloat, f: float64(v)} }
func Double(v float64) Variant { return Variant{t: TypeDouble, f: v} }
func String(v string) Variant  { return Variant{t: TypeString, s: v} }
func NullString() Variant      { return Variant{t: TypeString, null: true} }

// Time carries a timestamp value; TimeTicks takes raw FILETIME ticks.
func Time(v time.Time) Variant      { return Variant{t: TypeDateTime, u: uint64(DateTimeFromTime(v))} }
func TimeTicks(dt DateTime) Variant { return Variant{t: TypeDateTime, u: uint64(dt)} }

// Guid carries 16 raw bytes.
func Guid(v [16]byte) Variant { return Variant{t: TypeGuid, bs: v[:]} }

// ByteString carries raw bytes; nil means null, an empty non-nil slice is
// a present zero-length value.
func ByteString(v []byte) Variant {
	if v == nil {
		return Variant{t: TypeByteString, null: true}
	}
	return Variant{t: TypeByteString, bs: v}
}
func NullByteString() Variant { return Variant{t: TypeByteString, null: true} }

func (v Variant) Type() BuiltinType { return v.t }
func (v Variant) IsNull() bool      { return v.null }
func (v Variant) Bool() bool        { return v.b }
func (v Variant) Int() int64        { return v.i }
func (v Variant) Uint() uint64      { return v.u }
func (v Variant) Float() float64    { return v.f }
func (v Variant) Str() string       { return v.s }
func (v Variant) Bytes() []byte     { return v.bs }
func (v Variant) Ticks() DateTime   { return DateTime(v.u) }

// Interface returns the natural Go value: bool, int64, uint64, float64,
// string, []byte, time.Time, or nil for a null variant.
func (v Variant) Interface() interface{} {
	if v.null {
		return nil
	}
	switch v.t {
	case TypeBoolean:
		return v.b
	case TypeSByte, TypeInt16, TypeInt32, TypeInt64:
		return v.i
	case TypeByte, TypeUInt16, TypeUInt32, TypeUInt64:
		return v.u
	case TypeFloat, TypeDouble:
		return v.f
	case TypeString:
		return v.s
	case TypeDateTime:
		return DateTime(v.u).Time()
	case TypeGuid, TypeByteString:
		return v.bs
	}
	return nil
}

func (v Variant) String() string {
	if v.null {
		return v.t.String() + ":null"
	}
	switch v.t {
	case TypeBoolean:
		return fmt.Sprintf("Boolean:%t", v.b)
	case TypeSByte, TypeInt16, TypeInt32, TypeInt64:
		return fmt.Sprintf("%s:%d", v.t, v.i)
	case TypeByte, TypeUInt16, TypeUInt32, TypeUInt64:
		return fmt.Sprintf("%s:%d", v.t, v.u)
	case TypeFloat, TypeDouble:
		return fmt.Sprintf("%s:%g", v.t, v.f)
	case TypeString:
		return fmt.Sprintf("String:%q", v.s)
	case TypeDateTime:
		return "DateTime:" + DateTime(v.u).Time().Format(time.RFC3339)
	case TypeGuid, TypeByteString:
		return fmt.Sprintf("%s:%x", v.t, v.bs)
	}
	return v.t.String()
}

// Infer maps a host value to a Variant by its runtime shape: bool to
// Boolean, plain int to the narrowest signed type that fits (sized integer
// kinds keep their width), floating point to Float (use Double explicitly
// for 64-bit), text to String, raw bytes to ByteString. nil becomes a null
// String. Everything else is rendered with fmt.Sprint and carried as
// String; this fallback is deliberate, not an error.
func Infer(v interface{}) Variant {
	switch x := v.(type) {
	case Variant:
		return x
	case nil:
		return NullString()
	case bool:
		return Bool(x)
	case int:
		return inferInt(int64(x))
	case int8:
		return SByte(x)
	case int16:
		return Int16(x)
	case int32:
		return Int32(x)
	case int64:
		return Int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return UInt64(uint64(x))
		}
		return inferInt(int64(x))
	case uint8:
		return Byte(x)
	case uint16:
		return UInt16(x)
	case uint32:
		return UInt32(x)
	case uint64:
		return UInt64(x)
	case float32:
		return Float(x)
	case float64:
		return Float(float32(x))
	case string:
		return String(x)
	case []byte:
		return ByteString(x)
	case time.Time:
		return Time(x)
	case DateTime:
		return TimeTicks(x)
	}
	return String(fmt.Sprint(v))
}

func inferInt(v int64) Variant {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return SByte(int8(v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return Int16(int16(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		return Int32(int32(v))
	}
	return Int64(v)
}
