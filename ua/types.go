// Package ua holds the scalar type system shared by the UADP binary and
// JSON encodings: builtin type ids, tagged values, status codes and
// FILETIME-style timestamps.
package ua

import "fmt"

// BuiltinType identifies a scalar wire type. Values are the OPC UA Part 6
// builtin ids; this subset is what PubSub messages actually carry.
type BuiltinType byte

const (
	TypeBoolean    BuiltinType = 1
	TypeSByte      BuiltinType = 2
	TypeByte       BuiltinType = 3
	TypeInt16      BuiltinType = 4
	TypeUInt16     BuiltinType = 5
	TypeInt32      BuiltinType = 6
	TypeUInt32     BuiltinType = 7
	TypeInt64      BuiltinType = 8
	TypeUInt64     BuiltinType = 9
	TypeFloat      BuiltinType = 10
	TypeDouble     BuiltinType = 11
	TypeString     BuiltinType = 12
	TypeDateTime   BuiltinType = 13
	TypeGuid       BuiltinType = 14
	TypeByteString BuiltinType = 15
)

var typeNames = [...]string{
	TypeBoolean:    "Boolean",
	TypeSByte:      "SByte",
	TypeByte:       "Byte",
	TypeInt16:      "Int16",
	TypeUInt16:     "UInt16",
	TypeInt32:      "Int32",
	TypeUInt32:     "UInt32",
	TypeInt64:      "Int64",
	TypeUInt64:     "UInt64",
	TypeFloat:      "Float",
	TypeDouble:     "Double",
	TypeString:     "String",
	TypeDateTime:   "DateTime",
	TypeGuid:       "Guid",
	TypeByteString: "ByteString",
}

func (t BuiltinType) Valid() bool {
	return t >= TypeBoolean && t <= TypeByteString
}

func (t BuiltinType) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("BuiltinType(%d)", byte(t))
}
