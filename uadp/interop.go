package uadp

import (
	"github.com/induslab/uapub/ua"
	"github.com/juju/errors"
)

// DataSetClassID is the fixed 16-byte classifier the certified validation
// tool expects.
var DataSetClassID = [16]byte{
	0x94, 0x97, 0xE7, 0xEA, 0xF7, 0x1A, 0x96, 0x4F,
	0x84, 0x01, 0x40, 0x96, 0xCD, 0x1D, 0x89, 0x08,
}

// Literal header pair of the validation template. The extended byte says
// string publisher id, DataSetClassId present; the id is then written as
// a bare length-prefixed string with no selector byte.
const (
	interopFlags    = 0xD1
	interopExtended = 0x0C
)

// EncodeInterop builds the fixed frame layout accepted by the reference
// validation tool: exactly one Variant-encoded DataSet message, no Flags2,
// no sequence numbers. This is a golden template for interop checks, not
// a configurable framing mode.
func EncodeInterop(publisherID string, writerID uint16, fields []ua.Field) ([]byte, error) {
	e := NewEncoder()
	e.PutByte(interopFlags)
	e.PutByte(interopExtended)
	e.PutString(publisherID)
	e.b = append(e.b, DataSetClassID[:]...)
	e.PutByte(1) // message count
	e.PutUInt16(writerID)
	e.PutByte(dsFlagValid) // Variant field encoding
	e.PutUInt16(uint16(len(fields)))
	for i := range fields {
		if err := e.PutVariant(fields[i].Value); err != nil {
			return nil, errors.Annotatef(err, "field %s", fields[i].Name)
		}
	}
	return e.Bytes(), nil
}
