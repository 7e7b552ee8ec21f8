// Package uadp implements the UADP binary encoding of OPC UA PubSub
// NetworkMessages: bounds-checked little-endian scalar codec, DataValue
// envelopes, DataSetMessage frames and the outer network framing in full,
// minimal and interop-template flavors.
package uadp

// NetworkMessage flags byte: the UADP version in the low 4 bits plus
// presence bits for the optional header sections.
const (
	ProtocolVersion = 1

	flagVersionMask   = 0x0F
	flagPublisherID   = 0x10
	flagGroupHeader   = 0x20
	flagPayloadHeader = 0x40
	flagExtended1     = 0x80
)

// Publisher id selector byte, written after the flags byte when
// flagPublisherID is set. 3 (UInt64) is never produced by the encode
// selection rule but is accepted on decode.
const (
	pubIDByte   = 0x00
	pubIDUInt16 = 0x01
	pubIDUInt32 = 0x02
	pubIDUInt64 = 0x03
	pubIDString = 0x04
)

// Group header sub-flags. The encoder always emits all three fields;
// decode honors each bit on its own.
const (
	groupFlagWriterGroupID = 0x01
	groupFlagVersion       = 0x02
	groupFlagNumber        = 0x04
)

// DataSetMessage Flags1: bit0 valid, bits1-2 field encoding, bit3
// sequence number present. Bits 4-7 (status, config version, Flags2) stay
// zero in this profile. Flags2 is emitted as a zero byte.
const (
	dsFlagValid     = 0x01
	dsFlagSeqNr     = 0x08
	dsEncodingShift = 1
	dsEncodingMask  = 0x06
)

// FieldEncoding selects how DataSetMessage fields go on the wire.
type FieldEncoding byte

const (
	// EncodingVariant writes a type tag before every value. Self-describing.
	EncodingVariant FieldEncoding = 0
	// EncodingRawData writes bare values. Densest; the subscriber must know
	// the field order and types out-of-band.
	EncodingRawData FieldEncoding = 1
	// EncodingDataValue wraps every value in a masked DataValue envelope
	// carrying per-field status and source timestamp.
	EncodingDataValue FieldEncoding = 2
)

func (fe FieldEncoding) String() string {
	switch fe {
	case EncodingVariant:
		return "Variant"
	case EncodingRawData:
		return "RawData"
	case EncodingDataValue:
		return "DataValue"
	}
	return "FieldEncoding?"
}
