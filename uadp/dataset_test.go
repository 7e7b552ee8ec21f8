package uadp

import (
	"fmt"
	"testing"

	"github.com/induslab/uapub/helpers"
	"github.com/induslab/uapub/ua"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFields(n int) []ua.Field {
	all := []ua.Field{
		{Name: "Val_F32_A", Value: ua.Float(25.5)},
		{Name: "Val_F32_B", Value: ua.Float(1013.25)},
		{Name: "Val_I32_C", Value: ua.Int32(42)},
		{Name: "Val_Str_D", Value: ua.String("pump")},
		{Name: "Val_Bool_E", Value: ua.Bool(true)},
	}
	return all[:n]
}

func TestDataSetVariantRoundTrip(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 5} {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			src := &DataSetMessage{SequenceNumber: 7, Encoding: EncodingVariant, Fields: sampleFields(n)}
			e := NewEncoder()
			require.NoError(t, src.Encode(e))

			back, err := DecodeDataSet(e.Bytes())
			require.NoError(t, err)
			assert.Equal(t, uint16(7), back.SequenceNumber)
			assert.Equal(t, EncodingVariant, back.Encoding)
			require.Len(t, back.Fields, n)
			for i := range back.Fields {
				// names never travel in the frame
				assert.Equal(t, "", back.Fields[i].Name)
				assert.Equal(t, src.Fields[i].Value, back.Fields[i].Value)
			}
		})
	}
}

func TestDataSetHeaderBytes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		enc    FieldEncoding
		flags1 byte
	}{
		{EncodingVariant, 0x09},
		{EncodingRawData, 0x0B},
		{EncodingDataValue, 0x0D},
	}
	for _, c := range cases {
		c := c
		t.Run(c.enc.String(), func(t *testing.T) {
			m := &DataSetMessage{SequenceNumber: 0x0102, Encoding: c.enc}
			e := NewEncoder()
			require.NoError(t, m.Encode(e))
			b := e.Bytes()
			require.True(t, len(b) >= 4)
			assert.Equal(t, c.flags1, b[0], "flags1")
			assert.Equal(t, byte(0), b[1], "flags2 reserved")
			assert.Equal(t, helpers.MustHex("0201"), b[2:4], "sequence number LE")
		})
	}
}

func TestDataSetVariantGolden(t *testing.T) {
	t.Parallel()

	m := &DataSetMessage{SequenceNumber: 7, Encoding: EncodingVariant, Fields: sampleFields(1)}
	e := NewEncoder()
	require.NoError(t, m.Encode(e))
	assert.Equal(t, helpers.MustHex("090007000100"+"0a0000cc41"), e.Bytes())
}

func TestDataSetEmptyLegal(t *testing.T) {
	t.Parallel()

	// zero fields: 4-byte header plus the zero field count
	m := &DataSetMessage{Encoding: EncodingVariant}
	e := NewEncoder()
	require.NoError(t, m.Encode(e))
	assert.Equal(t, helpers.MustHex("090000000000"), e.Bytes())

	back, err := DecodeDataSet(e.Bytes())
	require.NoError(t, err)
	assert.Len(t, back.Fields, 0)

	// RawData with zero fields is just the header
	m2 := &DataSetMessage{Encoding: EncodingRawData}
	e2 := NewEncoder()
	require.NoError(t, m2.Encode(e2))
	assert.Equal(t, 4, e2.Len())
	back2, err := DecodeDataSetSchema(e2.Bytes(), ua.DataSetMeta{})
	require.NoError(t, err)
	assert.Len(t, back2.Fields, 0)
}

func TestDataSetSchemaRequired(t *testing.T) {
	t.Parallel()

	m := &DataSetMessage{Encoding: EncodingRawData, Fields: sampleFields(2)}
	e := NewEncoder()
	require.NoError(t, m.Encode(e))

	_, err := DecodeDataSet(e.Bytes())
	require.Error(t, err)
	assert.Equal(t, ErrSchemaRequired, errors.Cause(err))
}

func TestDataSetRawDataSchema(t *testing.T) {
	t.Parallel()

	fields := sampleFields(3)
	m := &DataSetMessage{SequenceNumber: 11, Encoding: EncodingRawData, Fields: fields}
	e := NewEncoder()
	require.NoError(t, m.Encode(e))

	meta := ua.MetaFor("bench", fields)
	back, err := DecodeDataSetSchema(e.Bytes(), meta)
	require.NoError(t, err)
	require.Len(t, back.Fields, 3)
	for i := range fields {
		assert.Equal(t, fields[i].Name, back.Fields[i].Name)
		assert.Equal(t, fields[i].Value, back.Fields[i].Value)
	}
}

func TestDataSetVariantSchemaNames(t *testing.T) {
	t.Parallel()

	fields := sampleFields(2)
	m := &DataSetMessage{Encoding: EncodingVariant, Fields: fields}
	e := NewEncoder()
	require.NoError(t, m.Encode(e))

	back, err := DecodeDataSetSchema(e.Bytes(), ua.MetaFor("bench", fields))
	require.NoError(t, err)
	assert.Equal(t, "Val_F32_A", back.Fields[0].Name)
	assert.Equal(t, "Val_F32_B", back.Fields[1].Name)
}

func TestDataSetDataValueSchema(t *testing.T) {
	t.Parallel()

	fields := []ua.Field{
		{Name: "temp", Value: ua.Float(21.5)},
		{Name: "pressure", Value: ua.Float(0), Status: ua.StatusBadSensorFailure},
		{Name: "mode", Value: ua.String("auto"), SourceTimestamp: 132000000000000000},
	}
	m := &DataSetMessage{SequenceNumber: 3, Encoding: EncodingDataValue, Fields: fields}
	e := NewEncoder()
	require.NoError(t, m.Encode(e))

	back, err := DecodeDataSetSchema(e.Bytes(), ua.MetaFor("rig", fields))
	require.NoError(t, err)
	require.Len(t, back.Fields, 3)
	assert.Equal(t, ua.StatusGood, back.Fields[0].Status)
	assert.Equal(t, ua.StatusBadSensorFailure, back.Fields[1].Status)
	assert.Equal(t, ua.DateTime(132000000000000000), back.Fields[2].SourceTimestamp)

	// encode of the decoded frame reproduces the bytes
	e2 := NewEncoder()
	require.NoError(t, back.Encode(e2))
	assert.Equal(t, e.Bytes(), e2.Bytes())
}

func TestDataSetSchemaMismatch(t *testing.T) {
	t.Parallel()

	fields := sampleFields(3)
	m := &DataSetMessage{Encoding: EncodingRawData, Fields: fields}
	e := NewEncoder()
	require.NoError(t, m.Encode(e))
	b := e.Bytes()

	t.Run("schema-too-long", func(t *testing.T) {
		long := ua.MetaFor("bench", sampleFields(5))
		_, err := DecodeDataSetSchema(b, long)
		assert.Error(t, err)
	})
	t.Run("schema-too-short", func(t *testing.T) {
		short := ua.MetaFor("bench", sampleFields(2))
		_, err := DecodeDataSetSchema(b, short)
		assert.Error(t, err) // leftover bytes
	})
	t.Run("count-mismatch-variant", func(t *testing.T) {
		mv := &DataSetMessage{Encoding: EncodingVariant, Fields: sampleFields(2)}
		ev := NewEncoder()
		require.NoError(t, mv.Encode(ev))
		_, err := DecodeDataSetSchema(ev.Bytes(), ua.MetaFor("bench", sampleFields(3)))
		assert.Error(t, err)
	})
	t.Run("variant-trailing-bytes", func(t *testing.T) {
		mv := &DataSetMessage{Encoding: EncodingVariant, Fields: sampleFields(1)}
		ev := NewEncoder()
		require.NoError(t, mv.Encode(ev))
		_, err := DecodeDataSet(append(ev.Bytes(), 0xFF))
		assert.Error(t, err)
	})
}

func TestDataSetReservedEncoding(t *testing.T) {
	t.Parallel()

	// bits1-2 = 3 is reserved
	b := helpers.MustHex("0f000000")
	_, err := DecodeDataSet(b)
	assert.Error(t, err)
	_, err = DecodeDataSetSchema(b, ua.DataSetMeta{})
	assert.Error(t, err)

	m := &DataSetMessage{Encoding: FieldEncoding(3)}
	e := NewEncoder()
	assert.Error(t, m.Encode(e))
}

func TestDataSetBuilder(t *testing.T) {
	t.Parallel()

	m := NewDataSetMessage(1000)
	m.AddField("temp", ua.Float(21.5)).AddValue("count", 42)
	assert.Equal(t, uint16(1000), m.WriterID)
	require.Len(t, m.Fields, 2)
	assert.Equal(t, ua.TypeFloat, m.Fields[0].Value.Type())
	assert.Equal(t, ua.TypeSByte, m.Fields[1].Value.Type())
}

func TestDataSetInvalidBitClear(t *testing.T) {
	t.Parallel()

	// valid bit (bit0) clear
	_, err := DecodeDataSet(helpers.MustHex("08000000"))
	assert.Error(t, err)
}
