package uadp

import (
	"testing"

	"github.com/induslab/uapub/helpers"
	"github.com/induslab/uapub/ua"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleNetworkMessage(datasets int) *NetworkMessage {
	id, _ := PublisherID(42)
	nm := &NetworkMessage{
		PublisherID:    id,
		WriterGroupID:  100,
		SequenceNumber: 7,
		GroupHeader:    true,
		PayloadHeader:  true,
	}
	for i := 0; i < datasets; i++ {
		nm.Messages = append(nm.Messages, &DataSetMessage{
			WriterID:       uint16(1000 + i),
			SequenceNumber: 7,
			Encoding:       EncodingVariant,
			Fields:         sampleFields(1),
		})
	}
	return nm
}

func TestNetworkMessageGolden(t *testing.T) {
	t.Parallel()

	e := NewEncoder()
	require.NoError(t, sampleNetworkMessage(1).Encode(e))
	want := helpers.MustHex(
		"71" + // version 1, publisher id, group header, payload header
			"002a" + // Byte publisher id 42
			"07" + "6400" + "00000000" + "0700" + // group header, all three fields
			"01" + "e803" + // payload header: one message, writer 1000
			"090007000100" + "0a0000cc41") // single dataset, no length prefix
	assert.Equal(t, want, e.Bytes())
}

func TestNetworkMessageRoundTrip(t *testing.T) {
	t.Parallel()

	e := NewEncoder()
	require.NoError(t, sampleNetworkMessage(1).Encode(e))

	nm, err := DecodeNetworkMessage(e.Bytes())
	require.NoError(t, err)
	assert.Equal(t, ua.Byte(42), nm.PublisherID)
	assert.Equal(t, uint16(100), nm.WriterGroupID)
	assert.Equal(t, uint32(0), nm.GroupVersion)
	assert.Equal(t, uint16(7), nm.SequenceNumber)
	assert.True(t, nm.GroupHeader)
	assert.True(t, nm.PayloadHeader)
	assert.Equal(t, 1, nm.Count)
	assert.Equal(t, []uint16{1000}, nm.WriterIDs)

	payloads, err := nm.DataSetPayloads()
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	ds, err := DecodeDataSet(payloads[0])
	require.NoError(t, err)
	assert.Equal(t, ua.Float(25.5), ds.Fields[0].Value)
}

func TestSingleDataSetNoLengthPrefix(t *testing.T) {
	t.Parallel()

	e := NewEncoder()
	require.NoError(t, sampleNetworkMessage(1).Encode(e))
	nm, err := DecodeNetworkMessage(e.Bytes())
	require.NoError(t, err)
	// payload starts straight at the dataset header, not a length
	require.NotEmpty(t, nm.Payload)
	assert.Equal(t, byte(0x09), nm.Payload[0])
}

func TestMultiDataSetLengthPrefixes(t *testing.T) {
	t.Parallel()

	e := NewEncoder()
	require.NoError(t, sampleNetworkMessage(3).Encode(e))
	nm, err := DecodeNetworkMessage(e.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 3, nm.Count)
	assert.Equal(t, []uint16{1000, 1001, 1002}, nm.WriterIDs)

	payloads, err := nm.DataSetPayloads()
	require.NoError(t, err)
	require.Len(t, payloads, 3)

	// each prefix carries the exact frame size and prefix+bytes
	// concatenation reconstructs the payload blob byte-for-byte
	rebuilt := NewEncoder()
	for _, p := range payloads {
		require.True(t, len(p) <= 0xFFFF)
		rebuilt.PutUInt16(uint16(len(p)))
		rebuilt.b = append(rebuilt.b, p...)

		ds, err := DecodeDataSet(p)
		require.NoError(t, err)
		assert.Equal(t, ua.Float(25.5), ds.Fields[0].Value)
	}
	assert.Equal(t, nm.Payload, rebuilt.Bytes())
}

func TestPublisherIDWidths(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		id       interface{}
		selector byte
		variant  ua.Variant
	}{
		{"byte-0", 0, pubIDByte, ua.Byte(0)},
		{"byte-255", 255, pubIDByte, ua.Byte(255)},
		{"uint16-256", 256, pubIDUInt16, ua.UInt16(256)},
		{"uint16-65535", 65535, pubIDUInt16, ua.UInt16(65535)},
		{"uint32-65536", 65536, pubIDUInt32, ua.UInt32(65536)},
		{"uint32-max", int64(4294967295), pubIDUInt32, ua.UInt32(4294967295)},
		{"uint64-past-32bit", uint64(4294967296), pubIDUInt64, ua.UInt64(4294967296)},
		{"string", "ESP32", pubIDString, ua.String("ESP32")},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			id, err := PublisherID(c.id)
			require.NoError(t, err)
			assert.Equal(t, c.variant, id)

			nm := &NetworkMessage{PublisherID: id, Messages: []*DataSetMessage{{Encoding: EncodingVariant}}}
			e := NewEncoder()
			require.NoError(t, nm.Encode(e))
			assert.Equal(t, c.selector, e.Bytes()[1], "selector byte")

			back, err := DecodeNetworkMessage(e.Bytes())
			require.NoError(t, err)
			assert.Equal(t, c.variant, back.PublisherID)
		})
	}
}

func TestPublisherIDRejects(t *testing.T) {
	t.Parallel()

	_, err := PublisherID(-1)
	assert.Error(t, err)
	_, err = PublisherID(3.14)
	assert.Error(t, err)
	_, err = PublisherID(ua.Bool(true))
	assert.Error(t, err)
}

func TestMinimalFramingGolden(t *testing.T) {
	t.Parallel()

	id, err := PublisherID("ESP32")
	require.NoError(t, err)
	nm := &NetworkMessage{PublisherID: id, Messages: []*DataSetMessage{{
		SequenceNumber: 7,
		Encoding:       EncodingVariant,
		Fields:         sampleFields(1),
	}}}
	e := NewEncoder()
	require.NoError(t, nm.EncodeMinimal(e))
	want := helpers.MustHex(
		"11" + // version 1, publisher id only
			"04" + "05000000" + "4553503332" + // String id "ESP32"
			"01" + // message count
			"090007000100" + "0a0000cc41")
	assert.Equal(t, want, e.Bytes())
}

func TestMinimalFramingTruncatesStringID(t *testing.T) {
	t.Parallel()

	id, err := PublisherID("ABCDEFGHIJKLMNOPQRST") // 20 bytes
	require.NoError(t, err)
	nm := &NetworkMessage{PublisherID: id, Messages: []*DataSetMessage{{Encoding: EncodingVariant}}}
	e := NewEncoder()
	require.NoError(t, nm.EncodeMinimal(e))

	want := helpers.MustHex("11" + "04" + "10000000" + "4142434445464748494a4b4c4d4e4f50")
	assert.Equal(t, want, e.Bytes()[:2+4+16])

	// full framing keeps the id whole
	e2 := NewEncoder()
	require.NoError(t, nm.Encode(e2))
	back, err := DecodeNetworkMessage(e2.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "ABCDEFGHIJKLMNOPQRST", back.PublisherID.Str())
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	t.Parallel()

	for _, v := range []byte{0, 2, 15} {
		_, err := DecodeNetworkMessage([]byte{v, 0x00})
		require.Error(t, err, "version %d", v)
		assert.Equal(t, ErrVersion, errors.Cause(err))
	}
}

func TestDecodeRejectsExtendedFlags(t *testing.T) {
	t.Parallel()

	_, err := DecodeNetworkMessage(helpers.MustHex("910c"))
	assert.Error(t, err)
}

func TestDecodeGroupBitsIndependent(t *testing.T) {
	t.Parallel()

	t.Run("writer-group-only", func(t *testing.T) {
		// flags: version|pubid|group; group flags 0x01; wgid 100
		b := helpers.MustHex("31" + "0005" + "01" + "6400")
		nm, err := DecodeNetworkMessage(b)
		require.NoError(t, err)
		assert.Equal(t, uint16(100), nm.WriterGroupID)
		assert.Equal(t, uint32(0), nm.GroupVersion)
		assert.Equal(t, uint16(0), nm.SequenceNumber)
		assert.Empty(t, nm.Payload)
	})
	t.Run("sequence-only", func(t *testing.T) {
		b := helpers.MustHex("31" + "0005" + "04" + "0900")
		nm, err := DecodeNetworkMessage(b)
		require.NoError(t, err)
		assert.Equal(t, uint16(0), nm.WriterGroupID)
		assert.Equal(t, uint16(9), nm.SequenceNumber)
	})
	t.Run("no-group-header", func(t *testing.T) {
		b := helpers.MustHex("11" + "0005")
		nm, err := DecodeNetworkMessage(b)
		require.NoError(t, err)
		assert.False(t, nm.GroupHeader)
		assert.Equal(t, 1, nm.Count)
	})
}

func TestDecodeTruncatedHeader(t *testing.T) {
	t.Parallel()

	e := NewEncoder()
	require.NoError(t, sampleNetworkMessage(1).Encode(e))
	b := e.Bytes()
	const headerLen = 15 // flags+pubid+group header+payload header
	for cut := 0; cut < headerLen; cut++ {
		if _, err := DecodeNetworkMessage(b[:cut]); err == nil {
			t.Fatalf("cut=%d expected error", cut)
		}
	}
	// a complete header with truncated payload parses; the damage shows
	// up when splitting
	nm, err := DecodeNetworkMessage(b[:headerLen])
	require.NoError(t, err)
	payloads, err := nm.DataSetPayloads()
	require.NoError(t, err)
	assert.Nil(t, payloads)
}

func TestDataSetPayloadsErrors(t *testing.T) {
	t.Parallel()

	t.Run("short-length", func(t *testing.T) {
		nm := &NetworkMessage{Count: 2, Payload: helpers.MustHex("0300aabb")}
		_, err := nm.DataSetPayloads()
		assert.Error(t, err)
	})
	t.Run("trailing-bytes", func(t *testing.T) {
		nm := &NetworkMessage{Count: 1, PayloadHeader: true, Payload: helpers.MustHex("01")}
		p, err := nm.DataSetPayloads()
		require.NoError(t, err)
		assert.Len(t, p, 1)

		nm2 := &NetworkMessage{Count: 2, Payload: helpers.MustHex("0100aa0100bbcc")}
		_, err = nm2.DataSetPayloads()
		assert.Error(t, err)
	})
}

func TestPayloadHeaderOptional(t *testing.T) {
	t.Parallel()

	id, err := PublisherID(5)
	require.NoError(t, err)
	nm := &NetworkMessage{
		PublisherID: id,
		Messages: []*DataSetMessage{{
			Encoding: EncodingVariant,
			Fields:   sampleFields(1),
		}},
	}
	e := NewEncoder()
	require.NoError(t, nm.Encode(e))
	assert.Equal(t, byte(0x11), e.Bytes()[0])

	back, err := DecodeNetworkMessage(e.Bytes())
	require.NoError(t, err)
	assert.False(t, back.PayloadHeader)
	assert.Nil(t, back.WriterIDs)
	assert.Equal(t, 1, back.Count)
	payloads, err := back.DataSetPayloads()
	require.NoError(t, err)
	require.Len(t, payloads, 1)
}
