package uajson

import (
	"strings"
	"testing"
	"time"

	"github.com/induslab/uapub/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2024, time.January, 15, 10, 30, 0, 0, time.UTC)
}

func TestDataMessageGolden(t *testing.T) {
	t.Parallel()

	nm := NewNetworkMessage("msg-1", "ESP32")
	nm.AddDataSet(1000, 7, []ua.Field{
		{Name: "Val_F32_A", Value: ua.Float(25.5)},
	}, fixedClock)
	b, err := nm.Marshal()
	require.NoError(t, err)
	assert.Equal(t, `{"MessageId":"msg-1","MessageType":"ua-data","PublisherId":"ESP32",`+
		`"Messages":[{"DataSetWriterId":1000,"SequenceNumber":7,`+
		`"Payload":{"Val_F32_A":{"Value":25.5,"SourceTimestamp":"2024-01-15T10:30:00Z"}}}]}`,
		string(b))
}

func TestStatusOmittedWhenGood(t *testing.T) {
	t.Parallel()

	nm := NewNetworkMessage("msg-2", "ESP32")
	nm.AddDataSet(1, 1, []ua.Field{
		{Name: "ok", Value: ua.Float(1)},
		{Name: "broken", Value: ua.Float(0), Status: ua.StatusBadSensorFailure},
	}, fixedClock)
	b, err := nm.Marshal()
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(b), "StatusCode"))

	back, err := Unmarshal(b)
	require.NoError(t, err)
	require.Len(t, back.Messages, 1)
	assert.Equal(t, ua.StatusGood, back.Messages[0].Payload["ok"].StatusCode)
	assert.Equal(t, ua.StatusBadSensorFailure, back.Messages[0].Payload["broken"].StatusCode)
}

func TestExplicitTimestampWins(t *testing.T) {
	t.Parallel()

	// non-UTC input must come out converted, not shifted
	sampled := time.Date(2024, time.January, 15, 12, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	nm := NewNetworkMessage("msg-3", "ESP32")
	nm.AddDataSet(1, 1, []ua.Field{
		{Name: "temp", Value: ua.Float(25.5), SourceTimestamp: ua.DateTimeFromTime(sampled)},
	}, fixedClock)
	b, err := nm.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"SourceTimestamp":"2024-01-15T10:30:00Z"`)
}

func TestJSONValue(t *testing.T) {
	t.Parallel()

	guid := [16]byte{0x94, 0x97, 0xE7, 0xEA, 0xF7, 0x1A, 0x96, 0x4F, 0x84, 0x01, 0x40, 0x96, 0xCD, 0x1D, 0x89, 0x08}
	cases := []struct {
		name   string
		v      ua.Variant
		expect interface{}
	}{
		{"bool", ua.Bool(true), true},
		{"int", ua.Int32(-42), int64(-42)},
		{"uint", ua.UInt16(1000), uint64(1000)},
		{"float", ua.Float(25.5), float64(25.5)},
		{"string", ua.String("pump"), "pump"},
		{"null-string", ua.NullString(), nil},
		{"null-bytes", ua.NullByteString(), nil},
		{"datetime", ua.Time(fixedClock()), "2024-01-15T10:30:00Z"},
		{"guid", ua.Guid(guid), "9497e7ea-f71a-964f-8401-4096cd1d8908"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expect, jsonValue(c.v))
		})
	}
}

func TestByteStringRendersBase64(t *testing.T) {
	t.Parallel()

	nm := NewNetworkMessage("msg-4", "ESP32")
	nm.AddDataSet(1, 1, []ua.Field{
		{Name: "blob", Value: ua.ByteString([]byte{1, 2, 3})},
	}, fixedClock)
	b, err := nm.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"Value":"AQID"`)
}

func TestUnmarshalForeignMessage(t *testing.T) {
	t.Parallel()

	// unknown keys are tolerated, known ones land
	in := `{"MessageId":"x","MessageType":"ua-data","PublisherId":"plc-7","DataSetClassId":"ignored",
		"Messages":[{"DataSetWriterId":3,"SequenceNumber":900001,
		"Payload":{"rpm":{"Value":1480,"SourceTimestamp":"2024-01-15T10:30:00Z","StatusCode":2159083520}}}]}`
	nm, err := Unmarshal([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, "plc-7", nm.PublisherId)
	require.Len(t, nm.Messages, 1)
	assert.Equal(t, uint16(3), nm.Messages[0].DataSetWriterId)
	assert.Equal(t, uint32(900001), nm.Messages[0].SequenceNumber)
	assert.Equal(t, ua.StatusBadSensorFailure, nm.Messages[0].Payload["rpm"].StatusCode)
}

func TestUnmarshalRejects(t *testing.T) {
	t.Parallel()

	_, err := Unmarshal([]byte(`{"MessageType":"ua-metadata"}`))
	assert.Error(t, err)
	_, err = Unmarshal([]byte(`{`))
	assert.Error(t, err)
	_, err = UnmarshalMeta([]byte(`{"MessageType":"ua-data"}`))
	assert.Error(t, err)
}

func TestMetaDataGolden(t *testing.T) {
	t.Parallel()

	meta := ua.DataSetMeta{Name: "pump", Fields: []ua.FieldMeta{
		{Name: "temp", Type: ua.TypeFloat},
		{Name: "running", Type: ua.TypeBoolean},
	}}
	mm := NewMetaDataMessage("m-2", "ESP32", 1000, meta)
	b, err := mm.Marshal()
	require.NoError(t, err)
	assert.Equal(t, `{"MessageId":"m-2","MessageType":"ua-metadata","PublisherId":"ESP32",`+
		`"DataSetWriterId":1000,"MetaData":{"Name":"pump",`+
		`"Fields":[{"Name":"temp","BuiltInType":10},{"Name":"running","BuiltInType":1}]}}`,
		string(b))
}

func TestMetaDataRoundTrip(t *testing.T) {
	t.Parallel()

	meta := ua.MetaFor("engine", []ua.Field{
		{Name: "rpm", Value: ua.Int32(1480)},
		{Name: "state", Value: ua.String("run")},
	})
	mm := NewMetaDataMessage("m-3", "ESP32", 7, meta)
	b, err := mm.Marshal()
	require.NoError(t, err)

	back, err := UnmarshalMeta(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), back.DataSetWriterId)
	got, err := back.Schema()
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestMetaDataSchemaRejectsUnknownType(t *testing.T) {
	t.Parallel()

	mm, err := UnmarshalMeta([]byte(`{"MessageType":"ua-metadata",
		"MetaData":{"Name":"x","Fields":[{"Name":"f","BuiltInType":99}]}}`))
	require.NoError(t, err)
	_, err = mm.Schema()
	assert.Error(t, err)
}
