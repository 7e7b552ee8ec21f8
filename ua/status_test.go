package ua

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusSeverity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		sc        StatusCode
		good      bool
		uncertain bool
		bad       bool
	}{
		{"good", StatusGood, true, false, false},
		{"good-subcode", 0x00000001, true, false, false},
		{"uncertain", StatusUncertain, false, true, false},
		{"uncertain-subcode", 0x40A00000, false, true, false},
		{"bad", StatusBad, false, false, true},
		{"bad-sensor", StatusBadSensorFailure, false, false, true},
		{"bad-comm", StatusBadCommunicationError, false, false, true},
		{"bad-range", StatusBadOutOfRange, false, false, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.good, c.sc.IsGood())
			assert.Equal(t, c.uncertain, c.sc.IsUncertain())
			assert.Equal(t, c.bad, c.sc.IsBad())
		})
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Good", StatusGood.String())
	assert.Equal(t, "BadSensorFailure", StatusBadSensorFailure.String())
	assert.Equal(t, "BadCommunicationError", StatusBadCommunicationError.String())
	assert.Equal(t, "BadOutOfRange", StatusBadOutOfRange.String())
	assert.Equal(t, "Bad(0x80000001)", StatusCode(0x80000001).String())
	assert.Equal(t, "Uncertain(0x40000000)", StatusUncertain.String())
}

func TestStatusNamedValues(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(0x80B10000), uint32(StatusBadSensorFailure))
	assert.Equal(t, uint32(0x80C00000), uint32(StatusBadCommunicationError))
	assert.Equal(t, uint32(0x803C0000), uint32(StatusBadOutOfRange))
}
