package ua

import "time"

// DateTime is an OPC UA timestamp: 100ns ticks since 1601-01-01 UTC
// (FILETIME epoch). Zero means "not set" and encoders derive a value from
// their clock where one is required.
type DateTime uint64

// Seconds between the FILETIME epoch and the Unix epoch.
const epochDelta = 11644473600

const ticksPerSecond = 10 * 1000 * 1000

func DateTimeFromTime(t time.Time) DateTime {
	if t.IsZero() {
		return 0
	}
	return DateTime(uint64(t.Unix()+epochDelta)*ticksPerSecond + uint64(t.Nanosecond()/100))
}

func (dt DateTime) IsZero() bool { return dt == 0 }

func (dt DateTime) Time() time.Time {
	if dt == 0 {
		return time.Time{}
	}
	sec := int64(dt)/ticksPerSecond - epochDelta
	nsec := int64(dt) % ticksPerSecond * 100
	return time.Unix(sec, nsec).UTC()
}
