package ua

import "fmt"

// StatusCode is the 32-bit quality attached to a value. Severity lives in
// the two most significant bits; everything below is a sub-code.
type StatusCode uint32

const (
	StatusGood      StatusCode = 0x00000000
	StatusUncertain StatusCode = 0x40000000
	StatusBad       StatusCode = 0x80000000

	StatusBadOutOfRange         StatusCode = 0x803C0000
	StatusBadSensorFailure      StatusCode = 0x80B10000
	StatusBadCommunicationError StatusCode = 0x80C00000
)

const severityMask StatusCode = 0xC0000000

func (sc StatusCode) IsGood() bool      { return sc&severityMask == StatusGood }
func (sc StatusCode) IsUncertain() bool { return sc&severityMask == StatusUncertain }
func (sc StatusCode) IsBad() bool       { return sc&severityMask == StatusBad }

func (sc StatusCode) String() string {
	switch sc {
	case StatusGood:
		return "Good"
	case StatusBadOutOfRange:
		return "BadOutOfRange"
	case StatusBadSensorFailure:
		return "BadSensorFailure"
	case StatusBadCommunicationError:
		return "BadCommunicationError"
	}
	switch {
	case sc.IsBad():
		return fmt.Sprintf("Bad(0x%08X)", uint32(sc))
	case sc.IsUncertain():
		return fmt.Sprintf("Uncertain(0x%08X)", uint32(sc))
	}
	return fmt.Sprintf("Good(0x%08X)", uint32(sc))
}
