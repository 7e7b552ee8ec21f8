package uadp

import (
	"github.com/induslab/uapub/ua"
	"github.com/juju/errors"
)

// DataValue envelope mask. Fields follow in mask-bit order: value, status,
// timestamp. Reading out of this order misinterprets everything after.
const (
	dvMaskValue     = 0x01
	dvMaskStatus    = 0x02
	dvMaskTimestamp = 0x04
)

// PutDataValue appends dv behind its mask byte. The value bit is always
// set. Status goes on the wire only when requested and not Good. A
// requested timestamp of zero is derived from the encoder clock.
func (e *Encoder) PutDataValue(dv ua.DataValue, includeStatus, includeTimestamp bool) error {
	mask := byte(dvMaskValue)
	if includeStatus && dv.Status != ua.StatusGood {
		mask |= dvMaskStatus
	}
	if includeTimestamp {
		mask |= dvMaskTimestamp
	}
	e.PutByte(mask)
	if err := e.PutValue(dv.Value); err != nil {
		return errors.Trace(err)
	}
	if mask&dvMaskStatus != 0 {
		e.PutStatus(dv.Status)
	}
	if mask&dvMaskTimestamp != 0 {
		ts := dv.SourceTimestamp
		if ts == 0 {
			ts = ua.DateTimeFromTime(e.now())
		}
		e.PutDateTime(ts)
	}
	return nil
}

// PutDataValueRaw appends only the scalar: no mask, no metadata. For
// subscribers whose schema says there is never quality information.
func (e *Encoder) PutDataValueRaw(dv ua.DataValue) error {
	return e.PutValue(dv.Value)
}

// DataValue reads a mask-prefixed envelope whose value has type t.
func (d *Decoder) DataValue(t ua.BuiltinType) (ua.DataValue, error) {
	var dv ua.DataValue
	mask, err := d.Byte()
	if err != nil {
		return dv, errors.Annotate(err, "datavalue mask")
	}
	if mask&dvMaskValue != 0 {
		if dv.Value, err = d.Value(t); err != nil {
			return dv, errors.Annotate(err, "datavalue value")
		}
	}
	if mask&dvMaskStatus != 0 {
		if dv.Status, err = d.Status(); err != nil {
			return dv, errors.Annotate(err, "datavalue status")
		}
	}
	if mask&dvMaskTimestamp != 0 {
		if dv.SourceTimestamp, err = d.DateTime(); err != nil {
			return dv, errors.Annotate(err, "datavalue timestamp")
		}
	}
	return dv, nil
}
