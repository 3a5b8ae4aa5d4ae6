package debug

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Event identifies what a Record describes.
type Event uint16

const (
	EventNone Event = iota
	EventExit
	EventNestedVMRun
	EventNestedVMExit
	EventNestedIntercept
	EventInject
	EventASID
	EventAVICIncompleteIPI
	EventAVICUnaccelerated
	EventAVICDoorbell
	EventFailedEntry
	EventSIPI
)

var eventNames = map[Event]string{
	EventNone:              "none",
	EventExit:              "exit",
	EventNestedVMRun:       "nested_vmrun",
	EventNestedVMExit:      "nested_vmexit",
	EventNestedIntercept:   "nested_intercept",
	EventInject:            "inject",
	EventASID:              "asid",
	EventAVICIncompleteIPI: "avic_incomplete_ipi",
	EventAVICUnaccelerated: "avic_unaccelerated",
	EventAVICDoorbell:      "avic_doorbell",
	EventFailedEntry:       "failed_entry",
	EventSIPI:              "sipi",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", uint16(e))
}

// ParseEvent returns the event with the given name.
func ParseEvent(name string) (Event, bool) {
	for e, n := range eventNames {
		if n == name {
			return e, true
		}
	}
	return EventNone, false
}

// RecordSize is the encoded size of a Record.
const RecordSize = 48

// Record is a fixed-size trace point emitted by the engine. The meaning of
// the argument fields depends on Event.
type Record struct {
	Event    Event
	VCPU     uint32
	Code     uint64
	Arg1     uint64
	Arg2     uint64
	Arg3     uint64
	Duration time.Duration
}

// AppendBinary appends the encoded record to b.
func (r Record) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(r.Event))
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint32(b, r.VCPU)
	b = binary.LittleEndian.AppendUint64(b, r.Code)
	b = binary.LittleEndian.AppendUint64(b, r.Arg1)
	b = binary.LittleEndian.AppendUint64(b, r.Arg2)
	b = binary.LittleEndian.AppendUint64(b, r.Arg3)
	b = binary.LittleEndian.AppendUint64(b, uint64(r.Duration))
	return b
}

// DecodeRecord decodes a record payload.
func DecodeRecord(data []byte) (Record, error) {
	if len(data) < RecordSize {
		return Record{}, fmt.Errorf("debug: record payload is %d bytes, want %d", len(data), RecordSize)
	}
	return Record{
		Event:    Event(binary.LittleEndian.Uint16(data[0:2])),
		VCPU:     binary.LittleEndian.Uint32(data[4:8]),
		Code:     binary.LittleEndian.Uint64(data[8:16]),
		Arg1:     binary.LittleEndian.Uint64(data[16:24]),
		Arg2:     binary.LittleEndian.Uint64(data[24:32]),
		Arg3:     binary.LittleEndian.Uint64(data[32:40]),
		Duration: time.Duration(binary.LittleEndian.Uint64(data[40:48])),
	}, nil
}
