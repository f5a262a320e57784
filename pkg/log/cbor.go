package log

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// The .flog stream codec. Encoding is deterministic: the same event
// always encodes to the same bytes, which makes captures diffable
// across server revisions. Timestamps use unix microseconds: status
// and command frame events dominate the stream and the compact numeric
// form keeps high-rate captures small, while microsecond resolution is
// still many orders of magnitude finer than the session's tick
// granularity.
var (
	flogEncMode cbor.EncMode
	flogDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnixMicro,
	}
	flogEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create .flog encoder mode: %v", err))
	}

	// The decoder is lenient: a newer server revision may add event
	// fields, and old tooling must still read the rest of the stream.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	flogDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create .flog decoder mode: %v", err))
	}
}

// EncodeEvent encodes an Event to CBOR bytes using integer keys for compactness.
func EncodeEvent(event Event) ([]byte, error) {
	return flogEncMode.Marshal(event)
}

// DecodeEvent decodes CBOR bytes into an Event.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := flogDecMode.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// newEventEncoder creates the stream encoder FileLogger writes with.
func newEventEncoder(w io.Writer) *cbor.Encoder {
	return flogEncMode.NewEncoder(w)
}

// newEventDecoder creates the stream decoder Reader iterates with.
func newEventDecoder(r io.Reader) *cbor.Decoder {
	return flogDecMode.NewDecoder(r)
}
