package snoop

import (
	"fmt"
	"time"

	"hexlab.xyz/bluetap/internal/hci"
)

// Record is one decoded unit of HCI traffic. It is immutable after
// construction and shared by reference with every consumer; consumers must
// not mutate it.
type Record struct {
	// Packet is the parsed HCI packet, nil when parsing failed.
	Packet hci.Packet
	// ParseErr marks a payload that could not be parsed; Raw still holds it.
	ParseErr error
	// Raw is the record payload exactly as captured.
	Raw []byte

	OriginalLength  uint32
	IncludedLength  uint32
	Flags           uint32
	CumulativeDrops uint32
	// Time is nil when the on-wire timestamp was out of representable range.
	Time *time.Time
}

// Received reports the record direction (controller → host).
func (r *Record) Received() bool { return r.Flags&FlagDirectionReceived != 0 }

func (r *Record) String() string {
	dir := "out"
	if r.Received() {
		dir = "in"
	}
	when := "unknown-time"
	if r.Time != nil {
		when = r.Time.Format("15:04:05.000000")
	}
	if r.Packet != nil {
		return fmt.Sprintf("[%s] %s %s", when, dir, r.Packet)
	}
	return fmt.Sprintf("[%s] %s unparsed %d bytes", when, dir, len(r.Raw))
}
