// Package snoop implements the btsnoop (RFC 1761) framing codec.
//
// This is the only place in bluetap where byte order and numeric width matter
// bit-exactly: a 16-byte global header followed by 24-byte record headers,
// all fields big-endian.
package snoop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// GlobalHeaderLen is the size of the file/stream header.
	GlobalHeaderLen = 16
	// RecordHeaderLen is the size of each per-record header.
	RecordHeaderLen = 24

	// DatalinkH4 is the btsnoop datalink type for HCI UART (H4) framing,
	// which is what the Android stack emits.
	DatalinkH4 = 1002
)

// signature is the 8-byte magic at the start of every btsnoop stream.
var signature = [8]byte{'b', 't', 's', 'n', 'o', 'o', 'p', 0}

var (
	ErrShortGlobalHeader = errors.New("bluetap: short btsnoop global header")
	ErrShortRecordHeader = errors.New("bluetap: short btsnoop record header")
)

// GlobalHeader is the decoded 16-byte stream header.
type GlobalHeader struct {
	Signature [8]byte
	Version   uint32
	Datalink  uint32
}

// NewGlobalHeader returns a version-1 header for the given datalink type.
func NewGlobalHeader(datalink uint32) GlobalHeader {
	return GlobalHeader{Signature: signature, Version: 1, Datalink: datalink}
}

// Valid reports whether the signature matches the btsnoop magic.
func (h GlobalHeader) Valid() bool {
	return h.Signature == signature
}

// DecodeGlobalHeader decodes the 16-byte stream header. The signature is not
// validated here; callers that care use Valid.
func DecodeGlobalHeader(b []byte) (GlobalHeader, error) {
	if len(b) < GlobalHeaderLen {
		return GlobalHeader{}, fmt.Errorf("%w: need %d bytes, have %d", ErrShortGlobalHeader, GlobalHeaderLen, len(b))
	}
	var h GlobalHeader
	copy(h.Signature[:], b[0:8])
	h.Version = binary.BigEndian.Uint32(b[8:12])
	h.Datalink = binary.BigEndian.Uint32(b[12:16])
	return h, nil
}

// Encode renders the header back to its 16-byte wire form.
func (h GlobalHeader) Encode() []byte {
	b := make([]byte, GlobalHeaderLen)
	copy(b[0:8], h.Signature[:])
	binary.BigEndian.PutUint32(b[8:12], h.Version)
	binary.BigEndian.PutUint32(b[12:16], h.Datalink)
	return b
}

// Record flags field bits (RFC 1761).
const (
	// FlagDirectionReceived is set on controller→host records, clear on
	// host→controller records.
	FlagDirectionReceived = 0x01
	// FlagCommandEvent is set on command/event records, clear on data records.
	FlagCommandEvent = 0x02
)

// RecordHeader is the decoded 24-byte per-record header.
type RecordHeader struct {
	OriginalLength  uint32
	IncludedLength  uint32
	Flags           uint32
	CumulativeDrops uint32
	Timestamp       int64 // microseconds since 0000-01-01, proleptic Gregorian
}

// DecodeRecordHeader decodes the 24-byte record header.
func DecodeRecordHeader(b []byte) (RecordHeader, error) {
	if len(b) < RecordHeaderLen {
		return RecordHeader{}, fmt.Errorf("%w: need %d bytes, have %d", ErrShortRecordHeader, RecordHeaderLen, len(b))
	}
	return RecordHeader{
		OriginalLength:  binary.BigEndian.Uint32(b[0:4]),
		IncludedLength:  binary.BigEndian.Uint32(b[4:8]),
		Flags:           binary.BigEndian.Uint32(b[8:12]),
		CumulativeDrops: binary.BigEndian.Uint32(b[12:16]),
		Timestamp:       int64(binary.BigEndian.Uint64(b[16:24])),
	}, nil
}

// Encode renders the header back to its 24-byte wire form.
func (h RecordHeader) Encode() []byte {
	b := make([]byte, RecordHeaderLen)
	binary.BigEndian.PutUint32(b[0:4], h.OriginalLength)
	binary.BigEndian.PutUint32(b[4:8], h.IncludedLength)
	binary.BigEndian.PutUint32(b[8:12], h.Flags)
	binary.BigEndian.PutUint32(b[12:16], h.CumulativeDrops)
	binary.BigEndian.PutUint64(b[16:24], uint64(h.Timestamp))
	return b
}

// Received reports whether the record was sent by the controller to the host.
func (h RecordHeader) Received() bool { return h.Flags&FlagDirectionReceived != 0 }

// CommandOrEvent reports whether the record carries a command/event rather
// than ACL/SCO data.
func (h RecordHeader) CommandOrEvent() bool { return h.Flags&FlagCommandEvent != 0 }

// timestampAnchor is the btsnoop timestamp of 2000-01-01T00:00:00 UTC, in
// microseconds since the year-0 epoch.
const timestampAnchor = 0x00E03AB44A676000

var anchorTime = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// DecodeTimestamp converts a raw btsnoop timestamp to calendar time. A raw
// value whose offset from the anchor cannot be represented yields nil
// ("unknown time"), never an error.
func DecodeTimestamp(raw int64) *time.Time {
	// raw - timestampAnchor must not underflow int64.
	if raw < math.MinInt64+timestampAnchor {
		return nil
	}
	micros := raw - timestampAnchor
	// time.Duration is nanoseconds; the microsecond offset must survive a
	// *1000 without overflow.
	if micros > math.MaxInt64/1000 || micros < math.MinInt64/1000 {
		return nil
	}
	t := anchorTime.Add(time.Duration(micros) * time.Microsecond)
	return &t
}
