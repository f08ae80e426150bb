package sink

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"hexlab.xyz/bluetap/internal/snoop"
)

// linkTypeHCIH4WithPhdr is DLT_BLUETOOTH_HCI_H4_WITH_PHDR: H4 packets
// prefixed with a 4-byte big-endian direction word (0 = host→controller).
const linkTypeHCIH4WithPhdr = layers.LinkType(201)

// Pcap converts snoop records into a pcap file Wireshark can open live. It is
// registered as a dispatcher callback, so it runs on the receive-loop worker
// and needs no locking of its own beyond close protection.
type Pcap struct {
	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer
}

// NewPcap creates the pcap file and writes its file header.
func NewPcap(path string, snaplen uint32) (*Pcap, error) {
	if snaplen == 0 {
		snaplen = 65535
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("bluetap: open pcap file: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snaplen, linkTypeHCIH4WithPhdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("bluetap: write pcap header: %w", err)
	}
	return &Pcap{f: f, w: w}, nil
}

// WriteRecord appends one record as an H4-with-phdr frame.
func (p *Pcap) WriteRecord(r *snoop.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return fmt.Errorf("bluetap: pcap sink already closed")
	}

	data := make([]byte, 4+len(r.Raw))
	if r.Received() {
		binary.BigEndian.PutUint32(data[0:4], 1)
	}
	copy(data[4:], r.Raw)

	ts := time.Now()
	if r.Time != nil {
		ts = *r.Time
	}
	origLen := int(r.OriginalLength) + 4
	if origLen < len(data) {
		origLen = len(data)
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        origLen,
	}
	if err := p.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("bluetap: write pcap packet: %w", err)
	}
	return nil
}

// Close closes the pcap file. Closing twice is a no-op.
func (p *Pcap) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}
