// Package sink provides persistent outputs for the snoop stream: a byte-exact
// btsnoop log file and a live pcap export for Wireshark.
package sink

import (
	"fmt"
	"os"
	"sync"
)

// SnoopFile is an append-only btsnoop log sink. The receive loop writes the
// raw wire bytes (global header once, then record headers and payloads) so
// the file stays wire-compatible with standard btsnoop readers. Every write
// is flushed immediately; only the receive-loop worker writes, so there is
// no contention on the data path.
type SnoopFile struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewSnoopFile opens (or truncates) the btsnoop log at path.
func NewSnoopFile(path string) (*SnoopFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("bluetap: open btsnoop log: %w", err)
	}
	return &SnoopFile{f: f, path: path}, nil
}

// Path returns the on-disk location of the log.
func (s *SnoopFile) Path() string { return s.path }

// Append writes raw bytes to the log and syncs them to disk.
func (s *SnoopFile) Append(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("bluetap: btsnoop log %s already closed", s.path)
	}
	if _, err := s.f.Write(b); err != nil {
		return fmt.Errorf("bluetap: write btsnoop log: %w", err)
	}
	return s.f.Sync()
}

// Close closes the underlying file. Closing twice is a no-op.
func (s *SnoopFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
