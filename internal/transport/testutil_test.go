package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tevino/abool"

	"hexlab.xyz/bluetap/internal/adb"
	"hexlab.xyz/bluetap/internal/config"
	"hexlab.xyz/bluetap/internal/dispatch"
	"hexlab.xyz/bluetap/internal/snoop"
)

func testTransportConfig() config.TransportConfig {
	return config.TransportConfig{
		ReadTimeout: 25 * time.Millisecond,
		QueueSize:   16,
		PortLo:      60000,
		PortHi:      65534,
		UseFallback: true,
		Settle:      10 * time.Millisecond,
	}
}

// fakeStream is a relay pipeline stand-in: reads block until Close.
type fakeStream struct {
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream { return &fakeStream{closed: make(chan struct{})} }

func (s *fakeStream) Read(p []byte) (int, error)  { <-s.closed; return 0, io.EOF }
func (s *fakeStream) Write(p []byte) (int, error) { return len(p), nil }
func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// fakeBridge scripts the device-bridge capability. Forward binds a real local
// listener so Connect's dial-and-validate path runs against live sockets.
type fakeBridge struct {
	mu sync.Mutex

	// scripted shell outputs
	suOut  string
	ncOut  string
	logOut string
	ttyOut string

	// forwardFailures fails the next N Forward calls.
	forwardFailures int

	// serveSnoop handles the accepted snoop-port connection; defaults to
	// writing the btsnoop global header and keeping the socket open.
	serveSnoop func(net.Conn)

	shellCalls    []string
	streamsOpened []string
	killCount     int

	listeners []net.Listener
	conns     []net.Conn
	streams   []*fakeStream
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	f := &fakeBridge{}
	f.serveSnoop = func(conn net.Conn) {
		conn.Write(snoop.NewGlobalHeader(snoop.DatalinkH4).Encode())
	}
	t.Cleanup(f.shutdown)
	return f
}

func (f *fakeBridge) shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ln := range f.listeners {
		ln.Close()
	}
	for _, c := range f.conns {
		c.Close()
	}
	for _, s := range f.streams {
		s.Close()
	}
}

func (f *fakeBridge) Devices() ([]adb.Device, error) {
	return []adb.Device{{Serial: "fake-device", State: "device"}}, nil
}

func (f *fakeBridge) Forward(serial string, localPort, remotePort int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forwardFailures > 0 {
		f.forwardFailures--
		return errors.New("cannot bind remote port")
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return err
	}
	f.listeners = append(f.listeners, ln)

	serve := func(net.Conn) {}
	if remotePort == remoteSnoopPort {
		serve = f.serveSnoop
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		serve(conn)
	}()
	return nil
}

func (f *fakeBridge) KillForwardAll(serial string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCount++
	return nil
}

func (f *fakeBridge) Shell(serial, command string) (string, error) {
	f.mu.Lock()
	f.shellCalls = append(f.shellCalls, command)
	f.mu.Unlock()

	switch {
	case strings.Contains(command, "echo $PATH"):
		return f.suOut, nil
	case strings.Contains(command, "which nc"):
		return f.ncOut, nil
	case strings.Contains(command, "btsnoop_hci.log"):
		return f.logOut, nil
	case strings.Contains(command, "grep tty"):
		return f.ttyOut, nil
	default:
		return "", nil
	}
}

func (f *fakeBridge) OpenStream(serial, command string) (io.ReadWriteCloser, error) {
	s := newFakeStream()
	f.mu.Lock()
	f.streamsOpened = append(f.streamsOpened, command)
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeBridge) shellCallsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.shellCalls...)
}

func (f *fakeBridge) streamsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.streamsOpened...)
}

func (f *fakeBridge) kills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killCount
}

// newPipeSession builds a session whose snoop socket is one end of a net.Pipe
// so receive-loop tests can feed it wire bytes directly.
func newPipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()

	hdr := snoop.NewGlobalHeader(snoop.DatalinkH4)
	s := &Session{
		bridge:      newFakeBridge(t),
		serial:      "fake-device",
		cfg:         testTransportConfig(),
		dispatcher:  dispatch.New(16),
		stop:        abool.New(),
		loopDone:    make(chan struct{}),
		snoopConn:   client,
		header:      hdr,
		headerBytes: hdr.Encode(),
	}
	t.Cleanup(func() {
		server.Close()
		s.Teardown()
	})
	return s, server
}

// writeRecord frames payload as one btsnoop record on w.
func writeRecord(t *testing.T, w io.Writer, payload []byte, flags uint32, ts int64) {
	t.Helper()
	hdr := snoop.RecordHeader{
		OriginalLength: uint32(len(payload)),
		IncludedLength: uint32(len(payload)),
		Flags:          flags,
		Timestamp:      ts,
	}
	if _, err := w.Write(hdr.Encode()); err != nil {
		t.Errorf("write record header: %v", err)
		return
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			t.Errorf("write record payload: %v", err)
		}
	}
}
