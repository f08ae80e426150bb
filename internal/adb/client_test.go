package adb

import (
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer speaks just enough of the adb smart-socket protocol for the
// client tests: one response script per accepted connection.
type fakeServer struct {
	t  *testing.T
	ln net.Listener

	// handle is invoked with each service string received on a connection,
	// in order, and returns the raw bytes to answer with plus whether to
	// keep reading further services on the same connection.
	handle func(service string, conn net.Conn) (keepOpen bool)
}

func newFakeServer(t *testing.T, handle func(string, net.Conn) bool) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{t: t, ln: ln, handle: handle}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for {
				service, err := readService(conn)
				if err != nil {
					return
				}
				if !s.handle(service, conn) {
					return
				}
			}
		}()
	}
}

func readService(conn net.Conn) (string, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return "", err
	}
	var n int
	if _, err := fmt.Sscanf(string(lenBuf), "%04x", &n); err != nil {
		return "", err
	}
	svc := make([]byte, n)
	if _, err := io.ReadFull(conn, svc); err != nil {
		return "", err
	}
	return string(svc), nil
}

func okayPayload(conn net.Conn, payload string) {
	fmt.Fprintf(conn, "OKAY%04x%s", len(payload), payload)
}

func TestClient_Devices(t *testing.T) {
	payload := "emulator-5554          device product:sdk model:Pixel_7 device:panther transport_id:1\n" +
		"0123456789ABCDEF       unauthorized transport_id:2\n"
	srv := newFakeServer(t, func(service string, conn net.Conn) bool {
		assert.Equal(t, "host:devices-l", service)
		okayPayload(conn, payload)
		return false
	})

	devices, err := NewClient(srv.addr()).Devices()
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "emulator-5554", devices[0].Serial)
	assert.Equal(t, "device", devices[0].State)
	assert.Equal(t, "Pixel_7", devices[0].Model)
	assert.True(t, devices[0].Authorized())

	assert.Equal(t, "0123456789ABCDEF", devices[1].Serial)
	assert.Equal(t, "unauthorized", devices[1].State)
	assert.False(t, devices[1].Authorized())
}

func TestClient_Forward(t *testing.T) {
	var got string
	srv := newFakeServer(t, func(service string, conn net.Conn) bool {
		got = service
		io.WriteString(conn, "OKAY")
		return false
	})

	err := NewClient(srv.addr()).Forward("serial123", 60123, 8872)
	require.NoError(t, err)
	assert.Equal(t, "host-serial:serial123:forward:tcp:60123;tcp:8872", got)
}

func TestClient_KillForwardAll(t *testing.T) {
	var got string
	srv := newFakeServer(t, func(service string, conn net.Conn) bool {
		got = service
		io.WriteString(conn, "OKAY")
		return false
	})

	err := NewClient(srv.addr()).KillForwardAll("serial123")
	require.NoError(t, err)
	assert.Equal(t, "host-serial:serial123:killforward-all", got)
}

func TestClient_Shell(t *testing.T) {
	var services []string
	srv := newFakeServer(t, func(service string, conn net.Conn) bool {
		services = append(services, service)
		io.WriteString(conn, "OKAY")
		if strings.HasPrefix(service, "shell:") {
			io.WriteString(conn, "/system/xbin/su\n")
			return false
		}
		return true
	})

	out, err := NewClient(srv.addr()).Shell("serial123", "which su")
	require.NoError(t, err)
	assert.Equal(t, "/system/xbin/su\n", out)
	assert.Equal(t, []string{"host:transport:serial123", "shell:which su"}, services)
}

func TestClient_OpenStream(t *testing.T) {
	srv := newFakeServer(t, func(service string, conn net.Conn) bool {
		io.WriteString(conn, "OKAY")
		if strings.HasPrefix(service, "exec:") {
			// Stream stays open; echo something for the client to read.
			io.WriteString(conn, "streaming")
			return false
		}
		return true
	})

	stream, err := NewClient(srv.addr()).OpenStream("serial123", "tail -f /dev/null")
	require.NoError(t, err)
	defer stream.Close()

	buf := make([]byte, 9)
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	assert.Equal(t, "streaming", string(buf))
}

func TestClient_FailResponse(t *testing.T) {
	srv := newFakeServer(t, func(service string, conn net.Conn) bool {
		msg := "device unauthorized"
		fmt.Fprintf(conn, "FAIL%04x%s", len(msg), msg)
		return false
	})

	err := NewClient(srv.addr()).Forward("serial123", 60123, 8872)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.Contains(t, err.Error(), "device unauthorized")
	assert.True(t, IsUnauthorized(err))
}

func TestClient_ServerUnreachable(t *testing.T) {
	c := NewClient("127.0.0.1:1") // nothing listens here
	_, err := c.Devices()
	assert.ErrorIs(t, err, ErrServerUnreachable)
}

func TestParseDeviceList_SkipsBlankLines(t *testing.T) {
	devices := parseDeviceList("abc device\n\n")
	require.Len(t, devices, 1)
	assert.Equal(t, "abc", devices[0].Serial)
	assert.Empty(t, devices[0].Model)
}
