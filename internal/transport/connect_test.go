package transport

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hexlab.xyz/bluetap/internal/snoop"
)

func TestConnect_DirectPath(t *testing.T) {
	bridge := newFakeBridge(t)
	cfg := testTransportConfig()
	cfg.UseFallback = false

	s, err := Connect(bridge, "fake-device", cfg)
	require.NoError(t, err)
	defer s.Teardown()

	assert.False(t, s.SerialMode())
	assert.Equal(t, uint32(1), s.Header().Version)
	assert.Equal(t, uint32(snoop.DatalinkH4), s.Header().Datalink)
	assert.True(t, s.Header().Valid())
	assert.GreaterOrEqual(t, s.Port(), cfg.PortLo)
	assert.Less(t, s.Port(), cfg.PortHi)
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, bridge.shellCallsSnapshot(), "direct path must not run shell commands")
}

func TestConnect_ValidationFailure(t *testing.T) {
	bridge := newFakeBridge(t)
	// Snoop port accepts but closes after half a header.
	bridge.serveSnoop = func(conn net.Conn) {
		conn.Write(snoop.NewGlobalHeader(snoop.DatalinkH4).Encode()[:8])
		conn.Close()
	}
	cfg := testTransportConfig()
	cfg.UseFallback = false

	_, err := Connect(bridge, "fake-device", cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHeaderValidation)
	// A failed attempt leaves no forwards behind.
	assert.GreaterOrEqual(t, bridge.kills(), 1)
}

func TestConnect_ForwardFailureWithoutFallback(t *testing.T) {
	bridge := newFakeBridge(t)
	bridge.forwardFailures = 2
	cfg := testTransportConfig()
	cfg.UseFallback = false

	_, err := Connect(bridge, "fake-device", cfg)
	assert.ErrorIs(t, err, ErrForwardFailed)
}

// fallbackBridge returns a bridge whose direct path fails once, forcing the
// serial-su relay before the single retry.
func fallbackBridge(t *testing.T) *fakeBridge {
	bridge := newFakeBridge(t)
	bridge.forwardFailures = 1
	bridge.suOut = "/system/xbin/su "
	bridge.ncOut = "/system/xbin/nc\n"
	bridge.logOut = "/data/log/bt/btsnoop_hci.log\n"
	bridge.ttyOut = "/dev/ttySAC1\n"
	return bridge
}

func TestConnect_Fallback_NoSuStopsBeforeNcCheck(t *testing.T) {
	bridge := fallbackBridge(t)
	bridge.suOut = ""

	_, err := Connect(bridge, "fake-device", testTransportConfig())
	assert.ErrorIs(t, err, ErrSuNotFound)

	calls := bridge.shellCallsSnapshot()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "echo $PATH")
	assert.Empty(t, bridge.streamsSnapshot())
}

func TestConnect_Fallback_NoNcStopsBeforePathDiscovery(t *testing.T) {
	bridge := fallbackBridge(t)
	bridge.ncOut = "\n"

	_, err := Connect(bridge, "fake-device", testTransportConfig())
	assert.ErrorIs(t, err, ErrNetcatNotFound)

	calls := bridge.shellCallsSnapshot()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1], "which nc")
	assert.Empty(t, bridge.streamsSnapshot())
}

func TestConnect_Fallback_MissingSnoopLog(t *testing.T) {
	bridge := fallbackBridge(t)
	bridge.logOut = "\n"

	_, err := Connect(bridge, "fake-device", testTransportConfig())
	assert.ErrorIs(t, err, ErrSnoopLogNotFound)
	assert.Empty(t, bridge.streamsSnapshot(), "no relay may spawn without the log path")
}

func TestConnect_Fallback_MissingBluetoothTTY(t *testing.T) {
	bridge := fallbackBridge(t)
	bridge.ttyOut = ""

	_, err := Connect(bridge, "fake-device", testTransportConfig())
	assert.ErrorIs(t, err, ErrInterfaceNotFound)
	assert.Empty(t, bridge.streamsSnapshot())
}

func TestConnect_FallbackSpawnsRelaysAndRetries(t *testing.T) {
	bridge := fallbackBridge(t)

	s, err := Connect(bridge, "fake-device", testTransportConfig())
	require.NoError(t, err)
	defer s.Teardown()

	assert.True(t, s.SerialMode())
	assert.True(t, s.Header().Valid())

	// All three relay pipelines spawned, each as its own detached stream.
	streams := bridge.streamsSnapshot()
	require.Len(t, streams, 3)
	joined := strings.Join(streams, "\n")
	assert.Contains(t, joined, "tail -f -n +0 /data/log/bt/btsnoop_hci.log | nc -l -p 8872")
	assert.Contains(t, joined, "nc -l -p 8873 >"+stagingPath)
	assert.Contains(t, joined, "tail -f "+stagingPath+" >>/dev/ttySAC1")

	// Preconditions were checked in order before any spawn.
	calls := bridge.shellCallsSnapshot()
	require.Len(t, calls, 4)
	assert.Contains(t, calls[0], "echo $PATH")
	assert.Contains(t, calls[1], "which nc")
	assert.Contains(t, calls[2], "btsnoop_hci.log")
	assert.Contains(t, calls[3], "grep tty")
}

func TestConnect_SerialOnlySkipsDirectFirstAttempt(t *testing.T) {
	bridge := fallbackBridge(t)
	bridge.forwardFailures = 0 // direct path would work, but must not be tried first
	cfg := testTransportConfig()
	cfg.SerialOnly = true

	s, err := Connect(bridge, "fake-device", cfg)
	require.NoError(t, err)
	defer s.Teardown()

	assert.True(t, s.SerialMode())
	assert.Len(t, bridge.streamsSnapshot(), 3)
}

func TestConnect_TeardownClosesRelays(t *testing.T) {
	bridge := fallbackBridge(t)

	s, err := Connect(bridge, "fake-device", testTransportConfig())
	require.NoError(t, err)
	s.Teardown()

	for _, stream := range bridge.streams {
		select {
		case <-stream.closed:
		default:
			t.Fatal("relay stream left open after teardown")
		}
	}
	assert.Equal(t, 1, bridge.kills())
}
