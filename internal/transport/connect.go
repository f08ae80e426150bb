package transport

import (
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/tevino/abool"
	"golang.org/x/sync/errgroup"

	"hexlab.xyz/bluetap/internal/adb"
	"hexlab.xyz/bluetap/internal/config"
	"hexlab.xyz/bluetap/internal/dispatch"
	"hexlab.xyz/bluetap/internal/log"
	"hexlab.xyz/bluetap/internal/snoop"
)

const (
	// Well-known debug ports of the Android Bluetooth stack.
	remoteSnoopPort  = 8872
	remoteInjectPort = 8873

	// stagingPath buffers injected bytes between the nc listener and the
	// tail relay into the Bluetooth tty. Two separate pipelines because a
	// combined one silently fails (SELinux).
	stagingPath = "/sdcard/bluetap_input.bin"
)

// Connect builds a Session against the given device. The direct path forwards
// the stack's debug ports and validates the stream by reading the btsnoop
// global header. When that fails and cfg.UseFallback is set, the serial-su
// relay is set up on the device and the direct path is retried exactly once.
func Connect(bridge adb.Bridge, serial string, cfg config.TransportConfig, opts ...Option) (*Session, error) {
	s := &Session{
		bridge:     bridge,
		serial:     serial,
		cfg:        cfg,
		dispatcher: dispatch.New(cfg.QueueSize),
		stop:       abool.New(),
		loopDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	logger := log.GetLogger()

	if !cfg.SerialOnly {
		err := s.setupSockets()
		if err == nil {
			return s, nil
		}
		if !cfg.UseFallback {
			return nil, err
		}
		logger.WithError(err).Info("direct connect failed, trying serial-su relay for rooted devices")
	}

	if err := s.setupSerialRelay(); err != nil {
		s.Teardown()
		return nil, err
	}

	// Give the remote pipelines a moment to come up before the one retry.
	time.Sleep(cfg.Settle)

	if err := s.setupSockets(); err != nil {
		s.Teardown()
		return nil, fmt.Errorf("%w (check that Bluetooth is on, HCI snoop logging is enabled and USB debugging is authorized)", err)
	}
	return s, nil
}

// setupSockets picks a random local port pair, forwards it to the remote
// snoop/inject ports, connects to both and validates the snoop stream by
// reading the 16-byte btsnoop global header. On validation failure both
// sockets are closed and the forwards removed so the attempt leaves nothing
// behind.
func (s *Session) setupSockets() error {
	logger := log.GetLogger()

	// Random pick with no collision check: multiple attached devices get
	// distinct pairs with high probability, and a collision just fails the
	// connect.
	s.port = s.cfg.PortLo + rand.IntN(s.cfg.PortHi-s.cfg.PortLo)
	logger.Debugf("selected local ports snoop=%d inject=%d", s.port, s.port+1)

	if err := s.bridge.Forward(s.serial, s.port, remoteSnoopPort); err != nil {
		return s.forwardError(err)
	}
	if err := s.bridge.Forward(s.serial, s.port+1, remoteInjectPort); err != nil {
		return s.forwardError(err)
	}

	injectConn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.port+1), 5*time.Second)
	if err != nil {
		s.bridge.KillForwardAll(s.serial)
		return fmt.Errorf("%w: inject port: %v", ErrSocketConnect, err)
	}
	snoopConn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.port), 5*time.Second)
	if err != nil {
		injectConn.Close()
		s.bridge.KillForwardAll(s.serial)
		return fmt.Errorf("%w: snoop port: %v", ErrSocketConnect, err)
	}

	// One validation read of the global header proves the stream is live.
	hdrBuf := make([]byte, snoop.GlobalHeaderLen)
	snoopConn.SetReadDeadline(time.Now().Add(4 * s.cfg.ReadTimeout))
	if _, err := io.ReadFull(snoopConn, hdrBuf); err != nil {
		snoopConn.Close()
		injectConn.Close()
		s.bridge.KillForwardAll(s.serial)
		return fmt.Errorf("%w: %v", ErrHeaderValidation, err)
	}
	snoopConn.SetReadDeadline(time.Time{})

	hdr, err := snoop.DecodeGlobalHeader(hdrBuf)
	if err != nil {
		snoopConn.Close()
		injectConn.Close()
		s.bridge.KillForwardAll(s.serial)
		return fmt.Errorf("%w: %v", ErrHeaderValidation, err)
	}
	logger.Debugf("btsnoop header: version=%d datalink=%d", hdr.Version, hdr.Datalink)

	s.mu.Lock()
	s.snoopConn, s.injectConn = snoopConn, injectConn
	s.mu.Unlock()
	s.header = hdr
	s.headerBytes = hdrBuf
	return nil
}

func (s *Session) forwardError(err error) error {
	if adb.IsUnauthorized(err) {
		return fmt.Errorf("%w: %v", ErrDeviceUnauthorized, err)
	}
	return fmt.Errorf("%w: %v", ErrForwardFailed, err)
}

// suProbeScript walks PATH looking for an executable su; `which` itself is
// not available on stock shells.
const suProbeScript = `sh -c 'echo $PATH | while read -d: directory; do
  [ -x "$directory/su" ] || continue
  echo -n "$directory/su "
done'`

// setupSerialRelay builds the fallback transport for rooted devices with
// busybox: three detached remote pipelines relaying the btsnoop log file and
// the Bluetooth tty through the same two debug ports the stack would have
// offered. Each missing precondition fails fast with its own error, in order:
// su, nc, snoop log path, tty path.
func (s *Session) setupSerialRelay() error {
	logger := log.GetLogger()
	s.serialMode = true

	suPath, err := s.bridge.Shell(s.serial, suProbeScript)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSuNotFound, err)
	}
	if strings.TrimSpace(suPath) == "" {
		return ErrSuNotFound
	}

	ncPath, err := s.bridge.Shell(s.serial, `su -c 'which nc'`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetcatNotFound, err)
	}
	if strings.TrimSpace(ncPath) == "" {
		return ErrNetcatNotFound
	}

	// The live file and device paths differ per ROM; lsof on the running
	// stack finds both.
	logfile, err := s.bridge.Shell(s.serial,
		`su -c "lsof | grep btsnoop_hci.log | tail -n 1" | awk '{print $NF}'`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnoopLogNotFound, err)
	}
	logfile = strings.TrimSpace(logfile)

	iface, err := s.bridge.Shell(s.serial,
		`su -c "lsof | grep bluetooth | grep tty" | awk '{print $NF}'`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInterfaceNotFound, err)
	}
	iface = strings.TrimSpace(iface)

	if logfile == "" {
		return ErrSnoopLogNotFound
	}
	if iface == "" {
		return ErrInterfaceNotFound
	}
	logger.Infof("serial relay: btsnoop log %s, bluetooth tty %s", logfile, iface)

	pipelines := []string{
		fmt.Sprintf(`su -c "tail -f -n +0 %s | nc -l -p %d"`, logfile, remoteSnoopPort),
		fmt.Sprintf(`su -c "nc -l -p %d >%s"`, remoteInjectPort, stagingPath),
		fmt.Sprintf(`su -c "tail -f %s >>%s"`, stagingPath, iface),
	}

	// Open all three streams concurrently; opening can fail, but once open
	// the pipelines are fire-and-forget. Their death is only observable as
	// the snoop stream closing.
	var g errgroup.Group
	for _, cmd := range pipelines {
		g.Go(func() error {
			stream, err := s.bridge.OpenStream(s.serial, cmd)
			if err != nil {
				return fmt.Errorf("spawn relay %q: %w", cmd, err)
			}
			s.mu.Lock()
			s.relays = append(s.relays, stream)
			s.mu.Unlock()
			go func() {
				// Hold the stream open; output is irrelevant.
				io.Copy(io.Discard, stream)
			}()
			return nil
		})
	}
	return g.Wait()
}
