package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tevino/abool"

	"hexlab.xyz/bluetap/internal/adb"
	"hexlab.xyz/bluetap/internal/config"
	"hexlab.xyz/bluetap/internal/dispatch"
	"hexlab.xyz/bluetap/internal/hci"
	"hexlab.xyz/bluetap/internal/log"
	"hexlab.xyz/bluetap/internal/sink"
	"hexlab.xyz/bluetap/internal/snoop"
)

// State is the receive-loop lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session is one live transport instance: the snoop and inject sockets, the
// forwarded port pair and the receive loop driving the dispatcher. The snoop
// socket is owned exclusively by the receive-loop worker while running; other
// goroutines synchronize only on the stop flag and the dispatcher registry.
type Session struct {
	bridge adb.Bridge
	serial string
	cfg    config.TransportConfig

	dispatcher *dispatch.Dispatcher

	mu         sync.Mutex // guards conns and relays during teardown
	snoopConn  net.Conn
	injectConn net.Conn
	relays     []io.Closer

	port       int // local snoop port; inject is port+1
	serialMode bool

	header      snoop.GlobalHeader
	headerBytes []byte
	rawSink     *sink.SnoopFile
	wroteHeader bool

	stop     *abool.AtomicBool
	state    atomic.Int32
	loopDone chan struct{}
	teardown sync.Once
}

// Option customizes a Session before Connect dials anything.
type Option func(*Session)

// WithSnoopSink enables persistent btsnoop logging: the receive loop appends
// the raw wire bytes to sf as they arrive.
func WithSnoopSink(sf *sink.SnoopFile) Option {
	return func(s *Session) { s.rawSink = sf }
}

// Dispatcher returns the record dispatcher for this session.
func (s *Session) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Header returns the btsnoop global header read during validation.
func (s *Session) Header() snoop.GlobalHeader { return s.header }

// SerialMode reports whether the serial-su fallback relay is in use.
func (s *Session) SerialMode() bool { return s.serialMode }

// Port returns the chosen local snoop port (inject is Port()+1).
func (s *Session) Port() int { return s.port }

// State returns the current receive-loop state.
func (s *Session) State() State { return State(s.state.Load()) }

// Stopped reports whether the stop flag has been set.
func (s *Session) Stopped() bool { return s.stop.IsSet() }

// Done is closed when the receive loop has fully stopped. It is only
// meaningful after Start.
func (s *Session) Done() <-chan struct{} { return s.loopDone }

// Stop requests a cooperative stop. The receive loop observes the flag at the
// next read boundary; setting it twice is harmless.
func (s *Session) Stop() {
	s.stop.Set()
}

// Inject writes one H4-framed packet to the injection socket. In serial
// (fallback) mode a trailing newline is appended so the nc→file→tty relay
// flushes the write through.
func (s *Session) Inject(t hci.PacketType, body []byte) error {
	if s.stop.IsSet() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	conn := s.injectConn
	s.mu.Unlock()
	if conn == nil {
		return ErrSessionClosed
	}

	buf := hci.EncodeH4(t, body)
	if s.serialMode {
		buf = append(buf, '\n')
	}
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(buf); err != nil {
		return err
	}
	log.GetLogger().Debugf("injected %s packet, %d bytes", t, len(buf))
	return nil
}

// InjectCommand frames an HCI command (little-endian opcode, parameter
// length, parameters) and injects it.
func (s *Session) InjectCommand(opcode uint16, params []byte) error {
	body := make([]byte, 3+len(params))
	binary.LittleEndian.PutUint16(body[0:2], opcode)
	body[2] = byte(len(params))
	copy(body[3:], params)
	return s.Inject(hci.TypeCommand, body)
}

// Teardown sets the stop flag, closes both sockets and any fallback relay
// streams, and removes the session's port forwards. It is idempotent and runs
// to completion even when the receive loop exited abnormally.
func (s *Session) Teardown() {
	s.stop.Set()
	s.teardown.Do(func() {
		logger := log.GetLogger()

		s.mu.Lock()
		snoopConn, injectConn := s.snoopConn, s.injectConn
		relays := s.relays
		s.snoopConn, s.injectConn, s.relays = nil, nil, nil
		s.mu.Unlock()

		if snoopConn != nil {
			snoopConn.Close()
		}
		if injectConn != nil {
			injectConn.Close()
		}
		for _, r := range relays {
			r.Close()
		}

		if err := s.bridge.KillForwardAll(s.serial); err != nil {
			logger.WithError(err).Warn("failed to remove adb port forwards")
		}
		logger.Info("session torn down")
	})
}
