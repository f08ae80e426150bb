package transport

import (
	"errors"
	"io"
	"net"
	"time"

	"hexlab.xyz/bluetap/internal/hci"
	"hexlab.xyz/bluetap/internal/log"
	"hexlab.xyz/bluetap/internal/snoop"
)

var (
	errStopRequested = errors.New("bluetap: stop requested")
	errRemoteClosed  = errors.New("bluetap: snoop socket closed by remote side")
)

// Start launches the receive loop on its own worker goroutine. A session runs
// at most one receive loop.
func (s *Session) Start() error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrLoopAlreadyRunning
	}
	go s.recvLoop()
	return nil
}

// recvLoop de-frames btsnoop records from the snoop socket and dispatches
// them until the stop flag is set. All reads on the snoop socket happen here.
// A read timeout just means "try again"; a remote close or any other socket
// error is fatal to the session, since a half-framed stream cannot be
// resynchronized.
func (s *Session) recvLoop() {
	logger := log.GetLogger()
	logger.Debug("receive loop started")

	defer func() {
		s.state.Store(int32(StateStopped))
		close(s.loopDone)
		logger.Debug("receive loop stopped")
	}()

	hdrBuf := make([]byte, snoop.RecordHeaderLen)
	for !s.stop.IsSet() {
		if err := s.readFull(hdrBuf); err != nil {
			s.stopOnReadError("record header", err)
			return
		}
		s.logSink(hdrBuf)

		hdr, err := snoop.DecodeRecordHeader(hdrBuf)
		if err != nil {
			// Unreachable with a full 24-byte buffer, but a decode bug
			// must not leave the loop spinning on a misframed stream.
			logger.WithError(err).Error("record header decode failed, stopping")
			s.stop.Set()
			return
		}

		payload := make([]byte, hdr.IncludedLength)
		if err := s.readFull(payload); err != nil {
			s.stopOnReadError("record payload", err)
			return
		}
		s.logSink(payload)

		// Parse failures and timestamp overflow are per-record anomalies:
		// the record is still delivered, with the raw bytes and a marker.
		pkt, parseErr := hci.Parse(payload)
		rec := &snoop.Record{
			Packet:          pkt,
			ParseErr:        parseErr,
			Raw:             payload,
			OriginalLength:  hdr.OriginalLength,
			IncludedLength:  hdr.IncludedLength,
			Flags:           hdr.Flags,
			CumulativeDrops: hdr.CumulativeDrops,
			Time:            snoop.DecodeTimestamp(hdr.Timestamp),
		}
		if parseErr != nil {
			logger.WithError(parseErr).Debug("hci parse failed, delivering raw record")
		}

		if s.stop.IsSet() {
			return
		}
		s.dispatcher.Dispatch(rec)
	}
}

// readFull accumulates exactly len(buf) bytes from the snoop socket. Reads
// are bounded by the configured timeout so the stop flag is observed at least
// once per interval even when no data flows.
func (s *Session) readFull(buf []byte) error {
	s.mu.Lock()
	conn := s.snoopConn
	s.mu.Unlock()
	if conn == nil {
		return errStopRequested
	}

	n := 0
	for n < len(buf) {
		if s.stop.IsSet() {
			return errStopRequested
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				return errRemoteClosed
			}
			return err
		}
	}
	return nil
}

// stopOnReadError records why the loop is stopping. A stop requested by the
// owner is not an error; everything else is logged once.
func (s *Session) stopOnReadError(what string, err error) {
	if !s.stop.IsSet() {
		logger := log.GetLogger()
		if errors.Is(err, errRemoteClosed) {
			logger.Infof("snoop socket closed by remote side while reading %s, stopping", what)
		} else {
			logger.WithError(err).Warnf("cannot read %s, stopping", what)
		}
	}
	s.stop.Set()
}

// logSink appends raw wire bytes to the btsnoop log sink when enabled. The
// global header captured during validation goes first, once, so the on-disk
// log is self-describing.
func (s *Session) logSink(b []byte) {
	if s.rawSink == nil {
		return
	}
	if !s.wroteHeader {
		if err := s.rawSink.Append(s.headerBytes); err != nil {
			log.GetLogger().WithError(err).Warn("btsnoop log header write failed, disabling log sink")
			s.rawSink = nil
			return
		}
		s.wroteHeader = true
	}
	if err := s.rawSink.Append(b); err != nil {
		log.GetLogger().WithError(err).Warn("btsnoop log write failed, disabling log sink")
		s.rawSink = nil
	}
}
