// Package quicsession drives the secure transport's event loop (§4.E): it
// dials the QUIC connection to the edge, owns the control stream and every
// remote-initiated data stream, and delivers a small event enum to the
// orchestrator so the orchestrator can be written as a pure event handler
// (§9, "callback-heavy transport API").
package quicsession

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	tunnelerrors "github.com/argotunnel/tunnelengine/pkg/errors"
)

// Transport-layer constants, contract-fixed for interoperability (§6).
const (
	ALPN = "argotunnel"
	SNI  = "quic.cftunnel.com"
)

// Receive-buffer caps (§5 recommended values).
const (
	ControlRecvCap = 64 * 1024
	DataRecvCap    = 1024 * 1024
	initialRecvCap = 4096
)

// StreamKind classifies a stream for buffer sizing and dispatch.
type StreamKind int

const (
	KindControl StreamKind = iota
	KindData
	KindUnknown
)

// EventKind enumerates the events the session reports to its caller,
// collapsing quic-go's callback surface into the enum design notes call
// for (§9).
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventStreamOpenedRemote
	EventStreamData
	EventStreamFin
	EventStreamReset
)

// Event is one item delivered on Session.Events(). Data carries the
// just-delivered bytes for EventStreamData, and the full accumulated
// buffer for EventStreamFin (§4.E).
type Event struct {
	Kind     EventKind
	StreamID int64
	Data     []byte
	Err      error
}

// Session owns one QUIC connection, its stream table, and the
// single-threaded cooperative event loop described in §5: the only
// suspension points are network reads, send-window waits, and the
// origin-bridge readiness wait (outside this package).
//
// quic-go's stable public API in this version has no pluggable congestion
// control hook, so the BBR-family controller the edge expects (§4.E) is
// not independently selectable here; this is a recorded Open Question
// resolution, not an oversight — see the pkg/quicsession section of
// DESIGN.md.
type Session struct {
	conn quic.Connection

	logger zerolog.Logger

	mu      sync.Mutex
	streams map[int64]*streamState

	events chan Event
}

type streamState struct {
	id     int64
	kind   StreamKind
	stream quic.Stream

	mu             sync.Mutex
	recvBuf        []byte
	recvCap        int
	receivedFinal  bool
	requestHandled bool
	sendClosed     bool
}

// Dial opens the QUIC connection to the edge over udpConn, enforcing the
// contract-fixed ALPN and SNI (§6). tlsConf is cloned so callers' configs
// are never mutated.
func Dial(ctx context.Context, udpConn net.PacketConn, edgeAddr net.Addr, tlsConf *tls.Config, quicConf *quic.Config, logger zerolog.Logger) (*Session, error) {
	cfg := tlsConf.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = SNI
	}
	cfg.NextProtos = []string{ALPN}

	conn, err := quic.Dial(ctx, udpConn, edgeAddr, cfg, quicConf)
	if err != nil {
		return nil, tunnelerrors.NewTransportError("dial", err)
	}
	return &Session{
		conn:    conn,
		logger:  logger,
		streams: make(map[int64]*streamState),
		events:  make(chan Event, 64),
	}, nil
}

// Events returns the channel the orchestrator ranges over until it closes
// at session end.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) emit(ev Event) {
	s.events <- ev
}

// OpenStream opens a new locally-initiated bidi stream (§4.E). The control
// stream is the first one the orchestrator opens.
func (s *Session) OpenStream(ctx context.Context, isControl bool) (int64, error) {
	str, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return 0, tunnelerrors.NewTransportError("open_stream", err)
	}
	kind := KindData
	if isControl {
		kind = KindControl
	}
	st := s.registerStream(str, kind)
	return st.id, nil
}

func (s *Session) registerStream(str quic.Stream, kind StreamKind) *streamState {
	bufCap := DataRecvCap
	if kind == KindControl {
		bufCap = ControlRecvCap
	}
	st := &streamState{
		id:      int64(str.StreamID()),
		kind:    kind,
		stream:  str,
		recvBuf: make([]byte, 0, initialRecvCap),
		recvCap: bufCap,
	}
	s.mu.Lock()
	s.streams[st.id] = st
	s.mu.Unlock()
	return st
}

func (s *Session) lookup(streamID int64) (*streamState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	return st, ok
}

func (s *Session) forget(streamID int64) {
	s.mu.Lock()
	delete(s.streams, streamID)
	s.mu.Unlock()
}

// Send appends bytes to stream_id's send side (§4.E). Suspension inside
// Write, when the flow-control window is exhausted, is the expected
// cooperative yield point (§5); once final is set no further send is
// permitted on this stream.
func (s *Session) Send(streamID int64, data []byte, final bool) error {
	st, ok := s.lookup(streamID)
	if !ok {
		return tunnelerrors.NewTransportError("send", nil)
	}
	st.mu.Lock()
	if st.sendClosed {
		st.mu.Unlock()
		return tunnelerrors.NewTransportError("send", nil)
	}
	if final {
		st.sendClosed = true
	}
	st.mu.Unlock()

	if len(data) > 0 {
		if _, err := st.stream.Write(data); err != nil {
			return tunnelerrors.NewTransportError("send", err)
		}
	}
	if final {
		if err := st.stream.Close(); err != nil {
			return tunnelerrors.NewTransportError("send", err)
		}
	}
	return nil
}

// StreamBytes returns a copy of stream_id's accumulated receive buffer,
// exposed for the orchestrator's incremental parser (§4.E find_stream).
func (s *Session) StreamBytes(streamID int64) ([]byte, bool) {
	st, ok := s.lookup(streamID)
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]byte, len(st.recvBuf))
	copy(out, st.recvBuf)
	return out, true
}

// DropParsed removes the first n bytes of stream_id's receive buffer, once
// the orchestrator has consumed a complete message from it.
func (s *Session) DropParsed(streamID int64, n int) {
	st, ok := s.lookup(streamID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if n > len(st.recvBuf) {
		n = len(st.recvBuf)
	}
	st.recvBuf = append(st.recvBuf[:0], st.recvBuf[n:]...)
}

// RequestHandled reports whether the data stream's one request has already
// been dispatched; once true no further parsing attempts are made (§3).
func (s *Session) RequestHandled(streamID int64) bool {
	st, ok := s.lookup(streamID)
	if !ok {
		return true
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.requestHandled
}

// MarkRequestHandled sets the request_handled flag (§3).
func (s *Session) MarkRequestHandled(streamID int64) {
	st, ok := s.lookup(streamID)
	if !ok {
		return
	}
	st.mu.Lock()
	st.requestHandled = true
	st.mu.Unlock()
}

// Close initiates graceful shutdown with reason code 0 (§4.E).
func (s *Session) Close() {
	s.conn.CloseWithError(0, "")
}

// Serve runs the accept loop for remote-initiated streams and the
// per-stream read loops, emitting Connected/Disconnected around them. It
// returns once the session is torn down.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.emit(Event{Kind: EventConnected})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptLoop(gctx)
	})

	err := g.Wait()
	s.emit(Event{Kind: EventDisconnected, Err: err})
	close(s.events)
	return err
}

func (s *Session) acceptLoop(ctx context.Context) error {
	for {
		str, err := s.conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return tunnelerrors.NewTransportError("accept_stream", err)
		}
		st := s.registerStream(str, KindData)
		s.emit(Event{Kind: EventStreamOpenedRemote, StreamID: st.id})
		go s.readLoop(ctx, st)
	}
}

// ServeControlReadLoop starts the read loop for a locally-opened stream;
// OpenStream only registers the stream, it does not start reading, so the
// orchestrator calls this right after opening the control stream, before
// it sends the registration frames.
func (s *Session) ServeControlReadLoop(ctx context.Context, streamID int64) {
	st, ok := s.lookup(streamID)
	if !ok {
		return
	}
	go s.readLoop(ctx, st)
}

func (s *Session) readLoop(ctx context.Context, st *streamState) {
	buf := make([]byte, 4096)
	for {
		n, err := st.stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			st.mu.Lock()
			overflow := len(st.recvBuf)+len(chunk) > st.recvCap
			if !overflow {
				if need := len(st.recvBuf) + len(chunk); need > cap(st.recvBuf) {
					newCap := 2 * cap(st.recvBuf)
					if newCap == 0 {
						newCap = initialRecvCap
					}
					for newCap < need {
						newCap *= 2
					}
					if newCap > st.recvCap {
						newCap = st.recvCap
					}
					grown := make([]byte, len(st.recvBuf), newCap)
					copy(grown, st.recvBuf)
					st.recvBuf = grown
				}
				st.recvBuf = append(st.recvBuf, chunk...)
			}
			st.mu.Unlock()

			if overflow {
				s.emit(Event{Kind: EventStreamReset, StreamID: st.id, Err: tunnelerrors.NewResourceError("recv", "stream receive buffer exceeded cap")})
				_ = st.stream.CancelRead(0)
				s.forget(st.id)
				return
			}
			s.emit(Event{Kind: EventStreamData, StreamID: st.id, Data: chunk})
		}
		if err != nil {
			if err == io.EOF {
				st.mu.Lock()
				st.receivedFinal = true
				full := make([]byte, len(st.recvBuf))
				copy(full, st.recvBuf)
				st.mu.Unlock()
				s.emit(Event{Kind: EventStreamFin, StreamID: st.id, Data: full})
				return
			}
			s.emit(Event{Kind: EventStreamReset, StreamID: st.id, Err: tunnelerrors.NewTransportError("recv", err)})
			s.forget(st.id)
			return
		}
	}
}
