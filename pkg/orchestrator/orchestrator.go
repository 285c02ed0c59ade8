// Package orchestrator drives the tunnel's session lifecycle (§4.G): it
// dials the transport, runs the registration handshake over the control
// stream, and dispatches each data stream's single request to the origin
// bridge. It is the only component in this module that logs (§7): every
// other package returns neutral status values and lets this layer decide
// what to report.
package orchestrator

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/argotunnel/tunnelengine/pkg/dataproto"
	tunnelerrors "github.com/argotunnel/tunnelengine/pkg/errors"
	"github.com/argotunnel/tunnelengine/pkg/framing"
	"github.com/argotunnel/tunnelengine/pkg/originbridge"
	"github.com/argotunnel/tunnelengine/pkg/quicsession"
	"github.com/argotunnel/tunnelengine/pkg/rpcproto"
	"github.com/argotunnel/tunnelengine/pkg/tlsconfig"
	"github.com/argotunnel/tunnelengine/pkg/tunnelconfig"
)

// Orchestrator owns one tunnel session from dial through teardown.
type Orchestrator struct {
	cfg    tunnelconfig.Config
	logger zerolog.Logger
	bridge *originbridge.Bridge

	session *quicsession.Session

	// tlsConfig is the base TLS config used to dial the edge; ALPN and SNI
	// are applied by quicsession.Dial on top of it. Defaulted to the
	// teacher's tlsconfig.ProfileModern (TLS 1.3 only), which matches
	// §4.E's fixed TLS 1.3 requirement; tests override it to trust a
	// loopback fake edge.
	tlsConfig *tls.Config

	state             State
	controlStreamID   int64
	haveControlStream bool
}

// New builds an Orchestrator for cfg, which must already have been
// normalized with cfg.Normalize().
func New(cfg tunnelconfig.Config, logger zerolog.Logger) *Orchestrator {
	bridge := originbridge.New(originbridge.Config{
		Scheme:         cfg.OriginScheme,
		Host:           cfg.OriginHost,
		Port:           cfg.OriginPort,
		PathPrefix:     cfg.OriginPathPrefix,
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
		ReadTimeout:    time.Duration(cfg.ReadTimeoutMS) * time.Millisecond,
	})
	edgeTLSConfig := &tls.Config{}
	tlsconfig.ApplyVersionProfile(edgeTLSConfig, tlsconfig.ProfileModern)

	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		bridge:    bridge,
		state:     StateInit,
		tlsConfig: edgeTLSConfig,
	}
}

// State reports the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	return o.state
}

// Run dials the edge, serves the session, and blocks until the session
// ends. A nil return means clean shutdown (§6 exit semantics); a non-nil
// return means a transport failure or a fatal registration error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.state = StateConnecting

	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return tunnelerrors.NewTransportError("listen_udp", err)
	}

	edgeAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(o.cfg.EdgeHost, strconv.Itoa(int(o.cfg.EdgePort))))
	if err != nil {
		udpConn.Close()
		return tunnelerrors.NewTransportError("resolve_edge", err)
	}

	sess, err := quicsession.Dial(ctx, udpConn, edgeAddr, o.tlsConfig, &quic.Config{}, o.logger)
	if err != nil {
		o.logger.Error().Err(err).Str("edge", edgeAddr.String()).Msg("failed to dial edge")
		return err
	}
	o.session = sess

	go func() {
		if err := sess.Serve(ctx); err != nil {
			o.logger.Debug().Err(err).Msg("session serve loop ended")
		}
	}()

	return o.pumpEvents(ctx)
}

func (o *Orchestrator) pumpEvents(ctx context.Context) error {
	var fatalErr error

	for ev := range o.session.Events() {
		switch ev.Kind {
		case quicsession.EventConnected:
			o.logger.Info().Msg("connected to edge")
			o.state = StateRegistering
			if err := o.startRegistration(ctx); err != nil {
				o.logger.Error().Err(err).Msg("failed to start registration")
				fatalErr = err
				o.session.Close()
			}

		case quicsession.EventStreamOpenedRemote:
			o.logger.Debug().Int64("stream_id", ev.StreamID).Msg("peer opened data stream")

		case quicsession.EventStreamData, quicsession.EventStreamFin:
			if o.haveControlStream && ev.StreamID == o.controlStreamID {
				if err := o.pumpControlStream(); err != nil {
					o.logger.Error().Err(err).Msg("control stream registration failed")
					fatalErr = err
					o.session.Close()
				}
			} else {
				o.handleDataStream(ctx, ev.StreamID)
			}

		case quicsession.EventStreamReset:
			if o.haveControlStream && ev.StreamID == o.controlStreamID {
				o.logger.Error().Err(ev.Err).Msg("control stream reset")
				fatalErr = ev.Err
				o.session.Close()
			} else {
				o.logger.Debug().Err(ev.Err).Int64("stream_id", ev.StreamID).Msg("data stream reset, abandoning")
			}

		case quicsession.EventDisconnected:
			o.state = StateClosed
			o.logger.Info().Err(ev.Err).Msg("session disconnected")
		}
	}

	return fatalErr
}

// startRegistration opens the control stream and sends the Bootstrap+Call
// pair back-to-back, without a final marker: the control stream stays
// open for the life of the session (§4.C, §4.G).
func (o *Orchestrator) startRegistration(ctx context.Context) error {
	streamID, err := o.session.OpenStream(ctx, true)
	if err != nil {
		return tunnelerrors.NewTransportError("open_control_stream", err)
	}
	o.controlStreamID = streamID
	o.haveControlStream = true
	o.session.ServeControlReadLoop(ctx, streamID)

	params := rpcproto.RegistrationParams{
		ConnIndex:           0,
		AccountTag:          o.cfg.AccountTag,
		TunnelSecret:        o.cfg.TunnelSecret,
		TunnelID:            o.cfg.TunnelID,
		ReplaceExisting:     o.cfg.ReplaceExisting,
		CompressionQuality:  o.cfg.CompressionQuality,
		NumPreviousAttempts: o.cfg.NumPreviousAttempts,
		ClientID:            o.cfg.ClientID,
		ClientVersion:       o.cfg.ClientVersion,
		ClientArch:          o.cfg.ClientArch,
	}
	bootstrap, call, err := rpcproto.EncodeRegistration(params)
	if err != nil {
		return tunnelerrors.NewRegistrationError("failed to encode registration", err)
	}

	if err := o.session.Send(streamID, framing.Wrap(bootstrap), false); err != nil {
		return tunnelerrors.NewTransportError("send_bootstrap", err)
	}
	if err := o.session.Send(streamID, framing.Wrap(call), false); err != nil {
		return tunnelerrors.NewTransportError("send_call", err)
	}
	return nil
}

// pumpControlStream drives the incremental parser of §4.G: it repeatedly
// probes the control stream's accumulated buffer, decodes every complete
// Return it finds, and skips the Bootstrap's own answer by dropping it
// and continuing. It returns once registration succeeds or fails, or
// once no complete message remains.
func (o *Orchestrator) pumpControlStream() error {
	for {
		buf, ok := o.session.StreamBytes(o.controlStreamID)
		if !ok {
			return nil
		}
		n, err := framing.Probe(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		body, err := framing.Unwrap(buf[:n])
		if err != nil {
			return err
		}
		result, err := rpcproto.DecodeReturn(body)
		if err != nil {
			return err
		}
		o.session.DropParsed(o.controlStreamID, n)

		switch result.Outcome {
		case rpcproto.OutcomeSkip:
			continue
		case rpcproto.OutcomeSuccess:
			o.state = StateReady
			o.logger.Info().
				Str("connection_uuid", result.ConnectionUUID).
				Str("location", result.LocationTag).
				Bool("remotely_managed", result.RemotelyManaged).
				Msg("tunnel registered")
			return nil
		case rpcproto.OutcomeRetryable, rpcproto.OutcomeFatal:
			o.state = StateClosed
			return tunnelerrors.NewRegistrationError(result.ErrorText, nil)
		default:
			return tunnelerrors.NewRegistrationError("unrecognized registration outcome", nil)
		}
	}
}

// handleDataStream attempts to parse one complete ConnectRequest off a
// remote-initiated stream and, on success, dispatches it to the origin
// bridge and writes back the ConnectResponse (§4.G). A decode error
// abandons the stream without a response; an origin failure becomes a
// 502 and is never fatal.
func (o *Orchestrator) handleDataStream(ctx context.Context, streamID int64) {
	if o.session.RequestHandled(streamID) {
		return
	}
	buf, ok := o.session.StreamBytes(streamID)
	if !ok {
		return
	}
	n, err := framing.Probe(buf)
	if err != nil {
		o.logger.Debug().Err(err).Int64("stream_id", streamID).Msg("abandoning data stream: framing error")
		o.session.MarkRequestHandled(streamID)
		return
	}
	if n == 0 {
		return
	}

	body, err := framing.Unwrap(buf[:n])
	if err != nil {
		o.logger.Debug().Err(err).Int64("stream_id", streamID).Msg("abandoning data stream: preamble error")
		o.session.MarkRequestHandled(streamID)
		return
	}
	req, err := dataproto.DecodeConnectRequest(body)
	if err != nil {
		o.logger.Debug().Err(err).Int64("stream_id", streamID).Msg("abandoning data stream: decode error")
		o.session.MarkRequestHandled(streamID)
		return
	}
	o.session.MarkRequestHandled(streamID)

	reqBody := append([]byte(nil), buf[n:]...)
	result := o.bridge.Handle(ctx, req, reqBody)

	resp := originbridge.ToConnectResponse(result)
	respBody, err := dataproto.EncodeConnectResponse(resp)
	if err != nil {
		o.logger.Error().Err(err).Int64("stream_id", streamID).Msg("failed to encode connect response")
		return
	}
	if err := o.session.Send(streamID, framing.Wrap(respBody), false); err != nil {
		o.logger.Debug().Err(err).Int64("stream_id", streamID).Msg("failed to send connect response")
		return
	}
	if err := o.session.Send(streamID, result.Body, true); err != nil {
		o.logger.Debug().Err(err).Int64("stream_id", streamID).Msg("failed to send response body")
	}
}

// Close begins a graceful shutdown: the session enters Draining and the
// transport close is initiated; the event loop observes Disconnected and
// transitions to Closed on its own (§4.G, §5).
func (o *Orchestrator) Close() {
	o.state = StateDraining
	if o.session != nil {
		o.session.Close()
	}
}
