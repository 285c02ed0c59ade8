package orchestrator

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/argotunnel/tunnelengine/pkg/capnp"
	"github.com/argotunnel/tunnelengine/pkg/dataproto"
	"github.com/argotunnel/tunnelengine/pkg/framing"
	"github.com/argotunnel/tunnelengine/pkg/quicsession"
	"github.com/argotunnel/tunnelengine/pkg/tunnelconfig"
)

// Wire-level constants mirroring pkg/rpcproto's unexported discriminants;
// a fake edge necessarily speaks the same wire contract, so these are the
// literal values from §4.C, not a guess.
const (
	testMsgDiscReturn         uint16 = 3
	testReturnUnionResults    uint16 = 0
	testConnResponseDetails   uint16 = 1
)

func generateEdgeTLSConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{quicsession.ALPN}}
}

// buildSuccessReturn builds a raw Return message (question id 1,
// ConnectionDetails success) the way a real edge would, using only
// pkg/capnp's exported builder primitives.
func buildSuccessReturn(t *testing.T) []byte {
	t.Helper()
	b := capnp.NewBuilder(make([]byte, 1024))
	_, err := b.Alloc(1)
	require.NoError(t, err)
	msgOff, err := b.Alloc(1 + 1)
	require.NoError(t, err)
	b.PutUint16(msgOff, 0, testMsgDiscReturn)

	retOff, err := b.Alloc(2 + 1)
	require.NoError(t, err)
	b.PutUint32(retOff, 0, 1)
	b.PutUint16(retOff, 6, testReturnUnionResults)

	payloadOff, err := b.Alloc(0 + 2)
	require.NoError(t, err)
	resultsOff, err := b.Alloc(0 + 1)
	require.NoError(t, err)
	connRespOff, err := b.Alloc(1 + 1)
	require.NoError(t, err)
	b.PutUint16(connRespOff, 0, testConnResponseDetails)

	detailsOff, err := b.Alloc(1 + 2)
	require.NoError(t, err)
	b.PutBit(detailsOff, 0, 0, false)
	uuidBytes := make([]byte, 16)
	_, err = b.WriteData(detailsOff+8, uuidBytes)
	require.NoError(t, err)
	_, err = b.WriteText(detailsOff+16, "test-loc")
	require.NoError(t, err)

	require.NoError(t, b.WriteStructPointer(connRespOff+8, detailsOff, 1, 2))
	require.NoError(t, b.WriteStructPointer(resultsOff+0, connRespOff, 1, 1))
	require.NoError(t, b.WriteStructPointer(payloadOff+0, resultsOff, 0, 1))
	b.WriteNullPointer(payloadOff + 8)
	require.NoError(t, b.WriteStructPointer(retOff+16, payloadOff, 0, 2))

	require.NoError(t, b.WriteStructPointer(msgOff+8, retOff, 2, 1))
	require.NoError(t, b.RootStructPointer(msgOff, 1, 1))
	msg, err := b.Finalize(nil)
	require.NoError(t, err)
	return msg
}

// readFramedMessage blocks until one full preamble+message is available on
// r, consumes exactly those bytes, and returns them. It peeks increasing
// amounts so later bytes already buffered for the next frame are left
// untouched.
func readFramedMessage(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	want := 1
	for {
		peek, err := r.Peek(want)
		if err != nil && len(peek) < want {
			require.NoError(t, err)
		}
		n, perr := framing.Probe(peek)
		require.NoError(t, perr)
		if n > 0 {
			full, err := r.Peek(n)
			require.NoError(t, err)
			out := append([]byte(nil), full...)
			_, err = r.Discard(n)
			require.NoError(t, err)
			return out
		}
		want = len(peek) + 1
	}
}

func startFakeOrigin(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		_, _ = r.ReadString('\n')
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\npong"))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestOrchestratorRegistersAndProxiesRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	originHost, originPort := startFakeOrigin(t)

	edgeUDPAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	edgeUDPConn, err := net.ListenUDP("udp", edgeUDPAddr)
	require.NoError(t, err)
	defer edgeUDPConn.Close()

	quicConf := &quic.Config{}
	edgeDone := make(chan error, 1)
	go func() {
		edgeDone <- func() error {
			listener, err := quic.Listen(edgeUDPConn, generateEdgeTLSConfig(), quicConf)
			if err != nil {
				return err
			}
			conn, err := listener.Accept(ctx)
			if err != nil {
				return err
			}

			controlStream, err := conn.AcceptStream(ctx)
			if err != nil {
				return err
			}
			cr := bufio.NewReader(controlStream)
			_ = readFramedMessage(t, cr) // Bootstrap
			_ = readFramedMessage(t, cr) // Call

			ret := framing.Wrap(buildSuccessReturn(t))
			if _, err := controlStream.Write(ret); err != nil {
				return err
			}

			dataStream, err := conn.OpenStreamSync(ctx)
			if err != nil {
				return err
			}
			md := dataproto.NewMetadata()
			md.Add(dataproto.KeyHTTPMethod, "GET")
			md.Add(dataproto.KeyHTTPHost, "example.invalid")
			reqBody, err := dataproto.EncodeConnectRequest(dataproto.ConnectRequest{
				Type:        dataproto.ConnTypeHTTP,
				Destination: "/ping",
				Metadata:    md,
			})
			if err != nil {
				return err
			}
			if _, err := dataStream.Write(framing.Wrap(reqBody)); err != nil {
				return err
			}
			if err := dataStream.Close(); err != nil {
				return err
			}

			respRaw, err := io.ReadAll(dataStream)
			if err != nil {
				return err
			}
			n, err := framing.Probe(respRaw)
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("incomplete ConnectResponse")
			}
			body, err := framing.Unwrap(respRaw[:n])
			if err != nil {
				return err
			}
			resp, err := dataproto.DecodeConnectResponse(body)
			if err != nil {
				return err
			}
			status, ok := resp.Metadata.Get(dataproto.KeyHTTPStatus)
			if !ok || status != "200" {
				return fmt.Errorf("unexpected status metadata: %q", status)
			}
			if string(respRaw[n:]) != "pong" {
				return fmt.Errorf("unexpected response body: %q", respRaw[n:])
			}
			return nil
		}()
	}()

	var clientID [16]byte
	copy(clientID[:], uuid.New()[:])
	cfg := tunnelconfig.Config{
		EdgeHost:      edgeUDPConn.LocalAddr().(*net.UDPAddr).IP.String(),
		EdgePort:      uint16(edgeUDPConn.LocalAddr().(*net.UDPAddr).Port),
		OriginURL:     fmt.Sprintf("http://%s:%d", originHost, originPort),
		AccountTag:    "acct-1",
		TunnelSecret:  []byte("shh"),
		ClientID:      clientID,
		ClientVersion: "v-test",
		ClientArch:    "amd64",
	}
	require.NoError(t, cfg.Normalize())

	o := New(cfg, zerolog.Nop())
	o.tlsConfig = &tls.Config{InsecureSkipVerify: true}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- o.Run(ctx) }()

	select {
	case err := <-edgeDone:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for fake edge to finish")
	}

	require.Equal(t, StateReady, o.State())

	o.Close()
	select {
	case <-runErrCh:
	case <-ctx.Done():
		t.Fatal("timed out waiting for orchestrator to shut down")
	}
}
