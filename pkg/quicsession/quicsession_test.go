package quicsession

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// generateServerTLSConfig builds a bare-bones self-signed TLS config for
// the loopback QUIC server used in these tests.
func generateServerTLSConfig() *tls.Config {
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
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
	}
}

func TestDialServeAndEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverUDPAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	serverUDPConn, err := net.ListenUDP("udp", serverUDPAddr)
	require.NoError(t, err)
	defer serverUDPConn.Close()

	quicConf := &quic.Config{}
	serverConnCh := make(chan quic.Connection, 1)
	go func() {
		listener, err := quic.Listen(serverUDPConn, generateServerTLSConfig(), quicConf)
		if err != nil {
			close(serverConnCh)
			return
		}
		conn, err := listener.Accept(ctx)
		if err != nil {
			close(serverConnCh)
			return
		}
		serverConnCh <- conn
	}()

	clientUDPAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	clientUDPConn, err := net.ListenUDP("udp", clientUDPAddr)
	require.NoError(t, err)

	sess, err := Dial(ctx, clientUDPConn, serverUDPConn.LocalAddr(), &tls.Config{InsecureSkipVerify: true}, quicConf, zerolog.Nop())
	require.NoError(t, err)

	go func() { _ = sess.Serve(ctx) }()

	streamID, err := sess.OpenStream(ctx, true)
	require.NoError(t, err)
	sess.ServeControlReadLoop(ctx, streamID)

	require.NoError(t, sess.Send(streamID, []byte("hello"), false))

	serverConn := <-serverConnCh
	require.NotNil(t, serverConn)

	serverStream, err := serverConn.AcceptStream(ctx)
	require.NoError(t, err)

	readBuf := make([]byte, len("hello"))
	_, err = serverStream.Read(readBuf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(readBuf))

	_, err = serverStream.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, serverStream.Close())

	var gotData, gotFin bool
	for !gotFin {
		select {
		case ev := <-sess.Events():
			switch ev.Kind {
			case EventStreamData:
				require.Equal(t, streamID, ev.StreamID)
				gotData = true
			case EventStreamFin:
				require.Equal(t, streamID, ev.StreamID)
				require.Equal(t, "world", string(ev.Data))
				gotFin = true
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for stream events")
		}
	}
	require.True(t, gotData)

	bytes, ok := sess.StreamBytes(streamID)
	require.True(t, ok)
	require.Equal(t, "world", string(bytes))

	require.False(t, sess.RequestHandled(streamID))
	sess.MarkRequestHandled(streamID)
	require.True(t, sess.RequestHandled(streamID))

	sess.Close()
}

func TestSendAfterFinalIsError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverUDPAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	serverUDPConn, err := net.ListenUDP("udp", serverUDPAddr)
	require.NoError(t, err)
	defer serverUDPConn.Close()

	quicConf := &quic.Config{}
	go func() {
		listener, err := quic.Listen(serverUDPConn, generateServerTLSConfig(), quicConf)
		if err != nil {
			return
		}
		conn, err := listener.Accept(ctx)
		if err != nil {
			return
		}
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		buf := make([]byte, 16)
		for {
			if _, err := str.Read(buf); err != nil {
				return
			}
		}
	}()

	clientUDPAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	clientUDPConn, err := net.ListenUDP("udp", clientUDPAddr)
	require.NoError(t, err)

	sess, err := Dial(ctx, clientUDPConn, serverUDPConn.LocalAddr(), &tls.Config{InsecureSkipVerify: true}, quicConf, zerolog.Nop())
	require.NoError(t, err)
	go func() { _ = sess.Serve(ctx) }()

	streamID, err := sess.OpenStream(ctx, false)
	require.NoError(t, err)

	require.NoError(t, sess.Send(streamID, []byte("x"), true))
	require.Error(t, sess.Send(streamID, []byte("y"), false))

	sess.Close()
}
