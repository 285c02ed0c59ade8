package originbridge

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/argotunnel/tunnelengine/pkg/dataproto"
)

func startOrigin(t *testing.T, handle func(conn net.Conn)) (host string, port int) {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func readRequestLine(t *testing.T, conn net.Conn) (requestLine string, headers map[string]string) {
	t.Helper()
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	requestLine = line[:len(line)-2]

	headers = make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		trimmed := line[:len(line)-2]
		if trimmed == "" {
			break
		}
		idx := -1
		for i, c := range trimmed {
			if c == ':' {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		headers[trimmed[:idx]] = trimmed[idx+2:]
	}
	return requestLine, headers
}

func TestHandleGETProxied(t *testing.T) {
	host, port := startOrigin(t, func(conn net.Conn) {
		requestLine, headers := readRequestLine(t, conn)
		require.Equal(t, "GET /hello HTTP/1.1", requestLine)
		require.Equal(t, host_(conn), headers["Host"])
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\nContent-Type: text/plain\r\n\r\nhello"))
	})

	b := New(Config{Scheme: "http", Host: host, Port: port, ConnectTimeout: time.Second, ReadTimeout: time.Second})

	md := dataproto.NewMetadata()
	md.Add(dataproto.KeyHTTPMethod, "GET")
	md.Add(dataproto.KeyHTTPHost, "example.invalid")
	req := &dataproto.ConnectRequest{Type: dataproto.ConnTypeHTTP, Destination: "/hello", Metadata: md}

	res := b.Handle(context.Background(), req, nil)
	require.Equal(t, 200, res.Status)
	require.Equal(t, "hello", string(res.Body))

	found := map[string]string{}
	for _, h := range res.Headers {
		found[h.Name] = h.Value
	}
	require.Equal(t, "5", found["Content-Length"])
	require.Equal(t, "text/plain", found["Content-Type"])
}

// host_ exists only so the request-handler closure above can assert the
// Host header uses the configured origin host, never the peer's.
func host_(conn net.Conn) string {
	return conn.LocalAddr().(*net.TCPAddr).IP.String()
}

func TestHandlePOSTWithBody(t *testing.T) {
	host, port := startOrigin(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		_, err := r.ReadString('\n')
		require.NoError(t, err)
		for {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			if line == "\r\n" {
				break
			}
		}
		body := make([]byte, 4)
		_, err = r.Read(body)
		require.NoError(t, err)
		require.Equal(t, "abcd", string(body))
		_, _ = conn.Write([]byte("HTTP/1.1 204 No Content\r\n\r\n"))
	})

	b := New(Config{Scheme: "http", Host: host, Port: port, ConnectTimeout: time.Second, ReadTimeout: time.Second})

	md := dataproto.NewMetadata()
	md.Add(dataproto.KeyHTTPMethod, "POST")
	md.Add(dataproto.KeyHTTPHost, "x.invalid")
	md.Add(dataproto.HeaderKey("Content-Length"), "4")
	req := &dataproto.ConnectRequest{Type: dataproto.ConnTypeHTTP, Destination: "/submit", Metadata: md}

	res := b.Handle(context.Background(), req, []byte("abcd"))
	require.Equal(t, 204, res.Status)
	require.Empty(t, res.Body)
}

func TestHandleOriginUnreachableReturns502(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close()) // nothing listens at this port now

	b := New(Config{Scheme: "http", Host: addr.IP.String(), Port: addr.Port, ConnectTimeout: time.Second, ReadTimeout: time.Second})
	req := &dataproto.ConnectRequest{Type: dataproto.ConnTypeHTTP, Destination: "/x", Metadata: dataproto.NewMetadata()}

	res := b.Handle(context.Background(), req, nil)
	require.Equal(t, 502, res.Status)
	require.Len(t, res.Headers, 1)
	require.Equal(t, "Content-Type", res.Headers[0].Name)
	require.Contains(t, string(res.Body), "502 Bad Gateway: ")
}

func TestToConnectResponse(t *testing.T) {
	res := &Result{Status: 200, Headers: []HeaderField{{Name: "Content-Type", Value: "text/plain"}}}
	connResp := ToConnectResponse(res)
	require.Equal(t, "", connResp.Error)
	v, ok := connResp.Metadata.Get(dataproto.KeyHTTPStatus)
	require.True(t, ok)
	require.Equal(t, "200", v)
	v, ok = connResp.Metadata.Get(dataproto.HeaderKey("Content-Type"))
	require.True(t, ok)
	require.Equal(t, "text/plain", v)
}
