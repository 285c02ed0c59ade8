// Package originbridge translates one decoded ConnectRequest plus its
// accumulated body into a response record by speaking classic HTTP/1.1
// over a plain TCP connection to the configured origin (§4.F). It never
// returns an error to its caller: failures at any step become a 502
// response record, matching §7's "origin error ... not fatal to the
// session".
package originbridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/argotunnel/tunnelengine/pkg/buffer"
	"github.com/argotunnel/tunnelengine/pkg/dataproto"
	tunnelerrors "github.com/argotunnel/tunnelengine/pkg/errors"
	"github.com/argotunnel/tunnelengine/pkg/timing"
	"github.com/argotunnel/tunnelengine/pkg/transport"
)

// MaxResponseBytes caps the origin response buffer (§5).
const MaxResponseBytes = 1024 * 1024

// Config is the bridge's startup configuration: the origin URL parsed into
// its parts (§4.F, §6).
type Config struct {
	Scheme         string // always "http"; https is downgraded at config load
	Host           string
	Port           int
	PathPrefix     string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Bridge proxies one request at a time to the configured origin.
type Bridge struct {
	cfg Config
	tr  *transport.Transport
}

// New returns a Bridge for cfg.
func New(cfg Config) *Bridge {
	return &Bridge{cfg: cfg, tr: transport.New()}
}

// HeaderField is one ordered response header.
type HeaderField struct {
	Name  string
	Value string
}

// Result is the outcome of one proxied request (§4.F step 4).
type Result struct {
	Status  int
	Headers []HeaderField
	Body    []byte
	Metrics timing.Metrics
}

// Handle proxies req+body to the origin and always returns a Result: on
// any failure it is the 502 fallback, never an error.
func (b *Bridge) Handle(ctx context.Context, req *dataproto.ConnectRequest, body []byte) *Result {
	res, err := b.roundTrip(ctx, req, body)
	if err != nil {
		return badGateway(err)
	}
	return res
}

// ToConnectResponse renders a Result into the wire-level ConnectResponse
// metadata conventions of §4.D.
func ToConnectResponse(res *Result) dataproto.ConnectResponse {
	md := dataproto.NewMetadata()
	md.Add(dataproto.KeyHTTPStatus, dataproto.FormatStatus(res.Status))
	for _, h := range res.Headers {
		md.Add(dataproto.HeaderKey(h.Name), h.Value)
	}
	return dataproto.ConnectResponse{Error: "", Metadata: md}
}

// roundTrip dials the origin through pkg/transport (the teacher's dial/
// timeout/metadata layer, used here with pooling and TLS both disabled
// since §4.F dials one short-lived plain-HTTP connection per request),
// timing the connect and first-byte phases with pkg/timing the same way
// the teacher times Client.Do.
func (b *Bridge) roundTrip(ctx context.Context, req *dataproto.ConnectRequest, body []byte) (*Result, error) {
	timer := timing.NewTimer()

	conn, _, err := b.tr.Connect(ctx, transport.Config{
		Scheme:      b.cfg.Scheme,
		Host:        b.cfg.Host,
		Port:        b.cfg.Port,
		ConnTimeout: b.cfg.ConnectTimeout,
	}, timer)
	if err != nil {
		return nil, tunnelerrors.NewOriginError("connect", "connecting to origin", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(b.cfg.ReadTimeout)
	_ = conn.SetDeadline(deadline)

	if err := b.writeRequest(conn, req, body); err != nil {
		return nil, tunnelerrors.NewOriginError("write", "writing request to origin", err)
	}
	res, err := readResponse(conn, timer)
	if err != nil {
		return nil, err
	}
	res.Metrics = timer.GetMetrics()
	return res, nil
}

func (b *Bridge) writeRequest(w io.Writer, req *dataproto.ConnectRequest, body []byte) error {
	method, ok := req.Metadata.Get(dataproto.KeyHTTPMethod)
	if !ok || method == "" {
		method = "GET"
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %s%s HTTP/1.1\r\n", method, b.cfg.PathPrefix, req.Destination)
	fmt.Fprintf(bw, "Host: %s\r\n", b.cfg.Host)
	fmt.Fprintf(bw, "Connection: close\r\n")

	req.Metadata.Each(func(key, value string) {
		name, isHeader := dataproto.HeaderName(key)
		if !isHeader {
			return
		}
		if strings.EqualFold(name, "Host") || strings.EqualFold(name, "Connection") {
			return
		}
		fmt.Fprintf(bw, "%s: %s\r\n", name, value)
	})

	if len(body) > 0 {
		fmt.Fprintf(bw, "Content-Length: %d\r\n", len(body))
	}
	fmt.Fprint(bw, "\r\n")
	if len(body) > 0 {
		bw.Write(body)
	}
	return bw.Flush()
}

func readResponse(conn net.Conn, timer *timing.Timer) (*Result, error) {
	r := bufio.NewReader(conn)

	timer.StartTTFB()
	statusLine, err := readLine(r)
	if err != nil {
		return nil, tunnelerrors.NewOriginError("read", "reading status line", err)
	}
	timer.EndTTFB()

	status, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, err
	}

	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}

	body, err := readBody(r, status, headers)
	if err != nil {
		return nil, err
	}

	return &Result{Status: status, Headers: headers, Body: body}, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseStatusLine(line string) (int, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, tunnelerrors.NewOriginError("parse", fmt.Sprintf("malformed status line %q", line), nil)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, tunnelerrors.NewOriginError("parse", fmt.Sprintf("malformed status code in %q", line), err)
	}
	return code, nil
}

func readHeaders(r *bufio.Reader) ([]HeaderField, error) {
	var headers []HeaderField
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, tunnelerrors.NewOriginError("read", "reading headers", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			continue
		}
		name := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		headers = append(headers, HeaderField{Name: name, Value: value})
	}
	return headers, nil
}

// readBody accumulates the response body in a buffer.Buffer capped at
// MaxResponseBytes. Unlike the teacher's buffer, which spills to a temp
// file once a payload exceeds its limit, a live request has nowhere to
// hand back a spilled body: once buf reports IsSpilled, the read is
// treated as a resource error instead of being allowed to continue.
func readBody(r *bufio.Reader, status int, headers []HeaderField) ([]byte, error) {
	if status == 204 || status == 304 || (status >= 100 && status < 200) {
		return nil, nil
	}

	buf := buffer.New(MaxResponseBytes)
	defer buf.Close()

	if cl, ok := contentLength(headers); ok {
		if cl > MaxResponseBytes {
			return nil, tunnelerrors.NewResourceError("read_body", fmt.Sprintf("content-length %d exceeds %d byte cap", cl, MaxResponseBytes))
		}
		if _, err := io.CopyN(buf, r, int64(cl)); err != nil {
			return nil, tunnelerrors.NewOriginError("read", "reading body", err)
		}
		return buf.Bytes(), nil
	}

	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := buf.Write(chunk[:n]); werr != nil {
				return nil, tunnelerrors.NewOriginError("read", "buffering body", werr)
			}
			if buf.IsSpilled() {
				return nil, tunnelerrors.NewResourceError("read_body", fmt.Sprintf("response body exceeds %d byte cap", MaxResponseBytes))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, tunnelerrors.NewOriginError("read", "reading body", err)
		}
	}
	return buf.Bytes(), nil
}

func contentLength(headers []HeaderField) (int, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			n, err := strconv.Atoi(h.Value)
			if err != nil || n < 0 {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}

func badGateway(cause error) *Result {
	return &Result{
		Status: 502,
		Headers: []HeaderField{
			{Name: "Content-Type", Value: "text/plain"},
		},
		Body: []byte("502 Bad Gateway: " + cause.Error()),
	}
}
