// Package tunnelconfig holds the single input record the orchestrator
// consumes (§6): edge address, origin address, timeouts, and the
// registration credentials. Normalize applies the documented defaults.
package tunnelconfig

import (
	"net/url"
	"strconv"

	"github.com/google/uuid"

	tunnelerrors "github.com/argotunnel/tunnelengine/pkg/errors"
)

// Defaults per §6.
const (
	DefaultEdgePort         = 7844
	DefaultConnectTimeoutMS = 5000
	DefaultReadTimeoutMS    = 30000
	DefaultOriginPort       = 80
	MaxCompressionQuality   = 11
)

// Config is the orchestrator's single startup input.
type Config struct {
	EdgeHost string
	EdgePort uint16

	// OriginURL is parsed by Normalize into Origin*.
	OriginURL      string
	OriginScheme   string
	OriginHost     string
	OriginPort     int
	OriginPathPrefix string

	ConnectTimeoutMS uint32
	ReadTimeoutMS    uint32

	TunnelID     [16]byte
	AccountTag   string
	TunnelSecret []byte

	ClientID      [16]byte
	ClientVersion string
	ClientArch    string

	ReplaceExisting     bool
	CompressionQuality  uint8
	NumPreviousAttempts uint8
}

// Normalize fills in zero-value defaults and validates the fields that
// have a fixed shape (client id, origin URL, compression quality).
func (c *Config) Normalize() error {
	if c.EdgeHost == "" {
		c.EdgeHost = "region1.v2.argotunnel.com"
	}
	if c.EdgePort == 0 {
		c.EdgePort = DefaultEdgePort
	}
	if c.ConnectTimeoutMS == 0 {
		c.ConnectTimeoutMS = DefaultConnectTimeoutMS
	}
	if c.ReadTimeoutMS == 0 {
		c.ReadTimeoutMS = DefaultReadTimeoutMS
	}
	if c.CompressionQuality > MaxCompressionQuality {
		c.CompressionQuality = MaxCompressionQuality
	}

	if err := c.parseOriginURL(); err != nil {
		return err
	}

	if (c.ClientID == [16]byte{}) {
		return tunnelerrors.NewValidationError("client_id must be a non-zero 16-byte v4 UUID")
	}
	if _, err := uuid.FromBytes(c.ClientID[:]); err != nil {
		return tunnelerrors.NewValidationError("client_id is not a valid 16-byte UUID: " + err.Error())
	}

	return nil
}

// parseOriginURL splits OriginURL into scheme/host/port/path_prefix,
// downgrading https to http (§6's documented limitation — see the
// Open Question decision recorded in the design ledger).
func (c *Config) parseOriginURL() error {
	if c.OriginURL == "" {
		return tunnelerrors.NewValidationError("origin_url is required")
	}
	u, err := url.Parse(c.OriginURL)
	if err != nil {
		return tunnelerrors.NewValidationError("invalid origin_url: " + err.Error())
	}

	switch u.Scheme {
	case "http":
		c.OriginScheme = "http"
	case "https":
		c.OriginScheme = "http"
	case "":
		return tunnelerrors.NewValidationError("origin_url must include a scheme")
	default:
		return tunnelerrors.NewValidationError("unsupported origin_url scheme: " + u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return tunnelerrors.NewValidationError("origin_url must include a host")
	}
	c.OriginHost = host

	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return tunnelerrors.NewValidationError("invalid origin_url port: " + portStr)
		}
		c.OriginPort = port
	} else {
		c.OriginPort = DefaultOriginPort
	}

	c.OriginPathPrefix = u.Path
	return nil
}
