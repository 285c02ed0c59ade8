package tunnelconfig

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func validClientID() [16]byte {
	var id [16]byte
	copy(id[:], uuid.New()[:])
	return id
}

func TestNormalizeAppliesDefaults(t *testing.T) {
	cfg := Config{OriginURL: "http://localhost:8080/app", ClientID: validClientID()}
	require.NoError(t, cfg.Normalize())

	require.Equal(t, "region1.v2.argotunnel.com", cfg.EdgeHost)
	require.Equal(t, uint16(DefaultEdgePort), cfg.EdgePort)
	require.Equal(t, uint32(DefaultConnectTimeoutMS), cfg.ConnectTimeoutMS)
	require.Equal(t, uint32(DefaultReadTimeoutMS), cfg.ReadTimeoutMS)
	require.Equal(t, "http", cfg.OriginScheme)
	require.Equal(t, "localhost", cfg.OriginHost)
	require.Equal(t, 8080, cfg.OriginPort)
	require.Equal(t, "/app", cfg.OriginPathPrefix)
}

func TestNormalizeDowngradesHTTPS(t *testing.T) {
	cfg := Config{OriginURL: "https://origin.internal", ClientID: validClientID()}
	require.NoError(t, cfg.Normalize())
	require.Equal(t, "http", cfg.OriginScheme)
	require.Equal(t, DefaultOriginPort, cfg.OriginPort)
}

func TestNormalizeClampsCompressionQuality(t *testing.T) {
	cfg := Config{OriginURL: "http://origin.internal", ClientID: validClientID(), CompressionQuality: 200}
	require.NoError(t, cfg.Normalize())
	require.Equal(t, uint8(MaxCompressionQuality), cfg.CompressionQuality)
}

func TestNormalizeRejectsMissingOriginURL(t *testing.T) {
	cfg := Config{ClientID: validClientID()}
	require.Error(t, cfg.Normalize())
}

func TestNormalizeRejectsZeroClientID(t *testing.T) {
	cfg := Config{OriginURL: "http://origin.internal"}
	require.Error(t, cfg.Normalize())
}

func TestNormalizeRejectsUnsupportedScheme(t *testing.T) {
	cfg := Config{OriginURL: "ftp://origin.internal", ClientID: validClientID()}
	require.Error(t, cfg.Normalize())
}
