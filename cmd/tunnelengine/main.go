// Command tunnelengine is a thin wrapper around pkg/orchestrator: it turns
// flags into a tunnelconfig.Config and runs one tunnel session to
// completion, returning the exit code described in §6 — zero on clean
// shutdown, non-zero on transport failure or fatal registration error.
//
// Deliberately out of scope here (§1): acquiring a tunnel's credentials
// from the quick-tunnel HTTP endpoint and resolving the edge via DNS SRV
// lookup. Both are accepted as already-resolved flags.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/argotunnel/tunnelengine/pkg/orchestrator"
	"github.com/argotunnel/tunnelengine/pkg/tunnelconfig"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("tunnelengine", flag.ContinueOnError)

	edgeHost := fs.String("edge-host", "", "edge hostname (default region1.v2.argotunnel.com)")
	edgePort := fs.Uint("edge-port", 0, "edge UDP port (default 7844)")
	originURL := fs.String("origin-url", "", "local origin URL, e.g. http://127.0.0.1:8080")
	tunnelIDHex := fs.String("tunnel-id", "", "tunnel id, 32 hex characters")
	accountTag := fs.String("account-tag", "", "account tag")
	tunnelSecretHex := fs.String("tunnel-secret", "", "tunnel secret, hex-encoded")
	clientIDStr := fs.String("client-id", "", "client id, a v4 UUID (generated if omitted)")
	clientVersion := fs.String("client-version", "dev", "reported client version")
	clientArch := fs.String("client-arch", "unknown", "reported client architecture")
	replaceExisting := fs.Bool("replace-existing", false, "replace an existing connection at this slot")
	compressionQuality := fs.Uint("compression-quality", 0, "compression quality, 0-11")
	logLevel := fs.String("log-level", "info", "zerolog level name")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := tunnelconfig.Config{
		EdgeHost:           *edgeHost,
		EdgePort:           uint16(*edgePort),
		OriginURL:          *originURL,
		AccountTag:         *accountTag,
		ClientVersion:      *clientVersion,
		ClientArch:         *clientArch,
		ReplaceExisting:    *replaceExisting,
		CompressionQuality: uint8(*compressionQuality),
	}

	if *tunnelIDHex != "" {
		raw, err := hex.DecodeString(*tunnelIDHex)
		if err != nil || len(raw) != 16 {
			fmt.Fprintln(os.Stderr, "tunnelengine: --tunnel-id must be 32 hex characters")
			return 2
		}
		copy(cfg.TunnelID[:], raw)
	}
	if *tunnelSecretHex != "" {
		raw, err := hex.DecodeString(*tunnelSecretHex)
		if err != nil {
			fmt.Fprintln(os.Stderr, "tunnelengine: --tunnel-secret must be hex-encoded")
			return 2
		}
		cfg.TunnelSecret = raw
	}

	if *clientIDStr != "" {
		id, err := uuid.Parse(*clientIDStr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "tunnelengine: --client-id is not a valid UUID")
			return 2
		}
		copy(cfg.ClientID[:], id[:])
	} else {
		id := uuid.New()
		copy(cfg.ClientID[:], id[:])
	}

	if err := cfg.Normalize(); err != nil {
		fmt.Fprintf(os.Stderr, "tunnelengine: invalid configuration: %v\n", err)
		return 2
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunnelengine: invalid --log-level: %v\n", err)
		return 2
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	o := orchestrator.New(cfg, logger)
	go func() {
		<-ctx.Done()
		o.Close()
	}()

	if err := o.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("tunnel session ended with an error")
		return 1
	}
	return 0
}
