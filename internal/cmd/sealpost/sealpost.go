// Package sealpost wires flags and environment into the server command.
package sealpost

import (
	"context"
	"flag"
	"log"

	"github.com/sealpost/sealpost/internal/app"
	"github.com/sealpost/sealpost/internal/platform/config"
	"github.com/sealpost/sealpost/internal/platform/otel"
)

// ParseConfig loads environment configuration and applies flag overrides.
func ParseConfig(fs *flag.FlagSet, args []string) (app.Config, error) {
	var cfg app.Config
	if err := config.ParseEnv(&cfg); err != nil {
		return app.Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the delivery index database")
	fs.StringVar(&cfg.MetadataDBPath, "metadata-db", cfg.MetadataDBPath, "Path to the document metadata database")
	fs.StringVar(&cfg.PayloadDir, "payload-dir", cfg.PayloadDir, "Directory for encrypted payloads")
	fs.StringVar(&cfg.CertificateDir, "certificate-dir", cfg.CertificateDir, "Directory for rendered certificates")
	fs.StringVar(&cfg.LedgerEndpoint, "ledger-endpoint", cfg.LedgerEndpoint, "Ledger RPC endpoint")
	if err := fs.Parse(args); err != nil {
		return app.Config{}, err
	}
	return cfg, nil
}

// Run starts the server with tracing configured.
func Run(ctx context.Context, cfg app.Config, logger *log.Logger) error {
	shutdown, err := otel.Setup(ctx, "sealpost")
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Printf("tracing shutdown: %v", err)
		}
	}()

	return app.Run(ctx, cfg, logger)
}
