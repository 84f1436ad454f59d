// Package app wires the claim engine's stores, collaborators and HTTP
// surface into one runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/sealpost/sealpost/internal/api/rest"
	"github.com/sealpost/sealpost/internal/blob"
	"github.com/sealpost/sealpost/internal/certificate"
	"github.com/sealpost/sealpost/internal/claim"
	claimsqlite "github.com/sealpost/sealpost/internal/claim/storage/sqlite"
	"github.com/sealpost/sealpost/internal/document"
	documentbbolt "github.com/sealpost/sealpost/internal/document/storage/bbolt"
	"github.com/sealpost/sealpost/internal/grant"
	"github.com/sealpost/sealpost/internal/identity"
	"github.com/sealpost/sealpost/internal/ledger/solana"
	"github.com/sealpost/sealpost/internal/mail"
	"github.com/sealpost/sealpost/internal/platform/telemetry/metrics"
	"github.com/sealpost/sealpost/internal/platform/timeouts"
	"github.com/sealpost/sealpost/internal/settlement"
)

// Config carries the server's startup settings.
type Config struct {
	HTTPAddr       string `env:"SEALPOST_HTTP_ADDR"        envDefault:":8080"`
	DBPath         string `env:"SEALPOST_DB_PATH"          envDefault:"sealpost.db"`
	MetadataDBPath string `env:"SEALPOST_METADATA_DB_PATH" envDefault:"sealpost-metadata.db"`
	PayloadDir     string `env:"SEALPOST_PAYLOAD_DIR"      envDefault:"payloads"`
	CertificateDir string `env:"SEALPOST_CERTIFICATE_DIR"  envDefault:"certificates"`
	SharedSecret   string `env:"SEALPOST_SHARED_SECRET"`
	TreasuryKey    string `env:"SEALPOST_TREASURY_KEY"`
	LedgerEndpoint string `env:"SEALPOST_LEDGER_ENDPOINT"  envDefault:"https://api.devnet.solana.com"`
	PriorityFee    uint64 `env:"SEALPOST_PRIORITY_FEE_MICROLAMPORTS" envDefault:"0"`
}

// Server hosts the claim engine.
type Server struct {
	listener     net.Listener
	httpServer   *http.Server
	deliveries   *claimsqlite.Store
	metadata     *documentbbolt.Store
	certificates *certificate.Queue
	logger       *log.Logger
}

// New creates a configured server listening on cfg.HTTPAddr.
func New(cfg Config, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	deliveries, err := claimsqlite.Open(cfg.DBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	metadata, err := documentbbolt.Open(cfg.MetadataDBPath)
	if err != nil {
		_ = listener.Close()
		_ = deliveries.Close()
		return nil, err
	}
	closeAll := func() {
		_ = listener.Close()
		_ = deliveries.Close()
		_ = metadata.Close()
	}

	deriver, err := identity.NewDeriver(cfg.SharedSecret)
	if err != nil {
		closeAll()
		return nil, err
	}
	registry, err := document.NewRegistry(metadata)
	if err != nil {
		closeAll()
		return nil, err
	}
	m := metrics.New()

	ledgerClient, err := solana.NewClient(cfg.LedgerEndpoint)
	if err != nil {
		closeAll()
		return nil, err
	}
	coordinator, err := settlement.NewCoordinator(settlement.Config{
		Client:                   ledgerClient,
		TreasuryKey:              cfg.TreasuryKey,
		PriorityFeeMicroLamports: cfg.PriorityFee,
		Submissions:              m.SettlementSubmissions,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	payloads, err := blob.NewFSStore(cfg.PayloadDir)
	if err != nil {
		closeAll()
		return nil, err
	}
	certificateStore, err := blob.NewFSStore(cfg.CertificateDir)
	if err != nil {
		closeAll()
		return nil, err
	}
	renderer, err := certificate.NewRenderer()
	if err != nil {
		closeAll()
		return nil, err
	}
	certificates, err := certificate.NewQueue(certificate.QueueConfig{
		Renderer: renderer,
		Source:   documentSource{registry: registry},
		Sink:     certificateStore,
		Logger:   logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	monitor, err := document.NewMonitor(document.MonitorConfig{
		Poller:       ledgerClient,
		Index:        deliveries,
		Registry:     registry,
		Certificates: certificates,
		Outcomes:     m.MonitorOutcomes,
		Logger:       logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	var mailer mail.Mailer
	mailConfig := mail.LoadConfigFromEnv()
	if strings.TrimSpace(mailConfig.APIKey) != "" {
		mailer, err = mail.NewResendMailer(mailConfig)
		if err != nil {
			closeAll()
			return nil, err
		}
	} else {
		logger.Printf("mail api key absent, notifications disabled")
	}

	var grants claim.GrantIssuer
	if grantConfig, err := grant.LoadConfigFromEnv(nil); err != nil {
		logger.Printf("download grants disabled: %v", err)
	} else {
		grants, err = grant.NewIssuer(grantConfig)
		if err != nil {
			closeAll()
			return nil, err
		}
	}

	service, err := claim.NewService(claim.Config{
		Deriver:      deriver,
		Store:        deliveries,
		Documents:    registry,
		Settler:      coordinator,
		Monitor:      monitor,
		Mailer:       mailer,
		Blobs:        payloads,
		Grants:       grants,
		Certificates: renderer,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	mux := http.NewServeMux()
	rest.NewServer(service, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", m.Handler())

	return &Server{
		listener: listener,
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		deliveries:   deliveries,
		metadata:     metadata,
		certificates: certificates,
		logger:       logger,
	}, nil
}

// documentSource adapts the actor registry to the certificate queue.
type documentSource struct {
	registry *document.Registry
}

func (s documentSource) Get(ctx context.Context, identity string) (document.Metadata, error) {
	return s.registry.Get(ctx, identity)
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve runs the server until the context ends, then shuts down gracefully
// and closes the stores.
func (s *Server) Serve(ctx context.Context) error {
	queueCtx, stopQueue := context.WithCancel(context.Background())
	go s.certificates.Run(queueCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(s.listener)
	}()
	s.logger.Printf("listening on %s", s.Addr())

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		serveErr = s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	stopQueue()
	if err := s.deliveries.Close(); err != nil && serveErr == nil {
		serveErr = err
	}
	if err := s.metadata.Close(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, cfg Config, logger *log.Logger) error {
	server, err := New(cfg, logger)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}
