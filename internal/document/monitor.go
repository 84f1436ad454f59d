package document

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sealpost/sealpost/internal/ledger"
)

// DeliveryIndex is the status write-back surface the monitor needs from the
// delivery store.
type DeliveryIndex interface {
	SetClaimed(ctx context.Context, id int64) error
	RollbackToPending(ctx context.Context, id int64) error
}

// CertificateQueue receives identities whose settlement finalized.
type CertificateQueue interface {
	Enqueue(identity string)
}

// MonitorConfig carries the monitor's collaborators and tuning.
type MonitorConfig struct {
	Poller   ledger.StatusPoller
	Index    DeliveryIndex
	Registry *Registry

	// Certificates, Outcomes and Logger are optional.
	Certificates CertificateQueue
	Outcomes     *prometheus.CounterVec
	Logger       *log.Logger

	// Interval defaults to 2s, MaxPolls to 60 (about a two minute ceiling).
	Interval time.Duration
	MaxPolls int
}

// Monitor watches submitted settlement transactions until they confirm or the
// polling ceiling is exhausted, then reconciles the delivery index and the
// actor metadata. It is detached from the claim request that started it.
type Monitor struct {
	poller       ledger.StatusPoller
	index        DeliveryIndex
	registry     *Registry
	certificates CertificateQueue
	outcomes     *prometheus.CounterVec
	logger       *log.Logger
	interval     time.Duration
	maxPolls     int
}

// NewMonitor constructs a confirmation monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Poller == nil {
		return nil, fmt.Errorf("status poller is required")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("delivery index is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("actor registry is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 60
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Monitor{
		poller:       cfg.Poller,
		index:        cfg.Index,
		registry:     cfg.Registry,
		certificates: cfg.Certificates,
		outcomes:     cfg.Outcomes,
		logger:       cfg.Logger,
		interval:     cfg.Interval,
		maxPolls:     cfg.MaxPolls,
	}, nil
}

// Watch polls until the transaction settles, fails on chain, or the ceiling
// is exhausted. A record left in processing with no running monitor would be
// stuck forever, so every exit path other than confirmation rolls the record
// back to pending.
func (m *Monitor) Watch(ctx context.Context, reference string, recordID int64, identity string) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for poll := 0; poll < m.maxPolls; poll++ {
		select {
		case <-ctx.Done():
			m.abandon(ctx, recordID, identity, "canceled")
			return
		case <-ticker.C:
		}

		status, err := m.poller.Status(ctx, reference)
		if err != nil {
			m.logger.Printf("monitor poll failed identity=%s: %v", identity, err)
			continue
		}
		switch {
		case status.Settled():
			m.confirm(ctx, reference, recordID, identity)
			return
		case status == ledger.StatusFailed:
			m.logger.Printf("settlement failed on chain identity=%s", identity)
			m.abandon(ctx, recordID, identity, "onchain_failure")
			return
		}
	}

	m.logger.Printf("settlement confirmation timed out identity=%s", identity)
	m.abandon(ctx, recordID, identity, "timeout")
}

func (m *Monitor) confirm(ctx context.Context, reference string, recordID int64, identity string) {
	if err := m.index.SetClaimed(ctx, recordID); err != nil {
		m.logger.Printf("mark claimed failed identity=%s: %v", identity, err)
		m.count("index_error")
		return
	}
	if err := m.finalize(ctx, identity, reference); err != nil {
		m.logger.Printf("finalize metadata failed identity=%s: %v", identity, err)
		m.count("finalize_error")
		return
	}
	if m.certificates != nil {
		m.certificates.Enqueue(identity)
	}
	m.count("confirmed")
}

// finalizeAttempts bounds the metadata writes after the index already says
// claimed. Giving up on the first failure would strand an unfinalized
// snapshot behind a claimed record, leaving the certificate unreachable.
const finalizeAttempts = 3

func (m *Monitor) finalize(ctx context.Context, identity, reference string) error {
	var err error
	for attempt := 0; attempt < finalizeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.interval):
			}
		}
		if err = m.registry.Finalize(ctx, identity, reference); err == nil {
			return nil
		}
		m.logger.Printf("finalize metadata attempt %d failed identity=%s: %v", attempt+1, identity, err)
	}
	return err
}

// abandon rolls the record back to pending so the claimant can retry. The
// write uses a detached context so request cancellation cannot leave the
// record stuck in processing.
func (m *Monitor) abandon(ctx context.Context, recordID int64, identity string, outcome string) {
	if err := m.index.RollbackToPending(context.WithoutCancel(ctx), recordID); err != nil {
		m.logger.Printf("rollback to pending failed identity=%s: %v", identity, err)
		m.count("rollback_error")
		return
	}
	m.count(outcome)
}

func (m *Monitor) count(outcome string) {
	if m.outcomes != nil {
		m.outcomes.WithLabelValues(outcome).Inc()
	}
}
