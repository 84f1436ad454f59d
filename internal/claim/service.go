// Package claim orchestrates the send and claim flows: passcode guarding,
// identity re-derivation, settlement submission, and the asynchronous
// confirmation handoff.
package claim

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sealpost/sealpost/internal/blob"
	"github.com/sealpost/sealpost/internal/claim/storage"
	"github.com/sealpost/sealpost/internal/document"
	"github.com/sealpost/sealpost/internal/grant"
	"github.com/sealpost/sealpost/internal/identity"
	"github.com/sealpost/sealpost/internal/mail"
	"github.com/sealpost/sealpost/internal/passcode"
	apperrors "github.com/sealpost/sealpost/internal/platform/errors"
	"github.com/sealpost/sealpost/internal/platform/telemetry/metrics"
)

// Settler submits the attestation transaction for a validated claim.
type Settler interface {
	Settle(ctx context.Context, claimant identity.Identity, contentFingerprint string) (string, error)
}

// ConfirmationMonitor watches a submitted transaction until it settles or
// must be rolled back.
type ConfirmationMonitor interface {
	Watch(ctx context.Context, reference string, recordID int64, identity string)
}

// GrantIssuer mints and verifies download grants.
type GrantIssuer interface {
	Issue(identity string) (string, error)
	Validate(token, expectedIdentity string) (grant.Claims, error)
}

// CertificateRenderer produces the receipt for a finalized claim.
type CertificateRenderer interface {
	Render(identity string, snapshot document.Metadata) ([]byte, error)
}

// Config carries the service's collaborators. Deriver, Store, Documents,
// Settler and Monitor are required; the rest degrade gracefully when absent.
type Config struct {
	Deriver   *identity.Deriver
	Store     storage.DeliveryStore
	Documents *document.Registry
	Settler   Settler
	Monitor   ConfirmationMonitor

	Mailer       mail.Mailer
	Blobs        blob.Store
	Grants       GrantIssuer
	Certificates CertificateRenderer
	Metrics      *metrics.Metrics
	Logger       *log.Logger
}

// Service composes the claim engine's collaborators behind the external
// operations: Send, Claim, Status, MarkRead, Download and Certificate.
type Service struct {
	deriver      *identity.Deriver
	store        storage.DeliveryStore
	documents    *document.Registry
	settler      Settler
	monitor      ConfirmationMonitor
	mailer       mail.Mailer
	blobs        blob.Store
	grants       GrantIssuer
	certificates CertificateRenderer
	metrics      *metrics.Metrics
	logger       *log.Logger
	tracer       trace.Tracer
}

// NewService constructs the claim service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Deriver == nil {
		return nil, fmt.Errorf("identity deriver is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("delivery store is required")
	}
	if cfg.Documents == nil {
		return nil, fmt.Errorf("document registry is required")
	}
	if cfg.Settler == nil {
		return nil, fmt.Errorf("settler is required")
	}
	if cfg.Monitor == nil {
		return nil, fmt.Errorf("confirmation monitor is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Service{
		deriver:      cfg.Deriver,
		store:        cfg.Store,
		documents:    cfg.Documents,
		settler:      cfg.Settler,
		monitor:      cfg.Monitor,
		mailer:       cfg.Mailer,
		blobs:        cfg.Blobs,
		grants:       cfg.Grants,
		certificates: cfg.Certificates,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		tracer:       otel.Tracer("sealpost/claim"),
	}, nil
}

// SendInput describes one sealed delivery or anchor request.
type SendInput struct {
	RecipientEmail     string
	ContentFingerprint string

	// Content is the encrypted payload, stored opaquely when present.
	Content []byte

	// DecryptionKey rides in the link fragment only; never persisted.
	DecryptionKey string

	Anchor      bool
	ProjectName string
	AuthorName  string
}

// SendResult identifies the created delivery. The passcode travels only in
// the notification email.
type SendResult struct {
	Identity string
	Salt     string
}

// Send derives a fresh identity for the recipient, records the delivery as
// pending, stores the payload, and dispatches the claim notification.
func (s *Service) Send(ctx context.Context, input SendInput) (SendResult, error) {
	ctx, span := s.tracer.Start(ctx, "claim.Send")
	defer span.End()

	if input.RecipientEmail == "" {
		return SendResult{}, apperrors.New(apperrors.CodeInvalidArgument, "recipient email is required")
	}
	if input.ContentFingerprint == "" {
		return SendResult{}, apperrors.New(apperrors.CodeInvalidArgument, "content fingerprint is required")
	}

	salt, err := identity.NewSalt()
	if err != nil {
		return SendResult{}, err
	}
	derived, err := s.deriver.Derive(input.RecipientEmail, salt)
	if err != nil {
		return SendResult{}, err
	}
	publicIdentity := derived.String()
	span.SetAttributes(attribute.String("claim.identity", publicIdentity))

	code, err := passcode.Generate()
	if err != nil {
		return SendResult{}, err
	}

	_, err = s.store.InsertDelivery(ctx, storage.DeliveryRecord{
		Identity:           publicIdentity,
		ContentFingerprint: input.ContentFingerprint,
		RecipientEmail:     input.RecipientEmail,
		PasscodeHash:       passcode.Hash(code),
		Status:             storage.StatusPending,
	})
	if err != nil {
		return SendResult{}, err
	}

	kind := document.KindDelivery
	if input.Anchor {
		kind = document.KindAnchor
	}
	err = s.documents.Create(ctx, publicIdentity, document.Metadata{
		Kind:               kind,
		ContentFingerprint: input.ContentFingerprint,
		ProjectName:        input.ProjectName,
		AuthorName:         input.AuthorName,
	})
	if err != nil {
		return SendResult{}, err
	}

	if len(input.Content) > 0 {
		if s.blobs == nil {
			return SendResult{}, apperrors.New(apperrors.CodeConfiguration, "payload storage is not configured")
		}
		if err := s.blobs.Put(ctx, publicIdentity, input.Content); err != nil {
			return SendResult{}, err
		}
	}

	if s.mailer != nil {
		err := s.mailer.Send(ctx, mail.Delivery{
			Recipient:          input.RecipientEmail,
			PublicIdentity:     publicIdentity,
			Salt:               salt,
			Passcode:           code,
			Anchor:             input.Anchor,
			ContentFingerprint: input.ContentFingerprint,
			DecryptionKey:      input.DecryptionKey,
		})
		if err != nil {
			// Delivery state is already durable; the sender can trigger a
			// fresh send if the notification never arrives.
			s.logger.Printf("claim notification failed identity=%s: %v", publicIdentity, err)
		}
	}

	if s.metrics != nil {
		s.metrics.DeliveriesCreated.Inc()
	}
	return SendResult{Identity: publicIdentity, Salt: salt}, nil
}

// Claim statuses returned to callers.
const (
	// StatusConfirming means the settlement transaction was submitted and
	// awaits ledger confirmation.
	StatusConfirming = "confirming"
	// StatusClaimed means settlement already finalized.
	StatusClaimed = "claimed"
)

// ClaimInput carries one claim attempt.
type ClaimInput struct {
	Identity string
	Passcode string
	Salt     string
}

// ClaimResult reports the claim outcome. DownloadGrant is present when a
// grant issuer is configured and the passcode was accepted.
type ClaimResult struct {
	Status              string
	SettlementReference string
	DownloadGrant       string
}

// Claim runs the claim state machine. At most one caller per identity may
// hold the processing lock; every failure after the lock is acquired rolls
// the record back to pending before returning.
func (s *Service) Claim(ctx context.Context, input ClaimInput) (ClaimResult, error) {
	ctx, span := s.tracer.Start(ctx, "claim.Claim",
		trace.WithAttributes(attribute.String("claim.identity", input.Identity)))
	defer span.End()

	if input.Identity == "" || input.Passcode == "" || input.Salt == "" {
		return s.reject(apperrors.New(apperrors.CodeInvalidArgument, "identity, passcode and salt are required"))
	}

	record, err := s.store.GetDeliveryByIdentity(ctx, input.Identity)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return s.reject(apperrors.New(apperrors.CodeUnknownIdentity, "unknown identity"))
		}
		return ClaimResult{}, err
	}

	switch record.Status {
	case storage.StatusClaimed:
		// Repeated claims after success are safe no-ops.
		result := ClaimResult{Status: StatusClaimed}
		if snapshot, err := s.documents.Get(ctx, record.Identity); err == nil {
			result.SettlementReference = snapshot.SettlementReference
		}
		result.DownloadGrant = s.issueGrant(record.Identity)
		s.count("already_claimed")
		return result, nil
	case storage.StatusProcessing:
		return s.reject(apperrors.New(apperrors.CodeClaimInFlight, "a claim is already in flight"))
	}

	// Single serialization point: winning this transition grants exclusive
	// progress for the identity across all processes.
	locked, err := s.store.CompareAndSetStatus(ctx, record.ID, storage.StatusPending, storage.StatusProcessing)
	if err != nil {
		return ClaimResult{}, err
	}
	if !locked {
		return s.reject(apperrors.New(apperrors.CodeClaimInFlight, "a claim is already in flight"))
	}

	// The snapshot read before the lock may miss attempts consumed by
	// concurrent claims; re-read under the lock before any throttling or
	// passcode decision.
	current, err := s.store.GetDeliveryByIdentity(ctx, input.Identity)
	if err != nil {
		s.rollback(ctx, record.ID, record.Identity)
		return ClaimResult{}, err
	}
	record = current

	if record.Attempts >= passcode.MaxAttempts {
		// The ceiling check happens under the lock but no settlement was
		// attempted; release the lock so the record is not stuck.
		s.rollback(ctx, record.ID, record.Identity)
		return s.reject(apperrors.New(apperrors.CodeMaxAttemptsExceeded, "maximum claim attempts exceeded"))
	}

	if !passcode.Verify(input.Passcode, record.PasscodeHash) {
		attempts, err := s.store.IncrementAttempts(ctx, record.ID)
		if err != nil {
			s.logger.Printf("increment attempts failed identity=%s: %v", record.Identity, err)
			attempts = record.Attempts + 1
		}
		s.rollback(ctx, record.ID, record.Identity)
		remaining := passcode.MaxAttempts - attempts
		if remaining < 0 {
			remaining = 0
		}
		return s.reject(apperrors.WithMetadata(apperrors.CodeInvalidPasscode, "invalid passcode",
			map[string]string{"remaining_attempts": strconv.Itoa(remaining)}))
	}

	derived, err := s.deriver.Derive(record.RecipientEmail, input.Salt)
	if err != nil {
		s.rollback(ctx, record.ID, record.Identity)
		return ClaimResult{}, err
	}
	if derived.String() != record.Identity {
		// Forged or mismatched salt/email pairing. Log the public identity
		// only; the salt and email never reach logs.
		s.logger.Printf("identity mismatch on claim identity=%s", record.Identity)
		s.rollback(ctx, record.ID, record.Identity)
		return s.reject(apperrors.New(apperrors.CodeIdentityMismatch, "identity mismatch"))
	}

	reference, err := s.settler.Settle(ctx, derived, record.ContentFingerprint)
	if err != nil {
		// Submission never reached the ledger; no passcode attempt is
		// credited and the upstream error surfaces verbatim.
		s.rollback(ctx, record.ID, record.Identity)
		s.count("settlement_rejected")
		return ClaimResult{}, err
	}

	// The record stays processing until the monitor confirms or rolls back.
	// The monitor must outlive this request.
	go s.monitor.Watch(context.WithoutCancel(ctx), reference, record.ID, record.Identity)

	s.count("confirming")
	return ClaimResult{
		Status:              StatusConfirming,
		SettlementReference: reference,
		DownloadGrant:       s.issueGrant(record.Identity),
	}, nil
}

// StatusResult is the externally visible view of one delivery.
type StatusResult struct {
	Identity            string
	Status              storage.Status
	Attempts            int
	Kind                document.Kind
	ContentFingerprint  string
	SettlementReference string
	CreatedAt           string
	SignedAt            string
	ReadAt              string
}

// Status reports the claim state and metadata snapshot for an identity.
func (s *Service) Status(ctx context.Context, publicIdentity string) (StatusResult, error) {
	record, err := s.store.GetDeliveryByIdentity(ctx, publicIdentity)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return StatusResult{}, apperrors.New(apperrors.CodeUnknownIdentity, "unknown identity")
		}
		return StatusResult{}, err
	}

	result := StatusResult{
		Identity:           record.Identity,
		Status:             record.Status,
		Attempts:           record.Attempts,
		ContentFingerprint: record.ContentFingerprint,
	}
	snapshot, err := s.documents.Get(ctx, publicIdentity)
	if err != nil {
		// The index row is authoritative; missing metadata degrades the
		// response rather than failing it.
		return result, nil
	}
	result.Kind = snapshot.Kind
	result.SettlementReference = snapshot.SettlementReference
	if !snapshot.CreatedAt.IsZero() {
		result.CreatedAt = snapshot.CreatedAt.Format(timeFormat)
	}
	if snapshot.SignedAt != nil {
		result.SignedAt = snapshot.SignedAt.Format(timeFormat)
	}
	if snapshot.ReadAt != nil {
		result.ReadAt = snapshot.ReadAt.Format(timeFormat)
	}
	return result, nil
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// MarkRead records the first disclosure for an identity. Idempotent.
func (s *Service) MarkRead(ctx context.Context, publicIdentity string) error {
	_, err := s.documents.MarkRead(ctx, publicIdentity)
	return err
}

// Upload attaches or replaces the encrypted payload for an existing
// delivery. The content is opaque ciphertext.
func (s *Service) Upload(ctx context.Context, publicIdentity string, content []byte) error {
	if s.blobs == nil {
		return apperrors.New(apperrors.CodeConfiguration, "payload storage is not configured")
	}
	if len(content) == 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "payload is required")
	}
	if _, err := s.store.GetDeliveryByIdentity(ctx, publicIdentity); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return apperrors.New(apperrors.CodeUnknownIdentity, "unknown identity")
		}
		return err
	}
	return s.blobs.Put(ctx, publicIdentity, content)
}

// Download returns the encrypted payload and marks the first disclosure.
// Before the claim settles the caller must present the delivery passcode or
// a download grant; once the record is claimed the payload is reachable by
// link alone. The passcode check here never credits an attempt.
func (s *Service) Download(ctx context.Context, publicIdentity, grantToken, code string) ([]byte, error) {
	if s.blobs == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "payload storage is not configured")
	}
	record, err := s.store.GetDeliveryByIdentity(ctx, publicIdentity)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return nil, apperrors.New(apperrors.CodeUnknownIdentity, "unknown identity")
		}
		return nil, err
	}
	if record.Status != storage.StatusClaimed {
		if err := s.authorizeDownload(record, grantToken, code); err != nil {
			return nil, err
		}
	}

	content, err := s.blobs.Get(ctx, publicIdentity)
	if err != nil {
		return nil, err
	}
	if _, err := s.documents.MarkRead(ctx, publicIdentity); err != nil {
		s.logger.Printf("mark read failed identity=%s: %v", publicIdentity, err)
	}
	return content, nil
}

// Certificate renders the settlement receipt for a finalized claim.
func (s *Service) Certificate(ctx context.Context, publicIdentity string) ([]byte, error) {
	if s.certificates == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "certificate rendering is not configured")
	}
	snapshot, err := s.documents.Get(ctx, publicIdentity)
	if err != nil {
		return nil, err
	}
	if !snapshot.Claimed() {
		return nil, apperrors.New(apperrors.CodeConflict, "claim is not finalized")
	}
	return s.certificates.Render(publicIdentity, snapshot)
}

func (s *Service) authorizeDownload(record storage.DeliveryRecord, grantToken, code string) error {
	if grantToken != "" && s.grants != nil {
		if _, err := s.grants.Validate(grantToken, record.Identity); err == nil {
			return nil
		}
	}
	if code != "" && passcode.Verify(code, record.PasscodeHash) {
		return nil
	}
	return apperrors.New(apperrors.CodePasscodeRequired, "a passcode or download grant is required")
}

func (s *Service) issueGrant(publicIdentity string) string {
	if s.grants == nil {
		return ""
	}
	token, err := s.grants.Issue(publicIdentity)
	if err != nil {
		s.logger.Printf("grant issue failed identity=%s: %v", publicIdentity, err)
		return ""
	}
	return token
}

// rollback releases the processing lock. A failure here would leave the
// record stuck, so it is logged loudly.
func (s *Service) rollback(ctx context.Context, recordID int64, publicIdentity string) {
	if err := s.store.RollbackToPending(context.WithoutCancel(ctx), recordID); err != nil {
		s.logger.Printf("rollback to pending failed identity=%s: %v", publicIdentity, err)
	}
}

func (s *Service) reject(err *apperrors.Error) (ClaimResult, error) {
	s.count(string(err.Code))
	return ClaimResult{}, err
}

func (s *Service) count(outcome string) {
	if s.metrics != nil {
		s.metrics.ClaimOutcomes.WithLabelValues(outcome).Inc()
	}
}
