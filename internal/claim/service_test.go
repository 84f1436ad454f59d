package claim

import (
	"context"
	"crypto/ed25519"
	crand "crypto/rand"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sealpost/sealpost/internal/claim/storage"
	"github.com/sealpost/sealpost/internal/document"
	"github.com/sealpost/sealpost/internal/grant"
	"github.com/sealpost/sealpost/internal/identity"
	"github.com/sealpost/sealpost/internal/mail"
	"github.com/sealpost/sealpost/internal/passcode"
	apperrors "github.com/sealpost/sealpost/internal/platform/errors"
)

// memoryDeliveryStore mirrors the sqlite store's semantics, including the
// conditional status transition.
type memoryDeliveryStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[string]*storage.DeliveryRecord
}

func newMemoryDeliveryStore() *memoryDeliveryStore {
	return &memoryDeliveryStore{nextID: 1, records: make(map[string]*storage.DeliveryRecord)}
}

func (s *memoryDeliveryStore) InsertDelivery(ctx context.Context, record storage.DeliveryRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.Identity]; ok {
		return 0, storage.ErrConflict
	}
	record.ID = s.nextID
	s.nextID++
	s.records[record.Identity] = &record
	return record.ID, nil
}

func (s *memoryDeliveryStore) GetDeliveryByIdentity(ctx context.Context, identity string) (storage.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[identity]
	if !ok {
		return storage.DeliveryRecord{}, storage.ErrNotFound
	}
	return *record, nil
}

func (s *memoryDeliveryStore) byID(id int64) *storage.DeliveryRecord {
	for _, record := range s.records {
		if record.ID == id {
			return record
		}
	}
	return nil
}

func (s *memoryDeliveryStore) CompareAndSetStatus(ctx context.Context, id int64, expected, next storage.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.byID(id)
	if record == nil || record.Status != expected {
		return false, nil
	}
	record.Status = next
	return true, nil
}

func (s *memoryDeliveryStore) IncrementAttempts(ctx context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.byID(id)
	if record == nil {
		return 0, storage.ErrNotFound
	}
	record.Attempts++
	return record.Attempts, nil
}

func (s *memoryDeliveryStore) SetClaimed(ctx context.Context, id int64) error {
	ok, err := s.CompareAndSetStatus(ctx, id, storage.StatusProcessing, storage.StatusClaimed)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrConflict
	}
	return nil
}

func (s *memoryDeliveryStore) RollbackToPending(ctx context.Context, id int64) error {
	ok, err := s.CompareAndSetStatus(ctx, id, storage.StatusProcessing, storage.StatusPending)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrConflict
	}
	return nil
}

type memoryMetadataStore struct {
	mu   sync.Mutex
	data map[string]document.Metadata
}

func newMemoryMetadataStore() *memoryMetadataStore {
	return &memoryMetadataStore{data: make(map[string]document.Metadata)}
}

func (s *memoryMetadataStore) Put(ctx context.Context, identity string, metadata document.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[identity] = metadata
	return nil
}

func (s *memoryMetadataStore) Get(ctx context.Context, identity string) (document.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metadata, ok := s.data[identity]
	if !ok {
		return document.Metadata{}, document.ErrNotFound
	}
	return metadata, nil
}

type countingSettler struct {
	mu        sync.Mutex
	calls     int
	reference string
	err       error
}

func (s *countingSettler) Settle(ctx context.Context, claimant identity.Identity, contentFingerprint string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.reference, nil
}

func (s *countingSettler) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type watchCall struct {
	reference string
	recordID  int64
	identity  string
}

type recordingMonitor struct {
	calls chan watchCall
}

func newRecordingMonitor() *recordingMonitor {
	return &recordingMonitor{calls: make(chan watchCall, 16)}
}

func (m *recordingMonitor) Watch(ctx context.Context, reference string, recordID int64, identity string) {
	m.calls <- watchCall{reference: reference, recordID: recordID, identity: identity}
}

type capturingMailer struct {
	mu         sync.Mutex
	deliveries []mail.Delivery
}

func (m *capturingMailer) Send(ctx context.Context, delivery mail.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, delivery)
	return nil
}

func (m *capturingMailer) last(t *testing.T) mail.Delivery {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.deliveries) == 0 {
		t.Fatal("expected a dispatched notification")
	}
	return m.deliveries[len(m.deliveries)-1]
}

type memoryBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{data: make(map[string][]byte)}
}

func (b *memoryBlobs) Put(ctx context.Context, identity string, content []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[identity] = content
	return nil
}

func (b *memoryBlobs) Get(ctx context.Context, identity string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.data[identity]
	if !ok {
		return nil, errors.New("payload not found")
	}
	return content, nil
}

type testHarness struct {
	service *Service
	store   *memoryDeliveryStore
	docs    *document.Registry
	settler *countingSettler
	monitor *recordingMonitor
	mailer  *capturingMailer
	blobs   *memoryBlobs
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	deriver, err := identity.NewDeriver("test-shared-secret")
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}
	docs, err := document.NewRegistry(newMemoryMetadataStore())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	h := &testHarness{
		store:   newMemoryDeliveryStore(),
		docs:    docs,
		settler: &countingSettler{reference: "reference-1"},
		monitor: newRecordingMonitor(),
		mailer:  &capturingMailer{},
		blobs:   newMemoryBlobs(),
	}
	h.service, err = NewService(Config{
		Deriver:   deriver,
		Store:     h.store,
		Documents: docs,
		Settler:   h.settler,
		Monitor:   h.monitor,
		Mailer:    h.mailer,
		Blobs:     h.blobs,
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return h
}

func (h *testHarness) send(t *testing.T) (SendResult, mail.Delivery) {
	t.Helper()
	result, err := h.service.Send(context.Background(), SendInput{
		RecipientEmail:     "recipient@example.com",
		ContentFingerprint: "fingerprint-1",
		Content:            []byte("ciphertext"),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return result, h.mailer.last(t)
}

func (h *testHarness) awaitWatch(t *testing.T) watchCall {
	t.Helper()
	select {
	case call := <-h.monitor.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for monitor handoff")
		return watchCall{}
	}
}

func (h *testHarness) recordStatus(t *testing.T, publicIdentity string) storage.Status {
	t.Helper()
	record, err := h.store.GetDeliveryByIdentity(context.Background(), publicIdentity)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	return record.Status
}

func TestSendCreatesPendingDelivery(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	result, notification := h.send(t)

	if result.Identity == "" || result.Salt == "" {
		t.Fatalf("expected identity and salt, got %+v", result)
	}
	if h.recordStatus(t, result.Identity) != storage.StatusPending {
		t.Fatal("expected new record to be pending")
	}
	if notification.Passcode == "" || len(notification.Passcode) != 6 {
		t.Fatalf("expected a 6-digit passcode in the notification, got %q", notification.Passcode)
	}
	if notification.Salt != result.Salt {
		t.Fatal("expected salt to travel only through the notification link")
	}

	snapshot, err := h.docs.Get(context.Background(), result.Identity)
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if snapshot.Kind != document.KindDelivery || snapshot.Claimed() {
		t.Fatalf("unexpected initial metadata %+v", snapshot)
	}

	payload, err := h.blobs.Get(context.Background(), result.Identity)
	if err != nil || string(payload) != "ciphertext" {
		t.Fatalf("expected stored payload, got %q err %v", payload, err)
	}
}

func TestSendUnlinkability(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	first, _ := h.send(t)
	second, _ := h.send(t)
	if first.Identity == second.Identity {
		t.Fatal("expected distinct identities for distinct salts")
	}
}

func TestSendValidatesInput(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	_, err := h.service.Send(context.Background(), SendInput{ContentFingerprint: "fingerprint-1"})
	if apperrors.CodeOf(err) != apperrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	_, err = h.service.Send(context.Background(), SendInput{RecipientEmail: "recipient@example.com"})
	if apperrors.CodeOf(err) != apperrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestClaimUnknownIdentity(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	_, err := h.service.Claim(context.Background(), ClaimInput{Identity: "absent", Passcode: "123456", Salt: "salt"})
	if apperrors.CodeOf(err) != apperrors.CodeUnknownIdentity {
		t.Fatalf("expected unknown identity, got %v", err)
	}
}

func TestClaimHappyPathHandsOffToMonitor(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	sent, notification := h.send(t)

	result, err := h.service.Claim(context.Background(), ClaimInput{
		Identity: sent.Identity,
		Passcode: notification.Passcode,
		Salt:     sent.Salt,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.Status != StatusConfirming {
		t.Fatalf("expected confirming, got %q", result.Status)
	}
	if result.SettlementReference != "reference-1" {
		t.Fatalf("expected reference-1, got %q", result.SettlementReference)
	}
	if h.settler.callCount() != 1 {
		t.Fatalf("expected one settlement, got %d", h.settler.callCount())
	}

	call := h.awaitWatch(t)
	if call.reference != "reference-1" || call.identity != sent.Identity {
		t.Fatalf("unexpected monitor handoff %+v", call)
	}
	if h.recordStatus(t, sent.Identity) != storage.StatusProcessing {
		t.Fatal("expected record to stay processing until confirmation")
	}
}

func TestClaimIdempotentAfterConfirmation(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	sent, notification := h.send(t)
	ctx := context.Background()

	if _, err := h.service.Claim(ctx, ClaimInput{Identity: sent.Identity, Passcode: notification.Passcode, Salt: sent.Salt}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	call := h.awaitWatch(t)

	// Emulate the monitor's confirmation sequence.
	if err := h.store.SetClaimed(ctx, call.recordID); err != nil {
		t.Fatalf("set claimed: %v", err)
	}
	if err := h.docs.Finalize(ctx, call.identity, call.reference); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	repeat, err := h.service.Claim(ctx, ClaimInput{Identity: sent.Identity, Passcode: notification.Passcode, Salt: sent.Salt})
	if err != nil {
		t.Fatalf("repeat claim: %v", err)
	}
	if repeat.Status != StatusClaimed {
		t.Fatalf("expected claimed, got %q", repeat.Status)
	}
	if repeat.SettlementReference != "reference-1" {
		t.Fatalf("expected recorded reference, got %q", repeat.SettlementReference)
	}
	if h.settler.callCount() != 1 {
		t.Fatalf("expected no second settlement, got %d", h.settler.callCount())
	}
}

func TestClaimInFlightRejected(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	sent, notification := h.send(t)
	ctx := context.Background()

	if _, err := h.service.Claim(ctx, ClaimInput{Identity: sent.Identity, Passcode: notification.Passcode, Salt: sent.Salt}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	h.awaitWatch(t)

	_, err := h.service.Claim(ctx, ClaimInput{Identity: sent.Identity, Passcode: notification.Passcode, Salt: sent.Salt})
	if apperrors.CodeOf(err) != apperrors.CodeClaimInFlight {
		t.Fatalf("expected claim in flight, got %v", err)
	}
	if h.settler.callCount() != 1 {
		t.Fatalf("expected no duplicate settlement, got %d", h.settler.callCount())
	}
}

func TestClaimWrongPasscodeRollsBack(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	sent, notification := h.send(t)
	ctx := context.Background()

	wrong := "000000"
	if wrong == notification.Passcode {
		wrong = "000001"
	}
	_, err := h.service.Claim(ctx, ClaimInput{Identity: sent.Identity, Passcode: wrong, Salt: sent.Salt})
	if apperrors.CodeOf(err) != apperrors.CodeInvalidPasscode {
		t.Fatalf("expected invalid passcode, got %v", err)
	}
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) || appErr.Metadata["remaining_attempts"] != "4" {
		t.Fatalf("expected remaining attempts metadata, got %v", err)
	}
	if h.recordStatus(t, sent.Identity) != storage.StatusPending {
		t.Fatal("expected rollback to pending after wrong passcode")
	}
	if h.settler.callCount() != 0 {
		t.Fatal("expected no settlement on wrong passcode")
	}
}

func TestClaimAttemptCeiling(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	sent, notification := h.send(t)
	ctx := context.Background()

	wrong := "000000"
	if wrong == notification.Passcode {
		wrong = "000001"
	}
	for i := 0; i < 5; i++ {
		_, err := h.service.Claim(ctx, ClaimInput{Identity: sent.Identity, Passcode: wrong, Salt: sent.Salt})
		if apperrors.CodeOf(err) != apperrors.CodeInvalidPasscode {
			t.Fatalf("attempt %d: expected invalid passcode, got %v", i+1, err)
		}
	}

	_, err := h.service.Claim(ctx, ClaimInput{Identity: sent.Identity, Passcode: notification.Passcode, Salt: sent.Salt})
	if apperrors.CodeOf(err) != apperrors.CodeMaxAttemptsExceeded {
		t.Fatalf("expected max attempts exceeded, got %v", err)
	}
	if h.recordStatus(t, sent.Identity) != storage.StatusPending {
		t.Fatal("expected lock released after ceiling rejection")
	}
	if h.settler.callCount() != 0 {
		t.Fatal("expected no settlement after ceiling")
	}
}

// gatedDeliveryStore pauses the first status lock attempt after arm so a
// concurrent claim can interleave between a caller's record read and its
// pending to processing transition.
type gatedDeliveryStore struct {
	*memoryDeliveryStore

	mu     sync.Mutex
	armed  bool
	paused chan struct{}
	resume chan struct{}
}

func (s *gatedDeliveryStore) arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
}

func (s *gatedDeliveryStore) CompareAndSetStatus(ctx context.Context, id int64, expected, next storage.Status) (bool, error) {
	s.mu.Lock()
	tripped := s.armed
	s.armed = false
	s.mu.Unlock()
	if tripped {
		close(s.paused)
		<-s.resume
	}
	return s.memoryDeliveryStore.CompareAndSetStatus(ctx, id, expected, next)
}

func TestClaimRereadsAttemptsUnderLock(t *testing.T) {
	t.Parallel()

	deriver, err := identity.NewDeriver("test-shared-secret")
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}
	docs, err := document.NewRegistry(newMemoryMetadataStore())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	store := &gatedDeliveryStore{
		memoryDeliveryStore: newMemoryDeliveryStore(),
		paused:              make(chan struct{}),
		resume:              make(chan struct{}),
	}
	settler := &countingSettler{reference: "reference-1"}
	mailer := &capturingMailer{}
	service, err := NewService(Config{
		Deriver:   deriver,
		Store:     store,
		Documents: docs,
		Settler:   settler,
		Monitor:   newRecordingMonitor(),
		Mailer:    mailer,
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx := context.Background()
	sent, err := service.Send(ctx, SendInput{
		RecipientEmail:     "recipient@example.com",
		ContentFingerprint: "fingerprint-1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	notification := mailer.last(t)

	wrong := "000000"
	if wrong == notification.Passcode {
		wrong = "000001"
	}
	for i := 0; i < 4; i++ {
		_, err := service.Claim(ctx, ClaimInput{Identity: sent.Identity, Passcode: wrong, Salt: sent.Salt})
		if apperrors.CodeOf(err) != apperrors.CodeInvalidPasscode {
			t.Fatalf("attempt %d: expected invalid passcode, got %v", i+1, err)
		}
	}

	// Pause the next claim between its record read and the status lock,
	// then let a concurrent wrong guess consume the fifth attempt.
	store.arm()
	done := make(chan error, 1)
	go func() {
		_, err := service.Claim(context.Background(), ClaimInput{Identity: sent.Identity, Passcode: notification.Passcode, Salt: sent.Salt})
		done <- err
	}()
	<-store.paused

	if _, err := service.Claim(ctx, ClaimInput{Identity: sent.Identity, Passcode: wrong, Salt: sent.Salt}); apperrors.CodeOf(err) != apperrors.CodeInvalidPasscode {
		t.Fatalf("expected invalid passcode on fifth attempt, got %v", err)
	}

	close(store.resume)
	if err := <-done; apperrors.CodeOf(err) != apperrors.CodeMaxAttemptsExceeded {
		t.Fatalf("expected max attempts exceeded for the paused claim, got %v", err)
	}

	record, err := store.GetDeliveryByIdentity(ctx, sent.Identity)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.Attempts != passcode.MaxAttempts {
		t.Fatalf("expected attempts pinned at %d, got %d", passcode.MaxAttempts, record.Attempts)
	}
	if record.Status != storage.StatusPending {
		t.Fatalf("expected lock released, got %q", record.Status)
	}
	if settler.callCount() != 0 {
		t.Fatal("expected no settlement past the ceiling")
	}
}

func TestClaimIdentityMismatch(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	sent, notification := h.send(t)
	ctx := context.Background()

	foreignSalt, err := identity.NewSalt()
	if err != nil {
		t.Fatalf("new salt: %v", err)
	}
	_, err = h.service.Claim(ctx, ClaimInput{Identity: sent.Identity, Passcode: notification.Passcode, Salt: foreignSalt})
	if apperrors.CodeOf(err) != apperrors.CodeIdentityMismatch {
		t.Fatalf("expected identity mismatch, got %v", err)
	}
	if h.recordStatus(t, sent.Identity) != storage.StatusPending {
		t.Fatal("expected record back to pending after mismatch")
	}

	record, err := h.store.GetDeliveryByIdentity(ctx, sent.Identity)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.Attempts != 0 {
		t.Fatalf("expected attempts unchanged on mismatch, got %d", record.Attempts)
	}
}

func TestClaimSettlementRejectionRollsBack(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	sent, notification := h.send(t)
	ctx := context.Background()

	rejection := apperrors.New(apperrors.CodeSimulationRejected, "insufficient funds")
	h.settler.err = rejection

	_, err := h.service.Claim(ctx, ClaimInput{Identity: sent.Identity, Passcode: notification.Passcode, Salt: sent.Salt})
	if !errors.Is(err, rejection) {
		t.Fatalf("expected the rejection verbatim, got %v", err)
	}
	if h.recordStatus(t, sent.Identity) != storage.StatusPending {
		t.Fatal("expected rollback after settlement rejection")
	}

	// The validated passcode stays usable: no attempt was credited.
	h.settler.err = nil
	result, err := h.service.Claim(ctx, ClaimInput{Identity: sent.Identity, Passcode: notification.Passcode, Salt: sent.Salt})
	if err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	if result.Status != StatusConfirming {
		t.Fatalf("expected confirming on retry, got %q", result.Status)
	}
	h.awaitWatch(t)
}

func TestConcurrentClaimsSettleAtMostOnce(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	sent, notification := h.send(t)

	const callers = 16
	outcomes := make(chan error, callers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			_, err := h.service.Claim(context.Background(), ClaimInput{
				Identity: sent.Identity,
				Passcode: notification.Passcode,
				Salt:     sent.Salt,
			})
			outcomes <- err
		}()
	}
	start.Done()

	var succeeded, inFlight int
	for i := 0; i < callers; i++ {
		err := <-outcomes
		switch {
		case err == nil:
			succeeded++
		case apperrors.CodeOf(err) == apperrors.CodeClaimInFlight:
			inFlight++
		default:
			t.Fatalf("unexpected outcome: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one winner, got %d", succeeded)
	}
	if inFlight != callers-1 {
		t.Fatalf("expected %d in-flight rejections, got %d", callers-1, inFlight)
	}
	if h.settler.callCount() != 1 {
		t.Fatalf("expected exactly one settlement, got %d", h.settler.callCount())
	}
}

func TestStatusReportsRecordAndSnapshot(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	sent, _ := h.send(t)

	status, err := h.service.Status(context.Background(), sent.Identity)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != storage.StatusPending {
		t.Fatalf("expected pending, got %q", status.Status)
	}
	if status.Kind != document.KindDelivery {
		t.Fatalf("expected delivery kind, got %q", status.Kind)
	}
	if status.ContentFingerprint != "fingerprint-1" {
		t.Fatalf("expected fingerprint-1, got %q", status.ContentFingerprint)
	}

	if _, err := h.service.Status(context.Background(), "absent"); apperrors.CodeOf(err) != apperrors.CodeUnknownIdentity {
		t.Fatalf("expected unknown identity, got %v", err)
	}
}

func TestDownloadMarksFirstRead(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	sent, delivery := h.send(t)
	ctx := context.Background()

	payload, err := h.service.Download(ctx, sent.Identity, "", delivery.Passcode)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(payload) != "ciphertext" {
		t.Fatalf("expected payload bytes, got %q", payload)
	}

	first, err := h.docs.Get(ctx, sent.Identity)
	if err != nil || first.ReadAt == nil {
		t.Fatalf("expected read at recorded, got %+v err %v", first, err)
	}

	if _, err := h.service.Download(ctx, sent.Identity, "", delivery.Passcode); err != nil {
		t.Fatalf("second download: %v", err)
	}
	second, err := h.docs.Get(ctx, sent.Identity)
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if !second.ReadAt.Equal(*first.ReadAt) {
		t.Fatal("expected read at to stay at the first disclosure")
	}
}

func TestDownloadValidatesGrant(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	sent, _ := h.send(t)
	issuer := newServiceGrantIssuer(t)
	h.service.grants = issuer

	if _, err := h.service.Download(context.Background(), sent.Identity, "", ""); apperrors.CodeOf(err) != apperrors.CodePasscodeRequired {
		t.Fatalf("expected grant required, got %v", err)
	}

	token, err := issuer.Issue(sent.Identity)
	if err != nil {
		t.Fatalf("issue grant: %v", err)
	}
	if _, err := h.service.Download(context.Background(), sent.Identity, token, ""); err != nil {
		t.Fatalf("download with grant: %v", err)
	}
}

func TestDownloadBeforeClaimRequiresCredential(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	sent, _ := h.send(t)
	ctx := context.Background()

	if _, err := h.service.Download(ctx, sent.Identity, "", ""); apperrors.CodeOf(err) != apperrors.CodePasscodeRequired {
		t.Fatalf("expected passcode required, got %v", err)
	}
	if _, err := h.service.Download(ctx, sent.Identity, "", "000000"); apperrors.CodeOf(err) != apperrors.CodePasscodeRequired {
		t.Fatalf("expected wrong passcode rejected, got %v", err)
	}

	record, err := h.store.GetDeliveryByIdentity(ctx, sent.Identity)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.Attempts != 0 {
		t.Fatalf("download checks must not credit attempts, got %d", record.Attempts)
	}

	if ok, err := h.store.CompareAndSetStatus(ctx, record.ID, storage.StatusPending, storage.StatusProcessing); err != nil || !ok {
		t.Fatalf("lock record: ok=%v err=%v", ok, err)
	}
	if err := h.store.SetClaimed(ctx, record.ID); err != nil {
		t.Fatalf("set claimed: %v", err)
	}
	if _, err := h.service.Download(ctx, sent.Identity, "", ""); err != nil {
		t.Fatalf("claimed payload should be reachable by link, got %v", err)
	}
}

func newServiceGrantIssuer(t *testing.T) *grant.Issuer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	issuer, err := grant.NewIssuer(grant.Config{
		Issuer:   "sealpost",
		Audience: "sealpost-download",
		TTL:      time.Minute,
		Key:      key,
	})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return issuer
}

func TestCertificateRequiresFinalizedClaim(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	h.service.certificates = staticRenderer{}
	sent, _ := h.send(t)
	ctx := context.Background()

	if _, err := h.service.Certificate(ctx, sent.Identity); apperrors.CodeOf(err) != apperrors.CodeConflict {
		t.Fatalf("expected conflict before finalization, got %v", err)
	}

	if err := h.docs.Finalize(ctx, sent.Identity, "reference-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	content, err := h.service.Certificate(ctx, sent.Identity)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	if !strings.Contains(string(content), sent.Identity) {
		t.Fatal("expected identity in rendered certificate")
	}
}

type staticRenderer struct{}

func (staticRenderer) Render(identity string, snapshot document.Metadata) ([]byte, error) {
	return []byte("certificate for " + identity), nil
}
