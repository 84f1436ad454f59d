package bbolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sealpost/sealpost/internal/document"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	metadata := document.Metadata{
		Kind:               document.KindDelivery,
		VisibilityStatus:   document.VisibilityUnclaimed,
		ContentFingerprint: "fingerprint-1",
		CreatedAt:          created,
	}
	if err := store.Put(ctx, "identity-1", metadata); err != nil {
		t.Fatalf("put metadata: %v", err)
	}

	got, err := store.Get(ctx, "identity-1")
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if got.Kind != document.KindDelivery {
		t.Fatalf("expected delivery kind, got %q", got.Kind)
	}
	if got.ContentFingerprint != "fingerprint-1" {
		t.Fatalf("expected fingerprint-1, got %q", got.ContentFingerprint)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("expected created at %v, got %v", created, got.CreatedAt)
	}
	if got.ReadAt != nil || got.SignedAt != nil {
		t.Fatal("expected optional timestamps to stay unset")
	}
}

func TestPutReplacesSnapshot(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "identity-1", document.Metadata{ContentFingerprint: "before"}); err != nil {
		t.Fatalf("put first snapshot: %v", err)
	}
	signed := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	next := document.Metadata{
		ContentFingerprint:  "before",
		VisibilityStatus:    document.VisibilityClaimed,
		SettlementReference: "reference-1",
		SignedAt:            &signed,
	}
	if err := store.Put(ctx, "identity-1", next); err != nil {
		t.Fatalf("put second snapshot: %v", err)
	}

	got, err := store.Get(ctx, "identity-1")
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if !got.Claimed() {
		t.Fatal("expected claimed visibility after replace")
	}
	if got.SettlementReference != "reference-1" {
		t.Fatalf("expected reference-1, got %q", got.SettlementReference)
	}
	if got.SignedAt == nil || !got.SignedAt.Equal(signed) {
		t.Fatalf("expected signed at %v, got %v", signed, got.SignedAt)
	}
}

func TestGetMissingIdentity(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	if _, err := store.Get(context.Background(), "absent"); !errors.Is(err, document.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRequestsRequireIdentity(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, " ", document.Metadata{}); err == nil {
		t.Fatal("expected put to reject empty identity")
	}
	if _, err := store.Get(ctx, " "); err == nil {
		t.Fatal("expected get to reject empty identity")
	}
}
