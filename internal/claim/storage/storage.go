// Package storage defines the delivery index persistence boundary.
//
// The index is the single source of truth for claim status and throttling
// counters. All status transitions flow through CompareAndSetStatus, which is
// the engine's only cross-process serialization primitive.
package storage

import (
	"context"
	"time"

	"github.com/sealpost/sealpost/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrConflict indicates a write conflicted with a uniqueness constraint.
var ErrConflict = errors.New(errors.CodeConflict, "record conflict")

// Status is the claim lifecycle state of a delivery record.
type Status string

const (
	// StatusPending marks a claimable record.
	StatusPending Status = "pending"
	// StatusProcessing marks a claim accepted with settlement in flight.
	StatusProcessing Status = "processing"
	// StatusClaimed is the terminal success state.
	StatusClaimed Status = "claimed"
)

// DeliveryRecord is one outstanding delivery row, keyed by derived identity.
// Identity, ContentFingerprint, RecipientEmail and PasscodeHash are immutable
// once written; only Status and Attempts are mutated afterwards.
type DeliveryRecord struct {
	ID                 int64
	Identity           string
	ContentFingerprint string
	RecipientEmail     string
	PasscodeHash       string
	Status             Status
	Attempts           int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DeliveryStore persists delivery records.
//
// CompareAndSetStatus performs the transition only when the stored status
// equals expected, atomically, and reports whether it took effect. SetClaimed
// and RollbackToPending are the two processing-exit transitions, built on the
// same conditional update; no other mutation path may bypass it.
type DeliveryStore interface {
	InsertDelivery(ctx context.Context, record DeliveryRecord) (int64, error)
	GetDeliveryByIdentity(ctx context.Context, identity string) (DeliveryRecord, error)
	CompareAndSetStatus(ctx context.Context, id int64, expected, next Status) (bool, error)
	IncrementAttempts(ctx context.Context, id int64) (int, error)
	SetClaimed(ctx context.Context, id int64) error
	RollbackToPending(ctx context.Context, id int64) error
}
