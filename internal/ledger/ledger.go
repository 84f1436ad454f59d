// Package ledger defines the contracts the claim engine needs from the
// attestation ledger network. Acceptance of a submitted transaction does not
// imply confirmation; callers poll separately.
package ledger

import "context"

// ConfirmationStatus is the network's view of a submitted transaction.
type ConfirmationStatus string

const (
	// StatusUnconfirmed means the network has not yet confirmed the transaction.
	StatusUnconfirmed ConfirmationStatus = "unconfirmed"
	// StatusConfirmed means the transaction reached confirmed commitment.
	StatusConfirmed ConfirmationStatus = "confirmed"
	// StatusFinalized means the transaction is finalized and irreversible.
	StatusFinalized ConfirmationStatus = "finalized"
	// StatusFailed means the transaction errored on chain.
	StatusFailed ConfirmationStatus = "failed"
)

// Settled reports whether the status is a terminal success.
func (s ConfirmationStatus) Settled() bool {
	return s == StatusConfirmed || s == StatusFinalized
}

// Submitter submits a fully signed transaction and returns its reference.
// Pre-check rejection surfaces as a SIMULATION_REJECTED domain error.
type Submitter interface {
	Submit(ctx context.Context, signedTx []byte) (string, error)
}

// StatusPoller reports the confirmation status of a submitted transaction.
type StatusPoller interface {
	Status(ctx context.Context, reference string) (ConfirmationStatus, error)
}
