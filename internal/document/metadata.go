// Package document holds per-identity display metadata and the confirmation
// monitor. Each identity gets its own actor so metadata mutations for one
// identity are serialized while distinct identities proceed in parallel.
package document

import "time"

// Kind distinguishes encrypted deliveries from authorship anchors.
type Kind string

const (
	// KindDelivery is an encrypted document addressed to a recipient.
	KindDelivery Kind = "delivery"
	// KindAnchor is a public authorship attestation with display fields.
	KindAnchor Kind = "anchor"
)

// Visibility values for Metadata.VisibilityStatus.
const (
	// VisibilityUnclaimed means settlement has not been confirmed.
	VisibilityUnclaimed = 0
	// VisibilityClaimed means settlement is confirmed and irreversible.
	VisibilityClaimed = 1
)

// Metadata is the display and audit record for one identity. It is stored
// independently from the delivery index and converges with it through
// Finalize. ReadAt is set at most once; VisibilityStatus only moves 0 to 1.
type Metadata struct {
	Kind                Kind       `json:"kind"`
	VisibilityStatus    int        `json:"visibility_status"`
	ContentFingerprint  string     `json:"content_fingerprint"`
	CreatedAt           time.Time  `json:"created_at"`
	ReadAt              *time.Time `json:"read_at,omitempty"`
	SettlementReference string     `json:"settlement_reference,omitempty"`
	SignedAt            *time.Time `json:"signed_at,omitempty"`
	ProjectName         string     `json:"project_name,omitempty"`
	AuthorName          string     `json:"author_name,omitempty"`
}

// Claimed reports whether settlement has been finalized for this metadata.
func (m Metadata) Claimed() bool {
	return m.VisibilityStatus == VisibilityClaimed
}
