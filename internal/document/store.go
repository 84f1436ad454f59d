package document

import (
	"context"

	"github.com/sealpost/sealpost/internal/platform/errors"
)

// ErrNotFound indicates no metadata exists for the identity.
var ErrNotFound = errors.New(errors.CodeNotFound, "document metadata not found")

// MetadataStore persists one metadata snapshot per identity. Put must apply
// as a single atomic replace so concurrent readers observe either the
// previous or the next snapshot, never a partial one.
type MetadataStore interface {
	Put(ctx context.Context, identity string, metadata Metadata) error
	Get(ctx context.Context, identity string) (Metadata, error)
}
