// Package blob stores encrypted payloads keyed by derived identity. Content
// is always an opaque ciphertext; nothing in the engine inspects it.
package blob

import (
	"context"

	"github.com/sealpost/sealpost/internal/platform/errors"
)

// ErrNotFound indicates no payload exists for the identity.
var ErrNotFound = errors.New(errors.CodeNotFound, "payload not found")

// Store persists one opaque payload per identity.
type Store interface {
	Put(ctx context.Context, identity string, content []byte) error
	Get(ctx context.Context, identity string) ([]byte, error)
}
