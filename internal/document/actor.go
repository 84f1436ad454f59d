package document

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Registry routes metadata operations through one actor per identity. Actors
// are created lazily on first reference and never evicted.
type Registry struct {
	store MetadataStore
	clock func() time.Time

	mu     sync.Mutex
	actors map[string]*actor
}

type actor struct {
	mu sync.Mutex
}

// NewRegistry constructs an actor registry over the metadata store.
func NewRegistry(store MetadataStore) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	return &Registry{
		store:  store,
		clock:  time.Now,
		actors: make(map[string]*actor),
	}, nil
}

func (r *Registry) actorFor(identity string) *actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[identity]
	if !ok {
		a = &actor{}
		r.actors[identity] = a
	}
	return a
}

// Create records the initial metadata snapshot for an identity at send time.
func (r *Registry) Create(ctx context.Context, identity string, metadata Metadata) error {
	a := r.actorFor(identity)
	a.mu.Lock()
	defer a.mu.Unlock()

	if metadata.CreatedAt.IsZero() {
		metadata.CreatedAt = r.clock().UTC()
	}
	metadata.VisibilityStatus = VisibilityUnclaimed
	return r.store.Put(ctx, identity, metadata)
}

// Get returns the current metadata snapshot for an identity.
func (r *Registry) Get(ctx context.Context, identity string) (Metadata, error) {
	a := r.actorFor(identity)
	a.mu.Lock()
	defer a.mu.Unlock()

	return r.store.Get(ctx, identity)
}

// MarkRead records the first disclosure time. Repeated calls keep the first
// timestamp and return the unchanged snapshot.
func (r *Registry) MarkRead(ctx context.Context, identity string) (Metadata, error) {
	a := r.actorFor(identity)
	a.mu.Lock()
	defer a.mu.Unlock()

	metadata, err := r.store.Get(ctx, identity)
	if err != nil {
		return Metadata{}, err
	}
	if metadata.ReadAt != nil {
		return metadata, nil
	}

	readAt := r.clock().UTC()
	metadata.ReadAt = &readAt
	if err := r.store.Put(ctx, identity, metadata); err != nil {
		return Metadata{}, err
	}
	return metadata, nil
}

// Finalize flips visibility to claimed and records the settlement reference
// in one snapshot replace. Finalizing an already-claimed identity is a no-op,
// so retries after a partial confirmation are safe.
func (r *Registry) Finalize(ctx context.Context, identity, reference string) error {
	a := r.actorFor(identity)
	a.mu.Lock()
	defer a.mu.Unlock()

	metadata, err := r.store.Get(ctx, identity)
	if err != nil {
		return err
	}
	if metadata.Claimed() {
		return nil
	}

	signedAt := r.clock().UTC()
	metadata.VisibilityStatus = VisibilityClaimed
	metadata.SettlementReference = reference
	metadata.SignedAt = &signedAt
	return r.store.Put(ctx, identity, metadata)
}
