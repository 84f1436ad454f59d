// Package bbolt provides a BoltDB-backed document metadata store.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/sealpost/sealpost/internal/document"
)

const metadataBucket = "document_metadata"

// Store provides a BoltDB-backed metadata store.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put replaces the metadata snapshot for an identity in one write.
func (s *Store) Put(ctx context.Context, identity string, metadata document.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("identity is required")
	}

	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(metadataBucket))
		if bucket == nil {
			return fmt.Errorf("metadata bucket is missing")
		}
		return bucket.Put([]byte(identity), payload)
	})
}

// Get fetches the metadata snapshot for an identity.
func (s *Store) Get(ctx context.Context, identity string) (document.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return document.Metadata{}, err
	}
	if s == nil || s.db == nil {
		return document.Metadata{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identity) == "" {
		return document.Metadata{}, fmt.Errorf("identity is required")
	}

	var metadata document.Metadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(metadataBucket))
		if bucket == nil {
			return fmt.Errorf("metadata bucket is missing")
		}
		payload := bucket.Get([]byte(identity))
		if payload == nil {
			return document.ErrNotFound
		}
		if err := json.Unmarshal(payload, &metadata); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return document.Metadata{}, err
	}

	return metadata, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("create metadata bucket: %w", err)
		}
		return nil
	})
}
