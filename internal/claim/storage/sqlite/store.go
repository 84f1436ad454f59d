package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sealpost/sealpost/internal/claim/storage"
	"github.com/sealpost/sealpost/internal/claim/storage/sqlite/migrations"
	"github.com/sealpost/sealpost/internal/platform/storage/sqlitemigrate"
)

// Store provides SQLite-backed persistence for the delivery index.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a delivery index SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// InsertDelivery persists one delivery row and returns its assigned id.
func (s *Store) InsertDelivery(ctx context.Context, record storage.DeliveryRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeDeliveryRecord(record)
	if err != nil {
		return 0, err
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO deliveries (
	identity, content_fingerprint, recipient_email, passcode_hash, status, attempts, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		normalized.Identity,
		normalized.ContentFingerprint,
		normalized.RecipientEmail,
		normalized.PasscodeHash,
		normalized.Status,
		normalized.Attempts,
		toMillis(normalized.CreatedAt),
		toMillis(normalized.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, storage.ErrConflict
		}
		return 0, fmt.Errorf("insert delivery: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert delivery id: %w", err)
	}
	return id, nil
}

// GetDeliveryByIdentity loads one delivery row by derived public identity.
func (s *Store) GetDeliveryByIdentity(ctx context.Context, identity string) (storage.DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.DeliveryRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.DeliveryRecord{}, fmt.Errorf("storage is not configured")
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return storage.DeliveryRecord{}, fmt.Errorf("identity is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, identity, content_fingerprint, recipient_email, passcode_hash, status, attempts, created_at, updated_at
FROM deliveries
WHERE identity = ?
`, identity)
	record, err := scanDelivery(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.DeliveryRecord{}, storage.ErrNotFound
		}
		return storage.DeliveryRecord{}, fmt.Errorf("get delivery by identity: %w", err)
	}
	return record, nil
}

// CompareAndSetStatus transitions one row's status only when the stored
// status equals expected. It reports whether the transition took effect.
func (s *Store) CompareAndSetStatus(ctx context.Context, id int64, expected, next storage.Status) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	if expected == next {
		return false, fmt.Errorf("status transition must change status")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE deliveries
SET status = ?, updated_at = ?
WHERE id = ? AND status = ?
`, next, toMillis(time.Now()), id, expected)
	if err != nil {
		return false, fmt.Errorf("compare-and-set status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("compare-and-set status rows affected: %w", err)
	}
	return affected == 1, nil
}

// IncrementAttempts bumps the failed-passcode counter and returns the new value.
func (s *Store) IncrementAttempts(ctx context.Context, id int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE deliveries
SET attempts = attempts + 1, updated_at = ?
WHERE id = ?
`, toMillis(time.Now()), id)
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("increment attempts rows affected: %w", err)
	}
	if affected == 0 {
		return 0, storage.ErrNotFound
	}

	var attempts int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT attempts FROM deliveries WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return attempts, nil
}

// SetClaimed finalizes one row from processing to claimed.
func (s *Store) SetClaimed(ctx context.Context, id int64) error {
	ok, err := s.CompareAndSetStatus(ctx, id, storage.StatusProcessing, storage.StatusClaimed)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrConflict
	}
	return nil
}

// RollbackToPending releases one row's processing lock back to pending.
func (s *Store) RollbackToPending(ctx context.Context, id int64) error {
	ok, err := s.CompareAndSetStatus(ctx, id, storage.StatusProcessing, storage.StatusPending)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrConflict
	}
	return nil
}

type scanner func(dest ...any) error

func normalizeDeliveryRecord(record storage.DeliveryRecord) (storage.DeliveryRecord, error) {
	record.Identity = strings.TrimSpace(record.Identity)
	record.ContentFingerprint = strings.TrimSpace(record.ContentFingerprint)
	record.RecipientEmail = strings.TrimSpace(record.RecipientEmail)
	record.PasscodeHash = strings.TrimSpace(record.PasscodeHash)
	if record.Identity == "" {
		return storage.DeliveryRecord{}, fmt.Errorf("identity is required")
	}
	if record.ContentFingerprint == "" {
		return storage.DeliveryRecord{}, fmt.Errorf("content fingerprint is required")
	}
	if record.RecipientEmail == "" {
		return storage.DeliveryRecord{}, fmt.Errorf("recipient email is required")
	}
	if record.PasscodeHash == "" {
		return storage.DeliveryRecord{}, fmt.Errorf("passcode hash is required")
	}
	if record.Status == "" {
		record.Status = storage.StatusPending
	}
	if record.Attempts < 0 {
		return storage.DeliveryRecord{}, fmt.Errorf("attempts must be non-negative")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func scanDelivery(scan scanner) (storage.DeliveryRecord, error) {
	var record storage.DeliveryRecord
	var createdAt int64
	var updatedAt int64
	if err := scan(
		&record.ID,
		&record.Identity,
		&record.ContentFingerprint,
		&record.RecipientEmail,
		&record.PasscodeHash,
		&record.Status,
		&record.Attempts,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.DeliveryRecord{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}
