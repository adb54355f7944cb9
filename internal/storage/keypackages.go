package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/meshline/ds-gateway/internal/domain/model"
)

var (
	// ErrPoolFull reports that publishing would exceed the per-device cap.
	ErrPoolFull = errors.New("storage: keypackage pool full")
	// ErrDuplicateBlob reports a re-publish of identical material.
	ErrDuplicateBlob = errors.New("storage: duplicate keypackage blob")
)

// HashBlob is the content hash used for deduplication.
func HashBlob(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// PublishKeyPackages stores the blobs for one device, enforcing the pool
// cap across unserved unrevoked entries and rejecting duplicate content.
// All-or-nothing: one bad blob fails the whole publish.
func (s *Store) PublishKeyPackages(ctx context.Context, device model.DeviceID, user model.UserID, blobs [][]byte, poolCap int) error {
	now := nowMs()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var pooled int
		if err := tx.GetContext(ctx, &pooled,
			`SELECT COUNT(*) FROM keypackages
			 WHERE device_id = ? AND served = 0 AND revoked = 0`, device); err != nil {
			return fmt.Errorf("pool count: %w", err)
		}
		if pooled+len(blobs) > poolCap {
			return ErrPoolFull
		}
		for _, blob := range blobs {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO keypackages (device_id, user_id, blob, content_hash, served, revoked, created_at_ms)
				 VALUES (?, ?, ?, ?, 0, 0, ?)
				 ON CONFLICT (device_id, content_hash) DO NOTHING`,
				device, user, blob, HashBlob(blob), now)
			if err != nil {
				return fmt.Errorf("insert keypackage: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrDuplicateBlob
			}
		}
		return nil
	})
}

// ConsumeKeyPackages hands out up to count unserved packages of the user,
// oldest first, marking each served inside the same transaction. A blob is
// never returned twice.
func (s *Store) ConsumeKeyPackages(ctx context.Context, user model.UserID, count int) ([]model.KeyPackage, error) {
	var out []model.KeyPackage
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		out = out[:0]
		if err := tx.SelectContext(ctx, &out,
			`SELECT id, device_id, user_id, blob, content_hash, served, revoked, created_at_ms
			 FROM keypackages
			 WHERE user_id = ? AND served = 0 AND revoked = 0
			 ORDER BY id ASC
			 LIMIT ?`, user, count); err != nil {
			return fmt.Errorf("select pool: %w", err)
		}
		for i := range out {
			res, err := tx.ExecContext(ctx,
				`UPDATE keypackages SET served = 1 WHERE id = ? AND served = 0`, out[i].ID)
			if err != nil {
				return fmt.Errorf("mark served: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("mark served: row %d changed underfoot", out[i].ID)
			}
			out[i].Served = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RotateKeyPackages revokes the device's current unserved pool and stores
// the replacements under the same cap. Already-served material is beyond
// recall; revocation of it is best-effort by design of the protocol.
func (s *Store) RotateKeyPackages(ctx context.Context, device model.DeviceID, user model.UserID, revoke bool, replacements [][]byte, poolCap int) (revoked int64, err error) {
	now := nowMs()
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if revoke {
			res, err := tx.ExecContext(ctx,
				`UPDATE keypackages SET revoked = 1
				 WHERE device_id = ? AND served = 0 AND revoked = 0`, device)
			if err != nil {
				return fmt.Errorf("revoke pool: %w", err)
			}
			revoked, _ = res.RowsAffected()
		}
		var pooled int
		if err := tx.GetContext(ctx, &pooled,
			`SELECT COUNT(*) FROM keypackages
			 WHERE device_id = ? AND served = 0 AND revoked = 0`, device); err != nil {
			return fmt.Errorf("pool count: %w", err)
		}
		if pooled+len(replacements) > poolCap {
			return ErrPoolFull
		}
		for _, blob := range replacements {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO keypackages (device_id, user_id, blob, content_hash, served, revoked, created_at_ms)
				 VALUES (?, ?, ?, ?, 0, 0, ?)
				 ON CONFLICT (device_id, content_hash) DO NOTHING`,
				device, user, blob, HashBlob(blob), now)
			if err != nil {
				return fmt.Errorf("insert replacement: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrDuplicateBlob
			}
		}
		return nil
	})
	return revoked, err
}

// KeyPackagePoolSize reports unserved unrevoked entries for one device.
func (s *Store) KeyPackagePoolSize(ctx context.Context, device model.DeviceID) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM keypackages WHERE device_id = ? AND served = 0 AND revoked = 0`, device)
	if err != nil {
		return 0, fmt.Errorf("pool size: %w", err)
	}
	return n, nil
}

// PurgeSpentKeyPackages drops served or revoked rows older than the grace
// window.
func (s *Store) PurgeSpentKeyPackages(ctx context.Context, beforeMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM keypackages
		 WHERE (served = 1 OR revoked = 1) AND created_at_ms < ?`, beforeMs)
	if err != nil {
		return 0, fmt.Errorf("purge keypackages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
