package postgres

import (
	"context"
	"fmt"
	"time"

	"markhub/internal/core/dedup"
)

const (
	dedupPhasePending = "pending"
	dedupPhaseDone    = "done"
)

var _ dedup.Store = (*Deduplicator)(nil)

// Deduplicator stores dedup keys in sys_dedup. Claims are a single
// INSERT ... ON CONFLICT, so two workers can never both acquire a key.
type Deduplicator struct {
	txManager *TxManager
	now       func() time.Time
}

// NewDeduplicator creates a Postgres dedup store.
func NewDeduplicator(txManager *TxManager) *Deduplicator {
	return &Deduplicator{txManager: txManager, now: time.Now}
}

// Claim implements dedup.Store. An expired record of either phase is taken over.
func (d *Deduplicator) Claim(ctx context.Context, key dedup.Key, lease time.Duration) (dedup.Outcome, error) {
	if err := dedup.ValidTTL(lease); err != nil {
		return dedup.Busy, err
	}
	now := d.now().UTC()
	q := d.txManager.GetQuerier(ctx)

	var phase string
	err := q.QueryRow(ctx, `
		INSERT INTO sys_dedup (dedup_key, phase, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (dedup_key) DO UPDATE SET
			phase = EXCLUDED.phase,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		WHERE sys_dedup.expires_at <= $4
		RETURNING phase
	`, key.String(), dedupPhasePending, now.Add(lease), now).Scan(&phase)
	if err == nil {
		return dedup.Acquired, nil
	}
	if !IsNoRows(err) {
		return dedup.Busy, fmt.Errorf("claim dedup key: %w", err)
	}

	// conflict with a live record: report its phase
	err = q.QueryRow(ctx, `SELECT phase FROM sys_dedup WHERE dedup_key = $1`, key.String()).Scan(&phase)
	if err != nil {
		if IsNoRows(err) {
			// released between the two statements; the caller retries on redelivery
			return dedup.Busy, nil
		}
		return dedup.Busy, fmt.Errorf("read dedup key: %w", err)
	}
	if phase == dedupPhaseDone {
		return dedup.Done, nil
	}
	return dedup.Busy, nil
}

// Complete implements dedup.Store.
func (d *Deduplicator) Complete(ctx context.Context, key dedup.Key, ttl time.Duration) error {
	if err := dedup.ValidTTL(ttl); err != nil {
		return err
	}
	now := d.now().UTC()
	_, err := d.txManager.GetQuerier(ctx).Exec(ctx, `
		INSERT INTO sys_dedup (dedup_key, phase, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (dedup_key) DO UPDATE SET
			phase = EXCLUDED.phase,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`, key.String(), dedupPhaseDone, now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("complete dedup key: %w", err)
	}
	return nil
}

// Check implements dedup.Store.
func (d *Deduplicator) Check(ctx context.Context, key dedup.Key) (bool, error) {
	var done bool
	err := d.txManager.GetQuerier(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sys_dedup
			WHERE dedup_key = $1 AND phase = $2 AND expires_at > $3
		)
	`, key.String(), dedupPhaseDone, d.now().UTC()).Scan(&done)
	if err != nil {
		return false, fmt.Errorf("check dedup key: %w", err)
	}
	return done, nil
}

// Release implements dedup.Store.
func (d *Deduplicator) Release(ctx context.Context, key dedup.Key) error {
	_, err := d.txManager.GetQuerier(ctx).Exec(ctx, `DELETE FROM sys_dedup WHERE dedup_key = $1`, key.String())
	if err != nil {
		return fmt.Errorf("release dedup key: %w", err)
	}
	return nil
}

// Expire implements dedup.Store.
func (d *Deduplicator) Expire(ctx context.Context, now time.Time) (int64, error) {
	result, err := d.txManager.GetQuerier(ctx).Exec(ctx, `DELETE FROM sys_dedup WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire dedup keys: %w", err)
	}
	return result.RowsAffected(), nil
}
