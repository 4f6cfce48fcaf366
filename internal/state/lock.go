package state

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/pkg/errors"
)

// AcquireLock takes the lease on a table for owner. It fails with a locked
// error while another owner holds an unexpired lease; an expired lease is
// taken over. Acquiring a lease already held by owner extends it.
func (s *Store) AcquireLock(ctx context.Context, tableID, owner string, ttl time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO table_lock (table_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (table_id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE table_lock.expires_at <= ? OR table_lock.owner = excluded.owner`,
		tableID, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateCorruption, "acquire table lease")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateCorruption, "acquire table lease")
	}
	if n == 0 {
		var holder string
		var expires int64
		_ = s.db.QueryRowContext(ctx,
			`SELECT owner, expires_at FROM table_lock WHERE table_id = ?`, tableID).Scan(&holder, &expires)
		return errors.Newf(errors.ErrorTypeLocked, "table %s is locked by %s until %s",
			tableID, holder, time.Unix(0, expires).UTC().Format(time.RFC3339)).
			WithDetail("owner", holder)
	}

	s.logger.Debug("lease acquired", zap.String("table_id", tableID), zap.String("owner", owner))
	return nil
}

// ReleaseLock drops owner's lease on a table. Releasing a lease held by
// someone else is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, tableID, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM table_lock WHERE table_id = ? AND owner = ?`, tableID, owner)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateCorruption, "release table lease")
	}
	s.logger.Debug("lease released", zap.String("table_id", tableID), zap.String("owner", owner))
	return nil
}
