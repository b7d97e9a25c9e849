package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/epicdev/launchpad/internal/store/core"
)

func (s *Store) CreateSession(ctx context.Context, sess *core.Session) error {
	const q = `
INSERT INTO sessions (id, user_id, app_id, scope, role, status, epoch)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING created_at`
	return s.q.QueryRow(ctx, q, sess.ID, sess.UserID, sess.AppID, sess.Scope, sess.Role, sess.Status, sess.Epoch).
		Scan(&sess.CreatedAt)
}

func (s *Store) GetSession(ctx context.Context, id string) (*core.Session, error) {
	const q = `SELECT id, user_id, app_id, scope, role, status, epoch, created_at, revoked_at FROM sessions WHERE id=$1`
	var sess core.Session
	err := s.q.QueryRow(ctx, q, id).Scan(&sess.ID, &sess.UserID, &sess.AppID, &sess.Scope,
		&sess.Role, &sess.Status, &sess.Epoch, &sess.CreatedAt, &sess.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Store) RevokeSession(ctx context.Context, id string) error {
	ct, err := s.q.Exec(ctx, `UPDATE sessions SET revoked_at=now() WHERE id=$1 AND revoked_at IS NULL`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeUserSessions(ctx context.Context, userID string) (int, error) {
	ct, err := s.q.Exec(ctx, `UPDATE sessions SET revoked_at=now() WHERE user_id=$1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

const tokenCols = `id, user_id, app_id, session_id, family_id, token_hash, issued_at, expires_at, consumed_at, revoked_at, rotated_from`

func scanToken(row pgx.Row) (*core.RefreshToken, error) {
	var t core.RefreshToken
	err := row.Scan(&t.ID, &t.UserID, &t.AppID, &t.SessionID, &t.FamilyID, &t.TokenHash,
		&t.IssuedAt, &t.ExpiresAt, &t.ConsumedAt, &t.RevokedAt, &t.RotatedFrom)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateRefreshToken(ctx context.Context, t *core.RefreshToken) error {
	const q = `
INSERT INTO refresh_tokens (id, user_id, app_id, session_id, family_id, token_hash, issued_at, expires_at, rotated_from)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.q.Exec(ctx, q, t.ID, t.UserID, t.AppID, t.SessionID, t.FamilyID,
		t.TokenHash, t.IssuedAt, t.ExpiresAt, t.RotatedFrom)
	if isUniqueViolation(err) {
		return core.ErrConflict
	}
	return err
}

func (s *Store) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*core.RefreshToken, error) {
	return scanToken(s.q.QueryRow(ctx, `SELECT `+tokenCols+` FROM refresh_tokens WHERE token_hash=$1`, tokenHash))
}

// ConsumeRefreshToken is the single-use gate for rotation. The conditional
// UPDATE is the atomicity point: under concurrent refresh exactly one
// caller gets the row back, every other caller falls through to the
// classifying SELECT.
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenHash string) (*core.RefreshToken, error) {
	const q = `
UPDATE refresh_tokens
SET consumed_at = now()
WHERE token_hash = $1
  AND consumed_at IS NULL
  AND revoked_at IS NULL
  AND expires_at > now()
RETURNING ` + tokenCols

	t, err := scanToken(s.q.QueryRow(ctx, q, tokenHash))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	prev, err := s.GetRefreshTokenByHash(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	switch {
	case prev.RevokedAt != nil:
		return nil, core.ErrRevoked
	case prev.ConsumedAt != nil:
		return nil, core.ErrConsumed
	case time.Now().After(prev.ExpiresAt):
		return nil, core.ErrExpired
	default:
		return nil, core.ErrNotFound
	}
}

func (s *Store) RevokeRefreshToken(ctx context.Context, id string) error {
	ct, err := s.q.Exec(ctx, `UPDATE refresh_tokens SET revoked_at=now() WHERE id=$1 AND revoked_at IS NULL`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	ct, err := s.q.Exec(ctx, `UPDATE refresh_tokens SET revoked_at=now() WHERE family_id=$1 AND revoked_at IS NULL`, familyID)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) RevokeSessionTokens(ctx context.Context, sessionID string) (int, error) {
	ct, err := s.q.Exec(ctx, `UPDATE refresh_tokens SET revoked_at=now() WHERE session_id=$1 AND revoked_at IS NULL`, sessionID)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) RevokeUserTokens(ctx context.Context, userID string) (int, error) {
	ct, err := s.q.Exec(ctx, `UPDATE refresh_tokens SET revoked_at=now() WHERE user_id=$1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// SweepExpired trims refresh tokens and sessions long past expiry. Run by
// the cron sweep; revocation semantics never depend on it.
func (s *Store) SweepExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	ct, err := s.q.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n := ct.RowsAffected()
	ct, err = s.q.Exec(ctx, `
DELETE FROM sessions s
WHERE s.revoked_at < $1
  AND NOT EXISTS (SELECT 1 FROM refresh_tokens t WHERE t.session_id = s.id)`, cutoff)
	if err != nil {
		return n, err
	}
	return n + ct.RowsAffected(), nil
}

func (s *Store) EnqueueOutbox(ctx context.Context, kind string, payload []byte) error {
	const q = `INSERT INTO outbox (kind, payload, attempts, next_attempt_at) VALUES ($1, $2, 0, now())`
	_, err := s.q.Exec(ctx, q, kind, payload)
	return err
}

// DueOutbox claims due tasks with SKIP LOCKED so concurrent drainers never
// double-deliver a batch.
func (s *Store) DueOutbox(ctx context.Context, now time.Time, limit int) ([]*core.OutboxEntry, error) {
	const q = `
SELECT id, kind, payload, attempts, next_attempt_at, created_at
FROM outbox
WHERE done_at IS NULL AND next_attempt_at <= $1
ORDER BY id
LIMIT $2
FOR UPDATE SKIP LOCKED`
	rows, err := s.q.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.OutboxEntry
	for rows.Next() {
		var e core.OutboxEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.Payload, &e.Attempts, &e.NextAttemptAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) MarkOutboxDone(ctx context.Context, id int64) error {
	_, err := s.q.Exec(ctx, `UPDATE outbox SET done_at=now() WHERE id=$1`, id)
	return err
}

func (s *Store) RescheduleOutbox(ctx context.Context, id int64, attempts int, next time.Time) error {
	_, err := s.q.Exec(ctx, `UPDATE outbox SET attempts=$2, next_attempt_at=$3 WHERE id=$1`, id, attempts, next)
	return err
}
