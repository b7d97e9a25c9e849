package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/epicdev/launchpad/internal/store/core"
)

const userCols = `id, email, name, role, status, tier, trust_epoch, password_hash, created_at`

func scanUser(row pgx.Row) (*core.User, error) {
	var u core.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.Status, &u.Tier, &u.TrustEpoch, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) CreateUser(ctx context.Context, u *core.User) error {
	const q = `
INSERT INTO users (id, email, name, role, status, tier, trust_epoch, password_hash)
VALUES (gen_random_uuid(), lower($1), $2, $3, $4, $5, 0, $6)
RETURNING id, trust_epoch, created_at`
	err := s.q.QueryRow(ctx, q, u.Email, u.Name, u.Role, u.Status, u.Tier, u.PasswordHash).
		Scan(&u.ID, &u.TrustEpoch, &u.CreatedAt)
	if isUniqueViolation(err) {
		return core.ErrConflict
	}
	return err
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*core.User, error) {
	return scanUser(s.q.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	return scanUser(s.q.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE email=lower($1)`, email))
}

func (s *Store) SetUserRole(ctx context.Context, id string, role core.Role) (*core.User, error) {
	const q = `UPDATE users SET role=$2 WHERE id=$1 RETURNING ` + userCols
	return scanUser(s.q.QueryRow(ctx, q, id, role))
}

func (s *Store) SetUserStatus(ctx context.Context, id string, status core.Status) (*core.User, error) {
	const q = `UPDATE users SET status=$2 WHERE id=$1 RETURNING ` + userCols
	return scanUser(s.q.QueryRow(ctx, q, id, status))
}

func (s *Store) BumpTrustEpoch(ctx context.Context, id string) (int64, error) {
	const q = `UPDATE users SET trust_epoch = trust_epoch + 1 WHERE id=$1 RETURNING trust_epoch`
	var epoch int64
	err := s.q.QueryRow(ctx, q, id).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, core.ErrNotFound
	}
	return epoch, err
}
