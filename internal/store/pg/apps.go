package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/epicdev/launchpad/internal/store/core"
)

const appCols = `id, client_id, secret_hash, name, description, logo_url, redirect_uris, scopes, active, created_at, deleted_at`

func scanApp(row pgx.Row) (*core.Application, error) {
	var a core.Application
	err := row.Scan(&a.ID, &a.ClientID, &a.SecretHash, &a.Name, &a.Description, &a.LogoURL,
		&a.RedirectURIs, &a.Scopes, &a.Active, &a.CreatedAt, &a.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *Store) CreateApplication(ctx context.Context, a *core.Application) error {
	const q = `
INSERT INTO applications (id, client_id, secret_hash, name, description, logo_url, redirect_uris, scopes, active)
VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at`
	err := s.q.QueryRow(ctx, q, a.ClientID, a.SecretHash, a.Name, a.Description, a.LogoURL,
		a.RedirectURIs, a.Scopes, a.Active).Scan(&a.ID, &a.CreatedAt)
	if isUniqueViolation(err) {
		return core.ErrConflict
	}
	return err
}

func (s *Store) GetApplicationByClientID(ctx context.Context, clientID string) (*core.Application, error) {
	return scanApp(s.q.QueryRow(ctx, `SELECT `+appCols+` FROM applications WHERE client_id=$1`, clientID))
}

func (s *Store) GetApplicationByID(ctx context.Context, id string) (*core.Application, error) {
	return scanApp(s.q.QueryRow(ctx, `SELECT `+appCols+` FROM applications WHERE id=$1`, id))
}

func (s *Store) ListApplications(ctx context.Context, includeInactive bool) ([]*core.Application, error) {
	q := `SELECT ` + appCols + ` FROM applications WHERE deleted_at IS NULL`
	if !includeInactive {
		q += ` AND active`
	}
	q += ` ORDER BY name`

	rows, err := s.q.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Application
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateApplication updates mutable fields. client_id is immutable; the
// WHERE clause makes a mismatched update fail as not-found.
func (s *Store) UpdateApplication(ctx context.Context, a *core.Application) error {
	const q = `
UPDATE applications
SET secret_hash=$3, name=$4, description=$5, logo_url=$6, redirect_uris=$7, scopes=$8, active=$9
WHERE id=$1 AND client_id=$2 AND deleted_at IS NULL`
	ct, err := s.q.Exec(ctx, q, a.ID, a.ClientID, a.SecretHash, a.Name, a.Description,
		a.LogoURL, a.RedirectURIs, a.Scopes, a.Active)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) SetApplicationActive(ctx context.Context, id string, active bool) (*core.Application, error) {
	const q = `UPDATE applications SET active=$2 WHERE id=$1 AND deleted_at IS NULL RETURNING ` + appCols
	return scanApp(s.q.QueryRow(ctx, q, id, active))
}

// SoftDeleteApplication tombstones the app and drops its access rule.
func (s *Store) SoftDeleteApplication(ctx context.Context, id string) (*core.Application, error) {
	const q = `
UPDATE applications SET deleted_at=now(), active=false
WHERE id=$1 AND deleted_at IS NULL
RETURNING ` + appCols
	a, err := scanApp(s.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, err
	}
	if _, err := s.q.Exec(ctx, `DELETE FROM access_rules WHERE app_id=$1`, id); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) GetAccessRule(ctx context.Context, appID string) (*core.AccessRule, error) {
	const q = `SELECT app_id, mode, user_ids, tiers, updated_by, updated_at FROM access_rules WHERE app_id=$1`
	var r core.AccessRule
	err := s.q.QueryRow(ctx, q, appID).Scan(&r.AppID, &r.Mode, &r.UserIDs, &r.Tiers, &r.UpdatedBy, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpsertAccessRule(ctx context.Context, r *core.AccessRule) (*core.AccessRule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	const q = `
INSERT INTO access_rules (app_id, mode, user_ids, tiers, updated_by, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (app_id) DO UPDATE
SET mode=EXCLUDED.mode, user_ids=EXCLUDED.user_ids, tiers=EXCLUDED.tiers,
    updated_by=EXCLUDED.updated_by, updated_at=now()
RETURNING app_id, mode, user_ids, tiers, updated_by, updated_at`
	var out core.AccessRule
	err := s.q.QueryRow(ctx, q, r.AppID, r.Mode, r.UserIDs, r.Tiers, r.UpdatedBy).
		Scan(&out.AppID, &out.Mode, &out.UserIDs, &out.Tiers, &out.UpdatedBy, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteAccessRule is idempotent; deleting an absent rule is fine, the
// resulting state (default allow) is the same.
func (s *Store) DeleteAccessRule(ctx context.Context, appID string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM access_rules WHERE app_id=$1`, appID)
	return err
}
