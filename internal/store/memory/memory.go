// Package memory implements core.Repository in process memory. It backs
// unit tests and the dev profile; semantics (single-use consumption,
// revocation fan-out) match the pg implementation.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epicdev/launchpad/internal/store/core"
)

type Store struct {
	mu sync.Mutex

	users    map[string]*core.User
	apps     map[string]*core.Application // by internal id
	rules    map[string]*core.AccessRule  // by app id
	sessions map[string]*core.Session
	tokens   map[string]*core.RefreshToken // by token hash

	outbox   []*core.OutboxEntry
	outboxID int64
}

func New() *Store {
	return &Store{
		users:    map[string]*core.User{},
		apps:     map[string]*core.Application{},
		rules:    map[string]*core.AccessRule{},
		sessions: map[string]*core.Session{},
		tokens:   map[string]*core.RefreshToken{},
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

// WithTx runs fn against the same store. Individual operations are already
// atomic under the store mutex; the memory backend does not provide
// cross-operation rollback.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, r core.Repository) error) error {
	return fn(ctx, s)
}

// ---------- users ----------

func (s *Store) CreateUser(ctx context.Context, u *core.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	for _, other := range s.users {
		if strings.EqualFold(other.Email, u.Email) {
			return core.ErrConflict
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *Store) SetUserRole(ctx context.Context, id string, role core.Role) (*core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	u.Role = role
	cp := *u
	return &cp, nil
}

func (s *Store) SetUserStatus(ctx context.Context, id string, status core.Status) (*core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	u.Status = status
	cp := *u
	return &cp, nil
}

func (s *Store) BumpTrustEpoch(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, core.ErrNotFound
	}
	u.TrustEpoch++
	return u.TrustEpoch, nil
}

// ---------- applications ----------

func (s *Store) CreateApplication(ctx context.Context, a *core.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	for _, other := range s.apps {
		if other.ClientID == a.ClientID {
			return core.ErrConflict
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cp := cloneApp(a)
	s.apps[a.ID] = cp
	return nil
}

func (s *Store) GetApplicationByClientID(ctx context.Context, clientID string) (*core.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.apps {
		if a.ClientID == clientID {
			return cloneApp(a), nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *Store) GetApplicationByID(ctx context.Context, id string) (*core.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return cloneApp(a), nil
}

func (s *Store) ListApplications(ctx context.Context, includeInactive bool) ([]*core.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Application
	for _, a := range s.apps {
		if a.DeletedAt != nil {
			continue
		}
		if !includeInactive && !a.Active {
			continue
		}
		out = append(out, cloneApp(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateApplication(ctx context.Context, a *core.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.apps[a.ID]
	if !ok {
		return core.ErrNotFound
	}
	// client_id is immutable after creation
	if a.ClientID != "" && a.ClientID != cur.ClientID {
		return core.ErrInvalid
	}
	cur.Name = a.Name
	cur.Description = a.Description
	cur.LogoURL = a.LogoURL
	if len(a.RedirectURIs) > 0 {
		cur.RedirectURIs = append([]string(nil), a.RedirectURIs...)
	}
	if len(a.Scopes) > 0 {
		cur.Scopes = append([]string(nil), a.Scopes...)
	}
	if a.SecretHash != "" {
		cur.SecretHash = a.SecretHash
	}
	return nil
}

func (s *Store) SetApplicationActive(ctx context.Context, id string, active bool) (*core.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	a.Active = active
	return cloneApp(a), nil
}

func (s *Store) SoftDeleteApplication(ctx context.Context, id string) (*core.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	now := time.Now().UTC()
	a.Active = false
	a.DeletedAt = &now
	delete(s.rules, id)
	return cloneApp(a), nil
}

// ---------- access rules ----------

func (s *Store) GetAccessRule(ctx context.Context, appID string) (*core.AccessRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[appID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := cloneRule(r)
	return cp, nil
}

func (s *Store) UpsertAccessRule(ctx context.Context, r *core.AccessRule) (*core.AccessRule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[r.AppID]; !ok {
		return nil, core.ErrNotFound
	}
	cp := cloneRule(r)
	cp.UpdatedAt = time.Now().UTC()
	s.rules[r.AppID] = cp
	return cloneRule(cp), nil
}

func (s *Store) DeleteAccessRule(ctx context.Context, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, appID)
	return nil
}

// ---------- sessions ----------

func (s *Store) CreateSession(ctx context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) RevokeSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return core.ErrNotFound
	}
	if sess.RevokedAt == nil {
		now := time.Now().UTC()
		sess.RevokedAt = &now
	}
	return nil
}

func (s *Store) RevokeUserSessions(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.RevokedAt == nil {
			sess.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

// ---------- refresh tokens ----------

func (s *Store) CreateRefreshToken(ctx context.Context, t *core.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.IssuedAt.IsZero() {
		t.IssuedAt = time.Now().UTC()
	}
	if _, ok := s.tokens[t.TokenHash]; ok {
		return core.ErrConflict
	}
	cp := *t
	s.tokens[t.TokenHash] = &cp
	return nil
}

func (s *Store) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*core.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenHash]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenHash string) (*core.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenHash]
	if !ok {
		return nil, core.ErrNotFound
	}
	switch {
	case t.RevokedAt != nil:
		return nil, core.ErrRevoked
	case t.ConsumedAt != nil:
		return nil, core.ErrConsumed
	case time.Now().After(t.ExpiresAt):
		return nil, core.ErrExpired
	}
	now := time.Now().UTC()
	t.ConsumedAt = &now
	cp := *t
	return &cp, nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, t := range s.tokens {
		if t.ID == id {
			if t.RevokedAt == nil {
				t.RevokedAt = &now
			}
			return nil
		}
	}
	return core.ErrNotFound
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	return s.revokeWhere(func(t *core.RefreshToken) bool { return t.FamilyID == familyID })
}

func (s *Store) RevokeSessionTokens(ctx context.Context, sessionID string) (int, error) {
	return s.revokeWhere(func(t *core.RefreshToken) bool { return t.SessionID == sessionID })
}

func (s *Store) RevokeUserTokens(ctx context.Context, userID string) (int, error) {
	return s.revokeWhere(func(t *core.RefreshToken) bool { return t.UserID == userID })
}

func (s *Store) revokeWhere(match func(*core.RefreshToken) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, t := range s.tokens {
		if match(t) && t.RevokedAt == nil {
			t.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

// ---------- outbox ----------

func (s *Store) EnqueueOutbox(ctx context.Context, kind string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxID++
	now := time.Now().UTC()
	s.outbox = append(s.outbox, &core.OutboxEntry{
		ID:            s.outboxID,
		Kind:          kind,
		Payload:       append([]byte(nil), payload...),
		NextAttemptAt: now,
		CreatedAt:     now,
	})
	return nil
}

func (s *Store) DueOutbox(ctx context.Context, now time.Time, limit int) ([]*core.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.OutboxEntry
	for _, e := range s.outbox {
		if !e.NextAttemptAt.After(now) {
			cp := *e
			cp.Payload = append([]byte(nil), e.Payload...)
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) MarkOutboxDone(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.outbox {
		if e.ID == id {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return nil
		}
	}
	return core.ErrNotFound
}

func (s *Store) RescheduleOutbox(ctx context.Context, id int64, attempts int, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.outbox {
		if e.ID == id {
			e.Attempts = attempts
			e.NextAttemptAt = next
			return nil
		}
	}
	return core.ErrNotFound
}

// SweepExpired drops refresh tokens long past expiry and revoked sessions
// with no remaining tokens.
func (s *Store) SweepExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)

	var n int64
	live := map[string]bool{}
	for hash, t := range s.tokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(s.tokens, hash)
			n++
			continue
		}
		live[t.SessionID] = true
	}
	for id, sess := range s.sessions {
		if sess.RevokedAt != nil && sess.RevokedAt.Before(cutoff) && !live[id] {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func cloneApp(a *core.Application) *core.Application {
	cp := *a
	cp.RedirectURIs = append([]string(nil), a.RedirectURIs...)
	cp.Scopes = append([]string(nil), a.Scopes...)
	return &cp
}

func cloneRule(r *core.AccessRule) *core.AccessRule {
	cp := *r
	cp.UserIDs = append([]string(nil), r.UserIDs...)
	cp.Tiers = append([]core.Tier(nil), r.Tiers...)
	return &cp
}
