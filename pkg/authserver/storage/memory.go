package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/xatu-mcp/pkg/logger"
)

// InMemoryStore implements Store with in-memory maps. It is thread-safe and
// suitable for single-instance deployments; sessions do not survive restarts.
//
// Reverse indices (GitHub id, access jti, refresh jti) give O(1) lookup on
// the hot paths: the bearer middleware resolves sessions by access jti on
// every request.
type InMemoryStore struct {
	mu sync.RWMutex

	// users maps internal user id -> User.
	users map[string]*User

	// usersByGitHubID maps GitHub numeric id -> internal user id.
	usersByGitHubID map[int64]string

	// codes maps authorization code value -> AuthorizationCode.
	codes map[string]*AuthorizationCode

	// sessions maps session id -> Session.
	sessions map[string]*Session

	// sessionsByAccessJTI and sessionsByRefreshJTI map a live jti -> session
	// id. Rotation removes the old entries before inserting the new ones
	// under the same write lock.
	sessionsByAccessJTI  map[string]string
	sessionsByRefreshJTI map[string]string

	// pending maps internal IdP state -> PendingAuthorization.
	pending map[string]*PendingAuthorization
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:                make(map[string]*User),
		usersByGitHubID:      make(map[int64]string),
		codes:                make(map[string]*AuthorizationCode),
		sessions:             make(map[string]*Session),
		sessionsByAccessJTI:  make(map[string]string),
		sessionsByRefreshJTI: make(map[string]string),
		pending:              make(map[string]*PendingAuthorization),
	}
}

// UpsertUser creates or updates the user identified by GitHubID.
func (s *InMemoryStore) UpsertUser(_ context.Context, user *User) (*User, error) {
	if user == nil {
		return nil, fmt.Errorf("user cannot be nil")
	}
	if user.GitHubID == 0 {
		return nil, fmt.Errorf("user GitHub id cannot be zero")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	if id, ok := s.usersByGitHubID[user.GitHubID]; ok {
		existing := s.users[id]
		existing.Login = user.Login
		existing.Name = user.Name
		existing.Email = user.Email
		existing.AvatarURL = user.AvatarURL
		existing.Organizations = append([]string(nil), user.Organizations...)
		existing.UpdatedAt = now
		return existing.Clone(), nil
	}

	if user.ID == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}

	stored := user.Clone()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.users[stored.ID] = stored
	s.usersByGitHubID[stored.GitHubID] = stored.ID

	logger.Debugw("created user", "user_id", stored.ID, "login", stored.Login)

	return stored.Clone(), nil
}

// GetUser retrieves a user by internal id.
func (s *InMemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return user.Clone(), nil
}

// GetUserByGitHubID retrieves a user by GitHub account id.
func (s *InMemoryStore) GetUserByGitHubID(_ context.Context, githubID int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByGitHubID[githubID]
	if !ok {
		return nil, fmt.Errorf("%w: github id %d", ErrNotFound, githubID)
	}
	return s.users[id].Clone(), nil
}

// SaveAuthorizationCode stores a freshly minted code.
func (s *InMemoryStore) SaveAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes[code.Code] = code.Clone()
	return nil
}

// ConsumeAuthorizationCode atomically looks up a code and marks it used.
// The lookup, expiry check, reuse check and marking all happen under one
// write lock so two concurrent exchanges cannot both succeed.
func (s *InMemoryStore) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}

	if time.Now().After(entry.ExpiresAt) {
		delete(s.codes, code)
		return nil, fmt.Errorf("%w: authorization code", ErrExpired)
	}

	if entry.Used {
		logger.Warnw("authorization code reuse detected", "client_id", entry.ClientID)
		return nil, ErrCodeAlreadyUsed
	}

	entry.Used = true
	return entry.Clone(), nil
}

// CreateSession stores a new session and indexes its jtis.
func (s *InMemoryStore) CreateSession(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if session.AccessJTI == "" || session.RefreshJTI == "" {
		return fmt.Errorf("session token jtis cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = session.Clone()
	s.sessionsByAccessJTI[session.AccessJTI] = session.ID
	s.sessionsByRefreshJTI[session.RefreshJTI] = session.ID

	logger.Debugw("created session",
		"session_id", session.ID,
		"user_id", session.UserID,
		"client_id", session.ClientID,
	)

	return nil
}

// GetSession retrieves a session by id.
func (s *InMemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return session.Clone(), nil
}

// GetSessionByAccessJTI retrieves the session currently referencing the jti.
func (s *InMemoryStore) GetSessionByAccessJTI(_ context.Context, jti string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.sessionsByAccessJTI[jti]
	if !ok {
		return nil, fmt.Errorf("%w: no session for access token", ErrNotFound)
	}
	return s.sessions[id].Clone(), nil
}

// GetSessionByRefreshJTI retrieves the session currently referencing the jti.
func (s *InMemoryStore) GetSessionByRefreshJTI(_ context.Context, jti string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.sessionsByRefreshJTI[jti]
	if !ok {
		return nil, fmt.Errorf("%w: no session for refresh token", ErrNotFound)
	}
	return s.sessions[id].Clone(), nil
}

// RotateSessionTokens atomically replaces the session's token pair. Old jti
// index entries are removed and new ones inserted under the same write lock,
// so no reader ever resolves a session through a retired jti.
func (s *InMemoryStore) RotateSessionTokens(
	_ context.Context, sessionID, accessJTI, refreshJTI string, expiresAt time.Time,
) error {
	if accessJTI == "" || refreshJTI == "" {
		return fmt.Errorf("session token jtis cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}

	delete(s.sessionsByAccessJTI, session.AccessJTI)
	delete(s.sessionsByRefreshJTI, session.RefreshJTI)

	session.AccessJTI = accessJTI
	session.RefreshJTI = refreshJTI
	session.RefreshedAt = time.Now()
	session.ExpiresAt = expiresAt

	s.sessionsByAccessJTI[accessJTI] = sessionID
	s.sessionsByRefreshJTI[refreshJTI] = sessionID

	logger.Debugw("rotated session tokens", "session_id", sessionID)

	return nil
}

// DeleteSession revokes a session and drops its jti indices. With no revoked
// flag on the record, deletion is the revocation: subsequent jti lookups fail
// the same way they do for a swept, expired session.
func (s *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}

	delete(s.sessionsByAccessJTI, session.AccessJTI)
	delete(s.sessionsByRefreshJTI, session.RefreshJTI)
	delete(s.sessions, id)

	logger.Debugw("deleted session", "session_id", id, "user_id", session.UserID)

	return nil
}

// StorePendingAuthorization stores a pending authorization keyed by internal
// IdP state.
func (s *InMemoryStore) StorePendingAuthorization(_ context.Context, state string, pending *PendingAuthorization) error {
	if state == "" {
		return fmt.Errorf("state cannot be empty")
	}
	if pending == nil {
		return fmt.Errorf("pending authorization cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[state] = pending.Clone()
	return nil
}

// ConsumePendingAuthorization retrieves and removes a pending authorization.
func (s *InMemoryStore) ConsumePendingAuthorization(_ context.Context, state string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.pending[state]
	if !ok {
		return nil, fmt.Errorf("%w: pending authorization", ErrNotFound)
	}

	delete(s.pending, state)

	if time.Since(pending.CreatedAt) > DefaultPendingAuthorizationTTL {
		return nil, fmt.Errorf("%w: pending authorization", ErrExpired)
	}

	return pending, nil
}

// ActiveSessionCount returns the number of live sessions.
func (s *InMemoryStore) ActiveSessionCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}

// Sweep removes expired codes, sessions and pending authorizations.
// Expired keys are collected under a read lock and deleted under a write
// lock to keep write lock hold time short.
func (s *InMemoryStore) Sweep(_ context.Context) error {
	now := time.Now()

	s.mu.RLock()

	var expiredCodes []string
	for k, v := range s.codes {
		if now.After(v.ExpiresAt) {
			expiredCodes = append(expiredCodes, k)
		}
	}

	var expiredSessions []string
	for k, v := range s.sessions {
		if !v.ExpiresAt.IsZero() && now.After(v.ExpiresAt) {
			expiredSessions = append(expiredSessions, k)
		}
	}

	var expiredPending []string
	for k, v := range s.pending {
		if now.Sub(v.CreatedAt) > DefaultPendingAuthorizationTTL {
			expiredPending = append(expiredPending, k)
		}
	}

	s.mu.RUnlock()

	if len(expiredCodes) == 0 && len(expiredSessions) == 0 && len(expiredPending) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range expiredCodes {
		delete(s.codes, k)
	}

	for _, k := range expiredSessions {
		if session, ok := s.sessions[k]; ok {
			delete(s.sessionsByAccessJTI, session.AccessJTI)
			delete(s.sessionsByRefreshJTI, session.RefreshJTI)
			delete(s.sessions, k)
		}
	}

	for _, k := range expiredPending {
		delete(s.pending, k)
	}

	logger.Debugw("swept expired entries",
		"codes", len(expiredCodes),
		"sessions", len(expiredSessions),
		"pending", len(expiredPending),
	)

	return nil
}

// Close is a no-op for the in-memory store.
func (*InMemoryStore) Close() error {
	return nil
}

// Stats contains entry counts for testing and monitoring.
type Stats struct {
	Users    int
	Codes    int
	Sessions int
	Pending  int
}

// Stats returns current entry counts.
func (s *InMemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Users:    len(s.users),
		Codes:    len(s.codes),
		Sessions: len(s.sessions),
		Pending:  len(s.pending),
	}
}

var _ Store = (*InMemoryStore)(nil)
