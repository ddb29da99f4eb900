// Package session implements the authentication state machine every
// transport connection's identity flows through: token lookup (hashed,
// constant-time), the Unauthorized -> Authorized -> Sudo chain, coalesced
// last-seen tracking, and expiry-on-lookup semantics.
package session

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/synccore/synccore/internal/apierr"
	"github.com/synccore/synccore/internal/clock"
	"github.com/synccore/synccore/internal/domain"
	"github.com/synccore/synccore/internal/ids"
	"github.com/synccore/synccore/internal/store"
)

// SudoWindow is how long an elevated session stays in Sudo before
// auto-demoting back to Authorized.
const SudoWindow = 15 * time.Minute

// LastSeenCoalesce bounds how often a session's last_seen_at is persisted;
// touches within this window are absorbed in memory instead of hitting the
// store every time.
const LastSeenCoalesce = time.Minute

// Store is the session authentication state machine. It wraps a
// store.DataStore for durable session rows and keeps a small in-memory
// coalescing layer on top of SessionSetLastSeen so a chatty connection
// doesn't write to storage every heartbeat.
type Store struct {
	data  store.DataStore
	clock clock.Clock

	mu            sync.Mutex
	lastSeenTouch map[ids.SessionID]time.Time
}

// New constructs a session Store.
func New(data store.DataStore, c clock.Clock) *Store {
	if c == nil {
		c = clock.Real{}
	}
	return &Store{data: data, clock: c, lastSeenTouch: map[ids.SessionID]time.Time{}}
}

// HashToken derives the stored, comparable form of a high-entropy opaque
// session token. Tokens are never persisted or compared in cleartext.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Lookup resolves a token to its session, treating expired sessions as not
// found and demoting a Sudo session whose window has passed back to
// Authorized before returning it. The hash comparison itself is constant-time; the
// map/index lookup underneath is not (that's the store's concern, tracked by
// the session's hashed key, not raw token content).
func (s *Store) Lookup(ctx context.Context, token string) (domain.Session, error) {
	hash := HashToken(token)
	sess, err := s.data.SessionGetByToken(ctx, hash)
	if err != nil {
		return domain.Session{}, err
	}
	if subtle.ConstantTimeCompare([]byte(sess.TokenHash), []byte(hash)) != 1 {
		return domain.Session{}, apierr.NotFound("session")
	}

	now := s.clock.Now()
	if sess.ExpiresAt != nil && !sess.ExpiresAt.After(now) {
		return domain.Session{}, apierr.NotFound("session")
	}
	if sess.Status == domain.SessionSudo && sess.SudoUntil != nil && !sess.SudoUntil.After(now) {
		sess.Status = domain.SessionAuthorized
		sess.SudoUntil = nil
		if err := s.data.SessionPut(ctx, sess); err != nil {
			return domain.Session{}, apierr.Internal(err)
		}
	}
	return sess, nil
}

// Create issues a fresh Unauthorized session.
func (s *Store) Create(ctx context.Context, tokenHash string, expiresAt *time.Time) (domain.Session, error) {
	sess := domain.Session{
		ID:         ids.NewSessionID(),
		TokenHash:  tokenHash,
		Principal:  domain.AnonymousPrincipal(),
		Status:     domain.SessionUnauthorized,
		ExpiresAt:  expiresAt,
		LastSeenAt: s.clock.Now(),
	}
	if err := s.data.SessionPut(ctx, sess); err != nil {
		return domain.Session{}, apierr.Internal(err)
	}
	return sess, nil
}

// Authorize transitions an Unauthorized session to Authorized for userID
// once login succeeds.
func (s *Store) Authorize(ctx context.Context, sess domain.Session, userID ids.UserID) (domain.Session, error) {
	sess.Principal = domain.UserPrincipal(userID)
	sess.Status = domain.SessionAuthorized
	if err := s.data.SessionPut(ctx, sess); err != nil {
		return domain.Session{}, apierr.Internal(err)
	}
	return sess, nil
}

// Elevate transitions an Authorized session to Sudo for SudoWindow, after
// the caller has independently verified a password/OTP challenge.
func (s *Store) Elevate(ctx context.Context, sess domain.Session) (domain.Session, error) {
	if sess.Status != domain.SessionAuthorized {
		return domain.Session{}, apierr.New(apierr.KindConflict, "session is not authorized")
	}
	until := s.clock.Now().Add(SudoWindow)
	sess.Status = domain.SessionSudo
	sess.SudoUntil = &until
	if err := s.data.SessionPut(ctx, sess); err != nil {
		return domain.Session{}, apierr.Internal(err)
	}
	return sess, nil
}

// Touch records session activity, coalescing persisted last_seen_at updates
// to at most once per LastSeenCoalesce window per session.
func (s *Store) Touch(ctx context.Context, sessionID ids.SessionID) {
	now := s.clock.Now()

	s.mu.Lock()
	last, seen := s.lastSeenTouch[sessionID]
	if seen && now.Sub(last) < LastSeenCoalesce {
		s.mu.Unlock()
		return
	}
	s.lastSeenTouch[sessionID] = now
	s.mu.Unlock()

	_ = s.data.SessionSetLastSeen(ctx, sessionID)
}
