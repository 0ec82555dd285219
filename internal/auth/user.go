package auth

import (
	"sync"
	"time"
)

// SessionToken is an opaque 16-byte value proving a prior successful
// password authentication.
type SessionToken [16]byte

// User holds one account's credential and session state. Grounded on
// original_source/src/auth/user.rs's split of password hash from
// session bookkeeping (that file itself was filtered out of the
// retrieval pack, but auth.rs's calls into it — new_session,
// check_session_validity, reset — describe its shape exactly).
type User struct {
	username string

	mu           sync.Mutex
	passwordHash string
	sessions     map[SessionToken]time.Time // token -> expiry
}

func newUser(username, passwordHash string) *User {
	return &User{
		username:     username,
		passwordHash: passwordHash,
		sessions:     make(map[SessionToken]time.Time),
	}
}

// PasswordHash returns the user's stored PHC hash string.
func (u *User) PasswordHash() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.passwordHash
}

// newSession records token as one of this user's sessions, expiring
// at now+ttl.
func (u *User) newSession(token SessionToken, ttl time.Duration, now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sessions[token] = now.Add(ttl)
}

// checkSessionValidity reports whether token is present and not yet
// expired.
func (u *User) checkSessionValidity(token SessionToken, now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	expiry, ok := u.sessions[token]
	if !ok {
		return false
	}
	return now.Before(expiry)
}

// reset clears all of this user's sessions.
func (u *User) reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sessions = make(map[SessionToken]time.Time)
}

// evictExpired removes any session tokens that have expired as of
// now, returning how many were evicted.
func (u *User) evictExpired(now time.Time) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	evicted := 0
	for token, expiry := range u.sessions {
		if !now.Before(expiry) {
			delete(u.sessions, token)
			evicted++
		}
	}
	return evicted
}
