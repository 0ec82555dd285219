// Package auth implements the credential store and session-token
// registry described in spec.md §4.1, grounded on original_source's
// src/auth.rs (the Auth type: load a username:hash file, authenticate
// against Argon2id, issue and verify opaque session tokens, reset all
// sessions).
package auth

import (
	"bufio"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
)

// DefaultSessionTTL is how long an issued session token remains valid
// after authentication. The original Rust source never expires
// tokens; spec.md's open questions call for TTL-based eviction, which
// this store implements via a periodic sweep (see Store.sweepLoop).
const DefaultSessionTTL = 24 * time.Hour

// sweepInterval controls how often expired session tokens are purged
// from every user's session map.
const sweepInterval = 5 * time.Minute

// ErrUnknownUser is returned by Authenticate when the username has no
// entry in the store.
var ErrUnknownUser = fmt.Errorf("auth: unknown user")

// ErrBadPassword is returned by Authenticate when the password does
// not match the stored hash.
var ErrBadPassword = fmt.Errorf("auth: invalid password")

// Store is a concurrency-safe credential and session-token registry
// for one tunnel. Each tunnel owns its own Store, matching
// original_source's per-tunnel Auth instance.
type Store struct {
	users *shardedUsers

	ttl      time.Duration
	stopOnce chan struct{}
}

// NewStore creates an empty store. Use Load to populate it from a
// credentials file.
func NewStore() *Store {
	return &Store{
		users:    newShardedUsers(),
		ttl:      DefaultSessionTTL,
		stopOnce: make(chan struct{}),
	}
}

// Load populates a Store from a credentials file of
// "username:phc_hash" lines, one per user. Blank lines and lines
// starting with "#" are skipped. A username that appears more than
// once silently overwrites the earlier entry (spec.md §9's resolution
// of that open question) — the file is expected to be
// operator-maintained, not hostile input.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("auth: opening credentials file: %w", err)
	}
	defer f.Close()

	s := NewStore()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		username, hash, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("auth: %s:%d: malformed line (expected username:hash)", path, lineNo)
		}
		if _, err := parsePHC(hash); err != nil {
			return nil, fmt.Errorf("auth: %s:%d: %w", path, lineNo, err)
		}

		s.users.put(username, newUser(username, hash))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("auth: reading credentials file: %w", err)
	}

	return s, nil
}

// Save writes the store's current users back out as a
// "username:phc_hash" file, replacing path atomically via a temp file
// plus rename.
func (s *Store) Save(path string) error {
	tmp, err := os.CreateTemp(dirOf(path), "credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("auth: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	var writeErr error
	s.users.forEach(func(username string, u *User) {
		if writeErr != nil {
			return
		}
		_, writeErr = fmt.Fprintf(w, "%s:%s\n", username, u.PasswordHash())
	})
	if writeErr == nil {
		writeErr = w.Flush()
	}
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("auth: writing temp file: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("auth: closing temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("auth: replacing credentials file: %w", err)
	}
	return nil
}

func dirOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "."
	}
	return path[:i]
}

// AddUser inserts or replaces a user's password hash, computed with
// DefaultArgon2Params.
func (s *Store) AddUser(username, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	s.users.put(username, newUser(username, hash))
	return nil
}

// HashPassword derives an Argon2id PHC hash string for password using
// DefaultArgon2Params and a freshly generated 16-byte salt.
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating salt: %w", err)
	}
	p := DefaultArgon2Params
	hash := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, 32)
	return encodePHC(&phcHash{Params: p, Salt: salt, Hash: hash}), nil
}

// Authenticate verifies username/password against the store and, on
// success, issues and returns a fresh session token.
func (s *Store) Authenticate(username, password string) (SessionToken, error) {
	var zero SessionToken

	u, ok := s.users.get(username)
	if !ok {
		return zero, ErrUnknownUser
	}

	parsed, err := parsePHC(u.PasswordHash())
	if err != nil {
		return zero, fmt.Errorf("auth: stored hash for %q: %w", username, err)
	}

	computed := argon2.IDKey([]byte(password), parsed.Salt, parsed.Params.Time, parsed.Params.Memory, parsed.Params.Threads, uint32(len(parsed.Hash)))
	if subtle.ConstantTimeCompare(computed, parsed.Hash) != 1 {
		return zero, ErrBadPassword
	}

	token, err := newSessionToken()
	if err != nil {
		return zero, err
	}
	u.newSession(token, s.ttl, time.Now())
	return token, nil
}

// VerifySessionToken reports whether token is a currently-valid
// session for username.
func (s *Store) VerifySessionToken(username string, token SessionToken) bool {
	u, ok := s.users.get(username)
	if !ok {
		return false
	}
	return u.checkSessionValidity(token, time.Now())
}

// VerifySessionTokenOwner resolves token to the username that holds
// it, for the wire protocol's SessionToken reconnect message, which
// per spec.md §6 carries only the 16-byte token and no username. It
// scans every user's session set, mirroring original_source's
// DashMap-wide lookup (auth.rs has no analog of "find by token" that
// takes a username, because the original verifies across the whole
// map too). Returns ok=false if no live session anywhere matches.
func (s *Store) VerifySessionTokenOwner(token SessionToken) (username string, ok bool) {
	now := time.Now()
	s.users.forEach(func(name string, u *User) {
		if ok {
			return
		}
		if u.checkSessionValidity(token, now) {
			username, ok = name, true
		}
	})
	return username, ok
}

// SetSessionTTL overrides the store's session token lifetime, used by
// a tunnel to apply its configured session_ttl instead of
// DefaultSessionTTL. Safe to call before any sessions are issued;
// already-issued tokens keep the TTL they were created with.
func (s *Store) SetSessionTTL(ttl time.Duration) {
	s.ttl = ttl
}

// Restrict drops every loaded user not named in allowed, implementing
// spec.md §6's per-tunnel allowed_users[] scoping: a tunnel's
// credential store is meant to be "a subset of global users scoped to
// this tunnel's user list" (spec.md §4.5). A nil or empty allowed
// leaves the store untouched (no restriction configured).
func (s *Store) Restrict(allowed []string) {
	if len(allowed) == 0 {
		return
	}
	keep := make(map[string]bool, len(allowed))
	for _, u := range allowed {
		keep[u] = true
	}
	var drop []string
	s.users.forEach(func(username string, _ *User) {
		if !keep[username] {
			drop = append(drop, username)
		}
	})
	for _, username := range drop {
		s.users.delete(username)
	}
}

// Reset clears every user's sessions, so no previously issued token
// verifies any more and clients must authenticate with a password
// again. Grounded on original_source's Auth::reset.
func (s *Store) Reset() {
	s.users.forEach(func(_ string, u *User) {
		u.reset()
	})
}

// StartSweeper launches the background goroutine that evicts expired
// session tokens every sweepInterval. It returns a stop function,
// which must be called at most once; it may be left uncalled if the
// store lives as long as the process.
func (s *Store) StartSweeper() (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweepOnce()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (s *Store) sweepOnce() {
	now := time.Now()
	s.users.forEach(func(_ string, u *User) {
		u.evictExpired(now)
	})
}

func newSessionToken() (SessionToken, error) {
	var t SessionToken
	if _, err := rand.Read(t[:]); err != nil {
		return t, fmt.Errorf("auth: generating session token: %w", err)
	}
	return t, nil
}
