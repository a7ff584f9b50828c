// Package userstore is the external user-administration collaborator the
// proxy core calls into: credential checks during RFC 1929 auth, the
// per-user/global logging and metrics hooks the relay phase drives, and the
// admin mutations the management protocol exposes. It is process-wide
// state, guarded by a single mutex, matching the spec's "all calls are
// thread-safe" contract — there is exactly one Store per process, created
// once at startup and torn down at shutdown.
package userstore

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role gates the management protocol's mutating commands.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

var (
	ErrUserExists   = errors.New("userstore: user already exists")
	ErrUserNotFound = errors.New("userstore: user not found")
)

// UserRecord is one account: credentials, activation state, role, and the
// running counters original_source/src/users/users.c keeps per user
// alongside the process-wide Metrics singleton.
type UserRecord struct {
	Username         string
	Password         string
	Active           bool
	Role             Role
	BytesTransferred uint64
	ConnectionCount  uint64
	LastSeen         time.Time
}

// ConnectionLogEntry is one row of the bounded recent-connections ring the
// management protocol's CMD_LIST_CONNECTIONS returns.
type ConnectionLogEntry struct {
	ID          uuid.UUID
	Username    string
	Destination string
	Port        uint16
	Timestamp   time.Time
}

// DefaultLogCapacity matches the spec's recommended connection-log ring
// size.
const DefaultLogCapacity = 1000

// Store holds every UserRecord and the connection log ring. All methods
// are safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	users map[string]*UserRecord
	log   *connRing
}

// New creates an empty Store with a connection log ring of the given
// capacity (DefaultLogCapacity if capacity <= 0).
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Store{
		users: make(map[string]*UserRecord),
		log:   newConnRing(capacity),
	}
}

// SeedUser installs an initial account, overwriting any existing one with
// the same username. Used once at startup from CLI seed flags (spec.md §6:
// "Persisted state: None beyond in-memory user seed from CLI").
func (s *Store) SeedUser(username, password string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = &UserRecord{
		Username: username,
		Password: password,
		Active:   true,
		Role:     role,
	}
}

// Authenticate reports whether username/password match an active account,
// and, on success, stamps its LastSeen.
func (s *Store) Authenticate(username, password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok || !u.Active || u.Password != password {
		return false
	}
	u.LastSeen = time.Now()
	return true
}

// IsAdmin reports whether username names an active admin account. An
// inactive admin is not treated as an admin, per SPEC_FULL.md's rule that
// deactivation revokes admin privileges immediately, even mid-session.
func (s *Store) IsAdmin(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	return ok && u.Active && u.Role == RoleAdmin
}

// LogConnection records one proxied connection in the ring and bumps the
// owning user's connection counter and LastSeen. username may be empty
// (no-auth method), in which case only the ring entry is recorded.
func (s *Store) LogConnection(username, destination string, port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.push(ConnectionLogEntry{
		ID:          uuid.New(),
		Username:    username,
		Destination: destination,
		Port:        port,
		Timestamp:   time.Now(),
	})
	if u, ok := s.users[username]; ok {
		u.ConnectionCount++
		u.LastSeen = time.Now()
	}
}

// UpdateMetrics adds n relayed bytes to username's running counter. A
// no-auth connection (empty username) is a no-op here; the global Metrics
// collaborator still sees the bytes via the proxy core's separate call.
func (s *Store) UpdateMetrics(username string, n uint64) {
	if username == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[username]; ok {
		u.BytesTransferred += n
	}
}

// RecentConnections returns up to limit of the most recently logged
// connections, newest first.
func (s *Store) RecentConnections(limit int) []ConnectionLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.recent(limit)
}

// ListUsers returns a snapshot of every account, in no particular order.
func (s *Store) ListUsers() []UserRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UserRecord, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	return out
}

// GetUser returns a snapshot of one account.
func (s *Store) GetUser(username string) (UserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return UserRecord{}, false
	}
	return *u, true
}

// AddUser creates a new active account. Fails with ErrUserExists if the
// username is already taken.
func (s *Store) AddUser(username, password string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return ErrUserExists
	}
	s.users[username] = &UserRecord{Username: username, Password: password, Active: true, Role: role}
	return nil
}

// DelUser removes an account. Fails with ErrUserNotFound if it doesn't exist.
func (s *Store) DelUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; !exists {
		return ErrUserNotFound
	}
	delete(s.users, username)
	return nil
}

// ChangePassword updates an existing account's password.
func (s *Store) ChangePassword(username, newPassword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return ErrUserNotFound
	}
	u.Password = newPassword
	return nil
}

// ChangeRole updates an existing account's role.
func (s *Store) ChangeRole(username string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return ErrUserNotFound
	}
	u.Role = role
	return nil
}
