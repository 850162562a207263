// Package auth holds user credentials and answers authentication and
// authorization questions for the chat server.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"
)

const (
	// SaltLength is the number of alphanumeric characters in a generated salt.
	SaltLength = 16

	saltAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	// ErrUnknownUser is returned when an operation names a user with no credential record.
	ErrUnknownUser = errors.New("unknown user")
	// ErrImmutableRole is returned when trying to change the seeded admin's role.
	ErrImmutableRole = errors.New("role of the configured admin cannot be changed")
	// ErrInvalidUsername is returned for usernames outside the allowed character set.
	ErrInvalidUsername = errors.New("username must be 2-32 characters of letters, digits, '_' or '-'")
	// ErrInvalidPassword is returned for empty passwords or passwords containing whitespace.
	ErrInvalidPassword = errors.New("password must be non-empty and contain no whitespace")

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{2,32}$`)

	argonKey = argon2.IDKey
)

// Role is the authorization level of a user.
type Role uint8

const (
	RoleUser Role = iota
	RoleAdmin
)

func (r Role) String() string {
	if r == RoleAdmin {
		return "admin"
	}
	return "user"
}

// ParseRole parses "user" or "admin" (case-insensitive).
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return RoleUser, fmt.Errorf("invalid role %q (expected user or admin)", s)
	}
}

// Credential is the stored record for one user.
type Credential struct {
	Username     string
	Salt         string
	PasswordHash string // hex-encoded Argon2id digest
	Role         Role
}

// Repository persists credential records. The store keeps its own in-memory
// copy and only calls the repository on load and on writes.
type Repository interface {
	LoadCredentials(ctx context.Context) ([]Credential, error)
	SaveCredential(ctx context.Context, cred Credential) error
}

// HashParams controls the Argon2id cost.
type HashParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32

	// MaxConcurrent bounds how many hashes run at once, so peak memory
	// stays near MaxConcurrent*Memory. 0 means DefaultMaxConcurrentHashes.
	MaxConcurrent int
}

// DefaultMaxConcurrentHashes caps the default cost at 256 MiB in flight.
const DefaultMaxConcurrentHashes = 4

// DefaultHashParams returns the production hashing cost.
func DefaultHashParams() HashParams {
	return HashParams{
		Time:    1,
		Memory:  64 * 1024,
		Threads:       4,
		KeyLen:        32,
		MaxConcurrent: DefaultMaxConcurrentHashes,
	}
}

// CredentialStore holds per-user salt, hash and role.
type CredentialStore struct {
	mu     sync.Mutex
	creds  map[string]Credential
	admin  string
	repo   Repository // nil means memory only
	params HashParams
	hashes *semaphore.Weighted
}

// NewCredentialStore creates an empty store. repo may be nil.
func NewCredentialStore(repo Repository, params HashParams) *CredentialStore {
	limit := params.MaxConcurrent
	if limit <= 0 {
		limit = DefaultMaxConcurrentHashes
	}
	return &CredentialStore{
		creds:  make(map[string]Credential),
		repo:   repo,
		params: params,
		hashes: semaphore.NewWeighted(int64(limit)),
	}
}

// Load replaces the in-memory records with the repository contents.
func (cs *CredentialStore) Load(ctx context.Context) error {
	if cs.repo == nil {
		return nil
	}
	creds, err := cs.repo.LoadCredentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.creds = make(map[string]Credential, len(creds))
	for _, c := range creds {
		cs.creds[c.Username] = c
	}
	return nil
}

// SeedAdmin installs the configured admin account. The admin is re-salted on
// every call so a changed admin password in the config takes effect.
func (cs *CredentialStore) SeedAdmin(ctx context.Context, username, password string) error {
	if err := validate(username, password); err != nil {
		return err
	}
	salt, err := GenerateSalt()
	if err != nil {
		return err
	}
	cred := Credential{
		Username:     username,
		Salt:         salt,
		PasswordHash: cs.hash(salt, password),
		Role:         RoleAdmin,
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.repo != nil {
		if err := cs.repo.SaveCredential(ctx, cred); err != nil {
			return fmt.Errorf("failed to save admin credential: %w", err)
		}
	}
	cs.creds[username] = cred
	cs.admin = username
	return nil
}

// Authenticate reports whether password matches the stored hash for username.
// Unknown users always fail.
func (cs *CredentialStore) Authenticate(username, password string) bool {
	cs.mu.Lock()
	cred, ok := cs.creds[username]
	cs.mu.Unlock()
	if !ok {
		return false
	}

	// Hashing happens outside the lock; Argon2 is deliberately slow.
	got := cs.hash(cred.Salt, password)
	return subtle.ConstantTimeCompare([]byte(got), []byte(cred.PasswordHash)) == 1
}

// Register creates a USER record. It returns false when the username is
// already taken; the existing record is left untouched.
func (cs *CredentialStore) Register(ctx context.Context, username, password string) (bool, error) {
	if err := validate(username, password); err != nil {
		return false, err
	}
	if cs.Exists(username) {
		return false, nil
	}

	salt, err := GenerateSalt()
	if err != nil {
		return false, err
	}
	cred := Credential{
		Username:     username,
		Salt:         salt,
		PasswordHash: cs.hash(salt, password),
		Role:         RoleUser,
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	// Re-check: another goroutine may have registered the name while we hashed.
	if _, exists := cs.creds[username]; exists {
		return false, nil
	}
	if cs.repo != nil {
		if err := cs.repo.SaveCredential(ctx, cred); err != nil {
			return false, fmt.Errorf("failed to save credential: %w", err)
		}
	}
	cs.creds[username] = cred
	return true, nil
}

// Exists reports whether username has a credential record.
func (cs *CredentialStore) Exists(username string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.creds[username]
	return ok
}

// IsAdmin reports whether username is a known user with the admin role.
func (cs *CredentialStore) IsAdmin(username string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cred, ok := cs.creds[username]
	return ok && cred.Role == RoleAdmin
}

// Role returns the role of username, RoleUser for unknown users.
func (cs *CredentialStore) Role(username string) Role {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cred, ok := cs.creds[username]; ok {
		return cred.Role
	}
	return RoleUser
}

// SetRole changes the role of an existing user.
func (cs *CredentialStore) SetRole(ctx context.Context, username string, role Role) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cred, ok := cs.creds[username]
	if !ok {
		return fmt.Errorf("set role for %q: %w", username, ErrUnknownUser)
	}
	if username == cs.admin {
		return ErrImmutableRole
	}
	if cred.Role == role {
		return nil
	}
	cred.Role = role
	if cs.repo != nil {
		if err := cs.repo.SaveCredential(ctx, cred); err != nil {
			return fmt.Errorf("failed to save credential: %w", err)
		}
	}
	cs.creds[username] = cred
	return nil
}

func (cs *CredentialStore) hash(salt, password string) string {
	// Acquire with a background context cannot fail
	cs.hashes.Acquire(context.Background(), 1)
	defer cs.hashes.Release(1)

	p := cs.params
	sum := argonKey([]byte(password), []byte(salt), p.Time, p.Memory, p.Threads, p.KeyLen)
	return hex.EncodeToString(sum)
}

// ValidUsername reports whether name is an acceptable username.
func ValidUsername(name string) bool {
	return usernameRegex.MatchString(name)
}

func validate(username, password string) error {
	if !ValidUsername(username) {
		return ErrInvalidUsername
	}
	if password == "" || strings.ContainsAny(password, " \t\r\n") {
		return ErrInvalidPassword
	}
	return nil
}

// GenerateSalt returns a random alphanumeric string of SaltLength characters.
func GenerateSalt() (string, error) {
	max := big.NewInt(int64(len(saltAlphabet)))
	var b strings.Builder
	b.Grow(SaltLength)
	for i := 0; i < SaltLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate salt: %w", err)
		}
		b.WriteByte(saltAlphabet[n.Int64()])
	}
	return b.String(), nil
}
