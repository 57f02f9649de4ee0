// Package auth stores the API keys allowed to call privileged endpoints.
// Only key hashes are kept.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Role is what a key may do.
type Role string

const (
	RoleScorer   Role = "scorer"   // may post trust verdicts
	RoleOperator Role = "operator" // may read operational endpoints
)

var ErrKeyNotFound = errors.New("api key not found")

// Key is a stored API key without its secret.
type Key struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Source    string     `json:"source,omitempty"` // "env", "issued"
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Validator resolves a presented secret to its key.
type Validator interface {
	Validate(ctx context.Context, secret string) (Key, bool)
}

// HashKey is the lookup hash of a secret.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func keyID(hash string) string { return hash[:12] }

// MemoryKeyStore keeps key hashes in memory.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]Key
}

// NewMemoryKeyStore constructs an empty store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]Key)}
}

// Seed adds a pre-shared key, e.g. from the environment.
func (s *MemoryKeyStore) Seed(secret string, role Role, source string) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return
	}
	h := HashKey(secret)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[h]; !ok {
		s.keys[h] = Key{ID: keyID(h), Role: role, Source: source, CreatedAt: time.Now().UTC()}
	}
}

// Validate compares the presented hash against every stored hash in
// constant time.
func (s *MemoryKeyStore) Validate(_ context.Context, secret string) (Key, bool) {
	if secret == "" {
		return Key{}, false
	}
	want := []byte(HashKey(secret))
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found Key
		ok    bool
	)
	for h, k := range s.keys {
		if subtle.ConstantTimeCompare([]byte(h), want) == 1 && k.RevokedAt == nil {
			found, ok = k, true
		}
	}
	return found, ok
}

// Issue creates a new random key and returns its secret once.
func (s *MemoryKeyStore) Issue(_ context.Context, role Role) (string, Key, error) {
	secret, err := generateSecret()
	if err != nil {
		return "", Key{}, err
	}
	h := HashKey(secret)
	k := Key{ID: keyID(h), Role: role, Source: "issued", CreatedAt: time.Now().UTC()}
	s.mu.Lock()
	s.keys[h] = k
	s.mu.Unlock()
	return secret, k, nil
}

// Revoke disables a key by id.
func (s *MemoryKeyStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, k := range s.keys {
		if k.ID == id && k.RevokedAt == nil {
			now := time.Now().UTC()
			k.RevokedAt = &now
			s.keys[h] = k
			return nil
		}
	}
	return ErrKeyNotFound
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
