// Package auth provides API credential management for accessd.
//
// Authentication model:
// - Enrollment issues an API key bound to an identity key
// - Only the SHA-256 hash of a key is stored; the raw key is shown once
// - The decision pipeline verifies a presented credential against the
//   identity it claims before any biometric work runs
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrWrongIdentity = errors.New("credential does not belong to this identity")
	ErrKeyNotFound   = errors.New("API key not found")
)

// APIKey represents an issued credential. Only the hash is persisted.
type APIKey struct {
	ID          string     `json:"id"`
	Hash        string     `json:"-"`
	IdentityKey string     `json:"identity_key"`
	Name        string     `json:"name"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    time.Time  `json:"last_used,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Revoked     bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByIdentity(ctx context.Context, identityKey string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager handles credential issuance and verification
type Manager struct {
	store Store
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey issues a new API key bound to an identity.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, identityKey, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:          "ak_" + hex.EncodeToString(b[:8]),
		Hash:        hashKey(rawKey),
		IdentityKey: identityKey,
		Name:        name,
		CreatedAt:   time.Now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	hash := hashKey(rawKey)
	key, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget). Work on a copy: the store may
	// hand the same *APIKey to concurrent callers.
	stamped := *key
	go func() {
		stamped.LastUsed = time.Now()
		m.store.Update(context.Background(), &stamped)
	}()

	return key, nil
}

// Verify checks that rawKey is a live credential issued to identityKey.
// This is the pipeline's identity check: a valid key presented for someone
// else's identity is still rejected.
func (m *Manager) Verify(ctx context.Context, identityKey, rawKey string) error {
	key, err := m.ValidateKey(ctx, rawKey)
	if err != nil {
		return err
	}
	if key.IdentityKey != identityKey {
		return ErrWrongIdentity
	}
	return nil
}

// ListKeys returns all keys issued to an identity
func (m *Manager) ListKeys(ctx context.Context, identityKey string) ([]*APIKey, error) {
	return m.store.GetByIdentity(ctx, identityKey)
}

// RevokeKey revokes an API key owned by the given identity
func (m *Manager) RevokeKey(ctx context.Context, keyID, identityKey string) error {
	keys, err := m.store.GetByIdentity(ctx, identityKey)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}

	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByIdentity(ctx context.Context, identityKey string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.IdentityKey == identityKey {
			result = append(result, k)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
