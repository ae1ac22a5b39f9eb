package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/camerakit/camera-daemon/internal/logging"
)

const apiKeyBytes = 32

// APIKeyRecord is one stored key. Only the SHA-256 hash is persisted;
// plaintext keys exist only in the Create response.
type APIKeyRecord struct {
	KeyID     string     `json:"key_id"`
	Name      string     `json:"name"`
	Role      Role       `json:"role"`
	KeyHash   string     `json:"key_hash"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	IsActive  bool       `json:"is_active"`
}

// keyStoreDocument is the on-disk JSON shape.
type keyStoreDocument struct {
	Version   int            `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
	Keys      []APIKeyRecord `json:"keys"`
}

// APIKeyStore manages key lifecycle with atomic persistence.
type APIKeyStore struct {
	path   string
	logger *logging.Logger

	mu   sync.RWMutex
	keys map[string]*APIKeyRecord // key id -> record
}

// NewAPIKeyStore loads the store at path, starting empty when the file
// does not exist yet.
func NewAPIKeyStore(path string, logger *logging.Logger) (*APIKeyStore, error) {
	if logger == nil {
		logger = logging.GetLogger("api-keys")
	}
	s := &APIKeyStore{
		path:   path,
		logger: logger,
		keys:   make(map[string]*APIKeyRecord),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *APIKeyStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read key store: %w", err)
	}
	var doc keyStoreDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse key store: %w", err)
	}
	for i := range doc.Keys {
		rec := doc.Keys[i]
		s.keys[rec.KeyID] = &rec
	}
	s.logger.WithField("count", len(s.keys)).Info("API key store loaded")
	return nil
}

// persist writes the store atomically. Callers hold s.mu.
func (s *APIKeyStore) persist() error {
	doc := keyStoreDocument{
		Version:   1,
		UpdatedAt: time.Now().UTC(),
		Keys:      make([]APIKeyRecord, 0, len(s.keys)),
	}
	for _, rec := range s.keys {
		doc.Keys = append(doc.Keys, *rec)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return renameio.WriteFile(s.path, data, 0o600)
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Create mints a new key. The plaintext is returned exactly once.
func (s *APIKeyStore) Create(name string, role Role, expiry time.Duration) (plaintext string, record *APIKeyRecord, err error) {
	if _, ok := roleRank[role]; !ok {
		return "", nil, fmt.Errorf("invalid role: %q", role)
	}

	raw := make([]byte, apiKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate key: %w", err)
	}
	plaintext = base64.RawURLEncoding.EncodeToString(raw)

	rec := &APIKeyRecord{
		KeyID:     uuid.New().String(),
		Name:      name,
		Role:      role,
		KeyHash:   hashKey(plaintext),
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}
	if expiry > 0 {
		exp := rec.CreatedAt.Add(expiry)
		rec.ExpiresAt = &exp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[rec.KeyID] = rec
	if err := s.persist(); err != nil {
		delete(s.keys, rec.KeyID)
		return "", nil, err
	}
	s.logger.WithFields(logging.Fields{
		"key_id": rec.KeyID,
		"name":   name,
		"role":   role,
	}).Info("API key created")
	return plaintext, rec, nil
}

// Validate matches a plaintext key against stored hashes in constant
// time, returning the record when the key is active and unexpired.
// LastUsed updates on success.
func (s *APIKeyStore) Validate(plaintext string) (*APIKeyRecord, error) {
	hash := []byte(hashKey(plaintext))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.keys {
		if subtle.ConstantTimeCompare(hash, []byte(rec.KeyHash)) != 1 {
			continue
		}
		if !rec.IsActive {
			return nil, fmt.Errorf("key is revoked")
		}
		if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
			return nil, fmt.Errorf("key has expired")
		}
		now := time.Now().UTC()
		rec.LastUsed = &now
		if err := s.persist(); err != nil {
			s.logger.WithError(err).Warn("Failed to persist key last-used update")
		}
		cp := *rec
		return &cp, nil
	}
	return nil, fmt.Errorf("unknown API key")
}

// Revoke deactivates a key by id.
func (s *APIKeyStore) Revoke(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[keyID]
	if !ok {
		return fmt.Errorf("unknown key id: %s", keyID)
	}
	rec.IsActive = false
	return s.persist()
}

// List returns copies of all records.
func (s *APIKeyStore) List() []APIKeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]APIKeyRecord, 0, len(s.keys))
	for _, rec := range s.keys {
		out = append(out, *rec)
	}
	return out
}
