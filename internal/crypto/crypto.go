// Package crypto implements the platform's symmetric encryption contract:
// AES-256-GCM with versioned keys, SHA-256 hashing, HMAC signing, and a
// CSPRNG token/hash pair generator.
//
// Ciphertext wire layout: [version:1][iv:12][ct+tag:n]. The leading version
// byte selects the decryption key, which makes key rotation a matter of
// adding a higher-versioned key and re-encrypting lazily via Reencrypt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

const (
	versionSize = 1
	ivSize      = 12
	tagSize     = 16

	// MinBytes is the smallest well-formed ciphertext: version + IV + tag.
	MinBytes = versionSize + ivSize + tagSize
)

// Stable error values. The names are part of the contract.
var (
	ErrKeyNotFound   = errors.New("KEY_NOT_FOUND")
	ErrOpFailed      = errors.New("OP_FAILED")
	ErrInvalidFormat = errors.New("INVALID_FORMAT")
)

// VersionedKey pairs a numeric key version with raw key material.
type VersionedKey struct {
	Version byte
	Key     []byte
}

// Service holds the key ring. Encrypt always uses the current
// (highest-version) key; Decrypt selects by the ciphertext's version byte.
type Service struct {
	aeads   map[byte]cipher.AEAD
	current byte
}

// NewService builds a Service from a key ring. Keys must be 32 bytes
// (AES-256). At least one key is required.
func NewService(keys []VersionedKey) (*Service, error) {
	if len(keys) == 0 {
		return nil, errors.New("crypto: no encryption keys configured")
	}

	s := &Service{aeads: make(map[byte]cipher.AEAD, len(keys))}
	for _, k := range keys {
		if len(k.Key) != 32 {
			return nil, fmt.Errorf("crypto: key v%d must be 32 bytes, got %d", k.Version, len(k.Key))
		}
		block, err := aes.NewCipher(k.Key)
		if err != nil {
			return nil, fmt.Errorf("crypto: key v%d: %w", k.Version, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("crypto: key v%d: %w", k.Version, err)
		}
		s.aeads[k.Version] = aead
		if k.Version > s.current {
			s.current = k.Version
		}
	}
	return s, nil
}

// envKey is the JSON shape of one entry in ENCRYPTION_KEYS.
type envKey struct {
	Version byte   `json:"version"`
	Key     string `json:"key"` // base64
}

// FromEnv loads the key ring from ENCRYPTION_KEYS (JSON array of
// {version, key:b64}) or, failing that, ENCRYPTION_KEY (single base64 key,
// version 1). ENCRYPTION_KEYS takes precedence when both are present.
func FromEnv() (*Service, error) {
	if raw := os.Getenv("ENCRYPTION_KEYS"); raw != "" {
		var entries []envKey
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("crypto: parse ENCRYPTION_KEYS: %w", err)
		}
		keys := make([]VersionedKey, 0, len(entries))
		for _, e := range entries {
			kb, err := base64.StdEncoding.DecodeString(e.Key)
			if err != nil {
				return nil, fmt.Errorf("crypto: decode key v%d: %w", e.Version, err)
			}
			keys = append(keys, VersionedKey{Version: e.Version, Key: kb})
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Version < keys[j].Version })
		return NewService(keys)
	}

	if raw := os.Getenv("ENCRYPTION_KEY"); raw != "" {
		kb, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode ENCRYPTION_KEY: %w", err)
		}
		return NewService([]VersionedKey{{Version: 1, Key: kb}})
	}

	return nil, errors.New("crypto: ENCRYPTION_KEY or ENCRYPTION_KEYS must be set")
}

// CurrentVersion returns the version Encrypt will stamp on new ciphertexts.
func (s *Service) CurrentVersion() byte { return s.current }

// Encrypt seals plaintext under the current key with a random IV. The same
// plaintext encrypts to a different ciphertext on every call.
func (s *Service) Encrypt(plaintext, aad []byte) ([]byte, error) {
	aead := s.aeads[s.current]

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("crypto: iv: %w", err)
	}

	out := make([]byte, 0, versionSize+ivSize+len(plaintext)+tagSize)
	out = append(out, s.current)
	out = append(out, iv...)
	out = aead.Seal(out, iv, plaintext, aad)
	return out, nil
}

// Decrypt opens a ciphertext, selecting the key by its version byte.
func (s *Service) Decrypt(ct, aad []byte) ([]byte, error) {
	if len(ct) < MinBytes {
		return nil, ErrInvalidFormat
	}

	aead, ok := s.aeads[ct[0]]
	if !ok {
		return nil, ErrKeyNotFound
	}

	iv := ct[versionSize : versionSize+ivSize]
	plaintext, err := aead.Open(nil, iv, ct[versionSize+ivSize:], aad)
	if err != nil {
		return nil, ErrOpFailed
	}
	return plaintext, nil
}

// Reencrypt upgrades a ciphertext to the current key version. Ciphertexts
// already at the current version are returned unchanged.
func (s *Service) Reencrypt(ct []byte) ([]byte, error) {
	if len(ct) < MinBytes {
		return nil, ErrInvalidFormat
	}
	if ct[0] == s.current {
		return ct, nil
	}
	plaintext, err := s.Decrypt(ct, nil)
	if err != nil {
		return nil, err
	}
	return s.Encrypt(plaintext, nil)
}

// ============================================================================
// HASHING & TOKENS
// ============================================================================

// Hash returns the SHA-256 hex digest of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HMAC returns the HMAC-SHA-256 hex digest of message under key.
func HMAC(key, message string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// Compare performs a constant-time comparison of two strings.
func Compare(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// TokenPair is a random token together with its SHA-256 hex digest. Stores
// keep the hash; the token is handed to the caller exactly once.
type TokenPair struct {
	Token string
	Hash  string
}

// Pair draws a 32-byte token from the CSPRNG and returns it with its hash.
func Pair() (TokenPair, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return TokenPair{}, fmt.Errorf("crypto: token: %w", err)
	}
	token := hex.EncodeToString(raw)
	return TokenPair{Token: token, Hash: Hash(token)}, nil
}
