// Package auth authenticates the three kinds of callers scangate serves:
// dashboard users presenting a bearer token, scanner workers presenting a
// shared secret, and operators presenting an admin API key.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Admin key generation and validation constants
const (
	// APIKeyLength is the length of the random part of an admin key
	APIKeyLength = 32
	// APIKeyPrefix is the prefix of every admin key
	APIKeyPrefix = "sgk"
	// DisplayPrefixLength is the length of prefix shown in logs (e.g., "sgk_abcdefgh...")
	DisplayPrefixLength = 12

	// BcryptCost is the bcrypt cost for hashing admin keys
	BcryptCost = 12
	// BcryptMaxInputLength is the maximum input length for bcrypt (72 bytes)
	BcryptMaxInputLength = 72

	// MaxAPIKeyNameLength is the maximum length for a key label
	MaxAPIKeyNameLength = 255
)

// GeneratedAPIKey is a freshly minted admin key together with the hash an
// operator puts into api.admin_key_hashes.
type GeneratedAPIKey struct {
	Name      string `json:"name"`
	Key       string `json:"key"` // shown once
	Hash      string `json:"hash"`
	KeyPrefix string `json:"key_prefix"`
}

// GenerateAPIKey creates a new admin key with the given label.
func GenerateAPIKey(name string) (*GeneratedAPIKey, error) {
	if err := validateKeyName(name); err != nil {
		return nil, fmt.Errorf("invalid key name: %w", err)
	}

	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	// base32 avoids ambiguous characters
	randomPart := strings.ToLower(base32.StdEncoding.EncodeToString(randomBytes))
	if len(randomPart) > APIKeyLength {
		randomPart = randomPart[:APIKeyLength]
	}
	fullKey := fmt.Sprintf("%s_%s", APIKeyPrefix, randomPart)

	hash, err := HashAPIKey(fullKey)
	if err != nil {
		return nil, err
	}

	return &GeneratedAPIKey{
		Name:      name,
		Key:       fullKey,
		Hash:      hash,
		KeyPrefix: CreateDisplayPrefix(fullKey),
	}, nil
}

func keyBytes(apiKey string) []byte {
	// bcrypt has a 72-byte limit, so longer keys are hashed with SHA-256 first
	b := []byte(apiKey)
	if len(b) > BcryptMaxInputLength {
		sum := sha256.Sum256(b)
		b = sum[:]
	}
	return b
}

// HashAPIKey creates a bcrypt hash of an admin key for configuration.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("API key cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(keyBytes(apiKey), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// ValidateAPIKey checks if a provided key matches the stored hash.
func ValidateAPIKey(apiKey, storedHash string) bool {
	if apiKey == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), keyBytes(apiKey)) == nil
}

// IsValidAPIKeyFormat checks if a key has the admin key shape.
func IsValidAPIKeyFormat(apiKey string) bool {
	if !strings.HasPrefix(apiKey, APIKeyPrefix+"_") {
		return false
	}
	if len(apiKey) < 16 || len(apiKey) > 50 {
		return false
	}

	for _, char := range apiKey {
		if (char < 'a' || char > 'z') &&
			(char < 'A' || char > 'Z') &&
			(char < '0' || char > '9') &&
			char != '_' {
			return false
		}
	}
	return true
}

// CreateDisplayPrefix creates a log-safe prefix from a full key.
func CreateDisplayPrefix(apiKey string) string {
	if !IsValidAPIKeyFormat(apiKey) {
		return "invalid_key"
	}

	prefix, random, _ := strings.Cut(apiKey, "_")
	if len(random) >= 8 {
		return fmt.Sprintf("%s_%s...", prefix, random[:8])
	}
	return fmt.Sprintf("%s_%s...", prefix, random)
}

func validateKeyName(name string) error {
	if name == "" {
		return fmt.Errorf("key name cannot be empty")
	}
	if len(name) > MaxAPIKeyNameLength {
		return fmt.Errorf("key name must be at most %d characters", MaxAPIKeyNameLength)
	}

	for _, char := range name {
		// ASCII and C1 controls, bidi overrides and isolates
		if char < 32 || char == 127 ||
			(char >= 0x0080 && char <= 0x009F) ||
			(char >= 0x202A && char <= 0x202E) ||
			(char >= 0x2066 && char <= 0x2069) {
			return fmt.Errorf("key name contains invalid characters")
		}
	}
	return nil
}

// AdminKeys checks presented keys against the configured bcrypt hashes.
type AdminKeys struct {
	hashes []string
}

// NewAdminKeys creates a checker. Blank hashes are ignored.
func NewAdminKeys(hashes []string) *AdminKeys {
	k := &AdminKeys{}
	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			k.hashes = append(k.hashes, h)
		}
	}
	return k
}

// Enabled reports whether any admin key is configured.
func (k *AdminKeys) Enabled() bool {
	return len(k.hashes) > 0
}

// Check reports whether apiKey matches one of the configured hashes.
func (k *AdminKeys) Check(apiKey string) bool {
	if !IsValidAPIKeyFormat(apiKey) {
		return false
	}
	for _, h := range k.hashes {
		if ValidateAPIKey(apiKey, h) {
			return true
		}
	}
	return false
}
