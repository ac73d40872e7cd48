// Package auth provides API key generation and verification for the
// postalscan API server. Keys are stored only as bcrypt hashes.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/bcrypt"
)

// API key generation and validation constants
const (
	// APIKeyLength is the length of the random part of an API key
	APIKeyLength = 32
	// APIKeyPrefix is the standard prefix for all API keys
	APIKeyPrefix = "ps"
	// DisplayPrefixLength is the number of random characters shown in listings
	DisplayPrefixLength = 8

	// BcryptCost is the bcrypt cost for hashing API keys
	BcryptCost = 12
	// BcryptMaxInputLength is the maximum input length for bcrypt (72 bytes)
	BcryptMaxInputLength = 72

	// MaxAPIKeyNameLength is the maximum length for API key names
	MaxAPIKeyNameLength = 255

	verifiedCacheSize = 128
)

// GeneratedAPIKey contains a newly generated API key. Key is shown once;
// Hash is what goes into api.api_keys.
type GeneratedAPIKey struct {
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	Hash      string    `json:"hash"`
	KeyPrefix string    `json:"key_prefix"`
	CreatedAt time.Time `json:"created_at"`
}

// GenerateAPIKey creates a new API key with the specified name
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
		CreatedAt: time.Now().UTC(),
	}, nil
}

func keyMaterial(apiKey string) []byte {
	keyBytes := []byte(apiKey)
	if len(keyBytes) > BcryptMaxInputLength {
		sum := sha256.Sum256(keyBytes)
		keyBytes = sum[:]
	}
	return keyBytes
}

// HashAPIKey creates a bcrypt hash of an API key for secure storage
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("API key cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(keyMaterial(apiKey), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// ValidateAPIKey checks if a provided API key matches the stored hash
func ValidateAPIKey(apiKey, storedHash string) bool {
	if apiKey == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), keyMaterial(apiKey)) == nil
}

// IsValidAPIKeyFormat checks if an API key has the correct format
func IsValidAPIKeyFormat(apiKey string) bool {
	if !strings.HasPrefix(apiKey, APIKeyPrefix+"_") {
		return false
	}
	if len(apiKey) < 15 || len(apiKey) > 50 {
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

// CreateDisplayPrefix creates a safe-to-display prefix from a full API key
func CreateDisplayPrefix(apiKey string) string {
	if !IsValidAPIKeyFormat(apiKey) {
		return "invalid_key"
	}
	random := strings.TrimPrefix(apiKey, APIKeyPrefix+"_")
	if len(random) > DisplayPrefixLength {
		random = random[:DisplayPrefixLength]
	}
	return fmt.Sprintf("%s_%s...", APIKeyPrefix, random)
}

func validateKeyName(name string) error {
	if name == "" {
		return fmt.Errorf("key name cannot be empty")
	}
	if len(name) > MaxAPIKeyNameLength {
		return fmt.Errorf("key name must be at most %d characters", MaxAPIKeyNameLength)
	}

	for _, char := range name {
		// ASCII controls, C1 controls, bidi overrides and isolates
		if char < 32 || char == 127 ||
			(char >= 0x0080 && char <= 0x009F) ||
			(char >= 0x202A && char <= 0x202E) ||
			(char >= 0x2066 && char <= 0x2069) {
			return fmt.Errorf("key name contains invalid characters")
		}
	}
	return nil
}

// Keyring verifies presented keys against a fixed set of bcrypt hashes.
// Successful verifications are remembered by SHA-256 digest so that only
// the first request with a key pays the bcrypt cost.
type Keyring struct {
	hashes   []string
	verified *lru.Cache[[sha256.Size]byte, struct{}]
}

// NewKeyring creates a keyring for the given hashes.
func NewKeyring(hashes []string) *Keyring {
	cache, err := lru.New[[sha256.Size]byte, struct{}](verifiedCacheSize)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}
	kept := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			kept = append(kept, h)
		}
	}
	return &Keyring{hashes: kept, verified: cache}
}

// Enabled reports whether any keys are configured.
func (k *Keyring) Enabled() bool {
	return len(k.hashes) > 0
}

// Verify reports whether apiKey matches one of the configured hashes.
func (k *Keyring) Verify(apiKey string) bool {
	if apiKey == "" {
		return false
	}
	digest := sha256.Sum256([]byte(apiKey))

	if _, ok := k.verified.Get(digest); ok {
		return true
	}

	for _, h := range k.hashes {
		if ValidateAPIKey(apiKey, h) {
			k.verified.Add(digest, struct{}{})
			return true
		}
	}
	return false
}
