package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Sealed values are "salt:iv:authTag:ciphertext", each component hex-encoded.
const (
	saltSize = 16
	keySize  = 32 // AES-256

	// pbkdf2Iterations is the work factor for deriving the master key from
	// the long-lived secret. The derivation runs once per process.
	pbkdf2Iterations = 600_000
)

// masterSalt is the fixed domain-separation salt for the master key
// derivation. Per-value randomness comes from the sealed value's own salt.
var masterSalt = []byte("controlplane/vault/v1")

// Common errors.
var (
	// ErrDecryption is returned when a sealed value fails authentication:
	// the value was tampered with or sealed under a different key. It is
	// fatal for the ciphertext in question and must not be retried.
	ErrDecryption = errors.New("vault: decryption failed")

	// ErrMalformed is returned when a sealed value does not parse as
	// salt:iv:authTag:ciphertext. It wraps ErrDecryption: a value that no
	// longer parses has been tampered with just as surely as one that fails
	// its tag, and callers treat every tamper shape as one kind.
	ErrMalformed = fmt.Errorf("%w: malformed sealed value", ErrDecryption)
)

// Vault seals and opens secrets with AES-256-GCM. The master key is derived
// once from the long-lived secret at construction and held for the process
// lifetime; each sealed value gets a fresh random salt and nonce, so equal
// plaintexts never produce equal ciphertexts. Key material never appears in
// errors or logs.
type Vault struct {
	masterKey []byte
}

// New derives the master key from secret and returns a ready Vault.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("vault: secret is required")
	}
	key := pbkdf2.Key([]byte(secret), masterSalt, pbkdf2Iterations, keySize, sha256.New)
	return &Vault{masterKey: key}, nil
}

// Encrypt seals plaintext and returns the colon-joined hex encoding.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("vault: generate salt: %w", err)
	}

	aead, err := v.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	tagStart := len(sealed) - aead.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt opens a sealed value. It fails closed: any authentication-tag
// mismatch returns ErrDecryption and no output.
func (v *Vault) Decrypt(sealed string) (string, error) {
	parts := strings.Split(sealed, ":")
	if len(parts) != 4 {
		return "", ErrMalformed
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil || len(salt) != saltSize {
		return "", ErrMalformed
	}
	nonce, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformed
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformed
	}
	ciphertext, err := hex.DecodeString(parts[3])
	if err != nil {
		return "", ErrMalformed
	}

	aead, err := v.aead(salt)
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() || len(tag) != aead.Overhead() {
		return "", ErrMalformed
	}

	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

// aead expands a per-value key from the cached master key and the value's
// salt, then builds the AES-GCM cipher.
func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, v.masterKey, salt, nil), key); err != nil {
		return nil, fmt.Errorf("vault: derive value key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: create GCM: %w", err)
	}
	return aead, nil
}
