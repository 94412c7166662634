// Package credstore encrypts trading-account broker credentials at rest
// using an Argon2-derived key and AES-256-GCM.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

// Store encrypts and decrypts broker credentials (API keys, access tokens,
// TOTP seeds) with a key derived once at startup from the operator-supplied
// master passphrase. Derivation uses a fixed, deployment-wide salt rather
// than a per-record one: every field encrypted by one gateway instance
// shares a key, which keeps rotation to "change MASTER_ENCRYPTION_KEY and
// re-encrypt everything" instead of per-record key management.
type Store struct {
	masterKey []byte
}

// New derives the store's key from passphrase via Argon2id.
func New(passphrase string) *Store {
	salt := sha256.Sum256([]byte("optionstream-credstore-salt-v1"))
	key := argon2.IDKey([]byte(passphrase), salt[:], argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return &Store{masterKey: key}
}

// Encrypt seals plaintext with AES-256-GCM and a random nonce, returning a
// base64-encoded ciphertext suitable for a text database column.
func (s *Store) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (s *Store) Decrypt(ciphertext string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("credstore: ciphertext too short")
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}

// EncryptString is a convenience wrapper over Encrypt.
func (s *Store) EncryptString(plaintext string) (string, error) {
	return s.Encrypt([]byte(plaintext))
}

// DecryptString is a convenience wrapper over Decrypt.
func (s *Store) DecryptString(ciphertext string) (string, error) {
	plaintext, err := s.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Credentials is the set of broker-facing secrets held per trading account.
type Credentials struct {
	APIKey      string
	APISecret   string
	AccessToken string
	TOTPSeed    string
}

// Sealed is Credentials after encryption, ready for storage.
type Sealed struct {
	APIKey      string
	APISecret   string
	AccessToken string
	TOTPSeed    string
}

// Seal encrypts every field of c.
func (s *Store) Seal(c Credentials) (Sealed, error) {
	var out Sealed
	var err error
	if out.APIKey, err = s.EncryptString(c.APIKey); err != nil {
		return Sealed{}, err
	}
	if out.APISecret, err = s.EncryptString(c.APISecret); err != nil {
		return Sealed{}, err
	}
	if out.AccessToken, err = s.EncryptString(c.AccessToken); err != nil {
		return Sealed{}, err
	}
	if c.TOTPSeed != "" {
		if out.TOTPSeed, err = s.EncryptString(c.TOTPSeed); err != nil {
			return Sealed{}, err
		}
	}
	return out, nil
}

// Open decrypts every field of s.
func (s *Store) Open(sealed Sealed) (Credentials, error) {
	var out Credentials
	var err error
	if out.APIKey, err = s.DecryptString(sealed.APIKey); err != nil {
		return Credentials{}, err
	}
	if out.APISecret, err = s.DecryptString(sealed.APISecret); err != nil {
		return Credentials{}, err
	}
	if out.AccessToken, err = s.DecryptString(sealed.AccessToken); err != nil {
		return Credentials{}, err
	}
	if sealed.TOTPSeed != "" {
		if out.TOTPSeed, err = s.DecryptString(sealed.TOTPSeed); err != nil {
			return Credentials{}, err
		}
	}
	return out, nil
}

// GenerateRandomKey returns a cryptographically secure random key, base64
// (URL-safe) encoded.
func GenerateRandomKey(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// HashSHA256 returns the raw SHA-256 digest of data.
func HashSHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// SecureCompare performs a constant-time byte comparison, used when
// comparing a presented token hash against a stored one.
func SecureCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var result byte
	for i := range a {
		result |= a[i] ^ b[i]
	}
	return result == 0
}
