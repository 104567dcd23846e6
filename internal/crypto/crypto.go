// Package crypto encrypts secrets held in the settings table (the server
// token and the control API key). The key comes from the
// SCANSYNC_ENCRYPTION_KEY environment variable; without one, values are
// stored in plaintext so existing databases keep working.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
)

// EncryptedPrefix marks values that went through Encrypt. Plain values never
// carry it, which is how Decrypt tells the two apart.
const EncryptedPrefix = "enc:v1:"

var (
	ErrNoEncryptionKey = errors.New("no encryption key configured")
	ErrDecryptFailed   = errors.New("decryption failed: invalid ciphertext")
)

var (
	loadKeyOnce sync.Once
	agentKey    []byte
)

// loadKey derives the 32-byte AES key from the environment, once.
func loadKey() []byte {
	loadKeyOnce.Do(func() {
		passphrase := os.Getenv("SCANSYNC_ENCRYPTION_KEY")
		if passphrase == "" {
			return
		}
		derived := sha256.Sum256([]byte(passphrase))
		agentKey = derived[:]
	})
	return agentKey
}

// EncryptionEnabled reports whether an encryption key is configured.
func EncryptionEnabled() bool {
	return loadKey() != nil
}

// IsEncrypted reports whether a stored value carries the encrypted marker.
func IsEncrypted(value string) bool {
	return len(value) > len(EncryptedPrefix) && strings.HasPrefix(value, EncryptedPrefix)
}

// Encrypt seals plaintext with AES-GCM and the configured key. Without a key
// it returns the plaintext unchanged.
func Encrypt(plaintext string) (string, error) {
	key := loadKey()
	if key == nil {
		return plaintext, nil
	}
	return seal(key, plaintext)
}

// Decrypt reverses Encrypt. Values without the encrypted marker pass through
// untouched; marked values require the key they were sealed with.
func Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	key := loadKey()
	if key == nil {
		return "", ErrNoEncryptionKey
	}
	return open(key, value)
}

func seal(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
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

	// Nonce travels prepended to the ciphertext
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func open(key []byte, value string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(value[len(EncryptedPrefix):])
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(raw) < gcm.NonceSize() {
		return "", ErrDecryptFailed
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}
