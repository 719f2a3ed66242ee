package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/Doctor-One/doctor-dok/internal/misc"
)

// DeriveCipherKey stretches a string secret into a cipher key using PBKDF2.
// The salt travels with the ciphertext, so the same secret yields the same
// key only for the same salt.
func DeriveCipherKey(secret string, salt []byte) []byte {
	return pbkdf2.Key([]byte(secret), salt, misc.Pbkdf2Iterations, misc.CipherKeyLen, sha256.New)
}

// EncryptWithSecret encrypts data under a string secret with
// PBKDF2 + XChaCha20-Poly1305. Output layout: salt + nonce + ciphertext.
func EncryptWithSecret(data []byte, secret string) ([]byte, error) {
	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := DeriveCipherKey(secret, salt)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, data, nil)

	result := make([]byte, len(salt)+len(nonce)+len(ciphertext))
	copy(result[:len(salt)], salt)
	copy(result[len(salt):len(salt)+len(nonce)], nonce)
	copy(result[len(salt)+len(nonce):], ciphertext)

	return result, nil
}

// DecryptWithSecret reverses EncryptWithSecret.
func DecryptWithSecret(encryptedData []byte, secret string) ([]byte, error) {
	minLen := misc.SaltSize + chacha20poly1305.NonceSizeX
	if len(encryptedData) < minLen {
		return nil, errors.New("encrypted data too short")
	}

	salt := encryptedData[:misc.SaltSize]
	nonce := encryptedData[misc.SaltSize:minLen]
	ciphertext := encryptedData[minLen:]

	key := DeriveCipherKey(secret, salt)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// EncryptValue encrypts a value with a raw 32-byte key. Output: nonce + ciphertext.
func EncryptValue(value, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, value, nil)

	encrypted := make([]byte, len(nonce)+len(ciphertext))
	copy(encrypted[:len(nonce)], nonce)
	copy(encrypted[len(nonce):], ciphertext)

	return encrypted, nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encryptedData, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(encryptedData) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	nonce := encryptedData[:aead.NonceSize()]
	ciphertext := encryptedData[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// DeriveOTPSecret derives the per-key time-step secret from material both
// sides already hold: the Argon2id key hash as input keying material and the
// key locator hash as HKDF salt. Neither side ever transmits the result.
func DeriveOTPSecret(keyHash, keyLocatorHash string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(keyHash), []byte(keyLocatorHash), []byte("dok/enclave/otp/v1"))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("failed to derive otp secret: %w", err)
	}
	return secret, nil
}

// TimeBasedPassword computes the TOTP-style one-time password for a time
// window counter: hex-encoded HMAC-SHA256 of the counter under the per-key
// secret.
func TimeBasedPassword(secret []byte, counter uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	mac := hmac.New(sha256.New, secret)
	mac.Write(buf[:])
	return hex.EncodeToString(mac.Sum(nil))
}

// RandomKey returns a hex-encoded random key of n bytes.
func RandomKey(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CalculateChecksum returns the hex SHA-256 digest of data. Attachment
// uploads echo it back so clients can verify what was stored.
func CalculateChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
