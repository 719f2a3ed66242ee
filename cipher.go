package dok

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Doctor-One/doctor-dok/internal/crypto"
	"github.com/Doctor-One/doctor-dok/internal/misc"
)

// Cipher provides symmetric field-level and whole-buffer encryption under a
// string secret (a shared secret, master key or ephemeral key). The same
// cipher is used for persisted rows and for API payloads.
//
// Payload format, base64-encoded for field values and raw for binary
// buffers:
//
//	[16 bytes: PBKDF2 salt]
//	[24 bytes: XChaCha20-Poly1305 nonce]
//	[N bytes:  ciphertext + authentication tag]
//
// The salt and nonce travel with every payload, so decryption needs no side
// channel. A cipher instance derives its encryption key once and caches keys
// per salt seen during decryption; PBKDF2 is deliberately slow, and records
// encrypted by one writer share one salt.
type Cipher struct {
	secret  string
	encSalt []byte

	mu   sync.Mutex
	keys map[string][]byte // hex(salt) -> derived key
}

// NewCipher creates a cipher from a string secret.
func NewCipher(secret string) (*Cipher, error) {
	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	c := &Cipher{
		secret:  secret,
		encSalt: salt,
		keys:    make(map[string][]byte),
	}
	c.keys[hex.EncodeToString(salt)] = crypto.DeriveCipherKey(secret, salt)
	return c, nil
}

func (c *Cipher) keyForSalt(salt []byte) []byte {
	id := hex.EncodeToString(salt)
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.keys[id]; ok {
		return key
	}
	key := crypto.DeriveCipherKey(c.secret, salt)
	c.keys[id] = key
	return key
}

// EncryptBytes encrypts a whole binary buffer (attachment granularity).
func (c *Cipher) EncryptBytes(plain []byte) ([]byte, error) {
	encrypted, err := crypto.EncryptValue(plain, c.keyForSalt(c.encSalt))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(c.encSalt)+len(encrypted))
	copy(out, c.encSalt)
	copy(out[len(c.encSalt):], encrypted)
	return out, nil
}

// DecryptBytes decrypts a buffer produced by EncryptBytes. A wrong key or a
// tampered payload yields an error wrapping ErrDecryption; callers must
// treat that as unauthenticated or corrupt data, never as empty data.
func (c *Cipher) DecryptBytes(payload []byte) ([]byte, error) {
	if len(payload) < misc.SaltSize+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: payload too short", ErrDecryption)
	}
	salt := payload[:misc.SaltSize]
	plain, err := crypto.DecryptValue(payload[misc.SaltSize:], c.keyForSalt(salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plain, nil
}

// EncryptString encrypts a single string value to base64.
func (c *Cipher) EncryptString(plain string) (string, error) {
	payload, err := c.EncryptBytes([]byte(plain))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptString decrypts a base64 value produced by EncryptString.
func (c *Cipher) DecryptString(encoded string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64 payload", ErrDecryption)
	}
	plain, err := c.DecryptBytes(payload)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// EncryptStringWith encrypts a single value under a secret without
// retaining cipher state. Same payload layout as Cipher, fresh salt per
// call; use it where the secret is wrapped once and discarded, like a
// one-time password wrapping an ephemeral key.
func EncryptStringWith(plain, secret string) (string, error) {
	payload, err := crypto.EncryptWithSecret([]byte(plain), secret)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptBytesWith is the one-shot counterpart of Cipher.DecryptBytes.
func DecryptBytesWith(payload []byte, secret string) ([]byte, error) {
	plain, err := crypto.DecryptWithSecret(payload, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plain, nil
}

// DecryptStringWith is the one-shot counterpart of Cipher.DecryptString.
func DecryptStringWith(encoded, secret string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64 payload", ErrDecryption)
	}
	plain, err := DecryptBytesWith(payload, secret)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// EncryptFields encrypts exactly the named fields of a record in place.
// Fields that are absent or nil are skipped; fields outside the list are
// left untouched, so non-sensitive identifiers stay queryable. Every
// encrypted value must be a string - rows are end-to-end encrypted at the
// database level, so even JSON subdocuments are represented as strings.
func (c *Cipher) EncryptFields(record map[string]any, fields []string) error {
	for _, name := range fields {
		value, ok := record[name]
		if !ok || value == nil {
			continue
		}
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %q is not a string", name)
		}
		encrypted, err := c.EncryptString(s)
		if err != nil {
			return fmt.Errorf("failed to encrypt field %q: %w", name, err)
		}
		record[name] = encrypted
	}
	return nil
}

// DecryptFields reverses EncryptFields on the named fields in place.
func (c *Cipher) DecryptFields(record map[string]any, fields []string) error {
	for _, name := range fields {
		value, ok := record[name]
		if !ok || value == nil {
			continue
		}
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %q is not a string", name)
		}
		plain, err := c.DecryptString(s)
		if err != nil {
			return fmt.Errorf("failed to decrypt field %q: %w", name, err)
		}
		record[name] = plain
	}
	return nil
}
