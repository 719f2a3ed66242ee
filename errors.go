package dok

import "errors"

var (
	// ErrUnauthorized covers every credential failure: unknown locator, key
	// hash mismatch, expired key, failed token verification, failed ephemeral
	// key negotiation. Callers surface it as a single generic 401 so the
	// specific failing check is never revealed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRequestFormat marks a missing or malformed required parameter. It is
	// a 400-class failure, deliberately distinguishable from ErrUnauthorized.
	ErrRequestFormat = errors.New("invalid request format")

	// ErrDecryption marks a ciphertext/key mismatch or tampered payload. At
	// the API boundary it is reported as ErrUnauthorized.
	ErrDecryption = errors.New("decryption failed")

	// ErrDuplicateKey is returned when registering a key locator that
	// already exists.
	ErrDuplicateKey = errors.New("key already exists")

	// ErrNotFound is returned when a key record or tenant does not exist.
	ErrNotFound = errors.New("not found")
)
