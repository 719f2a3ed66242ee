package dok

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/Doctor-One/doctor-dok/internal/misc"
)

// Deployment-wide hash salts. They only have to be fixed and public within a
// deployment: the hashes they produce are lookup handles, not secrets -
// secrecy comes from the shared secret itself never leaving the client raw.
const (
	DefaultTenantHashSalt  = "7d7PRNPtBkaXBYeXcHLDA8WQ3Ur1ZTuw"
	DefaultLocatorHashSalt = "LB6ByFXFgpdPmBYARC6uu6G1vzcH9nRw"
)

// DeriveTenantHash maps a raw tenant identifier to its deterministic, salted
// database id hash. The raw identifier never reaches storage or the wire.
func DeriveTenantHash(tenantID, salt string) string {
	sum := sha256.Sum256([]byte(tenantID + salt))
	return hex.EncodeToString(sum[:])
}

// DeriveLocatorHash maps a (shared secret, tenant identifier) pair to the
// non-secret lookup handle for its key record. Deterministic: the same
// inputs always resolve the same record, without revealing the secret in
// that form.
func DeriveLocatorHash(sharedSecret, tenantID, salt string) string {
	sum := sha256.Sum256([]byte(sharedSecret + tenantID + salt))
	return hex.EncodeToString(sum[:])
}

// HashParams carries the Argon2id parameters persisted with each key record,
// so verification stays stable even when deployment defaults change. The
// JSON shape matches the keyHashParams column.
type HashParams struct {
	Salt        string `json:"salt"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"mem"`
	HashLength  uint32 `json:"hashLen"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultHashParams returns fresh parameters with a random salt.
func DefaultHashParams() (HashParams, error) {
	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return HashParams{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	return HashParams{
		Salt:        base64.RawStdEncoding.EncodeToString(salt),
		Time:        misc.ArgonTime,
		Memory:      misc.ArgonMemory,
		HashLength:  misc.ArgonKeyLen,
		Parallelism: misc.ArgonThreads,
	}, nil
}

// Encode serializes the parameters for the keyHashParams column.
func (p HashParams) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode hash params: %w", err)
	}
	return string(raw), nil
}

// ParseHashParams parses a keyHashParams column value.
func ParseHashParams(raw string) (HashParams, error) {
	var p HashParams
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return HashParams{}, fmt.Errorf("failed to parse hash params: %w", err)
	}
	if p.Salt == "" || p.Time == 0 || p.Memory == 0 || p.HashLength == 0 || p.Parallelism == 0 {
		return HashParams{}, errors.New("incomplete hash params")
	}
	return p, nil
}

// DeriveAuthHash computes the memory-hard Argon2id hash of a shared secret
// in PHC string format ($argon2id$v=19$m=..,t=..,p=..$salt$hash). The
// encoded form embeds the parameters, so it is self-verifying.
func DeriveAuthHash(sharedSecret string, p HashParams) (string, error) {
	salt, err := base64.RawStdEncoding.DecodeString(p.Salt)
	if err != nil {
		return "", fmt.Errorf("invalid salt encoding: %w", err)
	}
	if len(salt) == 0 {
		return "", errors.New("empty salt")
	}

	digest := argon2.IDKey([]byte(sharedSecret), salt, p.Time, p.Memory, p.Parallelism, p.HashLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest)), nil
}

// VerifyAuthHash re-derives the hash of candidate with the parameters
// embedded in the encoded PHC string and compares in constant time.
func VerifyAuthHash(encoded, candidate string) (bool, error) {
	p, digest, err := decodeAuthHash(encoded)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawStdEncoding.DecodeString(p.Salt)
	if err != nil {
		return false, fmt.Errorf("invalid salt encoding: %w", err)
	}

	candidateDigest := argon2.IDKey([]byte(candidate), salt, p.Time, p.Memory, p.Parallelism, p.HashLength)

	return subtle.ConstantTimeCompare(digest, candidateDigest) == 1, nil
}

func decodeAuthHash(encoded string) (HashParams, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return HashParams{}, nil, errors.New("malformed argon2id hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return HashParams{}, nil, fmt.Errorf("malformed argon2id version: %w", err)
	}
	if version != argon2.Version {
		return HashParams{}, nil, fmt.Errorf("unsupported argon2id version %d", version)
	}

	var p HashParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Parallelism); err != nil {
		return HashParams{}, nil, fmt.Errorf("malformed argon2id params: %w", err)
	}

	digest, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return HashParams{}, nil, fmt.Errorf("invalid digest encoding: %w", err)
	}

	p.Salt = parts[4]
	p.HashLength = uint32(len(digest))

	return p, digest, nil
}
