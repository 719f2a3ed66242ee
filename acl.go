package dok

import "encoding/json"

// Role of a key holder within one tenant database.
type Role string

const (
	RoleOwner Role = "owner"
	RoleGuest Role = "guest"
	RoleTemp  Role = "temp"
)

// Capability names a feature the key bearer may invoke. The wildcard grants
// everything.
type Capability string

const (
	// CapabilityAll grants every feature.
	CapabilityAll Capability = "*"

	// CapabilityAttachments gates attachment storage and the enclave
	// decrypt operation. A key whose feature set lacks it can still
	// authenticate, but the handlers refuse the operation.
	CapabilityAttachments Capability = "attachments"
)

// ACL is the parsed form of a key record's acl column: a role plus a feature
// capability set. It is parsed exactly once, at the registry boundary, and
// handed to downstream code fully typed.
type ACL struct {
	Role     Role         `json:"role"`
	Features []Capability `json:"features"`
}

// DefaultACL is the fail-safe fallback when an acl column cannot be parsed:
// a guest with no features. Fail safe, not fail open.
func DefaultACL() ACL {
	return ACL{Role: RoleGuest, Features: nil}
}

// ParseACL parses a raw acl column value. Unparseable or empty input yields
// DefaultACL rather than an error, so a corrupt column can never widen
// access.
func ParseACL(raw string) ACL {
	if raw == "" {
		return DefaultACL()
	}
	var acl ACL
	if err := json.Unmarshal([]byte(raw), &acl); err != nil {
		return DefaultACL()
	}
	switch acl.Role {
	case RoleOwner, RoleGuest, RoleTemp:
	default:
		return DefaultACL()
	}
	return acl
}

// Encode serializes the ACL for storage.
func (a ACL) Encode() string {
	raw, err := json.Marshal(a)
	if err != nil {
		// ACL has no unmarshalable fields; keep the signature simple.
		return `{"role":"guest"}`
	}
	return string(raw)
}

// HasFeature reports whether the capability set includes feature, either
// literally or through the wildcard.
func (a ACL) HasFeature(feature Capability) bool {
	for _, f := range a.Features {
		if f == CapabilityAll || f == feature {
			return true
		}
	}
	return false
}
