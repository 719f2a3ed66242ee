package dok

import (
	"errors"
	"os"
	"time"

	"github.com/Doctor-One/doctor-dok/persist"
)

// DefaultTempKeyTTL is the lifetime of a temporary enclave key share. Long
// enough for a multi-page scanning session, short enough that a leaked
// share is useless the same afternoon.
const DefaultTempKeyTTL = 5 * time.Hour

// Options configures a Service. Sensitive fields carry `json:"-"` so a
// dumped effective configuration never contains key material; deliver them
// through environment variables instead (EnvTokenSecretVar,
// EnvStorageKeyVar).
type Options struct {
	// Registry selects the key record backend. Defaults to the SQL backend
	// rooted at DataPath.
	Registry persist.StoreConfig `json:"registry"`

	// Blobs selects the encrypted attachment backend. Defaults to the
	// filesystem backend rooted at DataPath.
	Blobs persist.StoreConfig `json:"blobs"`

	// DataPath is the root directory for the default file-backed stores
	// and for per-request scratch directories.
	DataPath string `json:"data_path"`

	// TokenSecret signs the standard-zone bearer tokens. Never serialized;
	// prefer EnvTokenSecretVar in deployments.
	TokenSecret string `json:"-"`

	// EnvTokenSecretVar names an environment variable holding TokenSecret,
	// keeping the secret out of configuration files and process arguments.
	EnvTokenSecretVar string `json:"env_token_secret_var,omitempty"`

	// StorageKey is the hex SQLCipher page-encryption key for the SQL
	// registry backend. Empty disables page encryption.
	StorageKey string `json:"-"`

	// EnvStorageKeyVar names an environment variable holding StorageKey.
	EnvStorageKeyVar string `json:"env_storage_key_var,omitempty"`

	// Token lifetimes. Zero values fall back to the package defaults.
	AccessTokenTTL  time.Duration `json:"access_token_ttl,omitempty"`
	RefreshTokenTTL time.Duration `json:"refresh_token_ttl,omitempty"`

	// TempKeyTTL bounds the expiry of enclave key shares minted through
	// the service. Zero falls back to DefaultTempKeyTTL.
	TempKeyTTL time.Duration `json:"temp_key_ttl,omitempty"`

	// Deployment hash salts. Fixed and public within a deployment; they
	// parameterize the tenant and locator hashes, not the key material.
	TenantHashSalt  string `json:"tenant_hash_salt,omitempty"`
	LocatorHashSalt string `json:"locator_hash_salt,omitempty"`

	// One-time password behavior for the enclave zone.
	OTPMode          OTPMode       `json:"otp_mode,omitempty"`
	OTPStep          time.Duration `json:"otp_step,omitempty"`
	OTPMaxAge        time.Duration `json:"otp_max_age,omitempty"`
	OTPSweepInterval time.Duration `json:"otp_sweep_interval,omitempty"`

	// Clock overrides wall time; tests only.
	Clock Clock `json:"-"`
}

// Validate checks the options and resolves environment-delivered secrets
// in place.
func (o *Options) Validate() error {
	if o.TokenSecret == "" && o.EnvTokenSecretVar != "" {
		o.TokenSecret = os.Getenv(o.EnvTokenSecretVar)
	}
	if o.TokenSecret == "" {
		return errors.New("either TokenSecret or EnvTokenSecretVar must be provided")
	}
	if o.StorageKey == "" && o.EnvStorageKeyVar != "" {
		o.StorageKey = os.Getenv(o.EnvStorageKeyVar)
	}
	if o.DataPath == "" && o.Registry.Type == "" {
		return errors.New("DataPath is required when no registry store is configured")
	}
	return nil
}

// withDefaults fills the zero values. Called by NewService after Validate.
func (o *Options) withDefaults() {
	if o.Registry.Type == "" {
		o.Registry = persist.StoreConfig{
			Type: persist.StoreTypeSQL,
			Config: map[string]interface{}{
				"base_path":   o.DataPath,
				"storage_key": o.StorageKey,
			},
		}
	}
	if o.Blobs.Type == "" {
		o.Blobs = persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": o.DataPath},
		}
	}
	if o.AccessTokenTTL <= 0 {
		o.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if o.RefreshTokenTTL <= 0 {
		o.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if o.TempKeyTTL <= 0 {
		o.TempKeyTTL = DefaultTempKeyTTL
	}
	if o.TenantHashSalt == "" {
		o.TenantHashSalt = DefaultTenantHashSalt
	}
	if o.LocatorHashSalt == "" {
		o.LocatorHashSalt = DefaultLocatorHashSalt
	}
	if o.OTPMode == "" {
		o.OTPMode = OTPModeTimeBased
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}
