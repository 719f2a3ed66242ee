package misc

const (
	// ArgonTime Argon2id parameters used for newly minted key records.
	// Per-record parameters are persisted with each hash, so changing these
	// defaults never invalidates existing records.
	ArgonTime    uint32 = 2
	ArgonMemory  uint32 = 16 * 1024
	ArgonThreads uint8  = 1
	ArgonKeyLen  uint32 = 32
	SaltSize            = 16

	// Pbkdf2Iterations secret-to-key derivation for the field cipher
	Pbkdf2Iterations = 100000
	CipherKeyLen     = 32
)
