package misc

const (
	// CredentialsVersion defines the current version of the persisted
	// salt/verifier record.
	CredentialsVersion = 1

	// Argon2id key derivation defaults. The memory and time floors are
	// enforced by Options.Validate; the defaults target roughly 100-300ms
	// per derivation on commodity hardware.
	ArgonTime    uint32 = 2
	ArgonMemory  uint32 = 19 * 1024 // KiB
	ArgonThreads uint8  = 1
	ArgonKeyLen  uint32 = 32

	// SaltSize is the length of the randomly generated derivation salt.
	SaltSize = 32

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
