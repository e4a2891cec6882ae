package kms

import "errors"

// KMS errors
var (
	// ErrKeyNotFound is returned when no record matches a label or key ID.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyInactive is returned when a rotated, revoked, or expired key
	// is used where an active one is required.
	ErrKeyInactive = errors.New("key is not active")

	// ErrPermissionDenied is returned when a team key's ACL rejects the
	// requesting agent.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrIdentityUnavailable is returned by Initialize when no identity
	// material exists to root the key hierarchy in. A master key built
	// from a throwaway seed cannot be re-derived after a restart, so this
	// is a hard failure unless ephemeral mode is requested explicitly.
	ErrIdentityUnavailable = errors.New("identity material unavailable")

	// ErrMaterialMissing is returned when a record exists but its
	// encrypted material file is gone (revoked keys, manual deletion).
	ErrMaterialMissing = errors.New("key material missing")

	// ErrDecryptFailed is returned when an encrypted token cannot be
	// authenticated or decoded.
	ErrDecryptFailed = errors.New("decryption failed")

	// ErrCryptoUnavailable is returned when an underlying cipher cannot
	// be constructed. There is no fallback to weaker primitives.
	ErrCryptoUnavailable = errors.New("crypto primitive unavailable")

	// ErrDerivedKeysActive is returned when master rotation is attempted
	// while derived keys are still active and no cascade was requested.
	ErrDerivedKeysActive = errors.New("active derived keys exist")
)
