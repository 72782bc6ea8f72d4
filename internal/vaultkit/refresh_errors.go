package vaultkit

import "errors"

var (
	// ErrDecryptFailed indicates stored ciphertext could not be decrypted with the
	// configured key. After a key rotation without a migration pass this is the
	// dominant failure mode, so it stays distinct from generic store errors.
	ErrDecryptFailed = errors.New("cipher.decrypt_failed")
	// ErrCiphertextMalformed indicates the stored record does not parse as a token record.
	ErrCiphertextMalformed = errors.New("cipher.malformed_record")
	// ErrCipherKeyInvalid indicates the configured encryption key has the wrong length or encoding.
	ErrCipherKeyInvalid = errors.New("cipher.invalid_key")

	// ErrUnknownProvider indicates a connection references a provider missing from the registry.
	ErrUnknownProvider = errors.New("providers.unknown_provider")

	// ErrConnectionNotFound indicates no connection row exists for the user/provider pair.
	ErrConnectionNotFound = errors.New("connection_store.not_found")

	// ErrNotConnected indicates the caller asked for a token on a missing or disconnected connection.
	ErrNotConnected = errors.New("token_source.not_connected")
	// ErrReauthRequired indicates automated refresh is impossible; the user must
	// redo the authorization flow for this provider.
	ErrReauthRequired = errors.New("refresh.reauth_required")
	// ErrTransient indicates the provider token endpoint failed in a retryable way
	// (network error, timeout, 5xx, rate limit). The connection is left untouched.
	ErrTransient = errors.New("refresh.transient_failure")
)
