package credkit

import "errors"

var (
	// ErrCryptoSealFailed indicates the plaintext could not be encrypted; nothing was written.
	ErrCryptoSealFailed = errors.New("credstore.crypto.seal_failed")
	// ErrCryptoOpenFailed indicates the ciphertext failed authentication or decryption.
	ErrCryptoOpenFailed = errors.New("credstore.crypto.open_failed")
	// ErrMissingRefreshToken indicates renewal was attempted without a stored refresh token.
	ErrMissingRefreshToken = errors.New("renewal.missing_refresh_token")
	// ErrRenewalRejected indicates the renewal port completed without producing a new access token.
	ErrRenewalRejected = errors.New("renewal.rejected")
	// ErrUnsupportedKeyringScheme indicates no keyring backend is available for the URL scheme.
	ErrUnsupportedKeyringScheme = errors.New("keyring.unsupported_scheme")
	// ErrKeyringClosed indicates an operation on a keyring after Close.
	ErrKeyringClosed = errors.New("keyring.closed")
)
