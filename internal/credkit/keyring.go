package credkit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// DefaultKeyringNamespace scopes the credential record inside the backing store.
const DefaultKeyringNamespace = "tcred_credentials"

// Keys of the persisted credential record. Token and user id values are
// ciphertext; the issued-at and lifespan values are plaintext integers.
const (
	keyAccessTokenCiphertext  = "access_token_ciphertext"
	keyRefreshTokenCiphertext = "refresh_token_ciphertext"
	keyUserIDCiphertext       = "user_id_ciphertext"
	keyIssuedAtMillis         = "issued_at_ms"
	keyAccessLifespanMillis   = "access_lifespan_ms"
	keyRefreshLifespanMillis  = "refresh_lifespan_ms"
)

func allRecordKeys() []string {
	return []string{
		keyAccessTokenCiphertext,
		keyRefreshTokenCiphertext,
		keyUserIDCiphertext,
		keyIssuedAtMillis,
		keyAccessLifespanMillis,
		keyRefreshLifespanMillis,
	}
}

// Keyring is the durable key-value record behind the credential store. Only
// the CredentialStore writes to it; every successful mutation is signalled on
// the Updates channel so the store's cache-sync loop can re-read the record.
type Keyring interface {
	// Put writes the given entries durably.
	Put(ctx context.Context, entries map[string]string) error
	// Load returns every entry currently stored under the namespace.
	Load(ctx context.Context) (map[string]string, error)
	// Delete removes the given keys; missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Updates yields a coalesced signal after each successful mutation.
	Updates() <-chan struct{}
	// Close releases backend resources.
	Close() error
}

// keyringNotifier is the shared change-signal for keyring backends. Signals
// coalesce: a pending signal that has not been consumed absorbs new ones.
type keyringNotifier struct {
	updates chan struct{}
}

func newKeyringNotifier() keyringNotifier {
	return keyringNotifier{updates: make(chan struct{}, 1)}
}

// Updates exposes the coalesced change channel.
func (notifier *keyringNotifier) Updates() <-chan struct{} {
	return notifier.updates
}

func (notifier *keyringNotifier) notify() {
	select {
	case notifier.updates <- struct{}{}:
	default:
	}
}

// OpenKeyring selects a keyring backend by URL scheme: redis://, sqlite://,
// postgres://, or memory://.
func OpenKeyring(ctx context.Context, keyringURL string, namespace string) (Keyring, error) {
	if strings.TrimSpace(keyringURL) == "" {
		return nil, fmt.Errorf("keyring.open: %w", ErrUnsupportedKeyringScheme)
	}
	parsed, parseErr := url.Parse(keyringURL)
	if parseErr != nil {
		return nil, fmt.Errorf("keyring.open.parse_url: %w", parseErr)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory":
		return NewMemoryKeyring(), nil
	case "redis", "rediss":
		return NewRedisKeyring(ctx, keyringURL, namespace)
	case "sqlite", "sqlite3", "postgres", "postgresql":
		return NewDatabaseKeyring(ctx, keyringURL, namespace)
	default:
		return nil, fmt.Errorf("keyring.open.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedKeyringScheme)
	}
}
