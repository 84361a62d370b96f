// Package credclient is the public entry point for embedding the credential
// pipeline: it wires an encrypted credential store to an http.Client whose
// transport attaches bearer tokens, preempts expired ones, and renews them
// against a token authority with single-flight coordination.
package credclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tyemirov/tcred/internal/authority"
	"github.com/tyemirov/tcred/internal/credkit"
	"go.uber.org/zap"
)

// Sentinel errors exposed by the client.
var (
	ErrMissingAuthorityURL = errors.New("credclient.missing_authority_url")
	ErrMissingUserID       = errors.New("credclient.missing_user_id")
)

// DefaultKeyringURL keeps credentials in process memory unless the caller
// points at durable storage.
const DefaultKeyringURL = "memory://"

// DefaultKeyName is the base name of the master key file.
const DefaultKeyName = "tcred-master"

// Config configures Open.
type Config struct {
	// AuthorityURL is the base URL of the token authority. Required.
	AuthorityURL string
	// KeyringURL selects credential storage: memory://, sqlite://, postgres://,
	// or redis://. Empty means DefaultKeyringURL.
	KeyringURL string
	// KeyDirectory holds the master key file; empty means the working directory.
	KeyDirectory string
	// KeyName is the base name of the master key file; empty means DefaultKeyName.
	KeyName string
	// BaseTransport terminates the pipeline; nil means http.DefaultTransport.
	BaseTransport http.RoundTripper
	// Pipeline overrides exempt paths, expiry buffer, renewal timeout, and the
	// authorization attempt limit. The zero value means defaults.
	Pipeline *credkit.ClientConfig
	// Logger receives pipeline log lines; nil means no logging.
	Logger *zap.Logger
}

// Session is an open credential pipeline. Close it when done.
type Session struct {
	ring            credkit.Keyring
	store           *credkit.CredentialStore
	authorityClient *authority.Client
	httpClient      *http.Client
	metrics         *credkit.CounterMetrics
}

// Open validates the configuration, opens the keyring and credential store,
// and assembles the renewal pipeline around the authority at AuthorityURL.
func Open(ctx context.Context, configuration Config) (*Session, error) {
	if strings.TrimSpace(configuration.AuthorityURL) == "" {
		return nil, fmt.Errorf("credclient.open: %w", ErrMissingAuthorityURL)
	}
	keyringURL := configuration.KeyringURL
	if strings.TrimSpace(keyringURL) == "" {
		keyringURL = DefaultKeyringURL
	}
	keyDirectory := configuration.KeyDirectory
	if strings.TrimSpace(keyDirectory) == "" {
		keyDirectory = "."
	}
	keyName := configuration.KeyName
	if strings.TrimSpace(keyName) == "" {
		keyName = DefaultKeyName
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pipelineConfig := credkit.DefaultClientConfig()
	if configuration.Pipeline != nil {
		pipelineConfig = *configuration.Pipeline
	}

	ring, ringErr := credkit.OpenKeyring(ctx, keyringURL, credkit.DefaultKeyringNamespace)
	if ringErr != nil {
		return nil, ringErr
	}
	keySource, keyErr := credkit.NewFileMasterKeySource(keyDirectory, keyName)
	if keyErr != nil {
		_ = ring.Close()
		return nil, keyErr
	}
	metricsRecorder := credkit.NewCounterMetrics()
	store, storeErr := credkit.NewCredentialStore(ctx, ring, keySource, logger, metricsRecorder)
	if storeErr != nil {
		_ = ring.Close()
		return nil, storeErr
	}

	clock := credkit.NewSystemMonotonicClock()
	authorityClient, clientErr := authority.NewClient(configuration.AuthorityURL, nil, store, clock, logger)
	if clientErr != nil {
		store.Close()
		_ = ring.Close()
		return nil, clientErr
	}

	return &Session{
		ring:            ring,
		store:           store,
		authorityClient: authorityClient,
		httpClient:      credkit.NewHTTPClient(configuration.BaseTransport, store, authorityClient, clock, pipelineConfig, logger, metricsRecorder),
		metrics:         metricsRecorder,
	}, nil
}

// HTTPClient returns the http.Client backed by the credential pipeline.
func (session *Session) HTTPClient() *http.Client {
	return session.httpClient
}

// IsAuthenticated reports whether a full credential pair is stored.
func (session *Session) IsAuthenticated(ctx context.Context) (bool, error) {
	return session.store.IsAuthenticated(ctx)
}

// UserID returns the stored user identifier, if any.
func (session *Session) UserID() (string, bool) {
	return session.store.UserIDSync()
}

// Bootstrap obtains an initial credential pair from the authority. Intended
// for development flows where the authority issues pairs on demand.
func (session *Session) Bootstrap(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("credclient.bootstrap: %w", ErrMissingUserID)
	}
	return session.authorityClient.Bootstrap(ctx, userID)
}

// Clear erases stored credentials and waits for durable deletion.
func (session *Session) Clear(ctx context.Context) error {
	return session.store.ClearCredentialsBlocking(ctx)
}

// MetricsSnapshot returns a copy of the pipeline's counters.
func (session *Session) MetricsSnapshot() map[string]int64 {
	return session.metrics.Snapshot()
}

// Close stops the store's background sync and releases the keyring.
func (session *Session) Close() error {
	session.store.Close()
	return session.ring.Close()
}
