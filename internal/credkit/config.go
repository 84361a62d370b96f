package credkit

import (
	"strings"
	"time"
)

// Default pipeline settings, matching the token authority's contract.
const (
	// DefaultExpirationBuffer is subtracted from the access lifespan before
	// expiry checks; it absorbs network and server latency so a token valid
	// at send time does not expire before the server processes it.
	DefaultExpirationBuffer = 5 * time.Minute
	// DefaultRenewalTimeout bounds a single renewal call inside the
	// coordinator's critical section so a hung renewal cannot block every
	// concurrent request indefinitely.
	DefaultRenewalTimeout = 30 * time.Second
	// DefaultMaxAuthAttempts is the total number of authorization attempts
	// allowed per logical request: the original failure plus two retries.
	DefaultMaxAuthAttempts = 3
)

// DefaultExemptPaths lists endpoints that never carry credentials: they
// either establish a session or renew one, so attaching (or requiring) an
// access token there would be circular.
func DefaultExemptPaths() []string {
	return []string{
		"/auth/login",
		"/auth/register",
		"/auth/guest",
		"/auth/renew",
		"/auth/issue",
	}
}

// ClientConfig configures the credential pipeline stages.
type ClientConfig struct {
	ExemptPaths      []string
	ExpirationBuffer time.Duration
	RenewalTimeout   time.Duration
	MaxAuthAttempts  int
}

// DefaultClientConfig returns the pipeline defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ExemptPaths:      DefaultExemptPaths(),
		ExpirationBuffer: DefaultExpirationBuffer,
		RenewalTimeout:   DefaultRenewalTimeout,
		MaxAuthAttempts:  DefaultMaxAuthAttempts,
	}
}

func (configuration ClientConfig) isExemptPath(requestPath string) bool {
	for _, exemptPath := range configuration.ExemptPaths {
		if strings.EqualFold(requestPath, exemptPath) {
			return true
		}
	}
	return false
}

func (configuration ClientConfig) maxAuthAttempts() int {
	if configuration.MaxAuthAttempts <= 0 {
		return DefaultMaxAuthAttempts
	}
	return configuration.MaxAuthAttempts
}

func (configuration ClientConfig) expirationBufferMillis() int64 {
	if configuration.ExpirationBuffer <= 0 {
		return DefaultExpirationBuffer.Milliseconds()
	}
	return configuration.ExpirationBuffer.Milliseconds()
}
