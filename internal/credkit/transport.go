package credkit

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// requestTagger stamps each outbound request with a correlation identifier so
// renewal log lines can be tied back to the request that triggered them.
type requestTagger struct {
	next http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (tagger *requestTagger) RoundTrip(request *http.Request) (*http.Response, error) {
	if request.Header.Get(requestIDHeader) == "" {
		tagged := request.Clone(request.Context())
		tagged.Header.Set(requestIDHeader, uuid.NewString())
		return tagger.next.RoundTrip(tagged)
	}
	return tagger.next.RoundTrip(request)
}

// NewTransport chains the credential pipeline onto base: correlation tagging,
// then the renewal coordinator, then the expiry guard, then base. Retries
// issued by the coordinator re-enter the guard, not the coordinator itself,
// so the loop guard sees every authorization attempt.
func NewTransport(base http.RoundTripper, store *CredentialStore, renewer Renewer, clock MonotonicClock, configuration ClientConfig, log *zap.Logger, metrics MetricsRecorder) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	guard := NewExpiryGuard(base, store, clock, configuration, log, metrics)
	coordinator := NewRenewalCoordinator(guard, store, renewer, configuration, log, metrics)
	return &requestTagger{next: coordinator}
}

// NewHTTPClient returns an http.Client whose transport is the credential
// pipeline.
func NewHTTPClient(base http.RoundTripper, store *CredentialStore, renewer Renewer, clock MonotonicClock, configuration ClientConfig, log *zap.Logger, metrics MetricsRecorder) *http.Client {
	return &http.Client{
		Transport: NewTransport(base, store, renewer, clock, configuration, log, metrics),
	}
}
