package credkit

import (
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// ExpiryGuard is the request-pipeline stage that injects the access token as
// a bearer credential and short-circuits requests whose token is already
// known to be stale. For a stale token it synthesizes an unauthorized
// response locally instead of spending a network round trip on a request the
// server is going to reject.
type ExpiryGuard struct {
	next          http.RoundTripper
	store         *CredentialStore
	clock         MonotonicClock
	configuration ClientConfig
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// NewExpiryGuard wraps next with credential injection and proactive expiry
// detection.
func NewExpiryGuard(next http.RoundTripper, store *CredentialStore, clock MonotonicClock, configuration ClientConfig, log *zap.Logger, metrics MetricsRecorder) *ExpiryGuard {
	if next == nil {
		next = http.DefaultTransport
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &ExpiryGuard{
		next:          next,
		store:         store,
		clock:         clock,
		configuration: configuration,
		logger:        log,
		metrics:       metrics,
	}
}

// RoundTrip implements http.RoundTripper.
func (guard *ExpiryGuard) RoundTrip(request *http.Request) (*http.Response, error) {
	if guard.configuration.isExemptPath(request.URL.Path) {
		guard.metrics.Increment(MetricGuardExemptPassthrough)
		return guard.next.RoundTrip(request)
	}

	accessToken, present := guard.store.AccessTokenSync()
	if !present {
		// nothing to attach; let the downstream fail naturally
		return guard.next.RoundTrip(request)
	}

	authorized := request.Clone(request.Context())
	authorized.Header.Set(authorizationHeader, bearerPrefix+accessToken)

	issuedAtMillis, accessLifespanMillis := guard.store.AccessMetadataSync()
	if issuedAtMillis != 0 && accessLifespanMillis != 0 {
		elapsedMillis := guard.clock.NowMillis() - issuedAtMillis
		if elapsedMillis >= accessLifespanMillis-guard.configuration.expirationBufferMillis() {
			guard.metrics.Increment(MetricGuardSynthesizedExpiry)
			guard.logger.Debug("access token stale before send; synthesizing unauthorized response",
				zap.Int64("elapsed_ms", elapsedMillis),
				zap.Int64("access_lifespan_ms", accessLifespanMillis),
			)
			return synthesizeUnauthorized(authorized), nil
		}
	}

	guard.metrics.Increment(MetricGuardTokenAttached)
	return guard.next.RoundTrip(authorized)
}

// synthesizeUnauthorized builds a local 401 around the authorized request so
// the renewal coordinator handles it exactly like a server rejection.
func synthesizeUnauthorized(request *http.Request) *http.Response {
	return &http.Response{
		Status:        "401 Unauthorized",
		StatusCode:    http.StatusUnauthorized,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(strings.NewReader("")),
		ContentLength: 0,
		Request:       request,
	}
}

func bearerToken(request *http.Request) string {
	if request == nil {
		return ""
	}
	headerValue := request.Header.Get(authorizationHeader)
	if !strings.HasPrefix(headerValue, bearerPrefix) {
		return ""
	}
	return strings.TrimPrefix(headerValue, bearerPrefix)
}
