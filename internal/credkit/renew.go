package credkit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Renewer is the renewal port: it exchanges a refresh token for a new access
// token. Implementations live in the service-specific layer and are expected
// to persist the full renewed credential record into the store before
// returning, so concurrent waiters observe the new tokens immediately.
type Renewer interface {
	RenewSync(ctx context.Context, refreshToken string) (string, error)
}

// authAttemptsContextKey carries the count of authorization attempts already
// made for a logical request through its retry chain.
type authAttemptsContextKey struct{}

func priorAuthAttempts(ctx context.Context) int {
	attempts, _ := ctx.Value(authAttemptsContextKey{}).(int)
	return attempts
}

func withAuthAttempts(ctx context.Context, attempts int) context.Context {
	return context.WithValue(ctx, authAttemptsContextKey{}, attempts)
}

// RenewalCoordinator reacts to unauthorized responses, whether server-issued
// or synthesized by the expiry guard, by renewing credentials at most once
// per contention window and retrying the failed request. Renewal is
// serialized behind a single process-wide mutex: refresh tokens rotate on
// use, so concurrent renewals would invalidate each other.
type RenewalCoordinator struct {
	next          http.RoundTripper
	store         *CredentialStore
	renewer       Renewer
	configuration ClientConfig
	logger        *zap.Logger
	metrics       MetricsRecorder

	renewMutex sync.Mutex
}

// NewRenewalCoordinator wraps next with unauthorized-response handling.
func NewRenewalCoordinator(next http.RoundTripper, store *CredentialStore, renewer Renewer, configuration ClientConfig, log *zap.Logger, metrics MetricsRecorder) *RenewalCoordinator {
	if next == nil {
		next = http.DefaultTransport
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &RenewalCoordinator{
		next:          next,
		store:         store,
		renewer:       renewer,
		configuration: configuration,
		logger:        log,
		metrics:       metrics,
	}
}

// RoundTrip implements http.RoundTripper.
func (coordinator *RenewalCoordinator) RoundTrip(request *http.Request) (*http.Response, error) {
	response, err := coordinator.next.RoundTrip(request)
	if err != nil {
		return nil, err
	}

	for response.StatusCode == http.StatusUnauthorized {
		if coordinator.configuration.isExemptPath(request.URL.Path) {
			// a rejected login or renewal call is not a credential problem
			return response, nil
		}

		attemptCount := priorAuthAttempts(request.Context()) + 1
		if attemptCount >= coordinator.configuration.maxAuthAttempts() {
			coordinator.metrics.Increment(MetricRenewalAttemptsExceeded)
			coordinator.logger.Warn("authorization attempts exhausted; propagating failure",
				zap.Int("attempts", attemptCount),
				zap.String("path", request.URL.Path),
			)
			return response, nil
		}

		retryRequest, retryErr := coordinator.authorizeRetry(request.Context(), response)
		if retryErr != nil {
			drainResponseBody(response)
			return nil, retryErr
		}
		drainResponseBody(response)

		retryRequest = retryRequest.WithContext(withAuthAttempts(request.Context(), attemptCount))
		request = retryRequest
		response, err = coordinator.next.RoundTrip(retryRequest)
		if err != nil {
			return nil, err
		}
	}
	return response, nil
}

// authorizeRetry runs the single-flight critical section: under the renewal
// mutex it decides whether a sibling already renewed, renews itself, or
// declares the session unrecoverable. The mutex is released on every exit
// path. Every terminal failure clears credentials so no inconsistent state
// survives.
func (coordinator *RenewalCoordinator) authorizeRetry(ctx context.Context, failed *http.Response) (*http.Request, error) {
	coordinator.renewMutex.Lock()
	defer coordinator.renewMutex.Unlock()

	failedToken := bearerToken(failed.Request)

	currentToken, hasCurrent, readErr := coordinator.store.AccessTokenDurable(ctx)
	if readErr != nil {
		coordinator.store.ClearCredentials()
		return nil, fmt.Errorf("renewal.read_access: %w", readErr)
	}
	if hasCurrent && currentToken != failedToken {
		// a concurrent failure already completed a renewal; reuse its token
		coordinator.metrics.Increment(MetricRenewalReusedToken)
		return retryWithToken(failed.Request, currentToken)
	}

	refreshToken, hasRefresh, refreshErr := coordinator.store.RefreshTokenDurable(ctx)
	if refreshErr != nil {
		coordinator.store.ClearCredentials()
		return nil, fmt.Errorf("renewal.read_refresh: %w", refreshErr)
	}
	if !hasRefresh || strings.TrimSpace(refreshToken) == "" {
		coordinator.store.ClearCredentials()
		coordinator.logger.Warn("no refresh token; session cannot be renewed")
		return nil, fmt.Errorf("renewal.authorize: %w", ErrMissingRefreshToken)
	}

	renewCtx := ctx
	if coordinator.configuration.RenewalTimeout > 0 {
		var cancel context.CancelFunc
		renewCtx, cancel = context.WithTimeout(ctx, coordinator.configuration.RenewalTimeout)
		defer cancel()
	}
	newAccessToken, renewErr := coordinator.renewer.RenewSync(renewCtx, refreshToken)
	if renewErr != nil {
		coordinator.store.ClearCredentials()
		coordinator.metrics.Increment(MetricRenewalFailed)
		coordinator.logger.Warn("credential renewal failed", zap.Error(renewErr))
		return nil, fmt.Errorf("renewal.port: %w", renewErr)
	}
	if strings.TrimSpace(newAccessToken) == "" {
		coordinator.store.ClearCredentials()
		coordinator.metrics.Increment(MetricRenewalFailed)
		return nil, fmt.Errorf("renewal.port: %w", ErrRenewalRejected)
	}

	coordinator.metrics.Increment(MetricRenewalSucceeded)
	return retryWithToken(failed.Request, newAccessToken)
}

// retryWithToken rebuilds the failed request carrying the given access token.
func retryWithToken(original *http.Request, accessToken string) (*http.Request, error) {
	if original == nil {
		return nil, fmt.Errorf("renewal.retry: %w", ErrRenewalRejected)
	}
	retry := original.Clone(original.Context())
	if original.GetBody != nil {
		replayBody, bodyErr := original.GetBody()
		if bodyErr != nil {
			return nil, fmt.Errorf("renewal.retry_body: %w", bodyErr)
		}
		retry.Body = replayBody
	}
	retry.Header.Set(authorizationHeader, bearerPrefix+accessToken)
	return retry, nil
}

// drainResponseBody consumes and closes a response body that will not be
// returned to the caller, letting the transport reuse the connection.
func drainResponseBody(response *http.Response) {
	if response == nil || response.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
	_ = response.Body.Close()
}
