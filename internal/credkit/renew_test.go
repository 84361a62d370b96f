package credkit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// countingRenewer renews at most usefully once: it rotates the store to a
// fresh pair the way a real authority implementation would.
type countingRenewer struct {
	store      *CredentialStore
	calls      atomic.Int32
	delay      time.Duration
	newAccess  string
	newRefresh string
	fail       error
	returnZero bool
}

func (renewer *countingRenewer) RenewSync(ctx context.Context, refreshToken string) (string, error) {
	renewer.calls.Add(1)
	if renewer.delay > 0 {
		time.Sleep(renewer.delay)
	}
	if renewer.fail != nil {
		return "", renewer.fail
	}
	if renewer.returnZero {
		return "", nil
	}
	if err := renewer.store.SaveAccessToken(ctx, renewer.newAccess); err != nil {
		return "", err
	}
	if err := renewer.store.SaveRefreshToken(ctx, renewer.newRefresh); err != nil {
		return "", err
	}
	return renewer.newAccess, nil
}

// guardlikeTransport emulates the guard+server pair: it attaches the cached
// token the way the expiry guard does and accepts only validTokens.
type guardlikeTransport struct {
	store       *CredentialStore
	mutex       sync.Mutex
	validTokens map[string]bool
	calls       int
}

func (transport *guardlikeTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	authorized := request.Clone(request.Context())
	if token := bearerToken(request); token == "" {
		if cached, present := transport.store.AccessTokenSync(); present {
			authorized.Header.Set(authorizationHeader, bearerPrefix+cached)
		}
	}
	transport.mutex.Lock()
	transport.calls++
	accepted := transport.validTokens[bearerToken(authorized)]
	transport.mutex.Unlock()
	if accepted {
		return okResponse(authorized), nil
	}
	return unauthorizedResponse(authorized), nil
}

func seedStaleCredentials(t *testing.T, store *CredentialStore) {
	t.Helper()
	if err := store.SaveAccessToken(context.Background(), "stale-access"); err != nil {
		t.Fatalf("seed access: %v", err)
	}
	if err := store.SaveRefreshToken(context.Background(), "refresh-1"); err != nil {
		t.Fatalf("seed refresh: %v", err)
	}
}

func TestCoordinatorSingleFlightRenewal(t *testing.T) {
	store, _ := newTestStore(t)
	seedStaleCredentials(t, store)

	renewer := &countingRenewer{
		store:      store,
		delay:      20 * time.Millisecond,
		newAccess:  "fresh-access",
		newRefresh: "refresh-2",
	}
	transport := &guardlikeTransport{
		store:       store,
		validTokens: map[string]bool{"fresh-access": true},
	}
	coordinator := NewRenewalCoordinator(transport, store, renewer, DefaultClientConfig(), zaptest.NewLogger(t), nil)

	const concurrentRequests = 8
	var waitGroup sync.WaitGroup
	statuses := make([]int, concurrentRequests)
	failures := make([]error, concurrentRequests)
	for index := 0; index < concurrentRequests; index++ {
		waitGroup.Add(1)
		go func(slot int) {
			defer waitGroup.Done()
			request := httptest.NewRequest(http.MethodGet, "https://api.example.com/api/items", nil)
			response, err := coordinator.RoundTrip(request)
			if err != nil {
				failures[slot] = err
				return
			}
			statuses[slot] = response.StatusCode
		}(index)
	}
	waitGroup.Wait()

	for slot, failure := range failures {
		if failure != nil {
			t.Fatalf("request %d failed: %v", slot, failure)
		}
	}
	for slot, status := range statuses {
		if status != http.StatusOK {
			t.Fatalf("request %d got status %d", slot, status)
		}
	}
	if renewalCalls := renewer.calls.Load(); renewalCalls != 1 {
		t.Fatalf("expected exactly one renewal call, got %d", renewalCalls)
	}
}

func TestCoordinatorLoopBound(t *testing.T) {
	store, _ := newTestStore(t)
	seedStaleCredentials(t, store)

	// the server rejects every token, including renewed ones
	renewer := &countingRenewer{store: store, newAccess: "fresh-access", newRefresh: "refresh-2"}
	transport := &guardlikeTransport{store: store, validTokens: map[string]bool{}}
	coordinator := NewRenewalCoordinator(transport, store, renewer, DefaultClientConfig(), zaptest.NewLogger(t), nil)

	request := httptest.NewRequest(http.MethodGet, "https://api.example.com/api/items", nil)
	response, err := coordinator.RoundTrip(request)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected propagated 401, got %d", response.StatusCode)
	}
	// three total authorization attempts: the original plus two retries
	if transport.calls != 3 {
		t.Fatalf("expected 3 authorization attempts, got %d", transport.calls)
	}
	if renewalCalls := renewer.calls.Load(); renewalCalls != 2 {
		t.Fatalf("expected 2 renewal calls before giving up, got %d", renewalCalls)
	}
}

func TestCoordinatorMissingRefreshTokenClearsCredentials(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.SaveAccessToken(context.Background(), "stale-access"); err != nil {
		t.Fatalf("seed access: %v", err)
	}

	renewer := &countingRenewer{store: store, newAccess: "fresh-access", newRefresh: "refresh-2"}
	transport := &guardlikeTransport{store: store, validTokens: map[string]bool{}}
	coordinator := NewRenewalCoordinator(transport, store, renewer, DefaultClientConfig(), zaptest.NewLogger(t), nil)

	request := httptest.NewRequest(http.MethodGet, "https://api.example.com/api/items", nil)
	_, err := coordinator.RoundTrip(request)
	if !errors.Is(err, ErrMissingRefreshToken) {
		t.Fatalf("expected ErrMissingRefreshToken, got %v", err)
	}
	if renewalCalls := renewer.calls.Load(); renewalCalls != 0 {
		t.Fatalf("renewal must not run without a refresh token, got %d calls", renewalCalls)
	}
	if _, present := store.AccessTokenSync(); present {
		t.Fatalf("expected credentials cleared")
	}
}

func TestCoordinatorRenewalFailureClearsCredentials(t *testing.T) {
	store, _ := newTestStore(t)
	seedStaleCredentials(t, store)

	renewalFailure := errors.New("authority unreachable")
	renewer := &countingRenewer{store: store, fail: renewalFailure}
	transport := &guardlikeTransport{store: store, validTokens: map[string]bool{}}
	coordinator := NewRenewalCoordinator(transport, store, renewer, DefaultClientConfig(), zaptest.NewLogger(t), nil)

	request := httptest.NewRequest(http.MethodGet, "https://api.example.com/api/items", nil)
	_, err := coordinator.RoundTrip(request)
	if !errors.Is(err, renewalFailure) {
		t.Fatalf("expected wrapped renewal failure, got %v", err)
	}
	if _, present := store.AccessTokenSync(); present {
		t.Fatalf("expected credentials cleared after renewal failure")
	}
	authenticated, authErr := store.IsAuthenticated(context.Background())
	if authErr != nil {
		t.Fatalf("is authenticated: %v", authErr)
	}
	if authenticated {
		t.Fatalf("expected unauthenticated after renewal failure")
	}
}

func TestCoordinatorEmptyRenewalResultClearsCredentials(t *testing.T) {
	store, _ := newTestStore(t)
	seedStaleCredentials(t, store)

	renewer := &countingRenewer{store: store, returnZero: true}
	transport := &guardlikeTransport{store: store, validTokens: map[string]bool{}}
	coordinator := NewRenewalCoordinator(transport, store, renewer, DefaultClientConfig(), zaptest.NewLogger(t), nil)

	request := httptest.NewRequest(http.MethodGet, "https://api.example.com/api/items", nil)
	_, err := coordinator.RoundTrip(request)
	if !errors.Is(err, ErrRenewalRejected) {
		t.Fatalf("expected ErrRenewalRejected, got %v", err)
	}
	if _, present := store.AccessTokenSync(); present {
		t.Fatalf("expected credentials cleared after empty renewal result")
	}
}

func TestCoordinatorExemptPathPropagatesUnauthorized(t *testing.T) {
	store, _ := newTestStore(t)
	seedStaleCredentials(t, store)

	renewer := &countingRenewer{store: store, newAccess: "fresh-access", newRefresh: "refresh-2"}
	transport := &guardlikeTransport{store: store, validTokens: map[string]bool{}}
	coordinator := NewRenewalCoordinator(transport, store, renewer, DefaultClientConfig(), zaptest.NewLogger(t), nil)

	request := httptest.NewRequest(http.MethodPost, "https://api.example.com/auth/login", nil)
	response, err := coordinator.RoundTrip(request)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected propagated 401, got %d", response.StatusCode)
	}
	if renewalCalls := renewer.calls.Load(); renewalCalls != 0 {
		t.Fatalf("exempt path must not trigger renewal, got %d calls", renewalCalls)
	}
}

func TestCoordinatorReusesTokenRenewedByConcurrentRequest(t *testing.T) {
	store, _ := newTestStore(t)
	seedStaleCredentials(t, store)

	// another request already rotated the credentials; the failed request
	// still carries the stale token
	if err := store.SaveAccessToken(context.Background(), "fresh-access"); err != nil {
		t.Fatalf("rotate access: %v", err)
	}

	renewer := &countingRenewer{store: store, newAccess: "never-used", newRefresh: "never-used"}
	transport := &guardlikeTransport{store: store, validTokens: map[string]bool{"fresh-access": true}}
	coordinator := NewRenewalCoordinator(transport, store, renewer, DefaultClientConfig(), zaptest.NewLogger(t), nil)

	failedRequest := httptest.NewRequest(http.MethodGet, "https://api.example.com/api/items", nil)
	failedRequest.Header.Set(authorizationHeader, bearerPrefix+"stale-access")
	response, err := coordinator.RoundTrip(failedRequest)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after reuse, got %d", response.StatusCode)
	}
	if renewalCalls := renewer.calls.Load(); renewalCalls != 0 {
		t.Fatalf("expected no renewal when the token already rotated, got %d calls", renewalCalls)
	}
}
