// Package authority is the service-specific layer that knows how to talk to
// the token authority. It implements the credkit renewal port and persists
// renewed credentials into the store, closing the dependency-inversion loop:
// the generic pipeline triggers renewal without ever importing this package.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tyemirov/tcred/internal/credkit"
	"go.uber.org/zap"
)

const renewPath = "/auth/renew"

var (
	// ErrRenewalRejected indicates the authority refused the refresh token.
	ErrRenewalRejected = errors.New("authority.renew.rejected")
	// ErrMalformedRenewal indicates the authority returned an unusable payload.
	ErrMalformedRenewal = errors.New("authority.renew.malformed_response")
	errEmptyBaseURL     = errors.New("authority.empty_base_url")
	errNilStore         = errors.New("authority.nil_store")
)

// Client renews credentials against the token authority.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      *credkit.CredentialStore
	clock      credkit.MonotonicClock
	logger     *zap.Logger
}

// NewClient constructs an authority client. The supplied http.Client should
// be the pipeline client: the renewal path is credential-exempt, so renewal
// calls pass through the pipeline without recursing into it.
func NewClient(baseURL string, httpClient *http.Client, store *credkit.CredentialStore, clock credkit.MonotonicClock, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("authority.new: %w", errEmptyBaseURL)
	}
	if store == nil {
		return nil, fmt.Errorf("authority.new: %w", errNilStore)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if clock == nil {
		clock = credkit.NewSystemMonotonicClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		store:      store,
		clock:      clock,
		logger:     log,
	}, nil
}

type renewRequestBody struct {
	RefreshToken string `json:"refresh_token"`
}

type credentialGrant struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	AccessLifespanMillis  int64  `json:"access_lifespan_ms"`
	RefreshLifespanMillis int64  `json:"refresh_lifespan_ms"`
	UserID                string `json:"user_id"`
}

// RenewSync exchanges the refresh token for a fresh credential pair and
// persists the whole record before returning the new access token, so
// concurrent pipeline waiters observe the rotation immediately.
func (client *Client) RenewSync(ctx context.Context, refreshToken string) (string, error) {
	payload, marshalErr := json.Marshal(renewRequestBody{RefreshToken: refreshToken})
	if marshalErr != nil {
		return "", fmt.Errorf("authority.renew.encode: %w", marshalErr)
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+renewPath, bytes.NewReader(payload))
	if requestErr != nil {
		return "", fmt.Errorf("authority.renew.request: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/json")

	response, callErr := client.httpClient.Do(request)
	if callErr != nil {
		return "", fmt.Errorf("authority.renew.call: %w", callErr)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		client.logger.Warn("authority rejected renewal", zap.Int("status", response.StatusCode))
		return "", fmt.Errorf("authority.renew.status_%d: %w", response.StatusCode, ErrRenewalRejected)
	}

	var grant credentialGrant
	if decodeErr := json.NewDecoder(response.Body).Decode(&grant); decodeErr != nil {
		return "", fmt.Errorf("authority.renew.decode: %w", ErrMalformedRenewal)
	}
	if strings.TrimSpace(grant.AccessToken) == "" || strings.TrimSpace(grant.RefreshToken) == "" {
		return "", fmt.Errorf("authority.renew.empty_tokens: %w", ErrMalformedRenewal)
	}

	if persistErr := client.persistGrant(ctx, grant); persistErr != nil {
		return "", persistErr
	}
	client.logger.Info("credentials renewed",
		zap.Int("access_token_length", len(grant.AccessToken)),
		zap.Int64("access_lifespan_ms", grant.AccessLifespanMillis),
	)
	return grant.AccessToken, nil
}

// persistGrant writes the renewed record into the store: tokens and user id
// under encryption, metadata stamped with the client's own monotonic clock.
func (client *Client) persistGrant(ctx context.Context, grant credentialGrant) error {
	if err := client.store.SaveAccessToken(ctx, grant.AccessToken); err != nil {
		return fmt.Errorf("authority.renew.persist_access: %w", err)
	}
	if err := client.store.SaveRefreshToken(ctx, grant.RefreshToken); err != nil {
		return fmt.Errorf("authority.renew.persist_refresh: %w", err)
	}
	if strings.TrimSpace(grant.UserID) != "" {
		if err := client.store.SaveUserID(ctx, grant.UserID); err != nil {
			return fmt.Errorf("authority.renew.persist_user_id: %w", err)
		}
	}
	if err := client.store.SaveMetadata(ctx, client.clock.NowMillis(), grant.AccessLifespanMillis, grant.RefreshLifespanMillis); err != nil {
		return fmt.Errorf("authority.renew.persist_metadata: %w", err)
	}
	return nil
}

const issuePath = "/auth/issue"

type issueRequestBody struct {
	UserID string `json:"user_id"`
}

// Bootstrap obtains an initial credential pair from the dev authority's issue
// endpoint and persists it. Development tooling only; production clients
// receive their first pair from the login flow, which is out of scope here.
func (client *Client) Bootstrap(ctx context.Context, userID string) error {
	payload, marshalErr := json.Marshal(issueRequestBody{UserID: userID})
	if marshalErr != nil {
		return fmt.Errorf("authority.bootstrap.encode: %w", marshalErr)
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+issuePath, bytes.NewReader(payload))
	if requestErr != nil {
		return fmt.Errorf("authority.bootstrap.request: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/json")

	response, callErr := client.httpClient.Do(request)
	if callErr != nil {
		return fmt.Errorf("authority.bootstrap.call: %w", callErr)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("authority.bootstrap.status_%d: %w", response.StatusCode, ErrRenewalRejected)
	}
	var grant credentialGrant
	if decodeErr := json.NewDecoder(response.Body).Decode(&grant); decodeErr != nil {
		return fmt.Errorf("authority.bootstrap.decode: %w", ErrMalformedRenewal)
	}
	if strings.TrimSpace(grant.AccessToken) == "" || strings.TrimSpace(grant.RefreshToken) == "" {
		return fmt.Errorf("authority.bootstrap.empty_tokens: %w", ErrMalformedRenewal)
	}
	return client.persistGrant(ctx, grant)
}
