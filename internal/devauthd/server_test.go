package devauthd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

func newTestAuthority(t *testing.T) (*httptest.Server, ServerConfig) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	configuration := ServerConfig{
		SigningKey: []byte("test-signing-key"),
		Issuer:     "tcred-dev",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}
	router := gin.New()
	MountAuthorityRoutes(router, configuration, NewMemoryRefreshStore(), zaptest.NewLogger(t))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, configuration
}

type grantPayload struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	AccessLifespanMillis  int64  `json:"access_lifespan_ms"`
	RefreshLifespanMillis int64  `json:"refresh_lifespan_ms"`
	UserID                string `json:"user_id"`
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		t.Fatalf("marshal: %v", marshalErr)
	}
	response, postErr := http.Post(url, "application/json", bytes.NewReader(payload))
	if postErr != nil {
		t.Fatalf("post %s: %v", url, postErr)
	}
	return response
}

func decodeGrant(t *testing.T, response *http.Response) grantPayload {
	t.Helper()
	defer func() { _ = response.Body.Close() }()
	var grant grantPayload
	if err := json.NewDecoder(response.Body).Decode(&grant); err != nil {
		t.Fatalf("decode grant: %v", err)
	}
	return grant
}

func TestIssueRenewWhoamiLifecycle(t *testing.T) {
	server, _ := newTestAuthority(t)

	issueResponse := postJSON(t, server.URL+"/auth/issue", map[string]string{"user_id": "user-1"})
	if issueResponse.StatusCode != http.StatusOK {
		t.Fatalf("issue status: %d", issueResponse.StatusCode)
	}
	issued := decodeGrant(t, issueResponse)
	if issued.AccessToken == "" || issued.RefreshToken == "" {
		t.Fatalf("expected full credential pair")
	}
	if issued.AccessLifespanMillis != (15 * time.Minute).Milliseconds() {
		t.Fatalf("unexpected access lifespan: %d", issued.AccessLifespanMillis)
	}

	// the issued access token opens the protected endpoint
	whoamiRequest, _ := http.NewRequest(http.MethodGet, server.URL+"/api/whoami", nil)
	whoamiRequest.Header.Set("Authorization", "Bearer "+issued.AccessToken)
	whoamiResponse, whoamiErr := http.DefaultClient.Do(whoamiRequest)
	if whoamiErr != nil {
		t.Fatalf("whoami: %v", whoamiErr)
	}
	defer func() { _ = whoamiResponse.Body.Close() }()
	if whoamiResponse.StatusCode != http.StatusOK {
		t.Fatalf("whoami status: %d", whoamiResponse.StatusCode)
	}

	// renewal rotates both tokens
	renewResponse := postJSON(t, server.URL+"/auth/renew", map[string]string{"refresh_token": issued.RefreshToken})
	if renewResponse.StatusCode != http.StatusOK {
		t.Fatalf("renew status: %d", renewResponse.StatusCode)
	}
	renewed := decodeGrant(t, renewResponse)
	if renewed.AccessToken == issued.AccessToken {
		t.Fatalf("expected a fresh access token")
	}
	if renewed.RefreshToken == issued.RefreshToken {
		t.Fatalf("expected a rotated refresh token")
	}
	if renewed.UserID != "user-1" {
		t.Fatalf("expected user carried through renewal, got %q", renewed.UserID)
	}

	// the consumed refresh token is single-use
	replayResponse := postJSON(t, server.URL+"/auth/renew", map[string]string{"refresh_token": issued.RefreshToken})
	defer func() { _ = replayResponse.Body.Close() }()
	if replayResponse.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for replayed refresh token, got %d", replayResponse.StatusCode)
	}
}

func TestWhoamiRejectsMissingAndForgedTokens(t *testing.T) {
	server, configuration := newTestAuthority(t)

	bareResponse, bareErr := http.Get(server.URL + "/api/whoami")
	if bareErr != nil {
		t.Fatalf("bare request: %v", bareErr)
	}
	defer func() { _ = bareResponse.Body.Close() }()
	if bareResponse.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", bareResponse.StatusCode)
	}

	forged, _, mintErr := MintAccessJWT("user-1", configuration.Issuer, []byte("wrong-key"), time.Minute)
	if mintErr != nil {
		t.Fatalf("mint forged: %v", mintErr)
	}
	forgedRequest, _ := http.NewRequest(http.MethodGet, server.URL+"/api/whoami", nil)
	forgedRequest.Header.Set("Authorization", "Bearer "+forged)
	forgedResponse, forgedErr := http.DefaultClient.Do(forgedRequest)
	if forgedErr != nil {
		t.Fatalf("forged request: %v", forgedErr)
	}
	defer func() { _ = forgedResponse.Body.Close() }()
	if forgedResponse.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", forgedResponse.StatusCode)
	}
}

func TestIssueValidation(t *testing.T) {
	server, _ := newTestAuthority(t)

	response := postJSON(t, server.URL+"/auth/issue", map[string]string{"user_id": " "})
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank user id, got %d", response.StatusCode)
	}
}

func TestPermissiveCORSRequiresOrigins(t *testing.T) {
	t.Parallel()
	if _, err := PermissiveCORS(nil); err == nil {
		t.Fatalf("expected error without allowed origins")
	}
	middleware, err := PermissiveCORS([]string{"https://app.example.com"})
	if err != nil {
		t.Fatalf("cors: %v", err)
	}
	if middleware == nil {
		t.Fatalf("expected middleware")
	}
}
