package devauthd

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRefreshStoreIssueValidateRevoke(t *testing.T) {
	t.Parallel()
	store := NewMemoryRefreshStore()

	tokenID, opaque, issueErr := store.Issue(context.Background(), "user-1", time.Now().Add(time.Hour).Unix(), "")
	if issueErr != nil {
		t.Fatalf("issue: %v", issueErr)
	}
	if tokenID == "" || opaque == "" {
		t.Fatalf("expected non-empty token id and opaque value")
	}

	userID, validatedID, validateErr := store.Validate(context.Background(), opaque)
	if validateErr != nil {
		t.Fatalf("validate: %v", validateErr)
	}
	if userID != "user-1" || validatedID != tokenID {
		t.Fatalf("unexpected validation result: %s %s", userID, validatedID)
	}

	if revokeErr := store.Revoke(context.Background(), tokenID); revokeErr != nil {
		t.Fatalf("revoke: %v", revokeErr)
	}
	if _, _, err := store.Validate(context.Background(), opaque); !errors.Is(err, ErrRefreshTokenRevoked) {
		t.Fatalf("expected ErrRefreshTokenRevoked, got %v", err)
	}
	// revoking twice is idempotent
	if revokeErr := store.Revoke(context.Background(), tokenID); revokeErr != nil {
		t.Fatalf("second revoke: %v", revokeErr)
	}
}

func TestMemoryRefreshStoreErrors(t *testing.T) {
	t.Parallel()
	store := NewMemoryRefreshStore()

	if _, _, err := store.Validate(context.Background(), ""); !errors.Is(err, ErrRefreshTokenEmptyOpaque) {
		t.Fatalf("expected ErrRefreshTokenEmptyOpaque, got %v", err)
	}
	if _, _, err := store.Validate(context.Background(), "missing"); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("expected ErrRefreshTokenNotFound, got %v", err)
	}
	if err := store.Revoke(context.Background(), "missing"); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("expected ErrRefreshTokenNotFound on revoke, got %v", err)
	}
}

func TestMemoryRefreshStoreExpiry(t *testing.T) {
	t.Parallel()
	store := NewMemoryRefreshStore()
	current := time.Unix(1000000, 0)
	store.now = func() time.Time { return current }

	_, opaque, issueErr := store.Issue(context.Background(), "user-1", current.Add(time.Minute).Unix(), "")
	if issueErr != nil {
		t.Fatalf("issue: %v", issueErr)
	}

	current = current.Add(2 * time.Minute)
	if _, _, err := store.Validate(context.Background(), opaque); !errors.Is(err, ErrRefreshTokenExpired) {
		t.Fatalf("expected ErrRefreshTokenExpired, got %v", err)
	}
}
