// Package devauthd is a development token authority: it issues and renews
// access/refresh credential pairs so the client pipeline can be exercised
// end-to-end without a production identity provider.
package devauthd

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrRefreshTokenNotFound indicates no refresh token matched the opaque value.
	ErrRefreshTokenNotFound = errors.New("devauth.refresh.not_found")
	// ErrRefreshTokenRevoked indicates the refresh token was already rotated or revoked.
	ErrRefreshTokenRevoked = errors.New("devauth.refresh.revoked")
	// ErrRefreshTokenExpired indicates the refresh token exceeded its lifespan.
	ErrRefreshTokenExpired = errors.New("devauth.refresh.expired")
	// ErrRefreshTokenEmptyOpaque indicates an empty opaque token value.
	ErrRefreshTokenEmptyOpaque = errors.New("devauth.refresh.empty_token")
)

const refreshOpaqueByteLength = 32

func generateRefreshOpaque() (string, string, error) {
	randomBytes := make([]byte, refreshOpaqueByteLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("devauth.refresh.random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// MemoryRefreshStore holds rotating single-use refresh tokens in memory.
// Tokens are stored hashed; the opaque value leaves the process exactly once,
// in the response that issued it.
type MemoryRefreshStore struct {
	mutex      sync.Mutex
	byID       map[string]*refreshRecord
	byHash     map[string]string
	sequenceID uint64
	now        func() time.Time
}

type refreshRecord struct {
	TokenID         string
	UserID          string
	Hash            string
	ExpiresUnix     int64
	RevokedAtUnix   int64
	PreviousTokenID string
	IssuedAtUnix    int64
}

// NewMemoryRefreshStore creates an empty refresh token store.
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{
		byID:   make(map[string]*refreshRecord),
		byHash: make(map[string]string),
		now:    time.Now,
	}
}

// Issue creates a new refresh token, optionally linked to the token it rotates.
func (store *MemoryRefreshStore) Issue(ctx context.Context, userID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID := store.nextIDLocked()
	opaque, hashValue, randomErr := generateRefreshOpaque()
	if randomErr != nil {
		return "", "", randomErr
	}
	record := &refreshRecord{
		TokenID:         tokenID,
		UserID:          userID,
		Hash:            hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    store.now().UTC().Unix(),
	}
	store.byID[tokenID] = record
	store.byHash[hashValue] = tokenID
	return tokenID, opaque, nil
}

// Validate resolves an opaque refresh token to its user and token id.
func (store *MemoryRefreshStore) Validate(ctx context.Context, opaque string) (string, string, error) {
	if opaque == "" {
		return "", "", ErrRefreshTokenEmptyOpaque
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID, found := store.byHash[hashOpaque(opaque)]
	if !found {
		return "", "", ErrRefreshTokenNotFound
	}
	record := store.byID[tokenID]
	if record == nil {
		return "", "", ErrRefreshTokenNotFound
	}
	if record.RevokedAtUnix != 0 {
		return "", "", ErrRefreshTokenRevoked
	}
	if time.Unix(record.ExpiresUnix, 0).Before(store.now().UTC()) {
		return "", "", ErrRefreshTokenExpired
	}
	return record.UserID, record.TokenID, nil
}

// Revoke marks a refresh token as revoked; revoking twice is a no-op.
func (store *MemoryRefreshStore) Revoke(ctx context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[tokenID]
	if record == nil {
		return ErrRefreshTokenNotFound
	}
	if record.RevokedAtUnix != 0 {
		return nil
	}
	record.RevokedAtUnix = store.now().UTC().Unix()
	return nil
}

func (store *MemoryRefreshStore) nextIDLocked() string {
	store.sequenceID++
	timestampFragment := base64.RawURLEncoding.EncodeToString([]byte(store.now().UTC().Format(time.RFC3339Nano)))
	sequenceFragment := base64.RawURLEncoding.EncodeToString([]byte{byte(store.sequenceID % 255)})
	return timestampFragment + "-" + sequenceFragment
}
