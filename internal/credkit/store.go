package credkit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// credentialSnapshot is the immutable in-memory view of the credential record.
// Updates replace the whole snapshot; readers always observe a fully-formed
// value through an atomic load.
type credentialSnapshot struct {
	accessToken           string
	refreshToken          string
	userID                string
	issuedAtMillis        int64
	accessLifespanMillis  int64
	refreshLifespanMillis int64
	hasAccessToken        bool
	hasRefreshToken       bool
	hasUserID             bool

	// cacheDropped marks a snapshot emptied by ClearMemoryCache: the durable
	// record still exists, the plaintext was just evicted from memory.
	cacheDropped bool
}

// AccessTokenUpdate is one element of the ObserveAccessToken stream.
type AccessTokenUpdate struct {
	Token   string
	Present bool
}

const clearDurableTimeout = 10 * time.Second

// CredentialStore owns the encrypted durable credential record and its
// in-memory cache. Decrypted plaintext exists only inside the store's
// read/write paths and the cache; it is never logged. All encryption and
// decryption failures are fail-closed: the store never falls back to an
// unencrypted read or write.
type CredentialStore struct {
	keyring  Keyring
	sealer   *aeadSealer
	logger   *zap.Logger
	metrics  MetricsRecorder
	snapshot atomic.Pointer[credentialSnapshot]

	// writeMutex serializes snapshot replacement; readers are lock-free.
	writeMutex sync.Mutex

	observerMutex  sync.Mutex
	observers      map[int]chan AccessTokenUpdate
	nextObserverID int

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// NewCredentialStore derives the data key from the master key source, primes
// the cache from durable storage, and starts the background cache-sync loop.
// Close must be called to stop the loop.
func NewCredentialStore(ctx context.Context, ring Keyring, keySource MasterKeySource, log *zap.Logger, metrics MetricsRecorder) (*CredentialStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	masterKey, keyErr := keySource.MasterKey(ctx)
	if keyErr != nil {
		return nil, fmt.Errorf("credstore.new: %w", keyErr)
	}
	sealer, sealerErr := newAEADSealer(masterKey)
	if sealerErr != nil {
		return nil, fmt.Errorf("credstore.new: %w", sealerErr)
	}

	store := &CredentialStore{
		keyring:   ring,
		sealer:    sealer,
		logger:    log,
		metrics:   metrics,
		observers: make(map[int]chan AccessTokenUpdate),
	}
	store.snapshot.Store(&credentialSnapshot{})

	if reloadErr := store.reloadCache(ctx); reloadErr != nil {
		return nil, fmt.Errorf("credstore.new: %w", reloadErr)
	}

	syncCtx, syncCancel := context.WithCancel(context.Background())
	store.syncCancel = syncCancel
	store.syncDone = make(chan struct{})
	go store.runCacheSync(syncCtx)

	return store, nil
}

// Close stops the background cache-sync loop. The keyring is not closed; the
// caller that opened it owns it.
func (store *CredentialStore) Close() {
	if store.syncCancel != nil {
		store.syncCancel()
		<-store.syncDone
	}
}

// runCacheSync keeps the in-memory cache in step with durable storage. It is
// the only long-lived writer into the cache besides the save paths.
func (store *CredentialStore) runCacheSync(ctx context.Context) {
	defer close(store.syncDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-store.keyring.Updates():
			if err := store.reloadCache(ctx); err != nil && ctx.Err() == nil {
				store.logger.Error("credential cache sync failed", zap.Error(err))
			}
		}
	}
}

// reloadCache reads the durable record, decrypts each field, and replaces the
// whole cache snapshot. A field that fails to decrypt is cleared from the
// cache and counted; the plaintext fallback path does not exist.
func (store *CredentialStore) reloadCache(ctx context.Context) error {
	entries, loadErr := store.keyring.Load(ctx)
	if loadErr != nil {
		return fmt.Errorf("credstore.reload: %w", loadErr)
	}
	next := &credentialSnapshot{}

	next.accessToken, next.hasAccessToken = store.openField(entries, keyAccessTokenCiphertext)
	next.refreshToken, next.hasRefreshToken = store.openField(entries, keyRefreshTokenCiphertext)
	next.userID, next.hasUserID = store.openField(entries, keyUserIDCiphertext)
	next.issuedAtMillis = parseMillis(entries[keyIssuedAtMillis])
	next.accessLifespanMillis = parseMillis(entries[keyAccessLifespanMillis])
	next.refreshLifespanMillis = parseMillis(entries[keyRefreshLifespanMillis])

	store.replaceSnapshot(func(snapshot *credentialSnapshot) {
		*snapshot = *next
	})
	return nil
}

func (store *CredentialStore) openField(entries map[string]string, entryKey string) (string, bool) {
	ciphertext, present := entries[entryKey]
	if !present || ciphertext == "" {
		return "", false
	}
	plaintext, openErr := store.sealer.open(ciphertext)
	if openErr != nil {
		store.metrics.Increment(MetricCacheDecryptFailed)
		store.logger.Error("credential field failed decryption; clearing from cache",
			zap.String("entry_key", entryKey))
		return "", false
	}
	return plaintext, true
}

func parseMillis(raw string) int64 {
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return value
}

// replaceSnapshot applies the mutation to a copy of the current snapshot and
// atomically publishes the copy. Observers are notified when the access token
// view changed.
func (store *CredentialStore) replaceSnapshot(mutate func(*credentialSnapshot)) {
	store.writeMutex.Lock()
	previous := store.snapshot.Load()
	next := &credentialSnapshot{}
	if previous != nil {
		*next = *previous
	}
	mutate(next)
	store.snapshot.Store(next)
	accessChanged := previous == nil ||
		previous.hasAccessToken != next.hasAccessToken ||
		previous.accessToken != next.accessToken
	update := AccessTokenUpdate{Token: next.accessToken, Present: next.hasAccessToken}
	store.writeMutex.Unlock()

	if accessChanged {
		store.notifyObservers(update)
	}
}

// SaveAccessToken encrypts and persists the access token. The in-memory cache
// reflects the new value before the durable write is attempted, so the
// synchronous getters are consistent as soon as this returns.
func (store *CredentialStore) SaveAccessToken(ctx context.Context, accessToken string) error {
	sealed, sealErr := store.sealer.seal(accessToken)
	if sealErr != nil {
		return fmt.Errorf("credstore.save_access: %w", sealErr)
	}
	store.replaceSnapshot(func(snapshot *credentialSnapshot) {
		snapshot.accessToken = accessToken
		snapshot.hasAccessToken = true
	})
	if putErr := store.keyring.Put(ctx, map[string]string{keyAccessTokenCiphertext: sealed}); putErr != nil {
		return fmt.Errorf("credstore.save_access: %w", putErr)
	}
	return nil
}

// SaveRefreshToken encrypts and persists the refresh token with the same
// cache-first guarantee as SaveAccessToken.
func (store *CredentialStore) SaveRefreshToken(ctx context.Context, refreshToken string) error {
	sealed, sealErr := store.sealer.seal(refreshToken)
	if sealErr != nil {
		return fmt.Errorf("credstore.save_refresh: %w", sealErr)
	}
	store.replaceSnapshot(func(snapshot *credentialSnapshot) {
		snapshot.refreshToken = refreshToken
		snapshot.hasRefreshToken = true
	})
	if putErr := store.keyring.Put(ctx, map[string]string{keyRefreshTokenCiphertext: sealed}); putErr != nil {
		return fmt.Errorf("credstore.save_refresh: %w", putErr)
	}
	return nil
}

// SaveUserID encrypts and persists the user identifier.
func (store *CredentialStore) SaveUserID(ctx context.Context, userID string) error {
	sealed, sealErr := store.sealer.seal(userID)
	if sealErr != nil {
		return fmt.Errorf("credstore.save_user_id: %w", sealErr)
	}
	store.replaceSnapshot(func(snapshot *credentialSnapshot) {
		snapshot.userID = userID
		snapshot.hasUserID = true
	})
	if putErr := store.keyring.Put(ctx, map[string]string{keyUserIDCiphertext: sealed}); putErr != nil {
		return fmt.Errorf("credstore.save_user_id: %w", putErr)
	}
	return nil
}

// SaveMetadata persists the issued-at instant and both lifespans. The values
// are plaintext integers; only token and user id values are ciphertext.
func (store *CredentialStore) SaveMetadata(ctx context.Context, issuedAtMillis int64, accessLifespanMillis int64, refreshLifespanMillis int64) error {
	store.replaceSnapshot(func(snapshot *credentialSnapshot) {
		snapshot.issuedAtMillis = issuedAtMillis
		snapshot.accessLifespanMillis = accessLifespanMillis
		snapshot.refreshLifespanMillis = refreshLifespanMillis
	})
	entries := map[string]string{
		keyIssuedAtMillis:        strconv.FormatInt(issuedAtMillis, 10),
		keyAccessLifespanMillis:  strconv.FormatInt(accessLifespanMillis, 10),
		keyRefreshLifespanMillis: strconv.FormatInt(refreshLifespanMillis, 10),
	}
	if putErr := store.keyring.Put(ctx, entries); putErr != nil {
		return fmt.Errorf("credstore.save_metadata: %w", putErr)
	}
	return nil
}

// AccessTokenSync returns the cached access token. It never blocks and never
// touches durable storage; safe from synchronous pipeline callbacks.
func (store *CredentialStore) AccessTokenSync() (string, bool) {
	snapshot := store.snapshot.Load()
	return snapshot.accessToken, snapshot.hasAccessToken
}

// RefreshTokenSync returns the cached refresh token without blocking.
func (store *CredentialStore) RefreshTokenSync() (string, bool) {
	snapshot := store.snapshot.Load()
	return snapshot.refreshToken, snapshot.hasRefreshToken
}

// UserIDSync returns the cached user identifier without blocking.
func (store *CredentialStore) UserIDSync() (string, bool) {
	snapshot := store.snapshot.Load()
	return snapshot.userID, snapshot.hasUserID
}

// AccessMetadataSync returns the cached issued-at instant and access lifespan
// in milliseconds. Zero values mean the cache is not yet populated.
func (store *CredentialStore) AccessMetadataSync() (int64, int64) {
	snapshot := store.snapshot.Load()
	return snapshot.issuedAtMillis, snapshot.accessLifespanMillis
}

// AccessTokenDurable reads the access token from durable storage, decrypting
// it and repopulating the cache as a side effect. Used by callers that can
// suspend and must see the durable truth even after ClearMemoryCache.
func (store *CredentialStore) AccessTokenDurable(ctx context.Context) (string, bool, error) {
	if reloadErr := store.reloadCache(ctx); reloadErr != nil {
		return "", false, reloadErr
	}
	token, present := store.AccessTokenSync()
	return token, present, nil
}

// RefreshTokenDurable reads the refresh token from durable storage with the
// same repopulation behavior as AccessTokenDurable.
func (store *CredentialStore) RefreshTokenDurable(ctx context.Context) (string, bool, error) {
	if reloadErr := store.reloadCache(ctx); reloadErr != nil {
		return "", false, reloadErr
	}
	token, present := store.RefreshTokenSync()
	return token, present, nil
}

// IsAuthenticated reports whether both token ciphertexts are simultaneously
// present in durable storage. A freshly cleared cache short-circuits to
// false so a logout is observable before the durable deletion lands.
func (store *CredentialStore) IsAuthenticated(ctx context.Context) (bool, error) {
	snapshot := store.snapshot.Load()
	if !snapshot.cacheDropped && !snapshot.hasAccessToken && !snapshot.hasRefreshToken {
		return false, nil
	}
	entries, loadErr := store.keyring.Load(ctx)
	if loadErr != nil {
		return false, fmt.Errorf("credstore.is_authenticated: %w", loadErr)
	}
	return entries[keyAccessTokenCiphertext] != "" && entries[keyRefreshTokenCiphertext] != "", nil
}

// ObserveAccessToken returns a stream of access token updates, beginning with
// the current value. The stream closes when ctx is cancelled.
func (store *CredentialStore) ObserveAccessToken(ctx context.Context) <-chan AccessTokenUpdate {
	updates := make(chan AccessTokenUpdate, 16)

	store.observerMutex.Lock()
	observerID := store.nextObserverID
	store.nextObserverID++
	store.observers[observerID] = updates
	store.observerMutex.Unlock()

	snapshot := store.snapshot.Load()
	updates <- AccessTokenUpdate{Token: snapshot.accessToken, Present: snapshot.hasAccessToken}

	go func() {
		<-ctx.Done()
		store.observerMutex.Lock()
		delete(store.observers, observerID)
		store.observerMutex.Unlock()
		close(updates)
	}()

	return updates
}

func (store *CredentialStore) notifyObservers(update AccessTokenUpdate) {
	store.observerMutex.Lock()
	defer store.observerMutex.Unlock()
	for _, observer := range store.observers {
		select {
		case observer <- update:
		default:
			// slow observer; drop rather than block the write path
		}
	}
}

// ClearCredentials clears the in-memory cache synchronously and removes the
// durable record in the background. The synchronous getters report absent
// before this returns, even though persistence is eventual.
func (store *CredentialStore) ClearCredentials() {
	store.replaceSnapshot(func(snapshot *credentialSnapshot) {
		*snapshot = credentialSnapshot{}
	})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), clearDurableTimeout)
		defer cancel()
		if err := store.clearDurable(ctx); err != nil {
			store.logger.Error("durable credential clear failed", zap.Error(err))
		}
	}()
}

// ClearCredentialsBlocking clears the cache and waits for the durable
// deletion; used by command-line tooling that exits immediately after.
func (store *CredentialStore) ClearCredentialsBlocking(ctx context.Context) error {
	store.replaceSnapshot(func(snapshot *credentialSnapshot) {
		*snapshot = credentialSnapshot{}
	})
	return store.clearDurable(ctx)
}

func (store *CredentialStore) clearDurable(ctx context.Context) error {
	if err := store.keyring.Delete(ctx, allRecordKeys()...); err != nil {
		return fmt.Errorf("credstore.clear: %w", err)
	}
	return nil
}

// ClearMemoryCache drops only the in-memory cache, shrinking the window in
// which decrypted secrets live in process memory. Durable storage is
// untouched; the cache repopulates on the next durable read or update.
func (store *CredentialStore) ClearMemoryCache() {
	store.replaceSnapshot(func(snapshot *credentialSnapshot) {
		*snapshot = credentialSnapshot{cacheDropped: true}
	})
}

// DropCacheOn clears the memory cache each time the events channel fires,
// typically wired to a process-backgrounding or suspend signal.
func (store *CredentialStore) DropCacheOn(ctx context.Context, events <-chan struct{}) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, open := <-events:
				if !open {
					return
				}
				store.ClearMemoryCache()
			}
		}
	}()
}
