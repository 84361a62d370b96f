package credkit

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisKeyring persists the credential record as a Redis hash keyed by the
// namespace. Intended for clients that share one credential cache across
// processes; change signals remain process-local.
type RedisKeyring struct {
	keyringNotifier
	client    *redis.Client
	namespace string
}

// NewRedisKeyring connects to the given redis:// URL and verifies the
// connection with a ping.
func NewRedisKeyring(ctx context.Context, redisURL string, namespace string) (*RedisKeyring, error) {
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("keyring.redis.parse_url: %w", parseErr)
	}
	if strings.TrimSpace(namespace) == "" {
		namespace = DefaultKeyringNamespace
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("keyring.redis.ping: %w", pingErr)
	}
	return &RedisKeyring{
		keyringNotifier: newKeyringNotifier(),
		client:          client,
		namespace:       namespace,
	}, nil
}

// NewRedisKeyringFromClient wraps an existing client; used by tests.
func NewRedisKeyringFromClient(client *redis.Client, namespace string) *RedisKeyring {
	if strings.TrimSpace(namespace) == "" {
		namespace = DefaultKeyringNamespace
	}
	return &RedisKeyring{
		keyringNotifier: newKeyringNotifier(),
		client:          client,
		namespace:       namespace,
	}
}

// Put stores the given entries in the namespace hash.
func (ring *RedisKeyring) Put(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	flattened := make([]interface{}, 0, len(entries)*2)
	for entryKey, entryValue := range entries {
		flattened = append(flattened, entryKey, entryValue)
	}
	if err := ring.client.HSet(ctx, ring.namespace, flattened...).Err(); err != nil {
		return fmt.Errorf("keyring.redis.put: %w", err)
	}
	ring.notify()
	return nil
}

// Load returns every entry in the namespace hash.
func (ring *RedisKeyring) Load(ctx context.Context) (map[string]string, error) {
	entries, err := ring.client.HGetAll(ctx, ring.namespace).Result()
	if err != nil {
		return nil, fmt.Errorf("keyring.redis.load: %w", err)
	}
	return entries, nil
}

// Delete removes the given fields from the namespace hash.
func (ring *RedisKeyring) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := ring.client.HDel(ctx, ring.namespace, keys...).Err(); err != nil {
		return fmt.Errorf("keyring.redis.delete: %w", err)
	}
	ring.notify()
	return nil
}

// Close closes the underlying Redis client.
func (ring *RedisKeyring) Close() error {
	return ring.client.Close()
}
