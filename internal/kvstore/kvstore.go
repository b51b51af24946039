// Package kvstore wraps the shared Redis key-value store (spec §3, §6):
// access timestamps, deployment activation/crash-loop flags, certificate
// material, and ACME rate-limit cooldowns. Every write is a single command
// (the certificate/key pair goes out in one pipeline); access records carry
// no TTL, every other key does. No cross-key transactions are required.
package kvstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activeTTL      = 24 * time.Hour
	crashloopTTL   = 24 * time.Hour
	certTTL        = 85 * 24 * time.Hour
	defaultRateLimitCooldown = time.Hour
)

// Store wraps a Redis client with the key schema spec.md §6 defines.
type Store struct {
	rdb *redis.Client
}

// Config mirrors the config.Config fields the KV store needs.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection with a ping, in the
// same fail-fast style as the platform client construction it is grounded on.
func New(ctx context.Context, cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error { return s.rdb.Close() }

// Raw exposes the underlying client for the queue package, which needs
// list operations not modeled here.
func (s *Store) Raw() *redis.Client { return s.rdb }

func accessKey(namespace, deployment string) string {
	return fmt.Sprintf("service:access:%s:%s", namespace, deployment)
}

func statusKey(namespace, deployment string) string {
	return fmt.Sprintf("deployment:status:%s:%s", namespace, deployment)
}

func crashloopKey(namespace, deployment string) string {
	return fmt.Sprintf("deployment:crashloop:%s:%s", namespace, deployment)
}

func certKey(domain string) string      { return fmt.Sprintf("cert:%s:cert", domain) }
func certKeyPriv(domain string) string  { return fmt.Sprintf("cert:%s:key", domain) }
func rateLimitKey(domain string) string { return fmt.Sprintf("cert:%s:ratelimit", domain) }

// RecordAccess sets the access record for (namespace, deployment) to now.
func (s *Store) RecordAccess(ctx context.Context, namespace, deployment string) error {
	return s.rdb.Set(ctx, accessKey(namespace, deployment), time.Now().Unix(), 0).Err()
}

// LastAccess returns the last-access epoch, or 0 if the record is absent
// (spec.md treats epoch 0 identically to "never accessed").
func (s *Store) LastAccess(ctx context.Context, namespace, deployment string) (int64, error) {
	v, err := s.rdb.Get(ctx, accessKey(namespace, deployment)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading access record: %w", err)
	}
	return strconv.ParseInt(v, 10, 64)
}

// SetActive caches the activation decision with a 24h TTL.
func (s *Store) SetActive(ctx context.Context, namespace, deployment string, active bool) error {
	val := "0"
	if active {
		val = "1"
	}
	return s.rdb.Set(ctx, statusKey(namespace, deployment), val, activeTTL).Err()
}

// Active reports the cached activation decision. The second return value
// is false if no record exists (cache miss, caller must consult the
// orchestrator directly).
func (s *Store) Active(ctx context.Context, namespace, deployment string) (active bool, ok bool, err error) {
	v, err := s.rdb.Get(ctx, statusKey(namespace, deployment)).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("reading status record: %w", err)
	}
	return v == "1", true, nil
}

// SetCrashLoop marks a deployment as crash-looping for 24h.
func (s *Store) SetCrashLoop(ctx context.Context, namespace, deployment string) error {
	return s.rdb.Set(ctx, crashloopKey(namespace, deployment), "1", crashloopTTL).Err()
}

// ClearCrashLoop removes the crash-loop flag (cleared on successful deploy).
func (s *Store) ClearCrashLoop(ctx context.Context, namespace, deployment string) error {
	return s.rdb.Del(ctx, crashloopKey(namespace, deployment)).Err()
}

// CrashLooping reports whether the crash-loop flag is set.
func (s *Store) CrashLooping(ctx context.Context, namespace, deployment string) (bool, error) {
	v, err := s.rdb.Exists(ctx, crashloopKey(namespace, deployment)).Result()
	if err != nil {
		return false, fmt.Errorf("reading crashloop flag: %w", err)
	}
	return v == 1, nil
}

// PutCertificate mirrors certificate material into the KV cache with an
// 85-day TTL (spec §3, §4.2 write cascade: Secret, then KV, then memory).
func (s *Store) PutCertificate(ctx context.Context, domain string, certPEM, keyPEM []byte) error {
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, certKey(domain), certPEM, certTTL)
	pipe.Set(ctx, certKeyPriv(domain), keyPEM, certTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("caching certificate: %w", err)
	}
	return nil
}

// GetCertificate reads the KV-cached certificate material for a domain.
// ok is false on cache miss.
func (s *Store) GetCertificate(ctx context.Context, domain string) (certPEM, keyPEM []byte, ok bool, err error) {
	pipe := s.rdb.Pipeline()
	certCmd := pipe.Get(ctx, certKey(domain))
	keyCmd := pipe.Get(ctx, certKeyPriv(domain))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, nil, false, fmt.Errorf("reading cached certificate: %w", err)
	}

	certBytes, certErr := certCmd.Bytes()
	keyBytes, keyErr := keyCmd.Bytes()
	if certErr == redis.Nil || keyErr == redis.Nil {
		return nil, nil, false, nil
	}
	if certErr != nil {
		return nil, nil, false, certErr
	}
	if keyErr != nil {
		return nil, nil, false, keyErr
	}
	return certBytes, keyBytes, true, nil
}

// SetRateLimitCooldown records an ACME rate-limit cooldown that expires at
// the given time (sentinel value with TTL = time until expiry).
func (s *Store) SetRateLimitCooldown(ctx context.Context, domain string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		ttl = defaultRateLimitCooldown
	}
	return s.rdb.Set(ctx, rateLimitKey(domain), "1", ttl).Err()
}

// RateLimited reports whether a domain is currently under an ACME cooldown.
func (s *Store) RateLimited(ctx context.Context, domain string) (bool, error) {
	v, err := s.rdb.Exists(ctx, rateLimitKey(domain)).Result()
	if err != nil {
		return false, fmt.Errorf("reading rate-limit flag: %w", err)
	}
	return v == 1, nil
}

// DefaultRateLimitCooldown is used when the ACME "retry after" hint fails to parse.
func DefaultRateLimitCooldown() time.Duration { return defaultRateLimitCooldown }
