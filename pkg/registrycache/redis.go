package registrycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
)

const keyPrefix = "echocrypt:reg:"

// redisPutScript writes an entry unless it would replace a CONFIRMED one.
// KEYS[1] = entry key
// ARGV[1] = new status
// ARGV[2] = encoded entry
var redisPutScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "status")
if cur == "CONFIRMED" and ARGV[1] ~= "CONFIRMED" then
    return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[1], "entry", ARGV[2])
return 1
`)

// Redis is a Cache shared between registry instances.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis connects using a redis:// URL.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("registrycache: parse redis url: %w", err)
	}
	return NewRedisWithClient(redis.NewClient(opts)), nil
}

func NewRedisWithClient(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func key(fp fingerprint.Fingerprint) string {
	return keyPrefix + fp.Hex()
}

func (r *Redis) Get(ctx context.Context, fp fingerprint.Fingerprint) (Entry, bool, error) {
	raw, err := r.client.HGet(ctx, key(fp), "entry").Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// A corrupt entry is a miss; the ledger is authoritative.
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (r *Redis) Put(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("registrycache: encode entry: %w", err)
	}
	status := string(e.Registration.Status)
	if status == "" {
		status = string(contracts.StatusPending)
	}
	if err := redisPutScript.Run(ctx, r.client, []string{key(e.Registration.Fingerprint)}, status, raw).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, fp fingerprint.Fingerprint) error {
	if err := r.client.Del(ctx, key(fp)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
