// Redis-backed Store implementation — the "remote" durable backend.
// Keys follow the "{tenant}:{kind}:{id}" layout; queues are Redis lists.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/redis/go-redis/v9"
)

// enqueueScript checks capacity and appends in one atomic step.
// Returns -1 when the queue is at capacity.
var enqueueScript = redis.NewScript(`
local depth = redis.call('LLEN', KEYS[1])
if tonumber(ARGV[2]) > 0 and depth >= tonumber(ARGV[2]) then
  return -1
end
return redis.call('RPUSH', KEYS[1], ARGV[1])
`)

// RedisStore implements Store against a remote Redis endpoint.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given endpoint ("host:port").
func NewRedisStore(endpoint string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: endpoint}),
	}
}

// NewRedisStoreFromClient wraps an existing client (tests use miniredis).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// ── KV operations ───────────────────────────────────────────

func (r *RedisStore) Get(ctx context.Context, tenant string, kind Kind, id string) ([]byte, error) {
	if err := guard(tenant, kind, id); err != nil {
		return nil, err
	}
	v, err := r.client.Get(ctx, compositeKey(tenant, kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.E(errs.KindNotFound, "%s %q not found in tenant %q", kind, id, tenant)
	}
	if err != nil {
		return nil, wrapRedis(err, "get")
	}
	return v, nil
}

func (r *RedisStore) Put(ctx context.Context, tenant string, kind Kind, id string, value []byte) error {
	if err := guard(tenant, kind, id); err != nil {
		return err
	}
	if err := r.client.Set(ctx, compositeKey(tenant, kind, id), value, 0).Err(); err != nil {
		return wrapRedis(err, "put")
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, tenant string, kind Kind, id string) error {
	if err := guard(tenant, kind, id); err != nil {
		return err
	}
	n, err := r.client.Del(ctx, compositeKey(tenant, kind, id)).Result()
	if err != nil {
		return wrapRedis(err, "delete")
	}
	if n == 0 {
		return errs.E(errs.KindNotFound, "%s %q not found in tenant %q", kind, id, tenant)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, tenant string, kind Kind) ([]Record, error) {
	if err := guard(tenant, kind, "list"); err != nil {
		return nil, err
	}

	prefix := tenant + ":" + string(kind) + ":"
	var out []Record
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		v, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, wrapRedis(err, "list")
		}
		out = append(out, Record{ID: strings.TrimPrefix(key, prefix), Value: v})
	}
	if err := iter.Err(); err != nil {
		return nil, wrapRedis(err, "list")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Queue operations ────────────────────────────────────────

func (r *RedisStore) Enqueue(ctx context.Context, tenant string, kind Kind, id string, value []byte, max int) (int, error) {
	if err := guard(tenant, kind, id); err != nil {
		return 0, err
	}
	depth, err := enqueueScript.Run(ctx, r.client, []string{compositeKey(tenant, kind, id)}, value, max).Int()
	if err != nil {
		return 0, wrapRedis(err, "enqueue")
	}
	if depth < 0 {
		return max, errs.E(errs.KindQueueFull, "queue %s/%s at capacity %d", kind, id, max).
			WithDetail("depth", max)
	}
	return depth, nil
}

func (r *RedisStore) DequeueUpTo(ctx context.Context, tenant string, kind Kind, id string, n int) ([][]byte, error) {
	if err := guard(tenant, kind, id); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = int(^uint(0) >> 1) // drain everything
	}
	vals, err := r.client.LPopCount(ctx, compositeKey(tenant, kind, id), n).Result()
	if errors.Is(err, redis.Nil) {
		return [][]byte{}, nil
	}
	if err != nil {
		return nil, wrapRedis(err, "dequeue")
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *RedisStore) Depth(ctx context.Context, tenant string, kind Kind, id string) (int, error) {
	if err := guard(tenant, kind, id); err != nil {
		return 0, err
	}
	n, err := r.client.LLen(ctx, compositeKey(tenant, kind, id)).Result()
	if err != nil {
		return 0, wrapRedis(err, "depth")
	}
	return int(n), nil
}

func (r *RedisStore) DeleteQueue(ctx context.Context, tenant string, kind Kind, id string) error {
	if err := guard(tenant, kind, id); err != nil {
		return err
	}
	if err := r.client.Del(ctx, compositeKey(tenant, kind, id)).Err(); err != nil {
		return wrapRedis(err, "delete queue")
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return wrapRedis(err, "ping")
	}
	return nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

func wrapRedis(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindCancelled, err, "redis %s cancelled", op)
	}
	return errs.Wrap(errs.KindInternal, err, "redis %s failed", op)
}
