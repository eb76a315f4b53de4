package codecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
)

const defaultRedisPrefix = "stagebridge:code:"

// RedisStore shares code entries between stages through Redis. Entries are
// written with SETNX so the first upload of a hash wins.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. An empty prefix uses "stagebridge:code:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(hash string) string { return r.prefix + hash }

func (r *RedisStore) Get(ctx context.Context, hash string) (bridge.CodeEntry, bool, error) {
	b, err := r.client.Get(ctx, r.key(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return bridge.CodeEntry{}, false, nil
	}
	if err != nil {
		return bridge.CodeEntry{}, false, fmt.Errorf("redis get %s: %w", hash, err)
	}
	var e bridge.CodeEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return bridge.CodeEntry{}, false, fmt.Errorf("redis decode %s: %w", hash, err)
	}
	return e, true, nil
}

func (r *RedisStore) Has(ctx context.Context, hashes []string) (map[string]bool, error) {
	res := make(map[string]bool, len(hashes))
	if len(hashes) == 0 {
		return res, nil
	}
	cmds := make([]*redis.IntCmd, len(hashes))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, h := range hashes {
			cmds[i] = p.Exists(ctx, r.key(h))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis exists: %w", err)
	}
	for i, h := range hashes {
		res[h] = cmds[i].Val() > 0
	}
	return res, nil
}

func (r *RedisStore) PutIfAbsent(ctx context.Context, e bridge.CodeEntry) (bridge.CodeEntry, bool, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return bridge.CodeEntry{}, false, err
	}
	ok, err := r.client.SetNX(ctx, r.key(e.Hash), b, 0).Result()
	if err != nil {
		return bridge.CodeEntry{}, false, fmt.Errorf("redis setnx %s: %w", e.Hash, err)
	}
	if ok {
		return e, true, nil
	}
	cur, found, err := r.Get(ctx, e.Hash)
	if err != nil {
		return bridge.CodeEntry{}, false, err
	}
	if !found {
		// deleted between SETNX and GET
		return r.PutIfAbsent(ctx, e)
	}
	return cur, false, nil
}
