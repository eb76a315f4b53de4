package stagestate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/stagebridge/core/logx"
)

const keyPrefix = "stagebridge:state:"

type redisStore struct {
	client redis.UniversalClient
	key    string
	log    zerolog.Logger
}

// NewRedisStore returns a Store keeping the state of stage under a shared
// redis key. The key is initialized to not_ready if it does not exist.
func NewRedisStore(ctx context.Context, client redis.UniversalClient, stage string) (Store, error) {
	rs := &redisStore{client: client, key: keyPrefix + stage, log: logx.Log.With().Str("stage", stage).Logger()}
	b, _ := json.Marshal(State{Status: StatusNotReady})
	if err := client.SetNX(ctx, rs.key, b, 0).Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

func (r *redisStore) Load() State {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		r.log.Debug().Err(err).Msg("load stage state")
		return State{Status: "unknown"}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: "unknown"}
	}
	return st
}

func (r *redisStore) Store(s State) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(s)
	if err := r.client.Set(ctx, r.key, b, 0).Err(); err != nil {
		r.log.Warn().Err(err).Msg("store stage state")
	}
}
