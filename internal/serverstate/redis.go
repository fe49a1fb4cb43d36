package serverstate

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKey = "agentbridge:state"

// redisStore implements Store backed by a Redis instance.
type redisStore struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisStore connects to addr (a redis:// URL or a plain host:port) and
// returns a Store. The key is initialized if absent.
func NewRedisStore(addr string) (*redisStore, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		var err error
		opts, err = redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
	} else {
		opts = &redis.Options{Addr: addr}
	}
	rs := &redisStore{client: redis.NewClient(opts), ctx: context.Background()}
	if err := rs.client.Ping(rs.ctx).Err(); err != nil {
		return nil, err
	}
	b, _ := json.Marshal(State{Status: "ok"})
	_ = rs.client.SetNX(rs.ctx, redisKey, b, 0).Err()
	return rs, nil
}

func (r *redisStore) Load() State {
	b, err := r.client.Get(r.ctx, redisKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return State{Status: "ok"}
		}
		return State{Status: "unknown"}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: "unknown"}
	}
	return st
}

func (r *redisStore) Store(s State) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	_ = r.client.Set(r.ctx, redisKey, b, 0).Err()
}
