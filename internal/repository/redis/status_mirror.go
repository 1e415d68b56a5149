package redis

import (
	"context"

	"github.com/redis/go-redis/v9"

	"trackstream/internal/domain"
)

const StatusKey = "trackstream:cache:status"

// StatusMirror keeps a Redis hash of locator -> cache status. NotCached
// entries are removed from the hash rather than stored.
type StatusMirror struct {
	client *redis.Client
	key    string
}

func NewStatusMirror(client *redis.Client) *StatusMirror {
	return &StatusMirror{client: client, key: StatusKey}
}

func (m *StatusMirror) Apply(ctx context.Context, changed map[string]domain.CacheStatus) error {
	if len(changed) == 0 {
		return nil
	}
	set := make([]any, 0, len(changed)*2)
	var del []string
	for locator, status := range changed {
		if status == domain.CacheNotCached {
			del = append(del, locator)
			continue
		}
		set = append(set, locator, string(status))
	}

	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(set) > 0 {
			pipe.HSet(ctx, m.key, set...)
		}
		if len(del) > 0 {
			pipe.HDel(ctx, m.key, del...)
		}
		return nil
	})
	return err
}

// Load returns the mirrored table. It is used by tooling that inspects
// another process's prefetch state.
func (m *StatusMirror) Load(ctx context.Context) (map[string]domain.CacheStatus, error) {
	raw, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.CacheStatus, len(raw))
	for k, v := range raw {
		out[k] = domain.CacheStatus(v)
	}
	return out, nil
}

func (m *StatusMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
