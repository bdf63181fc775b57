// Package livestore mirrors live session state into redis. Each
// session worker writes its own key after every accepted action, so the
// store sees exactly one writer per key. The mirror seeds resumed
// sessions after a fault; it is never read on the hot path.
package livestore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/banchess/banchess-server/pkg/wire"
)

const stateTTL = 24 * time.Hour

type Store struct {
	rdb *redis.Client
}

// New connects to REDIS_URL-style addresses (redis:// or rediss://).
func New(redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url required")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// SaveState overwrites the mirrored snapshot for one session.
func (s *Store) SaveState(ctx context.Context, snap *wire.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, stateKey(snap.SessionID), raw, stateTTL).Err()
}

// LoadState returns the mirrored snapshot or nil when absent.
func (s *Store) LoadState(ctx context.Context, sessionID string) (*wire.Snapshot, error) {
	raw, err := s.rdb.Get(ctx, stateKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap wire.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) DeleteState(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, stateKey(sessionID)).Err()
}

func stateKey(id string) string { return "banchess:session:" + strings.TrimSpace(id) }

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
