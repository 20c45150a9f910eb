// Package redis stores rollouts in Redis lists, one JSON encoded line per
// list element.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/logging"
)

// DefaultKeyPrefix namespaces rollout keys.
const DefaultKeyPrefix = "codeagent:rollout:"

// Options configure a Store.
type Options struct {
	KeyPrefix string
	// TTL, when positive, is refreshed on every append.
	TTL    time.Duration
	Logger logging.Logger
}

// Store implements core.RolloutStore with RPUSH and LRANGE.
type Store struct {
	rdb  redis.UniversalClient
	opts Options
}

// New returns a store using rdb.
func New(rdb redis.UniversalClient, optFns ...func(o *Options)) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	opts := Options{KeyPrefix: DefaultKeyPrefix}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Store{rdb: rdb, opts: opts}, nil
}

// Key returns the list key of sessionID.
func (s *Store) Key(sessionID string) string { return s.opts.KeyPrefix + sessionID }

// Append implements core.RolloutStore.
func (s *Store) Append(ctx context.Context, sessionID string, lines ...core.RolloutLine) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if len(lines) == 0 {
		return nil
	}
	values := make([]any, 0, len(lines))
	for _, l := range lines {
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encode rollout line: %w", err)
		}
		values = append(values, data)
	}

	key := s.Key(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if s.opts.TTL > 0 {
		pipe.Expire(ctx, key, s.opts.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append rollout: %w", err)
	}
	return nil
}

// Load implements core.RolloutStore.
func (s *Store) Load(ctx context.Context, sessionID string) ([]core.RolloutLine, error) {
	raws, err := s.rdb.LRange(ctx, s.Key(sessionID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load rollout: %w", err)
	}
	if len(raws) == 0 {
		return nil, core.ErrRolloutNotFound
	}
	lines := make([]core.RolloutLine, 0, len(raws))
	for i, raw := range raws {
		var l core.RolloutLine
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			s.opts.Logger.Warn("Skipping malformed rollout line", "session_id", sessionID, "index", i, "error", err.Error())
			continue
		}
		lines = append(lines, l)
	}
	return lines, nil
}

// Delete removes the rollout of sessionID.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, s.Key(sessionID)).Err()
}

var _ core.RolloutStore = (*Store)(nil)
