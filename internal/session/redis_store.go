// Package session keeps the anchors of open documents in Redis so that
// editor sessions can be reopened without a database round trip.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"chronicle/anchors/internal/anchor"
	"chronicle/anchors/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	fieldDocumentID = "document_id"
	fieldKind       = "kind"
	fieldStart      = "start"
	fieldEnd        = "end"
	fieldQuoted     = "quoted_text"
	fieldOriginal   = "original_quoted_text"
	fieldStale      = "is_stale"
)

// updateScript writes hash fields only when the anchor is already cached,
// so a late debounced write never resurrects an evicted anchor.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
local ttl = tonumber(ARGV[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// RedisStore stores anchors as hashes under anchor:<id>, indexed per document
// by the set doc:<documentID>:anchors.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
// A zero ttl keeps entries until they are removed.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

func (s *RedisStore) anchorKey(id string) string {
	return "anchor:" + id
}

func (s *RedisStore) documentKey(documentID string) string {
	return "doc:" + documentID + ":anchors"
}

// SaveAnchor caches a for documentID, replacing any previous entry.
func (s *RedisStore) SaveAnchor(ctx context.Context, documentID string, a anchor.Anchor) error {
	key := s.anchorKey(a.ID)
	values := []any{
		fieldDocumentID, documentID,
		fieldKind, string(a.Kind),
		fieldQuoted, a.QuotedText,
		fieldOriginal, a.OriginalQuotedText,
		fieldStale, formatBool(a.IsStale),
	}
	if a.Range != nil {
		values = append(values, fieldStart, strconv.Itoa(a.Range.Start), fieldEnd, strconv.Itoa(a.Range.End))
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, values...)
		pipe.SAdd(ctx, s.documentKey(documentID), a.ID)
		if s.ttl > 0 {
			pipe.PExpire(ctx, key, s.ttl)
			pipe.PExpire(ctx, s.documentKey(documentID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save anchor: %w", err)
	}
	return nil
}

// ListOpenAnchors returns the cached anchors of documentID ordered by id.
// Index entries whose hash has expired are pruned.
func (s *RedisStore) ListOpenAnchors(ctx context.Context, documentID string) ([]anchor.Anchor, error) {
	ids, err := s.client.SMembers(ctx, s.documentKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list anchor ids: %w", err)
	}
	sort.Strings(ids)

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.anchorKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load anchors: %w", err)
	}

	anchors := make([]anchor.Anchor, 0, len(ids))
	var missing []any
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			missing = append(missing, ids[i])
			continue
		}
		a, err := decodeAnchor(ids[i], fields)
		if err != nil {
			return nil, err
		}
		anchors = append(anchors, a)
	}
	if len(missing) > 0 {
		if err := s.client.SRem(ctx, s.documentKey(documentID), missing...).Err(); err != nil {
			return nil, fmt.Errorf("prune anchor index: %w", err)
		}
	}
	return anchors, nil
}

// UpdateAnchor applies patch to a cached anchor. Anchors that are not cached
// are reported as store.ErrNotFound and left absent.
func (s *RedisStore) UpdateAnchor(ctx context.Context, id string, patch anchor.Patch) error {
	args := []any{s.ttl.Milliseconds()}
	if patch.QuotedText != nil {
		args = append(args, fieldQuoted, *patch.QuotedText)
	}
	if patch.IsStale != nil {
		args = append(args, fieldStale, formatBool(*patch.IsStale))
	}
	if patch.OriginalQuotedText != nil {
		args = append(args, fieldOriginal, *patch.OriginalQuotedText)
	}
	if patch.Range != nil {
		args = append(args, fieldStart, strconv.Itoa(patch.Range.Start), fieldEnd, strconv.Itoa(patch.Range.End))
	}
	if len(args) == 1 {
		return nil
	}

	updated, err := updateScript.Run(ctx, s.client, []string{s.anchorKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("update anchor: %w", err)
	}
	if updated == 0 {
		return fmt.Errorf("update anchor %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// RemoveAnchor drops a cached anchor. Removing an unknown anchor is not an
// error.
func (s *RedisStore) RemoveAnchor(ctx context.Context, id string) error {
	documentID, err := s.client.HGet(ctx, s.anchorKey(id), fieldDocumentID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup anchor document: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.anchorKey(id))
		pipe.SRem(ctx, s.documentKey(documentID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove anchor: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeAnchor(id string, fields map[string]string) (anchor.Anchor, error) {
	a := anchor.Anchor{
		ID:                 id,
		Kind:               anchor.Kind(fields[fieldKind]),
		QuotedText:         fields[fieldQuoted],
		OriginalQuotedText: fields[fieldOriginal],
		IsStale:            fields[fieldStale] == "1",
	}
	startRaw, hasStart := fields[fieldStart]
	endRaw, hasEnd := fields[fieldEnd]
	if hasStart && hasEnd {
		start, err := strconv.Atoi(startRaw)
		if err != nil {
			return anchor.Anchor{}, fmt.Errorf("decode anchor %s start: %w", id, err)
		}
		end, err := strconv.Atoi(endRaw)
		if err != nil {
			return anchor.Anchor{}, fmt.Errorf("decode anchor %s end: %w", id, err)
		}
		a.Range = &anchor.Range{Start: start, End: end}
	}
	return a, nil
}

func formatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
