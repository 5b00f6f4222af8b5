package evidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goalpay/pkg/platform/sentinel"
)

const redisKeyPrefix = "evidence:"

// RedisStore keeps each blob in a hash with its digest and content type.
// Keys never expire.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Store(ctx context.Context, blob []byte, contentType string) (Ref, error) {
	ref := NewRef(contentType)
	err := s.client.HSet(ctx, redisKeyPrefix+string(ref),
		"data", blob,
		"digest", Digest(blob),
		"content_type", normalizeContentType(contentType),
		"stored_at", time.Now().UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		return "", fmt.Errorf("store evidence: %w", err)
	}
	return ref, nil
}

func (s *RedisStore) Open(ctx context.Context, ref Ref) ([]byte, error) {
	vals, err := s.client.HMGet(ctx, redisKeyPrefix+string(ref), "data", "digest").Result()
	if err != nil {
		return nil, fmt.Errorf("open evidence: %w", err)
	}
	if vals[0] == nil {
		return nil, fmt.Errorf("open evidence %s: %w", ref, sentinel.ErrNotFound)
	}
	data, ok := vals[0].(string)
	digest, _ := vals[1].(string)
	if !ok || digest == "" {
		return nil, fmt.Errorf("evidence %s: %w", ref, errors.Join(sentinel.ErrCorrupt, errors.New("malformed hash")))
	}
	blob := []byte(data)
	if !digestMatches(blob, digest) {
		return nil, fmt.Errorf("evidence %s digest mismatch: %w", ref, sentinel.ErrCorrupt)
	}
	return blob, nil
}
