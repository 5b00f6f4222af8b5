package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goalpay/internal/goals/models"
	"goalpay/pkg/platform/sentinel"
)

const (
	userListPrefix = "goals:completions:"
	streamKey      = "goals:completions"
	idSetKey       = "goals:completion-ids"
)

// RedisStore keeps a list of records per user and mirrors every record onto
// a global stream for downstream reconciliation.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Append(ctx context.Context, record *models.CompletionRecord) error {
	if record == nil {
		return fmt.Errorf("completion record is required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode completion: %w", err)
	}
	id := record.ID.String()

	added, err := s.client.SAdd(ctx, idSetKey, id).Result()
	if err != nil {
		return fmt.Errorf("append completion: %w", err)
	}
	if added == 0 {
		return fmt.Errorf("append completion %s: %w", id, sentinel.ErrConflict)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, userListPrefix+record.Username, payload)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey,
			Values: map[string]any{
				"id":           id,
				"username":     record.Username,
				"goal_name":    record.GoalName,
				"reward":       record.Reward.StringFixed(2),
				"payout_ref":   record.PayoutRef,
				"completed_at": record.CompletedAt.UTC().Format(time.RFC3339Nano),
			},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("append completion: %w", err)
	}
	return nil
}

func (s *RedisStore) ListByUser(ctx context.Context, username string) ([]models.CompletionRecord, error) {
	raws, err := s.client.LRange(ctx, userListPrefix+username, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	records := make([]models.CompletionRecord, 0, len(raws))
	for _, raw := range raws {
		var r models.CompletionRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode completion: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}
