package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"goalpay/internal/goals/models"
	"goalpay/pkg/platform/sentinel"
)

const keyPrefix = "goals:ledger:"

// RedisStore persists ledgers as JSON documents and guards writes with
// WATCH/MULTI so concurrent instances cannot both advance a revision.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func ledgerKey(username string) string {
	return keyPrefix + username
}

func (s *RedisStore) FindByUsername(ctx context.Context, username string) (*models.Ledger, error) {
	raw, err := s.client.Get(ctx, ledgerKey(username)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("find ledger %s: %w", username, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find ledger: %w", err)
	}
	return decodeLedger(raw)
}

func (s *RedisStore) Save(ctx context.Context, ledger *models.Ledger) error {
	if ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	payload, err := json.Marshal(ledger)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	key := ledgerKey(ledger.Username)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("read ledger: %w", err)
		default:
			existing, err := decodeLedger(raw)
			if err != nil {
				return err
			}
			current = existing.Revision
		}
		if ledger.Revision != current+1 {
			return fmt.Errorf("save ledger %s at revision %d: %w", ledger.Username, ledger.Revision, sentinel.ErrConflict)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("save ledger %s: %w", ledger.Username, sentinel.ErrConflict)
	}
	if err != nil && !errors.Is(err, sentinel.ErrConflict) {
		return fmt.Errorf("save ledger: %w", err)
	}
	return err
}

func decodeLedger(raw []byte) (*models.Ledger, error) {
	var stored models.Ledger
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", errors.Join(sentinel.ErrCorrupt, err))
	}
	ledger, err := models.NewLedger(stored.Username, stored.Goals, stored.Revision, stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("rebuild ledger: %w", errors.Join(sentinel.ErrCorrupt, err))
	}
	return ledger, nil
}
