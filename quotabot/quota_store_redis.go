package quotabot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "quotabot:usage:"
	redisScanCount        = 200
	redisPingTimeout      = 5 * time.Second

	// optimistic transactions are retried this many times when the
	// watched key changes underneath them
	redisUpdateAttempts = 50
)

// RedisConfig configures the redis-backed QuotaStore.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" json:"addr"`
	Password string `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`
	DB       int    `yaml:"db" mapstructure:"db" json:"db" binding:"gte=0"`

	// KeyPrefix is prepended to every subject hash key
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix" json:"key_prefix"`

	// TTL is refreshed on every write to a subject. Zero disables expiry.
	// It should be longer than the longest policy window plus cooldown.
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl" json:"ttl" binding:"gte=0"`
}

// RedisQuotaStore keeps one hash per subject, with one field per
// category holding the JSON-encoded record. Writes touch a single
// hash field, so subjects stay independent.
type RedisQuotaStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisQuotaStore connects to redis and verifies the connection.
func NewRedisQuotaStore(ctx context.Context, config RedisConfig) (*RedisQuotaStore, error) {
	if config.Addr == "" {
		return nil, invalidArgument("redis address must be set")
	}
	client := redis.NewClient(
		&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		},
	)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("error connecting to redis at %s: %w", config.Addr, err)
	}
	return newRedisQuotaStore(client, config), nil
}

func newRedisQuotaStore(client *redis.Client, config RedisConfig) *RedisQuotaStore {
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisQuotaStore{client: client, keyPrefix: prefix, ttl: config.TTL}
}

func (s *RedisQuotaStore) key(subjectID string) string {
	return s.keyPrefix + subjectID
}

func (s *RedisQuotaStore) Get(
	ctx context.Context,
	subjectID string,
	category string,
) (UsageRecord, error) {
	data, err := s.client.HGet(ctx, s.key(subjectID), category).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return newUsageRecord(subjectID, category), nil
		}
		return UsageRecord{}, err
	}
	return decodeRedisRecord(subjectID, category, data)
}

func decodeRedisRecord(subjectID, category string, data []byte) (UsageRecord, error) {
	var item subjectFileItem
	if err := json.Unmarshal(data, &item); err != nil {
		return UsageRecord{}, fmt.Errorf(
			"corrupt quota record for %s/%s: %w",
			subjectID, category, err,
		)
	}
	return item.record(subjectID, category), nil
}

func (s *RedisQuotaStore) Put(
	ctx context.Context,
	subjectID string,
	category string,
	record UsageRecord,
) error {
	record = record.Clone()
	record.normalize()
	if record.IsEmpty() {
		return s.Reset(ctx, subjectID, category)
	}
	data, err := json.Marshal(newSubjectFileItem(record))
	if err != nil {
		return err
	}
	key := s.key(subjectID)
	_, err = s.client.TxPipelined(
		ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, category, data)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		},
	)
	return err
}

// Update watches the subject's hash and applies fn in a MULTI/EXEC
// transaction, retrying when another client changed the hash first.
func (s *RedisQuotaStore) Update(
	ctx context.Context,
	subjectID string,
	category string,
	fn UpdateFunc,
) error {
	key := s.key(subjectID)
	txf := func(tx *redis.Tx) error {
		rec := newUsageRecord(subjectID, category)
		data, err := tx.HGet(ctx, key, category).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if rec, err = decodeRedisRecord(subjectID, category, data); err != nil {
				return err
			}
		}

		dirty, err := fn(&rec)
		if err != nil || !dirty {
			return err
		}
		rec.normalize()
		var payload []byte
		if !rec.IsEmpty() {
			if payload, err = json.Marshal(newSubjectFileItem(rec)); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(
			ctx, func(pipe redis.Pipeliner) error {
				if payload == nil {
					pipe.HDel(ctx, key, category)
					return nil
				}
				pipe.HSet(ctx, key, category, payload)
				if s.ttl > 0 {
					pipe.Expire(ctx, key, s.ttl)
				}
				return nil
			},
		)
		return err
	}

	for range redisUpdateAttempts {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf(
		"gave up updating %s/%s after %d conflicts: %w",
		subjectID, category, redisUpdateAttempts, redis.TxFailedErr,
	)
}

func (s *RedisQuotaStore) Reset(ctx context.Context, subjectID, category string) error {
	if category == "" {
		return s.client.Del(ctx, s.key(subjectID)).Err()
	}
	return s.client.HDel(ctx, s.key(subjectID), category).Err()
}

func (s *RedisQuotaStore) ResetCategory(ctx context.Context, category string) error {
	return s.scan(
		ctx, func(key string) error {
			return s.client.HDel(ctx, key, category).Err()
		},
	)
}

func (s *RedisQuotaStore) ResetAll(ctx context.Context) error {
	return s.scan(
		ctx, func(key string) error {
			return s.client.Del(ctx, key).Err()
		},
	)
}

func (s *RedisQuotaStore) List(ctx context.Context, subjectID string) ([]UsageRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(subjectID)).Result()
	if err != nil {
		return nil, err
	}
	records := make([]UsageRecord, 0, len(fields))
	for category, data := range fields {
		rec, decodeErr := decodeRedisRecord(subjectID, category, []byte(data))
		if decodeErr != nil {
			return nil, decodeErr
		}
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}

func (s *RedisQuotaStore) Keys(ctx context.Context) ([]RecordKey, error) {
	var keys []RecordKey
	err := s.scan(
		ctx, func(key string) error {
			categories, err := s.client.HKeys(ctx, key).Result()
			if err != nil {
				return err
			}
			subjectID := strings.TrimPrefix(key, s.keyPrefix)
			for _, category := range categories {
				keys = append(keys, RecordKey{SubjectID: subjectID, Category: category})
			}
			return nil
		},
	)
	sortKeys(keys)
	return keys, err
}

// scan calls fn for every subject key under the prefix
func (s *RedisQuotaStore) scan(ctx context.Context, fn func(key string) error) error {
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", redisScanCount).Iterator()
	var errs []error
	for iter.Next(ctx) {
		errs = append(errs, fn(iter.Val()))
	}
	errs = append(errs, iter.Err())
	return errors.Join(errs...)
}

func (s *RedisQuotaStore) Close() error {
	return s.client.Close()
}
