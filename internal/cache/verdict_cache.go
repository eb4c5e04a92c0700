package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/compliance"
)

const (
	DefaultKeyPrefix = "compliance"
	DefaultDedupeTTL = 7 * 24 * time.Hour
)

// Config configures the redis connection and key lifetimes.
type Config struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	DedupeTTL time.Duration `mapstructure:"dedupe_ttl"`
	LatestTTL time.Duration `mapstructure:"latest_ttl"`
}

// NewClient connects to redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Verdict is the latest known compliance status of an entity.
type Verdict struct {
	CheckID       string                 `json:"check_id"`
	EntityID      string                 `json:"entity_id"`
	EntityType    compliance.EntityType  `json:"entity_type"`
	Category      string                 `json:"check_category"`
	Status        compliance.CheckStatus `json:"status"`
	ViolatedRules []string               `json:"violated_rules"`
	Timestamp     time.Time              `json:"timestamp"`
}

// applyLatest replaces the stored verdict only when the incoming timestamp is
// strictly newer.
var applyLatest = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'ts')
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'payload', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// VerdictCache is a redis projection of the latest verdict per entity. It is
// idempotent on (check id, status): a redelivered event is recognized by its
// dedupe key and skipped.
type VerdictCache struct {
	client    redis.UniversalClient
	prefix    string
	dedupeTTL time.Duration
	latestTTL time.Duration
	logger    *zap.Logger
}

func NewVerdictCache(client redis.UniversalClient, cfg Config, logger *zap.Logger) *VerdictCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	dedupeTTL := cfg.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = DefaultDedupeTTL
	}
	return &VerdictCache{
		client:    client,
		prefix:    prefix,
		dedupeTTL: dedupeTTL,
		latestTTL: cfg.LatestTTL,
		logger:    logger,
	}
}

func (c *VerdictCache) seenKey(checkID string, status compliance.CheckStatus) string {
	return fmt.Sprintf("%s:verdict:seen:%s:%s", c.prefix, checkID, status)
}

func (c *VerdictCache) latestKey(entityType compliance.EntityType, entityID string) string {
	return fmt.Sprintf("%s:verdict:latest:%s:%s", c.prefix, strings.ToUpper(string(entityType)), entityID)
}

// ApplyVerdict folds event into the projection. It reports whether the
// entity's latest verdict changed.
func (c *VerdictCache) ApplyVerdict(ctx context.Context, event compliance.VerdictEvent) (bool, error) {
	seen := c.seenKey(event.CheckID, event.Status)
	first, err := c.client.SetNX(ctx, seen, "1", c.dedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if !first {
		c.logger.Debug("Duplicate verdict ignored",
			zap.String("check_id", event.CheckID),
			zap.String("status", string(event.Status)),
		)
		return false, nil
	}

	payload, err := json.Marshal(Verdict{
		CheckID:       event.CheckID,
		EntityID:      event.EntityID,
		EntityType:    event.EntityType,
		Category:      event.Category,
		Status:        event.Status,
		ViolatedRules: event.ViolatedRules,
		Timestamp:     event.Timestamp.UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to encode verdict: %w", err)
	}

	changed, err := applyLatest.Run(ctx, c.client,
		[]string{c.latestKey(event.EntityType, event.EntityID)},
		event.Timestamp.UTC().UnixMicro(), payload, c.latestTTL.Milliseconds(),
	).Int()
	if err != nil {
		// Release the dedupe marker so a redelivery can apply the event.
		if delErr := c.client.Del(ctx, seen).Err(); delErr != nil {
			c.logger.Warn("Failed to release verdict dedupe key", zap.String("key", seen), zap.Error(delErr))
		}
		return false, fmt.Errorf("redis apply verdict: %w", err)
	}
	return changed == 1, nil
}

// Latest returns the entity's most recent verdict, or nil if none is known.
func (c *VerdictCache) Latest(ctx context.Context, entityType compliance.EntityType, entityID string) (*Verdict, error) {
	raw, err := c.client.HGet(ctx, c.latestKey(entityType, entityID), "payload").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode verdict: %w", err)
	}
	return &v, nil
}

// Ping reports whether redis is reachable.
func (c *VerdictCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
