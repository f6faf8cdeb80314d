package services

import (
	"context"
	"fmt"
	"time"

	"github.com/quizwire/trivia-gateway/pkg/logger"
	"github.com/quizwire/trivia-gateway/pkg/redis"
)

// DedupeConfig tunes the delivery dedupe keys. Gateways deliver
// at-least-once, so every inbound reply is fenced by a short
// processing lock and a longer processed marker, keyed by the
// gateway's message id.
type DedupeConfig struct {
	LockTTL            time.Duration
	ProcessedTTL       time.Duration
	LockKeyPrefix      string
	ProcessedKeyPrefix string
}

func DefaultDedupeConfig() DedupeConfig {
	return DedupeConfig{
		LockTTL:            30 * time.Second,
		ProcessedTTL:       24 * time.Hour,
		LockKeyPrefix:      "reply:lock:",
		ProcessedKeyPrefix: "reply:processed:",
	}
}

type ReplyDeduper struct {
	redis  redis.RedisAdapter
	config DedupeConfig
}

func NewReplyDeduper(adapter redis.RedisAdapter, config DedupeConfig) *ReplyDeduper {
	return &ReplyDeduper{redis: adapter, config: config}
}

// Acquire tries to fence processing of one delivery. alreadyProcessed
// short-circuits duplicates; acquired false with no error means a
// concurrent handler holds the lock and the caller should let the
// gateway redeliver.
func (d *ReplyDeduper) Acquire(ctx context.Context, deliveryID string) (acquired bool, alreadyProcessed bool, err error) {
	processedKey := d.config.ProcessedKeyPrefix + deliveryID
	exists, err := d.redis.Exist(processedKey)
	if err != nil {
		// better to risk a duplicate pass (the closed-check catches it)
		// than to block processing on a cache error
		logger.Warn("failed to check processed marker", "delivery_id", deliveryID, "error", err)
	} else if exists > 0 {
		return false, true, nil
	}

	lockKey := d.config.LockKeyPrefix + deliveryID
	lockValue := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))
	ok, err := d.redis.SetNX(lockKey, lockValue, d.config.LockTTL)
	if err != nil {
		return false, false, fmt.Errorf("failed to acquire delivery lock: %w", err)
	}
	return ok, false, nil
}

// MarkProcessed records the delivery as done and drops the lock.
func (d *ReplyDeduper) MarkProcessed(ctx context.Context, deliveryID string) error {
	processedKey := d.config.ProcessedKeyPrefix + deliveryID
	if err := d.redis.Set(processedKey, []byte("1"), d.config.ProcessedTTL); err != nil {
		return fmt.Errorf("failed to set processed marker: %w", err)
	}
	if err := d.redis.Del(d.config.LockKeyPrefix + deliveryID); err != nil {
		logger.Warn("failed to remove delivery lock", "delivery_id", deliveryID, "error", err)
	}
	return nil
}

// Release drops the lock without marking processed, so the gateway's
// redelivery gets a clean retry.
func (d *ReplyDeduper) Release(ctx context.Context, deliveryID string) error {
	if err := d.redis.Del(d.config.LockKeyPrefix + deliveryID); err != nil {
		logger.Warn("failed to release delivery lock", "delivery_id", deliveryID, "error", err)
		return err
	}
	return nil
}
