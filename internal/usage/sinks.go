package usage

import (
	"context"
	"fmt"
	"time"

	"contractai-go/internal/storage"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Sink persists or forwards records. Write runs on the tracker worker.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec *Record) error
}

type sinkPanic struct{ value any }

func (p *sinkPanic) Error() string { return fmt.Sprintf("usage sink panic: %v", p.value) }

// LogSink writes one structured line per record.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Write(_ context.Context, rec *Record) error {
	log.WithFields(log.Fields{
		"client_id":       rec.ClientID,
		"consultant_id":   rec.ConsultantID,
		"backend":         rec.Backend,
		"model":           rec.Model,
		"feature":         rec.Feature,
		"feature_role":    rec.FeatureRole,
		"request_kind":    rec.RequestKind,
		"key_source":      rec.KeySource,
		"source_tier":     rec.SourceTier,
		"input_tokens":    rec.InputTokens,
		"output_tokens":   rec.OutputTokens,
		"cached_tokens":   rec.CachedTokens,
		"thinking_tokens": rec.ThinkingTokens,
		"duration_ms":     rec.Duration.Milliseconds(),
		"has_tools":       rec.HasTools,
		"error":           rec.IsError,
	}).Info("ai usage")
	return nil
}

// UsageWriter is the storage side of SQLSink.
type UsageWriter interface {
	InsertUsage(ctx context.Context, row *storage.UsageRow) error
}

// SQLSink appends records to the ai_usage_records table.
type SQLSink struct {
	Store UsageWriter
}

func (SQLSink) Name() string { return "sql" }

func (s SQLSink) Write(ctx context.Context, rec *Record) error {
	return s.Store.InsertUsage(ctx, rec.Row())
}

// RedisSink keeps daily counters in hashes:
//
//	{prefix}day:{date}:{key_source}
//	{prefix}client:{client_id}:{date}
type RedisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// redisCounterTTL keeps roughly one billing month plus slack.
const redisCounterTTL = 40 * 24 * time.Hour

func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix, ttl: redisCounterTTL}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, rec *Record) error {
	date := rec.CreatedAt.UTC().Format("2006-01-02")
	keySource := rec.KeySource
	if keySource == "" {
		keySource = "unknown"
	}
	keys := []string{s.prefix + "day:" + date + ":" + keySource}
	if rec.ClientID != "" {
		keys = append(keys, s.prefix+"client:"+rec.ClientID+":"+date)
	}
	errCount := int64(0)
	if rec.IsError {
		errCount = 1
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.HIncrBy(ctx, key, "requests", 1)
			pipe.HIncrBy(ctx, key, "errors", errCount)
			pipe.HIncrBy(ctx, key, "input_tokens", int64(rec.InputTokens))
			pipe.HIncrBy(ctx, key, "output_tokens", int64(rec.OutputTokens))
			pipe.HIncrBy(ctx, key, "cached_tokens", int64(rec.CachedTokens))
			pipe.HIncrBy(ctx, key, "thinking_tokens", int64(rec.ThinkingTokens))
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

// Counters reads one counter hash written by Write.
func (s *RedisSink) Counters(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.prefix+key).Result()
}
