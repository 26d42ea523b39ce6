package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	TLSEnabled  bool
	TLSInsecure bool
}

// NewRedisClient returns a connected client or nil when no address is set.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSInsecure, // #nosec G402 opt-in
		}
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Redis is a SuggestionCache shared between processes.
type Redis struct {
	client   redis.UniversalClient
	ttl      time.Duration
	keySpace string
	logger   *slog.Logger
}

type RedisOptions struct {
	Client   redis.UniversalClient
	TTL      time.Duration
	KeySpace string
	Logger   *slog.Logger
}

func NewRedis(opts RedisOptions) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.KeySpace == "" {
		opts.KeySpace = "mia:suggested"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Redis{client: opts.Client, ttl: opts.TTL, keySpace: opts.KeySpace, logger: opts.Logger}
}

func (r *Redis) key(messageID string) string {
	return r.keySpace + ":" + strings.TrimSpace(messageID)
}

func (r *Redis) Get(ctx context.Context, messageID string) ([]string, bool, error) {
	data, err := r.client.Get(ctx, r.key(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var questions []string
	if err := json.Unmarshal(data, &questions); err != nil {
		r.logger.Warn("dropping corrupt suggestion cache entry", "message_id", messageID, "err", err)
		return nil, false, nil
	}
	return questions, true, nil
}

func (r *Redis) Set(ctx context.Context, messageID string, questions []string) error {
	payload, err := json.Marshal(questions)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(messageID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
