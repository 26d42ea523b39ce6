package main

import (
	"context"
	"fmt"
	"time"

	"mia/internal/bus"
	"mia/internal/cache"
	"mia/internal/chat"
	"mia/internal/config"
	"mia/internal/domain"
	"mia/internal/memory"
	"mia/internal/provider"
)

const eventHistory = 500

// app holds the pieces shared by the chat, ask and gateway commands.
type app struct {
	cfg     *config.Config
	backend *provider.Backend
	store   domain.ConversationStore // nil when memory is disabled
	cache   cache.SuggestionCache    // nil when caching is off
	events  *bus.EventBus
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		backend: provider.NewBackend(cfg, logger),
		events:  bus.NewEventBus(logger, eventHistory),
	}

	if cfg.Memory.Enabled {
		store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("memory store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	}

	c, err := a.newCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cache = c
	return a, nil
}

func (a *app) newCache(ctx context.Context) (cache.SuggestionCache, error) {
	cc := a.cfg.Cache
	ttl := time.Duration(cc.TTLSeconds) * time.Second
	switch cc.Backend {
	case "none":
		return nil, nil
	case "redis":
		client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			Addr:       cc.RedisAddr,
			Username:   cc.RedisUser,
			Password:   cc.RedisPass,
			DB:         cc.RedisDB,
			TLSEnabled: cc.RedisTLS,
		})
		if err != nil {
			return nil, fmt.Errorf("suggestion cache: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		logger.Info("suggestion cache", "backend", "redis", "addr", cc.RedisAddr)
		return cache.NewRedis(cache.RedisOptions{Client: client, TTL: ttl, Logger: logger}), nil
	default:
		return cache.NewMemory(ttl, cc.MaxEntries), nil
	}
}

func (a *app) welcome() chat.Welcome {
	return chat.Welcome{
		Text:        a.cfg.Chat.WelcomeMessage,
		Suggestions: a.cfg.Chat.WelcomeSuggestions,
	}
}

func (a *app) newLoop(mb domain.MessageBus) *chat.Loop {
	return chat.NewLoop(chat.LoopConfig{
		Bus:           mb,
		Streamer:      a.backend.Streamer,
		Suggestions:   a.backend.Suggestions,
		Cache:         a.cache,
		Store:         a.store,
		Events:        a.events,
		Welcome:       a.welcome(),
		Logger:        logger,
		Concurrency:   a.cfg.General.MaxConcurrentMessages,
		RatePerMinute: a.cfg.Chat.RatePerMinute,
		RateBurst:     a.cfg.Chat.RateBurst,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
}
