package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mia/internal/bus"
	"mia/internal/channel"
	"mia/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Serve chats over Telegram and HTTP",
		Long:  "Starts the chat loop, every enabled channel and the metrics endpoint. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	if !cfg.Telegram.Enabled && !cfg.HTTP.Enabled {
		return fmt.Errorf("no channel enabled: set telegram.enabled or http.enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.backend.Primary.Healthy(ctx); err != nil {
		logger.Warn("chat backend unhealthy at startup", "endpoint", a.backend.Primary.Endpoint(), "err", err)
	} else {
		logger.Info("chat backend healthy", "endpoint", a.backend.Primary.Endpoint())
	}

	messageBus := bus.New(100, logger)
	loop := a.newLoop(messageBus)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loop.Run(gctx)
		return nil
	})

	if cfg.Metrics.Enabled {
		m := metrics.New()
		m.Subscribe(a.events)
		g.Go(func() error {
			return m.Serve(gctx, cfg.Metrics.Addr, logger)
		})
	}

	var channels []stopper
	if cfg.Telegram.Enabled {
		tg := channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Telegram.Token,
			AllowFrom: cfg.Telegram.AllowFrom,
			Logger:    logger,
		})
		channels = append(channels, tg)
		g.Go(func() error {
			if err := tg.Start(gctx, messageBus); err != nil {
				return fmt.Errorf("telegram: %w", err)
			}
			return nil
		})
		logger.Info("telegram channel enabled")
	}

	if cfg.HTTP.Enabled {
		h := channel.NewHTTP(channel.HTTPConfig{
			Addr:   cfg.HTTP.Addr,
			APIKey: cfg.HTTP.APIKey,
			Logger: logger,
		})
		channels = append(channels, h)
		g.Go(func() error {
			if err := h.Start(gctx, messageBus); err != nil {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		if cfg.HTTP.APIKey == "" {
			logger.Warn("http channel has no api key; anyone who can reach it can chat")
		}
	}

	logger.Info("gateway started. Press Ctrl+C to stop.")
	<-gctx.Done()
	logger.Info("shutting down gateway...")

	done := make(chan error, 1)
	go func() {
		for _, ch := range channels {
			_ = ch.Stop()
		}
		messageBus.Close()
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

type stopper interface {
	Stop() error
}
