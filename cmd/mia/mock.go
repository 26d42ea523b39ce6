package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mia/internal/mockserver"
)

func mockServerCmd() *cobra.Command {
	var addr, apiKey string
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run a scripted chat backend for local testing",
		Long: `Serves /v1/chat-messages, /v1/messages/:id/suggested and /v1/parameters
with canned replies. Queries mentioning "thu chi" get a transaction chart,
"chuyển" a confirmation, "lỗi" an HTTP 500 and "đứt" a cut stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := mockserver.New(mockserver.Config{
				APIKey:     apiKey,
				ChunkDelay: delay,
				Logger:     logger,
			})
			return srv.Serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "require this bearer token")
	cmd.Flags().DurationVar(&delay, "delay", 60*time.Millisecond, "pause between streamed chunks")
	return cmd
}
