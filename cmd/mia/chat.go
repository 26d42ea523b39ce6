package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"mia/internal/bus"
	"mia/internal/channel"
	"mia/internal/chat"
	"mia/internal/config"
	"mia/internal/domain"
	"mia/internal/mockserver"
	"mia/internal/provider"
)

const cliChatKey = "cli:direct"

func chatCmd() *cobra.Command {
	var mock bool
	var resume string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start interactive chat in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(mock, resume)
		},
	}
	cmd.Flags().BoolVar(&mock, "mock", false, "talk to a built-in scripted server instead of the configured endpoint")
	cmd.Flags().StringVar(&resume, "resume", "", `continue a stored conversation by id, or "last"`)
	return cmd
}

func runChat(mock bool, resume string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if mock {
		if err := useMock(ctx, cfg); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	messageBus := bus.New(100, logger)
	defer messageBus.Close()

	loop := a.newLoop(messageBus)
	go loop.Run(ctx)

	ctrl := loop.Controller("cli", "direct")
	if resume != "" {
		if err := restore(ctx, a, ctrl, resume); err != nil {
			return err
		}
	}

	cli := channel.NewCLI(channel.CLIConfig{
		Logger:   logger,
		Greeting: ctrl.Messages(),
	})
	return cli.Start(ctx, messageBus)
}

// restore loads a stored conversation into ctrl. id "last" picks the most
// recent terminal conversation.
func restore(ctx context.Context, a *app, ctrl *chat.Controller, id string) error {
	if a.store == nil {
		return fmt.Errorf("--resume needs memory.enabled")
	}
	if id == "last" {
		convs, err := a.store.ListConversations(ctx, 50)
		if err != nil {
			return err
		}
		id = ""
		for _, c := range convs {
			if c.Key == cliChatKey {
				id = c.ID
				break
			}
		}
		if id == "" {
			return fmt.Errorf("no terminal conversation to resume")
		}
	}

	conv, err := a.store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("conversation %s not found", id)
	}
	history, err := a.store.GetMessages(ctx, conv.ID, a.cfg.Memory.HistoryLimit)
	if err != nil {
		return err
	}
	ctrl.Restore(*conv, history)
	logger.Info("conversation resumed", "id", conv.ID, "messages", len(history))
	return nil
}

func askCmd() *cobra.Command {
	var conversationID string
	var mock bool
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and print the streamed reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(strings.Join(args, " "), conversationID, mock)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue a server conversation id")
	cmd.Flags().BoolVar(&mock, "mock", false, "talk to a built-in scripted server instead of the configured endpoint")
	return cmd
}

func runAsk(query, conversationID string, mock bool) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	cfg.Memory.Enabled = false

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if mock {
		if err := useMock(ctx, cfg); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	render := channel.NewRenderer(os.Stdout)
	printed := 0
	ctrl := chat.NewController(chat.ControllerConfig{
		Key:         "cli:ask",
		Streamer:    a.backend.Streamer,
		Suggestions: a.backend.Suggestions,
		Cache:       a.cache,
		Events:      a.events,
		Logger:      logger,
		OnUpdate: func(u chat.Update) {
			switch u.Kind {
			case domain.OutboundChunk:
				runes := []rune(u.Message.Text)
				if printed < len(runes) {
					fmt.Print(string(runes[printed:]))
					printed = len(runes)
				}
			case domain.OutboundFinal:
				if printed > 0 {
					fmt.Println()
				}
				if printed == 0 || u.Message.Type != domain.MessageText {
					fmt.Println(render.Message(u.Message))
				}
				printed = 0
			case domain.OutboundSuggestions:
				fmt.Println(render.Suggestions(u.Message.SuggestedQuestions))
			}
		},
	})
	if conversationID != "" {
		ctrl.Resume(conversationID)
	}

	err = ctrl.Send(ctx, query)
	if id := ctrl.ConversationID(); id != "" {
		fmt.Fprintln(os.Stderr, render.Notice("conversation: "+id))
	}
	return err
}

// useMock starts the scripted server on a free local port and points cfg at it.
func useMock(ctx context.Context, cfg *config.Config) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("mock server: %w", err)
	}
	mock := mockserver.New(mockserver.Config{
		ToolLabel: cfg.Chat.TransactionToolLabel,
		Logger:    logger,
	})
	srv := &http.Server{Handler: mock.Router()}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("mock server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	cfg.API.Endpoint = "http://" + ln.Addr().String() + "/v1/chat-messages"
	cfg.API.FallbackEndpoints = nil
	if cfg.API.APIKey == "" {
		cfg.API.APIKey = "app-mock"
	}
	logger.Info("using mock server", "endpoint", cfg.API.Endpoint, "client", provider.DefaultUser)
	return nil
}
