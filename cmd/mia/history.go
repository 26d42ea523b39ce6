package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mia/internal/channel"
	"mia/internal/memory"
)

var historyLimit int

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			convs, err := store.ListConversations(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println("No conversations yet.")
				return nil
			}
			for _, c := range convs {
				fmt.Printf("%s  %s  %-16s %s\n", c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"), c.Key, c.Title)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of conversations to list")

	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Print the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			ctx := cmd.Context()
			conv, err := store.GetConversation(ctx, args[0])
			if err != nil {
				return err
			}
			if conv == nil {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			msgs, err := store.GetMessages(ctx, conv.ID, historyLimit)
			if err != nil {
				return err
			}

			render := channel.NewRenderer(os.Stdout)
			fmt.Println(render.Notice(conv.Title + " (" + conv.RemoteID + ")"))
			for _, m := range msgs {
				fmt.Println(render.Message(m))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.DeleteConversation(cmd.Context(), args[0]); err != nil {
				return err
			}
			logger.Info("conversation deleted", "id", args[0])
			return nil
		},
	})

	return cmd
}

func openStore() (*memory.SQLiteStore, func(), error) {
	cfg, err := loadConfig(true)
	if err != nil {
		return nil, nil, err
	}
	historyLimit = cfg.Memory.HistoryLimit
	if !cfg.Memory.Enabled {
		return nil, nil, fmt.Errorf("memory is disabled (memory.enabled=false)")
	}
	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("memory store: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}
