package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tantodefi/bitchat/config"
	"github.com/tantodefi/bitchat/storage"
	"github.com/tantodefi/bitchat/txqueue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List pending transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listQueue(cmd)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every queued transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return clearQueue(cmd)
		},
	})

	return cmd
}

func openQueue() (*storage.Store, *txqueue.Queue, error) {
	log, err := newLogger()
	if err != nil {
		return nil, nil, err
	}

	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	strategy, err := txqueue.ParseStrategy(cfg.RelayStrategy)
	if err != nil {
		return nil, nil, err
	}

	store, _, err := storage.Open(cfg.DataDirectory)
	if err != nil {
		return nil, nil, fmt.Errorf("open secret store: %w", err)
	}

	queue, err := txqueue.New(log.Named("txqueue"), txqueue.Options{
		Store:    store,
		Strategy: strategy,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, queue, nil
}

func listQueue(cmd *cobra.Command) error {
	store, queue, err := openQueue()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	pending := queue.Pending()
	if len(pending) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REQUEST\tRECIPIENT\tSTATUS\tATTEMPTS\tAGE\tRELAYED VIA")
	for _, tx := range pending {
		relayed := "-"
		if tx.RelayedThrough != "" {
			relayed = tx.RelayedThrough
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			tx.RequestID,
			tx.RecipientIdentity,
			tx.Status,
			tx.AttemptCount,
			time.Since(tx.CreatedAt).Round(time.Second),
			relayed)
	}
	return w.Flush()
}

func clearQueue(cmd *cobra.Command) error {
	store, queue, err := openQueue()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := queue.Clear(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Queue cleared.")
	return nil
}
