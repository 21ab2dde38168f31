package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/webstreamer/webstreamer/internal/config"
	"github.com/webstreamer/webstreamer/internal/server"
	"github.com/webstreamer/webstreamer/internal/stream"
)

func newStoreCmd() *cobra.Command {
	storeCmd := &cobra.Command{
		Use:   "store",
		Short: "Manage local store workers",
		Long: `Manage the data directories behind "store" workers.

Examples:
  # Upload a file into the bin channel of worker "local"
  webstreamer store put movie.mp4 --worker local

  # Upload into another channel with a caption
  webstreamer store put notes.pdf --worker local --channel -100200 --caption "meeting notes"`,
	}

	var (
		workerName string
		channel    int64
		caption    string
	)
	putCmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Store a file as a new channel message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			wc, err := storeWorkerConfig(cfg, workerName)
			if err != nil {
				return err
			}
			w, err := openStore(wc)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer func() { _ = f.Close() }()

			target := channel
			if !cmd.Flags().Changed("channel") {
				target = w.Channel()
			}

			msg, err := w.Put(cmd.Context(), target, filepath.Base(args[0]), caption, f)
			if err != nil {
				return err
			}

			fmt.Printf("Stored message %d in channel %d\n", msg.ID, target)
			if target == w.Channel() {
				if info, ok := msg.Media(); ok {
					guard, err := stream.NewGuard(cfg.HashLength)
					if err != nil {
						return err
					}
					fmt.Println(server.StreamURL(cfg.BaseURL, guard, info.UniqueID, msg.ID))
				}
			}
			return nil
		},
	}
	putCmd.Flags().StringVarP(&workerName, "worker", "w", "", "store worker name (default: first store worker)")
	putCmd.Flags().Int64Var(&channel, "channel", 0, "target channel (default: the worker's bin channel)")
	putCmd.Flags().StringVar(&caption, "caption", "", "message caption")
	storeCmd.AddCommand(putCmd)

	return storeCmd
}

// storeWorkerConfig picks the named store worker, or the first one when name
// is empty.
func storeWorkerConfig(cfg *config.Config, name string) (*config.WorkerConfig, error) {
	if name == "" {
		for i := range cfg.Workers {
			if cfg.Workers[i].Type == config.WorkerStore {
				return &cfg.Workers[i], nil
			}
		}
		return nil, fmt.Errorf("no store worker configured")
	}

	wc, ok := cfg.Worker(name)
	if !ok {
		return nil, fmt.Errorf("unknown worker %q", name)
	}
	if wc.Type != config.WorkerStore {
		return nil, fmt.Errorf("worker %q is a %s worker, not a store", name, wc.Type)
	}
	return wc, nil
}
