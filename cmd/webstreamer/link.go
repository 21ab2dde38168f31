package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"github.com/webstreamer/webstreamer/internal/backend"
	"github.com/webstreamer/webstreamer/internal/config"
	"github.com/webstreamer/webstreamer/internal/server"
	"github.com/webstreamer/webstreamer/internal/stream"
)

const linkTimeout = 30 * time.Second

func newLinkCmd() *cobra.Command {
	var showQR bool

	cmd := &cobra.Command{
		Use:   "link <message-id>",
		Short: "Print the stream link for a message",
		Long: `Print the token-bearing stream link for a message in the bin channel.

The message is resolved through the primary (first) worker.

Examples:
  webstreamer link 42
  webstreamer link 42 --qr`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			messageID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || messageID <= 0 {
				return fmt.Errorf("invalid message id %q", args[0])
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			wc := &cfg.Workers[0]
			worker, err := buildWorker(wc)
			if err != nil {
				return fmt.Errorf("worker %q: %w", wc.Name, err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), linkTimeout)
			defer cancel()

			link, err := streamLink(ctx, cfg, worker, messageID)
			if err != nil {
				return err
			}
			fmt.Println(link)

			if showQR {
				qr, err := qrcode.New(link, qrcode.Medium)
				if err != nil {
					return fmt.Errorf("encode qr code: %w", err)
				}
				fmt.Print(qr.ToSmallString(false))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showQR, "qr", false, "also print the link as a terminal QR code")
	return cmd
}

// streamLink resolves messageID on worker and builds its public stream URL.
func streamLink(ctx context.Context, cfg *config.Config, worker backend.Worker, messageID int64) (string, error) {
	guard, err := stream.NewGuard(cfg.HashLength)
	if err != nil {
		return "", err
	}
	d, err := stream.NewResolver(worker, nil).Resolve(ctx, messageID)
	if err != nil {
		return "", fmt.Errorf("resolve message %d: %w", messageID, err)
	}
	return server.StreamURL(cfg.BaseURL, guard, d.UniqueID, messageID), nil
}
