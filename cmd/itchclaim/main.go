// Command itchclaim crawls itch.io sales for free promotions and claims them into an
// account's library.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pauljones0/itchclaim/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	a.close()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("Interrupted")
			return
		}
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "itchclaim",
		Short:         "Find and claim free itch.io games",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel, verbose)
			return a.init(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newRefreshSalesCmd(a),
		newRefreshFromRemoteCmd(a),
		newRefreshLibraryCmd(a),
		newClaimCmd(a),
		newClaimURLCmd(a),
		newDownloadURLsCmd(a),
		newListCmd(a),
		newExportCmd(a),
		newScheduleCmd(a),
		newServeCmd(a),
	)
	return root
}

func setupLogging(level string, verbose bool) {
	var lvl slog.Level
	switch {
	case verbose:
		lvl = slog.LevelDebug
	case level != "":
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = slog.LevelInfo
		}
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
