package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/pauljones0/itchclaim/internal/claim"
	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/processor"
	"github.com/pauljones0/itchclaim/internal/scheduler"
	"github.com/pauljones0/itchclaim/internal/util"
)

func newRefreshSalesCmd(a *app) *cobra.Command {
	var ids []int64
	cmd := &cobra.Command{
		Use:   "refresh-sales",
		Short: "Crawl new sales and update the local cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := a.refreshSales(cmd.Context(), ids)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sales: %d, games: %d, skipped: %d, next sale: %d\n",
				stats.Sales, stats.Games, stats.Skipped, stats.Cursor)
			return nil
		},
	}
	cmd.Flags().Int64SliceVar(&ids, "sales", nil, "only refresh these sale IDs")
	return cmd
}

func newRefreshFromRemoteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-from-remote",
		Short: "Add games from the remote feeds that are missing locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.ActiveFeedURL == "" {
				return errors.New("ITCHCLAIM_ACTIVE_FEED is not set")
			}
			feed := processor.NewRemoteFeed(a.cfg.ActiveFeedURL, a.cfg.UpcomingFeedURL)
			games, err := feed.Active(cmd.Context())
			if err != nil {
				return err
			}
			if a.cfg.UpcomingFeedURL != "" {
				upcoming, err := feed.Upcoming(cmd.Context())
				if err != nil {
					return err
				}
				games = append(games, upcoming...)
			}
			added, err := processor.Seed(cmd.Context(), a.store, games)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %d of %d games\n", added, len(games))
			return nil
		},
	}
}

func newRefreshLibraryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-library",
		Short: "Download the account's owned games",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			if err := sess.RefreshLibrary(cmd.Context()); err != nil {
				return err
			}
			if err := sess.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Owned games: %d\n", sess.OwnedCount())
			return nil
		},
	}
}

func newClaimCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "claim",
		Short: "Claim every active free game",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.sweep(cmd.Context())
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func newClaimURLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "claim-url <game url>",
		Short: "Claim a single game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gameURL, err := util.NormalizeGameURL(args[0])
			if err != nil {
				return err
			}
			sess, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			outcome, err := claim.NewEngine(sess, a.parser, a.cfg.HomeURL).Claim(cmd.Context(), models.NewGameFromURL(gameURL))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", gameURL, outcome)
			return nil
		},
	}
}

func newDownloadURLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "download-urls <game url>",
		Short: "List a game's files with their download URLs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gameURL, err := util.NormalizeGameURL(args[0])
			if err != nil {
				return err
			}
			r, err := a.requester(cmd.Context())
			if err != nil {
				return err
			}
			uploads, err := claim.DownloadableFiles(cmd.Context(), r, a.parser, models.NewGameFromURL(gameURL))
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"ID", "Name", "Size", "Uploaded", "Platforms", "URL"})
			for _, u := range uploads {
				uploaded := ""
				if !u.UploadDate.IsZero() {
					uploaded = u.UploadDate.Format(time.DateOnly)
				}
				t.AppendRow(table.Row{u.ID, u.Name, u.FileSize, uploaded, fmt.Sprint(u.Platforms), u.URL})
			}
			t.SetStyle(table.StyleRounded)
			t.Render()
			return nil
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show cached games and their sale status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.crawler()
			if err != nil {
				return err
			}
			now := time.Now()

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"ID", "Name", "Status", "Sale", "Ends", "URL"})
			for g := range a.store.Games(cmd.Context()) {
				st := c.Status(cmd.Context(), g, now)
				if status != "" && string(st) != status {
					continue
				}
				ends := ""
				if end, ok := g.SaleEnd.Get(); ok {
					ends = end.Local().Format(time.DateTime)
				}
				t.AppendRow(table.Row{g.ID, g.Name, st, g.SaleID, ends, g.URL})
			}
			t.SetStyle(table.StyleRounded)
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show games with this status (active, upcoming, expired)")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write active.json and upcoming.json from the local cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.crawler()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = a.cfg.ExportDir()
			}
			if err := processor.Export(cmd.Context(), c, dir, time.Now()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported to %s\n", dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default <data dir>/api)")
	return cmd
}

func newScheduleCmd(a *app) *cobra.Command {
	var crawl bool
	cmd := &cobra.Command{
		Use:   "schedule [cron expression]",
		Short: "Claim games whenever the schedule matches",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr := a.cfg.Schedule
			if len(args) == 1 {
				expr = args[0]
			}
			if expr == "" {
				return errors.New("no schedule: pass a cron expression or set ITCHCLAIM_SCHEDULE")
			}

			s, err := scheduler.New(expr, func(ctx context.Context) error {
				if crawl {
					if _, err := a.refreshSales(ctx, nil); err != nil {
						if models.IsFatal(err) {
							return err
						}
						slog.Error("Crawl failed, claiming from cache", "error", err)
					}
				}
				_, err := a.sweep(ctx)
				return err
			}, scheduler.WithInterval(a.cfg.ScheduleInterval))
			if err != nil {
				return err
			}
			return s.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&crawl, "crawl", false, "refresh sales before each claim run")
	return cmd
}

func printResult(w io.Writer, res processor.Result) {
	fmt.Fprintf(w, "Candidates: %d, claimed: %d, claimed earlier: %d, owned: %d, not claimable: %d, failed: %d\n",
		res.Candidates, res.Claimed, res.ClaimedEarlier, res.AlreadyOwned, res.NotClaimable, res.Failed)
}
