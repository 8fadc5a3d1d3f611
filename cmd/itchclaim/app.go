package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pauljones0/itchclaim/internal/claim"
	"github.com/pauljones0/itchclaim/internal/config"
	"github.com/pauljones0/itchclaim/internal/crawler"
	"github.com/pauljones0/itchclaim/internal/notifier"
	"github.com/pauljones0/itchclaim/internal/processor"
	"github.com/pauljones0/itchclaim/internal/scraper"
	"github.com/pauljones0/itchclaim/internal/session"
	"github.com/pauljones0/itchclaim/internal/storage"
	"github.com/pauljones0/itchclaim/internal/webclient"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg    *config.Config
	parser *scraper.Parser
	store  crawler.Store

	closeStore func()
}

func (a *app) init(ctx context.Context, cfg *config.Config) error {
	parser, err := scraper.New(scraper.LoadConfig(cfg.SelectorsPath))
	if err != nil {
		return fmt.Errorf("invalid selectors: %w", err)
	}
	a.cfg = cfg
	a.parser = parser

	switch cfg.Store {
	case config.StoreFirestore:
		fs, err := storage.NewFirestoreStore(ctx, cfg.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to initialize Firestore: %w", err)
		}
		a.store = fs
		a.closeStore = func() {
			if err := fs.Close(); err != nil {
				slog.Warn("Failed to close Firestore client", "error", err)
			}
		}
		slog.Debug("Using Firestore store", "project", cfg.ProjectID)
	default:
		a.store = storage.NewDiskCache(cfg.CacheDir())
		slog.Debug("Using disk cache", "dir", cfg.CacheDir())
	}
	return nil
}

func (a *app) close() {
	if a.closeStore != nil {
		a.closeStore()
	}
}

func (a *app) crawler() (*crawler.Crawler, error) {
	web, err := webclient.New(a.cfg.WebClient())
	if err != nil {
		return nil, err
	}
	return crawler.New(web, a.store, a.parser, crawler.Config{
		BaseURL:    a.cfg.BaseURL,
		Categories: a.cfg.Categories,
	}), nil
}

func (a *app) session(ctx context.Context) (*session.Session, error) {
	m := session.NewManager(session.Options{
		Dir:        a.cfg.SessionDir(),
		BaseURL:    a.cfg.BaseURL,
		Passphrase: a.cfg.SessionPassphrase,
		Client:     a.cfg.WebClient(),
		Parser:     a.parser,
		Prompter:   session.NewTerminalPrompter(),
	})
	return m.LoadOrCreate(ctx, session.Credentials{
		Username: a.cfg.Username,
		Password: a.cfg.Password,
		TOTP:     a.cfg.TOTP,
	})
}

// requester returns the logged-in session when a username is configured and an
// anonymous client otherwise.
func (a *app) requester(ctx context.Context) (claim.Requester, error) {
	if a.cfg.Username != "" {
		sess, err := a.session(ctx)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
	web, err := webclient.New(a.cfg.WebClient())
	if err != nil {
		return nil, err
	}
	return claim.NewAnonymous(ctx, web, a.cfg.BaseURL)
}

// sweep claims every active game. Candidates come from the remote feed when one is
// configured and from the local cache otherwise.
func (a *app) sweep(ctx context.Context) (processor.Result, error) {
	sess, err := a.session(ctx)
	if err != nil {
		return processor.Result{}, err
	}

	var source processor.CandidateSource
	if a.cfg.ActiveFeedURL != "" {
		source = processor.NewRemoteFeed(a.cfg.ActiveFeedURL, a.cfg.UpcomingFeedURL)
	} else {
		c, err := a.crawler()
		if err != nil {
			return processor.Result{}, err
		}
		source = processor.ActiveCache{Catalog: c}
	}

	var n processor.ClaimNotifier
	if a.cfg.DiscordWebhookURL != "" {
		n = notifier.New(a.cfg.DiscordWebhookURL)
	}

	engine := claim.NewEngine(sess, a.parser, a.cfg.HomeURL)
	return processor.New(source, engine, sess, n).Sweep(ctx)
}

func (a *app) refreshSales(ctx context.Context, ids []int64) (crawler.Stats, error) {
	c, err := a.crawler()
	if err != nil {
		return crawler.Stats{}, err
	}
	if len(ids) > 0 {
		return c.RefreshSales(ctx, ids)
	}
	return c.Run(ctx)
}
