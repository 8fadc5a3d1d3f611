// Package crawler walks the sale ID space and keeps the local cache of sales and free
// games current.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/scraper"
	"github.com/pauljones0/itchclaim/internal/webclient"
)

// DefaultCategories are the origin's browse categories re-walked after the numeric walk.
var DefaultCategories = []string{
	"games", "tools", "game-assets", "comics", "books",
	"physical-games", "soundtracks", "game-mods", "misc",
}

type Config struct {
	BaseURL    string
	Categories []string
	Now        func() time.Time
}

// Stats summarizes one crawl.
type Stats struct {
	Sales    int
	Games    int
	Skipped  int
	Listings int
	// Cursor is the persisted resume cursor after the walk.
	Cursor int64
}

type Crawler struct {
	web      Fetcher
	store    Store
	parser   *scraper.Parser
	cfg      Config
	enricher *Enricher
	repairer *Repairer
}

func New(web Fetcher, store Store, parser *scraper.Parser, cfg Config) *Crawler {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Categories == nil {
		cfg.Categories = DefaultCategories
	}
	c := &Crawler{
		web:      web,
		store:    store,
		parser:   parser,
		cfg:      cfg,
		enricher: NewEnricher(web, parser),
	}
	c.repairer = NewRepairer(c.FetchSale, store)
	return c
}

// Repairer returns the crawler's once-per-run legacy repairer.
func (c *Crawler) Repairer() *Repairer {
	return c.repairer
}

func (c *Crawler) saleURL(n int64) string {
	return fmt.Sprintf("%s/s/%d", c.cfg.BaseURL, n)
}

// Run walks new sale IDs from the resume cursor, repairs legacy records, then re-walks
// every category listing.
func (c *Crawler) Run(ctx context.Context) (Stats, error) {
	stats, err := c.Walk(ctx)
	if err != nil {
		return stats, err
	}
	if err := c.RepairLegacy(ctx); err != nil {
		return stats, err
	}
	slog.Info("Updating games from sale listings to catch in-place updates")
	rewalk, err := c.RewalkCategories(ctx)
	stats.Games += rewalk.Games
	stats.Skipped += rewalk.Skipped
	stats.Listings += rewalk.Listings
	return stats, err
}

// Walk crawls sale IDs from the persisted cursor until the origin reports no more sales.
// The cursor is advanced past an ID only after its sale is stored and each of its games
// was either stored or skipped. A skipped game is only found again by the category
// re-walk while it is still listed as on sale.
func (c *Crawler) Walk(ctx context.Context) (Stats, error) {
	var stats Stats
	n, err := c.store.Cursor(ctx)
	if err != nil {
		return stats, err
	}
	slog.Info("Resuming sale crawl", "cursor", n)

	for {
		if err := ctx.Err(); err != nil {
			stats.Cursor = n
			return stats, err
		}

		games, err := c.crawlSale(ctx, n)
		switch {
		case err == nil:
			stats.Sales++
			stats.Games += games
		case errors.Is(err, models.ErrNoMoreSales):
			slog.Info("No more sales available", "cursor", n)
			stats.Cursor = n
			return stats, nil
		case errors.Is(err, models.ErrSaleNotFound):
			slog.Info("Sale not found, skipping", "sale", n)
			stats.Skipped++
		case errors.Is(err, models.ErrSaleIDMismatch), errors.Is(err, models.ErrParse):
			slog.Error("Skipping unparseable sale", "sale", n, "error", err)
			stats.Skipped++
		default:
			stats.Cursor = n
			return stats, fmt.Errorf("sale %d: %w", n, err)
		}

		if err := c.store.SetCursor(ctx, n+1); err != nil {
			stats.Cursor = n
			return stats, fmt.Errorf("advancing cursor past %d: %w", n, err)
		}
		n++
	}
}

// RefreshSales re-fetches only the given sale IDs. The cursor is never touched.
func (c *Crawler) RefreshSales(ctx context.Context, ids []int64) (Stats, error) {
	var stats Stats
	for _, id := range ids {
		games, err := c.crawlSale(ctx, id)
		switch {
		case err == nil:
			stats.Sales++
			stats.Games += games
		case models.IsFatal(err), ctx.Err() != nil:
			return stats, err
		default:
			slog.Warn("Failed to refresh sale", "sale", id, "error", err)
			stats.Skipped++
		}
	}
	return stats, nil
}

// FetchSale downloads and classifies sale n. It returns the sale and the page body.
//   - 404 at the requested URL: models.ErrNoMoreSales
//   - 404 after a redirect: models.ErrSaleNotFound
//   - declared id differs from n: models.ErrSaleIDMismatch
func (c *Crawler) FetchSale(ctx context.Context, n int64) (models.Sale, []byte, error) {
	resp, err := c.web.Do(ctx, http.MethodGet, c.saleURL(n), webclient.Options{
		Headers: map[string]string{"Accept-Language": "en-GB,en;q=0.9"},
	})
	if err != nil {
		return models.Sale{}, nil, err
	}

	switch resp.Status {
	case http.StatusOK:
	case http.StatusNotFound:
		if resp.Redirected {
			return models.Sale{}, nil, fmt.Errorf("sale %d redirected to %s: %w", n, resp.URL, models.ErrSaleNotFound)
		}
		return models.Sale{}, nil, fmt.Errorf("sale %d: %w", n, models.ErrNoMoreSales)
	default:
		return models.Sale{}, nil, fmt.Errorf("sale %d: unexpected status %d: %w", n, resp.Status, models.ErrParse)
	}

	sale, err := c.parser.ParseSalePage(resp.Body)
	if err != nil {
		return models.Sale{}, nil, fmt.Errorf("sale %d: %w", n, err)
	}
	if sale.ID != n {
		return models.Sale{}, nil, fmt.Errorf("sale page %d declares id %d: %w", n, sale.ID, models.ErrSaleIDMismatch)
	}
	return sale, resp.Body, nil
}

// crawlSale stores sale n and every free game on its page. It returns the number of
// games stored.
func (c *Crawler) crawlSale(ctx context.Context, n int64) (int, error) {
	sale, body, err := c.FetchSale(ctx, n)
	if err != nil {
		return 0, err
	}
	if err := c.store.UpsertSale(ctx, sale); err != nil {
		return 0, fmt.Errorf("storing sale %d: %w", n, err)
	}

	cells, err := c.parser.ParseGameCells(body, c.saleURL(n))
	if err != nil {
		return 0, fmt.Errorf("sale %d: %w", n, err)
	}

	saved := 0
	for _, g := range cells {
		if !g.IsFree() {
			slog.Debug("Game not discounted to zero", "sale", n, "game", g.URL, "price", g.Price)
			continue
		}
		g.SaleID = n
		if err := c.saveGame(ctx, g, sale.End); err != nil {
			if models.IsFatal(err) || ctx.Err() != nil {
				return saved, err
			}
			slog.Warn("Skipping game", "sale", n, "game", g.URL, "error", err)
			continue
		}
		saved++
	}

	slog.Info("Sale crawled", "sale", n, "status", sale.Status(c.cfg.Now()), "games", saved, "listed", len(cells))
	return saved, nil
}

func (c *Crawler) saveGame(ctx context.Context, g *models.Game, fallbackEnd time.Time) error {
	if err := c.enricher.Enrich(ctx, g, fallbackEnd); err != nil {
		return err
	}
	if err := c.store.UpsertGame(ctx, g); err != nil {
		return fmt.Errorf("storing game %d: %w", g.ID, err)
	}
	return nil
}
