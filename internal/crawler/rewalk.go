package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/scraper"
	"github.com/pauljones0/itchclaim/internal/webclient"
)

func (c *Crawler) listingURL(category string, page int) string {
	return fmt.Sprintf("%s/%s/on-sale?format=json&page=%d", c.cfg.BaseURL, category, page)
}

// RewalkCategories pages through every category's on-sale listing and re-stores the
// free games it finds, so sales edited in place are picked up. The cursor is untouched.
func (c *Crawler) RewalkCategories(ctx context.Context) (Stats, error) {
	var stats Stats
	for _, category := range c.cfg.Categories {
		for page := 1; ; page++ {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			listing, err := c.fetchListing(ctx, category, page)
			if err != nil {
				if models.IsFatal(err) {
					return stats, err
				}
				slog.Warn("Failed to read listing", "category", category, "page", page, "error", err)
				break
			}
			if listing.NumItems == 0 {
				break
			}
			stats.Listings++

			saved, skipped, err := c.storeListing(ctx, listing, c.listingURL(category, page))
			stats.Games += saved
			stats.Skipped += skipped
			if err != nil {
				return stats, err
			}
		}
	}
	slog.Info("Category listings re-walked", "listings", stats.Listings, "games", stats.Games)
	return stats, nil
}

func (c *Crawler) fetchListing(ctx context.Context, category string, page int) (scraper.ListingPage, error) {
	resp, err := c.web.Do(ctx, http.MethodGet, c.listingURL(category, page), webclient.Options{})
	if err != nil {
		return scraper.ListingPage{}, err
	}
	if resp.Status != http.StatusOK {
		return scraper.ListingPage{}, fmt.Errorf("%s page %d: status %d: %w", category, page, resp.Status, models.ErrNotFound)
	}
	return scraper.ParseListingPage(resp.Body)
}

func (c *Crawler) storeListing(ctx context.Context, listing scraper.ListingPage, pageURL string) (saved, skipped int, err error) {
	cells, err := c.parser.ParseGameCells([]byte(listing.Content), pageURL)
	if err != nil {
		slog.Warn("Failed to parse listing", "url", pageURL, "error", err)
		return 0, 0, nil
	}
	for _, g := range cells {
		if !g.IsFree() {
			continue
		}
		prev, _ := c.store.LoadGame(ctx, g.ID)
		err := c.enricher.Enrich(ctx, g, savedSaleEnd(prev))
		if err == nil {
			if g.SaleID == 0 && prev != nil {
				g.SaleID = prev.SaleID
			}
			err = c.store.UpsertGame(ctx, g)
		}
		if err != nil {
			if models.IsFatal(err) || ctx.Err() != nil {
				return saved, skipped, err
			}
			slog.Warn("Skipping listed game", "game", g.URL, "error", err)
			skipped++
			continue
		}
		saved++
		c.ensureSale(ctx, g.SaleID)
	}
	return saved, skipped, nil
}

// savedSaleEnd returns the sale end of a previously cached game, or zero.
func savedSaleEnd(prev *models.Game) time.Time {
	if prev == nil {
		return time.Time{}
	}
	end, _ := prev.SaleEnd.Get()
	return end
}

// ensureSale stores the sale a re-walked game belongs to if it is not cached yet.
func (c *Crawler) ensureSale(ctx context.Context, id int64) {
	if id <= 0 {
		return
	}
	_, err := c.store.LoadSale(ctx, id)
	if !errors.Is(err, models.ErrNotFound) {
		return
	}
	sale, _, err := c.FetchSale(ctx, id)
	if err != nil {
		slog.Debug("Could not fetch sale of listed game", "sale", id, "error", err)
		return
	}
	if err := c.store.UpsertSale(ctx, sale); err != nil {
		slog.Warn("Failed to store sale of listed game", "sale", id, "error", err)
	}
}
