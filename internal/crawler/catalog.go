package crawler

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/pauljones0/itchclaim/internal/models"
)

// Status classifies a cached game by its sale. When the sale itself is not cached the
// game's own sale end decides between active and expired.
func (c *Crawler) Status(ctx context.Context, g *models.Game, now time.Time) models.SaleStatus {
	if g.SaleID > 0 {
		sale, err := c.store.LoadSale(ctx, g.SaleID)
		if err == nil {
			if sale, err = c.repairer.Repair(ctx, sale); err == nil {
				return sale.Status(now)
			}
		}
		if !errors.Is(err, models.ErrNotFound) {
			slog.Debug("Falling back to game sale end", "game", g.ID, "sale", g.SaleID, "error", err)
		}
	}
	if end, ok := g.SaleEnd.Get(); ok && now.Before(end) {
		return models.StatusActive
	}
	return models.StatusExpired
}

// GamesWithStatus yields cached games whose sale has the given status at now. Legacy
// records are upgraded on the way out.
func (c *Crawler) GamesWithStatus(ctx context.Context, status models.SaleStatus, now time.Time) iter.Seq[*models.Game] {
	return func(yield func(*models.Game) bool) {
		for g := range c.store.Games(ctx) {
			if err := c.upgradeLegacy(ctx, g); err != nil {
				slog.Warn("Skipping game with unrepairable sale", "game", g.ID, "error", err)
				continue
			}
			if c.Status(ctx, g, now) != status {
				continue
			}
			if !yield(g) {
				return
			}
		}
	}
}

// ActiveGames yields games whose sale is running at now.
func (c *Crawler) ActiveGames(ctx context.Context, now time.Time) iter.Seq[*models.Game] {
	return c.GamesWithStatus(ctx, models.StatusActive, now)
}

// UpcomingGames yields games whose sale has not started at now.
func (c *Crawler) UpcomingGames(ctx context.Context, now time.Time) iter.Seq[*models.Game] {
	return c.GamesWithStatus(ctx, models.StatusUpcoming, now)
}
