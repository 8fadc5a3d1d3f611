package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pauljones0/itchclaim/internal/models"
)

// SaleFetcher downloads one sale page.
type SaleFetcher func(ctx context.Context, n int64) (models.Sale, []byte, error)

// Repairer completes sales loaded from records that predate start/end dates. Each sale
// ID is re-fetched at most once per Repairer; concurrent requests for the same ID share
// one fetch.
type Repairer struct {
	fetch SaleFetcher
	store Store

	group    singleflight.Group
	mu       sync.Mutex
	repaired map[int64]models.Sale
}

func NewRepairer(fetch SaleFetcher, store Store) *Repairer {
	return &Repairer{fetch: fetch, store: store, repaired: make(map[int64]models.Sale)}
}

func (r *Repairer) cached(id int64) (models.Sale, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.repaired[id]
	return s, ok
}

// Repair returns s unchanged when it is complete. Otherwise it re-fetches the sale. A
// sale the origin no longer has is marked removed, with its missing date collapsed onto
// the known one. The result is persisted.
func (r *Repairer) Repair(ctx context.Context, s models.Sale) (models.Sale, error) {
	if !s.NeedsRepair() {
		return s, nil
	}
	if done, ok := r.cached(s.ID); ok {
		return done, nil
	}

	v, err, _ := r.group.Do(strconv.FormatInt(s.ID, 10), func() (any, error) {
		if done, ok := r.cached(s.ID); ok {
			return done, nil
		}

		fresh, _, err := r.fetch(ctx, s.ID)
		switch {
		case err == nil:
		case errors.Is(err, models.ErrNoMoreSales), errors.Is(err, models.ErrSaleNotFound):
			fresh = s
			fresh.CollapseRemoved()
			if fresh.NeedsRepair() {
				return nil, fmt.Errorf("sale %d removed with no known dates: %w", s.ID, models.ErrSchemaMismatch)
			}
		default:
			return nil, err
		}

		if err := r.store.UpsertSale(ctx, fresh); err != nil {
			return nil, err
		}
		slog.Info("Repaired legacy sale", "sale", s.ID, "removed", fresh.Removed)

		r.mu.Lock()
		r.repaired[s.ID] = fresh
		r.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return models.Sale{}, err
	}
	return v.(models.Sale), nil
}

// LoadGame loads a game and, for a legacy record, repairs its sale and fills in the
// sale end from it.
func (c *Crawler) LoadGame(ctx context.Context, id int64) (*models.Game, error) {
	g, err := c.store.LoadGame(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.upgradeLegacy(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (c *Crawler) upgradeLegacy(ctx context.Context, g *models.Game) error {
	if g.Legacy == nil {
		return nil
	}
	sale, err := c.repairer.Repair(ctx, *g.Legacy)
	if err != nil {
		return fmt.Errorf("game %d: %w", g.ID, err)
	}
	g.Legacy = nil
	g.SaleID = sale.ID
	if !g.SaleEnd.IsResolved() {
		g.SaleEnd = models.Resolved(sale.End)
	}
	return nil
}

// RepairLegacy repairs every incomplete cached sale and rewrites legacy game records in
// the current schema. Failures are logged per record.
func (c *Crawler) RepairLegacy(ctx context.Context) error {
	for s := range c.store.Sales(ctx) {
		if !s.NeedsRepair() {
			continue
		}
		if _, err := c.repairer.Repair(ctx, s); err != nil {
			if models.IsFatal(err) || ctx.Err() != nil {
				return err
			}
			slog.Warn("Failed to repair sale", "sale", s.ID, "error", err)
		}
	}

	for g := range c.store.Games(ctx) {
		if g.Legacy == nil && g.Enriched() {
			continue
		}
		if err := c.upgradeLegacy(ctx, g); err != nil {
			if models.IsFatal(err) || ctx.Err() != nil {
				return err
			}
			slog.Warn("Failed to repair game", "game", g.ID, "error", err)
			continue
		}
		if err := c.saveGame(ctx, g, time.Time{}); err != nil {
			if models.IsFatal(err) || ctx.Err() != nil {
				return err
			}
			slog.Warn("Failed to upgrade game record", "game", g.ID, "error", err)
		}
	}
	return nil
}
