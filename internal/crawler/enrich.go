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

// Enricher resolves a game's network-derived fields. Each probe runs at most once per
// Game value; a failed probe leaves the field unresolved.
type Enricher struct {
	web    Fetcher
	parser *scraper.Parser
}

func NewEnricher(web Fetcher, parser *scraper.Parser) *Enricher {
	return &Enricher{web: web, parser: parser}
}

// Enrich resolves Claimable and SaleEnd. When the data.json probe fails for a
// non-fatal reason, fallbackEnd (usually the sale page's end) is used if set.
func (e *Enricher) Enrich(ctx context.Context, g *models.Game, fallbackEnd time.Time) error {
	if _, err := g.Claimable.Resolve(func() (bool, error) {
		return e.probeClaimable(ctx, g.URL)
	}); err != nil {
		return fmt.Errorf("claimable probe: %w", err)
	}

	_, err := g.SaleEnd.Resolve(func() (time.Time, error) {
		end, err := e.probeSaleEnd(ctx, g)
		if err == nil {
			return end, nil
		}
		if models.IsFatal(err) || ctx.Err() != nil || fallbackEnd.IsZero() {
			return time.Time{}, err
		}
		slog.Debug("Using sale page end date", "game", g.URL, "error", err)
		return fallbackEnd, nil
	})
	if err != nil {
		return fmt.Errorf("sale_end probe: %w", err)
	}
	return nil
}

func (e *Enricher) probeClaimable(ctx context.Context, gameURL string) (bool, error) {
	resp, err := e.web.Do(ctx, http.MethodGet, gameURL, webclient.Options{})
	if err != nil {
		return false, err
	}
	if resp.Status == http.StatusNotFound {
		return false, nil
	}
	return e.parser.ParseClaimable(resp.Body)
}

// probeSaleEnd reads the game's data.json. It also fills in the game's ID and sale ID
// when they are not yet known.
func (e *Enricher) probeSaleEnd(ctx context.Context, g *models.Game) (time.Time, error) {
	resp, err := e.web.Do(ctx, http.MethodGet, strings.TrimRight(g.URL, "/")+"/data.json", webclient.Options{})
	if err != nil {
		return time.Time{}, err
	}
	if resp.Status != http.StatusOK {
		return time.Time{}, fmt.Errorf("data.json status %d: %w", resp.Status, models.ErrNoActiveSale)
	}
	data, err := e.parser.ParseGameData(resp.Body)
	if data.ID > 0 && g.ID <= 0 {
		g.ID = data.ID
	}
	if err != nil {
		if errors.Is(err, models.ErrNoActiveSale) {
			return time.Time{}, fmt.Errorf("game %q: %w", g.URL, err)
		}
		return time.Time{}, err
	}
	if g.SaleID == 0 {
		g.SaleID = data.SaleID
	}
	return data.SaleEnd, nil
}
