package claim

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/scraper"
	"github.com/pauljones0/itchclaim/internal/util"
	"github.com/pauljones0/itchclaim/internal/webclient"
)

// staleLinkErrors are negotiation errors the origin returns for a game whose URL has
// moved.
var staleLinkErrors = []string{"invalid game", "invalid user"}

// negotiate asks the origin for g's download page. A stale-link error refreshes g.URL
// and retries exactly once.
func negotiate(ctx context.Context, r Requester, g *models.Game) (string, error) {
	reply, err := requestDownloadURL(ctx, r, g.URL)
	if err != nil {
		return "", err
	}
	if len(reply.Errors) > 0 && slices.Contains(staleLinkErrors, reply.Errors[0]) {
		slog.Info("Download link is stale, refreshing game URL", "game", g.URL, "error", reply.Errors[0])
		if err := refreshURL(ctx, r, g); err != nil {
			return "", err
		}
		if reply, err = requestDownloadURL(ctx, r, g.URL); err != nil {
			return "", err
		}
	}
	if len(reply.Errors) > 0 {
		slog.Error("Failed to negotiate download", "game", g.URL, "error", reply.Errors[0])
		return "", fmt.Errorf("%w: %s: %s", models.ErrNegotiation, g.URL, reply.Errors[0])
	}
	return reply.URL, nil
}

func requestDownloadURL(ctx context.Context, r Requester, gameURL string) (scraper.DownloadURLResponse, error) {
	token, err := r.CSRFToken()
	if err != nil {
		return scraper.DownloadURLResponse{}, err
	}
	resp, err := r.Do(ctx, http.MethodPost, strings.TrimRight(gameURL, "/")+"/download_url", webclient.Options{
		JSON: map[string]string{"csrf_token": token},
	})
	if err != nil {
		return scraper.DownloadURLResponse{}, err
	}
	if resp.Status != http.StatusOK {
		return scraper.DownloadURLResponse{}, fmt.Errorf("%w: %s/download_url returned %d", models.ErrNegotiation, gameURL, resp.Status)
	}
	reply, err := scraper.ParseDownloadURL(resp.Body)
	if err != nil {
		return reply, fmt.Errorf("%w: %v", models.ErrNegotiation, err)
	}
	return reply, nil
}

// refreshURL follows one redirect from the game page and stores the new canonical URL
// in g. An unchanged page leaves g alone.
func refreshURL(ctx context.Context, r Requester, g *models.Game) error {
	resp, err := r.Do(ctx, http.MethodGet, g.URL, webclient.Options{NoRedirect: true})
	if err != nil {
		return err
	}
	if resp.Status < 300 || resp.Status >= 400 {
		return nil
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return nil
	}
	moved, err := util.NormalizeGameURL(util.ResolveURL(g.URL, location))
	if err != nil {
		return fmt.Errorf("%w: bad redirect from %s: %v", models.ErrNegotiation, g.URL, err)
	}
	if !util.SamePage(moved, g.URL) {
		slog.Info("Game moved", "from", g.URL, "to", moved)
		g.URL = moved
	}
	return nil
}
