package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/storage"
	"github.com/pauljones0/itchclaim/internal/util"
)

const (
	feedRetries = 3
	feedBackoff = 500 * time.Millisecond
)

// RemoteFeed reads the published active and upcoming game feeds. Each feed is a JSON
// array of game records, the same shape Export writes.
type RemoteFeed struct {
	client      *resty.Client
	activeURL   string
	upcomingURL string
	backoff     time.Duration
}

func NewRemoteFeed(activeURL, upcomingURL string) *RemoteFeed {
	client := resty.New()
	client.SetTimeout(30 * time.Second)
	client.SetHeader("Accept", "application/json")
	return &RemoteFeed{
		client:      client,
		activeURL:   activeURL,
		upcomingURL: upcomingURL,
		backoff:     feedBackoff,
	}
}

func (f *RemoteFeed) Active(ctx context.Context) ([]*models.Game, error) {
	return f.fetch(ctx, f.activeURL)
}

func (f *RemoteFeed) Upcoming(ctx context.Context) ([]*models.Game, error) {
	return f.fetch(ctx, f.upcomingURL)
}

// Candidates returns the active feed.
func (f *RemoteFeed) Candidates(ctx context.Context) ([]*models.Game, error) {
	slog.Info("Downloading free games list", "url", f.activeURL)
	return f.fetch(ctx, f.activeURL)
}

func (f *RemoteFeed) fetch(ctx context.Context, feedURL string) ([]*models.Game, error) {
	if feedURL == "" {
		return nil, errors.New("feed url not configured")
	}

	var records []storage.GameRecord
	err := util.RetryWithBackoff(ctx, feedRetries, f.backoff, func(attempt int) error {
		res, err := f.client.R().SetContext(ctx).Get(feedURL)
		if err != nil {
			slog.Warn("Feed request failed", "url", feedURL, "attempt", attempt, "error", err)
			return err
		}
		if res.IsError() {
			return fmt.Errorf("feed %s: status %d", feedURL, res.StatusCode())
		}
		records = nil
		if err := json.Unmarshal(res.Body(), &records); err != nil {
			return fmt.Errorf("feed %s: %w: %v", feedURL, models.ErrParse, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	games := make([]*models.Game, 0, len(records))
	for _, rec := range records {
		g := rec.Game(models.UnknownID)
		if g.URL == "" {
			continue
		}
		games = append(games, g)
	}
	return games, nil
}

// Seed stores feed games the local cache does not have yet. Existing records are
// never overwritten. It returns the number of games added.
func Seed(ctx context.Context, store GameStore, games []*models.Game) (int, error) {
	added := 0
	for _, g := range games {
		if g.ID <= 0 {
			continue
		}
		_, err := store.LoadGame(ctx, g.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, models.ErrNotFound) {
			return added, err
		}
		if err := store.UpsertGame(ctx, g); err != nil {
			slog.Warn("Skipping incomplete feed game", "game", g.URL, "error", err)
			continue
		}
		added++
	}
	slog.Info("Seeded games from remote feed", "added", added, "total", len(games))
	return added, nil
}
