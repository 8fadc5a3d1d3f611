// Package processor runs claim sweeps over candidate games and moves game snapshots
// between the local cache and JSON feeds.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/pauljones0/itchclaim/internal/models"
)

type Processor interface {
	Sweep(ctx context.Context) (Result, error)
}

// Result counts the outcomes of one sweep.
type Result struct {
	Candidates     int
	Claimed        int
	ClaimedEarlier int
	AlreadyOwned   int
	NotClaimable   int
	Failed         int
}

type ClaimProcessor struct {
	source   CandidateSource
	claimer  Claimer
	library  Library
	notifier ClaimNotifier
}

// New returns a processor. notifier may be nil.
func New(source CandidateSource, claimer Claimer, library Library, notifier ClaimNotifier) *ClaimProcessor {
	return &ClaimProcessor{
		source:   source,
		claimer:  claimer,
		library:  library,
		notifier: notifier,
	}
}

// Sweep claims every candidate the account does not own. The library is downloaded
// first if the owned set is empty. Per-game failures are logged and counted; only a
// fatal error stops the sweep.
func (p *ClaimProcessor) Sweep(ctx context.Context) (Result, error) {
	var res Result

	if p.library.OwnedCount() == 0 {
		slog.Info("Library not cached, downloading it now")
		if err := p.library.RefreshLibrary(ctx); err != nil {
			return res, fmt.Errorf("failed to refresh library: %w", err)
		}
		if err := p.library.Save(); err != nil {
			slog.Warn("Failed to save session", "error", err)
		}
	}

	games, err := p.source.Candidates(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list candidate games: %w", err)
	}
	res.Candidates = len(games)
	slog.Info("Claiming games", "candidates", len(games))

	for _, g := range games {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.library.Owns(g.URL) {
			res.AlreadyOwned++
			continue
		}

		outcome, err := p.claimer.Claim(ctx, g)
		if err != nil {
			if models.IsFatal(err) {
				return res, err
			}
			slog.Error("Failed to claim game", "game", g.URL, "error", err)
			res.Failed++
			continue
		}

		switch outcome {
		case models.OutcomeClaimed:
			res.Claimed++
			p.notify(ctx, g, outcome)
		case models.OutcomeClaimedEarlier:
			res.ClaimedEarlier++
		case models.OutcomeAlreadyOwned:
			res.AlreadyOwned++
		case models.OutcomeNotClaimable:
			res.NotClaimable++
		}
	}

	if res.Claimed == 0 {
		slog.Info("No new games can be claimed")
	}
	slog.Info("Finished claim sweep",
		"claimed", res.Claimed,
		"claimedEarlier", res.ClaimedEarlier,
		"owned", res.AlreadyOwned,
		"notClaimable", res.NotClaimable,
		"failed", res.Failed,
	)
	return res, nil
}

func (p *ClaimProcessor) notify(ctx context.Context, g *models.Game, outcome models.Outcome) {
	if p.notifier == nil {
		return
	}
	if _, err := p.notifier.Send(ctx, g, outcome); err != nil {
		slog.Error("Error sending to Discord", "game", g.URL, "error", err)
	}
}

// ActiveCache offers the locally cached games whose sale is running.
type ActiveCache struct {
	Catalog Catalog
	Now     func() time.Time
}

func (a ActiveCache) Candidates(ctx context.Context) ([]*models.Game, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	return slices.Collect(a.Catalog.GamesWithStatus(ctx, models.StatusActive, now())), nil
}
