package processor

import (
	"context"
	"iter"
	"time"

	"github.com/pauljones0/itchclaim/internal/models"
)

// Claimer runs the claim transaction for one game.
type Claimer interface {
	Claim(ctx context.Context, g *models.Game) (models.Outcome, error)
}

// Library is the account's owned-games snapshot.
type Library interface {
	OwnedCount() int
	Owns(rawURL string) bool
	RefreshLibrary(ctx context.Context) error
	Save() error
}

// ClaimNotifier announces a successful claim.
type ClaimNotifier interface {
	Send(ctx context.Context, g *models.Game, outcome models.Outcome) (string, error)
}

// CandidateSource lists the games a sweep tries to claim.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]*models.Game, error)
}

// Catalog classifies cached games by sale status. crawler.Crawler satisfies it.
type Catalog interface {
	GamesWithStatus(ctx context.Context, status models.SaleStatus, now time.Time) iter.Seq[*models.Game]
}

// GameStore is where remote feed games are seeded.
type GameStore interface {
	LoadGame(ctx context.Context, id int64) (*models.Game, error)
	UpsertGame(ctx context.Context, g *models.Game) error
}
