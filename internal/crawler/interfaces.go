package crawler

import (
	"context"
	"iter"

	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/webclient"
)

// Store is the persistence the crawler writes to. storage.DiskCache and
// storage.FirestoreStore both satisfy it.
type Store interface {
	UpsertSale(ctx context.Context, s models.Sale) error
	UpsertGame(ctx context.Context, g *models.Game) error
	LoadSale(ctx context.Context, id int64) (models.Sale, error)
	LoadGame(ctx context.Context, id int64) (*models.Game, error)
	Sales(ctx context.Context) iter.Seq[models.Sale]
	Games(ctx context.Context) iter.Seq[*models.Game]
	Cursor(ctx context.Context) (int64, error)
	SetCursor(ctx context.Context, n int64) error
}

// Fetcher sends one HTTP exchange under the retry policy. Both webclient.Client and
// session.Session satisfy it.
type Fetcher interface {
	Do(ctx context.Context, method, rawURL string, opts webclient.Options) (*webclient.Response, error)
}
