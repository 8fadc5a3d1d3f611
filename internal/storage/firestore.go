package storage

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/validator"
)

const (
	gamesCollection = "games"
	salesCollection = "sales"
	stateCollection = "crawl_state"
	cursorDocument  = "resume_index"
)

// firestoreGame mirrors GameRecord with Firestore-native types.
type firestoreGame struct {
	ID         int64     `firestore:"id"`
	Name       string    `firestore:"name"`
	URL        string    `firestore:"url"`
	Price      *string   `firestore:"price"`
	Claimable  *bool     `firestore:"claimable"`
	SaleID     int64     `firestore:"saleID"`
	SaleEnd    time.Time `firestore:"saleEnd"`
	CoverImage string    `firestore:"coverImage"`
}

type firestoreSale struct {
	ID      int64     `firestore:"id"`
	Start   time.Time `firestore:"start"`
	End     time.Time `firestore:"end"`
	Removed bool      `firestore:"removed"`
	Known   string    `firestore:"known,omitempty"`
}

type crawlState struct {
	Cursor    int64     `firestore:"cursor"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// FirestoreStore keeps the same entities as DiskCache in Firestore, for runs on hosts
// without a persistent disk.
type FirestoreStore struct {
	client   *firestore.Client
	validate *validator.Validator
}

func NewFirestoreStore(ctx context.Context, projectID string) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return &FirestoreStore{client: client, validate: validator.New()}, nil
}

func (c *FirestoreStore) Close() error {
	return c.client.Close()
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// UpsertGame writes g to the games collection.
func (c *FirestoreStore) UpsertGame(ctx context.Context, g *models.Game) error {
	if err := c.validate.ValidateStruct(NewGameRecord(g)); err != nil {
		return fmt.Errorf("game %q: %w", g.URL, err)
	}
	claimable, _ := g.Claimable.Get()
	saleEnd, _ := g.SaleEnd.Get()
	doc := firestoreGame{
		ID:         g.ID,
		Name:       g.Name,
		URL:        g.URL,
		Claimable:  &claimable,
		SaleID:     g.SaleID,
		SaleEnd:    saleEnd,
		CoverImage: g.CoverImage,
	}
	if g.Price != nil {
		s := g.Price.String()
		doc.Price = &s
	}
	_, err := c.client.Collection(gamesCollection).Doc(docID(g.ID)).Set(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to upsert game %d: %w", g.ID, err)
	}
	return nil
}

// UpsertSale writes s to the sales collection.
func (c *FirestoreStore) UpsertSale(ctx context.Context, s models.Sale) error {
	if s.End.Before(s.Start) {
		return fmt.Errorf("sale %d: end %s before start %s", s.ID, s.End, s.Start)
	}
	if err := c.validate.ValidateStruct(NewSaleRecord(s)); err != nil {
		return fmt.Errorf("sale %d: %w", s.ID, err)
	}
	doc := firestoreSale{ID: s.ID, Start: s.Start, End: s.End, Removed: s.Removed, Known: s.Known}
	if _, err := c.client.Collection(salesCollection).Doc(docID(s.ID)).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to upsert sale %d: %w", s.ID, err)
	}
	return nil
}

// LoadGame retrieves a game by ID.
func (c *FirestoreStore) LoadGame(ctx context.Context, id int64) (*models.Game, error) {
	snap, err := c.client.Collection(gamesCollection).Doc(docID(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("game %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get game %d: %w", id, err)
	}
	return decodeGame(snap)
}

// LoadSale retrieves a sale by ID.
func (c *FirestoreStore) LoadSale(ctx context.Context, id int64) (models.Sale, error) {
	snap, err := c.client.Collection(salesCollection).Doc(docID(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return models.Sale{}, fmt.Errorf("sale %d: %w", id, models.ErrNotFound)
		}
		return models.Sale{}, fmt.Errorf("failed to get sale %d: %w", id, err)
	}
	return decodeSale(snap)
}

func decodeGame(snap *firestore.DocumentSnapshot) (*models.Game, error) {
	var doc firestoreGame
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal game data: %w", err)
	}
	g := &models.Game{
		ID:         doc.ID,
		Name:       doc.Name,
		URL:        doc.URL,
		SaleID:     doc.SaleID,
		CoverImage: doc.CoverImage,
	}
	if doc.Price != nil {
		if p, err := decimal.NewFromString(*doc.Price); err == nil {
			g.Price = &p
		}
	}
	if doc.Claimable != nil {
		g.Claimable = models.Resolved(*doc.Claimable)
	}
	if !doc.SaleEnd.IsZero() {
		g.SaleEnd = models.Resolved(doc.SaleEnd.UTC())
	}
	return g, nil
}

func decodeSale(snap *firestore.DocumentSnapshot) (models.Sale, error) {
	var doc firestoreSale
	if err := snap.DataTo(&doc); err != nil {
		return models.Sale{}, fmt.Errorf("failed to unmarshal sale data: %w", err)
	}
	return models.Sale{
		ID:      doc.ID,
		Start:   doc.Start.UTC(),
		End:     doc.End.UTC(),
		Removed: doc.Removed,
		Known:   doc.Known,
	}, nil
}

// Games yields every game document ordered by ID, skipping documents that fail to decode.
func (c *FirestoreStore) Games(ctx context.Context) iter.Seq[*models.Game] {
	return func(yield func(*models.Game) bool) {
		docs := c.client.Collection(gamesCollection).OrderBy("id", firestore.Asc).Documents(ctx)
		defer docs.Stop()
		for {
			snap, err := docs.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				slog.Warn("Failed to iterate games", "error", err)
				return
			}
			g, err := decodeGame(snap)
			if err != nil {
				slog.Warn("Skipping unreadable game document", "id", snap.Ref.ID, "error", err)
				continue
			}
			if !yield(g) {
				return
			}
		}
	}
}

// Sales yields every sale document ordered by ID.
func (c *FirestoreStore) Sales(ctx context.Context) iter.Seq[models.Sale] {
	return func(yield func(models.Sale) bool) {
		docs := c.client.Collection(salesCollection).OrderBy("id", firestore.Asc).Documents(ctx)
		defer docs.Stop()
		for {
			snap, err := docs.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				slog.Warn("Failed to iterate sales", "error", err)
				return
			}
			s, err := decodeSale(snap)
			if err != nil {
				slog.Warn("Skipping unreadable sale document", "id", snap.Ref.ID, "error", err)
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

// Cursor returns the stored resume index, defaulting to 1.
func (c *FirestoreStore) Cursor(ctx context.Context) (int64, error) {
	snap, err := c.client.Collection(stateCollection).Doc(cursorDocument).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 1, nil
		}
		return 0, fmt.Errorf("failed to read resume index: %w", err)
	}
	var state crawlState
	if err := snap.DataTo(&state); err != nil {
		return 0, fmt.Errorf("failed to unmarshal resume index: %w", err)
	}
	return max(state.Cursor, 1), nil
}

// SetCursor advances the resume index inside a transaction so it never decreases.
func (c *FirestoreStore) SetCursor(ctx context.Context, n int64) error {
	ref := c.client.Collection(stateCollection).Doc(cursorDocument)
	return c.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var state crawlState
			if err := snap.DataTo(&state); err != nil {
				return err
			}
			if n <= state.Cursor {
				return nil
			}
		}
		return tx.Set(ref, crawlState{Cursor: n, UpdatedAt: time.Now()})
	})
}
