package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pauljones0/itchclaim/internal/models"
)

// GameRecord is the persisted form of a Game. Every field is a pointer so that a
// record written by an older version decodes without error; writes require all of
// them except the nullable price.
type GameRecord struct {
	ID         *int64           `json:"id" validate:"required,gt=0"`
	Name       *string          `json:"name" validate:"required"`
	URL        *string          `json:"url" validate:"required,url"`
	Price      *decimal.Decimal `json:"price"`
	Claimable  *bool            `json:"claimable" validate:"required"`
	SaleID     *int64           `json:"sale_id" validate:"required"`
	SaleEnd    *int64           `json:"sale_end" validate:"required"`
	CoverImage *string          `json:"cover_image" validate:"required"`

	// Sales is only present in records written before sale_id/sale_end existed.
	Sales []LegacySaleRef `json:"sales,omitempty"`
}

// LegacySaleRef is a sale embedded in a pre-versioning game record.
type LegacySaleRef struct {
	ID    int64  `json:"id"`
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// SaleRecord is the persisted form of a Sale.
type SaleRecord struct {
	ID      *int64 `json:"id" validate:"required,gt=0"`
	Start   *int64 `json:"start" validate:"required"`
	End     *int64 `json:"end" validate:"required"`
	Removed bool   `json:"removed,omitempty"`
	Known   string `json:"known,omitempty" validate:"omitempty,oneof=start end"`
}

func ptr[T any](v T) *T { return &v }

// NewGameRecord converts g into its persisted form. Unresolved memo fields stay nil
// and fail validation on write.
func NewGameRecord(g *models.Game) GameRecord {
	rec := GameRecord{
		ID:         ptr(g.ID),
		Name:       ptr(g.Name),
		URL:        ptr(g.URL),
		Price:      g.Price,
		SaleID:     ptr(g.SaleID),
		CoverImage: ptr(g.CoverImage),
	}
	if v, ok := g.Claimable.Get(); ok {
		rec.Claimable = ptr(v)
	}
	if v, ok := g.SaleEnd.Get(); ok {
		rec.SaleEnd = ptr(v.Unix())
	}
	return rec
}

// Game converts a record back into a Game. fallbackID is used when the record has
// no id field (the file name carries it).
func (r GameRecord) Game(fallbackID int64) *models.Game {
	g := &models.Game{ID: fallbackID, Price: r.Price}
	if r.ID != nil {
		g.ID = *r.ID
	}
	if r.Name != nil {
		g.Name = *r.Name
	}
	if r.URL != nil {
		g.URL = *r.URL
	}
	if r.CoverImage != nil {
		g.CoverImage = *r.CoverImage
	}
	if r.SaleID != nil {
		g.SaleID = *r.SaleID
	}
	if r.Claimable != nil {
		g.Claimable = models.Resolved(*r.Claimable)
	}
	if r.SaleEnd != nil {
		g.SaleEnd = models.Resolved(time.Unix(*r.SaleEnd, 0).UTC())
	}

	if len(r.Sales) > 0 {
		last := r.Sales[len(r.Sales)-1]
		sale := last.sale()
		if g.SaleID == 0 {
			g.SaleID = sale.ID
		}
		if sale.NeedsRepair() {
			g.Legacy = &sale
		} else if !g.SaleEnd.IsResolved() {
			g.SaleEnd = models.Resolved(sale.End)
		}
	}
	return g
}

func (l LegacySaleRef) sale() models.Sale {
	s := models.Sale{ID: l.ID}
	if l.Start != nil {
		s.Start = time.Unix(*l.Start, 0).UTC()
	}
	if l.End != nil {
		s.End = time.Unix(*l.End, 0).UTC()
	}
	return s
}

// NewSaleRecord converts s into its persisted form.
func NewSaleRecord(s models.Sale) SaleRecord {
	rec := SaleRecord{ID: ptr(s.ID), Removed: s.Removed, Known: s.Known}
	if !s.Start.IsZero() {
		rec.Start = ptr(s.Start.Unix())
	}
	if !s.End.IsZero() {
		rec.End = ptr(s.End.Unix())
	}
	return rec
}

// Sale converts a record back into a Sale. A missing start or end leaves the
// corresponding time zero, which Sale.NeedsRepair reports.
func (r SaleRecord) Sale(fallbackID int64) models.Sale {
	s := models.Sale{ID: fallbackID, Removed: r.Removed, Known: r.Known}
	if r.ID != nil {
		s.ID = *r.ID
	}
	if r.Start != nil {
		s.Start = time.Unix(*r.Start, 0).UTC()
	}
	if r.End != nil {
		s.End = time.Unix(*r.End, 0).UTC()
	}
	return s
}
