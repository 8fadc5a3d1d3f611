package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnknownID marks a Game built from a bare URL before enrichment.
const UnknownID int64 = -1

// Game is an item covered by a promotion. URL is its natural key.
type Game struct {
	ID         int64
	Name       string
	URL        string
	CoverImage string
	// Price is nil when the listing did not show one.
	Price  *decimal.Decimal
	SaleID int64

	Claimable Memo[bool]
	SaleEnd   Memo[time.Time]

	// Legacy is set when the game was read from a record written before sales carried
	// start and end dates. It is never persisted.
	Legacy *Sale
}

// NewGameFromURL returns a Game known only by its URL.
func NewGameFromURL(url string) *Game {
	return &Game{ID: UnknownID, URL: url}
}

// IsFree reports whether the listing showed a zero price.
func (g *Game) IsFree() bool {
	return g.Price != nil && g.Price.IsZero()
}

// Enriched reports whether both network-derived fields are resolved.
func (g *Game) Enriched() bool {
	return g.Claimable.IsResolved() && g.SaleEnd.IsResolved()
}

// Outcome classifies a claim attempt that did not fail.
type Outcome string

const (
	OutcomeAlreadyOwned   Outcome = "already_owned"
	OutcomeClaimed        Outcome = "claimed"
	OutcomeClaimedEarlier Outcome = "claimed_earlier"
	OutcomeNotClaimable   Outcome = "not_claimable"
)
