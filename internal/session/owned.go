package session

import (
	"iter"
	"maps"
	"slices"

	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/util"
)

// OwnedSet is the account's library keyed by canonical game URL.
type OwnedSet struct {
	games map[string]*models.Game
}

func newOwnedSet() *OwnedSet {
	return &OwnedSet{games: make(map[string]*models.Game)}
}

func key(rawURL string) string {
	if u, err := util.NormalizeGameURL(rawURL); err == nil {
		return u
	}
	return rawURL
}

func (o *OwnedSet) Len() int {
	return len(o.games)
}

func (o *OwnedSet) Contains(rawURL string) bool {
	_, ok := o.games[key(rawURL)]
	return ok
}

// Add records g as owned. Adding a URL twice keeps one entry.
func (o *OwnedSet) Add(g *models.Game) {
	o.games[key(g.URL)] = g
}

// Replace swaps the whole set for games.
func (o *OwnedSet) Replace(games []*models.Game) {
	next := make(map[string]*models.Game, len(games))
	for _, g := range games {
		next[key(g.URL)] = g
	}
	o.games = next
}

// All yields owned games ordered by URL.
func (o *OwnedSet) All() iter.Seq[*models.Game] {
	return func(yield func(*models.Game) bool) {
		for _, k := range slices.Sorted(maps.Keys(o.games)) {
			if !yield(o.games[k]) {
				return
			}
		}
	}
}
