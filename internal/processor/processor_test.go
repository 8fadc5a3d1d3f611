package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/storage"
)

// --- Mock implementations ---

type mockClaimer struct {
	outcomes map[string]models.Outcome
	errs     map[string]error
	claimed  []string
}

func (m *mockClaimer) Claim(_ context.Context, g *models.Game) (models.Outcome, error) {
	m.claimed = append(m.claimed, g.URL)
	if err := m.errs[g.URL]; err != nil {
		return "", err
	}
	if o, ok := m.outcomes[g.URL]; ok {
		return o, nil
	}
	return models.OutcomeClaimed, nil
}

type mockLibrary struct {
	owned      map[string]bool
	refreshed  int
	refreshErr error
	saves      int
	afterLoad  []string
}

func (m *mockLibrary) OwnedCount() int         { return len(m.owned) }
func (m *mockLibrary) Owns(u string) bool      { return m.owned[u] }
func (m *mockLibrary) Save() error             { m.saves++; return nil }
func (m *mockLibrary) RefreshLibrary(context.Context) error {
	m.refreshed++
	if m.refreshErr != nil {
		return m.refreshErr
	}
	for _, u := range m.afterLoad {
		m.owned[u] = true
	}
	return nil
}

type mockNotifier struct {
	sent    []string
	sendErr error
}

func (m *mockNotifier) Send(_ context.Context, g *models.Game, _ models.Outcome) (string, error) {
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.sent = append(m.sent, g.URL)
	return "msg-123", nil
}

type staticSource []*models.Game

func (s staticSource) Candidates(context.Context) ([]*models.Game, error) { return s, nil }

type mockCatalog map[models.SaleStatus][]*models.Game

func (m mockCatalog) GamesWithStatus(_ context.Context, status models.SaleStatus, _ time.Time) iter.Seq[*models.Game] {
	return func(yield func(*models.Game) bool) {
		for _, g := range m[status] {
			if !yield(g) {
				return
			}
		}
	}
}

func game(id int64) *models.Game {
	return &models.Game{
		ID:         id,
		Name:       fmt.Sprintf("Game %d", id),
		URL:        fmt.Sprintf("https://dev%d.itch.io/game", id),
		SaleID:     10,
		Claimable:  models.Resolved(true),
		SaleEnd:    models.Resolved(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
		CoverImage: "",
	}
}

// --- Tests ---

func TestSweep_RefreshesEmptyLibraryThenClaimsUnowned(t *testing.T) {
	lib := &mockLibrary{owned: map[string]bool{}, afterLoad: []string{game(1).URL}}
	claimer := &mockClaimer{}
	notif := &mockNotifier{}
	p := New(staticSource{game(1), game(2)}, claimer, lib, notif)

	res, err := p.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, lib.refreshed)
	require.Equal(t, 1, lib.saves)
	require.Equal(t, []string{game(2).URL}, claimer.claimed)
	require.Equal(t, []string{game(2).URL}, notif.sent)
	require.Equal(t, Result{Candidates: 2, Claimed: 1, AlreadyOwned: 1}, res)
}

func TestSweep_SkipsRefreshWhenLibraryCached(t *testing.T) {
	lib := &mockLibrary{owned: map[string]bool{"https://elsewhere.itch.io/x": true}}
	p := New(staticSource{game(1)}, &mockClaimer{}, lib, nil)

	res, err := p.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, lib.refreshed)
	require.Equal(t, 1, res.Claimed)
}

func TestSweep_PerGameErrorsDoNotStopSweep(t *testing.T) {
	lib := &mockLibrary{owned: map[string]bool{"https://elsewhere.itch.io/x": true}}
	claimer := &mockClaimer{
		errs: map[string]error{
			game(1).URL: fmt.Errorf("%w: invalid csrf", models.ErrNegotiation),
			game(2).URL: models.ErrUnknownClaimFailure,
		},
		outcomes: map[string]models.Outcome{
			game(3).URL: models.OutcomeNotClaimable,
			game(4).URL: models.OutcomeClaimedEarlier,
		},
	}
	notif := &mockNotifier{sendErr: errors.New("discord down")}
	p := New(staticSource{game(1), game(2), game(3), game(4), game(5)}, claimer, lib, notif)

	res, err := p.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, claimer.claimed, 5)
	require.Equal(t, Result{Candidates: 5, Claimed: 1, ClaimedEarlier: 1, NotClaimable: 1, Failed: 2}, res)
}

func TestSweep_FatalErrorStops(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"authentication", fmt.Errorf("login: %w", models.ErrAuthentication)},
		{"exhausted retries", fmt.Errorf("download_url: %w", models.ErrExhaustedRetries)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := &mockLibrary{owned: map[string]bool{"https://elsewhere.itch.io/x": true}}
			claimer := &mockClaimer{errs: map[string]error{game(1).URL: tt.err}}
			p := New(staticSource{game(1), game(2)}, claimer, lib, nil)

			_, err := p.Sweep(context.Background())
			require.ErrorIs(t, err, tt.err)
			require.Len(t, claimer.claimed, 1)
		})
	}
}

func TestSweep_LibraryRefreshFailure(t *testing.T) {
	lib := &mockLibrary{owned: map[string]bool{}, refreshErr: models.ErrAuthentication}
	claimer := &mockClaimer{}
	p := New(staticSource{game(1)}, claimer, lib, nil)

	_, err := p.Sweep(context.Background())
	require.ErrorIs(t, err, models.ErrAuthentication)
	require.Empty(t, claimer.claimed)
}

func TestActiveCacheCandidates(t *testing.T) {
	catalog := mockCatalog{
		models.StatusActive:   {game(1), game(2)},
		models.StatusUpcoming: {game(3)},
	}
	games, err := ActiveCache{Catalog: catalog}.Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, games, 2)
}

func TestRemoteFeedRetriesAndDecodes(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]storage.GameRecord{storage.NewGameRecord(game(7))})
	}))
	defer srv.Close()

	feed := NewRemoteFeed(srv.URL+"/api/active.json", "")
	feed.backoff = time.Millisecond

	games, err := feed.Candidates(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	require.Len(t, games, 1)
	require.Equal(t, int64(7), games[0].ID)
	require.Equal(t, game(7).URL, games[0].URL)
	require.True(t, games[0].Enriched())

	_, err = feed.Upcoming(context.Background())
	require.Error(t, err)
}

func TestSeedAddsOnlyMissingGames(t *testing.T) {
	ctx := context.Background()
	cache := storage.NewDiskCache(t.TempDir())

	existing := game(1)
	existing.Name = "Local name"
	require.NoError(t, cache.UpsertGame(ctx, existing))

	incomplete := &models.Game{ID: 3, Name: "No probes", URL: "https://dev3.itch.io/game"}
	added, err := Seed(ctx, cache, []*models.Game{game(1), game(2), incomplete})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	got, err := cache.LoadGame(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Local name", got.Name)

	_, err = cache.LoadGame(ctx, 2)
	require.NoError(t, err)
	_, err = cache.LoadGame(ctx, 3)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestExportWritesBothFeeds(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "api")
	catalog := mockCatalog{models.StatusActive: {game(1), game(2)}}

	require.NoError(t, Export(context.Background(), catalog, dir, time.Now()))

	var active []storage.GameRecord
	data, err := os.ReadFile(filepath.Join(dir, "active.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &active))
	require.Len(t, active, 2)
	require.Equal(t, game(2).URL, *active[1].URL)

	data, err = os.ReadFile(filepath.Join(dir, "upcoming.json"))
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(data))
}
