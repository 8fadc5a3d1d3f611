package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pauljones0/itchclaim/internal/models"
)

var memoOpts = cmp.AllowUnexported(models.Memo[bool]{}, models.Memo[time.Time]{})

func enrichedGame(id int64) *models.Game {
	price := decimal.Zero
	return &models.Game{
		ID:         id,
		Name:       "Tiny Dungeon",
		URL:        "https://someone.itch.io/tiny-dungeon",
		CoverImage: "https://img.itch.zone/cover.png",
		Price:      &price,
		SaleID:     42,
		Claimable:  models.Resolved(true),
		SaleEnd:    models.Resolved(time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)),
	}
}

func TestDiskCacheGameRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := NewDiskCache(t.TempDir())

	want := enrichedGame(1001)
	require.NoError(t, cache.UpsertGame(ctx, want))

	got, err := cache.LoadGame(ctx, 1001)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, memoOpts); diff != "" {
		t.Errorf("LoadGame() mismatch (-want +got):\n%s", diff)
	}
}

func TestDiskCacheNullPriceRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := NewDiskCache(t.TempDir())

	want := enrichedGame(7)
	want.Price = nil
	require.NoError(t, cache.UpsertGame(ctx, want))

	got, err := cache.LoadGame(ctx, 7)
	require.NoError(t, err)
	require.Nil(t, got.Price)
}

func TestDiskCacheSaleRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := NewDiskCache(t.TempDir())

	want := models.Sale{
		ID:    42,
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, cache.UpsertSale(ctx, want))

	got, err := cache.LoadSale(ctx, 42)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadSale() mismatch (-want +got):\n%s", diff)
	}
}

func TestDiskCacheRejectsInvalidWrites(t *testing.T) {
	ctx := context.Background()
	cache := NewDiskCache(t.TempDir())

	unenriched := enrichedGame(3)
	unenriched.Claimable = models.Memo[bool]{}
	require.Error(t, cache.UpsertGame(ctx, unenriched))

	inverted := models.Sale{
		ID:    5,
		Start: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.Error(t, cache.UpsertSale(ctx, inverted))

	_, err := os.Stat(filepath.Join(cache.Root(), gamesDir, "3.json"))
	require.True(t, errors.Is(err, os.ErrNotExist), "invalid game must not be written")
}

func TestDiskCacheLoadMissing(t *testing.T) {
	ctx := context.Background()
	cache := NewDiskCache(t.TempDir())

	_, err := cache.LoadGame(ctx, 99)
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = cache.LoadSale(ctx, 99)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func writeRaw(t *testing.T, root, kind, name, body string) {
	t.Helper()
	dir := filepath.Join(root, kind)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestDiskCacheLegacyGameRecord(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cache := NewDiskCache(root)

	writeRaw(t, root, gamesDir, "5.json",
		`{"id":5,"name":"Old","url":"https://a.itch.io/old","sales":[{"id":8,"start":1600000000,"end":1600600000},{"id":9,"start":1700000000}]}`)

	g, err := cache.LoadGame(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, int64(9), g.SaleID)
	require.NotNil(t, g.Legacy)
	require.True(t, g.Legacy.NeedsRepair())
	require.False(t, g.Claimable.IsResolved())
	require.False(t, g.SaleEnd.IsResolved())
}

func TestDiskCacheLegacyGameWithCompleteSale(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cache := NewDiskCache(root)

	writeRaw(t, root, gamesDir, "6.json",
		`{"name":"Older","url":"https://a.itch.io/older","sales":[{"id":11,"start":1700000000,"end":1700600000}]}`)

	g, err := cache.LoadGame(ctx, 6)
	require.NoError(t, err)
	require.Equal(t, int64(6), g.ID)
	require.Nil(t, g.Legacy)
	end, ok := g.SaleEnd.Get()
	require.True(t, ok)
	require.Equal(t, int64(1700600000), end.Unix())
}

func TestDiskCachePartialSaleNeedsRepair(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cache := NewDiskCache(root)

	writeRaw(t, root, salesDir, "3.json", `{"id":3,"end":1700000000}`)

	s, err := cache.LoadSale(ctx, 3)
	require.NoError(t, err)
	require.True(t, s.NeedsRepair())
	require.True(t, s.Start.IsZero())
}

func TestDiskCacheIterationSkipsCorruptFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cache := NewDiskCache(root)

	require.NoError(t, cache.UpsertGame(ctx, enrichedGame(20)))
	require.NoError(t, cache.UpsertGame(ctx, enrichedGame(3)))
	writeRaw(t, root, gamesDir, "10.json", `{"id":10,`)
	writeRaw(t, root, gamesDir, "notes.txt", `ignored`)

	seq := cache.Games(ctx)
	for pass := 0; pass < 2; pass++ {
		var ids []int64
		for g := range seq {
			ids = append(ids, g.ID)
		}
		require.Equal(t, []int64{3, 20}, ids, "pass %d", pass)
	}
}

func TestDiskCacheSalesIterationStopsEarly(t *testing.T) {
	ctx := context.Background()
	cache := NewDiskCache(t.TempDir())

	for id := int64(1); id <= 3; id++ {
		require.NoError(t, cache.UpsertSale(ctx, models.Sale{
			ID:    id,
			Start: time.Unix(1700000000, 0).UTC(),
			End:   time.Unix(1700600000, 0).UTC(),
		}))
	}

	var seen []int64
	for s := range cache.Sales(ctx) {
		seen = append(seen, s.ID)
		if s.ID == 2 {
			break
		}
	}
	require.Equal(t, []int64{1, 2}, seen)
}

func TestDiskCacheCursorIsMonotonic(t *testing.T) {
	ctx := context.Background()
	cache := NewDiskCache(t.TempDir())

	n, err := cache.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	steps := []struct {
		set  int64
		want int64
	}{
		{43, 43},
		{44, 44},
		{12, 44},
		{44, 44},
		{100, 100},
	}
	for _, s := range steps {
		require.NoError(t, cache.SetCursor(ctx, s.set))
		got, err := cache.Cursor(ctx)
		require.NoError(t, err)
		require.Equal(t, s.want, got, "after SetCursor(%d)", s.set)
	}
}
