package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/validator"
)

const (
	gamesDir        = "games"
	salesDir        = "sales"
	resumeIndexFile = "resume_index.txt"
)

// DiskCache stores one JSON file per entity under root. It assumes a single writer.
type DiskCache struct {
	root     string
	validate *validator.Validator
}

// NewDiskCache returns a cache rooted at root. Directories are created on first write.
func NewDiskCache(root string) *DiskCache {
	return &DiskCache{root: root, validate: validator.New()}
}

// Root returns the directory the cache writes to.
func (d *DiskCache) Root() string {
	return d.root
}

func (d *DiskCache) entityPath(kind string, id int64) string {
	return filepath.Join(d.root, kind, strconv.FormatInt(id, 10)+".json")
}

// UpsertGame writes g keyed by its numeric ID. Both memoized fields must be resolved.
func (d *DiskCache) UpsertGame(_ context.Context, g *models.Game) error {
	rec := NewGameRecord(g)
	if err := d.validate.ValidateStruct(rec); err != nil {
		return fmt.Errorf("game %q: %w", g.URL, err)
	}
	return d.writeJSON(d.entityPath(gamesDir, g.ID), rec)
}

// UpsertSale writes s keyed by its ID.
func (d *DiskCache) UpsertSale(_ context.Context, s models.Sale) error {
	if s.End.Before(s.Start) {
		return fmt.Errorf("sale %d: end %s before start %s", s.ID, s.End, s.Start)
	}
	rec := NewSaleRecord(s)
	if err := d.validate.ValidateStruct(rec); err != nil {
		return fmt.Errorf("sale %d: %w", s.ID, err)
	}
	return d.writeJSON(d.entityPath(salesDir, s.ID), rec)
}

// LoadGame returns the game stored under id, or models.ErrNotFound.
func (d *DiskCache) LoadGame(_ context.Context, id int64) (*models.Game, error) {
	var rec GameRecord
	if err := d.readJSON(d.entityPath(gamesDir, id), &rec); err != nil {
		return nil, fmt.Errorf("game %d: %w", id, err)
	}
	return rec.Game(id), nil
}

// LoadSale returns the sale stored under id, or models.ErrNotFound. A record missing
// start or end is returned as-is; callers check Sale.NeedsRepair.
func (d *DiskCache) LoadSale(_ context.Context, id int64) (models.Sale, error) {
	var rec SaleRecord
	if err := d.readJSON(d.entityPath(salesDir, id), &rec); err != nil {
		return models.Sale{}, fmt.Errorf("sale %d: %w", id, err)
	}
	return rec.Sale(id), nil
}

// Games yields every cached game in ID order. Files that fail to parse are logged
// and skipped. Each call re-reads the directory.
func (d *DiskCache) Games(_ context.Context) iter.Seq[*models.Game] {
	return func(yield func(*models.Game) bool) {
		for id, path := range d.listIDs(gamesDir) {
			var rec GameRecord
			if err := d.readJSON(path, &rec); err != nil {
				slog.Warn("Skipping unreadable game file", "path", path, "error", err)
				continue
			}
			if !yield(rec.Game(id)) {
				return
			}
		}
	}
}

// Sales yields every cached sale in ID order, skipping unreadable files.
func (d *DiskCache) Sales(_ context.Context) iter.Seq[models.Sale] {
	return func(yield func(models.Sale) bool) {
		for id, path := range d.listIDs(salesDir) {
			var rec SaleRecord
			if err := d.readJSON(path, &rec); err != nil {
				slog.Warn("Skipping unreadable sale file", "path", path, "error", err)
				continue
			}
			if !yield(rec.Sale(id)) {
				return
			}
		}
	}
}

// Cursor returns the next unexamined sale ID. It defaults to 1.
func (d *DiskCache) Cursor(_ context.Context) (int64, error) {
	data, err := os.ReadFile(filepath.Join(d.root, resumeIndexFile))
	if errors.Is(err, os.ErrNotExist) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading resume index: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing resume index: %w", err)
	}
	if n < 1 {
		return 1, nil
	}
	return n, nil
}

// SetCursor persists n if it is ahead of the stored cursor. It never moves backwards.
func (d *DiskCache) SetCursor(ctx context.Context, n int64) error {
	current, err := d.Cursor(ctx)
	if err != nil {
		return err
	}
	if n <= current {
		return nil
	}
	return d.writeFile(filepath.Join(d.root, resumeIndexFile), []byte(strconv.FormatInt(n, 10)))
}

func (d *DiskCache) listIDs(kind string) iter.Seq2[int64, string] {
	return func(yield func(int64, string) bool) {
		dir := filepath.Join(d.root, kind)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				slog.Warn("Failed to list cache directory", "dir", dir, "error", err)
			}
			return
		}

		ids := make([]int64, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			id, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			if !yield(id, d.entityPath(kind, id)) {
				return
			}
		}
	}
}

func (d *DiskCache) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func (d *DiskCache) writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return d.writeFile(path, data)
}

// writeFile replaces path atomically so a crash never leaves a truncated record.
func (d *DiskCache) writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
