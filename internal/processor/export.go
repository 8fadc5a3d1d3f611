package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/storage"
)

// Export writes active.json and upcoming.json under dir from the local cache.
func Export(ctx context.Context, catalog Catalog, dir string, now time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}
	feeds := []struct {
		name   string
		status models.SaleStatus
	}{
		{"active.json", models.StatusActive},
		{"upcoming.json", models.StatusUpcoming},
	}
	for _, feed := range feeds {
		records := []storage.GameRecord{}
		for g := range catalog.GamesWithStatus(ctx, feed.status, now) {
			records = append(records, storage.NewGameRecord(g))
		}
		data, err := json.Marshal(records)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", feed.name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, feed.name), data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", feed.name, err)
		}
	}
	return nil
}
