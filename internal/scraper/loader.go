package scraper

import (
	"embed"
	"log/slog"
)

//go:embed selectors.json
var embeddedSelectors embed.FS

// LoadConfig resolves the parse contract in this order:
// 1. External file at path, when path is set
// 2. Embedded selectors.json
// 3. Hardcoded defaults
func LoadConfig(path string) SelectorConfig {
	if path != "" {
		if fileSel, err := LoadSelectors(path); err == nil {
			slog.Info("Loaded selectors from external file", "path", path, "version", fileSel.Version)
			return fileSel
		} else {
			slog.Warn("Failed to load external selectors, trying embedded config", "path", path, "error", err)
		}
	}

	data, err := embeddedSelectors.ReadFile("selectors.json")
	if err == nil {
		sel, parseErr := LoadSelectorsFromBytes(data)
		if parseErr == nil {
			slog.Debug("Loaded selectors from embedded config", "version", sel.Version)
			return sel
		}
		slog.Warn("Embedded selectors failed to parse, using defaults", "error", parseErr)
	}

	return DefaultSelectors()
}
