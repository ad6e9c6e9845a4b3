package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// CatalogWatcher polls clinic.yaml and hands every new valid version to
// onUpdate. A version is new when its content digest changes, so touching
// the file is not a reload.
type CatalogWatcher struct {
	path     string
	interval time.Duration
	onUpdate func(*Catalog)
	logger   *zerolog.Logger
	digest   [sha256.Size]byte
	loaded   bool
}

func NewCatalogWatcher(path string, interval time.Duration, logger *zerolog.Logger, onUpdate func(*Catalog)) *CatalogWatcher {
	if path == "" {
		path = "configs/clinic.yaml"
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	l := logger.With().Str("component", "catalog_watch").Str("path", path).Logger()
	return &CatalogWatcher{path: path, interval: interval, onUpdate: onUpdate, logger: &l}
}

// Reload reads the file once. It reports whether onUpdate was called; an
// invalid file leaves the previous version in force.
func (w *CatalogWatcher) Reload() (bool, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, fmt.Errorf("read clinic catalog: %w", err)
	}
	sum := sha256.Sum256(data)
	if w.loaded && sum == w.digest {
		return false, nil
	}

	cat, err := ParseCatalog(data)
	if err != nil {
		return false, err
	}
	w.digest, w.loaded = sum, true
	if w.onUpdate != nil {
		w.onUpdate(cat)
	}
	return true, nil
}

// Run polls until ctx is done.
func (w *CatalogWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := w.Reload()
			if err != nil {
				w.logger.Warn().Err(err).Msg("Clinic catalog unreadable or invalid, keeping previous")
				continue
			}
			if changed {
				w.logger.Info().Msg("Clinic catalog reloaded")
			}
		}
	}
}
