// Package windowindex rebuilds the materialized windows table that
// the phrase lookup and CU miner read from: one row per run of k
// consecutive segments of a transcript.
package windowindex

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/cuminer/internal/store"
)

// ErrEmptyStaging is returned when a rebuild would leave the windows
// table empty; the rebuild is refused rather than committed.
var ErrEmptyStaging = store.ErrEmptyStaging

// Rebuilder is the subset of *store.Store the window index needs.
type Rebuilder interface {
	RebuildWindows(ctx context.Context, k int) (int64, error)
}

// RefreshAll rebuilds the windows table for every transcript using
// window size k, replacing its prior contents atomically.
func RefreshAll(ctx context.Context, s Rebuilder, k int) error {
	if k <= 0 {
		return errors.New("windowindex: k must be positive")
	}

	count, err := s.RebuildWindows(ctx, k)
	if err != nil {
		if errors.Is(err, ErrEmptyStaging) {
			log.Warn().Int("k", k).Msg("window rebuild refused: staged window set is empty")
			return ErrEmptyStaging
		}
		return err
	}

	log.Info().Int("k", k).Int64("windows", count).Msg("window index rebuilt")
	return nil
}
