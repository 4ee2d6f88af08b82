// Package phraselookup answers "which windows contain this exact
// phrase" against the materialized windows table.
package phraselookup

import (
	"context"
	"strings"

	"github.com/seanblong/cuminer/pkg/models"
)

// Hit is one window containing the looked-up phrase.
type Hit struct {
	WindowID     int64
	TranscriptID int64
	SegStartID   int64
	SegEndID     int64
}

// WindowFinder is the subset of *store.Store phrase lookup needs.
type WindowFinder interface {
	WindowsContaining(ctx context.Context, escapedLowerPhrase string) ([]models.Window, error)
}

// Lookup returns every window whose text contains phrase, matched
// case-insensitively as an exact substring. Zero hits is not an
// error; only a broken connection is.
func Lookup(ctx context.Context, s WindowFinder, phrase string) ([]Hit, error) {
	escaped := escapeLike(strings.ToLower(phrase))

	windows, err := s.WindowsContaining(ctx, escaped)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(windows))
	for _, w := range windows {
		hits = append(hits, Hit{
			WindowID:     w.ID,
			TranscriptID: w.TranscriptID,
			SegStartID:   w.SegStartID,
			SegEndID:     w.SegEndID,
		})
	}
	return hits, nil
}

// escapeLike escapes the SQL LIKE metacharacters (\, %, _) so the
// phrase matches only as a literal substring.
func escapeLike(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`%`, `\%`,
		`_`, `\_`,
	)
	return r.Replace(s)
}
