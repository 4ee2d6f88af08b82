package miner

import "errors"

// ErrSeedTooShort is returned when the seed transcript has fewer
// segments than the configured window size — it cannot supply even
// one seed window.
var ErrSeedTooShort = errors.New("miner: seed transcript has fewer segments than the window size")
