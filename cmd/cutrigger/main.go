package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/cuminer/internal/config"
	"github.com/seanblong/cuminer/internal/miner"
	"github.com/seanblong/cuminer/internal/phraselookup"
	"github.com/seanblong/cuminer/internal/store"
	"github.com/seanblong/cuminer/internal/windowindex"
)

// lookupAdapter adapts *store.Store to miner.PhraseLookup by binding
// the package-level phraselookup.Lookup function to one store.
type lookupAdapter struct {
	store *store.Store
}

func (a lookupAdapter) Lookup(ctx context.Context, phrase string) ([]phraselookup.Hit, error) {
	return phraselookup.Lookup(ctx, a.store, phrase)
}

func main() {
	fs := pflag.NewFlagSet("cutrigger", pflag.ExitOnError)

	seed := fs.Int64("seed", 1, "Seed transcript id to mine from")
	k := fs.Int("k", 0, "Window size (consecutive segments per window); defaults to the configured window size")
	minTokens := fs.Int("min-tokens", 0, "Minimum word-token count for a seed window; defaults to the configured value")
	refresh := fs.Bool("refresh", false, "Rebuild the window index before mining")
	clear := fs.Bool("clear", false, "Delete all canonical units before mining")

	// config.Load registers its own flags on fs and parses os.Args, so
	// every flag this command adds must be registered above first.
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	if !fs.Changed("k") {
		*k = cfg.WindowSize
	}
	if !fs.Changed("min-tokens") {
		*minTokens = cfg.MinSeedTokens
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	zlog.Logger = zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	ctx := context.Background()

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	if *clear {
		if err := st.ClearCUs(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "clear: %v\n", err)
			os.Exit(1)
		}
	}

	if *refresh {
		if err := windowindex.RefreshAll(ctx, st, *k); err != nil {
			fmt.Fprintf(os.Stderr, "refresh: %v\n", err)
			os.Exit(1)
		}
	}

	m := miner.New(st, lookupAdapter{store: st}, miner.Config{
		WindowSize:         *k,
		MinSeedTokens:      *minTokens,
		MinChildSize:       cfg.MinChildSize,
		MaxChildrenPerSide: cfg.MaxChildrenPerSide,
	})

	summary, err := m.BuildFirstCU(ctx, *seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mine: %v\n", err)
		os.Exit(1)
	}
	if summary == nil {
		fmt.Println("no canonical unit found")
		return
	}

	transcriptIDs := make([]int64, 0, len(summary.Members))
	for tid := range summary.Members {
		transcriptIDs = append(transcriptIDs, tid)
	}
	sourceIDs, err := st.SourceIDs(ctx, transcriptIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mine: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("cu_id=%d phrase=%q children=%d\n", summary.CUID, summary.Phrase, summary.ChildrenCreated)
	for tid, rng := range summary.Members {
		fmt.Printf("  transcript=%d source=%s segments=[%d,%d]\n", tid, sourceIDs[tid], rng.First, rng.Last)
	}
}
