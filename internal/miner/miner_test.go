package miner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/seanblong/cuminer/internal/phraselookup"
	"github.com/seanblong/cuminer/internal/store"
	"github.com/seanblong/cuminer/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// fakeStore is an in-memory SegmentStore keyed on segment ids
// assigned sequentially per transcript, matching (start_ms, id)
// order.
type fakeStore struct {
	segments map[int64][]models.Segment // transcript -> ordered segments
	inserted []store.CUWrite
}

func (f *fakeStore) OrderedSegmentIDs(ctx context.Context, transcriptID int64) ([]int64, error) {
	segs, ok := f.segments[transcriptID]
	if !ok {
		return nil, nil
	}
	ids := make([]int64, len(segs))
	for i, s := range segs {
		ids[i] = s.ID
	}
	return ids, nil
}

func (f *fakeStore) SegmentTextRange(ctx context.Context, transcriptID, firstSegID, lastSegID int64) (string, error) {
	segs := f.segments[transcriptID]
	var parts []string
	for _, s := range segs {
		if s.ID >= firstSegID && s.ID <= lastSegID {
			parts = append(parts, strings.TrimSpace(s.Text))
		}
	}
	return strings.TrimSpace(strings.Join(parts, " ")), nil
}

func (f *fakeStore) AllOrderedSegments(ctx context.Context, transcriptID int64) ([]models.Segment, error) {
	return f.segments[transcriptID], nil
}

func (f *fakeStore) InsertCU(ctx context.Context, parent store.CUWrite, children []store.CUWrite) (int64, []int64, error) {
	f.inserted = append(f.inserted, parent)
	childIDs := make([]int64, len(children))
	for i, c := range children {
		f.inserted = append(f.inserted, c)
		childIDs[i] = int64(len(f.inserted))
	}
	return int64(len(f.inserted)), childIDs, nil
}

// fakeLookup answers phrase lookups by scanning fakeStore's segments
// directly: it reports every contiguous run of segments (of any
// length) whose joined, lowercased text equals the phrase exactly.
type fakeLookup struct {
	store *fakeStore
}

func (l *fakeLookup) Lookup(ctx context.Context, phrase string) ([]phraselookup.Hit, error) {
	needle := strings.ToLower(strings.TrimSpace(phrase))
	if needle == "" {
		return nil, nil
	}

	var hits []phraselookup.Hit
	for tid, segs := range l.store.segments {
		for i := range segs {
			for j := i; j < len(segs); j++ {
				var parts []string
				for _, s := range segs[i : j+1] {
					parts = append(parts, strings.TrimSpace(s.Text))
				}
				joined := strings.ToLower(strings.TrimSpace(strings.Join(parts, " ")))
				if joined == needle {
					hits = append(hits, phraselookup.Hit{
						TranscriptID: tid,
						SegStartID:   segs[i].ID,
						SegEndID:     segs[j].ID,
					})
				}
			}
		}
	}
	return hits, nil
}

// seg is a test-authoring shorthand for building a transcript's
// segment list with sequential ids and start times.
func seg(id int64, text string) models.Segment {
	return models.Segment{ID: id, TranscriptID: 0, StartMS: id * 1000, Text: text}
}

func withTranscript(id int64, segs []models.Segment) []models.Segment {
	out := make([]models.Segment, len(segs))
	for i, s := range segs {
		s.TranscriptID = id
		out[i] = s
	}
	return out
}

func defaultConfig() Config {
	return Config{
		WindowSize:         3,
		MinSeedTokens:      3,
		MinChildSize:       2,
		MaxChildrenPerSide: 4,
	}
}

func TestBuildFirstCUSeedTooShort(t *testing.T) {
	fs := &fakeStore{segments: map[int64][]models.Segment{
		1: withTranscript(1, []models.Segment{seg(1, "hello"), seg(2, "world")}),
	}}
	m := New(fs, &fakeLookup{store: fs}, defaultConfig())

	_, err := m.BuildFirstCU(context.Background(), 1)
	if !errors.Is(err, ErrSeedTooShort) {
		t.Fatalf("expected ErrSeedTooShort, got %v", err)
	}
}

func TestBuildFirstCUNoRecurringPhraseReturnsNil(t *testing.T) {
	fs := &fakeStore{segments: map[int64][]models.Segment{
		1: withTranscript(1, []models.Segment{seg(1, "alpha one"), seg(2, "beta two"), seg(3, "gamma three")}),
		2: withTranscript(2, []models.Segment{seg(4, "completely different"), seg(5, "unrelated words"), seg(6, "nothing shared")}),
	}}
	m := New(fs, &fakeLookup{store: fs}, defaultConfig())

	summary, err := m.BuildFirstCU(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary != nil {
		t.Fatalf("expected no CU found, got %+v", summary)
	}
}

func TestBuildFirstCUFindsRecurringPhraseAndExpands(t *testing.T) {
	// Both transcripts share the exact 3-segment run "the quick brown" /
	// "fox jumps over" / "the lazy dog", bracketed by non-matching
	// segments on each side.
	fs := &fakeStore{segments: map[int64][]models.Segment{
		1: withTranscript(1, []models.Segment{
			seg(1, "intro line one"),
			seg(2, "the quick brown"),
			seg(3, "fox jumps over"),
			seg(4, "the lazy dog"),
			seg(5, "outro segment"),
		}),
		2: withTranscript(2, []models.Segment{
			seg(6, "totally different"),
			seg(7, "the quick brown"),
			seg(8, "fox jumps over"),
			seg(9, "the lazy dog"),
			seg(10, "unrelated ending"),
		}),
	}}
	m := New(fs, &fakeLookup{store: fs}, defaultConfig())

	summary, err := m.BuildFirstCU(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary == nil {
		t.Fatal("expected a CU to be found")
	}

	wantTokens := []string{"the", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog"}
	gotTokens := tokenize(summary.Phrase)
	if len(gotTokens) != len(wantTokens) {
		t.Fatalf("expected phrase %v, got %v (%q)", wantTokens, gotTokens, summary.Phrase)
	}
	for i := range wantTokens {
		if gotTokens[i] != wantTokens[i] {
			t.Fatalf("expected phrase %v, got %v", wantTokens, gotTokens)
		}
	}

	if len(summary.Members) != 2 {
		t.Fatalf("expected 2 occurrences (invariant: every CU spans >=2 distinct transcripts), got %d", len(summary.Members))
	}
	if _, ok := summary.Members[1]; !ok {
		t.Error("expected seed transcript 1 among members")
	}
	if _, ok := summary.Members[2]; !ok {
		t.Error("expected transcript 2 among members")
	}
}

// TestBuildFirstCURefinementBranchesIntoChildAndFreezesOnExhaustion covers
// the token-level branching path (spec.md §8 scenarios 1/5/6): four
// transcripts share a single-segment seed window ("shared"), but
// segment boundaries are staggered so the segment-level expand-right
// step fails immediately and refineBranching takes over. Transcripts 1
// and 2 keep matching token-by-token ("alpha", then "common") while 3
// and 4 diverge together right after the seed token, forming a child
// CU. Transcript 2's token stream ends exactly at "common", exercising
// the exhaustion-freeze path, after which the <2-active-survivor
// fallback restores the 1/2 pair from its last multi-member snapshot.
func TestBuildFirstCURefinementBranchesIntoChildAndFreezesOnExhaustion(t *testing.T) {
	fs := &fakeStore{segments: map[int64][]models.Segment{
		1: withTranscript(1, []models.Segment{
			seg(1, "shared"),
			seg(2, "alpha"),
			seg(3, "common"),
			seg(4, "moreT1"),
			seg(5, "evenmoreT1"),
		}),
		// Segment 7 merges two words into one segment, so no contiguous
		// run of t2's segments ever assembles to exactly "shared alpha" -
		// the segment-level expand-right candidate phrase from t1 cannot
		// match t2 at the segment level, even though their token streams
		// agree through "shared alpha common".
		2: withTranscript(2, []models.Segment{
			seg(6, "shared"),
			seg(7, "alpha common"),
		}),
		3: withTranscript(3, []models.Segment{
			seg(9, "shared"),
			seg(10, "beta"),
			seg(11, "x3"),
		}),
		4: withTranscript(4, []models.Segment{
			seg(12, "shared"),
			seg(13, "beta"),
			seg(14, "x4"),
		}),
	}}
	cfg := defaultConfig()
	cfg.WindowSize = 1
	cfg.MinSeedTokens = 1
	m := New(fs, &fakeLookup{store: fs}, cfg)

	summary, err := m.BuildFirstCU(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary == nil {
		t.Fatal("expected a CU to be found")
	}

	wantTokens := []string{"shared", "alpha", "common"}
	gotTokens := tokenize(summary.Phrase)
	if len(gotTokens) != len(wantTokens) {
		t.Fatalf("expected phrase %v, got %v (%q)", wantTokens, gotTokens, summary.Phrase)
	}
	for i := range wantTokens {
		if gotTokens[i] != wantTokens[i] {
			t.Fatalf("expected phrase %v, got %v", wantTokens, gotTokens)
		}
	}

	if summary.ChildrenCreated != 1 {
		t.Fatalf("expected branching to spawn exactly 1 child CU, got %d", summary.ChildrenCreated)
	}

	wantMembers := map[int64]models.SegRange{
		1: {First: 1, Last: 3},
		2: {First: 6, Last: 7},
		3: {First: 9, Last: 9},
		4: {First: 12, Last: 12},
	}
	if len(summary.Members) != len(wantMembers) {
		t.Fatalf("expected %d members, got %d (%+v)", len(wantMembers), len(summary.Members), summary.Members)
	}
	for tid, want := range wantMembers {
		got, ok := summary.Members[tid]
		if !ok {
			t.Errorf("expected transcript %d among members", tid)
			continue
		}
		if got != want {
			t.Errorf("transcript %d: expected range %+v, got %+v", tid, want, got)
		}
	}

	if len(fs.inserted) != 2 {
		t.Fatalf("expected parent + 1 child write, got %d", len(fs.inserted))
	}
	child := fs.inserted[1]
	if child.RepText != "shared" {
		t.Errorf("expected child rep_text %q, got %q", "shared", child.RepText)
	}
	if len(child.Occurrences) != 2 {
		t.Fatalf("expected child to occur in 2 transcripts, got %d", len(child.Occurrences))
	}
	childTIDs := map[int64]bool{}
	for _, occ := range child.Occurrences {
		childTIDs[occ.TranscriptID] = true
	}
	if !childTIDs[3] || !childTIDs[4] {
		t.Errorf("expected child CU to cover transcripts 3 and 4, got %+v", child.Occurrences)
	}
}

func TestBuildFirstCUSkipsSeedBelowMinTokens(t *testing.T) {
	cfg := defaultConfig()
	cfg.WindowSize = 2
	cfg.MinSeedTokens = 5 // window of 2 short segments never reaches 5 tokens

	fs := &fakeStore{segments: map[int64][]models.Segment{
		1: withTranscript(1, []models.Segment{seg(1, "a b"), seg(2, "a b")}),
		2: withTranscript(2, []models.Segment{seg(3, "a b"), seg(4, "a b")}),
	}}
	m := New(fs, &fakeLookup{store: fs}, cfg)

	summary, err := m.BuildFirstCU(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary != nil {
		t.Fatalf("expected seed windows to be skipped for being too short, got %+v", summary)
	}
}

func TestBuildFirstCUPersistsTokenLenMatchingPhrase(t *testing.T) {
	fs := &fakeStore{segments: map[int64][]models.Segment{
		1: withTranscript(1, []models.Segment{
			seg(1, "one two three four"),
			seg(2, "five six seven"),
		}),
		2: withTranscript(2, []models.Segment{
			seg(3, "one two three four"),
			seg(4, "five six seven"),
		}),
	}}
	cfg := defaultConfig()
	cfg.WindowSize = 2
	cfg.MinSeedTokens = 4
	m := New(fs, &fakeLookup{store: fs}, cfg)

	summary, err := m.BuildFirstCU(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary == nil {
		t.Fatal("expected a CU to be found")
	}

	if len(fs.inserted) == 0 {
		t.Fatal("expected a persisted write")
	}
	parent := fs.inserted[0]
	if parent.TokenLen != len(tokenize(parent.RepText)) {
		t.Errorf("invariant 2 violated: token_len %d != token count of rep_text %q", parent.TokenLen, parent.RepText)
	}
}

func TestQualifiesRequiresSeedAndAnother(t *testing.T) {
	hits := []phraselookup.Hit{{TranscriptID: 1}}
	if qualifies(hits, 1) {
		t.Error("expected false: only the seed transcript matched")
	}

	hits = []phraselookup.Hit{{TranscriptID: 2}, {TranscriptID: 3}}
	if qualifies(hits, 1) {
		t.Error("expected false: seed transcript absent")
	}

	hits = []phraselookup.Hit{{TranscriptID: 1}, {TranscriptID: 2}}
	if !qualifies(hits, 1) {
		t.Error("expected true: seed plus one other")
	}
}

func TestCollapseHitsBoundsPerTranscript(t *testing.T) {
	hits := []phraselookup.Hit{
		{TranscriptID: 1, SegStartID: 10, SegEndID: 12},
		{TranscriptID: 1, SegStartID: 8, SegEndID: 9},
		{TranscriptID: 2, SegStartID: 20, SegEndID: 22},
	}
	got := collapseHits(hits)
	if got[1] != (span{start: 8, end: 12}) {
		t.Errorf("expected transcript 1 span [8,12], got %+v", got[1])
	}
	if got[2] != (span{start: 20, end: 22}) {
		t.Errorf("expected transcript 2 span [20,22], got %+v", got[2])
	}
}

func TestGrowSubsetNoOpOnSingleMember(t *testing.T) {
	streams := map[int64]tokenStream{
		1: {tokens: []string{"a", "b", "c"}, tok2seg: []int64{1, 1, 2}},
	}
	anchors := map[int64]anchor{1: {1, 1}}
	got := growSubset(streams, anchors)
	if got[1] != (anchor{1, 1}) {
		t.Errorf("expected anchor unchanged on single-member set, got %+v", got[1])
	}
}

func TestGrowSubsetExpandsWhileTokensMatch(t *testing.T) {
	streams := map[int64]tokenStream{
		1: {tokens: []string{"x", "a", "b", "c", "y"}, tok2seg: []int64{1, 1, 1, 2, 2}},
		2: {tokens: []string{"z", "a", "b", "c", "w"}, tok2seg: []int64{3, 3, 3, 4, 4}},
	}
	anchors := map[int64]anchor{
		1: {1, 2}, // "a b"
		2: {1, 2},
	}
	got := growSubset(streams, anchors)
	if got[1] != (anchor{1, 3}) {
		t.Errorf("expected transcript 1 anchor to grow right to include 'c', got %+v", got[1])
	}
	if got[2] != (anchor{1, 3}) {
		t.Errorf("expected transcript 2 anchor to grow right to include 'c', got %+v", got[2])
	}
}

func TestDedupeChildrenDropsParentDuplicate(t *testing.T) {
	parentSpans := map[int64]span{1: {start: 1, end: 2}, 2: {start: 3, end: 4}}
	children := []childCandidate{
		{spans: map[int64]span{1: {start: 1, end: 2}, 2: {start: 3, end: 4}}, phrase: "same as parent"},
		{spans: map[int64]span{3: {start: 5, end: 6}, 4: {start: 7, end: 8}}, phrase: "a real child"},
	}
	out := dedupeChildren(parentSpans, "same as parent", children)
	if len(out) != 1 {
		t.Fatalf("expected 1 surviving child, got %d", len(out))
	}
	if out[0].phrase != "a real child" {
		t.Errorf("expected the non-duplicate child to survive, got %q", out[0].phrase)
	}
}
