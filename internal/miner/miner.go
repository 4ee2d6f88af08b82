// Package miner discovers canonical units: maximal verbatim phrases
// that recur across two or more transcripts. It is a direct
// transliteration of the reference build_first_cu / refine_with_branching
// algorithm into idiomatic Go, operating over a segment store and a
// phrase lookup.
package miner

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/cuminer/internal/phraselookup"
	"github.com/seanblong/cuminer/internal/store"
	"github.com/seanblong/cuminer/pkg/models"
)

// Config holds the miner's tunables.
type Config struct {
	WindowSize         int
	MinSeedTokens      int
	MinChildSize       int
	MaxChildrenPerSide int
}

// SegmentStore is the subset of *store.Store the miner needs, carved
// out so the state machine is testable against a hand-rolled fake.
type SegmentStore interface {
	OrderedSegmentIDs(ctx context.Context, transcriptID int64) ([]int64, error)
	SegmentTextRange(ctx context.Context, transcriptID, firstSegID, lastSegID int64) (string, error)
	AllOrderedSegments(ctx context.Context, transcriptID int64) ([]models.Segment, error)
	InsertCU(ctx context.Context, parent store.CUWrite, children []store.CUWrite) (int64, []int64, error)
}

// PhraseLookup is the subset of internal/phraselookup the miner needs.
type PhraseLookup interface {
	Lookup(ctx context.Context, phrase string) ([]phraselookup.Hit, error)
}

// Summary is the outcome of one successful mining cycle.
type Summary struct {
	CUID            int64
	Phrase          string
	Members         map[int64]models.SegRange
	ChildrenCreated int
}

// Miner runs the seed-scan / expand / refine / persist state machine.
type Miner struct {
	store  SegmentStore
	lookup PhraseLookup
	cfg    Config
}

// New builds a Miner over store using lookup for phrase queries.
func New(s SegmentStore, lookup PhraseLookup, cfg Config) *Miner {
	return &Miner{store: s, lookup: lookup, cfg: cfg}
}

type childCandidate struct {
	spans  map[int64]span
	phrase string
}

// BuildFirstCU scans seedTranscriptID's segments in order, looking
// for the first window that recurs in at least one other transcript,
// expands and refines it, and persists the result. It returns
// (nil, nil) if no recurring phrase is found anywhere in the seed.
func (m *Miner) BuildFirstCU(ctx context.Context, seedTranscriptID int64) (*Summary, error) {
	k := m.cfg.WindowSize

	seedIDs, err := m.store.OrderedSegmentIDs(ctx, seedTranscriptID)
	if err != nil {
		return nil, err
	}
	if len(seedIDs) < k {
		return nil, ErrSeedTooShort
	}

	for i := 0; i+k <= len(seedIDs); i++ {
		sID := seedIDs[i]
		eID := seedIDs[i+k-1]

		phrase, err := m.store.SegmentTextRange(ctx, seedTranscriptID, sID, eID)
		if err != nil {
			return nil, err
		}
		if len(tokenize(phrase)) < m.cfg.MinSeedTokens {
			continue
		}

		hits, err := m.lookup.Lookup(ctx, phrase)
		if err != nil {
			return nil, err
		}
		if !qualifies(hits, seedTranscriptID) {
			continue
		}
		log.Debug().Int("i", i).Str("phrase", phrase).Msg("seed window hit")

		curE := eID
		curHits := hits

		// EXPAND_RIGHT
		for j := i + k; j < len(seedIDs); j++ {
			candE := seedIDs[j]
			candPhrase, err := m.store.SegmentTextRange(ctx, seedTranscriptID, sID, candE)
			if err != nil {
				return nil, err
			}
			candHits, err := m.lookup.Lookup(ctx, candPhrase)
			if err != nil {
				return nil, err
			}
			if !qualifies(candHits, seedTranscriptID) {
				break
			}
			curE, curHits = candE, candHits
		}

		// EXPAND_LEFT
		for j := i - 1; j >= 0; j-- {
			candS := seedIDs[j]
			candPhrase, err := m.store.SegmentTextRange(ctx, seedTranscriptID, candS, curE)
			if err != nil {
				return nil, err
			}
			candHits, err := m.lookup.Lookup(ctx, candPhrase)
			if err != nil {
				return nil, err
			}
			if !qualifies(candHits, seedTranscriptID) {
				break
			}
			curHits = candHits
		}

		perTID := collapseHits(curHits)

		// REFINE (may short-circuit back to the segment-level result)
		parentSpans, parentPhrase, children, err := m.refineBranching(ctx, perTID, seedTranscriptID, phrase)
		if err != nil {
			return nil, err
		}

		// PERSIST
		summary, err := m.persist(ctx, parentSpans, parentPhrase, children)
		if err != nil {
			return nil, err
		}
		log.Info().Int64("cu_id", summary.CUID).Int("children", summary.ChildrenCreated).
			Str("phrase", summary.Phrase).Msg("canonical unit persisted")
		return summary, nil
	}

	// SCAN exhausted the seed without a qualifying window: no CU found.
	return nil, nil
}

// qualifies reports whether hits contain the seed transcript and at
// least one other.
func qualifies(hits []phraselookup.Hit, seedTranscriptID int64) bool {
	tids := tidSet(hits)
	if !tids[seedTranscriptID] {
		return false
	}
	return len(tids) >= 2
}

func tidSet(hits []phraselookup.Hit) map[int64]bool {
	out := make(map[int64]bool, len(hits))
	for _, h := range hits {
		out[h.TranscriptID] = true
	}
	return out
}

// collapseHits computes, for each transcript, the minimum segment
// start and maximum segment end across all of its matching windows.
func collapseHits(hits []phraselookup.Hit) map[int64]span {
	out := make(map[int64]span)
	for _, h := range hits {
		if sp, ok := out[h.TranscriptID]; ok {
			out[h.TranscriptID] = span{
				start: minInt64(sp.start, h.SegStartID),
				end:   maxInt64(sp.end, h.SegEndID),
			}
		} else {
			out[h.TranscriptID] = span{start: h.SegStartID, end: h.SegEndID}
		}
	}
	return out
}

// refineBranching implements the branching token-level refinement. It
// returns the segment-level result unchanged (with no children) if
// the seed pattern cannot be located in some member transcript.
func (m *Miner) refineBranching(
	ctx context.Context,
	perTID map[int64]span,
	seedTID int64,
	seedPhrase string,
) (map[int64]span, string, []childCandidate, error) {
	pattern := tokenize(seedPhrase)
	if len(pattern) == 0 {
		return perTID, seedPhrase, nil, nil
	}

	streams := make(map[int64]tokenStream, len(perTID))
	anchors := make(map[int64]anchor, len(perTID))

	for tid, sp := range perTID {
		segs, err := m.store.AllOrderedSegments(ctx, tid)
		if err != nil {
			return nil, "", nil, err
		}
		stream := buildStream(segs)
		a, ok := findBestAnchor(stream, pattern, sp.start, sp.end)
		if !ok {
			log.Debug().Int64("transcript_id", tid).Msg("refinement anchor not found, falling back to segment-level result")
			return perTID, seedPhrase, nil, nil
		}
		anchors[tid] = a
		streams[tid] = stream
	}

	frozen := make(map[int64]anchor)
	var children []childCandidate

	lastMultiActive := cloneBoolSet(anchorKeys(anchors))
	lastMultiSnapshot := cloneAnchors(anchors)

	makeChildSnapshot := func(tids map[int64]bool) childCandidate {
		repTID := seedTID
		if !tids[seedTID] {
			for t := range tids {
				repTID = t
				break
			}
		}
		a := anchors[repTID]
		phrase := strings.Join(streams[repTID].tokens[a.lo():a.hi()+1], " ")

		spans := make(map[int64]span, len(tids))
		for t := range tids {
			ta := anchors[t]
			segs := streams[t].tok2seg[ta.lo() : ta.hi()+1]
			lo, hi := minMaxInt64(segs)
			spans[t] = span{start: lo, end: hi}
		}
		return childCandidate{spans: spans, phrase: phrase}
	}

	branch := func(direction string, startActive map[int64]bool) map[int64]bool {
		active := cloneBoolSet(startActive)

		for {
			if len(active) >= 2 {
				lastMultiActive = cloneBoolSet(active)
				lastMultiSnapshot = make(map[int64]anchor, len(active))
				for t := range active {
					lastMultiSnapshot[t] = anchors[t]
				}
			}

			groups := make(map[string]map[int64]bool)
			seedExhausted := false
			exhausted := make(map[int64]bool)

			for t := range active {
				stream := streams[t]
				a := anchors[t]
				nextIdx := a.hi() + 1
				if direction == "LEFT" {
					nextIdx = a.lo() - 1
				}
				if nextIdx < 0 || nextIdx >= len(stream.tokens) {
					if t == seedTID {
						seedExhausted = true
					} else {
						exhausted[t] = true
					}
					continue
				}
				tok := stream.tokens[nextIdx]
				if groups[tok] == nil {
					groups[tok] = make(map[int64]bool)
				}
				groups[tok][t] = true
			}

			if seedExhausted {
				break
			}

			if len(exhausted) > 0 {
				for t := range exhausted {
					if _, ok := frozen[t]; !ok {
						frozen[t] = anchors[t]
					}
					delete(active, t)
				}
				if len(active) < 2 {
					break
				}
			}

			if len(groups) == 0 {
				break
			}

			var parentToken string
			var parentSupporters map[int64]bool
			for tok, tids := range groups {
				if tids[seedTID] {
					parentToken, parentSupporters = tok, tids
					break
				}
			}
			if parentSupporters == nil {
				best := -1
				for tok, tids := range groups {
					if len(tids) > best {
						best = len(tids)
						parentToken, parentSupporters = tok, tids
					}
				}
			}

			spawned := 0
			for tok, tids := range groups {
				if tok == parentToken {
					continue
				}
				if len(tids) >= m.cfg.MinChildSize && spawned < m.cfg.MaxChildrenPerSide {
					children = append(children, makeChildSnapshot(tids))
					spawned++
				}
				for t := range tids {
					if parentSupporters[t] {
						continue
					}
					if _, ok := frozen[t]; !ok {
						frozen[t] = anchors[t]
					}
					delete(active, t)
				}
			}

			if len(active) < 2 {
				break
			}

			for t := range parentSupporters {
				a := anchors[t]
				if direction == "RIGHT" {
					a[1]++
				} else {
					a[0]--
				}
				anchors[t] = a
			}
		}
		return active
	}

	survivors := branch("RIGHT", anchorKeys(anchors))
	survivors = branch("LEFT", survivors)

	if len(survivors) < 2 {
		survivors = cloneBoolSet(lastMultiActive)
		for t := range anchors {
			if survivors[t] {
				anchors[t] = lastMultiSnapshot[t]
			} else if _, ok := frozen[t]; !ok {
				frozen[t] = anchors[t]
			}
		}
	}

	parentLive := make(map[int64]anchor, len(survivors))
	for t := range survivors {
		parentLive[t] = anchors[t]
	}
	parentLive = growSubset(streams, parentLive)

	parentSpans := make(map[int64]span, len(parentLive)+len(frozen))
	for t, a := range parentLive {
		segs := streams[t].tok2seg[a.lo() : a.hi()+1]
		lo, hi := minMaxInt64(segs)
		parentSpans[t] = span{start: lo, end: hi}
	}
	for t, a := range frozen {
		if _, ok := parentSpans[t]; ok {
			continue
		}
		segs := streams[t].tok2seg[a.lo() : a.hi()+1]
		lo, hi := minMaxInt64(segs)
		parentSpans[t] = span{start: lo, end: hi}
	}

	seedAnchor := parentLive[seedTID]
	parentPhrase := strings.Join(streams[seedTID].tokens[seedAnchor.lo():seedAnchor.hi()+1], " ")

	deduped := dedupeChildren(parentSpans, parentPhrase, children)

	return parentSpans, parentPhrase, deduped, nil
}

func dedupeChildren(parentSpans map[int64]span, parentPhrase string, children []childCandidate) []childCandidate {
	seen := map[string]bool{spansKey(parentSpans) + "|" + parentPhrase: true}

	out := make([]childCandidate, 0, len(children))
	for _, c := range children {
		if len(c.spans) == 0 {
			continue
		}
		key := spansKey(c.spans) + "|" + c.phrase
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func anchorKeys(anchors map[int64]anchor) map[int64]bool {
	out := make(map[int64]bool, len(anchors))
	for t := range anchors {
		out[t] = true
	}
	return out
}

func cloneBoolSet(s map[int64]bool) map[int64]bool {
	out := make(map[int64]bool, len(s))
	for t := range s {
		out[t] = true
	}
	return out
}

func cloneAnchors(a map[int64]anchor) map[int64]anchor {
	out := make(map[int64]anchor, len(a))
	for t, v := range a {
		out[t] = v
	}
	return out
}

// persist writes the parent CU and its children in one transaction.
func (m *Miner) persist(ctx context.Context, parentSpans map[int64]span, parentPhrase string, children []childCandidate) (*Summary, error) {
	if len(parentSpans) == 0 {
		return nil, errors.New("miner: refinement produced no parent occurrences")
	}

	parentWrite := store.CUWrite{
		RepText:     parentPhrase,
		TokenLen:    len(tokenize(parentPhrase)),
		Occurrences: occsFromSpans(parentSpans),
	}

	childWrites := make([]store.CUWrite, len(children))
	for i, c := range children {
		childWrites[i] = store.CUWrite{
			RepText:     c.phrase,
			TokenLen:    len(tokenize(c.phrase)),
			Occurrences: occsFromSpans(c.spans),
		}
	}

	parentID, _, err := m.store.InsertCU(ctx, parentWrite, childWrites)
	if err != nil {
		return nil, err
	}

	return &Summary{
		CUID:            parentID,
		Phrase:          parentPhrase,
		Members:         spansToSegRange(parentSpans),
		ChildrenCreated: len(children),
	}, nil
}

func occsFromSpans(spans map[int64]span) []models.CUOccurrence {
	occs := make([]models.CUOccurrence, 0, len(spans))
	for tid, sp := range spans {
		occs = append(occs, models.CUOccurrence{
			TranscriptID:   tid,
			SegmentStartID: sp.start,
			SegmentEndID:   sp.end,
		})
	}
	return occs
}

func spansToSegRange(spans map[int64]span) map[int64]models.SegRange {
	out := make(map[int64]models.SegRange, len(spans))
	for tid, sp := range spans {
		out[tid] = models.SegRange{First: sp.start, Last: sp.end}
	}
	return out
}
