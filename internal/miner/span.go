package miner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/seanblong/cuminer/pkg/models"
)

// span is an inclusive [start, end] segment-id range within one
// transcript.
type span struct {
	start int64
	end   int64
}

// tokenStream is a transcript's full text tokenized into lowercase
// words, with tok2seg mapping each token back to the segment id it
// came from.
type tokenStream struct {
	tokens  []string
	tok2seg []int64
}

func buildStream(segs []models.Segment) tokenStream {
	var stream tokenStream
	for _, seg := range segs {
		toks := tokenize(seg.Text)
		stream.tokens = append(stream.tokens, toks...)
		for range toks {
			stream.tok2seg = append(stream.tok2seg, seg.ID)
		}
	}
	return stream
}

// anchor is a token-index range [lo, hi] of the agreed phrase within
// one transcript's token stream.
type anchor [2]int

func (a anchor) lo() int { return a[0] }
func (a anchor) hi() int { return a[1] }

// findBestAnchor locates the occurrence of pattern within stream
// whose covered segment range has the greatest overlap with
// [segLo, segHi], returning false if pattern never occurs.
func findBestAnchor(stream tokenStream, pattern []string, segLo, segHi int64) (anchor, bool) {
	m := len(pattern)
	if m == 0 || m > len(stream.tokens) {
		return anchor{}, false
	}

	found := false
	var best anchor
	var bestOverlap int64

	for i := 0; i+m <= len(stream.tokens); i++ {
		match := true
		for j := 0; j < m; j++ {
			if stream.tokens[i+j] != pattern[j] {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		covered := stream.tok2seg[i : i+m]
		coveredMin, coveredMax := minMaxInt64(covered)
		overlap := minInt64(coveredMax, segHi) - maxInt64(coveredMin, segLo) + 1
		if !found || overlap > bestOverlap {
			found = true
			bestOverlap = overlap
			best = anchor{i, i + m - 1}
		}
	}
	return best, found
}

// growSubset attempts one more symmetric "grow while all next/prev
// tokens are equal" pass across every transcript in anchors. It is a
// no-op on a set with fewer than two members.
func growSubset(streams map[int64]tokenStream, anchors map[int64]anchor) map[int64]anchor {
	if len(anchors) < 2 {
		return anchors
	}

	for {
		var tok string
		ok := true
		first := true
		for t, a := range anchors {
			stream := streams[t]
			if a.hi()+1 >= len(stream.tokens) {
				ok = false
				break
			}
			nt := stream.tokens[a.hi()+1]
			if first {
				tok = nt
				first = false
			} else if nt != tok {
				ok = false
				break
			}
		}
		if !ok {
			break
		}
		for t, a := range anchors {
			a[1]++
			anchors[t] = a
		}
	}

	for {
		var tok string
		ok := true
		first := true
		for t, a := range anchors {
			stream := streams[t]
			if a.lo()-1 < 0 {
				ok = false
				break
			}
			pt := stream.tokens[a.lo()-1]
			if first {
				tok = pt
				first = false
			} else if pt != tok {
				ok = false
				break
			}
		}
		if !ok {
			break
		}
		for t, a := range anchors {
			a[0]--
			anchors[t] = a
		}
	}

	return anchors
}

func minMaxInt64(vs []int64) (min, max int64) {
	min, max = vs[0], vs[0]
	for _, v := range vs[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// spansKey builds a deterministic string key for a (transcript →
// span) map, used to de-duplicate child candidates against the
// parent and against one another.
func spansKey(spans map[int64]span) string {
	ids := make([]int64, 0, len(spans))
	for t := range spans {
		ids = append(ids, t)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var sb strings.Builder
	for _, t := range ids {
		sp := spans[t]
		fmt.Fprintf(&sb, "%d:%d-%d;", t, sp.start, sp.end)
	}
	return sb.String()
}
