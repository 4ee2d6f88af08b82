// Package models holds the domain types shared across the segment
// store, window index, phrase lookup, and CU miner.
package models

// Project scopes a set of transcripts mined independently of any
// other project.
type Project struct {
	ID   int64
	Slug string
}

// Transcript is an ordered sequence of segments identified by an
// external source id (e.g. a video id) within a project.
type Transcript struct {
	ID        int64
	ProjectID int64
	SourceID  string
}

// Segment is one time-aligned text unit of a transcript. Text is
// immutable once inserted; segments are totally ordered per
// transcript by (StartMS, ID).
type Segment struct {
	ID           int64
	TranscriptID int64
	StartMS      int64
	Text         string
}

// Window is a run of exactly k consecutive segments of one
// transcript, materialized by the window index.
type Window struct {
	ID           int64
	TranscriptID int64
	SegStartID   int64
	SegEndID     int64
	Text         string
}

// CanonicalUnit is a maximal verbatim phrase recurring across two or
// more transcripts.
type CanonicalUnit struct {
	ID       int64
	RepText  string
	TokenLen int
}

// CUOccurrence is one transcript's segment-range occurrence of a
// canonical unit. At most one occurrence exists per (CUID,
// TranscriptID).
type CUOccurrence struct {
	CUID           int64
	TranscriptID   int64
	SegmentStartID int64
	SegmentEndID   int64
}

// SegRange is an inclusive [First, Last] segment-id span within one
// transcript.
type SegRange struct {
	First int64
	Last  int64
}
