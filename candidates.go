package shardq

import (
	"sync"

	"github.com/andreyvit/shardq/kv"
)

// Candidate is a document eligible for evaluation.
type Candidate struct {
	// Key is the document-space key; its row is the shard.
	Key     kv.Key
	Pointer DocumentPointer
	// Document optionally carries attributes already known from the index.
	Document *Document
}

func (c Candidate) Shard() []byte {
	return c.Key.Row
}

// CandidateSource produces candidates in order. Next returns false once the
// source is exhausted.
type CandidateSource interface {
	Next() (Candidate, bool, error)
}

// SliceCandidates serves a fixed list of candidates.
func SliceCandidates(cands []Candidate) CandidateSource {
	return &sliceSource{cands: cands}
}

type sliceSource struct {
	mu    sync.Mutex
	cands []Candidate
}

func (s *sliceSource) Next() (Candidate, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cands) == 0 {
		return Candidate{}, false, nil
	}
	c := s.cands[0]
	s.cands = s.cands[1:]
	return c, true, nil
}

// PointerCandidates builds candidates for the given documents of one shard.
func PointerCandidates(shard string, ptrs ...DocumentPointer) CandidateSource {
	cands := make([]Candidate, len(ptrs))
	for i, ptr := range ptrs {
		cands[i] = Candidate{Key: DocumentKey([]byte(shard), ptr), Pointer: ptr}
	}
	return SliceCandidates(cands)
}

// Candidates returns the scanner's matches within r as a candidate source.
// The scanner is seeked on the first call.
func (s *FieldIndexScanner) Candidates(r kv.Range) CandidateSource {
	return &scannerSource{scanner: s, rang: r}
}

type scannerSource struct {
	scanner *FieldIndexScanner
	rang    kv.Range
	started bool
}

func (src *scannerSource) Next() (Candidate, bool, error) {
	s := src.scanner
	if !src.started {
		src.started = true
		if err := s.Seek(src.rang); err != nil {
			return Candidate{}, false, err
		}
	} else if err := s.Next(); err != nil {
		return Candidate{}, false, err
	}
	if !s.HasTop() {
		return Candidate{}, false, nil
	}
	return Candidate{Key: s.Key(), Pointer: s.Pointer(), Document: s.Document()}, true, nil
}
