package shardq

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/andreyvit/shardq/kv"
)

const defaultMoveStepThreshold = 256

type ScannerOptions struct {
	TimeFilter     KeyFilter
	DatatypeFilter KeyFilter
	// BuildDocument makes the scanner assemble a partial document holding
	// the matched term for each candidate.
	BuildDocument bool
	Aggregator    Aggregator
	// MoveStepThreshold is the number of single steps Move tries before
	// falling back to a seek. Defaults to 256.
	MoveStepThreshold int
	Logger            *slog.Logger
	Metrics           *Metrics
}

// FieldIndexScanner walks the field index of a single term and yields the
// document keys (row=shard, cf=datatype\0uid) of matching documents in key
// order. It jumps over unrelated column families, values and rows with seeks,
// so sparse terms cost a number of seeks proportional to the number of
// matching regions rather than the number of keys in the shard.
//
// The scanner owns its source cursor. It is not safe for concurrent use.
type FieldIndexScanner struct {
	term           Term
	cf             []byte
	valueMinPrefix []byte

	source  kv.Cursor
	limited *limitedCursor

	timeFilter     KeyFilter
	datatypeFilter KeyFilter
	timeSeeker     SeekingFilter
	datatypeSeeker SeekingFilter
	aggregator     Aggregator
	buildDocument  bool
	moveThreshold  int

	scanRange kv.Range
	limitRow  []byte
	limitKey  kv.Key

	top    kv.Key
	hasTop bool
	doc    *Document

	logger  *slog.Logger
	metrics *Metrics
}

func NewFieldIndexScanner(term Term, source kv.Cursor, opt ScannerOptions) *FieldIndexScanner {
	s := &FieldIndexScanner{
		term:           term,
		cf:             term.ColumnFamily(),
		valueMinPrefix: term.valueMinPrefix(),
		source:         source,
		limited:        &limitedCursor{Cursor: source},
		timeFilter:     opt.TimeFilter,
		datatypeFilter: opt.DatatypeFilter,
		aggregator:     opt.Aggregator,
		buildDocument:  opt.BuildDocument,
		moveThreshold:  opt.MoveStepThreshold,
		logger:         defaultLogger(opt.Logger),
		metrics:        opt.Metrics,
	}
	if s.timeFilter == nil {
		s.timeFilter = AcceptAll
	}
	if s.datatypeFilter == nil {
		s.datatypeFilter = AcceptAll
	}
	s.timeSeeker, _ = s.timeFilter.(SeekingFilter)
	s.datatypeSeeker, _ = s.datatypeFilter.(SeekingFilter)
	if s.aggregator == nil {
		s.aggregator = IdentityAggregator{}
	}
	if s.moveThreshold <= 0 {
		s.moveThreshold = defaultMoveStepThreshold
	}
	return s
}

func (s *FieldIndexScanner) HasTop() bool {
	return s.hasTop
}

// Key returns the document-space key of the current candidate.
func (s *FieldIndexScanner) Key() kv.Key {
	return s.top
}

func (s *FieldIndexScanner) Pointer() DocumentPointer {
	if !s.hasTop {
		return DocumentPointer{}
	}
	ptr, err := ParseDocumentKey(s.top)
	if err != nil {
		panic(err) // aggregators only emit well-formed keys
	}
	return ptr
}

// Document returns the partial document of the current candidate, or nil
// unless BuildDocument is set.
func (s *FieldIndexScanner) Document() *Document {
	return s.doc
}

func (s *FieldIndexScanner) Close() error {
	return s.source.Close()
}

// Seek restricts the scanner to the documents within r, a range over
// document-space keys, and positions it at the first match.
func (s *FieldIndexScanner) Seek(r kv.Range) error {
	s.scanRange = s.indexRange(r)
	if debugLogScans {
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "scan: seek", slog.String("term", s.term.String()), slog.String("range", s.scanRange.String()))
	}
	if err := s.seekSource(s.scanRange); err != nil {
		return err
	}
	return s.Next()
}

// indexRange translates a document range into field index space. A
// document key (row, datatype\0uid) maps to (row, fi\0FIELD,
// value\0datatype\0uid). Bounds are decided at the qualifier level: an
// exclusive start or an inclusive end appends a zero byte so that the
// bounding document itself is skipped or kept respectively, whatever the
// timestamps of its index keys.
func (s *FieldIndexScanner) indexRange(r kv.Range) kv.Range {
	var result kv.Range
	if r.Start != nil {
		k := s.permute(*r.Start, !r.StartInclusive)
		result.Start, result.StartInclusive = &k, true
	}
	if r.End != nil {
		k := s.permute(*r.End, r.EndInclusive)
		result.End, result.EndInclusive = &k, false
	}
	return result
}

func (s *FieldIndexScanner) permute(k kv.Key, appendZero bool) kv.Key {
	cq := make([]byte, 0, len(s.valueMinPrefix)+len(k.ColumnFamily)+1)
	cq = append(cq, s.valueMinPrefix...)
	cq = append(cq, k.ColumnFamily...)
	if appendZero {
		cq = append(cq, sep)
	}
	return kv.Key{Row: bytes.Clone(k.Row), ColumnFamily: s.cf, ColumnQualifier: cq, Timestamp: kv.MaxTimestamp}
}

// Next advances to the next candidate.
func (s *FieldIndexScanner) Next() error {
	s.hasTop = false
	s.top = kv.Key{}
	s.doc = nil
	if s.buildDocument {
		s.doc = NewDocument()
	}

	for !s.hasTop && s.source.HasTop() {
		top := s.source.Key()

		cfDiff := bytes.Compare(s.cf, top.ColumnFamily)
		cqDiff := 0
		if cfDiff == 0 {
			cqDiff = prefixDiff(s.valueMinPrefix, top.ColumnQualifier)
		}

		if cfDiff > 0 || cqDiff > 0 {
			// before the term within this row
			start := kv.Key{Row: bytes.Clone(top.Row), ColumnFamily: s.cf, ColumnQualifier: s.valueMinPrefix, Timestamp: kv.MaxTimestamp}
			if err := s.seekSource(s.scanRange.WithStart(start, false)); err != nil {
				return err
			}
			continue
		}
		if cfDiff < 0 || cqDiff < 0 {
			// past the term within this row
			start := kv.Key{Row: top.FollowingKey(kv.PartialRow).Row, ColumnFamily: s.cf, Timestamp: kv.MaxTimestamp}
			if s.scanRange.AfterEnd(start) {
				return nil
			}
			if err := s.seekSource(s.scanRange.WithStart(start, false)); err != nil {
				return err
			}
			continue
		}

		if _, _, _, ok := splitFieldIndexQualifier(top.ColumnQualifier); !ok {
			return keyErrf(top, "qualifier is not value\\0datatype\\0uid")
		}

		if st := s.scanRange.Start; st != nil {
			c := kv.ComparePartial(top, *st, kv.PartialRowColFamColQual)
			if c < 0 || (c == 0 && !s.scanRange.StartInclusive) {
				if err := s.nextSource(); err != nil {
					return err
				}
				continue
			}
		}

		if !s.timeFilter.Accept(top) {
			if err := s.skipRejected(s.timeSeeker, top); err != nil {
				return err
			}
			continue
		}
		if !s.datatypeFilter.Accept(top) {
			if err := s.skipRejected(s.datatypeSeeker, top); err != nil {
				return err
			}
			continue
		}

		s.limited.setLimit(s.limitKeyFor(top.Row))
		k, err := s.aggregator.Apply(s.limited, s.doc)
		if err != nil {
			return err
		}
		s.top, s.hasTop = k, true
		if debugLogScans {
			s.logger.LogAttrs(context.Background(), slog.LevelDebug, "scan: candidate", slog.String("term", s.term.String()), keyAttr("key", k))
		}
	}
	return nil
}

func (s *FieldIndexScanner) skipRejected(seeker SeekingFilter, top kv.Key) error {
	if seeker != nil {
		if r, ok := seeker.SeekRange(top, s.scanRange); ok {
			return s.seekSource(r)
		}
	}
	return s.nextSource()
}

// limitKeyFor bounds aggregation to the current value within row.
func (s *FieldIndexScanner) limitKeyFor(row []byte) kv.Key {
	if s.limitRow == nil || !bytes.Equal(s.limitRow, row) {
		s.limitRow = bytes.Clone(row)
		cq := make([]byte, 0, len(s.valueMinPrefix)+len(maxUnicode))
		cq = append(cq, s.valueMinPrefix...)
		cq = append(cq, maxUnicode...)
		s.limitKey = kv.Key{Row: s.limitRow, ColumnFamily: s.cf, ColumnQualifier: cq, Timestamp: kv.MaxTimestamp}
	}
	return s.limitKey
}

// Move advances the scanner to the first candidate at or after pointer, a
// document-space key. The scanner must currently be before pointer. Nearby
// targets are reached with up to MoveStepThreshold single steps; farther
// ones with a seek.
func (s *FieldIndexScanner) Move(pointer kv.Key) error {
	if s.hasTop && kv.Compare(s.top, pointer) >= 0 {
		panic(misusef("Move to %v while already at %v", pointer, s.top))
	}

	cq := make([]byte, 0, len(s.valueMinPrefix)+len(pointer.ColumnFamily))
	cq = append(cq, s.valueMinPrefix...)
	cq = append(cq, pointer.ColumnFamily...)
	target := kv.Key{Row: bytes.Clone(pointer.Row), ColumnFamily: s.cf, ColumnQualifier: cq, Timestamp: kv.MaxTimestamp}

	for i := 0; i < s.moveThreshold && s.source.HasTop() && kv.Compare(s.source.Key(), target) < 0; i++ {
		if err := s.nextSource(); err != nil {
			return err
		}
	}
	if s.source.HasTop() && kv.Compare(s.source.Key(), target) < 0 {
		if debugLogScans {
			s.logger.LogAttrs(context.Background(), slog.LevelDebug, "scan: move by seek", slog.String("term", s.term.String()), keyAttr("target", target))
		}
		if err := s.seekSource(s.scanRange.WithStart(target, true)); err != nil {
			return err
		}
	}
	return s.Next()
}

func (s *FieldIndexScanner) seekSource(r kv.Range) error {
	s.metrics.scannerSeek()
	if err := s.source.Seek(r); err != nil {
		return fmt.Errorf("scan %v: seek: %w", s.term, err)
	}
	return nil
}

func (s *FieldIndexScanner) nextSource() error {
	s.metrics.scannerNext()
	if err := s.source.Next(); err != nil {
		return fmt.Errorf("scan %v: next: %w", s.term, err)
	}
	return nil
}

func (s *FieldIndexScanner) String() string {
	return fmt.Sprintf("FieldIndexScanner(%s)", s.term)
}
