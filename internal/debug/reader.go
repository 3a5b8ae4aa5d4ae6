package debug

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"
)

// Entry is a single decoded log entry.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Record decodes the entry payload as a Record.
func (e Entry) Record() (Record, error) {
	if e.Kind != KindRecord {
		return Record{}, fmt.Errorf("debug: entry is %s, not a record", e.Kind)
	}
	return DecodeRecord(e.Data)
}

type SearchOptions struct {
	// Only entries inside [Start, End] are returned. Zero values are unbounded.
	Start time.Time
	End   time.Time

	// First keeps only the first N matches; Last keeps only the last N.
	// Setting both is an error.
	First int
	Last  int

	Sources []string
	Events  []Event
}

type indexEntry struct {
	off    int64
	ts     int64
	source int
	kind   Kind
	event  Event
}

// Reader provides indexed access to a trace log.
type Reader struct {
	r io.ReaderAt

	sources []string
	entries []indexEntry
}

// NewReader indexes the log readable from index and serves payloads from r.
// A nil index reads the log through r.
func NewReader(r io.ReaderAt, index io.Reader) (*Reader, error) {
	if index == nil {
		index = io.NewSectionReader(r, 0, 1<<62)
	}
	rd := &Reader{r: r}
	if err := rd.build(index); err != nil {
		return nil, fmt.Errorf("debug: index log: %w", err)
	}
	return rd, nil
}

// NewReaderFromFile opens and indexes filename.
func NewReaderFromFile(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("debug: open log: %w", err)
	}
	rd, err := NewReader(f, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return rd, f, nil
}

func (rd *Reader) build(index io.Reader) error {
	br := bufio.NewReaderSize(index, 1<<20)
	sourceIDs := make(map[string]int)

	var (
		header [headerSize]byte
		off    int64
	)
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read header at %d: %w", off, err)
		}

		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		sourceLen := int(binary.LittleEndian.Uint16(header[2:4]))
		dataLen := int(binary.LittleEndian.Uint32(header[4:8]))
		ts := int64(binary.LittleEndian.Uint64(header[8:16]))
		if kind == KindInvalid {
			// A zeroed header marks space reserved by a writer that never
			// completed; everything after it is unreliable.
			return nil
		}

		source := make([]byte, sourceLen)
		if _, err := io.ReadFull(br, source); err != nil {
			return fmt.Errorf("read source at %d: %w", off, err)
		}
		id, ok := sourceIDs[string(source)]
		if !ok {
			id = len(rd.sources)
			sourceIDs[string(source)] = id
			rd.sources = append(rd.sources, string(source))
		}

		e := indexEntry{off: off, ts: ts, source: id, kind: kind}
		if kind == KindRecord && dataLen >= 2 {
			var ev [2]byte
			if _, err := io.ReadFull(br, ev[:]); err != nil {
				return fmt.Errorf("read record at %d: %w", off, err)
			}
			e.event = Event(binary.LittleEndian.Uint16(ev[:]))
			dataLen -= 2
		}
		if _, err := br.Discard(dataLen); err != nil {
			return fmt.Errorf("skip payload at %d: %w", off, err)
		}

		rd.entries = append(rd.entries, e)
		off += int64(headerSize + sourceLen + int(binary.LittleEndian.Uint32(header[4:8])))
	}
}

// Sources returns every source in order of first appearance.
func (rd *Reader) Sources() []string {
	return slices.Clone(rd.sources)
}

// TimeRange returns the earliest and latest timestamps in the log.
func (rd *Reader) TimeRange() (time.Time, time.Time) {
	if len(rd.entries) == 0 {
		return time.Time{}, time.Time{}
	}
	lo, hi := rd.entries[0].ts, rd.entries[0].ts
	for _, e := range rd.entries[1:] {
		lo = min(lo, e.ts)
		hi = max(hi, e.ts)
	}
	return time.Unix(0, lo), time.Unix(0, hi)
}

func (rd *Reader) match(opts SearchOptions) ([]indexEntry, error) {
	if opts.First > 0 && opts.Last > 0 {
		return nil, fmt.Errorf("debug: cannot set both First and Last")
	}

	var sources map[int]bool
	if len(opts.Sources) > 0 {
		sources = make(map[int]bool)
		for _, s := range opts.Sources {
			if i := slices.Index(rd.sources, s); i >= 0 {
				sources[i] = true
			}
		}
	}

	var out []indexEntry
	for _, e := range rd.entries {
		if sources != nil && !sources[e.source] {
			continue
		}
		if len(opts.Events) > 0 && (e.kind != KindRecord || !slices.Contains(opts.Events, e.event)) {
			continue
		}
		if !opts.Start.IsZero() && e.ts < opts.Start.UnixNano() {
			continue
		}
		if !opts.End.IsZero() && e.ts > opts.End.UnixNano() {
			continue
		}
		out = append(out, e)
	}

	slices.SortStableFunc(out, func(a, b indexEntry) int {
		switch {
		case a.ts < b.ts:
			return -1
		case a.ts > b.ts:
			return 1
		}
		return 0
	})

	if opts.First > 0 && len(out) > opts.First {
		out = out[:opts.First]
	}
	if opts.Last > 0 && len(out) > opts.Last {
		out = out[len(out)-opts.Last:]
	}
	return out, nil
}

// Search calls fn for every matching entry in timestamp order.
func (rd *Reader) Search(opts SearchOptions, fn func(Entry) error) error {
	matched, err := rd.match(opts)
	if err != nil {
		return err
	}

	var header [headerSize]byte
	for _, e := range matched {
		if _, err := rd.r.ReadAt(header[:], e.off); err != nil {
			return fmt.Errorf("debug: read entry at %d: %w", e.off, err)
		}
		sourceLen := int64(binary.LittleEndian.Uint16(header[2:4]))
		data := make([]byte, binary.LittleEndian.Uint32(header[4:8]))
		if _, err := rd.r.ReadAt(data, e.off+headerSize+sourceLen); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("debug: read payload at %d: %w", e.off, err)
		}
		if err := fn(Entry{
			Time:   time.Unix(0, e.ts),
			Kind:   e.kind,
			Source: rd.sources[e.source],
			Data:   data,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Each calls fn for every entry in timestamp order.
func (rd *Reader) Each(fn func(Entry) error) error {
	return rd.Search(SearchOptions{}, fn)
}

// Records calls fn for every decoded Record that matches opts.
func (rd *Reader) Records(opts SearchOptions, fn func(time.Time, string, Record) error) error {
	return rd.Search(opts, func(e Entry) error {
		if e.Kind != KindRecord {
			return nil
		}
		r, err := e.Record()
		if err != nil {
			return err
		}
		return fn(e.Time, e.Source, r)
	})
}

// Count returns the number of matching entries.
func (rd *Reader) Count(opts SearchOptions) (int, error) {
	matched, err := rd.match(opts)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}
