// Package debug is a binary trace log for the vCPU execution engine.
//
// Every entry is a 16 byte header followed by the source name and payload:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//
// Writers reserve space by atomically advancing a shared offset, so entries
// from concurrent vCPUs never interleave and no lock is taken on the hot path.
package debug

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindString
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindRecord:
		return "record"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// Sink receives encoded entries at the offsets reserved for them.
type Sink interface {
	io.WriterAt
	io.Closer
}

type sinkHolder struct {
	sink Sink
}

var (
	current atomic.Pointer[sinkHolder]
	offset  atomic.Uint64
)

// Enabled reports whether a sink is attached.
func Enabled() bool {
	return current.Load() != nil
}

// Open attaches sink as the trace destination. A non-nil error is a warning
// that a previously open sink was discarded.
func Open(sink Sink) error {
	offset.Store(0)
	if current.Swap(&sinkHolder{sink: sink}) != nil {
		return fmt.Errorf("debug: already open, discarded old sink")
	}
	return nil
}

// OpenFile truncates filename and traces into it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Close detaches and closes the current sink.
func Close() error {
	h := current.Swap(nil)
	offset.Store(0)
	if h == nil {
		return nil
	}
	return h.sink.Close()
}

func emit(kind Kind, source string, payload []byte) {
	h := current.Load()
	if h == nil {
		return
	}

	size := uint64(headerSize + len(source) + len(payload))
	off := int64(offset.Add(size) - size)

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(time.Now().UnixNano()))
	copy(buf[headerSize:], source)
	copy(buf[headerSize+len(source):], payload)

	if _, err := h.sink.WriteAt(buf, off); err != nil {
		panic(fmt.Sprintf("debug: write trace entry: %v", err))
	}
}

// Tracer writes entries tagged with a fixed source.
type Tracer interface {
	Record(r Record)
	Write(msg string)
	Writef(format string, args ...any)
}

type tracer struct {
	source string
}

func (t tracer) Record(r Record) {
	if !Enabled() {
		return
	}
	emit(KindRecord, t.source, r.AppendBinary(nil))
}

func (t tracer) Write(msg string) {
	emit(KindString, t.source, []byte(msg))
}

func (t tracer) Writef(format string, args ...any) {
	if !Enabled() {
		return
	}
	emit(KindString, t.source, fmt.Appendf(nil, format, args...))
}

// WithSource returns a Tracer for source.
func WithSource(source string) Tracer {
	return tracer{source: source}
}

type chunk struct {
	off  int64
	data []byte
}

// MemorySink collects entries in memory. Writes may arrive out of order.
type MemorySink struct {
	chunks sync.Map
	size   atomic.Int64
}

// WriteAt implements io.WriterAt.
func (m *MemorySink) WriteAt(p []byte, off int64) (int, error) {
	m.chunks.Store(off, chunk{off: off, data: append([]byte(nil), p...)})
	end := off + int64(len(p))
	for {
		cur := m.size.Load()
		if cur >= end || m.size.CompareAndSwap(cur, end) {
			break
		}
	}
	return len(p), nil
}

func (m *MemorySink) Close() error { return nil }

// Bytes assembles the entries written so far into a contiguous log.
func (m *MemorySink) Bytes() []byte {
	out := make([]byte, m.size.Load())
	m.chunks.Range(func(_, value any) bool {
		c := value.(chunk)
		if c.off+int64(len(c.data)) <= int64(len(out)) {
			copy(out[c.off:], c.data)
		}
		return true
	})
	return out
}

// WriteTo copies the collected entries into w at their original offsets.
func (m *MemorySink) WriteTo(w io.WriterAt) (int64, error) {
	var err error
	m.chunks.Range(func(_, value any) bool {
		c := value.(chunk)
		_, err = w.WriteAt(c.data, c.off)
		return err == nil
	})
	if err != nil {
		return 0, err
	}
	return m.size.Load(), nil
}

// OpenMemory attaches a fresh MemorySink.
func OpenMemory() (*MemorySink, error) {
	m := &MemorySink{}
	if err := Open(m); err != nil {
		return m, err
	}
	return m, nil
}
