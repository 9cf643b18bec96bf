package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ferretsec/ferret/adapter"
)

// Sink persists reported event records. Implementations may write to a
// file, forward to an adapter, or stub for testing.
type Sink interface {
	// WriteEvent persists one event record.
	WriteEvent(ctx context.Context, record *adapter.EventRecord) error

	// Close flushes and releases sink resources.
	Close() error
}

// Output file formats.
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// FileSink writes event records to a file or stream as newline-delimited
// JSON or as a msgpack stream.
type FileSink struct {
	mu      sync.Mutex
	file    *os.File
	format  string
	json    *json.Encoder
	msgpack *msgpack.Encoder
	closed  bool
}

// NewFileSink opens (or truncates) the output file in the given format.
func NewFileSink(path, format string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	s, err := newSink(f, f, format)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// NewWriterSink writes records to an arbitrary stream, e.g. stdout.
func NewWriterSink(w io.Writer, format string) (*FileSink, error) {
	return newSink(w, nil, format)
}

func newSink(w io.Writer, file *os.File, format string) (*FileSink, error) {
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatMsgpack {
		return nil, fmt.Errorf("invalid sink format %q (must be %s or %s)", format, FormatJSON, FormatMsgpack)
	}

	s := &FileSink{file: file, format: format}
	switch format {
	case FormatJSON:
		s.json = json.NewEncoder(w)
	case FormatMsgpack:
		s.msgpack = msgpack.NewEncoder(w)
	}
	return s, nil
}

// WriteEvent appends one record to the file.
func (s *FileSink) WriteEvent(_ context.Context, record *adapter.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("sink closed")
	}
	switch s.format {
	case FormatMsgpack:
		return s.msgpack.Encode(record)
	default:
		return s.json.Encode(record)
	}
}

// Close syncs and closes the output file, if any. Idempotent.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

// AdapterSink forwards event records to a downstream adapter.
type AdapterSink struct {
	adapter adapter.Adapter
}

// NewAdapterSink wraps an adapter as a sink.
func NewAdapterSink(a adapter.Adapter) *AdapterSink {
	return &AdapterSink{adapter: a}
}

// WriteEvent publishes the record downstream.
func (s *AdapterSink) WriteEvent(ctx context.Context, record *adapter.EventRecord) error {
	return s.adapter.Publish(ctx, record)
}

// Close releases the underlying adapter.
func (s *AdapterSink) Close() error {
	return s.adapter.Close()
}

var (
	_ Sink = (*FileSink)(nil)
	_ Sink = (*AdapterSink)(nil)
)
