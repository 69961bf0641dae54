package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
)

// ContentType is the media type of the progress stream.
const ContentType = "application/x-ndjson"

// ErrDisconnected is returned by Writer once the peer has gone away.
var ErrDisconnected = errors.New("stream consumer disconnected")

// Writer encodes batches as newline-delimited JSON, one batch per line,
// flushing after every line.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	broken  bool
	single  bool
}

func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// NewEventWriter is NewWriter framing every event as its own JSON object
// line instead of one array per batch. Permission streams use it.
func NewEventWriter(w io.Writer) *Writer {
	sw := NewWriter(w)
	sw.single = true
	return sw
}

// WriteBatch writes one line, or one line per event for an event writer.
// After the first failure every call returns ErrDisconnected without
// writing.
func (w *Writer) WriteBatch(events []Event) error {
	if w.single {
		for _, e := range events {
			if err := w.WriteValue(e); err != nil {
				return err
			}
		}
		return nil
	}
	line, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	return w.writeLine(line)
}

// WriteValue writes an arbitrary JSON value as one line.
func (w *Writer) WriteValue(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	return w.writeLine(line)
}

func (w *Writer) writeLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken {
		return ErrDisconnected
	}
	line = append(line, '\n')
	if _, err := w.w.Write(line); err != nil {
		w.broken = true
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Pump forwards every batch of ch to w until the stream ends. On the first
// write failure the channel is detached so the producer stops delivering,
// and Pump keeps draining so nothing stays queued.
func Pump(ctx context.Context, ch *Channel, w *Writer, log logrus.FieldLogger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	var transportErr error
	for {
		batch, err := ch.NextBatch(ctx)
		if errors.Is(err, io.EOF) {
			return transportErr
		}
		if err != nil {
			ch.Detach()
			return err
		}
		if transportErr != nil {
			continue
		}
		if err := w.WriteBatch(batch); err != nil {
			transportErr = err
			log.WithError(err).Warn("progress stream consumer went away, run continues without it")
			ch.Detach()
		}
	}
}

// Reader decodes a progress stream. Each line is either a JSON array of
// events or a single event object. Malformed lines, including a trailing
// line without a newline, are skipped.
type Reader struct {
	r       *bufio.Reader
	log     logrus.FieldLogger
	pending []Event
	skipped int
	eof     bool
}

func NewReader(r io.Reader, log logrus.FieldLogger) *Reader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reader{r: bufio.NewReader(r), log: log}
}

// Skipped returns the number of lines that could not be decoded.
func (r *Reader) Skipped() int { return r.skipped }

// Next returns the next event or io.EOF.
func (r *Reader) Next() (Event, error) {
	for len(r.pending) == 0 {
		batch, err := r.NextBatch()
		if err != nil {
			return Event{}, err
		}
		r.pending = batch
	}
	e := r.pending[0]
	r.pending = r.pending[1:]
	return e, nil
}

// NextBatch returns the events of the next well-formed, non-empty line.
func (r *Reader) NextBatch() ([]Event, error) {
	if len(r.pending) > 0 {
		batch := r.pending
		r.pending = nil
		return batch, nil
	}
	for {
		if r.eof {
			return nil, io.EOF
		}
		line, err := r.r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if errors.Is(err, io.EOF) {
			r.eof = true
			if len(bytes.TrimSpace(line)) > 0 {
				r.skip(line, errors.New("truncated final line"))
			}
			return nil, io.EOF
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		batch, derr := decodeLine(line)
		if derr != nil {
			r.skip(line, derr)
			continue
		}
		if len(batch) == 0 {
			continue
		}
		return batch, nil
	}
}

func (r *Reader) skip(line []byte, err error) {
	r.skipped++
	preview := string(line)
	if len(preview) > 120 {
		preview = preview[:120] + "..."
	}
	r.log.WithError(err).WithField("line", preview).Warn("skipping malformed progress line")
}

func decodeLine(line []byte) ([]Event, error) {
	switch line[0] {
	case '[':
		var batch []Event
		if err := json.Unmarshal(line, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	case '{':
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		if e.Level == "" && e.Granted != "" {
			e.Level = LevelSuccess
			e.Message = "granted: " + e.Granted
		}
		return []Event{e}, nil
	default:
		return nil, fmt.Errorf("unexpected line start %q", line[0])
	}
}
