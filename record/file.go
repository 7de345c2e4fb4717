package record

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/mklimuk/tof/flock"
	"github.com/mklimuk/tof/vl53l5cx"
)

// Writer appends frames to a recording. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	out     io.Writer
	encoder *cbor.Encoder
	header  Header
	closed  bool
}

// NewWriter writes the header to w straight away.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	enc := NewEncoder(w)
	if err := enc.Encode(h); err != nil {
		return nil, fmt.Errorf("could not write record header: %w", err)
	}
	return &Writer{out: w, encoder: enc, header: h}, nil
}

// Create truncates the file at path and starts a recording in it.
func Create(path string, h Header) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not create record file: %w", err)
	}
	w, err := NewWriter(f, h)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Header() Header {
	return w.header
}

// Write records the raw frame behind ev.
func (w *Writer) Write(ev flock.Event) error {
	if ev.Results == nil || ev.Results.Raw() == nil {
		return errors.New("record: event without a raw frame")
	}
	return w.WriteEntry(Entry{
		Timestamp: ev.Timestamp,
		Device:    ev.Device,
		Frame:     FrameOf(ev.Results.Raw()),
	})
}

func (w *Writer) WriteEntry(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if err := w.encoder.Encode(e); err != nil {
		return fmt.Errorf("could not write record entry: %w", err)
	}
	return nil
}

// Close closes the underlying writer when it is a Closer. It is safe to call
// more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if c, ok := w.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type Reader struct {
	in      io.Reader
	decoder *cbor.Decoder
	header  Header
}

// NewReader reads the header from r.
func NewReader(r io.Reader) (*Reader, error) {
	dec := NewDecoder(r)
	var h Header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("could not read record header: %w", err)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("unsupported record version %d", h.Version)
	}
	return &Reader{in: r, decoder: dec, header: h}, nil
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open record file: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) Header() Header {
	return r.header
}

// Next returns io.EOF after the last entry.
func (r *Reader) Next() (Entry, error) {
	var e Entry
	if err := r.decoder.Decode(&e); err != nil {
		if errors.Is(err, io.EOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, fmt.Errorf("could not read record entry: %w", err)
	}
	return e, nil
}

func (r *Reader) Close() error {
	if c, ok := r.in.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Player hands out recorded frames as flock events, decoded again with its
// decoder.
type Player struct {
	reader  *Reader
	decoder vl53l5cx.Decoder
	// realtime keeps the recorded gaps between frames.
	realtime bool
	last     time.Time
}

func NewPlayer(r *Reader, dec vl53l5cx.Decoder, realtime bool) *Player {
	return &Player{reader: r, decoder: dec, realtime: realtime}
}

// Next returns io.EOF after the last frame.
func (p *Player) Next(ctx context.Context) (flock.Event, error) {
	e, err := p.reader.Next()
	if err != nil {
		return flock.Event{}, err
	}
	if p.realtime && !p.last.IsZero() {
		if gap := e.Timestamp.Sub(p.last); gap > 0 {
			t := time.NewTimer(gap)
			select {
			case <-ctx.Done():
				t.Stop()
				return flock.Event{}, ctx.Err()
			case <-t.C:
			}
		}
	}
	p.last = e.Timestamp
	raw, err := e.Frame.Raw()
	if err != nil {
		return flock.Event{}, fmt.Errorf("device %d frame at %s: %w", e.Device, e.Timestamp.Format(time.RFC3339Nano), err)
	}
	res := p.decoder.Decode(raw)
	return flock.Event{
		Device:       e.Device,
		Results:      res,
		TemperatureC: res.TemperatureC,
		Timestamp:    e.Timestamp,
	}, nil
}
