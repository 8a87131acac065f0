package jsonrpc

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
)

// DefaultMaxLineSize bounds a single unterminated line held by a Decoder.
const DefaultMaxLineSize = 16 << 20

// Decoder reassembles newline-delimited JSON-RPC frames from arbitrarily
// chunked input. It is not safe for concurrent use; each stream owns one.
type Decoder struct {
	buf         []byte
	maxLineSize int
	logger      *slog.Logger
	// discarding is set while skipping the rest of an oversized line.
	discarding bool
}

// NewDecoder returns a decoder that logs discarded lines to logger.
// A nil logger uses slog.Default().
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{maxLineSize: DefaultMaxLineSize, logger: logger}
}

// SetMaxLineSize changes the partial-line limit. Values <= 0 restore the default.
func (d *Decoder) SetMaxLineSize(n int) {
	if n <= 0 {
		n = DefaultMaxLineSize
	}
	d.maxLineSize = n
}

// Buffered returns the number of bytes waiting for a newline.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Feed appends chunk and returns every frame completed by it, in the order
// their lines were terminated. Lines that are not JSON objects, and lines
// longer than the limit, are logged and dropped however the input is split.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if d.discarding {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			return nil
		}
		chunk = chunk[i+1:]
		d.discarding = false
	}
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		if len(line) > d.maxLineSize {
			d.logger.Warn("Discarding oversized line from gateway", "bytes", len(line), "limit", d.maxLineSize)
			continue
		}
		if f, ok := d.parse(line); ok {
			frames = append(frames, f)
		}
	}

	if len(d.buf) > d.maxLineSize {
		d.logger.Warn("Discarding oversized partial line from gateway", "bytes", len(d.buf), "limit", d.maxLineSize)
		d.buf = nil
		d.discarding = true
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

func (d *Decoder) parse(line []byte) (Frame, bool) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return Frame{}, false
	}

	f, err := ParseFrame(line)
	if err != nil {
		d.logger.Debug("Discarding non-JSON gateway output", "line", preview(line), "error", err)
		return Frame{}, false
	}
	return f, true
}

// ParseFrame decodes one complete envelope. Raw holds a copy of msg.
func ParseFrame(msg []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Frame{}, err
	}
	f.Raw = append([]byte(nil), msg...)
	return f, nil
}

// ReadFrames feeds r into d until EOF, calling fn for each frame. It returns
// nil on EOF and the read error otherwise. A trailing unterminated line is
// never emitted.
func ReadFrames(r io.Reader, d *Decoder, fn func(Frame)) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, f := range d.Feed(buf[:n]) {
				fn(f)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func preview(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
