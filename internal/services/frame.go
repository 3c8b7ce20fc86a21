package services

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

var dataPrefix = []byte("data:")

// FrameDecoder turns a raw incremental byte stream into discrete protocol frames. The transport
// may split logical lines across arbitrary chunk boundaries, so the decoder keeps the trailing
// incomplete fragment in a carry-over buffer between pushes. The buffer is bounded by one frame's
// worth of data.
//
// Lines that do not carry the expected "data:" prefix are protocol noise and are skipped, and a
// well-formed frame whose payload is not valid JSON is dropped. Neither case is surfaced to the
// caller beyond a diagnostic log; decoding always continues with subsequent frames.
type FrameDecoder struct {
	buf []byte

	logger *slog.Logger
}

// NewFrameDecoder creates a FrameDecoder that reports dropped input through the given logger.
func NewFrameDecoder(logger *slog.Logger) *FrameDecoder {
	return &FrameDecoder{
		logger: logger.With(slog.String("module", "framedecoder")),
	}
}

// Push appends a chunk to the carry-over buffer and returns the JSON payloads of every complete
// frame it now holds. A frame is complete once its line boundary has arrived; the trailing
// fragment, if any, is retained for the next push. Push never fails, it only drops.
func (d *FrameDecoder) Push(chunk []byte) []json.RawMessage {
	d.buf = append(d.buf, chunk...)

	var frames []json.RawMessage
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]

		payload, ok := d.decodeLine(line)
		if !ok {
			continue
		}
		frames = append(frames, payload)
	}
	return frames
}

// Close discards any trailing partial frame left in the buffer. It is called when the transport
// ends; a frame that never reached its line boundary is never partially decoded.
func (d *FrameDecoder) Close() {
	if len(d.buf) > 0 {
		d.logger.Debug("Discarding trailing partial frame", slog.Int("bytes", len(d.buf)))
		d.buf = nil
	}
}

func (d *FrameDecoder) decodeLine(line []byte) (json.RawMessage, bool) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		// Blank lines separate frames on the wire.
		return nil, false
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		d.logger.Debug("Skipping non-data line", slog.String("line", string(line)))
		return nil, false
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if !json.Valid(payload) {
		d.logger.Debug("Dropping frame with malformed payload", slog.String("payload", string(payload)))
		return nil, false
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return out, true
}
