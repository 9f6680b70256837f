package cursorwire

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// Connect envelope flag bits. Bit 0 marks a compressed payload, bit 1 marks
// the end-of-stream trailer; 0x03 is a compressed trailer.
const (
	FlagCompressed = 0x01
	FlagEndStream  = 0x02
)

// Frame is one decoded Connect envelope.
type Frame struct {
	Flag    byte
	Payload []byte
}

// EndStream reports whether this frame is the trailer.
func (f Frame) EndStream() bool { return f.Flag&FlagEndStream != 0 }

// EncodeFrame wraps payload in a 5-byte Connect header (flag byte plus
// big-endian length).
func EncodeFrame(flag byte, payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = flag
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[5:], payload)
	return out
}

// FrameReader incrementally decodes Connect envelopes from an upstream body,
// transparently gunzipping compressed payloads.
type FrameReader struct {
	r io.Reader
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Next returns the next frame or io.EOF when the stream is exhausted.
func (fr *FrameReader) Next() (Frame, error) {
	var header [5]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	flag := header[0]
	length := binary.BigEndian.Uint32(header[1:5])

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return Frame{}, fmt.Errorf("short connect frame: %w", err)
	}

	if flag&FlagCompressed != 0 {
		gz, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return Frame{}, fmt.Errorf("gunzip connect frame: %w", err)
		}
		defer gz.Close()
		payload, err = io.ReadAll(gz)
		if err != nil {
			return Frame{}, fmt.Errorf("gunzip connect frame: %w", err)
		}
	}

	return Frame{Flag: flag, Payload: payload}, nil
}
