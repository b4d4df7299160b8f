package util

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultDrainLimit caps how many bytes Drain accepts when limit <= 0.
const DefaultDrainLimit int64 = 32 << 20

// ErrStreamTooLarge is returned when a stream exceeds the drain limit.
var ErrStreamTooLarge = errors.New("stream exceeds size limit")

// Drain reads r to EOF into an owned buffer.
// An empty stream yields an empty, non-nil slice. A read error mid-stream
// discards whatever was buffered so callers never persist a truncated payload.
func Drain(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return []byte{}, nil
	}
	if limit <= 0 {
		limit = DefaultDrainLimit
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("drain stream: %w", err)
	}
	if n > limit {
		return nil, ErrStreamTooLarge
	}
	out := buf.Bytes()
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
