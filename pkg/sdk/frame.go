package sdk

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame body. Contact lists and SQL result sets
// are the largest payloads the SDK emits.
const MaxFrameSize = 16 << 20

const frameHeaderSize = 4

// WriteFrame writes body prefixed with its big-endian uint32 length.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(body))
	}

	buf := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[frameHeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame. The returned count is the number
// of bytes consumed, which lets callers tell a clean timeout (0 bytes) from a
// frame torn in half.
func ReadFrame(r io.Reader) ([]byte, int, error) {
	var header [frameHeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		return nil, n, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, n, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	body := make([]byte, size)
	m, err := io.ReadFull(r, body)
	if err != nil {
		return nil, n + m, err
	}

	return body, n + m, nil
}
