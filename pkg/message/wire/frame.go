package wire

import (
	"encoding/binary"
	"io"

	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
)

// ReadFrame reads one `u32 length | body` frame from a stream and returns the body. A
// declared length above maxSize is an Overflow and leaves the stream unusable.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxSize {
		return nil, &errors.Overflow{
			MessageName: "Frame",
			Size:        int(size),
			MaximumSize: int(maxSize),
		}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
