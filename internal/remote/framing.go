package remote

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// lengthPrefixSize is the size of the big-endian length prefix.
	lengthPrefixSize = 4
	// MaxFrameSize bounds a single message in either direction.
	MaxFrameSize = 64 * 1024
)

var (
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrFrameEmpty     = errors.New("frame is empty")
	ErrFrameTruncated = errors.New("frame truncated")
)

// framer reads and writes length-prefixed frames. Each frame goes out in a
// single Write so bulk USB endpoints see one transfer per message.
type framer struct {
	r      io.Reader
	w      io.Writer
	wmu    sync.Mutex
	header [lengthPrefixSize]byte
}

func newFramer(rw io.ReadWriter) *framer {
	return &framer{r: rw, w: rw}
}

func (f *framer) writeFrame(payload []byte) error {
	if len(payload) == 0 {
		return ErrFrameEmpty
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), MaxFrameSize)
	}
	buf := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[lengthPrefixSize:], payload)

	f.wmu.Lock()
	defer f.wmu.Unlock()
	if _, err := f.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readFrame is not safe for concurrent use; one reader loop owns it.
func (f *framer) readFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.r, f.header[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(f.header[:])
	if length == 0 {
		return nil, ErrFrameEmpty
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, MaxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
