// Package streamslice provides a read-only, bounded window over a shared,
// seekable file handle: the view a retrieval returns over a single stream's
// bytes inside the store's data file.
package streamslice

import (
	"fmt"
	"io"
)

// Inner is the capability set a BoundedStream needs from whatever backs it.
// *os.File satisfies it; so does anything else that is readable at an
// absolute offset and closeable.
type Inner interface {
	io.ReaderAt
	io.Closer
}

// BoundedStream is a read-only view over [offset, offset+length) of an
// Inner handle. The handle is owned by the stream: closing the stream
// closes the handle. Position p always satisfies 0 <= p <= length.
type BoundedStream struct {
	inner  Inner
	offset int64
	length int64
	pos    int64
	closed bool
}

// New wraps inner as a bounded view over [offset, offset+length). innerSize
// is the total size of the data backing inner; construction fails if the
// requested window does not fit within it, distinguishing whether offset
// itself is out of range from whether only the tail of the window is.
func New(inner Inner, offset, length, innerSize int64) (*BoundedStream, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("streamslice: negative offset or length")
	}
	if offset > innerSize {
		return nil, fmt.Errorf("streamslice: offset %d exceeds backing size %d", offset, innerSize)
	}
	if offset+length > innerSize {
		return nil, fmt.Errorf("streamslice: window [%d,%d) exceeds backing size %d", offset, offset+length, innerSize)
	}
	return &BoundedStream{inner: inner, offset: offset, length: length}, nil
}

// Len reports the fixed length of the window.
func (s *BoundedStream) Len() int64 {
	return s.length
}

// Read reads at most min(len(p), length-pos) bytes at the stream's current
// logical position, advancing it by the number of bytes read. At the end of
// the window it returns (0, io.EOF).
func (s *BoundedStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("streamslice: read on closed stream")
	}
	remaining := s.length - s.pos
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := s.inner.ReadAt(p, s.offset+s.pos)
	s.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Seek repositions the stream. Positions outside [0, length] are rejected.
func (s *BoundedStream) Seek(delta int64, whence int) (int64, error) {
	if s.closed {
		return 0, fmt.Errorf("streamslice: seek on closed stream")
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = delta
	case io.SeekCurrent:
		target = s.pos + delta
	case io.SeekEnd:
		target = s.length + delta
	default:
		return s.pos, fmt.Errorf("streamslice: invalid whence %d", whence)
	}
	if target < 0 || target > s.length {
		return s.pos, fmt.Errorf("streamslice: seek target %d out of range [0,%d]", target, s.length)
	}
	s.pos = target
	return s.pos, nil
}

// Close disposes the inner handle. Closing twice is safe and returns nil the
// second time.
func (s *BoundedStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.inner.Close()
}

// Write, unlike Read, is not supported: the window is read-only by design.
func (s *BoundedStream) Write([]byte) (int, error) {
	return 0, fmt.Errorf("streamslice: write not supported")
}
