package block

import (
	"io"
)

// DefaultBlockSize is the default fixed chunk size, 100 KiB.
const DefaultBlockSize = 100 * 1024

// Chunker splits an io.Reader into fixed-size chunks: every chunk but
// the last is exactly blockSize bytes, and the concatenation of all
// chunks reproduces the input exactly.
type Chunker struct {
	r         io.Reader
	blockSize int
	buf       []byte
	done      bool
}

// NewChunker returns a Chunker reading from r, producing chunks of at
// most blockSize bytes. A non-positive blockSize selects DefaultBlockSize.
func NewChunker(r io.Reader, blockSize int) *Chunker {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Chunker{
		r:         r,
		blockSize: blockSize,
		buf:       make([]byte, blockSize),
	}
}

// Next returns the next chunk of data, or nil with io.EOF when the
// reader is exhausted. The returned slice is only valid until the next
// call to Next (callers that retain it must copy).
func (c *Chunker) Next() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}

	n, err := io.ReadFull(c.r, c.buf)
	switch {
	case err == nil:
		return c.buf[:n], nil
	case err == io.ErrUnexpectedEOF:
		// Final, short chunk.
		c.done = true
		if n == 0 {
			return nil, io.EOF
		}
		return c.buf[:n], nil
	case err == io.EOF:
		c.done = true
		return nil, io.EOF
	default:
		return nil, err
	}
}

// SplitAll reads r to completion, invoking f with each chunk in order.
// f must not retain the slice passed to it past the call (SplitAll
// reuses the backing buffer between calls).
func SplitAll(r io.Reader, blockSize int, f func(chunk []byte) error) error {
	c := NewChunker(r, blockSize)
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := f(chunk); err != nil {
			return err
		}
	}
}
