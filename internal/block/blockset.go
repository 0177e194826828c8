package block

import (
	"fmt"
	"io"
)

// Blockset is an ordered sequence of Blocks representing a file's
// content or its metadata stream. Length is the declared total size;
// FullHash is the hash of the whole concatenated content (not of the
// block hash list).
type Blockset struct {
	Length   int64
	FullHash Hash
	Blocks   []Block
}

// Validate checks that the sum of block sizes equals Length, every
// block but the last is exactly blockSize, and Blocks is non-empty
// whenever Length > 0.
func (bs Blockset) Validate(blockSize int64) error {
	if bs.Length == 0 {
		if len(bs.Blocks) != 0 {
			return fmt.Errorf("block: zero-length blockset has %d blocks", len(bs.Blocks))
		}
		return nil
	}
	if len(bs.Blocks) == 0 {
		return fmt.Errorf("block: blockset of length %d has no blocks", bs.Length)
	}

	var sum int64
	for i, b := range bs.Blocks {
		last := i == len(bs.Blocks)-1
		if !last && b.Size != blockSize {
			return fmt.Errorf("block: non-terminal block %d has size %d, want %d", i, b.Size, blockSize)
		}
		if last && (b.Size <= 0 || b.Size > blockSize) {
			return fmt.Errorf("block: terminal block %d has invalid size %d", i, b.Size)
		}
		sum += b.Size
	}
	if sum != bs.Length {
		return fmt.Errorf("block: blockset length %d does not match sum of block sizes %d", bs.Length, sum)
	}
	return nil
}

// BuildBlockset reads r to completion with the given Hasher and block
// size, calling store for every chunk encountered (store is expected to
// persist the chunk and return nothing — deduplication, if any, is the
// storage layer's job, not this function's). It returns the resulting
// Blockset.
func BuildBlockset(r io.Reader, hasher Hasher, blockSize int, store func(hash Hash, chunk []byte)) (Blockset, error) {
	var bs Blockset
	full := hasher.NewStream()

	err := SplitAll(r, blockSize, func(chunk []byte) error {
		h := hasher.Sum(chunk)
		store(h, chunk)
		bs.Blocks = append(bs.Blocks, Block{Hash: h, Size: int64(len(chunk))})
		bs.Length += int64(len(chunk))
		_, werr := full.Write(chunk)
		return werr
	})
	if err != nil {
		return Blockset{}, err
	}
	bs.FullHash = full.Sum()
	return bs, nil
}
