// Package block implements fixed-size content-addressed chunking: a
// Hash identifies a chunk of bytes, a Block pairs a Hash with its size,
// and a Blockset is the ordered list of Blocks that reconstructs a
// file's content or metadata stream.
package block

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Algorithm identifies a block/file hash function by the name recorded
// in a volume manifest.
type Algorithm string

const (
	// AlgoBlake3 is the default: github.com/zeebo/blake3, chosen for new
	// repositories for its speed.
	AlgoBlake3 Algorithm = "blake3"
	// AlgoShake256 is kept selectable so a repository created by an
	// older version of this tool can still be read and purged.
	AlgoShake256 Algorithm = "shake256"
)

// HashSize is the number of bytes in a Hash, regardless of algorithm;
// both supported algorithms are configured to produce this many bytes of
// output.
const HashSize = 32

// Hash is a fixed-size digest identifying a chunk of bytes.
type Hash [HashSize]byte

// String returns the hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash (used as a sentinel for
// "no content", e.g. an empty file's blockset).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Hasher computes Hash values for a configured Algorithm. It is not safe
// for concurrent use; callers that hash concurrently should construct one
// Hasher per goroutine.
type Hasher struct {
	algo Algorithm
}

// NewHasher returns a Hasher for the given algorithm. An empty Algorithm
// defaults to AlgoBlake3.
func NewHasher(algo Algorithm) Hasher {
	if algo == "" {
		algo = AlgoBlake3
	}
	return Hasher{algo: algo}
}

// Algorithm returns the algorithm this Hasher was constructed with.
func (h Hasher) Algorithm() Algorithm {
	return h.algo
}

// StreamHash incrementally hashes data fed to it via Write, avoiding the
// need to buffer a whole file in memory just to compute its full-content
// hash (the naive approach of concatenating every chunk first).
type StreamHash struct {
	algo  Algorithm
	shake sha3.ShakeHash
	b3    *blake3.Hasher
}

// NewStream returns a StreamHash for the configured algorithm.
func (h Hasher) NewStream() *StreamHash {
	s := &StreamHash{algo: h.algo}
	switch h.algo {
	case AlgoShake256:
		s.shake = sha3.NewShake256()
	default:
		s.b3 = blake3.New()
	}
	return s
}

// Write feeds more bytes into the running hash.
func (s *StreamHash) Write(p []byte) (int, error) {
	if s.shake != nil {
		return s.shake.Write(p)
	}
	return s.b3.Write(p)
}

// Sum finalizes and returns the digest. Sum must only be called once.
func (s *StreamHash) Sum() Hash {
	var out Hash
	if s.shake != nil {
		s.shake.Read(out[:])
		return out
	}
	copy(out[:], s.b3.Sum(nil))
	return out
}

// Sum computes the Hash of b using the configured algorithm.
func (h Hasher) Sum(b []byte) Hash {
	switch h.algo {
	case AlgoShake256:
		var out Hash
		sha3.ShakeSum256(out[:], b)
		return out
	case AlgoBlake3, "":
		hasher := blake3.New()
		_, _ = hasher.Write(b)
		var out Hash
		copy(out[:], hasher.Sum(nil))
		return out
	default:
		// Unknown algorithm names are a programmer/catalog-corruption
		// error, not a user-input error; the caller is expected to have
		// validated the manifest's BlockHash field already.
		panic("block: unknown hash algorithm " + string(h.algo))
	}
}

// Block is a single fixed-size (except possibly the last in a Blockset)
// chunk of content, identified by (Hash, Size): two blocks with the same
// hash must always agree on size.
type Block struct {
	Hash Hash
	Size int64
}
