package volume

import (
	"bytes"
	"fmt"
	"io"

	"github.com/carljohnsen/duplicati/internal/block"
)

// maxDirectBlocklist is the largest number of block hashes stored in one
// blocklist chunk. Any list of more than one hash is recorded one level
// up: the ordered hash list is split into chunks of at most this many
// hashes, each chunk is stored and hashed, and the same is repeated on
// the chunk hashes until a single hash remains.
const maxDirectBlocklist = 1024

// BlocklistHash identifies an ordered list of block hashes, possibly
// indirected one or more levels deep.
type BlocklistHash struct {
	Hash  block.Hash
	Level uint8
}

// EncodeBlocklistHash serializes h for storage as a dindex entry name
// or manifest field.
func EncodeBlocklistHash(h BlocklistHash) []byte {
	b := make([]byte, 0, block.HashSize+1)
	b = append(b, h.Hash[:]...)
	b = append(b, h.Level)
	return b
}

// DecodeBlocklistHash is the inverse of EncodeBlocklistHash.
func DecodeBlocklistHash(b []byte) (BlocklistHash, error) {
	if len(b) != block.HashSize+1 {
		return BlocklistHash{}, fmt.Errorf("volume: blocklist hash has wrong length %d", len(b))
	}
	var h BlocklistHash
	copy(h.Hash[:], b[:block.HashSize])
	h.Level = b[block.HashSize]
	return h, nil
}

// BuildBlocklistHash reduces an ordered list of block hashes to a
// single BlocklistHash, storing intermediate levels via store exactly
// like store persists leaf blocks. hasher is used both to hash each
// level's byte representation and to name the chunks handed to store.
func BuildBlocklistHash(hashes []block.Hash, hasher block.Hasher, store func(h block.Hash, chunk []byte)) (BlocklistHash, error) {
	if len(hashes) == 0 {
		return BlocklistHash{}, fmt.Errorf("volume: cannot build a blocklist hash over zero hashes")
	}

	level := uint8(0)
	for {
		if len(hashes) == 1 {
			return BlocklistHash{Hash: hashes[0], Level: level}, nil
		}
		if level >= 32 {
			return BlocklistHash{}, fmt.Errorf("volume: blocklist indirection exceeded 32 levels, catalog is likely corrupt")
		}

		var buf bytes.Buffer
		for _, h := range hashes {
			buf.Write(h[:])
		}

		next, err := chunkAndStore(buf.Bytes(), hasher, store)
		if err != nil {
			return BlocklistHash{}, err
		}
		hashes = next
		level++
	}
}

// chunkAndStore splits data into maxDirectBlocklist-sized groups of
// hashes (each group concatenated and stored as one chunk) and returns
// the hash of each stored chunk.
func chunkAndStore(data []byte, hasher block.Hasher, store func(h block.Hash, chunk []byte)) ([]block.Hash, error) {
	const groupBytes = maxDirectBlocklist * block.HashSize

	var out []block.Hash
	for len(data) > 0 {
		n := groupBytes
		if n > len(data) {
			n = len(data)
		}
		chunk := data[:n]
		data = data[n:]

		h := hasher.Sum(chunk)
		store(h, chunk)
		out = append(out, h)
	}
	return out, nil
}

// Resolve walks a BlocklistHash back down to the leaf-level ordered
// list of block hashes, fetching each level's chunk via fetch.
func Resolve(h BlocklistHash, fetch func(h block.Hash) ([]byte, error)) ([]block.Hash, error) {
	hashes := []block.Hash{h.Hash}
	for level := h.Level; level > 0; level-- {
		var next []block.Hash
		for _, hh := range hashes {
			chunk, err := fetch(hh)
			if err != nil {
				return nil, fmt.Errorf("volume: resolving blocklist hash at level %d: %w", level, err)
			}
			group, err := splitHashes(chunk)
			if err != nil {
				return nil, err
			}
			next = append(next, group...)
		}
		hashes = next
	}
	return hashes, nil
}

func splitHashes(chunk []byte) ([]block.Hash, error) {
	if len(chunk)%block.HashSize != 0 {
		return nil, fmt.Errorf("volume: blocklist chunk length %d not a multiple of hash size", len(chunk))
	}
	r := bytes.NewReader(chunk)
	var out []block.Hash
	for {
		var h block.Hash
		_, err := io.ReadFull(r, h[:])
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
}
