// Package rscheck Reed-Solomon-protects a volume file staged on local
// disk between the moment its catalog row commits and the moment its
// upload is confirmed, so a crash or a bit flip in that window can be
// detected and, within the parity budget, repaired without re-running
// whatever produced the container in the first place.
package rscheck

import (
	"encoding/gob"
	"errors"
	"os"
	"path/filepath"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"

	"github.com/carljohnsen/duplicati/internal/bkerr"
)

// HashSize is the width of the per-shard-chunk integrity hash.
const HashSize = 64

type shardHash [HashSize]byte

func hashBytes(b []byte) shardHash {
	var h shardHash
	sha3.ShakeSum256(h[:], b)
	return h
}

// ErrCorrupt is returned by Verify when a staged file no longer matches
// its recorded parity hashes.
var ErrCorrupt = errors.New("rscheck: staged file failed integrity check")

// parityFile is the gob-encoded sidecar written next to a staged
// volume file, recording enough to detect and repair damage to it.
type parityFile struct {
	FileSize                   int64
	NDataShards, NParityShards int
	HashChunk                  int64
	Hashes                     [][]shardHash // data shard hashes, then parity shard hashes
	ParityShards               [][]byte
}

// Protector stages volume files under a local directory with
// Reed-Solomon parity, so a container written right before a process
// crash (or silently corrupted by the filesystem before its upload is
// confirmed) can be checked and, if the damage is within budget,
// repaired from the sidecar alone.
type Protector struct {
	dir                        string
	nDataShards, nParityShards int
	hashChunk                  int64
}

// NewProtector returns a Protector that stages files under dir,
// splitting each into nDataShards data shards protected by
// nParityShards parity shards, with per-shard integrity hashes taken
// every hashChunk bytes.
func NewProtector(dir string, nDataShards, nParityShards int, hashChunk int64) *Protector {
	return &Protector{dir: dir, nDataShards: nDataShards, nParityShards: nParityShards, hashChunk: hashChunk}
}

func (p *Protector) dataPath(name string) string { return filepath.Join(p.dir, name) }
func (p *Protector) rsPath(name string) string   { return filepath.Join(p.dir, name+".rs") }

// Stage writes data to dir/name and a parity sidecar to dir/name+".rs".
// Call this before handing the same bytes to an upload queue; the
// sidecar lets Verify/Recover operate without needing the in-memory
// copy to still be around.
func (p *Protector) Stage(name string, data []byte) error {
	dataShards, err := shardBuffer(data, p.nDataShards)
	if err != nil {
		return bkerr.Wrap(bkerr.KindCatalogState, err, "rscheck: sharding %s", name)
	}

	parityShards := make([][]byte, p.nParityShards)
	for i := range parityShards {
		parityShards[i] = make([]byte, len(dataShards[0]))
	}

	enc, err := reedsolomon.New(p.nDataShards, p.nParityShards)
	if err != nil {
		return bkerr.Wrap(bkerr.KindInvariant, err, "rscheck: constructing encoder")
	}
	allShards := append(append([][]byte{}, dataShards...), parityShards...)
	if err := enc.Encode(allShards); err != nil {
		return bkerr.Wrap(bkerr.KindInvariant, err, "rscheck: encoding %s", name)
	}

	pf := parityFile{
		FileSize:      int64(len(data)),
		NDataShards:   p.nDataShards,
		NParityShards: p.nParityShards,
		HashChunk:     p.hashChunk,
	}
	for _, s := range dataShards {
		pf.Hashes = append(pf.Hashes, hashChunks(s, p.hashChunk))
	}
	for _, s := range parityShards {
		pf.Hashes = append(pf.Hashes, hashChunks(s, p.hashChunk))
	}
	pf.ParityShards = parityShards

	if err := os.MkdirAll(filepath.Dir(p.dataPath(name)), 0700); err != nil {
		return bkerr.Wrap(bkerr.KindCatalogState, err, "rscheck: creating staging directory for %s", name)
	}
	if err := os.WriteFile(p.dataPath(name), data, 0600); err != nil {
		return bkerr.Wrap(bkerr.KindCatalogState, err, "rscheck: writing staged data for %s", name)
	}
	f, err := os.Create(p.rsPath(name))
	if err != nil {
		return bkerr.Wrap(bkerr.KindCatalogState, err, "rscheck: creating parity sidecar for %s", name)
	}
	if err := gob.NewEncoder(f).Encode(pf); err != nil {
		f.Close()
		return bkerr.Wrap(bkerr.KindCatalogState, err, "rscheck: writing parity sidecar for %s", name)
	}
	return f.Close()
}

// Verify re-hashes the currently staged data and parity shards for
// name and compares them against the sidecar's recorded hashes. It
// returns ErrCorrupt (classified KindCatalogState) if anything no
// longer matches, nil otherwise.
func (p *Protector) Verify(name string) error {
	_, mismatches, err := p.check(name)
	if err != nil {
		return err
	}
	if mismatches > 0 {
		return bkerr.Wrap(bkerr.KindCatalogState, ErrCorrupt, "rscheck: %s: %d shard chunks mismatched", name, mismatches)
	}
	return nil
}

// Recover checks name against its sidecar and, if any shard chunks
// mismatch, reconstructs them from the surviving shards using
// Reed-Solomon decoding, rewriting the staged data file in place.
// Recover fails if the number of damaged chunks in any hash window
// exceeds nParityShards, the same budget Verify alone cannot exceed.
func (p *Protector) Recover(name string) error {
	pf, mismatches, err := p.check(name)
	if err != nil {
		return err
	}
	if mismatches == 0 {
		return nil
	}

	data, err := os.ReadFile(p.dataPath(name))
	if err != nil {
		return bkerr.Wrap(bkerr.KindCatalogState, err, "rscheck: reading staged data for %s", name)
	}
	dataShards, err := shardBuffer(data, pf.NDataShards)
	if err != nil {
		return bkerr.Wrap(bkerr.KindCatalogState, err, "rscheck: sharding %s for recovery", name)
	}

	var allShards [][][]byte
	for _, s := range dataShards {
		allShards = append(allShards, shardFixed(s, pf.HashChunk))
	}
	for _, s := range pf.ParityShards {
		allShards = append(allShards, shardFixed(s, pf.HashChunk))
	}

	enc, err := reedsolomon.New(pf.NDataShards, pf.NParityShards)
	if err != nil {
		return bkerr.Wrap(bkerr.KindInvariant, err, "rscheck: constructing decoder")
	}

	nChunks := len(allShards[0])
	for hc := 0; hc < nChunks; hc++ {
		recon := make([][]byte, len(allShards))
		damaged := 0
		for s := range allShards {
			if hashBytes(allShards[s][hc]) != pf.Hashes[s][hc] {
				recon[s] = nil
				damaged++
			} else {
				recon[s] = allShards[s][hc]
			}
		}
		if damaged == 0 {
			continue
		}
		if damaged > pf.NParityShards {
			return bkerr.New(bkerr.KindCatalogState, "rscheck: %s: chunk %d has %d damaged shards, exceeds parity budget %d", name, hc, damaged, pf.NParityShards)
		}
		if err := enc.Reconstruct(recon); err != nil {
			return bkerr.Wrap(bkerr.KindInvariant, err, "rscheck: reconstructing %s chunk %d", name, hc)
		}
		for s := 0; s < pf.NDataShards; s++ {
			copy(dataShards[s][int64(hc)*pf.HashChunk:], recon[s])
		}
	}

	w := &limitedWriter{n: pf.FileSize}
	for _, s := range dataShards {
		w.collect(s)
	}
	if err := os.WriteFile(p.dataPath(name), w.buf, 0600); err != nil {
		return bkerr.Wrap(bkerr.KindCatalogState, err, "rscheck: rewriting recovered data for %s", name)
	}
	return nil
}

// Discard removes the staged data and parity files for name once its
// upload has been confirmed and the local copy is no longer needed.
func (p *Protector) Discard(name string) error {
	err1 := os.Remove(p.dataPath(name))
	err2 := os.Remove(p.rsPath(name))
	if err1 != nil && !os.IsNotExist(err1) {
		return bkerr.Wrap(bkerr.KindCatalogState, err1, "rscheck: discarding staged data for %s", name)
	}
	if err2 != nil && !os.IsNotExist(err2) {
		return bkerr.Wrap(bkerr.KindCatalogState, err2, "rscheck: discarding parity sidecar for %s", name)
	}
	return nil
}

func (p *Protector) check(name string) (parityFile, int, error) {
	f, err := os.Open(p.rsPath(name))
	if err != nil {
		return parityFile{}, 0, bkerr.Wrap(bkerr.KindCatalogState, err, "rscheck: opening parity sidecar for %s", name)
	}
	defer f.Close()
	var pf parityFile
	if err := gob.NewDecoder(f).Decode(&pf); err != nil {
		return parityFile{}, 0, bkerr.Wrap(bkerr.KindCatalogState, err, "rscheck: decoding parity sidecar for %s", name)
	}

	data, err := os.ReadFile(p.dataPath(name))
	if err != nil {
		return pf, 0, bkerr.Wrap(bkerr.KindCatalogState, err, "rscheck: reading staged data for %s", name)
	}
	dataShards, err := shardBuffer(data, pf.NDataShards)
	if err != nil {
		return pf, 0, bkerr.Wrap(bkerr.KindCatalogState, err, "rscheck: sharding %s", name)
	}

	mismatches := 0
	for i, s := range dataShards {
		mismatches += countMismatches(s, pf.HashChunk, pf.Hashes[i])
	}
	for i, s := range pf.ParityShards {
		mismatches += countMismatches(s, pf.HashChunk, pf.Hashes[pf.NDataShards+i])
	}
	return pf, mismatches, nil
}

func countMismatches(b []byte, chunk int64, want []shardHash) int {
	chunks := shardFixed(b, chunk)
	n := 0
	for i, c := range chunks {
		if i >= len(want) || hashBytes(c) != want[i] {
			n++
		}
	}
	return n
}

func hashChunks(b []byte, chunk int64) []shardHash {
	var hashes []shardHash
	for _, c := range shardFixed(b, chunk) {
		hashes = append(hashes, hashBytes(c))
	}
	return hashes
}

// shardBuffer splits data into nShards equal-size shards, zero-padding
// the final shard so every shard has the same length (a Reed-Solomon
// encoder requires uniform shard sizes).
func shardBuffer(data []byte, nShards int) ([][]byte, error) {
	if nShards <= 0 {
		return nil, errors.New("rscheck: nShards must be positive")
	}
	shardSize := (int64(len(data)) + int64(nShards) - 1) / int64(nShards)
	if shardSize == 0 {
		shardSize = 1
	}
	buf := make([]byte, int64(nShards)*shardSize)
	copy(buf, data)
	return shardFixed(buf, shardSize), nil
}

// shardFixed splits b into chunks of exactly size bytes, except
// possibly the last which may be shorter.
func shardFixed(b []byte, size int64) [][]byte {
	var out [][]byte
	for int64(len(b)) > size {
		out = append(out, b[:size])
		b = b[size:]
	}
	out = append(out, b)
	return out
}

type limitedWriter struct {
	buf []byte
	n   int64
}

func (w *limitedWriter) collect(data []byte) {
	if int64(len(data)) > w.n {
		data = data[:w.n]
	}
	w.buf = append(w.buf, data...)
	w.n -= int64(len(data))
}

