// Package compact implements the dblock repacking pass that follows a
// purge: volumes whose referenced fraction has fallen too low are
// rewritten into smaller replacements, and volumes referencing nothing
// at all are retired outright.
package compact

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carljohnsen/duplicati/internal/bkerr"
	"github.com/carljohnsen/duplicati/internal/catalog"
	"github.com/carljohnsen/duplicati/internal/metrics"
	"github.com/carljohnsen/duplicati/internal/objectstore"
	"github.com/carljohnsen/duplicati/internal/progress"
	"github.com/carljohnsen/duplicati/internal/volume"
	"github.com/carljohnsen/duplicati/util"
)

// defaultReferencedFractionThreshold is used when Options leaves
// ReferencedFractionThreshold at its zero value.
const defaultReferencedFractionThreshold = 0.20

// defaultMaxParallelReads bounds the container-fetch fan-out when
// Options leaves MaxParallelReads at its zero value.
const defaultMaxParallelReads = 4

// Options configures one compact invocation.
type Options struct {
	// ReferencedFractionThreshold selects a dblock volume for rewrite
	// when its referenced fraction falls below this value. Zero means
	// defaultReferencedFractionThreshold.
	ReferencedFractionThreshold float64
	// WastedBytesThreshold additionally selects a volume whose
	// unreferenced byte count reaches this value, regardless of
	// fraction. Zero disables the absolute trigger.
	WastedBytesThreshold int64

	Prefix        string
	Compressor    string
	Encrypter     string
	EncryptionKey []byte
	BlockHashAlgo string
	FileHashAlgo  string
	AppVersion    string
	Blocksize     int

	// MaxParallelReads bounds how many candidate containers are
	// fetched from the backend concurrently. Zero means
	// defaultMaxParallelReads.
	MaxParallelReads int

	Bus    *progress.Bus
	Offset float64
	Span   float64

	// Logger, if non-nil, receives a one-line progress message per
	// volume processed. Left nil in tests.
	Logger *util.Logger
}

// Result summarizes one compact run.
type Result struct {
	VolumesRewritten int
	VolumesRetired   int
	BlocksRepacked   int
}

type candidate struct {
	rv       catalog.RemoteVolume
	fraction float64
}

// Run scans every live dblock volume, retires the ones with no
// surviving references, and repacks the ones below threshold into
// smaller replacements.
func Run(ctx context.Context, cat *catalog.Catalog, store *objectstore.Adapter, opts Options, now time.Time) (Result, error) {
	threshold := opts.ReferencedFractionThreshold
	if threshold == 0 {
		threshold = defaultReferencedFractionThreshold
	}

	scanTxn, err := cat.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	dblocks, err := catalog.ListDBlockVolumes(scanTxn)
	if err != nil {
		scanTxn.Rollback()
		return Result{}, err
	}

	var zeroRef []catalog.RemoteVolume
	var rewrite []candidate
	for _, rv := range dblocks {
		if rv.State != catalog.StateUploaded && rv.State != catalog.StateVerified {
			// Still in flight or already being retired; not a candidate.
			continue
		}
		fraction, err := catalog.BlockReferencedFraction(scanTxn, rv.ID)
		if err != nil {
			scanTxn.Rollback()
			return Result{}, err
		}
		wasted := int64(float64(rv.Size) * (1 - fraction))
		switch {
		case fraction == 0:
			zeroRef = append(zeroRef, rv)
		case fraction < threshold || (opts.WastedBytesThreshold > 0 && wasted >= opts.WastedBytesThreshold):
			rewrite = append(rewrite, candidate{rv: rv, fraction: fraction})
		}
	}
	scanTxn.Rollback()

	metrics.CompactCandidates.Set(float64(len(rewrite)))

	sort.Slice(rewrite, func(i, j int) bool {
		if rewrite[i].fraction != rewrite[j].fraction {
			return rewrite[i].fraction < rewrite[j].fraction
		}
		return rewrite[i].rv.ID < rewrite[j].rv.ID
	})

	if opts.Logger != nil {
		opts.Logger.Phase("compact", "%d zero-reference volume(s), %d rewrite candidate(s)\n", len(zeroRef), len(rewrite))
	}

	var result Result
	for _, rv := range zeroRef {
		if err := retireVolumeAndIndex(ctx, cat, store, rv); err != nil {
			return result, err
		}
		result.VolumesRetired++
	}

	if len(rewrite) == 0 {
		return result, nil
	}

	fetchedByID, err := fetchCandidates(ctx, store, opts, rewrite)
	if err != nil {
		return result, err
	}

	var phase *progress.Phase
	if opts.Bus != nil {
		phase = progress.NewPhase(opts.Bus, "compact", opts.Offset, opts.Span)
	}
	for i, c := range rewrite {
		rewrote, err := compactOneVolume(ctx, cat, store, opts, c.rv, fetchedByID[c.rv.ID], now, &result)
		if err != nil {
			return result, err
		}
		if rewrote {
			result.VolumesRewritten++
			if opts.Logger != nil {
				opts.Logger.Phase("compact", "volume %d repacked (%d/%d)\n", c.rv.ID, i+1, len(rewrite))
			}
		}
		fraction := float64(i+1) / float64(len(rewrite))
		if phase != nil {
			phase.Report(fraction)
		}
		metrics.ObserveProgress("compact", fraction)
	}

	if opts.Logger != nil {
		opts.Logger.Phase("compact", "done: %d volume(s) rewritten, %d retired, %d block(s) repacked\n", result.VolumesRewritten, result.VolumesRetired, result.BlocksRepacked)
	}

	return result, nil
}

type decodedContainer struct {
	entries []volume.Entry
}

// fetchCandidates downloads and decodes every candidate's container
// concurrently, bounded by Options.MaxParallelReads, since the
// candidates are independent: none of this work touches the catalog.
func fetchCandidates(ctx context.Context, store *objectstore.Adapter, opts Options, candidates []candidate) (map[int64]decodedContainer, error) {
	limit := opts.MaxParallelReads
	if limit <= 0 {
		limit = defaultMaxParallelReads
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	out := make(map[int64]decodedContainer, len(candidates))
	var mu sync.Mutex
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			data, err := store.Get(gctx, c.rv.Name)
			if err != nil {
				return bkerr.Wrap(bkerr.KindBackendTransient, err, "fetching %s for compaction", c.rv.Name)
			}
			_, entries, err := volume.Read(bytes.NewReader(data), opts.EncryptionKey)
			if err != nil {
				return bkerr.Wrap(bkerr.KindIntegrity, err, "decoding %s", c.rv.Name)
			}
			mu.Lock()
			out[c.rv.ID] = decodedContainer{entries: entries}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// compactOneVolume repacks the blocks of rv still referenced by some
// blockset into a new dblock+dindex pair, reassigns the catalog's
// block->volume mapping, commits, then uploads the new pair and
// deletes rv (and its paired dindex, if any).
func compactOneVolume(ctx context.Context, cat *catalog.Catalog, store *objectstore.Adapter, opts Options, rv catalog.RemoteVolume, fetched decodedContainer, now time.Time, result *Result) (bool, error) {
	txn, err := cat.Begin(ctx)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Rollback()
		}
	}()

	referenced, err := catalog.ReferencedBlocksInVolume(txn, rv.ID)
	if err != nil {
		return false, err
	}
	if len(referenced) == 0 {
		// A purge running concurrently with the read-only scan dropped
		// every remaining reference; nothing left to repack.
		txn.Rollback()
		committed = true
		if err := retireVolumeAndIndex(ctx, cat, store, rv); err != nil {
			return false, err
		}
		result.VolumesRetired++
		return false, nil
	}

	byName := make(map[string][]byte, len(fetched.entries))
	for _, e := range fetched.entries {
		byName[e.Name] = e.Data
	}

	newBlockEntries := make([]volume.Entry, 0, len(referenced))
	blockInfos := make([]blockInfoRecord, 0, len(referenced))
	for _, b := range referenced {
		name := hex.EncodeToString(b.Hash)
		data, ok := byName[name]
		if !ok {
			return false, bkerr.New(bkerr.KindIntegrity, "dblock volume %d (%s) is missing entry for referenced block %s", rv.ID, rv.Name, name)
		}
		newBlockEntries = append(newBlockEntries, volume.Entry{Name: name, Data: data})
		blockInfos = append(blockInfos, blockInfoRecord{Hash: name, Size: b.Size})
	}

	newDBlockName := volume.Filename(opts.Prefix, volume.KindDBlock, now, opts.Compressor, opts.Encrypter)
	newDBlockVolumeID, err := catalog.InsertRemoteVolume(txn, newDBlockName, volume.KindDBlock)
	if err != nil {
		return false, err
	}
	newDIndexName := volume.Filename(opts.Prefix, volume.KindDIndex, now, opts.Compressor, opts.Encrypter)
	newDIndexVolumeID, err := catalog.InsertRemoteVolume(txn, newDIndexName, volume.KindDIndex)
	if err != nil {
		return false, err
	}
	if err := catalog.SetIndexVolume(txn, newDBlockVolumeID, newDIndexVolumeID); err != nil {
		return false, err
	}

	for _, b := range referenced {
		if err := catalog.ReassignBlockVolume(txn, b.ID, newDBlockVolumeID); err != nil {
			return false, err
		}
	}

	if err := catalog.UpdateRemoteVolume(txn, rv.ID, catalog.StateDeleting, rv.Size, rv.Hash); err != nil {
		return false, err
	}
	var oldIndexName string
	if rv.IndexVolumeID != 0 {
		oldIndex, err := catalog.GetRemoteVolume(txn, rv.IndexVolumeID)
		if err != nil {
			return false, err
		}
		if err := catalog.UpdateRemoteVolume(txn, oldIndex.ID, catalog.StateDeleting, oldIndex.Size, oldIndex.Hash); err != nil {
			return false, err
		}
		oldIndexName = oldIndex.Name
	}

	// Repacking never touches File or FilesetEntry rows, but asserting
	// that here costs one query and catches a concurrent purge leaving
	// this transaction an inconsistent view to commit on top of.
	if err := catalog.RequireNoOrphans(txn); err != nil {
		return false, err
	}

	if err := txn.Commit(); err != nil {
		return false, err
	}
	committed = true

	dblockBuf, err := encodeContainer(dblockManifest(opts.BlockHashAlgo, opts.FileHashAlgo, opts.Compressor, opts.Encrypter, opts.AppVersion, opts.Blocksize, now), newBlockEntries, opts.EncryptionKey)
	if err != nil {
		return false, bkerr.Wrap(bkerr.KindInvariant, err, "encoding replacement dblock %s", newDBlockName)
	}
	blockInfoJSON, err := json.Marshal(blockInfos)
	if err != nil {
		return false, fmt.Errorf("compact: marshaling blockinfo: %w", err)
	}
	dindexBuf, err := encodeContainer(dindexManifest(opts.BlockHashAlgo, opts.FileHashAlgo, opts.Compressor, opts.Encrypter, opts.AppVersion, opts.Blocksize, now), []volume.Entry{{Name: "blockinfo", Data: blockInfoJSON}}, opts.EncryptionKey)
	if err != nil {
		return false, bkerr.Wrap(bkerr.KindInvariant, err, "encoding replacement dindex %s", newDIndexName)
	}

	dblockData, dindexData := dblockBuf.Bytes(), dindexBuf.Bytes()
	dblockFuture := store.Put(newDBlockName, dblockData, flushVolumeHook(ctx, cat, newDBlockVolumeID, len(dblockData)))
	dindexFuture := store.Put(newDIndexName, dindexData, flushVolumeHook(ctx, cat, newDIndexVolumeID, len(dindexData)))

	store.Delete(rv.Name)
	if oldIndexName != "" {
		store.Delete(oldIndexName)
	}

	if err := dblockFuture.Wait(); err != nil {
		return false, err
	}
	if err := dindexFuture.Wait(); err != nil {
		return false, err
	}
	store.WaitForEmpty()
	if err := markVolumeUploaded(ctx, cat, newDBlockVolumeID, int64(len(dblockData))); err != nil {
		return false, err
	}
	if err := markVolumeUploaded(ctx, cat, newDIndexVolumeID, int64(len(dindexData))); err != nil {
		return false, err
	}

	metrics.VolumesUploaded.Add(2)
	deleted := 1
	if oldIndexName != "" {
		deleted = 2
	}
	metrics.VolumesDeleted.Add(float64(deleted))
	result.BlocksRepacked += len(referenced)

	return true, nil
}

// retireVolumeAndIndex marks rv (and its paired dindex, if any) as
// deleting, commits, then deletes both blobs from the backend. Used
// both for zero-reference volumes and for a rewrite candidate that
// turned out empty by the time its own transaction ran.
func retireVolumeAndIndex(ctx context.Context, cat *catalog.Catalog, store *objectstore.Adapter, rv catalog.RemoteVolume) error {
	txn, err := cat.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Rollback()
		}
	}()

	if err := catalog.UpdateRemoteVolume(txn, rv.ID, catalog.StateDeleting, rv.Size, rv.Hash); err != nil {
		return err
	}
	var indexName string
	if rv.IndexVolumeID != 0 {
		idx, err := catalog.GetRemoteVolume(txn, rv.IndexVolumeID)
		if err != nil {
			return err
		}
		if err := catalog.UpdateRemoteVolume(txn, idx.ID, catalog.StateDeleting, idx.Size, idx.Hash); err != nil {
			return err
		}
		indexName = idx.Name
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	committed = true

	store.Delete(rv.Name)
	if indexName != "" {
		store.Delete(indexName)
	}
	store.WaitForEmpty()
	metrics.VolumesDeleted.Inc()
	if indexName != "" {
		metrics.VolumesDeleted.Inc()
	}
	return nil
}

func encodeContainer(manifest volume.Manifest, entries []volume.Entry, key []byte) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if err := volume.Write(&buf, manifest, entries, key); err != nil {
		return nil, err
	}
	return &buf, nil
}

// markVolumeUploaded acks a confirmed Put by promoting the volume's
// catalog row from uploading to uploaded, in its own small transaction —
// the row is the authority that the blob exists, so a successful
// Wait() must always be followed by this before the caller moves on.
func markVolumeUploaded(ctx context.Context, cat *catalog.Catalog, volumeID int64, size int64) error {
	txn, err := cat.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback()
	if err := catalog.UpdateRemoteVolume(txn, volumeID, catalog.StateUploaded, size, nil); err != nil {
		return err
	}
	return txn.Commit()
}

// flushVolumeHook builds the objectstore.FlushHook that advances
// volumeID to StateUploading right before its bytes are handed to the
// backend, mirroring purge's own commit-before-upload sequencing.
func flushVolumeHook(ctx context.Context, cat *catalog.Catalog, volumeID int64, size int) objectstore.FlushHook {
	return func() error {
		txn, err := cat.Begin(ctx)
		if err != nil {
			return err
		}
		defer txn.Rollback()
		if err := catalog.UpdateRemoteVolume(txn, volumeID, catalog.StateUploading, int64(size), nil); err != nil {
			return err
		}
		return txn.Commit()
	}
}
