package purge

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/carljohnsen/duplicati/internal/bkerr"
	"github.com/carljohnsen/duplicati/internal/catalog"
	"github.com/carljohnsen/duplicati/internal/metrics"
	"github.com/carljohnsen/duplicati/internal/objectstore"
	"github.com/carljohnsen/duplicati/internal/progress"
	"github.com/carljohnsen/duplicati/internal/verify"
	"github.com/carljohnsen/duplicati/internal/volume"
	"github.com/carljohnsen/duplicati/util"
)

// Options configures one purge invocation.
type Options struct {
	Filter      Filter
	Selection   catalog.FilesetSelector
	DryRun      bool
	AutoCompact bool
	// SkipBackendVerification disables precondition 5 (a remote list
	// reconciliation before any rewrite begins).
	SkipBackendVerification bool

	Prefix        string // volume filename prefix, e.g. "duplicati"
	Compressor    string
	Encrypter     string
	EncryptionKey []byte
	BlockHashAlgo string
	FileHashAlgo  string
	AppVersion    string
	Blocksize     int

	// CompactHook, if non-nil, is invoked once after the purge loop if
	// any fileset was rewritten and AutoCompact is set.
	CompactHook func(ctx context.Context) error

	Bus    *progress.Bus
	Offset float64
	Span   float64

	// Logger, if non-nil, receives a one-line progress message per
	// fileset processed. Left nil in tests.
	Logger *util.Logger
}

// Result summarizes one purge run.
type Result struct {
	FilesetsRewritten int
	FilesRemoved      int
	DryRun            bool
	// WouldPurgeFile and WouldUploadAndDelete are populated only when
	// Options.DryRun is set, mirroring what a live run would have done.
	WouldPurgeFile       []string
	WouldUploadAndDelete []string
	CompactTriggered     bool
}

// Run executes a purge against cat and store. now is the wall-clock
// time written into the replacement manifests' "Created" field; the new
// fileset's timestamp is probed upward from the fileset's own original
// timestamp and does not depend on now.
func Run(ctx context.Context, cat *catalog.Catalog, store *objectstore.Adapter, opts Options, now time.Time) (Result, error) {
	if opts.Filter == nil || opts.Filter.Empty() {
		return Result{}, bkerr.Wrap(bkerr.KindUserInput, bkerr.ErrEmptyFilter, "purge requires a non-empty filter")
	}

	localReport, err := verify.LocalCatalog(cat, int64(opts.Blocksize))
	if err != nil {
		return Result{}, err
	}
	if len(localReport.LocalProblems) > 0 {
		return Result{}, bkerr.Wrap(bkerr.KindCatalogState, bkerr.ErrCatalogMidRepair, "catalog failed %d local consistency check(s)", len(localReport.LocalProblems))
	}

	orphanCheckTxn, err := cat.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	orphanErr := catalog.RequireNoOrphans(orphanCheckTxn)
	orphanCheckTxn.Rollback()
	if orphanErr != nil {
		return Result{}, orphanErr
	}

	readConn := cat.ReadConn()
	filesetIDs, err := catalog.GetFilesetIDs(readConn, opts.Selection)
	if err != nil {
		return Result{}, err
	}
	if len(filesetIDs) == 0 {
		return Result{}, bkerr.Wrap(bkerr.KindUserInput, bkerr.ErrNoMatchingVersions, "version selection matched no filesets")
	}

	takenSeconds := map[int64]bool{}
	if !opts.SkipBackendVerification {
		if err := (func() error {
			report, err := verify.StrictRemote(ctx, cat, store, opts.Prefix, int64(opts.Blocksize))
			if err != nil {
				return err
			}
			if !report.Clean() {
				return bkerr.Wrap(bkerr.KindIntegrity, nil, "strict remote verification found %d problem(s); refusing to purge", len(report.MissingBlobs)+len(report.SizeMismatches)+len(report.ExtraBlobs))
			}
			return nil
		})(); err != nil {
			return Result{}, err
		}
	}
	blobs, err := store.List(ctx, "")
	if err != nil {
		return Result{}, bkerr.Wrap(bkerr.KindBackendTransient, err, "listing backend to probe taken filenames")
	}
	for _, b := range blobs {
		pf, err := volume.ParseFilename(b.Name)
		if err != nil || pf.Kind != volume.KindDFileset {
			continue
		}
		takenSeconds[pf.Timestamp.Unix()] = true
	}

	// Process oldest-first so a rewrite never needs to look past a
	// fileset that hasn't been rewritten yet to find its next-newer
	// bound.
	times, err := catalog.FilesetTimes(readConn)
	if err != nil {
		return Result{}, err
	}
	order := map[int64]int{}
	for i, row := range times {
		order[row.ID] = i
	}
	selected := append([]int64{}, filesetIDs...)
	for i := 0; i < len(selected); i++ {
		for j := i + 1; j < len(selected); j++ {
			if order[selected[j]] > order[selected[i]] {
				selected[i], selected[j] = selected[j], selected[i]
			}
		}
	}

	var result Result
	result.DryRun = opts.DryRun

	var phase *progress.Phase
	if opts.Bus != nil {
		phase = progress.NewPhase(opts.Bus, "purge", opts.Offset, effectiveSpan(opts))
	}
	if opts.Logger != nil {
		opts.Logger.Phase("purge", "selected %d fileset(s) to inspect\n", len(selected))
	}
	for i, filesetID := range selected {
		rewritten, err := purgeOneFileset(ctx, cat, store, opts, filesetID, takenSeconds, now, &result)
		if err != nil {
			return result, err
		}
		if rewritten {
			result.FilesetsRewritten++
			if opts.Logger != nil {
				opts.Logger.Phase("purge", "fileset %d rewritten (%d/%d)\n", filesetID, i+1, len(selected))
			}
		}
		fraction := float64(i+1) / float64(len(selected))
		if phase != nil {
			phase.Report(fraction)
		}
		metrics.ObserveProgress("purge", fraction)
	}

	if result.FilesetsRewritten > 0 {
		metrics.FilesetsRewritten.Add(float64(result.FilesetsRewritten))
	}
	metrics.FilesPurged.Add(float64(result.FilesRemoved))

	if opts.Logger != nil {
		opts.Logger.Phase("purge", "done: %d fileset(s) rewritten, %d file(s) removed\n", result.FilesetsRewritten, result.FilesRemoved)
	}

	if !opts.DryRun && result.FilesetsRewritten > 0 && opts.AutoCompact && opts.CompactHook != nil {
		if opts.Logger != nil {
			opts.Logger.Phase("purge", "triggering auto-compact\n")
		}
		if err := opts.CompactHook(ctx); err != nil {
			return result, err
		}
		result.CompactTriggered = true
	}

	return result, nil
}

func effectiveSpan(opts Options) float64 {
	total := opts.Span
	if total == 0 {
		total = 1
	}
	if !opts.AutoCompact {
		return total
	}
	// progress.CompactSpan returns compact's own trailing slice; purge
	// itself gets everything before that slice starts.
	_, compactSpan := progress.CompactSpan(opts.Offset, total)
	return total - compactSpan
}

// purgeOneFileset runs the nine-step per-fileset procedure against a
// single fileset, reporting whether it was rewritten.
func purgeOneFileset(ctx context.Context, cat *catalog.Catalog, store *objectstore.Adapter, opts Options, filesetID int64, takenSeconds map[int64]bool, now time.Time, result *Result) (bool, error) {
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

	original, err := catalog.GetFileset(txn, filesetID)
	if err != nil {
		return false, err
	}
	t0 := original.Timestamp
	// t0's own remote volume is the one this rewrite is about to
	// retire, so its second is free for reuse even though the
	// up-front backend scan recorded it as taken.
	delete(takenSeconds, t0)

	tNext, hasNext, err := catalog.NextNewerTimestamp(txn, t0)
	if err != nil {
		return false, err
	}
	bound := int64(0)
	if hasNext {
		bound = tNext
	}
	tNew, err := catalog.ProbeUnusedFilename(txn.Conn(), t0, bound, takenSeconds)
	if err != nil {
		return false, err
	}
	if hasNext && tNew >= tNext {
		return false, bkerr.New(bkerr.KindInvariant, "probed timestamp %d for fileset %d is not strictly before next-newer fileset's timestamp %d", tNew, filesetID, tNext)
	}

	// 0 is a placeholder timestamp distinct from any real fileset's
	// (the unique index on Fileset.timestamp would otherwise reject a
	// clone sharing t0 with the row it is about to replace).
	tempFilesetID, err := catalog.CreateTemporaryFileset(txn, filesetID, 0, original.IsFull)
	if err != nil {
		return false, err
	}

	members, err := catalog.FilesetMembers(txn.Conn(), tempFilesetID)
	if err != nil {
		return false, err
	}

	removed := 0
	var removedPaths []string
	for _, m := range members {
		f, err := catalog.GetFile(txn, m.FileID)
		if err != nil {
			return false, err
		}
		if opts.Filter.Matches(string(f.Path)) {
			if err := catalog.RemoveFilesetEntry(txn, tempFilesetID, m.FileID); err != nil {
				return false, err
			}
			removed++
			removedPaths = append(removedPaths, string(f.Path))
		}
	}

	if removed == 0 {
		return false, nil
	}
	result.FilesRemoved += removed

	if opts.DryRun {
		newName := volume.Filename(opts.Prefix, volume.KindDFileset, time.Unix(tNew, 0).UTC(), opts.Compressor, opts.Encrypter)
		for _, p := range removedPaths {
			result.WouldPurgeFile = append(result.WouldPurgeFile, p)
		}
		result.WouldUploadAndDelete = append(result.WouldUploadAndDelete, fmt.Sprintf("%s (replaces fileset at t=%d)", newName, t0))
		return true, nil
	}

	remainingMembers, err := catalog.FilesetMembers(txn.Conn(), tempFilesetID)
	if err != nil {
		return false, err
	}
	entry, err := buildFilesetEntry(txn, remainingMembers)
	if err != nil {
		return false, err
	}

	newName := volume.Filename(opts.Prefix, volume.KindDFileset, time.Unix(tNew, 0).UTC(), opts.Compressor, opts.Encrypter)
	newVolumeID, err := catalog.InsertRemoteVolume(txn, newName, volume.KindDFileset)
	if err != nil {
		return false, err
	}

	manifest := dfilesetManifest(opts.BlockHashAlgo, opts.FileHashAlgo, opts.Compressor, opts.Encrypter, opts.AppVersion, opts.Blocksize, now)
	var buf bytes.Buffer
	if err := volume.Write(&buf, manifest, []volume.Entry{entry}, opts.EncryptionKey); err != nil {
		return false, bkerr.Wrap(bkerr.KindInvariant, err, "encoding replacement dfileset %s", newName)
	}

	// The original row must be dropped before the temporary row is
	// retimestamped, since tNew may equal t0 (reusing the same second)
	// and the unique index on Fileset.timestamp would otherwise reject
	// the two rows coexisting even for one statement.
	droppedVolumes, err := catalog.DropFilesetsFromTable(txn, []int64{t0})
	if err != nil {
		return false, err
	}
	for _, old := range droppedVolumes {
		if err := catalog.UpdateRemoteVolume(txn, old.ID, catalog.StateDeleting, old.Size, old.Hash); err != nil {
			return false, err
		}
	}

	if err := catalog.SetFilesetVolume(txn, tempFilesetID, newVolumeID, tNew); err != nil {
		return false, err
	}

	// RemoveFilesetEntry above may have dropped the last membership
	// pointing at a File; sweep those out now, in the same transaction,
	// so no rewrite ever leaves an orphan behind for CountOrphanFiles to
	// find later.
	if _, err := catalog.DeleteOrphanFiles(txn); err != nil {
		return false, err
	}

	if err := txn.Commit(); err != nil {
		return false, err
	}
	committed = true
	takenSeconds[tNew] = true

	data := buf.Bytes()
	putFuture := store.Put(newName, data, func() error {
		upTxn, err := cat.Begin(ctx)
		if err != nil {
			return err
		}
		defer upTxn.Rollback()
		if err := catalog.UpdateRemoteVolume(upTxn, newVolumeID, catalog.StateUploading, int64(len(data)), nil); err != nil {
			return err
		}
		return upTxn.Commit()
	})
	for _, old := range droppedVolumes {
		store.Delete(old.Name)
	}
	if err := putFuture.Wait(); err != nil {
		return false, err
	}
	store.WaitForEmpty()
	if err := markVolumeUploaded(ctx, cat, newVolumeID, int64(len(data))); err != nil {
		return false, err
	}
	metrics.VolumesUploaded.Inc()
	metrics.VolumesDeleted.Add(float64(len(droppedVolumes)))

	return true, nil
}

// markVolumeUploaded acks a confirmed Put by promoting the volume's
// catalog row from uploading to uploaded, in its own small transaction
// the same way the flush hook promotes temporary to uploading — the
// row is the authority that the blob exists, so a successful Wait()
// must always be followed by this before the caller moves on.
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
