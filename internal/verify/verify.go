// Package verify checks that a catalog's view of remote state agrees
// with what the backend actually holds. Local mode never contacts the
// backend; strict mode lists it and reconciles every blob.
package verify

import (
	"context"

	"github.com/carljohnsen/duplicati/internal/bkerr"
	"github.com/carljohnsen/duplicati/internal/catalog"
	"github.com/carljohnsen/duplicati/internal/objectstore"
)

// Report summarizes one verification pass.
type Report struct {
	LocalProblems []catalog.Inconsistency
	// ExtraBlobs are backend names with no matching RemoteVolume row.
	ExtraBlobs []string
	// MissingBlobs are RemoteVolume rows in uploaded/verified state with
	// no matching backend blob.
	MissingBlobs []catalog.RemoteVolume
	// SizeMismatches are rows whose catalog size disagrees with the
	// backend's reported size.
	SizeMismatches []catalog.RemoteVolume
	// ScheduledForDeletion are blobs that match the naming pattern of a
	// partial/temporary upload from a prior crashed session.
	ScheduledForDeletion []string
	// RecoveredUploads are pending-upload rows (from an Operation whose
	// crash-flag was still set) that StrictRemote found actually present
	// on the backend and promoted to uploaded.
	RecoveredUploads []catalog.RemoteVolume
	// AbandonedUploads are pending-upload rows StrictRemote found absent
	// from the backend and retired, since their Put never completed.
	AbandonedUploads []catalog.RemoteVolume
}

// Clean reports whether the report found nothing wrong.
func (r Report) Clean() bool {
	return len(r.LocalProblems) == 0 && len(r.ExtraBlobs) == 0 &&
		len(r.MissingBlobs) == 0 && len(r.SizeMismatches) == 0
}

// LocalCatalog runs the catalog-internal consistency checks without
// contacting the backend, wrapping the result in a Report. Partially
// recreated or mid-repair catalogs (a RemoteVolume left in a
// transitional state from a crashed prior session, per
// catalog.RecoverPendingUpload) must cause purge to refuse
// unconditionally — that check belongs to the caller (internal/purge's
// preconditions), not here.
func LocalCatalog(c *catalog.Catalog, blocksize int64) (Report, error) {
	problems, err := catalog.VerifyLocal(c.ReadConn(), blocksize)
	if err != nil {
		return Report{}, err
	}
	return Report{LocalProblems: problems}, nil
}

// StrictRemote runs LocalCatalog, then lists the backend and reconciles
// every blob against the catalog's RemoteVolume rows: a row in
// uploaded/verified must have a matching blob of the same size; a row in
// deleting tolerates absence; a blob with no matching row at all is
// flagged as extra unless its name looks like a prior crashed session's
// temporary upload (".tmp"-suffixed), in which case it is scheduled for
// deletion instead of failing the pass.
func StrictRemote(ctx context.Context, c *catalog.Catalog, store *objectstore.Adapter, prefix string, blocksize int64) (Report, error) {
	report, err := LocalCatalog(c, blocksize)
	if err != nil {
		return Report{}, err
	}

	blobs, err := store.List(ctx, prefix)
	if err != nil {
		return Report{}, bkerr.Wrap(bkerr.KindBackendTransient, err, "listing backend for strict verification")
	}
	blobSizes := make(map[string]int64, len(blobs))
	for _, b := range blobs {
		blobSizes[b.Name] = b.Size
	}

	txn, err := c.Begin(ctx)
	if err != nil {
		return Report{}, err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Rollback()
		}
	}()

	pending, err := catalog.RecoverPendingUpload(txn)
	if err != nil {
		return Report{}, err
	}
	for _, p := range pending {
		rv, err := catalog.GetRemoteVolume(txn, p.VolumeID)
		if err != nil {
			return Report{}, err
		}
		size, present := blobSizes[p.Name]
		if present {
			if err := catalog.UpdateRemoteVolume(txn, p.VolumeID, catalog.StateUploaded, size, nil); err != nil {
				return Report{}, err
			}
			rv.State, rv.Size = catalog.StateUploaded, size
			report.RecoveredUploads = append(report.RecoveredUploads, rv)
			continue
		}
		// Temporary rows never had a blob to begin with; Uploading rows
		// whose Put never reached the backend are abandoned the same
		// way, since resuming an upload that may or may not have
		// started is not something the catalog alone can tell.
		if err := catalog.UpdateRemoteVolume(txn, p.VolumeID, catalog.StateDeleting, rv.Size, rv.Hash); err != nil {
			return Report{}, err
		}
		rv.State = catalog.StateDeleting
		report.AbandonedUploads = append(report.AbandonedUploads, rv)
	}

	for _, state := range []catalog.VolumeState{catalog.StateUploaded, catalog.StateVerified} {
		rows, err := catalog.ListRemoteVolumesByState(txn, state)
		if err != nil {
			return Report{}, err
		}
		for _, rv := range rows {
			size, present := blobSizes[rv.Name]
			if !present {
				report.MissingBlobs = append(report.MissingBlobs, rv)
				continue
			}
			if size != rv.Size {
				report.SizeMismatches = append(report.SizeMismatches, rv)
			}
			delete(blobSizes, rv.Name)
		}
	}

	deletingRows, err := catalog.ListRemoteVolumesByState(txn, catalog.StateDeleting)
	if err != nil {
		return Report{}, err
	}
	for _, rv := range deletingRows {
		delete(blobSizes, rv.Name)
	}

	for name := range blobSizes {
		if looksLikeTemporaryUpload(name) {
			report.ScheduledForDeletion = append(report.ScheduledForDeletion, name)
			continue
		}
		report.ExtraBlobs = append(report.ExtraBlobs, name)
	}

	if err := txn.Commit(); err != nil {
		return Report{}, err
	}
	committed = true

	return report, nil
}

func looksLikeTemporaryUpload(name string) bool {
	return len(name) > 4 && name[len(name)-4:] == ".tmp"
}

// AsError classifies a non-clean Report as an integrity error; strict
// verification mode turns any reconciliation mismatch fatal.
func (r Report) AsError() error {
	if r.Clean() {
		return nil
	}
	return bkerr.New(bkerr.KindIntegrity, "verification found %d local problem(s), %d missing blob(s), %d size mismatch(es), %d extra blob(s)",
		len(r.LocalProblems), len(r.MissingBlobs), len(r.SizeMismatches), len(r.ExtraBlobs))
}
