package purge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/carljohnsen/duplicati/internal/catalog"
	"github.com/carljohnsen/duplicati/internal/volume"
)

// fileListRecord is the JSON shape of the single "filelist" entry
// carried inside a dfileset container: a disaster-recovery-oriented
// description of fileset membership that does not require the local
// catalog to reconstruct which files a version contained.
type fileListRecord struct {
	Path               string `json:"Path"`
	ContentBlocksetID  string `json:"ContentHash,omitempty"`
	MetadataBlocksetID string `json:"MetadataHash,omitempty"`
	EntryMtime         int64  `json:"EntryMtime"`
	LastModified       bool   `json:"LastModified"`
}

// buildFilesetEntry materializes the single "filelist" volume.Entry for
// a fileset's current membership.
func buildFilesetEntry(t *catalog.Txn, members []catalog.FilesetEntry) (volume.Entry, error) {
	records := make([]fileListRecord, 0, len(members))
	for _, m := range members {
		f, err := catalog.GetFile(t, m.FileID)
		if err != nil {
			return volume.Entry{}, err
		}
		bs, err := blocksetFullHashHex(t, f.ContentBlocksetID)
		if err != nil {
			return volume.Entry{}, err
		}
		meta, err := blocksetFullHashHex(t, f.MetadataBlocksetID)
		if err != nil {
			return volume.Entry{}, err
		}
		records = append(records, fileListRecord{
			Path:               string(f.Path),
			ContentBlocksetID:  bs,
			MetadataBlocksetID: meta,
			EntryMtime:         m.EntryMtime,
			LastModified:       m.LastModified,
		})
	}
	data, err := json.Marshal(records)
	if err != nil {
		return volume.Entry{}, fmt.Errorf("purge: marshaling filelist: %w", err)
	}
	return volume.Entry{Name: "filelist", Data: data}, nil
}

func blocksetFullHashHex(t *catalog.Txn, blocksetID int64) (string, error) {
	if blocksetID == 0 {
		return "", nil
	}
	hash, err := catalog.BlocksetFullHash(t, blocksetID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash), nil
}

// dfilesetManifest builds the manifest header for a rewritten fileset's
// replacement dfileset container.
func dfilesetManifest(blockHashAlgo, fileHashAlgo, compression, encryption, appVersion string, blocksize int, created time.Time) volume.Manifest {
	return volume.Manifest{
		Version:     volume.ManifestVersion,
		Kind:        volume.KindDFileset,
		Created:     created,
		BlockHash:   blockHashAlgo,
		FileHash:    fileHashAlgo,
		Blocksize:   blocksize,
		Compression: compression,
		Encryption:  encryption,
		AppVersion:  appVersion,
	}
}
