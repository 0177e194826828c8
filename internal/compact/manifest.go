package compact

import (
	"time"

	"github.com/carljohnsen/duplicati/internal/volume"
)

// blockInfoRecord is one entry of a dindex container's "blockinfo" list:
// a block this compaction pass carried forward, named by hex hash so a
// verifier can check the repacked dblock's contents without reading the
// catalog.
type blockInfoRecord struct {
	Hash string `json:"Hash"`
	Size int64  `json:"Size"`
}

func dblockManifest(blockHashAlgo, fileHashAlgo, compression, encryption, appVersion string, blocksize int, created time.Time) volume.Manifest {
	return volume.Manifest{
		Version:     volume.ManifestVersion,
		Kind:        volume.KindDBlock,
		Created:     created,
		BlockHash:   blockHashAlgo,
		FileHash:    fileHashAlgo,
		Blocksize:   blocksize,
		Compression: compression,
		Encryption:  encryption,
		AppVersion:  appVersion,
	}
}

func dindexManifest(blockHashAlgo, fileHashAlgo, compression, encryption, appVersion string, blocksize int, created time.Time) volume.Manifest {
	return volume.Manifest{
		Version:     volume.ManifestVersion,
		Kind:        volume.KindDIndex,
		Created:     created,
		BlockHash:   blockHashAlgo,
		FileHash:    fileHashAlgo,
		Blocksize:   blocksize,
		Compression: compression,
		Encryption:  encryption,
		AppVersion:  appVersion,
	}
}
