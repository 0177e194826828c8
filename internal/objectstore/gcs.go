package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/carljohnsen/duplicati/internal/volume"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// GCS is a Backend backed by a Google Cloud Storage bucket.
type GCS struct {
	ctx    context.Context
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string

	upload   *Limiter
	download *Limiter
}

// GCSOptions configures a GCS backend.
type GCSOptions struct {
	BucketName string
	ProjectID  string
	// Location defaults to "us-central1" if empty.
	Location string

	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

// NewGCS returns a GCS backend for the given bucket, creating the
// bucket if it does not already exist.
func NewGCS(ctx context.Context, opts GCSOptions) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("objectstore: gcs client: %w", err)
	}

	bucket := client.Bucket(opts.BucketName)
	if _, err := bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := opts.Location
		if loc == "" {
			loc = "us-central1"
		}
		if opts.ProjectID == "" {
			return nil, fmt.Errorf("objectstore: bucket %s does not exist and no ProjectID given to create it", opts.BucketName)
		}
		if err := bucket.Create(ctx, opts.ProjectID, &gcs.BucketAttrs{Location: loc}); err != nil {
			return nil, fmt.Errorf("objectstore: creating bucket %s: %w", opts.BucketName, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("objectstore: %s: %w", opts.BucketName, err)
	}

	return &GCS{
		ctx:      ctx,
		client:   client,
		bucket:   bucket,
		name:     opts.BucketName,
		upload:   NewLimiter(opts.MaxUploadBytesPerSecond),
		download: NewLimiter(opts.MaxDownloadBytesPerSecond),
	}, nil
}

func (g *GCS) String() string { return "gs://" + g.name }

// Put uploads data to a temporary object, verifies its CRC32C against
// what was written locally, then copies it into place with a storage
// class of coldline for dblock volumes (large, write-once, rarely
// read) and regional for everything else. The temporary object is
// always cleaned up.
func (g *GCS) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	tmpName := name + ".tmp"
	tmpObj := g.bucket.Object(tmpName)
	defer tmpObj.Delete(ctx)

	w := tmpObj.NewWriter(ctx)
	w.ChunkSize = 256 * 1024

	upload := g.upload.Wrap(bytes.NewReader(buf))
	if _, err := io.Copy(w, upload); err != nil {
		w.Close()
		return fmt.Errorf("objectstore: uploading %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("objectstore: finalizing upload of %s: %w", name, err)
	}

	localCRC := crc32.Checksum(buf, castagnoliTable)
	if gcsCRC := w.Attrs().CRC32C; localCRC != gcsCRC {
		return fmt.Errorf("objectstore: %s: crc32c mismatch after upload (local %d, gcs %d)", name, localCRC, gcsCRC)
	}

	storageClass := "regional"
	if pf, err := volume.ParseFilename(name[strings.LastIndex(name, "/")+1:]); err == nil && pf.Kind == volume.KindDBlock {
		storageClass = "coldline"
	}

	copier := g.bucket.Object(name).CopierFrom(tmpObj)
	copier.StorageClass = storageClass
	copier.ContentType = "application/octet-stream"
	_, err = copier.Run(ctx)
	if err != nil {
		return fmt.Errorf("objectstore: finalizing %s: %w", name, err)
	}
	return nil
}

func (g *GCS) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := g.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, err
	}
	return readCloser{g.download.Wrap(r), r}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (g *GCS) Delete(ctx context.Context, name string) error {
	err := g.bucket.Object(name).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return err
	}
	return nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ObjectInfo{Name: obj.Name, Size: obj.Size, Created: obj.Created})
	}
}

// StrictVerifyEnvVar names the environment variable StrictVerifyEnabled
// reads; StrictVerifyEnabled reports whether it is set to "yolo".
// Neither the GCS backend nor internal/verify consults it.
const StrictVerifyEnvVar = "DUPLICATI_GCS_STRICT_VERIFY"

func StrictVerifyEnabled() bool {
	return os.Getenv(StrictVerifyEnvVar) == "yolo"
}
