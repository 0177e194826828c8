// Command duplicati-purge drops files matching a filter from one or
// more backup versions, rewriting their fileset manifests in place and
// optionally repacking the dblock volumes that rewrite leaves
// underreferenced.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/carljohnsen/duplicati/internal/bkerr"
	"github.com/carljohnsen/duplicati/internal/catalog"
	"github.com/carljohnsen/duplicati/internal/compact"
	"github.com/carljohnsen/duplicati/internal/objectstore"
	"github.com/carljohnsen/duplicati/internal/progress"
	"github.com/carljohnsen/duplicati/internal/purge"
	"github.com/carljohnsen/duplicati/internal/volume"
	"github.com/carljohnsen/duplicati/util"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("duplicati-purge", pflag.ContinueOnError)
	timeRange := flags.String("time", "", `select by time range, "start..end" (RFC3339)`)
	versions := flags.IntSlice("version", nil, "select by version index (0 = newest); repeatable")
	dryRun := flags.Bool("dry-run", false, "report what would be purged without changing anything")
	noAutoCompact := flags.Bool("no-auto-compact", false, "skip compact even if a fileset was rewritten")
	noBackendVerification := flags.Bool("no-backend-verification", false, "skip the strict remote reconciliation before rewriting")
	fullResult := flags.Bool("full-result", false, "print every removed path and every upload/delete, not just counts")
	prefix := flags.String("prefix", "duplicati", "remote volume filename prefix")
	passphrase := flags.String("passphrase", "", "container encryption passphrase; empty disables encryption")
	blocksize := flags.Int("blocksize", 1<<20, "fixed block size in bytes")
	verbose := flags.BoolP("verbose", "v", false, "log one line per fileset/volume processed")
	debug := flags.Bool("debug", false, "log at debug level as well")

	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return bkerr.KindUserInput.ExitCode()
	}

	rest := flags.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: duplicati-purge <destination> [filter ...]")
		return bkerr.KindUserInput.ExitCode()
	}
	destination, globs := rest[0], rest[1:]

	logger := util.NewLogger(*verbose, *debug)

	sel, err := parseSelector(*timeRange, *versions)
	if err != nil {
		logger.Error("%v\n", err)
		return bkerr.KindUserInput.ExitCode()
	}

	filter, err := parseFilter(globs)
	if err != nil {
		logger.Error("%v\n", err)
		return bkerr.KindUserInput.ExitCode()
	}

	key, err := encryptionKey(destination, *passphrase)
	if err != nil {
		logger.Error("%v\n", err)
		return bkerr.KindInvariant.ExitCode()
	}

	if err := os.MkdirAll(filepath.Join(destination, "blobs"), 0o755); err != nil {
		logger.Error("creating destination: %v\n", err)
		return bkerr.KindInvariant.ExitCode()
	}

	cat, err := catalog.Open(filepath.Join(destination, "catalog.db"))
	if err != nil {
		logger.Error("opening catalog: %v\n", err)
		return bkerr.KindOf(err).ExitCode()
	}
	defer cat.Close()

	disk, err := objectstore.NewDisk(filepath.Join(destination, "blobs"))
	if err != nil {
		logger.Error("opening backend: %v\n", err)
		return bkerr.KindOf(err).ExitCode()
	}
	store := objectstore.NewAdapter(disk, 5, 500*time.Millisecond, 30*time.Second)
	defer store.Close()

	bus := &progress.Bus{}
	defer bus.Close()
	go logProgress(bus, logger)

	encrypter := "aes"
	if key == nil {
		encrypter = "none"
	}

	ctx := context.Background()
	now := time.Now()
	purgeOpts := purge.Options{
		Filter:                  filter,
		Selection:               sel,
		DryRun:                  *dryRun,
		AutoCompact:             !*noAutoCompact,
		SkipBackendVerification: *noBackendVerification,
		Prefix:                  *prefix,
		Compressor:              "zstd",
		Encrypter:               encrypter,
		EncryptionKey:           key,
		BlockHashAlgo:           "blake3",
		FileHashAlgo:            "blake3",
		AppVersion:              "duplicati-purge",
		Blocksize:               *blocksize,
		Bus:                     bus,
		Offset:                  0,
		Span:                    1,
		Logger:                  logger,
	}
	purgeOpts.CompactHook = func(ctx context.Context) error {
		compactOffset, compactSpan := progress.CompactSpan(purgeOpts.Offset, purgeOpts.Span)
		_, err := compact.Run(ctx, cat, store, compact.Options{
			Prefix:        *prefix,
			Compressor:    "zstd",
			Encrypter:     encrypter,
			EncryptionKey: key,
			BlockHashAlgo: "blake3",
			FileHashAlgo:  "blake3",
			AppVersion:    "duplicati-purge",
			Blocksize:     *blocksize,
			Bus:           bus,
			Offset:        compactOffset,
			Span:          compactSpan,
			Logger:        logger,
		}, time.Now())
		return err
	}

	operationID, err := beginOperation(ctx, cat, "purge", now)
	if err != nil {
		logger.Error("recording operation start: %v\n", err)
		return bkerr.KindOf(err).ExitCode()
	}

	result, err := purge.Run(ctx, cat, store, purgeOpts, now)
	if err != nil {
		logger.Error("purge failed: %v\n", err)
		return bkerr.KindOf(err).ExitCode()
	}

	// Only a clean exit — no error returned, no active upload left
	// dangling mid-flight — clears the crash-flag; a session that dies
	// before this point leaves it set for the next run's
	// verify.StrictRemote to reconcile via catalog.RecoverPendingUpload.
	if err := endOperation(ctx, cat, operationID); err != nil {
		logger.Error("recording operation clean exit: %v\n", err)
		return bkerr.KindOf(err).ExitCode()
	}

	printResult(result, *fullResult)
	return 0
}

// beginOperation records the start of a session that performs remote
// writes, with the crash-flag set; see catalog.RecordOperationStart.
func beginOperation(ctx context.Context, cat *catalog.Catalog, kind string, startedAt time.Time) (int64, error) {
	txn, err := cat.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()
	id, err := catalog.RecordOperationStart(txn, kind, startedAt.Unix())
	if err != nil {
		return 0, err
	}
	return id, txn.Commit()
}

// endOperation clears the crash-flag set by beginOperation; see
// catalog.RecordOperationCleanExit.
func endOperation(ctx context.Context, cat *catalog.Catalog, operationID int64) error {
	txn, err := cat.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback()
	if err := catalog.RecordOperationCleanExit(txn, operationID); err != nil {
		return err
	}
	return txn.Commit()
}

// parseSelector turns --time/--version into a catalog.FilesetSelector.
// Leaving both unset selects every fileset.
func parseSelector(timeRange string, versions []int) (catalog.FilesetSelector, error) {
	if timeRange == "" {
		return catalog.FilesetSelector{Versions: versions}, nil
	}
	parts := strings.SplitN(timeRange, "..", 2)
	if len(parts) != 2 {
		return catalog.FilesetSelector{}, bkerr.New(bkerr.KindUserInput, `--time must have the form "start..end"`)
	}
	start, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return catalog.FilesetSelector{}, bkerr.Wrap(bkerr.KindUserInput, err, "parsing --time start")
	}
	end, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return catalog.FilesetSelector{}, bkerr.Wrap(bkerr.KindUserInput, err, "parsing --time end")
	}
	return catalog.FilesetSelector{TimeStart: start, TimeEnd: end}, nil
}

// parseFilter ORs together one PathGlob per positional argument; with
// more than one pattern the combined filter is a CatalogSelector
// closing over all of them, since Filter is a one-predicate interface.
func parseFilter(globs []string) (purge.Filter, error) {
	if len(globs) == 0 {
		return purge.PathGlob(""), nil
	}
	if len(globs) == 1 {
		return purge.PathGlob(globs[0]), nil
	}
	patterns := append([]string{}, globs...)
	return purge.CatalogSelector(func(filePath string) bool {
		for _, g := range patterns {
			if purge.PathGlob(g).Matches(filePath) {
				return true
			}
		}
		return false
	}), nil
}

// encryptionKey derives the container key from passphrase and a salt
// kept alongside the catalog, generating the salt on first use. An
// empty passphrase disables encryption.
func encryptionKey(destination, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, nil
	}
	saltPath := filepath.Join(destination, "salt")
	salt, err := os.ReadFile(saltPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading salt file: %w", err)
		}
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generating salt: %w", err)
		}
		if err := os.MkdirAll(destination, 0o755); err != nil {
			return nil, fmt.Errorf("creating destination: %w", err)
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return nil, fmt.Errorf("writing salt file: %w", err)
		}
	}
	return volume.DeriveKey(passphrase, salt), nil
}

func logProgress(bus *progress.Bus, logger *util.Logger) {
	for ev := range bus.Subscribe() {
		logger.Debug("progress: %s %.1f%%\n", ev.Phase, ev.Fraction*100)
	}
}

func printResult(r purge.Result, full bool) {
	fmt.Printf("filesets rewritten: %d\n", r.FilesetsRewritten)
	fmt.Printf("files removed: %d\n", r.FilesRemoved)
	if r.CompactTriggered {
		fmt.Println("auto-compact triggered")
	}
	if r.DryRun {
		fmt.Println("dry run: no changes were made")
	}
	if full {
		for _, p := range r.WouldPurgeFile {
			fmt.Printf("  would remove: %s\n", p)
		}
		for _, u := range r.WouldUploadAndDelete {
			fmt.Printf("  would upload: %s\n", u)
		}
	}
}
