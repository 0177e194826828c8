// Package purge rewrites older filesets to drop files matching a
// caller-supplied filter, then retires their superseded dfileset
// volumes, committing the catalog change before any remote upload so a
// crash between the two leaves a state the next run's verifier can
// reconcile.
package purge

import "path"

// Filter decides whether a file's path should be removed from a
// fileset being purged. It has exactly two concrete implementations —
// PathGlob and CatalogSelector — kept as a closed variant so the engine
// never needs to know how a filter was produced.
type Filter interface {
	// Matches reports whether filePath should be dropped.
	Matches(filePath string) bool
	// Empty reports whether this filter is unset (an empty glob or a
	// nil selector); Run refuses to start with an empty filter.
	Empty() bool
}

// PathGlob matches files by a shell glob pattern (see path.Match).
type PathGlob string

func (g PathGlob) Matches(filePath string) bool {
	ok, err := path.Match(string(g), filePath)
	return err == nil && ok
}

func (g PathGlob) Empty() bool { return g == "" }

// CatalogSelector matches files by an arbitrary caller-compiled
// predicate over the file's path, for filters that are not expressed as
// a glob pattern. The predicate receives only the path.
type CatalogSelector func(filePath string) bool

func (f CatalogSelector) Matches(filePath string) bool { return f != nil && f(filePath) }

func (f CatalogSelector) Empty() bool { return f == nil }
