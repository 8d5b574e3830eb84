package files

import (
	"context"
	"time"
)

// URL classification, as recorded alongside each known URL.
const (
	URLClassUnknown = "unknown"
	URLClassFile    = "file"
	URLClassPost    = "post"
	URLClassGallery = "gallery"
	URLClassWatcher = "watcher"
)

// Record is the database view of a stored file that maintenance work needs:
// identity, type, and the tags and URLs exported or retried when the physical
// file turns out damaged or missing.
type Record struct {
	Hash   Hash
	Mime   Mime
	Size   int64
	Width  int
	Height int

	// Tags are the record's tags across all services, used for sidecar
	// export before a bad record is removed.
	Tags []string

	// URLs carry the known source URLs and their classes.
	URLs []RecordURL
}

// RecordURL is a known source URL plus its class.
type RecordURL struct {
	URL   string
	Class string
}

// UsefulURLs returns the URLs a redownload attempt could plausibly use:
// direct file URLs, post URLs, and unclassified ones.
func (r *Record) UsefulURLs() []string {
	var out []string
	for _, u := range r.URLs {
		switch u.Class {
		case URLClassFile, URLClassPost, URLClassUnknown:
			out = append(out, u.URL)
		}
	}
	return out
}

// PrefixLocation pairs a shard prefix with the location that hosts it.
type PrefixLocation struct {
	Prefix   string
	Location string
}

// LocationStore is the persistent side of the prefix→location map.
type LocationStore interface {
	// PrefixLocations returns the full 512-row prefix→location map.
	PrefixLocations(ctx context.Context) (map[string]string, error)

	// IdealWeights returns the operator-configured target weight per
	// location, plus the thumbnail override location ("" when unset).
	IdealWeights(ctx context.Context) (weights map[string]float64, thumbnailOverride string, err error)

	// RepairPrefixLocations rewrites the location for the given prefixes.
	RepairPrefixLocations(ctx context.Context, rows []PrefixLocation) error

	// RelocatePrefix moves one shard: it updates the prefix row and merges
	// the physical directory from source into dest as one operation.
	RelocatePrefix(ctx context.Context, prefix, source, dest string) error
}

// OrphanStore answers whether hashes found on disk belong to any current
// record, and where orphaned files should be moved for inspection.
type OrphanStore interface {
	// FilterOrphanFileHashes returns the subset of hashes with no current
	// file record.
	FilterOrphanFileHashes(ctx context.Context, hashes []Hash) ([]Hash, error)

	// FilterOrphanThumbnailHashes returns the subset of hashes whose
	// records neither exist nor expect a thumbnail.
	FilterOrphanThumbnailHashes(ctx context.Context, hashes []Hash) ([]Hash, error)
}

// DeferredDelete is one queued physical delete: either or both of the file
// and thumbnail for a hash.
type DeferredDelete struct {
	Hash        Hash
	DeleteFile  bool
	DeleteThumb bool
}

// DeferredDeleteStore is the queue of physical deletes decoupled from record
// deletion.
type DeferredDeleteStore interface {
	// NextDeferredDelete returns the next queued delete, or ok=false when
	// the queue is empty.
	NextDeferredDelete(ctx context.Context) (d DeferredDelete, ok bool, err error)

	// ClearDeferredDelete acknowledges a completed delete.
	ClearDeferredDelete(ctx context.Context, d DeferredDelete) error
}

// RecordLookup resolves hashes to their database records.
type RecordLookup interface {
	// LookupRecord returns the record for a hash, or nil when no record
	// exists.
	LookupRecord(ctx context.Context, h Hash) (*Record, error)

	// LookupMime returns the recorded mime for a hash.
	LookupMime(ctx context.Context, h Hash) (Mime, error)

	// SetFileModifiedTime records a file's disk modified time.
	SetFileModifiedTime(ctx context.Context, h Hash, mtime time.Time) error
}
