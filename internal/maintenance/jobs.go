// Package maintenance implements the deferred per-file job system: a
// database-backed queue of regeneration and integrity work, a runner that
// executes it, and a scheduler that paces background execution against
// operator activity.
package maintenance

import (
	"context"
	"time"

	"github.com/filecellar/filecellar/internal/files"
)

// JobKind identifies one kind of per-file maintenance work. Values are
// stored in the database; never renumber.
type JobKind int

const (
	// Regeneration jobs.
	JobFileMetadata         JobKind = 0
	JobForceThumbnail       JobKind = 1
	JobRefitThumbnail       JobKind = 2
	JobOtherHashes          JobKind = 3
	JobDeleteNeighbourDupes JobKind = 4

	// Integrity jobs. Presence kinds only stat the file; data kinds hash
	// and verify its content.
	JobPresenceRemoveRecord     JobKind = 5
	JobPresenceDeleteRecord     JobKind = 6
	JobPresenceTryURL           JobKind = 7
	JobPresenceTryURLElseRemove JobKind = 8
	JobPresenceLogOnly          JobKind = 9
	JobDataRemoveRecord         JobKind = 10
	JobDataTryURL               JobKind = 11
	JobDataTryURLElseRemove     JobKind = 12
	JobDataSilentDelete         JobKind = 13

	JobFixPermissions JobKind = 14

	// Similar-files system jobs.
	JobCheckSimilarFilesMembership JobKind = 15
	JobSimilarFilesMetadata        JobKind = 16

	JobFileModifiedTimestamp JobKind = 17

	// Derived metadata flags.
	JobHasEXIF             JobKind = 18
	JobHasEmbeddedMetadata JobKind = 19
	JobHasICCProfile       JobKind = 20
	JobPixelHash           JobKind = 21
)

// AllJobKinds lists every kind in preferred execution order: cheap presence
// checks and record repairs before heavyweight regeneration.
var AllJobKinds = []JobKind{
	JobPresenceLogOnly,
	JobPresenceRemoveRecord,
	JobPresenceDeleteRecord,
	JobPresenceTryURL,
	JobPresenceTryURLElseRemove,
	JobDataRemoveRecord,
	JobDataTryURL,
	JobDataTryURLElseRemove,
	JobDataSilentDelete,
	JobFixPermissions,
	JobDeleteNeighbourDupes,
	JobFileModifiedTimestamp,
	JobHasEXIF,
	JobHasEmbeddedMetadata,
	JobHasICCProfile,
	JobRefitThumbnail,
	JobForceThumbnail,
	JobFileMetadata,
	JobOtherHashes,
	JobPixelHash,
	JobCheckSimilarFilesMembership,
	JobSimilarFilesMetadata,
}

var jobLabels = map[JobKind]string{
	JobFileMetadata:                "regenerate file metadata",
	JobForceThumbnail:              "regenerate thumbnail",
	JobRefitThumbnail:              "regenerate thumbnail if wrong size",
	JobOtherHashes:                 "regenerate non-standard hashes",
	JobDeleteNeighbourDupes:        "delete duplicate neighbours with incorrect file extension",
	JobPresenceRemoveRecord:        "if file is missing, remove record",
	JobPresenceDeleteRecord:        "if file is missing, remove record, leaving a deletion record",
	JobPresenceTryURL:              "if file is missing, try to redownload",
	JobPresenceTryURLElseRemove:    "if file is missing, try to redownload, else remove record",
	JobPresenceLogOnly:             "if file is missing, note it in log",
	JobDataRemoveRecord:            "if file is missing/incorrect, move file out and remove record",
	JobDataTryURL:                  "if file is missing/incorrect, try to redownload",
	JobDataTryURLElseRemove:        "if file is missing/incorrect, try to redownload, else remove record",
	JobDataSilentDelete:            "if file is incorrect, move file out",
	JobFixPermissions:              "fix file read/write permissions",
	JobCheckSimilarFilesMembership: "check for membership in the similar files search system",
	JobSimilarFilesMetadata:        "regenerate similar files metadata",
	JobFileModifiedTimestamp:       "record the file's modified time",
	JobHasEXIF:                     "determine if the file has EXIF metadata",
	JobHasEmbeddedMetadata:         "determine if the file has human-readable embedded metadata",
	JobHasICCProfile:               "determine if the file has an ICC profile",
	JobPixelHash:                   "regenerate pixel hash",
}

// Label returns the operator-facing description of a job kind.
func (k JobKind) Label() string {
	if label, ok := jobLabels[k]; ok {
		return label
	}
	return "unknown job"
}

// jobWeights express roughly how expensive one run of each kind is, in
// throttle units. A full metadata regen costs 100; a stat-only presence
// check costs 5.
var jobWeights = map[JobKind]int{
	JobFileMetadata:                100,
	JobForceThumbnail:              50,
	JobRefitThumbnail:              25,
	JobOtherHashes:                 100,
	JobDeleteNeighbourDupes:        25,
	JobPresenceRemoveRecord:        5,
	JobPresenceDeleteRecord:        5,
	JobPresenceTryURL:              25,
	JobPresenceTryURLElseRemove:    30,
	JobPresenceLogOnly:             5,
	JobDataRemoveRecord:            100,
	JobDataTryURL:                  100,
	JobDataTryURLElseRemove:        100,
	JobDataSilentDelete:            100,
	JobFixPermissions:              25,
	JobCheckSimilarFilesMembership: 20,
	JobSimilarFilesMetadata:        100,
	JobFileModifiedTimestamp:       10,
	JobHasEXIF:                     25,
	JobHasEmbeddedMetadata:         25,
	JobHasICCProfile:               25,
	JobPixelHash:                   100,
}

// Weight returns a kind's throttle cost.
func (k JobKind) Weight() int {
	if w, ok := jobWeights[k]; ok {
		return w
	}
	return jobWeights[JobFileMetadata]
}

// NormalizedBigJobWeight is the unit the throttle rules are written against:
// "n files per period" means n jobs of this weight.
const NormalizedBigJobWeight = 100

// jobOverrules maps each kind to the kinds it supersedes. Scheduling a kind
// deletes any queued job of a superseded kind for the same hash, since the
// new job's work covers it.
var jobOverrules = map[JobKind][]JobKind{
	JobForceThumbnail:           {JobRefitThumbnail},
	JobPresenceDeleteRecord:     {JobPresenceLogOnly},
	JobPresenceRemoveRecord:     {JobPresenceLogOnly},
	JobPresenceTryURL:           {JobPresenceLogOnly},
	JobPresenceTryURLElseRemove: {JobPresenceLogOnly, JobPresenceTryURL, JobPresenceRemoveRecord},
	JobDataRemoveRecord:         {JobPresenceLogOnly, JobPresenceRemoveRecord},
	JobDataTryURL:               {JobPresenceLogOnly, JobPresenceTryURL},
	JobDataTryURLElseRemove: {
		JobPresenceLogOnly, JobPresenceTryURL, JobPresenceRemoveRecord,
		JobDataTryURL, JobDataRemoveRecord,
	},
	JobSimilarFilesMetadata: {JobCheckSimilarFilesMembership},
}

// Overrules returns the kinds this kind supersedes when scheduled.
func (k JobKind) Overrules() []JobKind {
	return jobOverrules[k]
}

// IsIntegrity reports whether the kind belongs to the missing/invalid file
// family.
func (k JobKind) IsIntegrity() bool {
	switch k {
	case JobPresenceRemoveRecord, JobPresenceDeleteRecord, JobPresenceTryURL,
		JobPresenceTryURLElseRemove, JobPresenceLogOnly,
		JobDataRemoveRecord, JobDataTryURL, JobDataTryURLElseRemove,
		JobDataSilentDelete:
		return true
	}
	return false
}

// checksData reports whether the integrity kind verifies file content, not
// just presence.
func (k JobKind) checksData() bool {
	switch k {
	case JobDataRemoveRecord, JobDataTryURL, JobDataTryURLElseRemove, JobDataSilentDelete:
		return true
	}
	return false
}

// JobBatch is up to one shard's worth of queued work for a single kind.
type JobBatch struct {
	Kind   JobKind
	Hashes []files.Hash
}

// JobQueue is the persistent maintenance queue.
type JobQueue interface {
	// NextJobBatch returns due work for the first kind, in preferred order,
	// that has any. ok is false when nothing is due.
	NextJobBatch(ctx context.Context, limit int) (batch JobBatch, ok bool, err error)

	// AddJobs queues a kind for the given hashes, applying overrules: any
	// queued kind the new one supersedes is dropped for those hashes.
	AddJobs(ctx context.Context, hashes []files.Hash, kind JobKind, notBefore time.Time) error

	// ClearJobs removes completed jobs.
	ClearJobs(ctx context.Context, hashes []files.Hash, kind JobKind) error

	// CancelJobs drops all queued jobs of a kind, or all kinds when
	// kind < 0.
	CancelJobs(ctx context.Context, kind JobKind) error

	// JobCounts returns the number of due and total queued jobs per kind.
	JobCounts(ctx context.Context) (due map[JobKind]int, total map[JobKind]int, err error)
}
