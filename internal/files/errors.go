package files

import (
	"errors"
	"fmt"
)

// The error taxonomy callers branch on. A missing shard directory is a
// location-mapping problem needing operator or healing intervention; a
// missing file inside a present directory is a per-file integrity problem
// handled by maintenance jobs. The two must never be conflated.
var (
	// ErrDirectoryMissing means a shard directory the location map claims
	// should exist does not.
	ErrDirectoryMissing = errors.New("shard directory missing")

	// ErrFileMissing means the shard directory is present but the specific
	// file is absent under every supported extension.
	ErrFileMissing = errors.New("file missing")

	// ErrUnsupportedFile means a file's content could not be parsed as any
	// supported type.
	ErrUnsupportedFile = errors.New("unsupported file")
)

func directoryMissingError(dir string) error {
	return fmt.Errorf("%w: %s was not found; reconnect the missing location or shut the daemon down immediately", ErrDirectoryMissing, dir)
}

func fileMissingError(hash Hash) error {
	return fmt.Errorf("%w: no file found for %s", ErrFileMissing, hash.Hex())
}
