package files

import (
	"fmt"
	"path/filepath"
)

// Files and thumbnails are bucketed into 256 directories per kind by the
// first byte of the content hash: prefix "f3a" holds files whose hash starts
// 0x3a, prefix "t3a" holds their thumbnails. Which location hosts which
// prefix is the prefix→location map loaded from the location store.

// ThumbnailExt is the fixed extension for stored thumbnails.
const ThumbnailExt = ".thumbnail"

// FilePrefix returns the file shard prefix for a hash, e.g. "f3a".
func FilePrefix(h Hash) string {
	return "f" + h.Hex()[:2]
}

// ThumbnailPrefix returns the thumbnail shard prefix for a hash, e.g. "t3a".
func ThumbnailPrefix(h Hash) string {
	return "t" + h.Hex()[:2]
}

// HexPrefixes returns the 256 two-hex-character prefixes "00".."ff" in order.
func HexPrefixes() []string {
	out := make([]string, 0, 256)
	for i := 0; i < 256; i++ {
		out = append(out, fmt.Sprintf("%02x", i))
	}
	return out
}

// expectedFilePath computes location/prefix/hex(hash)+ext for the given map.
// Pure given a map snapshot; the caller holds whatever lock protects the map.
func expectedFilePath(prefixes map[string]string, h Hash, mime Mime) (string, error) {
	prefix := FilePrefix(h)
	location, ok := prefixes[prefix]
	if !ok {
		return "", fmt.Errorf("no location mapped for prefix %s", prefix)
	}
	return filepath.Join(location, prefix, h.Hex()+mime.Ext()), nil
}

// expectedThumbnailPath computes location/prefix/hex(hash).thumbnail.
func expectedThumbnailPath(prefixes map[string]string, h Hash) (string, error) {
	prefix := ThumbnailPrefix(h)
	location, ok := prefixes[prefix]
	if !ok {
		return "", fmt.Errorf("no location mapped for prefix %s", prefix)
	}
	return filepath.Join(location, prefix, h.Hex()+ThumbnailExt), nil
}
