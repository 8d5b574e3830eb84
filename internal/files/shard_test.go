package files

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestPrefixesFollowHashFirstByte(t *testing.T) {
	h, err := ParseHash("3a" + strings.Repeat("00", 31))
	if err != nil {
		t.Fatal(err)
	}

	if got := FilePrefix(h); got != "f3a" {
		t.Errorf("file prefix: expected f3a, got %s", got)
	}
	if got := ThumbnailPrefix(h); got != "t3a" {
		t.Errorf("thumbnail prefix: expected t3a, got %s", got)
	}
}

func TestHexPrefixesComplete(t *testing.T) {
	prefixes := HexPrefixes()
	if len(prefixes) != 256 {
		t.Fatalf("expected 256 prefixes, got %d", len(prefixes))
	}
	if prefixes[0] != "00" || prefixes[255] != "ff" {
		t.Errorf("expected 00..ff, got %s..%s", prefixes[0], prefixes[255])
	}

	seen := make(map[string]bool)
	for _, p := range prefixes {
		if seen[p] {
			t.Fatalf("duplicate prefix %s", p)
		}
		seen[p] = true
	}
}

func TestExpectedPaths(t *testing.T) {
	h := HashBytes([]byte("some content"))
	prefix := FilePrefix(h)
	prefixes := map[string]string{
		prefix:             "/mnt/a",
		ThumbnailPrefix(h): "/mnt/b",
	}

	path, err := expectedFilePath(prefixes, h, MimeJPEG)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join("/mnt/a", prefix, h.Hex()+".jpg")
	if path != want {
		t.Errorf("expected %s, got %s", want, path)
	}

	thumbPath, err := expectedThumbnailPath(prefixes, h)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(thumbPath, h.Hex()+ThumbnailExt) {
		t.Errorf("thumbnail path %s missing %s suffix", thumbPath, ThumbnailExt)
	}
	if !strings.HasPrefix(thumbPath, "/mnt/b") {
		t.Errorf("thumbnail path %s not under /mnt/b", thumbPath)
	}
}

func TestExpectedPathUnmappedPrefix(t *testing.T) {
	h := HashBytes([]byte("anything"))
	if _, err := expectedFilePath(map[string]string{}, h, MimePNG); err == nil {
		t.Error("expected error for unmapped prefix")
	}
}

func TestSamePathForSameHashAndMime(t *testing.T) {
	h := HashBytes([]byte("deterministic"))
	prefixes := map[string]string{FilePrefix(h): "/data"}

	a, err := expectedFilePath(prefixes, h, MimeWebP)
	if err != nil {
		t.Fatal(err)
	}
	b, err := expectedFilePath(prefixes, h, MimeWebP)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("path computation is not deterministic: %s vs %s", a, b)
	}
}

func TestParseHashRejectsBadInput(t *testing.T) {
	if _, err := ParseHash("short"); err == nil {
		t.Error("expected error for short input")
	}
	if _, err := ParseHash(strings.Repeat("zz", 32)); err == nil {
		t.Error("expected error for non-hex input")
	}
	if _, err := ParseHash(strings.Repeat("ab", 32)); err != nil {
		t.Errorf("valid hash rejected: %v", err)
	}
}
