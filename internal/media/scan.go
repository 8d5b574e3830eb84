package media

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// sniffLen is how much of a file header the type sniffer reads.
const sniffLen = 64

// SniffType inspects a file's magic bytes and returns its mime type name, or
// "" when the content matches no supported type. Extension is never consulted;
// content decides.
func SniffType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, sniffLen)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, []byte{0xff, 0xd8, 0xff}):
		return "image/jpeg", nil
	case bytes.HasPrefix(header, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png", nil
	case bytes.HasPrefix(header, []byte("GIF87a")) || bytes.HasPrefix(header, []byte("GIF89a")):
		return "image/gif", nil
	case len(header) >= 12 && bytes.Equal(header[:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WEBP")):
		return "image/webp", nil
	case bytes.HasPrefix(header, []byte("BM")):
		return "image/bmp", nil
	case bytes.HasPrefix(header, []byte("II*\x00")) || bytes.HasPrefix(header, []byte("MM\x00*")):
		return "image/tiff", nil
	case len(header) >= 12 && bytes.Equal(header[4:8], []byte("ftyp")):
		brand := string(header[8:12])
		if brand == "qt  " {
			return "video/quicktime", nil
		}
		return "video/mp4", nil
	case bytes.HasPrefix(header, []byte{0x1a, 0x45, 0xdf, 0xa3}):
		// EBML container, either webm or matroska. DocType decides.
		if bytes.Contains(header, []byte("webm")) {
			return "video/webm", nil
		}
		return "video/x-matroska", nil
	case len(header) >= 12 && bytes.Equal(header[:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("AVI ")):
		return "video/x-msvideo", nil
	case len(header) >= 12 && bytes.Equal(header[:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WAVE")):
		return "audio/wav", nil
	case bytes.HasPrefix(header, []byte("ID3")) || (len(header) >= 2 && header[0] == 0xff && header[1]&0xe0 == 0xe0):
		return "audio/mp3", nil
	case bytes.HasPrefix(header, []byte("fLaC")):
		return "audio/flac", nil
	case bytes.HasPrefix(header, []byte("OggS")):
		return "audio/ogg", nil
	case bytes.HasPrefix(header, []byte("%PDF")):
		return "application/pdf", nil
	case bytes.HasPrefix(header, []byte("PK\x03\x04")):
		return "application/zip", nil
	}
	return "", nil
}

// HasICCProfile reports whether a JPEG, PNG or TIFF/WebP file embeds an ICC
// colour profile. Detection walks the container's native chunk or segment
// structure rather than decoding the image.
func HasICCProfile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, 12)
	if _, err := io.ReadFull(f, header); err != nil {
		return false, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("seek %s: %w", path, err)
	}

	switch {
	case bytes.HasPrefix(header, []byte{0xff, 0xd8, 0xff}):
		return jpegHasSegment(f, 0xe2, []byte("ICC_PROFILE\x00"))
	case bytes.HasPrefix(header, []byte("\x89PNG\r\n\x1a\n")):
		return pngHasChunk(f, "iCCP")
	default:
		// TIFF and WebP store profiles in tagged blocks a plain scan finds
		// reliably enough for a presence flag.
		content, err := io.ReadAll(io.LimitReader(f, 1<<20))
		if err != nil {
			return false, fmt.Errorf("read %s: %w", path, err)
		}
		return bytes.Contains(content, []byte("ICCP")) || bytes.Contains(content, []byte("acsp")), nil
	}
}

// HasEmbeddedText reports whether the file carries human-readable embedded
// metadata: PNG text chunks or a JPEG comment segment.
func HasEmbeddedText(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, 8)
	if _, err := io.ReadFull(f, header); err != nil {
		return false, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("seek %s: %w", path, err)
	}

	switch {
	case bytes.HasPrefix(header, []byte{0xff, 0xd8, 0xff}):
		return jpegHasSegment(f, 0xfe, nil)
	case bytes.HasPrefix(header, []byte("\x89PNG\r\n\x1a\n")):
		for _, chunk := range []string{"tEXt", "iTXt", "zTXt"} {
			found, err := pngHasChunk(f, chunk)
			if err != nil {
				return false, err
			}
			if found {
				return true, nil
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return false, fmt.Errorf("seek %s: %w", path, err)
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

// jpegHasSegment walks JPEG marker segments looking for the given marker,
// optionally requiring the segment payload to start with wantPrefix.
func jpegHasSegment(r io.Reader, marker byte, wantPrefix []byte) (bool, error) {
	br := make([]byte, 2)
	if _, err := io.ReadFull(r, br); err != nil {
		return false, nil
	}

	for {
		if _, err := io.ReadFull(r, br); err != nil {
			return false, nil
		}
		if br[0] != 0xff {
			return false, nil
		}
		m := br[1]
		if m == 0xd9 || m == 0xda {
			// EOI or start of scan: no more metadata segments.
			return false, nil
		}

		if _, err := io.ReadFull(r, br); err != nil {
			return false, nil
		}
		segLen := int(binary.BigEndian.Uint16(br)) - 2
		if segLen < 0 {
			return false, nil
		}

		if m == marker {
			if len(wantPrefix) == 0 {
				return true, nil
			}
			prefix := make([]byte, len(wantPrefix))
			if _, err := io.ReadFull(r, prefix); err != nil {
				return false, nil
			}
			if bytes.Equal(prefix, wantPrefix) {
				return true, nil
			}
			segLen -= len(wantPrefix)
		}

		if _, err := io.CopyN(io.Discard, r, int64(segLen)); err != nil {
			return false, nil
		}
	}
}

// pngHasChunk walks PNG chunks looking for the named chunk type.
func pngHasChunk(r io.Reader, chunkType string) (bool, error) {
	sig := make([]byte, 8)
	if _, err := io.ReadFull(r, sig); err != nil {
		return false, nil
	}

	head := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, head); err != nil {
			return false, nil
		}
		length := binary.BigEndian.Uint32(head[:4])
		name := string(head[4:8])

		if name == chunkType {
			return true, nil
		}
		if name == "IEND" {
			return false, nil
		}

		// chunk data plus 4-byte CRC
		if _, err := io.CopyN(io.Discard, r, int64(length)+4); err != nil {
			return false, nil
		}
	}
}
