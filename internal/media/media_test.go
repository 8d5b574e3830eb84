package media

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/bmp"
)

func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 11), B: uint8((x + y) * 3), A: 255})
		}
	}
	return img
}

func writePNG(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeBMP(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.bmp")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := bmp.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeBytes(t *testing.T, b []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "file.bin")
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTargetResolutionFit(t *testing.T) {
	opts := ThumbnailOptions{BoundingWidth: 200, BoundingHeight: 200, ScaleType: ScaleFit, DPRPercent: 100}

	cases := []struct {
		name         string
		srcW, srcH   int
		wantW, wantH int
	}{
		{"wide source scales to width", 4000, 2000, 200, 100},
		{"tall source scales to height", 1000, 4000, 50, 200},
		{"small source never upscales", 100, 50, 100, 50},
		{"unknown source gets the bounding box", 0, 0, 200, 200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, h := opts.TargetResolution(tc.srcW, tc.srcH)
			if w != tc.wantW || h != tc.wantH {
				t.Errorf("expected %dx%d, got %dx%d", tc.wantW, tc.wantH, w, h)
			}
		})
	}
}

func TestTargetResolutionFill(t *testing.T) {
	opts := ThumbnailOptions{BoundingWidth: 200, BoundingHeight: 150, ScaleType: ScaleFill, DPRPercent: 100}
	w, h := opts.TargetResolution(4000, 1000)
	if w != 200 || h != 150 {
		t.Errorf("fill always returns the bounding box, got %dx%d", w, h)
	}
}

func TestTargetResolutionDPRScaling(t *testing.T) {
	opts := ThumbnailOptions{BoundingWidth: 200, BoundingHeight: 200, ScaleType: ScaleFit, DPRPercent: 200}
	w, h := opts.TargetResolution(4000, 2000)
	if w != 400 || h != 200 {
		t.Errorf("a 2x display doubles the box, got %dx%d", w, h)
	}
}

func TestTargetResolutionNeverBelowOne(t *testing.T) {
	opts := ThumbnailOptions{BoundingWidth: 200, BoundingHeight: 200, ScaleType: ScaleFit, DPRPercent: 100}
	_, h := opts.TargetResolution(10000, 1)
	if h < 1 {
		t.Errorf("height collapsed to %d", h)
	}
}

func TestRenderThumbnail(t *testing.T) {
	path := writePNG(t, gradientImage(400, 200))

	thumb, w, h, err := RenderThumbnail(path, ThumbnailOptions{
		BoundingWidth: 100, BoundingHeight: 100, ScaleType: ScaleFit, DPRPercent: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if w != 100 || h != 50 {
		t.Errorf("expected 100x50 thumbnail, got %dx%d", w, h)
	}
	if !bytes.HasPrefix(thumb, []byte{0xff, 0xd8, 0xff}) {
		t.Error("thumbnails are encoded as JPEG")
	}
}

func TestDimensions(t *testing.T) {
	path := writePNG(t, gradientImage(37, 21))
	w, h, err := Dimensions(path)
	if err != nil {
		t.Fatal(err)
	}
	if w != 37 || h != 21 {
		t.Errorf("expected 37x21, got %dx%d", w, h)
	}
}

func TestPixelHashIgnoresEncoding(t *testing.T) {
	img := gradientImage(32, 24)

	fromPNG, err := PixelHash(writePNG(t, img))
	if err != nil {
		t.Fatal(err)
	}
	fromBMP, err := PixelHash(writeBMP(t, img))
	if err != nil {
		t.Fatal(err)
	}
	if fromPNG != fromBMP {
		t.Error("identical pixels must hash identically regardless of container")
	}

	other, err := PixelHash(writePNG(t, gradientImage(32, 25)))
	if err != nil {
		t.Fatal(err)
	}
	if other == fromPNG {
		t.Error("different pixels should not collide")
	}
}

func TestPerceptualHashIgnoresEncoding(t *testing.T) {
	img := gradientImage(80, 60)

	fromPNG, err := PerceptualHash(writePNG(t, img))
	if err != nil {
		t.Fatal(err)
	}
	fromBMP, err := PerceptualHash(writeBMP(t, img))
	if err != nil {
		t.Fatal(err)
	}
	if fromPNG != fromBMP {
		t.Errorf("perceptual hash differs across encodings: %x vs %x", fromPNG, fromBMP)
	}
}

func TestExtraHashesKnownVectors(t *testing.T) {
	path := writeBytes(t, []byte("abc"))

	md5Sum, sha1Sum, sha512Sum, err := ExtraHashes(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := hex.EncodeToString(md5Sum); got != "900150983cd24fb0d6963f7d28e17f72" {
		t.Errorf("md5 mismatch: %s", got)
	}
	if got := hex.EncodeToString(sha1Sum); got != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Errorf("sha1 mismatch: %s", got)
	}
	want512 := "ddaf35a193617abacc417349ae20413112e6fa4e89a97ea20a9eeee64b55d39a" +
		"2192992a274fc1a836ba3c23a3feebbd454d4423643ce80e2a9ac94fa54ca49f"
	if got := hex.EncodeToString(sha512Sum); got != want512 {
		t.Errorf("sha512 mismatch: %s", got)
	}
}

func TestHasEXIFPlainPNG(t *testing.T) {
	has, err := HasEXIF(writePNG(t, gradientImage(8, 8)))
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("a freshly encoded PNG carries no EXIF")
	}
}

func TestSniffType(t *testing.T) {
	cases := []struct {
		name   string
		header []byte
		want   string
	}{
		{"jpeg", []byte{0xff, 0xd8, 0xff, 0xe0}, "image/jpeg"},
		{"png", []byte("\x89PNG\r\n\x1a\nrest"), "image/png"},
		{"gif", []byte("GIF89a..."), "image/gif"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{"bmp", []byte("BM\x00\x00"), "image/bmp"},
		{"tiff little endian", []byte("II*\x00"), "image/tiff"},
		{"mp4", []byte("\x00\x00\x00\x18ftypisom"), "video/mp4"},
		{"quicktime", []byte("\x00\x00\x00\x14ftypqt  "), "video/quicktime"},
		{"webm", []byte("\x1a\x45\xdf\xa3\x00\x00webm"), "video/webm"},
		{"matroska", []byte("\x1a\x45\xdf\xa3\x00\x00matroska"), "video/x-matroska"},
		{"avi", []byte("RIFF\x00\x00\x00\x00AVI "), "video/x-msvideo"},
		{"wav", []byte("RIFF\x00\x00\x00\x00WAVE"), "audio/wav"},
		{"mp3 id3", []byte("ID3\x04"), "audio/mp3"},
		{"flac", []byte("fLaC\x00"), "audio/flac"},
		{"ogg", []byte("OggS\x00"), "audio/ogg"},
		{"pdf", []byte("%PDF-1.7"), "application/pdf"},
		{"zip", []byte("PK\x03\x04"), "application/zip"},
		{"unrecognized", []byte("just some text"), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SniffType(writeBytes(t, tc.header))
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

// pngWithChunk builds a minimal PNG byte stream with the named chunk inserted
// before IEND. CRCs are garbage; the chunk walker never checks them.
func pngWithChunk(chunkType string, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	writeChunk := func(name string, payload []byte) {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
		buf.Write(length[:])
		buf.WriteString(name)
		buf.Write(payload)
		buf.Write([]byte{0, 0, 0, 0})
	}

	writeChunk("IHDR", make([]byte, 13))
	writeChunk(chunkType, data)
	writeChunk("IEND", nil)
	return buf.Bytes()
}

func TestHasEmbeddedTextPNG(t *testing.T) {
	withText := writeBytes(t, pngWithChunk("tEXt", []byte("Comment\x00hello")))
	has, err := HasEmbeddedText(withText)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("tEXt chunk should be detected")
	}

	plain := writePNG(t, gradientImage(8, 8))
	has, err = HasEmbeddedText(plain)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("plain PNG has no text chunks")
	}
}

func TestHasEmbeddedTextJPEGComment(t *testing.T) {
	// SOI, a COM segment holding "hi", then EOI.
	jpg := []byte{0xff, 0xd8, 0xff, 0xfe, 0x00, 0x04, 'h', 'i', 0xff, 0xd9}
	has, err := HasEmbeddedText(writeBytes(t, jpg))
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("JPEG comment segment should be detected")
	}

	noComment := []byte{0xff, 0xd8, 0xff, 0xd9}
	has, err = HasEmbeddedText(writeBytes(t, noComment))
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("bare SOI/EOI has no comment")
	}
}

func TestHasICCProfilePNG(t *testing.T) {
	withProfile := writeBytes(t, pngWithChunk("iCCP", []byte("name\x00\x00profile")))
	has, err := HasICCProfile(withProfile)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("iCCP chunk should be detected")
	}

	plain := writePNG(t, gradientImage(8, 8))
	has, err = HasICCProfile(plain)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("plain PNG embeds no profile")
	}
}
