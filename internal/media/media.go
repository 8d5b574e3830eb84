// Package media provides the image decoding primitives used by thumbnail
// generation and derived-metadata maintenance: bounded thumbnail rendering,
// dimension probes, EXIF/ICC/embedded-text detection and the pixel,
// perceptual and supplementary content hashes.
package media

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"os"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"

	// Register decoders beyond the stdlib jpeg/png/gif set.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ThumbQuality is the JPEG quality used for rendered thumbnails.
const ThumbQuality = 80

// Scale modes for thumbnail rendering.
const (
	ScaleFit  = 0 // fit within the bounding box, preserving aspect ratio
	ScaleFill = 1 // fill the bounding box, clipping overflow
)

// ThumbnailOptions hold the operator-configured thumbnail geometry.
type ThumbnailOptions struct {
	BoundingWidth  int
	BoundingHeight int
	ScaleType      int
	DPRPercent     int
}

// TargetResolution computes the thumbnail resolution for a source image of
// the given dimensions under these options. The DPR percentage scales the
// bounding box for high-density displays.
func (o ThumbnailOptions) TargetResolution(sourceW, sourceH int) (int, int) {
	boundW := o.BoundingWidth * o.DPRPercent / 100
	boundH := o.BoundingHeight * o.DPRPercent / 100
	if boundW < 1 {
		boundW = 1
	}
	if boundH < 1 {
		boundH = 1
	}

	if sourceW <= 0 || sourceH <= 0 {
		return boundW, boundH
	}

	if o.ScaleType == ScaleFill {
		return boundW, boundH
	}

	// Fit: scale down to the tighter axis. Never scale up.
	scaleW := float64(boundW) / float64(sourceW)
	scaleH := float64(boundH) / float64(sourceH)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	if scale > 1 {
		scale = 1
	}

	w := int(float64(sourceW) * scale)
	h := int(float64(sourceH) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// RenderThumbnail decodes the source image, corrects EXIF orientation,
// scales it per the options and returns JPEG bytes plus the rendered
// dimensions.
func RenderThumbnail(path string, opts ThumbnailOptions) ([]byte, int, int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read %s: %w", path, err)
	}

	img, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode %s: %w", path, err)
	}

	img = applyOrientation(img, orientationOf(bytes.NewReader(content)))

	bounds := img.Bounds()
	targetW, targetH := opts.TargetResolution(bounds.Dx(), bounds.Dy())

	var thumb image.Image
	if opts.ScaleType == ScaleFill {
		thumb = imaging.Fill(img, targetW, targetH, imaging.Center, imaging.Lanczos)
	} else {
		thumb = imaging.Resize(img, targetW, targetH, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: ThumbQuality}); err != nil {
		return nil, 0, 0, fmt.Errorf("encode thumbnail for %s: %w", path, err)
	}

	tb := thumb.Bounds()
	return buf.Bytes(), tb.Dx(), tb.Dy(), nil
}

// Dimensions decodes an image header just enough to get its dimensions.
func Dimensions(path string) (width, height int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}

// orientationOf returns the EXIF orientation value, defaulting to 1.
func orientationOf(r io.Reader) int {
	x, err := exif.Decode(r)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// applyOrientation transforms an image according to EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// HasEXIF reports whether the file carries a decodable EXIF block.
func HasEXIF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := exif.Decode(f); err != nil {
		return false, nil
	}
	return true, nil
}

// PixelHash returns a SHA-256 over the file's decoded RGBA pixel data. Two
// files with identical pixels hash identically regardless of encoding.
func PixelHash(path string) ([sha256.Size]byte, error) {
	var zero [sha256.Size]byte

	f, err := os.Open(path)
	if err != nil {
		return zero, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return zero, fmt.Errorf("decode %s: %w", path, err)
	}

	rgba, ok := img.(*image.NRGBA)
	if !ok {
		bounds := img.Bounds()
		converted := image.NewNRGBA(bounds)
		draw.Draw(converted, bounds, img, bounds.Min, draw.Src)
		rgba = converted
	}

	return sha256.Sum256(rgba.Pix), nil
}

// PerceptualHash returns the 64-bit DCT perceptual hash used by the
// similar-files system.
func PerceptualHash(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}

	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, fmt.Errorf("perceptual hash %s: %w", path, err)
	}
	return h.GetHash(), nil
}

// ExtraHashes computes the md5, sha1 and sha512 supplementary hashes used
// for external lookups.
func ExtraHashes(path string) (md5Sum, sha1Sum, sha512Sum []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h5 := md5.New()
	h1 := sha1.New()
	h512 := sha512.New()

	if _, err := io.Copy(io.MultiWriter(h5, h1, h512), f); err != nil {
		return nil, nil, nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return h5.Sum(nil), h1.Sum(nil), h512.Sum(nil), nil
}
