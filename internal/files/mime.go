package files

// Mime identifies a supported file type. The zero value is MimeUnknown.
type Mime int

const (
	MimeUnknown Mime = iota
	MimeJPEG
	MimePNG
	MimeGIF
	MimeWebP
	MimeBMP
	MimeTIFF
	MimeMP4
	MimeWebM
	MimeMKV
	MimeAVI
	MimeQuicktime
	MimeMP3
	MimeFLAC
	MimeOggVorbis
	MimeWAV
	MimePDF
	MimeZip
)

var mimeNames = map[Mime]string{
	MimeUnknown:   "application/octet-stream",
	MimeJPEG:      "image/jpeg",
	MimePNG:       "image/png",
	MimeGIF:       "image/gif",
	MimeWebP:      "image/webp",
	MimeBMP:       "image/bmp",
	MimeTIFF:      "image/tiff",
	MimeMP4:       "video/mp4",
	MimeWebM:      "video/webm",
	MimeMKV:       "video/x-matroska",
	MimeAVI:       "video/x-msvideo",
	MimeQuicktime: "video/quicktime",
	MimeMP3:       "audio/mp3",
	MimeFLAC:      "audio/flac",
	MimeOggVorbis: "audio/ogg",
	MimeWAV:       "audio/wav",
	MimePDF:       "application/pdf",
	MimeZip:       "application/zip",
}

// mimeExtensions maps each mime to its canonical on-disk extension. Some
// distinct mimes deliberately share an extension; path comparisons must not
// assume uniqueness.
var mimeExtensions = map[Mime]string{
	MimeUnknown:   "",
	MimeJPEG:      ".jpg",
	MimePNG:       ".png",
	MimeGIF:       ".gif",
	MimeWebP:      ".webp",
	MimeBMP:       ".bmp",
	MimeTIFF:      ".tiff",
	MimeMP4:       ".mp4",
	MimeWebM:      ".webm",
	MimeMKV:       ".mkv",
	MimeAVI:       ".avi",
	MimeQuicktime: ".mov",
	MimeMP3:       ".mp3",
	MimeFLAC:      ".flac",
	MimeOggVorbis: ".ogg",
	MimeWAV:       ".wav",
	MimePDF:       ".pdf",
	MimeZip:       ".zip",
}

// AllMimes lists every supported mime in a fixed order, used when scanning
// for a file whose extension is unknown or wrong.
var AllMimes = []Mime{
	MimeJPEG, MimePNG, MimeGIF, MimeWebP, MimeBMP, MimeTIFF,
	MimeMP4, MimeWebM, MimeMKV, MimeAVI, MimeQuicktime,
	MimeMP3, MimeFLAC, MimeOggVorbis, MimeWAV,
	MimePDF, MimeZip, MimeUnknown,
}

var stillImageMimes = map[Mime]bool{
	MimeJPEG: true,
	MimePNG:  true,
	MimeGIF:  true,
	MimeWebP: true,
	MimeBMP:  true,
	MimeTIFF: true,
}

var videoMimes = map[Mime]bool{
	MimeMP4:       true,
	MimeWebM:      true,
	MimeMKV:       true,
	MimeAVI:       true,
	MimeQuicktime: true,
}

// String returns the mime type name.
func (m Mime) String() string {
	if name, ok := mimeNames[m]; ok {
		return name
	}
	return mimeNames[MimeUnknown]
}

// Ext returns the canonical file extension for the mime, including the dot.
func (m Mime) Ext() string {
	return mimeExtensions[m]
}

// MimeFromString maps a mime type name back to its Mime value.
func MimeFromString(s string) Mime {
	for m, name := range mimeNames {
		if name == s {
			return m
		}
	}
	return MimeUnknown
}

// HasThumbnail reports whether files of this mime get thumbnails. Only
// decodable still images qualify; there is no video frame extractor in the
// pipeline yet.
func (m Mime) HasThumbnail() bool {
	return stillImageMimes[m]
}

// IsVideo reports whether the mime is a video container.
func (m Mime) IsVideo() bool {
	return videoMimes[m]
}

// IsStillImage reports whether the mime is a decodable still image.
func (m Mime) IsStillImage() bool {
	return stillImageMimes[m]
}

// CanHaveEXIF reports whether files of this mime can carry EXIF metadata.
func (m Mime) CanHaveEXIF() bool {
	return m == MimeJPEG || m == MimeTIFF || m == MimePNG || m == MimeWebP
}

// CanHaveICCProfile reports whether files of this mime can embed an ICC
// profile.
func (m Mime) CanHaveICCProfile() bool {
	return m == MimeJPEG || m == MimePNG || m == MimeTIFF || m == MimeWebP
}

// CanHaveEmbeddedMetadata reports whether files of this mime can carry
// human-readable embedded metadata beyond EXIF.
func (m Mime) CanHaveEmbeddedMetadata() bool {
	return stillImageMimes[m] || m == MimePDF
}

// CanHavePixelHash reports whether a pixel hash is defined for this mime.
// Only still images qualify; animations and video hash differently per frame.
func (m Mime) CanHavePixelHash() bool {
	return stillImageMimes[m] && m != MimeGIF
}

// CanHavePerceptualHash reports whether the similar-files system covers this
// mime.
func (m Mime) CanHavePerceptualHash() bool {
	return stillImageMimes[m]
}
