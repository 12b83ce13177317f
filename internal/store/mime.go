package store

import "strings"

// extensionByMIME is the fixed MIME-to-extension table that makes the
// on-disk blob name predictable from the file id alone: the extension is
// chosen at creation time and never recomputed from sniffed content.
var extensionByMIME = map[string]string{
	"image/jpeg":         "jpg",
	"image/jpg":          "jpg",
	"image/png":          "png",
	"image/gif":          "gif",
	"image/webp":         "webp",
	"image/bmp":          "bmp",
	"image/svg+xml":      "svg",
	"audio/mpeg":         "mp3",
	"audio/mp3":          "mp3",
	"audio/wav":          "wav",
	"audio/x-wav":        "wav",
	"audio/ogg":          "ogg",
	"audio/aac":          "aac",
	"audio/mp4":          "m4a",
	"video/mp4":          "mp4",
	"video/quicktime":    "mov",
	"video/x-msvideo":    "avi",
	"video/x-ms-wmv":     "wmv",
	"video/3gpp":         "3gp",
	"video/3gpp2":        "3g2",
	"video/x-flv":        "flv",
	"video/x-matroska":   "mkv",
	"video/webm":         "webm",
	"video/ogg":          "ogv",
	"application/pdf":    "pdf",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   "docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "xlsx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
	"application/vnd.ms-excel":       "xls",
	"application/vnd.ms-powerpoint":  "ppt",
	"application/zip":                "zip",
	"application/x-tar":              "tar",
	"application/gzip":               "gz",
	"text/plain":                     "txt",
	"application/octet-stream":       "bin",
}

// ExtensionFor returns the fixed extension for a MIME type, falling back
// to "bin" for anything not in the table.
func ExtensionFor(mime string) string {
	if ext, ok := extensionByMIME[strings.ToLower(mime)]; ok {
		return ext
	}
	return "bin"
}

// CategoryFor classifies a MIME's top-level media type into a
// size-ceiling category.
func CategoryFor(mime string) Category {
	mime = strings.ToLower(mime)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return CategoryImage
	case strings.HasPrefix(mime, "audio/"):
		return CategoryAudio
	case strings.HasPrefix(mime, "video/"):
		return CategoryVideo
	case mime == "application/pdf",
		mime == "application/msword",
		strings.HasPrefix(mime, "application/vnd.openxmlformats-officedocument"),
		mime == "application/vnd.ms-excel",
		mime == "application/vnd.ms-powerpoint",
		mime == "text/plain":
		return CategoryDocument
	case mime == "application/zip",
		mime == "application/x-tar",
		mime == "application/gzip":
		return CategoryArchive
	default:
		return CategoryOther
	}
}

// CategoryCeilings are the default per-category size limits,
// deployment-configurable via the validation Config but defaulted here.
var CategoryCeilings = map[Category]int64{
	CategoryImage:    25 * 1024 * 1024,
	CategoryAudio:    50 * 1024 * 1024,
	CategoryDocument: 50 * 1024 * 1024,
	CategoryVideo:    100 * 1024 * 1024,
	CategoryArchive:  50 * 1024 * 1024,
	CategoryOther:    25 * 1024 * 1024,
}

// MaxAssembledSize is the global hard cap on an assembled chunked upload,
// bounding the memory the assembly step can pin.
const MaxAssembledSize = 100 * 1024 * 1024

// NeedsConversion is the set of legacy mobile video containers the
// preview pipeline transcodes to MP4 before serving.
var NeedsConversion = map[string]bool{
	"video/quicktime":  true,
	"video/x-msvideo":  true,
	"video/x-ms-wmv":   true,
	"video/3gpp":       true,
	"video/3gpp2":      true,
	"video/x-flv":      true,
	"video/x-matroska": true,
	"video/x-m4v":      true,
}

// WebCompatible is the set of video MIME types a browser can play inline
// without transcoding.
var WebCompatible = map[string]bool{
	"video/mp4":  true,
	"video/webm": true,
	"video/ogg":  true,
}
