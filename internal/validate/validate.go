// Package validate implements the layered, cheapest-first validation and
// MIME-sniffing pipeline: filename syntax, MIME allow-list, size
// ceilings, and content-sniff compatibility.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/ovasabi-labs/filehub/internal/store"
)

// Result is the discriminated validation outcome. Reasons is non-empty
// iff OK is false.
type Result struct {
	OK      bool
	Reasons []string
}

func fail(reasons ...string) Result { return Result{OK: false, Reasons: reasons} }
func pass() Result                  { return Result{OK: true} }

// Config carries the deployment-tunable allow-list and ceilings.
type Config struct {
	AllowedMIME map[string]bool
	Ceilings    map[store.Category]int64
}

// DefaultConfig returns the default allow-list (every MIME the extension
// table and compatibility rules know about) and the default ceilings.
func DefaultConfig() Config {
	allow := map[string]bool{
		"image/jpeg": true, "image/jpg": true, "image/png": true, "image/gif": true,
		"image/webp": true, "image/bmp": true, "image/svg+xml": true,
		"audio/mpeg": true, "audio/mp3": true, "audio/wav": true, "audio/x-wav": true,
		"audio/ogg": true, "audio/aac": true, "audio/mp4": true,
		"video/mp4": true, "video/quicktime": true, "video/x-msvideo": true,
		"video/x-ms-wmv": true, "video/3gpp": true, "video/3gpp2": true,
		"video/x-flv": true, "video/x-matroska": true, "video/webm": true, "video/ogg": true,
		"application/pdf": true, "application/msword": true,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
		"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
		"application/vnd.ms-excel": true, "application/vnd.ms-powerpoint": true,
		"application/zip": true, "application/x-tar": true, "application/gzip": true,
		"text/plain": true, "application/octet-stream": true,
	}
	return Config{AllowedMIME: allow, Ceilings: store.CategoryCeilings}
}

var (
	controlCharRe  = regexp.MustCompile(`[\x00-\x1f]`)
	forbiddenChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	reservedNames  = map[string]bool{
		"CON": true, "PRN": true, "AUX": true, "NUL": true,
	}
)

func init() {
	for i := 1; i <= 9; i++ {
		reservedNames[fmt.Sprintf("COM%d", i)] = true
		reservedNames[fmt.Sprintf("LPT%d", i)] = true
	}
}

// ValidateName enforces the filename rules: no control chars, no
// path/reserved chars, not a reserved device name, length in (0, 255].
func ValidateName(name string) Result {
	if len(name) == 0 || len(name) > 255 {
		return fail("name length must be between 1 and 255 bytes")
	}
	if controlCharRe.MatchString(name) {
		return fail("name contains control characters")
	}
	if forbiddenChars.MatchString(name) {
		return fail(`name contains forbidden characters <>:"/\|?*`)
	}
	base := name
	if dot := strings.LastIndex(base, "."); dot > 0 {
		base = base[:dot]
	}
	if reservedNames[strings.ToUpper(base)] {
		return fail("name is a reserved device name")
	}
	return pass()
}

// ValidateDeclared runs the name + MIME allow-list + size-ceiling checks
// without a buffer: the chunk-init fast path, where content isn't
// available until assembly.
func (c Config) ValidateDeclared(name, mime string, size int64) Result {
	var reasons []string
	if r := ValidateName(name); !r.OK {
		reasons = append(reasons, r.Reasons...)
	}
	if !c.AllowedMIME[strings.ToLower(mime)] {
		reasons = append(reasons, fmt.Sprintf("mime %q is not in the allow-list", mime))
	}
	cat := store.CategoryFor(mime)
	ceiling := c.Ceilings[cat]
	if ceiling == 0 {
		ceiling = c.Ceilings[store.CategoryOther]
	}
	if size <= 0 {
		reasons = append(reasons, "size must be positive")
	} else if size > ceiling {
		reasons = append(reasons, fmt.Sprintf("size %d exceeds %s ceiling of %d bytes", size, cat, ceiling))
	}
	if len(reasons) > 0 {
		return fail(reasons...)
	}
	return pass()
}

// ValidateBuffer runs the full pass: ValidateDeclared plus a content
// sniff that the declared MIME must be compatible with.
func (c Config) ValidateBuffer(name, mime string, buf []byte) Result {
	r := c.ValidateDeclared(name, mime, int64(len(buf)))
	if !r.OK {
		return r
	}
	detected := mimetype.Detect(buf)
	if !compatible(strings.ToLower(mime), detected.String()) {
		return fail(fmt.Sprintf("declared mime %q is not compatible with detected content %q", mime, detected.String()))
	}
	return pass()
}

// compatible implements the declared/detected compatibility table. det
// comes from gabriel-vasile/mimetype's signature tree, which already
// walks aliases (e.g. it reports "image/jpeg" for both .jpg and .jpeg
// signatures); the cases below layer container equivalences on top.
func compatible(declared, det string) bool {
	// strip parameters mimetype sometimes attaches (e.g. "; charset=...")
	if i := strings.Index(det, ";"); i >= 0 {
		det = strings.TrimSpace(det[:i])
	}

	switch declared {
	case "image/jpg":
		return det == "image/jpeg"
	case "image/jpeg":
		return det == "image/jpeg"
	case "image/webp":
		return det == "image/webp"
	case "application/zip":
		return det == "application/zip" || isOOXML(det)
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation":
		return det == "application/zip" || isOOXML(det)
	case "application/msword", "application/vnd.ms-excel", "application/vnd.ms-powerpoint":
		return det == "application/x-ole-storage" || det == "application/msword" ||
			det == "application/vnd.ms-excel" || det == "application/vnd.ms-powerpoint"
	case "video/mp4", "video/quicktime":
		return det == "video/mp4" || det == "video/quicktime"
	default:
		// Same top-level media type is the baseline compatibility rule;
		// this also rejects cross-category mismatches like audio/ogg
		// content declared as video/ogg.
		return sameTopLevel(declared, det) || det == declared
	}
}

func isOOXML(mime string) bool {
	switch mime {
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation":
		return true
	default:
		return false
	}
}

func sameTopLevel(a, b string) bool {
	ai := strings.Index(a, "/")
	bi := strings.Index(b, "/")
	if ai < 0 || bi < 0 {
		return false
	}
	return a[:ai] == b[:bi]
}
