package preview

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteRange is a resolved, inclusive byte range against a resource of a
// known total size.
type ByteRange struct {
	Start, End int64 // inclusive
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// parseRange implements the Range grammar `bytes=SPEC(,SPEC)*` where a
// spec is `start-end`, `start-`, or `-suffix`. Only the first valid
// range is honoured; everything else, including a header that doesn't
// parse at all, is the caller's cue to answer 416.
func parseRange(header string, size int64) (ByteRange, bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return ByteRange{}, false
	}
	spec := strings.TrimPrefix(header, prefix)
	for _, part := range strings.Split(spec, ",") {
		if r, ok := parseRangeSpec(strings.TrimSpace(part), size); ok {
			return r, true
		}
	}
	return ByteRange{}, false
}

// parseRangeSpec resolves one `start-end`, `start-` or `-suffix` spec.
func parseRangeSpec(first string, size int64) (ByteRange, bool) {
	if first == "" {
		return ByteRange{}, false
	}

	dash := strings.Index(first, "-")
	if dash < 0 {
		return ByteRange{}, false
	}
	startStr, endStr := first[:dash], first[dash+1:]

	if startStr == "" {
		// suffix form: -N means the last N bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, false
		}
		if n > size {
			n = size
		}
		return ByteRange{Start: size - n, End: size - 1}, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return ByteRange{}, false
	}
	if endStr == "" {
		return ByteRange{Start: start, End: size - 1}, true
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return ByteRange{}, false
	}
	if end >= size {
		end = size - 1
	}
	return ByteRange{Start: start, End: end}, true
}

func contentRangeHeader(r ByteRange, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

func unsatisfiableRangeHeader(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}
