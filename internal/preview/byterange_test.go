package preview

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRange(t *testing.T) {
	const size = int64(1000)
	cases := []struct {
		header string
		ok     bool
		start  int64
		end    int64
	}{
		{"bytes=0-499", true, 0, 499},
		{"bytes=500-", true, 500, 999},
		{"bytes=-100", true, 900, 999},
		{"bytes=0-1999", true, 0, 999}, // clamp end to size-1
		{"bytes=1000-1100", false, 0, 0},
		{"nonsense", false, 0, 0},
		{"bytes=", false, 0, 0},
	}
	for _, c := range cases {
		r, ok := parseRange(c.header, size)
		assert.Equalf(t, c.ok, ok, "header=%q", c.header)
		if c.ok {
			assert.Equal(t, c.start, r.Start, "header=%q", c.header)
			assert.Equal(t, c.end, r.End, "header=%q", c.header)
		}
	}
}

func TestContentRangeHeader(t *testing.T) {
	assert.Equal(t, "bytes 0-499/1000", contentRangeHeader(ByteRange{Start: 0, End: 499}, 1000))
	assert.Equal(t, "bytes */1000", unsatisfiableRangeHeader(1000))
}
