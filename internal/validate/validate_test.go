package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"photo.jpg", true},
		{"", false},
		{strings.Repeat("a", 256), false},
		{"con.txt", false},
		{"COM1", false},
		{"weird<name>.png", false},
		{"path/traversal.png", false},
		{"ok name (1).png", true},
	}
	for _, c := range cases {
		r := ValidateName(c.name)
		assert.Equalf(t, c.ok, r.OK, "name=%q reasons=%v", c.name, r.Reasons)
	}
}

func TestValidateDeclared_SizeCeiling(t *testing.T) {
	cfg := DefaultConfig()
	r := cfg.ValidateDeclared("photo.jpg", "image/jpeg", 26*1024*1024)
	require.False(t, r.OK)
	assert.Contains(t, strings.Join(r.Reasons, " "), "ceiling")
}

func TestValidateDeclared_DisallowedMIME(t *testing.T) {
	cfg := DefaultConfig()
	r := cfg.ValidateDeclared("file.exe", "application/x-msdownload", 10)
	assert.False(t, r.OK)
}

func TestValidateBuffer_MismatchRejected(t *testing.T) {
	cfg := DefaultConfig()
	// PNG signature declared as JPEG must be rejected.
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}
	r := cfg.ValidateBuffer("photo.jpg", "image/jpeg", png)
	assert.False(t, r.OK)
}

func TestValidateBuffer_JpgAliasAccepted(t *testing.T) {
	cfg := DefaultConfig()
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0, 0, 0, 0, 0}
	r := cfg.ValidateBuffer("photo.jpg", "image/jpg", jpeg)
	assert.True(t, r.OK, "reasons: %v", r.Reasons)
}

func TestCompatible_CrossCategoryRejected(t *testing.T) {
	// A detected audio container declared as video must fail even though
	// both are "mp4"-flavoured: the top-level media types differ.
	assert.False(t, compatible("video/mp4", "audio/mp4"))
}
