package transcode

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeFFmpeg writes a script standing in for the ffmpeg binary: it ignores
// every flag and just copies a fixed payload to its last argument (the
// output path), mirroring real ffmpeg's CLI shape closely enough to
// exercise Convert's argument handling without a real video codec.
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ffmpeg.sh")
	script := "#!/bin/sh\nfor a in \"$@\"; do out=\"$a\"; done\nprintf 'converted' > \"$out\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestTranscoder(t *testing.T, cacheSize int) *Transcoder {
	t.Helper()
	tr, err := New(fakeFFmpeg(t), t.TempDir(), t.TempDir(), cacheSize, nil)
	require.NoError(t, err)
	return tr
}

func TestConvert_HappyPath_PopulatesCache(t *testing.T) {
	tr := newTestTranscoder(t, 8)

	res := tr.Convert(context.Background(), "file-1", "video/x-msvideo", []byte("original bytes"), QualityMedium)
	require.True(t, res.OK)
	require.Equal(t, "converted", string(res.Bytes))
	require.Equal(t, len("original bytes"), res.OriginalSize)

	path, ok := tr.Lookup("file-1", QualityMedium)
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "converted", string(data))
}

func TestConvert_UnknownQualityFallsBackToMedium(t *testing.T) {
	tr := newTestTranscoder(t, 8)

	res := tr.Convert(context.Background(), "file-2", "video/x-msvideo", []byte("x"), Quality("nonsense"))
	require.True(t, res.OK)
}

func TestConvert_FFmpegFailureReturnsError(t *testing.T) {
	dir := t.TempDir()
	failing := filepath.Join(dir, "fail.sh")
	require.NoError(t, os.WriteFile(failing, []byte("#!/bin/sh\nexit 1\n"), 0o755))
	tr, err := New(failing, t.TempDir(), t.TempDir(), 8, nil)
	require.NoError(t, err)

	res := tr.Convert(context.Background(), "file-3", "video/x-msvideo", []byte("x"), QualityLow)
	require.False(t, res.OK)
	require.NotEmpty(t, res.Error)
}

func TestNew_DefaultsBinaryAndCacheSize(t *testing.T) {
	tr, err := New("", t.TempDir(), t.TempDir(), 0, nil)
	require.NoError(t, err)
	require.Equal(t, "ffmpeg", tr.binary)
}

func TestLookup_EvictsAndRemovesFileOnOverflow(t *testing.T) {
	tr := newTestTranscoder(t, 1)

	res1 := tr.Convert(context.Background(), "a", "video/x-msvideo", []byte("x"), QualityLow)
	require.True(t, res1.OK)
	path1, ok := tr.Lookup("a", QualityLow)
	require.True(t, ok)

	res2 := tr.Convert(context.Background(), "b", "video/x-msvideo", []byte("x"), QualityLow)
	require.True(t, res2.OK)

	_, stillCached := tr.Lookup("a", QualityLow)
	require.False(t, stillCached)
	_, err := os.Stat(path1)
	require.True(t, os.IsNotExist(err))
}
