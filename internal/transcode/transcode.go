// Package transcode delegates legacy mobile video containers to ffmpeg
// for on-demand, best-effort conversion to a web-compatible MP4.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ovasabi-labs/filehub/pkg/metrics"
)

// Quality is one of the three output presets.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

type preset struct {
	width, height int
	bitrate       string
}

var presets = map[Quality]preset{
	QualityLow:    {width: 854, height: 480, bitrate: "800k"},
	QualityMedium: {width: 1280, height: 720, bitrate: "2M"},
	QualityHigh:   {width: 1920, height: 1080, bitrate: "5M"},
}

const defaultTimeout = 30 * time.Second

// Result reports one conversion attempt.
type Result struct {
	OK            bool
	Bytes         []byte
	OriginalSize  int
	ConvertedSize int
	ProcessingMS  int64
	Error         string
}

// CacheKey identifies one converted output in the bounded result cache.
type CacheKey struct {
	FileID  string
	Quality Quality
}

// Transcoder runs ffmpeg subprocesses and caches converted bytes on disk,
// indexed by (file id, quality) in a bounded LRU.
type Transcoder struct {
	binary  string
	workDir string
	outDir  string
	timeout time.Duration
	cache   *lru.Cache[CacheKey, string]
	log     *zap.Logger
}

// New creates a Transcoder. outDir holds converted MP4s (root/transcoded/);
// cacheSize bounds the number of converted files kept before the least
// recently used one is evicted and its backing file removed.
func New(binary, workDir, outDir string, cacheSize int, log *zap.Logger) (*Transcoder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if binary == "" {
		binary = "ffmpeg"
	}
	if cacheSize <= 0 {
		cacheSize = 64
	}
	t := &Transcoder{binary: binary, workDir: workDir, outDir: outDir, timeout: defaultTimeout, log: log.With(zap.String("module", "transcode"))}
	cache, err := lru.NewWithEvict(cacheSize, func(key CacheKey, path string) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			t.log.Warn("evicted transcode output removal failed", zap.String("path", path), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("transcode: cache init failed: %w", err)
	}
	t.cache = cache
	return t, nil
}

// Lookup returns a cached converted path for (fileID, quality), if any.
func (t *Transcoder) Lookup(fileID string, quality Quality) (string, bool) {
	return t.cache.Get(CacheKey{FileID: fileID, Quality: quality})
}

// ReadCached returns the converted bytes for (fileID, quality) if a prior
// Convert populated the cache and the backing file is still present; it is
// the read-side counterpart callers check before paying for another ffmpeg
// invocation.
func (t *Transcoder) ReadCached(fileID string, quality Quality) ([]byte, bool) {
	path, ok := t.Lookup(fileID, quality)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	metrics.TranscodeTotal.WithLabelValues("cache_hit").Inc()
	return data, true
}

// Convert runs ffmpeg against buf, declared as mime, producing an MP4 at
// quality. The conversion is on-demand and best-effort: callers degrade
// to serving the original bytes on a non-OK Result.
func (t *Transcoder) Convert(ctx context.Context, fileID, mime string, buf []byte, quality Quality) Result {
	start := time.Now()
	p, ok := presets[quality]
	if !ok {
		p = presets[QualityMedium]
	}

	inFile, err := os.CreateTemp(t.workDir, "transcode-in-*")
	if err != nil {
		return Result{Error: fmt.Sprintf("temp input file: %v", err), ProcessingMS: time.Since(start).Milliseconds()}
	}
	defer os.Remove(inFile.Name())
	if _, err := inFile.Write(buf); err != nil {
		inFile.Close()
		return Result{Error: fmt.Sprintf("write input: %v", err), ProcessingMS: time.Since(start).Milliseconds()}
	}
	inFile.Close()

	outPath := filepath.Join(t.workDir, fmt.Sprintf("transcode-out-%s.mp4", fileID))
	defer os.Remove(outPath)

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	scale := fmt.Sprintf("scale=w=%d:h=%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", p.width, p.height, p.width, p.height)
	args := []string{
		"-y", "-i", inFile.Name(),
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-vf", scale,
		"-b:v", p.bitrate,
		"-c:a", "aac",
		"-movflags", "+faststart",
		outPath,
	}
	cmd := exec.CommandContext(ctx, t.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		metrics.TranscodeTotal.WithLabelValues("error").Inc()
		return Result{Error: fmt.Sprintf("ffmpeg failed: %v: %s", err, stderr.String()), ProcessingMS: time.Since(start).Milliseconds()}
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		metrics.TranscodeTotal.WithLabelValues("error").Inc()
		return Result{Error: fmt.Sprintf("read output: %v", err), ProcessingMS: time.Since(start).Milliseconds()}
	}

	if t.outDir != "" {
		if err := os.MkdirAll(t.outDir, 0o755); err == nil {
			cachedPath := filepath.Join(t.outDir, fmt.Sprintf("%s_%s.mp4", fileID, quality))
			if err := os.WriteFile(cachedPath, out, 0o644); err == nil {
				t.cache.Add(CacheKey{FileID: fileID, Quality: quality}, cachedPath)
			}
		}
	}

	metrics.TranscodeTotal.WithLabelValues("ok").Inc()
	metrics.TranscodeDuration.Observe(time.Since(start).Seconds())
	return Result{
		OK: true, Bytes: out,
		OriginalSize: len(buf), ConvertedSize: len(out),
		ProcessingMS: time.Since(start).Milliseconds(),
	}
}
