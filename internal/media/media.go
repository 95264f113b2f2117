// Package media transforms an inbound audio or video artifact into the
// canonical mono MP3 form the transcription engine expects, probes its
// duration, and splits long artifacts into equal-interval chunks for
// partial-failure-tolerant ASR.
//
// All subprocess invocations go through exec.CommandContext so the caller's
// context deadline bounds every external call; ffmpeg/ffprobe are assumed to
// be on PATH, matching how the rest of the pipeline treats external
// collaborators as configured binaries rather than linked libraries.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voxscribe/internal/joberr"
)

// BitrateTier describes one row of the adaptive-bitrate table: the encoding
// parameters chosen for a given source duration.
type BitrateTier struct {
	Tag        string
	BitrateKbs int
	SampleHz   int
}

// bitrateTiers is evaluated top-to-bottom; the first tier whose MaxSeconds
// bound is met wins. Sample rate is uniformly 16kHz and channels are always
// mono — a single-policy decision, not a tunable per call.
var bitrateTiers = []struct {
	MaxSeconds float64 // 0 means "no upper bound"
	Tier       BitrateTier
}{
	{MaxSeconds: 10, Tier: BitrateTier{Tag: "ultra-light", BitrateKbs: 24, SampleHz: 16000}},
	{MaxSeconds: 600, Tier: BitrateTier{Tag: "standard", BitrateKbs: 48, SampleHz: 16000}},
	{MaxSeconds: 0, Tier: BitrateTier{Tag: "compressed", BitrateKbs: 32, SampleHz: 16000}},
}

// TierFor returns the bitrate tier for a source of the given duration.
func TierFor(durationSeconds float64) BitrateTier {
	for _, row := range bitrateTiers {
		if row.MaxSeconds == 0 || durationSeconds <= row.MaxSeconds {
			return row.Tier
		}
	}
	return bitrateTiers[len(bitrateTiers)-1].Tier
}

// unsupportedExtensions are containers known to be incompatible with ASR
// (narrow cellular codecs such as AMR).
var unsupportedExtensions = map[string]struct{}{
	".amr": {},
	".3gp": {},
}

// Config bounds subprocess behavior. Zero values fall back to sensible
// defaults via [DefaultConfig].
type Config struct {
	// TranscodeTimeout is the hard wall-clock timeout for a single transcode
	// invocation (contract 2 of the media pipeline).
	TranscodeTimeout time.Duration

	// ProbeTimeout bounds a single ffprobe call.
	ProbeTimeout time.Duration

	// FallbackDuration is returned by Duration when probing fails.
	FallbackDuration time.Duration

	// FFmpegPath and FFprobePath override the binaries invoked. Default: "ffmpeg"/"ffprobe".
	FFmpegPath  string
	FFprobePath string
}

// DefaultConfig returns the package defaults: a 120s transcode timeout, a
// 10s probe timeout, and a 60s fallback duration.
func DefaultConfig() Config {
	return Config{
		TranscodeTimeout: 120 * time.Second,
		ProbeTimeout:     10 * time.Second,
		FallbackDuration: 60 * time.Second,
		FFmpegPath:       "ffmpeg",
		FFprobePath:      "ffprobe",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.TranscodeTimeout <= 0 {
		c.TranscodeTimeout = d.TranscodeTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.FallbackDuration <= 0 {
		c.FallbackDuration = d.FallbackDuration
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = d.FFmpegPath
	}
	if c.FFprobePath == "" {
		c.FFprobePath = d.FFprobePath
	}
}

// Cleanup is a small stack of deferred removal functions, one per temporary
// path produced along the pipeline. Every produced path is registered here so
// a single defer at the top of the job pipeline releases everything
// regardless of which exit path was taken.
type Cleanup struct {
	paths []string
}

// Add registers path for later removal.
func (c *Cleanup) Add(path string) {
	c.paths = append(c.paths, path)
}

// Run removes every registered path, ignoring (not logging or returning)
// removal errors. Safe to call multiple times; the registered list is
// cleared after each run.
func (c *Cleanup) Run() {
	for _, p := range c.paths {
		_ = os.Remove(p)
	}
	c.paths = nil
}

// Pipeline prepares, probes, and splits media artifacts. It is safe for
// concurrent use — all state is either immutable config or subprocess
// invocations over caller-supplied paths.
type Pipeline struct {
	cfg Config
}

// New returns a [Pipeline] configured with cfg. Zero-valued fields in cfg
// fall back to [DefaultConfig].
func New(cfg Config) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{cfg: cfg}
}

// Prepare transforms the artifact at path into a canonical mono MP3 suitable
// for ASR, writing the result alongside path with a ".prepared.mp3" suffix.
// durationHint, when > 0, selects the bitrate tier; when 0 the standard tier
// is used (the caller probes first when duration matters).
//
// Returns joberr.ErrUnsupportedFormat for known-incompatible containers and
// joberr.ErrNoAudioStream when a video input carries no audio track.
func (p *Pipeline) Prepare(ctx context.Context, path string, durationHint float64) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if _, bad := unsupportedExtensions[ext]; bad {
		return "", fmt.Errorf("%w: %s", joberr.ErrUnsupportedFormat, ext)
	}

	hasAudio, err := p.hasAudioStream(ctx, path)
	if err != nil {
		return "", fmt.Errorf("media: probe streams: %w", err)
	}
	if !hasAudio {
		return "", fmt.Errorf("%w: %s", joberr.ErrNoAudioStream, path)
	}

	tier := TierFor(durationHint)
	out := path + ".prepared.mp3"

	tctx, cancel := context.WithTimeout(ctx, p.cfg.TranscodeTimeout)
	defer cancel()

	cmd := exec.CommandContext(tctx, p.cfg.FFmpegPath,
		"-y",
		"-i", path,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(tier.SampleHz),
		"-b:a", strconv.Itoa(tier.BitrateKbs)+"k",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("media: transcode timed out after %s: %w", p.cfg.TranscodeTimeout, tctx.Err())
		}
		return "", fmt.Errorf("media: transcode failed: %w: %s", err, stderr.String())
	}
	return out, nil
}

// Duration probes path for its length in seconds via ffprobe. On probe
// failure it returns joberr.ErrProbeFailed alongside the configured
// fallback duration — the caller should treat this as non-fatal and proceed
// with the declared (or fallback) duration, per contract 3.
func (p *Pipeline) Duration(ctx context.Context, path string) (float64, error) {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(pctx, p.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return p.cfg.FallbackDuration.Seconds(), fmt.Errorf("%w: %v", joberr.ErrProbeFailed, err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return p.cfg.FallbackDuration.Seconds(), fmt.Errorf("%w: parse duration: %v", joberr.ErrProbeFailed, err)
	}
	return seconds, nil
}

// Split partitions path into N = ceil(duration/chunkSeconds) equal-interval
// chunks when duration exceeds chunkSeconds; otherwise it returns []string{path}
// unchanged. On subprocess failure the fallback is the single original path
// so downstream ASR proceeds single-shot.
func (p *Pipeline) Split(ctx context.Context, path string, duration float64, chunkSeconds float64) []string {
	if duration <= chunkSeconds || chunkSeconds <= 0 {
		return []string{path}
	}

	n := int(duration/chunkSeconds) + 1
	if float64(n-1)*chunkSeconds >= duration {
		n--
	}
	if n < 1 {
		n = 1
	}

	chunks := make([]string, 0, n)
	for i := range n {
		start := float64(i) * chunkSeconds
		out := fmt.Sprintf("%s.chunk%03d.mp3", path, i)

		tctx, cancel := context.WithTimeout(ctx, p.cfg.TranscodeTimeout)
		cmd := exec.CommandContext(tctx, p.cfg.FFmpegPath,
			"-y",
			"-ss", strconv.FormatFloat(start, 'f', 3, 64),
			"-t", strconv.FormatFloat(chunkSeconds, 'f', 3, 64),
			"-i", path,
			"-c", "copy",
			out,
		)
		err := cmd.Run()
		cancel()

		if err != nil {
			// Fallback per contract: a split failure degrades to the single
			// original path for single-shot downstream processing.
			for _, c := range chunks {
				_ = os.Remove(c)
			}
			return []string{path}
		}
		chunks = append(chunks, out)
	}
	return chunks
}

// hasAudioStream reports whether path contains at least one audio stream,
// via ffprobe's stream listing.
func (p *Pipeline) hasAudioStream(ctx context.Context, path string) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(pctx, p.cfg.FFprobePath,
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}
