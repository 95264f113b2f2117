package media

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/MrWong99/voxscribe/internal/joberr"
)

func TestTierFor(t *testing.T) {
	cases := []struct {
		name     string
		duration float64
		wantTag  string
	}{
		{"very short", 3, "ultra-light"},
		{"exactly at ultra-light boundary", 10, "ultra-light"},
		{"just over ultra-light boundary", 10.5, "standard"},
		{"mid length", 300, "standard"},
		{"exactly at standard boundary", 600, "standard"},
		{"long recording", 3600, "compressed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TierFor(tc.duration)
			if got.Tag != tc.wantTag {
				t.Errorf("TierFor(%v).Tag = %q, want %q", tc.duration, got.Tag, tc.wantTag)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.TranscodeTimeout != 120*time.Second {
		t.Errorf("TranscodeTimeout = %v, want 120s", c.TranscodeTimeout)
	}
	if c.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want 10s", c.ProbeTimeout)
	}
	if c.FallbackDuration != 60*time.Second {
		t.Errorf("FallbackDuration = %v, want 60s", c.FallbackDuration)
	}
	if c.FFmpegPath != "ffmpeg" || c.FFprobePath != "ffprobe" {
		t.Errorf("binary paths = %q/%q, want ffmpeg/ffprobe", c.FFmpegPath, c.FFprobePath)
	}
}

func TestNew_AppliesDefaultsToZeroFields(t *testing.T) {
	p := New(Config{FFmpegPath: "/custom/ffmpeg"})
	if p.cfg.FFmpegPath != "/custom/ffmpeg" {
		t.Errorf("FFmpegPath overridden unexpectedly: %q", p.cfg.FFmpegPath)
	}
	if p.cfg.FFprobePath != "ffprobe" {
		t.Errorf("FFprobePath = %q, want default ffprobe", p.cfg.FFprobePath)
	}
	if p.cfg.TranscodeTimeout != 120*time.Second {
		t.Errorf("TranscodeTimeout = %v, want default 120s", p.cfg.TranscodeTimeout)
	}
}

func TestCleanup_RunRemovesRegisteredPaths(t *testing.T) {
	f1, err := os.CreateTemp(t.TempDir(), "media-cleanup-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	f2, err := os.CreateTemp(t.TempDir(), "media-cleanup-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	f1.Close()
	f2.Close()

	var c Cleanup
	c.Add(f1.Name())
	c.Add(f2.Name())
	c.Run()

	for _, p := range []string{f1.Name(), f2.Name()} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("path %q still exists after Cleanup.Run", p)
		}
	}
}

func TestCleanup_RunIsIdempotent(t *testing.T) {
	var c Cleanup
	c.Add("/nonexistent/path/does/not/matter")
	c.Run()
	c.Run() // must not panic on an already-drained stack
	if len(c.paths) != 0 {
		t.Errorf("paths not cleared after Run")
	}
}

func TestPrepare_UnsupportedExtension(t *testing.T) {
	p := New(DefaultConfig())
	_, err := p.Prepare(context.Background(), "voice-note.amr", 30)
	if !errors.Is(err, joberr.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want joberr.ErrUnsupportedFormat", err)
	}
}

func TestPrepare_UnsupportedExtension_3gp(t *testing.T) {
	p := New(DefaultConfig())
	_, err := p.Prepare(context.Background(), "clip.3GP", 30)
	if !errors.Is(err, joberr.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want joberr.ErrUnsupportedFormat (case-insensitive extension match)", err)
	}
}

// requireFFmpeg skips the test unless real ffmpeg/ffprobe binaries are on
// PATH, matching the pack's pattern of skipping tests that depend on an
// external binary or model file not guaranteed to be present in CI.
func requireFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not on PATH; skipping subprocess-backed media test")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not on PATH; skipping subprocess-backed media test")
	}
}

func TestDuration_ProbeFailureFallsBackToConfiguredDuration(t *testing.T) {
	requireFFmpeg(t)

	p := New(Config{
		FallbackDuration: 45 * time.Second,
		ProbeTimeout:     2 * time.Second,
	})

	seconds, err := p.Duration(context.Background(), "/nonexistent/path/to/audio.mp3")
	if !errors.Is(err, joberr.ErrProbeFailed) {
		t.Fatalf("err = %v, want joberr.ErrProbeFailed", err)
	}
	if seconds != 45 {
		t.Errorf("seconds = %v, want fallback 45", seconds)
	}
}

func TestSplit_DurationUnderChunkSizeReturnsOriginalPath(t *testing.T) {
	p := New(DefaultConfig())
	chunks := p.Split(context.Background(), "short.mp3", 30, 600)
	if len(chunks) != 1 || chunks[0] != "short.mp3" {
		t.Fatalf("chunks = %v, want [short.mp3]", chunks)
	}
}

func TestSplit_ZeroChunkSecondsReturnsOriginalPath(t *testing.T) {
	p := New(DefaultConfig())
	chunks := p.Split(context.Background(), "any.mp3", 3600, 0)
	if len(chunks) != 1 || chunks[0] != "any.mp3" {
		t.Fatalf("chunks = %v, want [any.mp3]", chunks)
	}
}

func TestSplit_SubprocessFailureFallsBackToOriginalPath(t *testing.T) {
	// A nonexistent ffmpeg binary guarantees every chunk invocation fails,
	// exercising the degrade-to-single-path contract without requiring a
	// real media file or external binary.
	p := New(Config{FFmpegPath: "/nonexistent/ffmpeg-binary"})
	chunks := p.Split(context.Background(), "long.mp3", 1200, 600)
	if len(chunks) != 1 || chunks[0] != "long.mp3" {
		t.Fatalf("chunks = %v, want fallback [long.mp3]", chunks)
	}
}
