// Package transcribe implements the transcription engine: single-pass
// (optionally chunked) ASR, and two-pass diarization with speaker/text
// alignment.
//
// Chunked ASR and diarization both run several provider calls concurrently
// or in sequence and then fold partial results into one outcome — the same
// shape as the pack's context-assembly code, generalized from "combine three
// independent fetches" to "combine ASR passes with partial-failure
// tolerance".
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxscribe/internal/joberr"
	"github.com/MrWong99/voxscribe/internal/media"
	"github.com/MrWong99/voxscribe/internal/resilience"
	"github.com/MrWong99/voxscribe/pkg/provider/asr"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// MaxChunkSeconds is the duration above which single-pass ASR is abandoned
// in favor of chunked ASR (§4.2.1).
const MaxChunkSeconds = 150

// ChunkFailureThreshold is the fraction of failed chunks above which chunked
// ASR fails outright rather than returning a partial transcript.
const ChunkFailureThreshold = 0.5

// MinChunkTextLen is the minimum recognized-text length for a chunk result
// to count as non-empty.
const MinChunkTextLen = 3

// DiarizationTimeout bounds the combined Pass A + Pass B diarization call,
// regardless of either pass's individual progress.
const DiarizationTimeout = 270 * time.Second

// ProgressFunc is called with (i, n) before processing chunk i of n.
type ProgressFunc func(i, n int)

// Splitter partitions a long artifact into chunk paths. [*media.Pipeline]
// satisfies this interface; tests substitute a stub to avoid invoking real
// subprocess tooling.
type Splitter interface {
	Split(ctx context.Context, path string, duration, chunkSeconds float64) []string
}

// Engine runs ASR and diarization operations against a configured set of
// providers and a media pipeline for chunk splitting.
type Engine struct {
	media Splitter
}

// New returns an Engine that uses m to split long artifacts into chunks.
func New(m *media.Pipeline) *Engine {
	return &Engine{media: m}
}

// NewWithSplitter is like New but accepts any [Splitter], for tests and for
// callers that wrap [*media.Pipeline] with additional behavior.
func NewWithSplitter(s Splitter) *Engine {
	return &Engine{media: s}
}

// Transcribe runs single-pass or chunked ASR over the artifact at path,
// whose declared duration is durationSeconds. provider is invoked once (if
// duration <= MaxChunkSeconds) or once per chunk (otherwise).
//
// onProgress may be nil; when non-nil it is invoked with (i, n) before
// submitting chunk i of n (single-pass calls report (0, 1) once).
func (e *Engine) Transcribe(ctx context.Context, provider asr.Provider, path string, durationSeconds float64, cfg asr.Config, onProgress ProgressFunc) (string, error) {
	if durationSeconds <= MaxChunkSeconds {
		if onProgress != nil {
			onProgress(0, 1)
		}
		audio, err := readAudio(path)
		if err != nil {
			return "", err
		}
		result, err := provider.Transcribe(ctx, audio, cfg)
		if err != nil {
			return "", classifyProviderError(err)
		}
		text := result.Text()
		if len(text) < MinChunkTextLen {
			return "", joberr.ErrTranscriptionEmpty
		}
		return text, nil
	}

	paths := e.media.Split(ctx, path, durationSeconds, MaxChunkSeconds)
	n := len(paths)

	var texts []string
	failed := 0
	for i, p := range paths {
		if onProgress != nil {
			onProgress(i, n)
		}
		audio, err := readAudio(p)
		if err != nil {
			failed++
			continue
		}
		result, err := provider.Transcribe(ctx, audio, cfg)
		if err != nil {
			failed++
			continue
		}
		text := result.Text()
		if len(text) < MinChunkTextLen {
			continue
		}
		texts = append(texts, text)
	}

	if n > 0 && float64(failed)/float64(n) > ChunkFailureThreshold {
		return "", fmt.Errorf("%w: %d/%d chunks failed", joberr.ErrChunkedASRFailed, failed, n)
	}
	if len(texts) == 0 {
		return "", joberr.ErrTranscriptionEmpty
	}
	return joinSpace(texts), nil
}

func classifyProviderError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", joberr.ErrASRTimeout, err)
	}
	return fmt.Errorf("%w: %v", joberr.ErrASRProvider, err)
}

func joinSpace(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// readAudio is a seam for loading a chunk's bytes from disk; extracted so
// tests can exercise Transcribe without touching the filesystem by swapping
// readAudioFunc.
var readAudioFunc = defaultReadAudio

func readAudio(path string) ([]byte, error) { return readAudioFunc(path) }

func defaultReadAudio(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("transcribe: read chunk %q: %w", path, err)
	}
	return b, nil
}

// DiarizationDebug carries the non-authoritative diagnostics recorded
// alongside a diarization result (§4.2.2, "Timing normalization").
type DiarizationDebug struct {
	// TimelineNormalized is A_total_ms / B_total_ms. Zero when either pass
	// produced no segments.
	TimelineNormalized float64
}

// TranscribeWithDiarization selects among the three interchangeable
// diarization backend variants of spec.md §4.2.3. When alternates is
// non-empty, each synchronous one-call provider is tried in registration
// order — via a [resilience.ASRFallback] so a failing or circuit-open
// alternate is skipped in favor of the next — and its speaker-labeled
// result is returned directly. Only when every alternate errors or returns
// no sentences does the engine fall back to the default two-pass variant:
// Pass A (speaker) and Pass B (text) run in parallel against the same
// signed object-store URL and are merged per the overlap algorithm in
// §4.2.2.
//
// A nil text and nil segments with a non-nil error means the default
// passes both failed; the caller should fall back to single-pass
// transcription.
func (e *Engine) TranscribeWithDiarization(ctx context.Context, alternates []asr.Provider, audio []byte, passA, passB asr.AsyncProvider, signedURL string, cfgA, cfgB asr.Config) (string, []types.Segment, DiarizationDebug, error) {
	if text, segments, ok := tryDiarizationAlternates(ctx, alternates, audio, cfgA); ok {
		return text, segments, DiarizationDebug{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, DiarizationTimeout)
	defer cancel()

	var (
		resultA    types.ASRResult
		resultB    types.ASRResult
		errA, errB error
	)

	eg, egCtx := errgroup.WithContext(ctx)
	// Each goroutine captures its own error rather than returning it, so one
	// pass's failure does not cancel the other — the outcome matrix needs
	// both results independently.
	eg.Go(func() error {
		resultA, errA = runAsyncPass(egCtx, passA, signedURL, cfgA)
		return nil
	})
	eg.Go(func() error {
		resultB, errB = runAsyncPass(egCtx, passB, signedURL, cfgB)
		return nil
	})
	_ = eg.Wait()

	switch {
	case errA == nil && errB == nil:
		merged, debug := mergeDiarization(resultA, resultB)
		return resultB.Text(), merged, debug, nil
	case errA == nil && errB != nil:
		segs := asSegmentsDense(resultA)
		return joinSentences(resultA.Sentences), segs, DiarizationDebug{}, nil
	case errA != nil && errB == nil:
		return resultB.Text(), nil, DiarizationDebug{}, nil
	default:
		return "", nil, DiarizationDebug{}, fmt.Errorf("%w: pass A: %v, pass B: %v", joberr.ErrASRProvider, errA, errB)
	}
}

// emptyResultProvider wraps an asr.Provider so Transcribe surfaces a
// sentence-less result as joberr.ErrTranscriptionEmpty rather than a
// nil-error, empty-result success — letting resilience.ASRFallback's own
// error-triggered failover treat "the provider returned nothing" the same
// way it treats a transport error.
type emptyResultProvider struct {
	asr.Provider
}

func (p emptyResultProvider) Transcribe(ctx context.Context, audio []byte, cfg asr.Config) (types.ASRResult, error) {
	r, err := p.Provider.Transcribe(ctx, audio, cfg)
	if err != nil {
		return types.ASRResult{}, err
	}
	if len(r.Sentences) == 0 {
		return types.ASRResult{}, joberr.ErrTranscriptionEmpty
	}
	return r, nil
}

// tryDiarizationAlternates runs the configured alternate diarization
// providers (synchronous one-call backends that return speaker-labeled
// utterances directly) in order through a [resilience.ASRFallback], falling
// through to the next on error or empty result (spec.md §4.2.3: "alternates
// are tried first when configured and fall back to the default on empty
// result"). Returns ok=false when alternates is empty or every entry failed,
// signaling the caller to run the default two-pass variant.
func tryDiarizationAlternates(ctx context.Context, alternates []asr.Provider, audio []byte, cfg asr.Config) (string, []types.Segment, bool) {
	if len(alternates) == 0 {
		return "", nil, false
	}
	cfg.Diarize = true

	group := resilience.NewASRFallback(emptyResultProvider{alternates[0]}, "diarization-alt-0", resilience.FallbackConfig{})
	for i, p := range alternates[1:] {
		group.AddFallback(fmt.Sprintf("diarization-alt-%d", i+1), emptyResultProvider{p})
	}

	result, err := group.Transcribe(ctx, audio, cfg)
	if err != nil {
		return "", nil, false
	}
	return result.Text(), asSegmentsDense(result), true
}

func joinSentences(sentences []types.Sentence) string {
	parts := make([]string, 0, len(sentences))
	for _, s := range sentences {
		parts = append(parts, s.Text)
	}
	return joinSpace(parts)
}

// runAsyncPass submits audio (here, the signed URL encoded as bytes — the
// diarization passes are URL-fed, not payload-fed) and polls until the task
// reaches a terminal state or ctx is done.
func runAsyncPass(ctx context.Context, p asr.AsyncProvider, signedURL string, cfg asr.Config) (types.ASRResult, error) {
	taskID, err := p.Submit(ctx, []byte(signedURL), cfg)
	if err != nil {
		return types.ASRResult{}, err
	}

	interval := p.PollInterval()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, done, err := p.Poll(ctx, taskID)
		if err != nil {
			return types.ASRResult{}, err
		}
		if done {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return types.ASRResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// aUnit is a Pass-A speaker interval.
type aUnit struct {
	speaker string
	beginMs int64
	endMs   int64
}

// bUnit is a Pass-B text token (a single word when word-level timing is
// available, otherwise a whole sentence).
type bUnit struct {
	text    string
	beginMs int64
	endMs   int64
}

// mergeDiarization implements the §4.2.2 merge algorithm: walk Pass B's
// timeline, attribute each unit to the overlapping (or nearest) Pass A
// speaker interval, split proportionally across speaker changes, then
// coalesce contiguous same-speaker units and renumber speakers densely.
func mergeDiarization(passA, passB types.ASRResult) ([]types.Segment, DiarizationDebug) {
	aUnits := make([]aUnit, 0, len(passA.Sentences))
	for _, s := range passA.Sentences {
		aUnits = append(aUnits, aUnit{speaker: s.SpeakerID, beginMs: s.BeginMs, endMs: s.EndMs})
	}
	sort.Slice(aUnits, func(i, j int) bool { return aUnits[i].beginMs < aUnits[j].beginMs })

	bUnits := flattenB(passB)

	type raw struct {
		speaker string
		text    string
		beginMs int64
		endMs   int64
	}
	var merged []raw

	for _, b := range bUnits {
		overlaps := overlapping(aUnits, b.beginMs, b.endMs)
		switch len(overlaps) {
		case 0:
			nearest := nearestInTime(aUnits, b.beginMs, b.endMs)
			if nearest == nil {
				merged = append(merged, raw{speaker: "", text: b.text, beginMs: b.beginMs, endMs: b.endMs})
				continue
			}
			merged = append(merged, raw{speaker: nearest.speaker, text: b.text, beginMs: b.beginMs, endMs: b.endMs})
		case 1:
			merged = append(merged, raw{speaker: overlaps[0].speaker, text: b.text, beginMs: b.beginMs, endMs: b.endMs})
		default:
			for _, slice := range splitProportional(b, overlaps) {
				if slice.text == "" {
					continue
				}
				merged = append(merged, raw{speaker: slice.speaker, text: slice.text, beginMs: slice.beginMs, endMs: slice.endMs})
			}
		}
	}

	// Coalesce contiguous same-speaker units into one segment.
	var coalesced []raw
	for _, u := range merged {
		if n := len(coalesced); n > 0 && coalesced[n-1].speaker == u.speaker {
			coalesced[n-1].text = coalesced[n-1].text + " " + u.text
			coalesced[n-1].endMs = u.endMs
			continue
		}
		coalesced = append(coalesced, u)
	}

	// Renumber speakers densely from 0 in order of first appearance.
	ids := map[string]int{}
	out := make([]types.Segment, 0, len(coalesced))
	for _, u := range coalesced {
		id, ok := ids[u.speaker]
		if !ok {
			id = len(ids)
			ids[u.speaker] = id
		}
		out = append(out, types.Segment{SpeakerID: id, Text: u.text, BeginMs: u.beginMs, EndMs: u.endMs})
	}

	return out, DiarizationDebug{TimelineNormalized: timelineRatio(aUnits, bUnits)}
}

func flattenB(passB types.ASRResult) []bUnit {
	var units []bUnit
	for _, s := range passB.Sentences {
		if len(s.Words) == 0 {
			units = append(units, bUnit{text: s.Text, beginMs: s.BeginMs, endMs: s.EndMs})
			continue
		}
		for _, w := range s.Words {
			units = append(units, bUnit{text: w.Text + w.Punctuation, beginMs: w.BeginMs, endMs: w.EndMs})
		}
	}
	return units
}

func overlapping(aUnits []aUnit, beginMs, endMs int64) []aUnit {
	var out []aUnit
	for _, a := range aUnits {
		if a.beginMs < endMs && beginMs < a.endMs {
			out = append(out, a)
		}
	}
	return out
}

func nearestInTime(aUnits []aUnit, beginMs, endMs int64) *aUnit {
	if len(aUnits) == 0 {
		return nil
	}
	mid := (beginMs + endMs) / 2
	best := aUnits[0]
	bestDist := distanceToInterval(mid, best.beginMs, best.endMs)
	for _, a := range aUnits[1:] {
		d := distanceToInterval(mid, a.beginMs, a.endMs)
		if d < bestDist {
			best, bestDist = a, d
		}
	}
	return &best
}

func distanceToInterval(point, beginMs, endMs int64) int64 {
	if point < beginMs {
		return beginMs - point
	}
	if point > endMs {
		return point - endMs
	}
	return 0
}

type textSlice struct {
	speaker string
	text    string
	beginMs int64
	endMs   int64
}

// splitProportional distributes b's words across the speakers in overlaps
// by the fraction of b's interval each speaker's interval covers.
func splitProportional(b bUnit, overlaps []aUnit) []textSlice {
	sort.Slice(overlaps, func(i, j int) bool { return overlaps[i].beginMs < overlaps[j].beginMs })

	words := splitWords(b.text)
	total := b.endMs - b.beginMs
	if total <= 0 || len(words) == 0 {
		return nil
	}

	slices := make([]textSlice, 0, len(overlaps))
	assigned := 0
	for i, a := range overlaps {
		coverBegin := maxInt64(a.beginMs, b.beginMs)
		coverEnd := minInt64(a.endMs, b.endMs)
		if coverEnd <= coverBegin {
			continue
		}
		fraction := float64(coverEnd-coverBegin) / float64(total)

		var count int
		if i == len(overlaps)-1 {
			count = len(words) - assigned
		} else {
			count = int(fraction * float64(len(words)))
		}
		if count <= 0 {
			continue
		}
		if assigned+count > len(words) {
			count = len(words) - assigned
		}
		slice := words[assigned : assigned+count]
		assigned += count
		if len(slice) == 0 {
			continue
		}
		slices = append(slices, textSlice{
			speaker: a.speaker,
			text:    joinSpace(slice),
			beginMs: coverBegin,
			endMs:   coverEnd,
		})
	}
	return slices
}

func splitWords(text string) []string {
	var words []string
	start := -1
	for i, r := range text {
		if r == ' ' || r == '\t' || r == '\n' {
			if start >= 0 {
				words = append(words, text[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, text[start:])
	}
	return words
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func timelineRatio(aUnits []aUnit, bUnits []bUnit) float64 {
	var aTotal, bTotal int64
	for _, a := range aUnits {
		if d := a.endMs - a.beginMs; d > 0 {
			aTotal += d
		}
	}
	for _, b := range bUnits {
		if d := b.endMs - b.beginMs; d > 0 {
			bTotal += d
		}
	}
	if bTotal == 0 {
		return 0
	}
	return float64(aTotal) / float64(bTotal)
}

// asSegmentsDense converts Pass A's raw sentences into canonical segments
// with speaker ids renumbered densely from 0 (Pass-A-only fallback path of
// the outcome matrix).
func asSegmentsDense(passA types.ASRResult) []types.Segment {
	ids := map[string]int{}
	out := make([]types.Segment, 0, len(passA.Sentences))
	for _, s := range passA.Sentences {
		id, ok := ids[s.SpeakerID]
		if !ok {
			id = len(ids)
			ids[s.SpeakerID] = id
		}
		out = append(out, types.Segment{SpeakerID: id, Text: s.Text, BeginMs: s.BeginMs, EndMs: s.EndMs})
	}
	return out
}
