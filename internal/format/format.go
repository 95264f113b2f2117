// Package format implements the formatting stage: a single operation that
// turns a raw transcript into punctuated, paragraphed prose via an LLM,
// driven by a deterministic prompt built from a handful of boolean flags.
//
// On any provider failure — timeout, non-200, or an empty response — Format
// returns the input text unchanged rather than propagating the error, per
// the fallback contract described in spec.md §4.3.
package format

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/voxscribe/internal/resilience"
	"github.com/MrWong99/voxscribe/internal/transcript/phonetic"
	"github.com/MrWong99/voxscribe/pkg/provider/llm"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// errEmptyCompletion marks a provider response that came back without error
// but with no usable content, so the fallback group treats it as a failure
// worth trying the next provider for.
var errEmptyCompletion = errors.New("format: empty completion")

// emptyCheckingProvider wraps an llm.Provider so that Complete surfaces an
// empty response as errEmptyCompletion instead of a nil-error, empty-content
// success — letting resilience.LLMFallback's own error-triggered failover
// handle "the model returned nothing" the same way it handles a transport
// error, without [resilience.LLMFallback] itself needing to know about this
// package's notion of an empty completion.
type emptyCheckingProvider struct {
	llm.Provider
}

func (p emptyCheckingProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.Provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return nil, errEmptyCompletion
	}
	return resp, nil
}

// MinWordCount is the word count below which Format is a no-op: short
// transcripts gain nothing from LLM formatting and spending a call on them
// wastes budget.
const MinWordCount = 10

// Options carries the four booleans that shape the prompt (spec.md §4.3).
type Options struct {
	// CodeTags wraps the output in a monospace markup tag.
	CodeTags bool

	// PreserveDiacriticE keeps the Cyrillic "ё" as-is. When false, every "ё"
	// (and "Ё") is folded to the plain "е"/"Е" — both in the prompt
	// instruction and, as a backstop, in a post-process pass over whatever
	// the model returns.
	PreserveDiacriticE bool

	// IsChunked signals that text is a concatenation of independently
	// recognized chunks, so the prompt asks the model to smooth seams
	// between them.
	IsChunked bool

	// IsDialogue requests one line per utterance, em-dash prefixed, with no
	// invented speaker tags.
	IsDialogue bool
}

// Formatter invokes an LLM to format raw transcripts. A Formatter with no
// fallback chained simply returns the input unchanged when the primary
// provider fails.
type Formatter struct {
	group   *resilience.LLMFallback
	matcher *phonetic.Matcher
}

// Option configures a Formatter.
type Option func(*Formatter)

// WithFallback chains a second LLM provider, tried when primary fails or
// returns an empty completion.
func WithFallback(p llm.Provider) Option {
	return func(f *Formatter) { f.group.AddFallback("fallback", emptyCheckingProvider{p}) }
}

// New returns a Formatter that calls primary, per the supplied options.
func New(primary llm.Provider, opts ...Option) *Formatter {
	f := &Formatter{
		group:   resilience.NewLLMFallback(emptyCheckingProvider{primary}, "primary", resilience.FallbackConfig{}),
		matcher: phonetic.New(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Format runs the formatting operation over text. Below MinWordCount words
// it returns text unchanged without calling any provider.
func (f *Formatter) Format(ctx context.Context, text string, opts Options) (string, error) {
	if wordCount(text) < MinWordCount {
		return text, nil
	}

	prompt := buildPrompt(text, opts, f.sibilantHint(text))
	req := llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: prompt}},
	}

	resp, err := f.group.Complete(ctx, req)
	if err != nil || resp == nil {
		// Every chained provider failed (or the only one did): the fallback
		// contract is to hand back the unformatted transcript, not an error.
		return applyDiacriticPolicy(text, opts.PreserveDiacriticE), nil
	}

	out := stripCodeTagsIfUnwanted(resp.Content, opts.CodeTags)
	return applyDiacriticPolicy(out, opts.PreserveDiacriticE), nil
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

func applyDiacriticPolicy(text string, preserve bool) string {
	if preserve {
		return text
	}
	r := strings.NewReplacer("ё", "е", "Ё", "Е")
	return r.Replace(text)
}

// stripCodeTagsIfUnwanted removes a leading/trailing <code></code> wrapper
// the model may have added out of habit when codeTags is false.
func stripCodeTagsIfUnwanted(text string, codeTags bool) string {
	if codeTags {
		return text
	}
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "<code>")
	text = strings.TrimSuffix(text, "</code>")
	return text
}

// sibilantKnownPairs lists short, commonly-confused Cyrillic sibilant
// spellings an ASR model may emit interchangeably — e.g. voiced/voiceless
// mix-ups on "-тся"/"-ться" verb endings are handled by the model itself per
// the fixed prompt rule; this list instead flags single ambiguous tokens
// worth a hint so the model doesn't "fix" a word that was already correct.
var sibilantKnownPairs = map[string][]string{
	"жжет":  {"жжёт"},
	"течет": {"течёт"},
	"лжет":  {"лжёт"},
}

// sibilantHint scans text for tokens phonetically close to a known
// sibilant-ambiguous spelling and, when found, returns a short supplementary
// instruction line naming them — repurposing [phonetic.Matcher] (built for
// entity-name correction) as a generic near-match detector instead.
// Returns "" when nothing ambiguous is detected.
func (f *Formatter) sibilantHint(text string) string {
	var hits []string
	seen := map[string]bool{}
	for _, word := range strings.Fields(text) {
		clean := strings.Trim(strings.ToLower(word), ".,!?;:\"'()")
		if clean == "" {
			continue
		}
		for canonical, alternates := range sibilantKnownPairs {
			if _, _, matched := f.matcher.Match(clean, alternates); matched && !seen[canonical] {
				hits = append(hits, canonical)
				seen[canonical] = true
			}
		}
	}
	if len(hits) == 0 {
		return ""
	}
	return "Встречены слова с неоднозначным шипящим/ударным написанием (" + strings.Join(hits, ", ") + ") — исправляй только если однозначно понятно по контексту."
}

// buildPrompt assembles the single source-of-truth prompt string from text,
// opts, and an optional sibilant hint line.
func buildPrompt(text string, opts Options, sibilantHint string) string {
	var b strings.Builder
	b.WriteString("Отформатируй транскрипцию аудиозаписи. Правила:\n\n")
	b.WriteString("1. Исправь ошибки распознавания речи, не меняя выбор слов.\n")
	b.WriteString("2. Расставь знаки препинания по правилам языка.\n")
	b.WriteString("3. Раздели на абзацы по смыслу — не делай абзац из одного предложения.\n")
	b.WriteString("4. Будь консервативен с именами собственными: не исправляй их без явной причины.\n")
	b.WriteString("5. Шипящие звуки на стыке слов исправляй только если их прочтение однозначно.\n")

	n := 6
	if opts.CodeTags {
		b.WriteString(itoaLine(n, "Обёрни весь вывод в теги <code></code>.\n"))
	} else {
		b.WriteString(itoaLine(n, "НЕ используй теги <code>.\n"))
	}
	n++

	if opts.PreserveDiacriticE {
		b.WriteString(itoaLine(n, "Сохраняй букву «ё» везде, где она встречается.\n"))
	} else {
		b.WriteString(itoaLine(n, "Заменяй букву «ё» на «е».\n"))
	}
	n++

	if opts.IsChunked {
		b.WriteString(itoaLine(n, "Текст склеен из отдельных фрагментов — сгладь швы между ними, не оставляй обрывов.\n"))
		n++
	}

	if opts.IsDialogue {
		b.WriteString(itoaLine(n, "Каждую реплику выводи на отдельной строке с тире в начале. НЕ добавляй свои метки говорящих.\n"))
	} else {
		b.WriteString(itoaLine(n, "НЕ используй тире в начале строк — это не диалог.\n"))
	}
	n++

	b.WriteString(itoaLine(n, "НЕ добавляй собственных комментариев, не веди диалог с пользователем.\n"))

	if sibilantHint != "" {
		b.WriteString("\n")
		b.WriteString(sibilantHint)
		b.WriteString("\n")
	}

	b.WriteString("\nТекст для форматирования:\n\n")
	b.WriteString(text)
	return b.String()
}

func itoaLine(n int, rest string) string {
	return fmt.Sprintf("%d. %s", n, rest)
}
