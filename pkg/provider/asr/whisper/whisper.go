// Package whisper provides a batch ASR provider backed by an HTTP-exposed
// whisper.cpp-compatible inference server.
//
// It posts the already-converted audio file to the server's /inference
// endpoint as multipart/form-data and maps the single-string response into
// a one-sentence [types.ASRResult]. whisper.cpp servers of this shape do not
// diarize or return word timings, so Config.Diarize is ignored and the
// result carries exactly one sentence with an empty SpeakerID, or no
// sentences at all when the server returns empty text.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/MrWong99/voxscribe/pkg/provider/asr"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithTimeout sets the HTTP client timeout for a single inference call.
// Defaults to 120 seconds, generous enough for a full chunk-sized (150 s)
// audio file on modest hardware.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements asr.Provider backed by a local whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name identifies the provider for logging and metrics attribution.
func (p *Provider) Name() string { return "whisper-http" }

// Transcribe POSTs audio to the whisper.cpp /inference endpoint as
// multipart/form-data and normalizes the single-string response.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, cfg asr.Config) (types.ASRResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return types.ASRResult{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return types.ASRResult{}, fmt.Errorf("whisper: write audio data: %w", err)
	}
	if cfg.Language != "" {
		if err := mw.WriteField("language", cfg.Language); err != nil {
			return types.ASRResult{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return types.ASRResult{}, fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return types.ASRResult{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := p.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return types.ASRResult{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return types.ASRResult{}, fmt.Errorf("whisper: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.ASRResult{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.ASRResult{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return types.ASRResult{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	if result.Text == "" {
		return types.ASRResult{}, nil
	}
	return types.ASRResult{Sentences: []types.Sentence{{Text: result.Text}}}, nil
}
