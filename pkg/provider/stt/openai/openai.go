// Package openai provides an stt.Model backed by the OpenAI audio
// transcription API or any server that speaks it (faster-whisper-server,
// LocalAI, vLLM).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/scribe/pkg/audio"
	"github.com/MrWong99/scribe/pkg/provider/stt"
)

// DefaultModel is the default transcription model.
const DefaultModel = oai.AudioModelWhisper1

// Ensure Model implements the stt.Model interface.
var _ stt.Model = (*Model)(nil)

// Model implements stt.Model using the OpenAI transcription endpoint.
type Model struct {
	client   oai.Client
	model    string
	language string
}

// config holds optional configuration for the model.
type config struct {
	baseURL  string
	language string
	timeout  time.Duration
}

// Option is a functional option for Model.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, e.g. to point at a
// local OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithLanguage sets the default ISO-639-1 language hint.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a Model. If model is empty, DefaultModel (whisper-1) is used.
// apiKey may be empty only when a base URL is configured, since local servers
// usually do not authenticate.
func New(apiKey string, model string, opts ...Option) (*Model, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if apiKey == "" && cfg.baseURL == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Model{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
	}, nil
}

// Factory adapts New to stt.Factory.
func Factory(cfg stt.ModelConfig) (stt.Model, error) {
	return New(cfg.APIKey, cfg.Model, WithBaseURL(cfg.BaseURL), WithLanguage(cfg.Language))
}

// Close is a no-op.
func (m *Model) Close() error { return nil }

// verboseWords is the word list carried by verbose_json responses.
type verboseWords struct {
	Words []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

// Transcribe uploads samples as a 16 kHz WAV file.
func (m *Model) Transcribe(ctx context.Context, samples []float32, opts stt.Options) (stt.Result, error) {
	wav := audio.EncodeWAV(audio.Float32ToPCM(samples), audio.DefaultSampleRate)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: m.model,
	}
	lang := opts.Language
	if lang == "" {
		lang = m.language
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}
	if opts.WordTimestamps {
		params.ResponseFormat = oai.AudioResponseFormatVerboseJSON
		params.TimestampGranularities = []string{"word"}
	}

	resp, err := m.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		if stt.IsOutOfMemory(err) {
			return stt.Result{}, fmt.Errorf("openai stt: transcribe: %w: %w", stt.ErrOutOfMemory, err)
		}
		return stt.Result{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	res := stt.Result{Text: strings.TrimSpace(resp.Text)}
	if opts.WordTimestamps {
		var vw verboseWords
		if raw := resp.RawJSON(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &vw); err != nil {
				return stt.Result{}, fmt.Errorf("openai stt: parse words: %w", err)
			}
		}
		for _, w := range vw.Words {
			res.Words = append(res.Words, stt.WordDetail{
				Word:  strings.TrimSpace(w.Word),
				Start: time.Duration(w.Start * float64(time.Second)),
				End:   time.Duration(w.End * float64(time.Second)),
			})
		}
	}
	return res, nil
}
