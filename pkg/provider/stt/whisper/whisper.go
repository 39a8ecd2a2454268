// Package whisper provides whisper.cpp-backed stt.Model implementations.
//
// ServerModel talks to a running whisper-server binary over its REST API
// (POST /inference). NativeModel links whisper.cpp directly through the CGO
// bindings and keeps the weights in process memory.
//
// Usage:
//
//	m, err := whisper.NewServer("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	)
//	res, err := m.Transcribe(ctx, samples, stt.Options{})
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
	"strings"
	"time"

	"github.com/MrWong99/scribe/pkg/audio"
	"github.com/MrWong99/scribe/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 120 * time.Second

	// maxErrorBody bounds how much of a failed response is kept in the error.
	maxErrorBody = 512
)

// Compile-time assertion that ServerModel implements stt.Model.
var _ stt.Model = (*ServerModel)(nil)

// Option is a functional option for configuring a ServerModel.
type Option func(*ServerModel)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with; this is the default.
func WithModel(model string) Option {
	return func(m *ServerModel) {
		m.model = model
	}
}

// WithLanguage sets the language code sent to the whisper.cpp server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(m *ServerModel) {
		m.language = lang
	}
}

// WithHTTPClient replaces the HTTP client. Defaults to a client with a two
// minute timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(m *ServerModel) {
		m.httpClient = c
	}
}

// ServerModel implements stt.Model backed by a whisper.cpp HTTP server.
type ServerModel struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// NewServer creates a ServerModel that posts to the whisper.cpp HTTP server
// at serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func NewServer(serverURL string, opts ...Option) (*ServerModel, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	m := &ServerModel{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// ServerFactory adapts NewServer to stt.Factory.
func ServerFactory(cfg stt.ModelConfig) (stt.Model, error) {
	var opts []Option
	if cfg.Language != "" {
		opts = append(opts, WithLanguage(cfg.Language))
	}
	if cfg.Model != "" {
		opts = append(opts, WithModel(cfg.Model))
	}
	return NewServer(cfg.BaseURL, opts...)
}

// Close is a no-op; the server process is managed externally.
func (m *ServerModel) Close() error { return nil }

// verboseResponse is the subset of whisper-server's verbose_json output
// that carries word timings.
type verboseResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Words []struct {
			Word        string  `json:"word"`
			Start       float64 `json:"start"`
			End         float64 `json:"end"`
			Probability float64 `json:"probability"`
		} `json:"words"`
	} `json:"segments"`
}

// Transcribe encodes samples as a WAV file and POSTs it to the whisper.cpp
// /inference endpoint as multipart/form-data.
func (m *ServerModel) Transcribe(ctx context.Context, samples []float32, opts stt.Options) (stt.Result, error) {
	wav := audio.EncodeWAV(audio.Float32ToPCM(samples), audio.DefaultSampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = m.language
	}
	format := "json"
	if opts.WordTimestamps {
		format = "verbose_json"
	}
	fields := [][2]string{
		{"language", lang},
		{"model", m.model},
		{"response_format", format},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write %s field: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.serverURL+"/inference", &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data[:min(len(data), maxErrorBody)]))
		err := fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, msg)
		if stt.IsOutOfMemory(err) {
			return stt.Result{}, fmt.Errorf("%w: %w", stt.ErrOutOfMemory, err)
		}
		return stt.Result{}, err
	}

	var result verboseResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	out := stt.Result{Text: strings.TrimSpace(result.Text)}
	for _, seg := range result.Segments {
		for _, w := range seg.Words {
			out.Words = append(out.Words, stt.WordDetail{
				Word:       strings.TrimSpace(w.Word),
				Start:      seconds(w.Start),
				End:        seconds(w.End),
				Confidence: w.Probability,
			})
		}
	}
	return out, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
