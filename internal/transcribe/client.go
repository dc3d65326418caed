// Package transcribe submits call audio to a speech-to-text provider and polls
// until the transcript is ready.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Word is one recognised token with millisecond offsets.
type Word struct {
	Text       string  `json:"text"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker,omitempty"`
}

// Transcript is the provider's finished output.
type Transcript struct {
	ID              string  `json:"id"`
	Text            string  `json:"text"`
	Words           []Word  `json:"words"`
	Confidence      float64 `json:"confidence"`
	DurationSeconds float64 `json:"audio_duration"`
}

// WordCount prefers the provider's word list and falls back to splitting text.
func (t Transcript) WordCount() int {
	if len(t.Words) > 0 {
		return len(t.Words)
	}
	return len(strings.Fields(t.Text))
}

// Request describes one transcription.
type Request struct {
	Audio       []byte
	ContentType string
	// Keywords boost recognition of tenant-specific vocabulary.
	Keywords []string
}

// Config holds provider settings.
type Config struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	Timeout      time.Duration
	// RatePerSecond caps outbound requests across all workers in this process.
	RatePerSecond float64
	Language      string
}

// Client talks to an AssemblyAI-style API: upload, create transcript, poll.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// New builds a client, filling in defaults.
func New(cfg Config) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 2 * time.Minute},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
	}
}

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type createRequest struct {
	AudioURL     string   `json:"audio_url"`
	LanguageCode string   `json:"language_code,omitempty"`
	WordBoost    []string `json:"word_boost,omitempty"`
	SpeakerLabel bool     `json:"speaker_labels"`
}

type statusResponse struct {
	Transcript
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Transcribe uploads the audio, submits a job and blocks until it finishes,
// fails, or the configured timeout elapses.
func (c *Client) Transcribe(ctx context.Context, req Request) (Transcript, error) {
	if len(req.Audio) == 0 {
		return Transcript{}, eris.New("transcribe: empty audio")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var up uploadResponse
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := c.do(ctx, http.MethodPost, "/v2/upload", contentType, req.Audio, &up); err != nil {
		return Transcript{}, eris.Wrap(err, "transcribe: upload audio")
	}
	if up.UploadURL == "" {
		return Transcript{}, eris.New("transcribe: upload returned no url")
	}

	body, err := json.Marshal(createRequest{
		AudioURL:     up.UploadURL,
		LanguageCode: c.cfg.Language,
		WordBoost:    req.Keywords,
		SpeakerLabel: true,
	})
	if err != nil {
		return Transcript{}, eris.Wrap(err, "transcribe: encode request")
	}
	var st statusResponse
	if err := c.do(ctx, http.MethodPost, "/v2/transcript", "application/json", body, &st); err != nil {
		return Transcript{}, eris.Wrap(err, "transcribe: submit")
	}
	if st.ID == "" {
		return Transcript{}, eris.New("transcribe: submit returned no id")
	}
	zap.L().Debug("transcription submitted", zap.String("transcript_id", st.ID))

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		switch st.Status {
		case "completed":
			return st.Transcript, nil
		case "error":
			return Transcript{}, eris.Errorf("transcribe: provider error for %s: %s", st.ID, st.Error)
		}
		select {
		case <-ctx.Done():
			return Transcript{}, eris.Wrapf(ctx.Err(), "transcribe: waiting for %s", st.ID)
		case <-ticker.C:
		}
		id := st.ID
		if err := c.do(ctx, http.MethodGet, "/v2/transcript/"+id, "", nil, &st); err != nil {
			return Transcript{}, eris.Wrapf(err, "transcribe: poll %s", id)
		}
		if st.ID == "" {
			st.ID = id
		}
	}
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "rate limiter wait")
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return eris.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", c.cfg.APIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return eris.New(fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
