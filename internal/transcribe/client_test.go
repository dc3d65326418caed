package transcribe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeProvider(t *testing.T, pollsBeforeDone int32, final string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/upload", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, "audio-bytes", string(b))
		_, _ = w.Write([]byte(`{"upload_url":"https://cdn.example/u1"}`))
	})
	mux.HandleFunc("POST /v2/transcript", func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://cdn.example/u1", req.AudioURL)
		assert.Equal(t, []string{"refund"}, req.WordBoost)
		_, _ = w.Write([]byte(`{"id":"tr_1","status":"queued"}`))
	})
	mux.HandleFunc("GET /v2/transcript/tr_1", func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) < pollsBeforeDone {
			_, _ = w.Write([]byte(`{"id":"tr_1","status":"processing"}`))
			return
		}
		_, _ = w.Write([]byte(final))
	})
	return httptest.NewServer(mux), &polls
}

func TestTranscribe_SubmitAndPoll(t *testing.T) {
	srv, polls := fakeProvider(t, 2, `{"id":"tr_1","status":"completed","text":"hello I want a refund",
		"audio_duration":12.5,"confidence":0.93,
		"words":[{"text":"hello","start":0,"end":400,"confidence":0.9},{"text":"I","start":500,"end":600,"confidence":0.9},
		{"text":"want","start":600,"end":800,"confidence":0.9},{"text":"a","start":800,"end":850,"confidence":0.9},
		{"text":"refund","start":900,"end":1300,"confidence":0.95}]}`)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "key", PollInterval: time.Millisecond, RatePerSecond: 1000})
	tr, err := c.Transcribe(context.Background(), Request{Audio: []byte("audio-bytes"), ContentType: "audio/wav", Keywords: []string{"refund"}})
	require.NoError(t, err)
	assert.Equal(t, "tr_1", tr.ID)
	assert.Equal(t, 5, tr.WordCount())
	assert.InDelta(t, 12.5, tr.DurationSeconds, 0.001)
	assert.EqualValues(t, 2, polls.Load())
}

func TestTranscribe_ProviderError(t *testing.T) {
	srv, _ := fakeProvider(t, 1, `{"id":"tr_1","status":"error","error":"audio too short"}`)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "key", PollInterval: time.Millisecond, RatePerSecond: 1000})
	_, err := c.Transcribe(context.Background(), Request{Audio: []byte("audio-bytes"), Keywords: []string{"refund"}})
	assert.ErrorContains(t, err, "audio too short")
}

func TestTranscribe_Timeout(t *testing.T) {
	srv, _ := fakeProvider(t, 1<<20, "")
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "key", PollInterval: time.Millisecond, Timeout: 50 * time.Millisecond, RatePerSecond: 1000})
	_, err := c.Transcribe(context.Background(), Request{Audio: []byte("audio-bytes"), Keywords: []string{"refund"}})
	require.Error(t, err)
}

func TestTranscribe_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Transcribe(context.Background(), Request{Audio: []byte("a")})
	assert.ErrorContains(t, err, "status 401")
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	_, err := New(Config{}).Transcribe(context.Background(), Request{})
	assert.Error(t, err)
}

func TestWordCount_FallsBackToText(t *testing.T) {
	assert.Equal(t, 3, Transcript{Text: " one two  three "}.WordCount())
}
