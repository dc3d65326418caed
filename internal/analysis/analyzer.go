// Package analysis extracts structured call insights from a transcript with
// the Anthropic Messages API.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Sentiment values the model is allowed to return.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
	SentimentMixed    = "mixed"
)

// Result is the fixed analysis schema stored per call.
type Result struct {
	Summary        string   `json:"summary"`
	Sentiment      string   `json:"sentiment"`
	SentimentScore float64  `json:"sentiment_score"`
	Topics         []string `json:"topics"`
	ActionItems    []string `json:"action_items"`
	KeywordsFound  []string `json:"keywords_found"`
	Model          string   `json:"model,omitempty"`
}

// Input is what the analyzer sends to the model.
type Input struct {
	Transcript string
	Keywords   []string
	Direction  string
	Duration   float64
}

// Config selects the model.
type Config struct {
	Model     string
	MaxTokens int64
	// MaxTranscriptChars truncates very long calls before prompting.
	MaxTranscriptChars int
}

// Analyzer prompts the model and validates its JSON answer.
type Analyzer struct {
	client MessageClient
	cfg    Config
}

// NewAnalyzer wraps a MessageClient.
func NewAnalyzer(client MessageClient, cfg Config) *Analyzer {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5-20251001"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.MaxTranscriptChars <= 0 {
		cfg.MaxTranscriptChars = 60_000
	}
	return &Analyzer{client: client, cfg: cfg}
}

const systemPrompt = `You analyze business phone call transcripts.
Respond with a single JSON object and nothing else, using exactly these keys:
{"summary": string, "sentiment": "positive"|"neutral"|"negative"|"mixed",
 "sentiment_score": number between -1 and 1, "topics": [string],
 "action_items": [string], "keywords_found": [string]}
keywords_found lists only tracked keywords that actually occur in the call.`

// Analyze runs one analysis. An empty transcript short-circuits to a neutral
// result without calling the model.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (Result, error) {
	text := strings.TrimSpace(in.Transcript)
	if text == "" {
		return Result{Summary: "No speech detected.", Sentiment: SentimentNeutral,
			Topics: []string{}, ActionItems: []string{}, KeywordsFound: []string{}}, nil
	}
	if len(text) > a.cfg.MaxTranscriptChars {
		text = text[:a.cfg.MaxTranscriptChars]
	}

	resp, err := a.client.CreateMessage(ctx, MessageRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    systemPrompt,
		User:      buildPrompt(in, text),
	})
	if err != nil {
		return Result{}, eris.Wrap(err, "analysis: request")
	}
	zap.L().Debug("analysis tokens",
		zap.String("model", a.cfg.Model),
		zap.Int64("input_tokens", resp.InputTokens),
		zap.Int64("output_tokens", resp.OutputTokens),
	)

	res, err := ParseResult(resp.Text)
	if err != nil {
		return Result{}, err
	}
	res.Model = a.cfg.Model
	return res, nil
}

func buildPrompt(in Input, text string) string {
	var b strings.Builder
	if len(in.Keywords) > 0 {
		fmt.Fprintf(&b, "Tracked keywords: %s\n", strings.Join(in.Keywords, ", "))
	}
	if in.Direction != "" {
		fmt.Fprintf(&b, "Call direction: %s\n", in.Direction)
	}
	if in.Duration > 0 {
		fmt.Fprintf(&b, "Duration: %.0f seconds\n", in.Duration)
	}
	b.WriteString("\nTranscript:\n")
	b.WriteString(text)
	return b.String()
}

// ParseResult extracts the JSON object from a model reply, tolerating code
// fences and leading prose, and normalises the sentiment fields.
func ParseResult(reply string) (Result, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return Result{}, eris.Errorf("analysis: no JSON object in reply %q", truncate(reply, 120))
	}
	var res Result
	if err := json.Unmarshal([]byte(reply[start:end+1]), &res); err != nil {
		return Result{}, eris.Wrap(err, "analysis: decode reply")
	}
	if strings.TrimSpace(res.Summary) == "" {
		return Result{}, eris.New("analysis: reply has no summary")
	}

	res.Sentiment = strings.ToLower(strings.TrimSpace(res.Sentiment))
	switch res.Sentiment {
	case SentimentPositive, SentimentNeutral, SentimentNegative, SentimentMixed:
	default:
		res.Sentiment = SentimentNeutral
	}
	if res.SentimentScore > 1 {
		res.SentimentScore = 1
	} else if res.SentimentScore < -1 {
		res.SentimentScore = -1
	}
	if res.Topics == nil {
		res.Topics = []string{}
	}
	if res.ActionItems == nil {
		res.ActionItems = []string{}
	}
	if res.KeywordsFound == nil {
		res.KeywordsFound = []string{}
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
