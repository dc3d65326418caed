package analysis

import (
	"context"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// MessageClient is the subset of the Messages API the analyzer needs.
type MessageClient interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest is a single-turn prompt.
type MessageRequest struct {
	Model     string
	MaxTokens int64
	System    string
	User      string
}

// MessageResponse carries the concatenated text blocks and token usage.
type MessageResponse struct {
	ID           string
	Text         string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

type sdkClient struct {
	client sdk.Client
}

// NewClient returns a MessageClient backed by anthropic-sdk-go. baseURL is
// optional and only set for proxies and tests.
func NewClient(apiKey, baseURL string) MessageClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &sdkClient{client: sdk.NewClient(opts...)}
}

func (c *sdkClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.User))},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}

	out := &MessageResponse{
		ID:           msg.ID,
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	for _, b := range msg.Content {
		if b.Type == "text" {
			out.Text += b.Text
		}
	}
	return out, nil
}
