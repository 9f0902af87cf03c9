package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/kestrelhq/baton/pkg/models"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the model-assigned call identifier, echoed back with the result.
	ID string
	// Name is the requested tool name.
	Name string
	// Input is the raw JSON tool input.
	Input json.RawMessage
}

// Invocation is one model call: a prompt plus the tool names the caller
// permits.
type Invocation struct {
	// System is the system prompt.
	System string
	// Prompt is the user-level prompt.
	Prompt string
	// Tools lists permitted tool names. Empty means text-only.
	Tools []string
	// Tier selects the model class for the call.
	Tier models.ModelTier
	// Temperature is the sampling temperature.
	Temperature float64
	// History carries prior turns when continuing a tool-use exchange.
	History []anthropic.MessageParam
}

// Response is the model's reply: either final text, or tool calls that
// must be resolved and fed back.
type Response struct {
	// Text is the concatenated text content of the reply.
	Text string
	// ToolCalls holds requested tool invocations, if any.
	ToolCalls []ToolCall
	// Raw is the assistant turn, needed to continue the exchange.
	Raw anthropic.MessageParam
}

// Invoker is the seam between workers and the reasoning backend. Tests
// substitute a deterministic stub; production uses the Anthropic client.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Response, error)
}

// ClientConfig contains configuration for creating a Client.
type ClientConfig struct {
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseAWSBedrock routes calls through AWS Bedrock instead of the direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock.
	AWSRegion string
	// AWSProfile is the optional AWS profile name.
	AWSProfile string
	// Models maps model tiers to model names. Missing tiers get defaults.
	Models map[models.ModelTier]anthropic.Model
}

// Client is the Anthropic-backed Invoker with token tracking.
type Client struct {
	inner   anthropic.Client
	models  map[models.ModelTier]anthropic.Model
	bedrock bool
	tracker *TokenTracker
}

// NewClient creates an Anthropic API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	tierModels := map[models.ModelTier]anthropic.Model{
		models.TierFast:     anthropic.ModelClaude3_5Haiku20241022,
		models.TierStandard: anthropic.ModelClaudeSonnet4_20250514,
		models.TierDeep:     anthropic.ModelClaudeOpus4_1_20250805,
	}
	for tier, m := range cfg.Models {
		tierModels[tier] = m
	}
	if cfg.UseAWSBedrock {
		for tier, m := range tierModels {
			tierModels[tier] = translateModelForBedrock(m)
		}
	}

	return &Client{
		inner:   anthropic.NewClient(opts...),
		models:  tierModels,
		bedrock: cfg.UseAWSBedrock,
		tracker: NewTokenTracker(),
	}, nil
}

// translateModelForBedrock converts standard Anthropic model names to
// Bedrock cross-region inference profile format: us.anthropic.{model}-v1:0.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:  "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:  "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:  "us.anthropic.claude-3-5-haiku-20241022-v1:0",
		anthropic.ModelClaude3_7Sonnet20250219: "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
	}

	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}

// Model returns the model configured for a tier.
func (c *Client) Model(tier models.ModelTier) anthropic.Model {
	if m, ok := c.models[tier]; ok {
		return m
	}
	return c.models[models.TierStandard]
}

// Tracker returns the token tracker for this client.
func (c *Client) Tracker() *TokenTracker {
	return c.tracker
}

// Invoke performs one model call, returning either final text or tool calls.
func (c *Client) Invoke(ctx context.Context, inv Invocation) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     c.Model(inv.Tier),
		MaxTokens: 8192,
	}
	if inv.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: inv.System}}
	}
	if inv.Temperature > 0 {
		params.Temperature = anthropic.Float(inv.Temperature)
	}
	if len(inv.Tools) > 0 {
		params.Tools = ToolDefinitions(inv.Tools)
	}

	if len(inv.History) > 0 {
		params.Messages = inv.History
	} else {
		params.Messages = []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(inv.Prompt)),
		}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("API call failed: %w", err)
	}

	c.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	out := &Response{Raw: resp.ToParam()}
	var text strings.Builder
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:    variant.ID,
				Name:  variant.Name,
				Input: []byte(variant.JSON.Input.Raw()),
			})
		}
	}
	out.Text = text.String()

	return out, nil
}

// TokenTracker tracks token usage across API calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a new token tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from an API call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Totals returns cumulative input tokens, output tokens, and call count.
func (t *TokenTracker) Totals() (input, output int64, calls int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok, t.calls
}
