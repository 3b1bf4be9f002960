package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// DefaultLLMModel is used when no model is configured.
const DefaultLLMModel = "claude-sonnet-4-5-20250929"

// PromptVersion identifies the assessment prompt below.
const PromptVersion = "1.0"

const assessmentSystem = "You are an expert financial analyst validating evidence about trading firms. " +
	"Answer only with the requested JSON object."

// AnthropicClient implements LLMClient using the official anthropic-sdk-go.
type AnthropicClient struct {
	client      sdk.Client
	model       string
	maxTokens   int64
	temperature float64
}

// NewAnthropicClient creates an AnthropicClient. Extra request options are
// passed through to the SDK (base URL, retries).
func NewAnthropicClient(apiKey, model string, opts ...option.RequestOption) *AnthropicClient {
	if model == "" {
		model = DefaultLLMModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicClient{
		client:      sdk.NewClient(opts...),
		model:       model,
		maxTokens:   512,
		temperature: 0.2,
	}
}

func buildAssessmentPrompt(req LLMRequest) string {
	var b strings.Builder
	b.WriteString("Analyze the following evidence item and judge whether it is accurate and relevant.\n\n")
	fmt.Fprintf(&b, "Type: %s\n", req.Type)
	fmt.Fprintf(&b, "Description: %s\n", req.Description)
	fmt.Fprintf(&b, "Source: %s\n", req.Source)
	fmt.Fprintf(&b, "Extraction date: %s\n", req.ExtractionTimestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Claimed impact on score: %.2f points\n", req.Value)
	fmt.Fprintf(&b, "Source system: %s\n", req.SourceSystem)
	fmt.Fprintf(&b, "Extraction method: %s\n\n", req.ExtractionMethod)
	b.WriteString(`Respond with JSON:
{
  "confidence_score": <0-100>,
  "reasoning": "<reasoning>",
  "flags": [{"type": "warning|inconsistency|unverifiable|contradiction", "severity": "warning|error", "description": "<text>"}]
}`)
	return b.String()
}

type assessmentJSON struct {
	ConfidenceScore float64   `json:"confidence_score"`
	Reasoning       string    `json:"reasoning"`
	Flags           []LLMFlag `json:"flags"`
}

// parseAssessment extracts the first JSON object from text.
func parseAssessment(text string) (*assessmentJSON, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("anthropic: no JSON object in response")
	}
	var a assessmentJSON
	if err := json.Unmarshal([]byte(text[start:end+1]), &a); err != nil {
		return nil, eris.Wrap(err, "anthropic: decode assessment")
	}
	if a.ConfidenceScore < 0 || a.ConfidenceScore > 100 {
		return nil, eris.Errorf("anthropic: confidence_score %v out of range", a.ConfidenceScore)
	}
	return &a, nil
}

// Assess implements LLMClient.
func (c *AnthropicClient) Assess(ctx context.Context, req LLMRequest) (*LLMAssessment, error) {
	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:       sdk.Model(c.model),
		MaxTokens:   c.maxTokens,
		System:      []sdk.TextBlockParam{{Text: assessmentSystem}},
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(buildAssessmentPrompt(req)))},
		Temperature: sdk.Float(c.temperature),
	})
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}

	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	a, err := parseAssessment(text.String())
	if err != nil {
		return nil, err
	}
	return &LLMAssessment{
		Confidence: a.ConfidenceScore / 100,
		Notes:      a.Reasoning,
		Flags:      a.Flags,
		Model:      string(msg.Model),
	}, nil
}
