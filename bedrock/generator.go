// Package bedrock wraps the Bedrock runtime as a plain text-generation
// collaborator for the SQL tool's two prompts.
package bedrock

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

const anthropicVersion = "bedrock-2023-05-31"

// API is the Bedrock runtime surface the generator needs.
type API interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Generator invokes an Anthropic model on Bedrock with a single user
// prompt and returns the text of the first content block.
type Generator struct {
	api     API
	modelID string
	log     zerolog.Logger
}

// NewGenerator builds a generator over an existing runtime client.
func NewGenerator(api API, modelID string, log zerolog.Logger) *Generator {
	return &Generator{
		api:     api,
		modelID: modelID,
		log:     log.With().Str("component", "bedrock").Logger(),
	}
}

// Connect builds a generator backed by the real Bedrock runtime, reading
// credentials from the supplied provider on every call.
func Connect(ctx context.Context, region, modelID string, creds aws.CredentialsProvider, log zerolog.Logger) (*Generator, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewGenerator(bedrockruntime.NewFromConfig(cfg), modelID, log), nil
}

type request struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []message `json:"messages"`
	Temperature      float64   `json:"temperature"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Generate sends one user prompt and returns the model's text, trimmed.
func (g *Generator) Generate(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	body, err := sonic.Marshal(request{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Messages:         []message{{Role: "user", Content: prompt}},
		Temperature:      temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request body: %w", err)
	}

	out, err := g.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(g.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("model invocation failed: %w", err)
	}

	var resp response
	if err := sonic.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode response body: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("empty response from model %s", g.modelID)
	}

	text := strings.TrimSpace(resp.Content[0].Text)
	g.log.Debug().Int("chars", len(text)).Float64("temperature", temperature).Msg("generation complete")
	return text, nil
}
