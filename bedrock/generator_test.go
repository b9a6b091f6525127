package bedrock

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	input *bedrockruntime.InvokeModelInput
	body  string
	err   error
}

func (f *fakeRuntime) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.body)}, nil
}

func TestGeneratorGenerate(t *testing.T) {
	api := &fakeRuntime{body: `{"content":[{"type":"text","text":"  SELECT * FROM orders  "}]}`}
	g := NewGenerator(api, "us.anthropic.claude-3-5-sonnet-20241022-v2:0", zerolog.Nop())

	text, err := g.Generate(context.Background(), "write a query", 0.0, 3000)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM orders", text, "response text is trimmed")

	require.NotNil(t, api.input)
	assert.Equal(t, "us.anthropic.claude-3-5-sonnet-20241022-v2:0", aws.ToString(api.input.ModelId))
	assert.Equal(t, "application/json", aws.ToString(api.input.ContentType))

	var req request
	require.NoError(t, sonic.Unmarshal(api.input.Body, &req))
	assert.Equal(t, anthropicVersion, req.AnthropicVersion)
	assert.Equal(t, 3000, req.MaxTokens)
	assert.Equal(t, 0.0, req.Temperature)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "write a query", req.Messages[0].Content)
}

func TestGeneratorEmptyResponse(t *testing.T) {
	api := &fakeRuntime{body: `{"content":[]}`}
	g := NewGenerator(api, "model-id", zerolog.Nop())

	_, err := g.Generate(context.Background(), "prompt", 0.1, 100)
	assert.ErrorContains(t, err, "empty response")
}

func TestGeneratorInvocationFailure(t *testing.T) {
	api := &fakeRuntime{err: fmt.Errorf("throttled")}
	g := NewGenerator(api, "model-id", zerolog.Nop())

	_, err := g.Generate(context.Background(), "prompt", 0.1, 100)
	assert.ErrorContains(t, err, "model invocation failed")
}
