/*
Copyright 2026 The Codeguard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fixgen

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/codeguard-dev/codeguard/internal/apierr"
)

const defaultAnthropicModel = "claude-sonnet-4-6"
const defaultMaxTokens = 4096

// AnthropicClient is the default ModelClient, selected unless
// MODEL_PROVIDER=bedrock.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient builds a client from an explicit API key (falls
// back to ANTHROPIC_API_KEY if empty, matching the SDK's own default
// resolution).
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	if model == "" {
		model = defaultAnthropicModel
	}
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...), model: model}
}

func (a *AnthropicClient) Name() string { return "anthropic" }

func (a *AnthropicClient) GenerateFix(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return nil, apierr.Transient("model_unavailable", "anthropic messages.new", err)
	}

	var patch string
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			patch += tb.Text
		}
	}
	if patch == "" {
		return nil, apierr.New(apierr.ClassLogical, "empty_model_response",
			fmt.Sprintf("model %q returned no text content", a.model), nil)
	}

	// Anthropic responses do not carry a self-reported confidence
	// field; stage 5 calibration treats an uncalibrated model response
	// as the bucket's running mean until enough observations accrue,
	// so a neutral prior here is deliberately uninformative.
	return &ModelResponse{Patch: patch, Confidence: 0.5}, nil
}
