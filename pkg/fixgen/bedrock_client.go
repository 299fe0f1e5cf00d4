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
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/codeguard-dev/codeguard/internal/apierr"
)

const (
	defaultBedrockModelID   = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	bedrockAnthropicVersion = "bedrock-2023-05-31"
)

// bedrockRequestBody is the Anthropic-on-Bedrock message wire format;
// Bedrock's Claude models accept the same message shape as the direct
// Anthropic API under a slightly different envelope.
type bedrockRequestBody struct {
	AnthropicVersion string                   `json:"anthropic_version"`
	MaxTokens        int                      `json:"max_tokens"`
	Messages         []bedrockRequestMessage  `json:"messages"`
}

type bedrockRequestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponseBody struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// BedrockClient is the alternate ModelClient selected by
// MODEL_PROVIDER=bedrock, for tenants that require keeping inference
// inside their own AWS account.
type BedrockClient struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockClient wraps an already-configured bedrockruntime.Client
// (constructed at boot via aws-sdk-go-v2/config.LoadDefaultConfig, so
// credential resolution follows the standard AWS chain).
func NewBedrockClient(client *bedrockruntime.Client, modelID string) *BedrockClient {
	if modelID == "" {
		modelID = defaultBedrockModelID
	}
	return &BedrockClient{client: client, modelID: modelID}
}

func (b *BedrockClient) Name() string { return "bedrock" }

func (b *BedrockClient) GenerateFix(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body, err := json.Marshal(bedrockRequestBody{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        maxTokens,
		Messages:         []bedrockRequestMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, apierr.Contract("invalid_bedrock_request", err.Error())
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, apierr.Transient("model_unavailable", "bedrock invoke_model", err)
	}

	var parsed bedrockResponseBody
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return nil, apierr.Fatal("unparseable bedrock response body", err)
	}

	var patch string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			patch += block.Text
		}
	}
	if patch == "" {
		return nil, apierr.New(apierr.ClassLogical, "empty_model_response",
			"bedrock model returned no text content", nil)
	}
	return &ModelResponse{Patch: patch, Confidence: 0.5}, nil
}
