package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/simloom/simloom/pkg/models"
)

// OpenAIOptions configures the OpenAI-backed ChatClient adapter.
type OpenAIOptions struct {
	APIKey     string
	BaseURL    string // optional, for compatible endpoints
	Model      string
	Multimodal bool // when false, media refs become text placeholders
}

// OpenAIClient implements ChatClient over the OpenAI Chat Completions API.
// The core depends only on the ChatClient interface; this adapter exists so
// cmd/simloom can wire a real provider without glue code elsewhere.
type OpenAIClient struct {
	client     openai.Client
	model      shared.ChatModel
	multimodal bool
}

// NewOpenAI builds the adapter.
func NewOpenAI(opts OpenAIOptions) (*OpenAIClient, error) {
	if opts.Model == "" {
		return nil, errors.New("openai: model is required")
	}
	var clientOpts []openaiopt.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(opts.BaseURL))
	}
	return &OpenAIClient{
		client:     openai.NewClient(clientOpts...),
		model:      shared.ChatModel(opts.Model),
		multimodal: opts.Multimodal,
	}, nil
}

// Chat implements ChatClient.
func (c *OpenAIClient) Chat(ctx context.Context, messages []models.Message) (string, error) {
	if !c.multimodal {
		messages = FlattenMedia(messages)
	}

	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			converted = append(converted, openai.SystemMessage(m.Content))
		case models.RoleAssistant:
			converted = append(converted, openai.AssistantMessage(m.Content))
		default:
			if c.multimodal && len(m.Media) > 0 {
				parts := []openai.ChatCompletionContentPartUnionParam{{
					OfText: &openai.ChatCompletionContentPartTextParam{Text: m.Content},
				}}
				for _, ref := range m.Media {
					parts = append(parts, openai.ChatCompletionContentPartUnionParam{
						OfImageURL: &openai.ChatCompletionContentPartImageParam{
							ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: ref},
						},
					})
				}
				converted = append(converted, openai.UserMessage(parts))
				continue
			}
			converted = append(converted, openai.UserMessage(m.Content))
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: converted,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("openai: empty completion")
	}
	return completion.Choices[0].Message.Content, nil
}
