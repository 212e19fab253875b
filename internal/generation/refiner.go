package generation

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"storychain-server/internal/interfaces"
)

// Compile-time check to ensure implementation satisfies the interface.
var _ interfaces.PromptRefiner = (*OpenAIRefiner)(nil)

const refinerSystemPrompt = `You rewrite a user's scene idea into a single vivid shot description ` +
	`for a text-to-video model. Keep the user's intent, add concrete visual detail, ` +
	`stay under 80 words, output only the rewritten prompt.`

// OpenAIRefiner переписывает сырой промпт перед отправкой в сервис генерации.
// Best-effort: при любой ошибке вызывающий использует исходный текст.
type OpenAIRefiner struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func NewOpenAIRefiner(apiKey, model string, logger *zap.Logger) *OpenAIRefiner {
	return &OpenAIRefiner{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger.Named("PromptRefiner"),
	}
}

func (r *OpenAIRefiner) Refine(ctx context.Context, raw string) (string, error) {
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: refinerSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: raw},
		},
		MaxTokens:   200,
		Temperature: 0.7,
	})
	if err != nil {
		r.logger.Warn("Prompt refinement failed, falling back to raw text", zap.Error(err))
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("refiner returned no choices")
	}
	refined := strings.TrimSpace(resp.Choices[0].Message.Content)
	if refined == "" {
		return "", errors.New("refiner returned empty text")
	}
	return refined, nil
}
