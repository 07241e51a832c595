package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hitoshi/postcaster/internal/model"
)

const (
	// DefaultOpenAIModel はデフォルトのモデル名。
	DefaultOpenAIModel = "gpt-4o-mini"
	// DefaultTemperature はデフォルトのtemperature。
	DefaultTemperature = 0.7

	systemPrompt = "You are a social media expert who writes engaging, accurate posts for small businesses. " +
		`Respond with a JSON object of the form {"posts":[{"body":"...","hashtags":["..."]}]}.`
)

// ErrGenerationFailed はAIサービスの呼び出しに失敗したことを示す。
var ErrGenerationFailed = errors.New("content generation failed")

// OpenAIConfig はOpenAIGeneratorの設定。
// BaseURLはテストやOpenAI互換APIのために上書きできる。
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
}

// OpenAIGenerator はOpenAIのChat Completions APIで下書きを生成する。
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float32
	sanitizer   Sanitizer
	logger      *slog.Logger
}

var _ Generator = (*OpenAIGenerator)(nil)

// NewOpenAIGenerator はOpenAIGeneratorを生成する。httpClientがnilの場合はデフォルトを使う。
func NewOpenAIGenerator(cfg OpenAIConfig, httpClient *http.Client, sanitizer Sanitizer, logger *slog.Logger) *OpenAIGenerator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		sanitizer:   sanitizer,
		logger:      logger,
	}
}

type generatedPosts struct {
	Posts []struct {
		Body     string   `json:"body"`
		Hashtags []string `json:"hashtags"`
	} `json:"posts"`
}

// Generate はBusinessContextからcount件までの下書きを生成する。
func (g *OpenAIGenerator) Generate(ctx context.Context, bc *model.BusinessContext, p model.Platform, count int) ([]model.Draft, error) {
	if count <= 0 {
		count = DefaultDraftsPerPlatform
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: g.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(bc, p, count)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: status %d: %s", ErrGenerationFailed, apiErr.HTTPStatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 {
		return nil, nil
	}

	content := resp.Choices[0].Message.Content
	var parsed generatedPosts
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		g.logger.Warn("生成結果のJSONを解析できませんでした",
			slog.String("platform", string(p)),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: invalid JSON response: %v", ErrGenerationFailed, err)
	}

	drafts := make([]model.Draft, 0, len(parsed.Posts))
	for _, post := range parsed.Posts {
		if len(drafts) >= count {
			break
		}
		if d, ok := normalizeDraft(g.sanitizer, p, post.Body, post.Hashtags); ok {
			drafts = append(drafts, d)
		}
	}

	g.logger.Info("下書きを生成しました",
		slog.String("platform", string(p)),
		slog.String("website_id", bc.WebsiteID),
		slog.Int("drafts", len(drafts)),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return drafts, nil
}
