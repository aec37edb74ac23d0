package llm

import (
	"context"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"
)

// AnthropicClient is an AnalysisClient backed by the Anthropic Messages API.
// It is the optional fast secondary tier used for the directory-resolution
// pass when LLMConfig.IsDirectoryTierConfigured reports a distinct model
// configured for that tier.
type AnthropicClient struct {
	client      *anthropic.Client
	model       anthropic.Model
	endpoint    string
	temperature float32
	maxTokens   int
	logger      *zap.Logger
}

// AnthropicConfig holds configuration for creating an AnthropicClient.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

var _ AnalysisClient = (*AnthropicClient)(nil)

// NewAnthropicClient creates a new Anthropic-backed LLM client.
func NewAnthropicClient(cfg *AnthropicConfig, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, NewError(ErrorTypeAuth, "anthropic api key is required", false, nil)
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5-20250929"
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return &AnthropicClient{
		client:      anthropic.NewClient(cfg.APIKey),
		model:       anthropic.Model(model),
		endpoint:    "https://api.anthropic.com",
		temperature: float32(cfg.Temperature),
		maxTokens:   maxTokens,
		logger:      logger.Named("llm.anthropic"),
	}, nil
}

func (c *AnthropicClient) generate(ctx context.Context, systemMessage, userMessage string) (string, int, int, error) {
	text := userMessage
	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     c.model,
		System:    systemMessage,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{
				{Type: "text", Text: &text},
			}},
		},
		Temperature: &c.temperature,
	})
	if err != nil {
		c.logger.Error("anthropic request failed", zap.Error(err))
		return "", 0, 0, c.parseError(err)
	}

	if len(resp.Content) == 0 || resp.Content[0].Text == nil {
		return "", 0, 0, NewError(ErrorTypeUnknown, "no content in anthropic response", false, nil)
	}

	return *resp.Content[0].Text, resp.Usage.InputTokens, resp.Usage.OutputTokens, nil
}

// AnalyzeFile implements AnalysisClient.
func (c *AnthropicClient) AnalyzeFile(ctx context.Context, path, language, content string) (*FileAnalysisResult, error) {
	userMessage := buildFileAnalysisPrompt(path, language, content)

	raw, promptTokens, completionTokens, err := c.generate(ctx, fileAnalysisSystemPrompt, userMessage)
	if err != nil {
		return nil, err
	}

	result, err := ParseJSONResponse[FileAnalysisResult](raw)
	if err != nil {
		return nil, NewError(ErrorTypeUnknown, "malformed file analysis response", false, err)
	}
	result.PromptTokens = promptTokens
	result.CompletionTokens = completionTokens
	return &result, nil
}

// AnalyzeDirectory implements AnalysisClient.
func (c *AnthropicClient) AnalyzeDirectory(ctx context.Context, directory string, fileFindings []FileAnalysisResult) (*DirectoryAnalysisResult, error) {
	userMessage := buildDirectoryAnalysisPrompt(directory, fileFindings)

	raw, promptTokens, completionTokens, err := c.generate(ctx, directoryAnalysisSystemPrompt, userMessage)
	if err != nil {
		return nil, err
	}

	result, err := ParseJSONResponse[DirectoryAnalysisResult](raw)
	if err != nil {
		return nil, NewError(ErrorTypeUnknown, "malformed directory analysis response", false, err)
	}
	result.PromptTokens = promptTokens
	result.CompletionTokens = completionTokens
	return &result, nil
}

// AnalyzePOI implements AnalysisClient.
func (c *AnthropicClient) AnalyzePOI(ctx context.Context, source POIHint, candidates []POIHint) (*POIAnalysisResult, error) {
	userMessage := buildPOIAnalysisPrompt(source, candidates)

	raw, promptTokens, completionTokens, err := c.generate(ctx, poiAnalysisSystemPrompt, userMessage)
	if err != nil {
		return nil, err
	}

	result, err := ParseJSONResponse[POIAnalysisResult](raw)
	if err != nil {
		return nil, NewError(ErrorTypeUnknown, "malformed POI analysis response", false, err)
	}
	result.PromptTokens = promptTokens
	result.CompletionTokens = completionTokens
	return &result, nil
}

// Model implements AnalysisClient.
func (c *AnthropicClient) Model() string {
	return string(c.model)
}

// Endpoint implements AnalysisClient.
func (c *AnthropicClient) Endpoint() string {
	return c.endpoint
}

func (c *AnthropicClient) parseError(err error) error {
	llmErr := ClassifyError(err)
	llmErr.Model = string(c.model)
	llmErr.Endpoint = c.endpoint
	return llmErr
}
