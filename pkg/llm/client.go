// Package llm provides OpenAI-compatible LLM client functionality.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Client is an AnalysisClient backed by an OpenAI-compatible chat completion
// endpoint (OpenAI itself, or a self-hosted vLLM/Nemotron/Qwen server that
// speaks the same wire protocol).
type Client struct {
	client      *openai.Client
	endpoint    string
	model       string
	projectID   string
	temperature float64
	thinking    bool
	logger      *zap.Logger
}

// Config holds configuration for creating an LLM client.
type Config struct {
	Endpoint    string // Base URL, e.g., "https://api.openai.com/v1"
	Model       string // Model name, e.g., "gpt-4o"
	APIKey      string // Optional for local endpoints
	ProjectID   string // For logging context
	Temperature float64
	Thinking    bool // enable_thinking, for vLLM/Nemotron/Qwen reasoning mode
}

var _ AnalysisClient = (*Client)(nil)

// NewClient creates a new OpenAI-compatible LLM client.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/")

	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.1
	}

	return &Client{
		client:      openai.NewClientWithConfig(clientConfig),
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		projectID:   cfg.ProjectID,
		temperature: temperature,
		thinking:    cfg.Thinking,
		logger:      logger.Named("llm"),
	}, nil
}

// generate runs one chat completion call with the given system/user messages,
// using chat_template_kwargs for vLLM/Nemotron/Qwen models that support
// thinking-mode control, and returns the raw content plus token usage.
func (c *Client) generate(ctx context.Context, systemMessage, userMessage string) (string, int, int, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemMessage},
		{Role: openai.ChatMessageRoleUser, Content: userMessage},
	}

	c.logger.Debug("LLM request",
		zap.String("model", c.model),
		zap.Int("prompt_len", len(userMessage)),
		zap.Float64("temperature", c.temperature),
		zap.Bool("thinking", c.thinking))

	start := time.Now()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: float32(c.temperature),
		// Control thinking/reasoning mode via chat_template_kwargs.
		// Works with vLLM, Nemotron, Qwen3 and other models that support it.
		ChatTemplateKwargs: map[string]any{
			"enable_thinking": c.thinking,
		},
	})
	if err != nil {
		c.logger.Error("LLM request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", 0, 0, c.parseError(err)
	}

	if len(resp.Choices) == 0 {
		return "", 0, 0, NewError(ErrorTypeUnknown, "no choices in response", false, nil)
	}

	content := resp.Choices[0].Message.Content

	c.logger.Info("LLM request completed",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)))

	return content, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil
}

// AnalyzeFile implements AnalysisClient.
func (c *Client) AnalyzeFile(ctx context.Context, path, language, content string) (*FileAnalysisResult, error) {
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
func (c *Client) AnalyzeDirectory(ctx context.Context, directory string, fileFindings []FileAnalysisResult) (*DirectoryAnalysisResult, error) {
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
func (c *Client) AnalyzePOI(ctx context.Context, source POIHint, candidates []POIHint) (*POIAnalysisResult, error) {
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
func (c *Client) Model() string {
	return c.model
}

// Endpoint implements AnalysisClient.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// parseError categorizes OpenAI API errors using the structured Error type.
func (c *Client) parseError(err error) error {
	llmErr := ClassifyError(err)
	llmErr.Model = c.model
	llmErr.Endpoint = c.endpoint
	return llmErr
}
