package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// VisionConfig configures the image captioning client.
type VisionConfig struct {
	BaseURL       string        `json:"base_url"`
	APIKey        string        `json:"api_key,omitempty"`
	Model         string        `json:"model"`
	MaxConcurrent int           `json:"max_concurrent"`
	Timeout       time.Duration `json:"timeout"`
}

// DefaultVisionConfig returns default configuration.
func DefaultVisionConfig() VisionConfig {
	return VisionConfig{
		BaseURL:       "http://localhost:8003/v1",
		Model:         "qwen2.5-vl-7b-instruct",
		MaxConcurrent: 4,
		Timeout:       60 * time.Second,
	}
}

// DescribeRequest asks for a caption of one image, given by URL or by
// base64 payload with its MIME type.
type DescribeRequest struct {
	ImageURL    string `json:"image_url,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
}

// VisionClient calls an OpenAI-compatible multimodal chat endpoint.
type VisionClient struct {
	apiClient
}

// NewVisionClient creates a vision client.
func NewVisionClient(config VisionConfig, usage UsageRecorder, logger *logrus.Logger) *VisionClient {
	return &VisionClient{
		apiClient: newAPIClient("vision", config.BaseURL, config.APIKey, config.Model,
			config.Timeout, config.MaxConcurrent, usage, logger),
	}
}

type visionContentPart struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	ImageURL *visionImagePart `json:"image_url,omitempty"`
}

type visionImagePart struct {
	URL string `json:"url"`
}

type visionMessage struct {
	Role    string              `json:"role"`
	Content []visionContentPart `json:"content"`
}

type visionChatRequest struct {
	Model     string          `json:"model"`
	Messages  []visionMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

// Describe captions an image.
func (c *VisionClient) Describe(ctx context.Context, req DescribeRequest) (string, error) {
	url := req.ImageURL
	if url == "" && req.ImageBase64 != "" {
		mime := req.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		url = fmt.Sprintf("data:%s;base64,%s", mime, req.ImageBase64)
	}
	if url == "" {
		return "", apperr.InvalidInput("describe request has no image")
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = "Describe this image concisely, including any visible text."
	}

	apiReq := visionChatRequest{
		Model: c.model,
		Messages: []visionMessage{{
			Role: models.RoleUser,
			Content: []visionContentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &visionImagePart{URL: url}},
			},
		}},
		MaxTokens: 512,
	}

	var caption string
	usage := models.TokenUsage{}
	err := c.call(ctx, "describe", &usage, func() error {
		var resp chatResponse
		if err := c.postJSON(ctx, "/chat/completions", apiReq, &resp); err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return apperr.Permanent("vision response has no choices", nil)
		}
		caption = resp.Choices[0].Message.Content
		usage.Add(resp.Usage.toModel())
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.WithFields(logrus.Fields{"model": c.model}).Debug("image described")
	return caption, nil
}
