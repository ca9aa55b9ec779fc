package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dotsetgreg/fishagent/pkg/config"
	"github.com/dotsetgreg/fishagent/pkg/logger"
	"github.com/sashabaranov/go-openai"
)

const (
	imagePrompt = "请用中文简要描述这张图片的内容，重点说明图中的商品、文字以及与交易相关的细节(如瑕疵、配件、价格截图)，不超过100字。"

	maxImageBytes = 10 << 20
)

// VisionDescriber turns an image url into a short description using a
// vision-capable chat completion model.
type VisionDescriber struct {
	client      chatClient
	httpClient  *http.Client
	model       string
	prompt      string
	temperature float32
	maxTokens   int
}

func NewVisionDescriber(cfg config.ModelConfig) (*VisionDescriber, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vision provider: %w", err)
	}
	return newVisionDescriber(client, cfg), nil
}

func newVisionDescriber(client chatClient, cfg config.ModelConfig) *VisionDescriber {
	return &VisionDescriber{
		client:      client,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		model:       cfg.Model,
		prompt:      imagePrompt,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
	}
}

// Describe returns a description of the image at imageURL. The url is
// first passed to the model as-is; when that fails the image is downloaded
// and sent inline as a data url.
func (v *VisionDescriber) Describe(ctx context.Context, imageURL string) (string, error) {
	imageURL = NormalizeImageURL(imageURL)
	if imageURL == "" {
		return "", fmt.Errorf("empty image url")
	}

	desc, directErr := v.describe(ctx, imageURL)
	if directErr == nil {
		return desc, nil
	}
	logger.WarnCF("providers", "Direct image url failed, retrying inline", map[string]any{
		"error": directErr.Error(),
		"url":   imageURL,
	})

	dataURL, err := v.download(ctx, imageURL)
	if err != nil {
		return "", fmt.Errorf("describe image: direct: %v; download: %w", directErr, err)
	}
	desc, err = v.describe(ctx, dataURL)
	if err != nil {
		return "", fmt.Errorf("describe image inline: %w", err)
	}
	return desc, nil
}

func (v *VisionDescriber) describe(ctx context.Context, url string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: v.model,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: v.prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL:    url,
					Detail: openai.ImageURLDetailHigh,
				}},
			},
		}},
		Temperature: v.temperature,
		MaxTokens:   v.maxTokens,
	}
	return complete(ctx, v.client, req)
}

func (v *VisionDescriber) download(ctx context.Context, imageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("create image request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "image/webp,image/apng,image/*,*/*;q=0.8")
	req.Header.Set("Referer", "https://www.goofish.com/")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if len(body) == 0 {
		return "", fmt.Errorf("download image: empty body")
	}
	if len(body) > maxImageBytes {
		return "", fmt.Errorf("download image: larger than %d bytes", maxImageBytes)
	}

	mime := http.DetectContentType(body)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/png"
	}
	logger.DebugCF("providers", "Image downloaded", map[string]any{"bytes": len(body), "mime": mime})
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(body), nil
}

// NormalizeImageURL rewrites imgur album links to their direct image.
func NormalizeImageURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "imgur.com") {
		return raw
	}
	_, after, ok := strings.Cut(raw, "/a/")
	if !ok {
		return raw
	}
	id, _, _ := strings.Cut(after, "/")
	if id == "" {
		return raw
	}
	return "https://i.imgur.com/" + id + ".jpg"
}
