package illustrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const openaiBaseURL = "https://api.openai.com/v1"

// OpenAIClient generates images with the OpenAI Images API and rewrites
// narration into scene prompts with chat completions.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	imageModel  string
	size        string
	promptModel string
	httpClient  *http.Client
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	ImageModel  string // e.g. "dall-e-3"
	Size        string // e.g. "1024x1024"
	PromptModel string // e.g. "gpt-4o-mini"
}

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = openaiBaseURL
	}
	imageModel := cfg.ImageModel
	if imageModel == "" {
		imageModel = "dall-e-3"
	}
	size := cfg.Size
	if size == "" {
		size = "1024x1024"
	}
	promptModel := cfg.PromptModel
	if promptModel == "" {
		promptModel = "gpt-4o-mini"
	}
	return &OpenAIClient{
		apiKey:      cfg.APIKey,
		baseURL:     base,
		imageModel:  imageModel,
		size:        size,
		promptModel: promptModel,
		httpClient:  &http.Client{},
	}
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// Generate requests one image and returns its URL. Models that only return
// base64 payloads are turned into a data URL.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	var out imageResponse
	err := c.post(ctx, "/images/generations", imageRequest{
		Model:  c.imageModel,
		Prompt: prompt,
		N:      1,
		Size:   c.size,
	}, &out)
	if err != nil {
		return "", err
	}
	if len(out.Data) == 0 {
		return "", fmt.Errorf("no images in response")
	}
	if out.Data[0].URL != "" {
		return out.Data[0].URL, nil
	}
	if out.Data[0].B64JSON != "" {
		return "data:image/png;base64," + out.Data[0].B64JSON, nil
	}
	return "", fmt.Errorf("image response has neither url nor b64_json")
}

const scenePromptInstruction = "Rewrite the following story narration as one short visual description of a single scene " +
	"for an illustrator. Describe characters, setting and mood. No dialogue, no quotes, at most 40 words."

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ScenePrompt implements PromptWriter.
func (c *OpenAIClient) ScenePrompt(ctx context.Context, narrative string) (string, error) {
	var out chatResponse
	err := c.post(ctx, "/chat/completions", chatRequest{
		Model: c.promptModel,
		Messages: []chatMessage{
			{Role: "system", Content: scenePromptInstruction},
			{Role: "user", Content: narrative},
		},
		Temperature: 0.4,
		MaxTokens:   120,
	}, &out)
	if err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("OpenAI API error: %s - %s", resp.Status, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
