package illustrate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const pollinationsURL = "https://image.pollinations.ai/prompt/"

// PollinationsClient builds image URLs for the Pollinations generator. The
// image is rendered when the URL is first fetched; WarmUp fetches it eagerly.
type PollinationsClient struct {
	baseURL    string
	width      int
	height     int
	model      string
	seed       int
	warmUp     bool
	httpClient *http.Client
}

// PollinationsConfig holds configuration for the Pollinations client.
type PollinationsConfig struct {
	BaseURL string
	Width   int    // defaults to 1024
	Height  int    // defaults to 768
	Model   string // e.g. "flux"
	Seed    int    // 0 lets the service pick
	WarmUp  bool
}

func NewPollinationsClient(cfg PollinationsConfig) *PollinationsClient {
	base := cfg.BaseURL
	if base == "" {
		base = pollinationsURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	width, height := cfg.Width, cfg.Height
	if width <= 0 {
		width = 1024
	}
	if height <= 0 {
		height = 768
	}
	return &PollinationsClient{
		baseURL:    base,
		width:      width,
		height:     height,
		model:      cfg.Model,
		seed:       cfg.Seed,
		warmUp:     cfg.WarmUp,
		httpClient: &http.Client{},
	}
}

// URL returns the image URL for prompt without contacting the service.
func (c *PollinationsClient) URL(prompt string) string {
	q := url.Values{}
	q.Set("width", strconv.Itoa(c.width))
	q.Set("height", strconv.Itoa(c.height))
	q.Set("nologo", "true")
	if c.model != "" {
		q.Set("model", c.model)
	}
	if c.seed != 0 {
		q.Set("seed", strconv.Itoa(c.seed))
	}
	return c.baseURL + url.PathEscape(prompt) + "?" + q.Encode()
}

func (c *PollinationsClient) Generate(ctx context.Context, prompt string) (string, error) {
	ref := c.URL(prompt)
	if !c.warmUp {
		return ref, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pollinations error: %s", resp.Status)
	}
	return ref, nil
}
