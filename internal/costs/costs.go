// Package costs estimates what a narration session spent on paid APIs.
package costs

import (
	"os"
	"strconv"
	"time"
)

// Pricing constants in cents, overridable via environment variables.
var (
	// DeepgramCentsPerMinute is Nova-3 streaming recognition.
	// Default: $0.0077/min = 0.77 cents/min
	DeepgramCentsPerMinute = getEnvFloat("COST_DEEPGRAM_CENTS_PER_MIN", 0.77)

	// OpenAIImageCents is one dall-e-3 1024x1024 standard image ($0.04).
	OpenAIImageCents = getEnvFloat("COST_OPENAI_IMAGE_CENTS", 4.0)

	// PollinationsImageCents is zero on the free tier.
	PollinationsImageCents = getEnvFloat("COST_POLLINATIONS_IMAGE_CENTS", 0)

	// PromptRewriteCents is one gpt-4o-mini scene rewrite, roughly 250 input
	// and 60 output tokens.
	PromptRewriteCents = getEnvFloat("COST_PROMPT_REWRITE_CENTS", 0.01)
)

// Pricing is what one session's usage costs, fixed at startup from the
// configured providers.
type Pricing struct {
	RecognitionCentsPerMinute float64
	ImageCents                float64
	PromptRewriteCents        float64 // zero when prompts are not rewritten
}

// PricingFor returns the rates for an illustration provider.
func PricingFor(provider string, rewrite bool) Pricing {
	p := Pricing{RecognitionCentsPerMinute: DeepgramCentsPerMinute}
	switch provider {
	case "openai":
		p.ImageCents = OpenAIImageCents
	default:
		p.ImageCents = PollinationsImageCents
	}
	if rewrite {
		p.PromptRewriteCents = PromptRewriteCents
	}
	return p
}

// SessionUsage is the raw usage of one narration session.
type SessionUsage struct {
	Listening time.Duration // time a recognition stream was open or reopening
	Images    int           // illustrations that became scenes
}

// SessionCosts are rounded to whole cents.
type SessionCosts struct {
	RecognitionCents  int
	IllustrationCents int
	TotalCents        int
}

func (p Pricing) Session(u SessionUsage) SessionCosts {
	recognition := u.Listening.Minutes() * p.RecognitionCentsPerMinute
	illustration := float64(u.Images) * (p.ImageCents + p.PromptRewriteCents)

	c := SessionCosts{
		RecognitionCents:  roundToInt(recognition),
		IllustrationCents: roundToInt(illustration),
	}
	c.TotalCents = c.RecognitionCents + c.IllustrationCents
	return c
}

func roundToInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
