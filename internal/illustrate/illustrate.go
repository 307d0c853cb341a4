// Package illustrate turns a span of narration into an illustration reference
// by asking a remote image generator.
package illustrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MinInputLength is the shortest sanitized narration worth illustrating.
const MinInputLength = 5

// ErrInputTooShort is returned before any request is made.
var ErrInputTooShort = errors.New("illustrate: input too short")

// DefaultStyle is prepended to every image prompt.
const DefaultStyle = "children's storybook illustration, soft watercolor, warm light: "

// Result is one illustrated narration span.
type Result struct {
	Ref       string // URL of the generated image
	Narrative string // narration as spoken, trimmed
	Prompt    string // prompt sent to the generator
}

// Generator produces an image for a prompt and returns its URL.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// PromptWriter rewrites narration into a visual scene description.
type PromptWriter interface {
	ScenePrompt(ctx context.Context, narrative string) (string, error)
}

// Requester is the illustration entry point used by the segmentation controller.
type Requester struct {
	generator Generator
	writer    PromptWriter
	style     string
	logger    *log.Logger
}

// Config holds Requester options.
type Config struct {
	Style  string       // prompt prefix, DefaultStyle when empty
	Writer PromptWriter // optional prompt rewriting step
}

func NewRequester(generator Generator, cfg Config, logger *log.Logger) *Requester {
	style := cfg.Style
	if style == "" {
		style = DefaultStyle
	}
	return &Requester{
		generator: generator,
		writer:    cfg.Writer,
		style:     style,
		logger:    logger,
	}
}

// Illustrate sanitizes text and requests an illustration for it.
func (r *Requester) Illustrate(ctx context.Context, text string) (Result, error) {
	narrative := strings.TrimSpace(text)
	clean := Sanitize(narrative)
	if utf8.RuneCountInString(clean) < MinInputLength {
		return Result{}, ErrInputTooShort
	}

	scene := clean
	if r.writer != nil {
		rewritten, err := r.writer.ScenePrompt(ctx, clean)
		if err != nil {
			r.logger.Printf("illustrate: prompt rewrite failed, using narration: %v", err)
		} else if s := Sanitize(rewritten); s != "" {
			scene = s
		}
	}

	prompt := r.style + scene
	ref, err := r.generator.Generate(ctx, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("illustrate: generate: %w", err)
	}
	return Result{Ref: ref, Narrative: narrative, Prompt: prompt}, nil
}

// Sanitize keeps letters, digits, spaces and basic punctuation, collapsing
// runs of whitespace into one space.
func Sanitize(text string) string {
	var b strings.Builder
	space := false
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(".,!?'-", r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}
