// Package video compiles a story's scenes into an mp4 with burned-in captions
// by driving the ffmpeg binary.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

var ErrNoFrames = errors.New("video: no frames to compile")

// Frame is one scene: an encoded image and the caption burned under it.
type Frame struct {
	Image   []byte
	Caption string
}

// Config holds encoder settings. Zero values take the defaults.
type Config struct {
	FFmpegPath     string
	TmpDir         string
	Width          int
	Height         int
	FPS            int
	FontFile       string // optional TTF for drawtext
	FontSize       int
	CaptionColumns int     // wrap captions at this many characters
	WordsPerSecond float64 // reading speed used to size each frame's duration
	MinSeconds     float64
	MaxSeconds     float64
}

// Runner executes one ffmpeg invocation.
type Runner func(ctx context.Context, name string, args ...string) error

// Compiler turns frames into a single video stream.
type Compiler struct {
	cfg    Config
	logger *log.Logger
	run    Runner
}

func NewCompiler(cfg Config, logger *log.Logger) *Compiler {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 720
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 25
	}
	if cfg.FontSize <= 0 {
		cfg.FontSize = 36
	}
	if cfg.CaptionColumns <= 0 {
		cfg.CaptionColumns = 48
	}
	if cfg.WordsPerSecond <= 0 {
		cfg.WordsPerSecond = 2.5
	}
	if cfg.MinSeconds <= 0 {
		cfg.MinSeconds = 3
	}
	if cfg.MaxSeconds <= 0 {
		cfg.MaxSeconds = max(15, cfg.MinSeconds)
	}
	if cfg.MaxSeconds < cfg.MinSeconds {
		cfg.MaxSeconds = cfg.MinSeconds
	}
	return &Compiler{cfg: cfg, logger: logger, run: runFFmpeg}
}

// WithRunner replaces the ffmpeg executor.
func (c *Compiler) WithRunner(run Runner) *Compiler {
	c.run = run
	return c
}

func runFFmpeg(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}
	return nil
}

// Compile renders frames in order and returns the mp4 bytes. Image bytes are
// handed to ffmpeg as-is.
func (c *Compiler) Compile(ctx context.Context, frames []Frame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}

	dir, err := os.MkdirTemp(c.cfg.TmpDir, "storyreel-video-")
	if err != nil {
		return nil, fmt.Errorf("video: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	var list strings.Builder
	for i, f := range frames {
		clip, err := c.renderClip(ctx, dir, i, f)
		if err != nil {
			return nil, fmt.Errorf("video: frame %d: %w", i+1, err)
		}
		fmt.Fprintf(&list, "file '%s'\n", filepath.Base(clip))
	}

	listPath := filepath.Join(dir, "clips.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o600); err != nil {
		return nil, fmt.Errorf("video: write concat list: %w", err)
	}

	out := filepath.Join(dir, "story.mp4")
	if err := c.run(ctx, c.cfg.FFmpegPath, concatArgs(listPath, out)...); err != nil {
		return nil, fmt.Errorf("video: concat: %w", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("video: read output: %w", err)
	}
	c.logger.Printf("video: compiled %d frames, %d bytes", len(frames), len(data))
	return data, nil
}

func (c *Compiler) renderClip(ctx context.Context, dir string, i int, f Frame) (string, error) {
	img := filepath.Join(dir, fmt.Sprintf("frame%03d%s", i, imageExt(f.Image)))
	if err := os.WriteFile(img, f.Image, 0o600); err != nil {
		return "", err
	}
	caption := filepath.Join(dir, fmt.Sprintf("caption%03d.txt", i))
	if err := os.WriteFile(caption, []byte(WrapCaption(f.Caption, c.cfg.CaptionColumns)), 0o600); err != nil {
		return "", err
	}
	clip := filepath.Join(dir, fmt.Sprintf("clip%03d.mp4", i))
	if err := c.run(ctx, c.cfg.FFmpegPath, c.clipArgs(img, caption, clip, c.FrameDuration(f.Caption))...); err != nil {
		return "", err
	}
	return clip, nil
}

func (c *Compiler) clipArgs(img, caption, out string, seconds float64) []string {
	w, h := c.cfg.Width, c.cfg.Height
	draw := fmt.Sprintf(
		"drawtext=textfile=%s:fontsize=%d:fontcolor=white:box=1:boxcolor=black@0.55:boxborderw=14:line_spacing=6:x=(w-text_w)/2:y=h-text_h-40",
		escapeFilterValue(caption), c.cfg.FontSize)
	if c.cfg.FontFile != "" {
		draw += ":fontfile=" + escapeFilterValue(c.cfg.FontFile)
	}
	filter := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,%s,format=yuv420p",
		w, h, w, h, draw)

	return []string{
		"-y", "-loglevel", "error",
		"-loop", "1", "-i", img,
		"-t", strconv.FormatFloat(seconds, 'f', 2, 64),
		"-r", strconv.Itoa(c.cfg.FPS),
		"-vf", filter,
		"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
		out,
	}
}

func concatArgs(list, out string) []string {
	return []string{
		"-y", "-loglevel", "error",
		"-f", "concat", "-safe", "0", "-i", list,
		"-c", "copy", "-movflags", "+faststart",
		out,
	}
}

// FrameDuration gives a caption enough time to be read aloud.
func (c *Compiler) FrameDuration(caption string) float64 {
	secs := float64(len(strings.Fields(caption))) / c.cfg.WordsPerSecond
	secs = math.Max(secs, c.cfg.MinSeconds)
	return math.Min(secs, c.cfg.MaxSeconds)
}

// WrapCaption breaks text into lines of at most columns characters. Words
// longer than a line are kept whole.
func WrapCaption(text string, columns int) string {
	var lines []string
	var line strings.Builder
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && len([]rune(line.String()))+1+len([]rune(word)) > columns {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

var (
	optionEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`)
	graphEscaper  = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `[`, `\[`, `]`, `\]`, `,`, `\,`, `;`, `\;`)
)

// escapeFilterValue escapes s as an unquoted option value inside a -vf
// filtergraph: once for the filter's option parser, then for the graph parser.
func escapeFilterValue(s string) string {
	return graphEscaper.Replace(optionEscaper.Replace(s))
}

func imageExt(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
