package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr     string        `yaml:"http_addr"`
	DatabaseURL  string        `yaml:"database_url"`
	SentryDSN    string        `yaml:"sentry_dsn"`
	Environment  string        `yaml:"environment"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// JWT story tokens
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`

	// Speech recognition (Deepgram)
	DeepgramAPIKey       string `yaml:"deepgram_api_key"`
	DeepgramModel        string `yaml:"deepgram_model"`
	DeepgramLanguage     string `yaml:"deepgram_language"`
	STTEndpointingMs     int    `yaml:"stt_endpointing_ms"`
	STTUtteranceEndMs    int    `yaml:"stt_utterance_end_ms"`
	STTDefaultEncoding   string `yaml:"stt_default_encoding"`
	STTDefaultSampleRate int    `yaml:"stt_default_sample_rate"`

	// Illustration: "pollinations" or "openai"
	IllustrationProvider string `yaml:"illustration_provider"`
	IllustrationStyle    string `yaml:"illustration_style"`
	PollinationsBaseURL  string `yaml:"pollinations_base_url"`
	PollinationsModel    string `yaml:"pollinations_model"`
	PollinationsWidth    int    `yaml:"pollinations_width"`
	PollinationsHeight   int    `yaml:"pollinations_height"`
	PollinationsWarmUp   bool   `yaml:"pollinations_warm_up"`
	OpenAIAPIKey         string `yaml:"openai_api_key"`
	OpenAIBaseURL        string `yaml:"openai_base_url"`
	OpenAIImageModel     string `yaml:"openai_image_model"`
	OpenAIPromptModel    string `yaml:"openai_prompt_model"` // empty disables prompt rewriting

	// Narration tuning
	WordThreshold  int           `yaml:"word_threshold"`
	PauseDelay     time.Duration `yaml:"pause_delay"`
	MinPauseGrowth int           `yaml:"min_pause_growth"`
	RestartDelay   time.Duration `yaml:"restart_delay"`
	EditDebounce   time.Duration `yaml:"edit_debounce"`
	SaveInterval   time.Duration `yaml:"save_interval"`

	// Image relay
	ImageProxyHosts    []string `yaml:"image_proxy_hosts"` // empty means the generator's hosts
	ImageProxyMaxBytes int64    `yaml:"image_proxy_max_bytes"`

	// Video export
	FFmpegPath          string        `yaml:"ffmpeg_path"`
	VideoFontFile       string        `yaml:"video_font_file"`
	VideoWordsPerSecond float64       `yaml:"video_words_per_second"` // caption reading speed
	ExportDir           string        `yaml:"export_dir"`
	ExportInterval      time.Duration `yaml:"export_interval"`

	// APNs push notifications
	APNsKeyPath    string `yaml:"apns_key_path"`
	APNsKeyID      string `yaml:"apns_key_id"`
	APNsTeamID     string `yaml:"apns_team_id"`
	APNsBundleID   string `yaml:"apns_bundle_id"`
	APNsProduction bool   `yaml:"apns_production"`

	// Operator alerts
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:  getenv("DATABASE_URL", ""),
		SentryDSN:    getenv("SENTRY_DSN", ""),
		Environment:  getenv("ENVIRONMENT", "development"),
		DrainTimeout: getenvDuration("DRAIN_TIMEOUT", 30*time.Second),

		JWTSecret: os.Getenv("JWT_SECRET"), // Required - no fallback for security
		JWTExpiry: getenvDuration("JWT_EXPIRY", 30*24*time.Hour),

		DeepgramAPIKey:       getenv("DEEPGRAM_API_KEY", ""),
		DeepgramModel:        getenv("DEEPGRAM_MODEL", "nova-3"),
		DeepgramLanguage:     getenv("DEEPGRAM_LANGUAGE", "en-US"),
		STTEndpointingMs:     getenvIntClamped("STT_ENDPOINTING_MS", 300, 10, 5000),
		STTUtteranceEndMs:    getenvIntClamped("STT_UTTERANCE_END_MS", 1000, 1000, 5000),
		STTDefaultEncoding:   getenv("STT_DEFAULT_ENCODING", ""),
		STTDefaultSampleRate: getenvIntClamped("STT_DEFAULT_SAMPLE_RATE", 16000, 8000, 48000),

		IllustrationProvider: strings.ToLower(getenv("ILLUSTRATION_PROVIDER", "pollinations")),
		IllustrationStyle:    getenv("ILLUSTRATION_STYLE", ""),
		PollinationsBaseURL:  getenv("POLLINATIONS_BASE_URL", ""),
		PollinationsModel:    getenv("POLLINATIONS_MODEL", "flux"),
		PollinationsWidth:    getenvIntClamped("POLLINATIONS_WIDTH", 1024, 256, 2048),
		PollinationsHeight:   getenvIntClamped("POLLINATIONS_HEIGHT", 768, 256, 2048),
		PollinationsWarmUp:   getenvBool("POLLINATIONS_WARM_UP", true),
		OpenAIAPIKey:         getenv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:        getenv("OPENAI_BASE_URL", ""),
		OpenAIImageModel:     getenv("OPENAI_IMAGE_MODEL", "dall-e-3"),
		OpenAIPromptModel:    getenv("OPENAI_PROMPT_MODEL", ""),

		WordThreshold:  getenvIntClamped("SEGMENT_WORD_THRESHOLD", 25, 1, 500),
		PauseDelay:     getenvDuration("SEGMENT_PAUSE_DELAY", 3*time.Second),
		MinPauseGrowth: getenvIntClamped("SEGMENT_MIN_PAUSE_GROWTH", 10, 0, 1000),
		RestartDelay:   getenvDuration("STT_RESTART_DELAY", 300*time.Millisecond),
		EditDebounce:   getenvDuration("STT_EDIT_DEBOUNCE", 800*time.Millisecond),
		SaveInterval:   getenvDuration("PROGRESS_SAVE_INTERVAL", 2*time.Second),

		ImageProxyHosts:    parseList(os.Getenv("IMAGE_PROXY_HOSTS")),
		ImageProxyMaxBytes: int64(getenvIntClamped("IMAGE_PROXY_MAX_BYTES", 10<<20, 1<<10, 50<<20)),

		FFmpegPath:          getenv("FFMPEG_PATH", "ffmpeg"),
		VideoFontFile:       getenv("VIDEO_FONT_FILE", ""),
		VideoWordsPerSecond: getenvFloatClamped("VIDEO_WORDS_PER_SECOND", 2.5, 0.5, 10),
		ExportDir:           getenv("EXPORT_DIR", "./exports"),
		ExportInterval:      getenvDuration("EXPORT_INTERVAL", 10*time.Second),

		APNsKeyPath:    getenv("APNS_KEY_PATH", ""),
		APNsKeyID:      getenv("APNS_KEY_ID", ""),
		APNsTeamID:     getenv("APNS_TEAM_ID", ""),
		APNsBundleID:   getenv("APNS_BUNDLE_ID", ""),
		APNsProduction: getenvBool("APNS_PRODUCTION", false),

		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),
	}
}

// LoadConfigFile overlays the YAML file at path onto cfg. Keys missing from
// the file keep their current values, and ${VAR} references are expanded.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	cfg.IllustrationProvider = strings.ToLower(cfg.IllustrationProvider)
	return nil
}

// Validate reports settings the server cannot start without.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.IllustrationProvider {
	case "pollinations":
	case "openai":
		if c.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY is required for the openai illustration provider")
		}
	default:
		return fmt.Errorf("unknown illustration provider %q", c.IllustrationProvider)
	}
	return nil
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntClamped(k string, def, min, max int) int {
	v, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(k), 64)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvDuration(k string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(k))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getenvBool(k string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(k))
	if err != nil {
		return def
	}
	return v
}
