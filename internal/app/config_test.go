package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		defValue string
		want     string
	}{
		{"env set", "custom_value", "default", "custom_value"},
		{"env not set", "", "default", "default"},
		{"empty default", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STORYREEL_TEST_ENV", tt.envValue)
			if got := getenv("STORYREEL_TEST_ENV", tt.defValue); got != tt.want {
				t.Errorf("getenv(%q) = %q, want %q", tt.defValue, got, tt.want)
			}
		})
	}
}

func TestGetenvIntClamped(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      int
		min      int
		max      int
		want     int
	}{
		{"value within range", "40", 25, 1, 500, 40},
		{"value below min - clamp to min", "-3", 25, 1, 500, 1},
		{"value above max - clamp to max", "9000", 25, 1, 500, 500},
		{"env not set - use default", "", 25, 1, 500, 25},
		{"invalid value - use default", "twenty", 25, 1, 500, 25},
		{"boundary: exactly min", "8000", 16000, 8000, 48000, 8000},
		{"boundary: exactly max", "48000", 16000, 8000, 48000, 48000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STORYREEL_TEST_INT", tt.envValue)
			got := getenvIntClamped("STORYREEL_TEST_INT", tt.def, tt.min, tt.max)
			if got != tt.want {
				t.Errorf("getenvIntClamped(%q, %d, %d, %d) = %d, want %d",
					tt.envValue, tt.def, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

func TestGetenvFloatClamped(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     float64
	}{
		{"value within range", "3.5", 3.5},
		{"value below min - clamp to min", "0.1", 0.5},
		{"value above max - clamp to max", "42", 10},
		{"env not set - use default", "", 2.5},
		{"invalid value - use default", "fast", 2.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STORYREEL_TEST_FLOAT", tt.envValue)
			got := getenvFloatClamped("STORYREEL_TEST_FLOAT", 2.5, 0.5, 10)
			if got != tt.want {
				t.Errorf("getenvFloatClamped(%q) = %f, want %f", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestGetenvDuration(t *testing.T) {
	tests := []struct {
		envValue string
		want     time.Duration
	}{
		{"1500ms", 1500 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{"", 3 * time.Second},
		{"soon", 3 * time.Second},
		{"-1s", 3 * time.Second},
		{"0s", 3 * time.Second},
	}

	for _, tt := range tests {
		t.Setenv("STORYREEL_TEST_DURATION", tt.envValue)
		if got := getenvDuration("STORYREEL_TEST_DURATION", 3*time.Second); got != tt.want {
			t.Errorf("getenvDuration(%q) = %v, want %v", tt.envValue, got, tt.want)
		}
	}
}

func TestGetenvBool(t *testing.T) {
	tests := []struct {
		envValue string
		def      bool
		want     bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"false", true, false},
		{"", true, true},
		{"maybe", false, false},
	}

	for _, tt := range tests {
		t.Setenv("STORYREEL_TEST_BOOL", tt.envValue)
		if got := getenvBool("STORYREEL_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("getenvBool(%q, %v) = %v, want %v", tt.envValue, tt.def, got, tt.want)
		}
	}
}

func TestParseList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"single host", "image.pollinations.ai", []string{"image.pollinations.ai"}},
		{"multiple hosts", "image.pollinations.ai,oaidalleapiprodscus.blob.core.windows.net",
			[]string{"image.pollinations.ai", "oaidalleapiprodscus.blob.core.windows.net"}},
		{"extra whitespace", "  a.example  ,  b.example  ", []string{"a.example", "b.example"}},
		{"empty string", "", nil},
		{"trailing comma", "a.example,", []string{"a.example"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseList(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("parseList(%q) = %q, want %q", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("parseList(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
				}
			}
		})
	}
}

var configKeys = []string{
	"HTTP_ADDR", "DATABASE_URL", "JWT_SECRET", "JWT_EXPIRY", "DRAIN_TIMEOUT",
	"DEEPGRAM_MODEL", "STT_ENDPOINTING_MS", "STT_DEFAULT_SAMPLE_RATE",
	"ILLUSTRATION_PROVIDER", "SEGMENT_WORD_THRESHOLD", "SEGMENT_PAUSE_DELAY",
	"SEGMENT_MIN_PAUSE_GROWTH", "STT_RESTART_DELAY", "STT_EDIT_DEBOUNCE",
	"PROGRESS_SAVE_INTERVAL", "IMAGE_PROXY_HOSTS", "EXPORT_DIR", "POLLINATIONS_WARM_UP",
	"VIDEO_WORDS_PER_SECOND",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
	}
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg := LoadConfigFromEnv()

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.JWTExpiry != 30*24*time.Hour {
		t.Errorf("JWTExpiry = %v", cfg.JWTExpiry)
	}
	if cfg.IllustrationProvider != "pollinations" {
		t.Errorf("IllustrationProvider = %q", cfg.IllustrationProvider)
	}

	// Triggering law defaults
	if cfg.WordThreshold != 25 {
		t.Errorf("WordThreshold = %d, want 25", cfg.WordThreshold)
	}
	if cfg.PauseDelay != 3*time.Second {
		t.Errorf("PauseDelay = %v, want 3s", cfg.PauseDelay)
	}
	if cfg.MinPauseGrowth != 10 {
		t.Errorf("MinPauseGrowth = %d, want 10", cfg.MinPauseGrowth)
	}

	// Recognition restart defaults
	if cfg.RestartDelay != 300*time.Millisecond {
		t.Errorf("RestartDelay = %v, want 300ms", cfg.RestartDelay)
	}
	if cfg.EditDebounce != 800*time.Millisecond {
		t.Errorf("EditDebounce = %v, want 800ms", cfg.EditDebounce)
	}

	if cfg.SaveInterval != 2*time.Second {
		t.Errorf("SaveInterval = %v, want 2s", cfg.SaveInterval)
	}
	if cfg.ImageProxyHosts != nil {
		t.Errorf("ImageProxyHosts = %q, want nil", cfg.ImageProxyHosts)
	}
	if !cfg.PollinationsWarmUp {
		t.Error("PollinationsWarmUp = false, want true")
	}
	if cfg.VideoWordsPerSecond != 2.5 {
		t.Errorf("VideoWordsPerSecond = %f", cfg.VideoWordsPerSecond)
	}
}

func TestLoadConfigFromEnvCustomValues(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("ILLUSTRATION_PROVIDER", "OpenAI")
	t.Setenv("SEGMENT_WORD_THRESHOLD", "40")
	t.Setenv("SEGMENT_PAUSE_DELAY", "5s")
	t.Setenv("STT_ENDPOINTING_MS", "1")
	t.Setenv("IMAGE_PROXY_HOSTS", "image.pollinations.ai, cdn.example")
	t.Setenv("POLLINATIONS_WARM_UP", "false")

	cfg := LoadConfigFromEnv()

	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9090")
	}
	if cfg.IllustrationProvider != "openai" {
		t.Errorf("IllustrationProvider = %q, want lowercased", cfg.IllustrationProvider)
	}
	if cfg.WordThreshold != 40 {
		t.Errorf("WordThreshold = %d, want 40", cfg.WordThreshold)
	}
	if cfg.PauseDelay != 5*time.Second {
		t.Errorf("PauseDelay = %v, want 5s", cfg.PauseDelay)
	}
	if cfg.STTEndpointingMs != 10 {
		t.Errorf("STTEndpointingMs = %d, want clamped to 10", cfg.STTEndpointingMs)
	}
	if len(cfg.ImageProxyHosts) != 2 || cfg.ImageProxyHosts[1] != "cdn.example" {
		t.Errorf("ImageProxyHosts = %q", cfg.ImageProxyHosts)
	}
	if cfg.PollinationsWarmUp {
		t.Error("PollinationsWarmUp = true, want false")
	}
}

func TestLoadConfigFile(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORYREEL_TEST_SECRET", "from-env")

	path := filepath.Join(t.TempDir(), "storyreel.yaml")
	yml := `
http_addr: ":7070"
jwt_secret: ${STORYREEL_TEST_SECRET}
illustration_provider: OPENAI
pause_delay: 4s
word_threshold: 30
image_proxy_hosts:
  - image.pollinations.ai
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := LoadConfigFromEnv()
	if err := LoadConfigFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}

	if cfg.HTTPAddr != ":7070" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.JWTSecret != "from-env" {
		t.Errorf("JWTSecret = %q, want expanded from env", cfg.JWTSecret)
	}
	if cfg.IllustrationProvider != "openai" {
		t.Errorf("IllustrationProvider = %q", cfg.IllustrationProvider)
	}
	if cfg.PauseDelay != 4*time.Second || cfg.WordThreshold != 30 {
		t.Errorf("PauseDelay = %v WordThreshold = %d", cfg.PauseDelay, cfg.WordThreshold)
	}
	if len(cfg.ImageProxyHosts) != 1 {
		t.Errorf("ImageProxyHosts = %q", cfg.ImageProxyHosts)
	}
	// Keys missing from the file keep their env values.
	if cfg.MinPauseGrowth != 10 || cfg.SaveInterval != 2*time.Second {
		t.Errorf("MinPauseGrowth = %d SaveInterval = %v", cfg.MinPauseGrowth, cfg.SaveInterval)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	var cfg Config
	if err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"), &cfg); err == nil {
		t.Error("missing file: want error")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("word_threshold: [oops"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := LoadConfigFile(path, &cfg); err == nil {
		t.Error("malformed yaml: want error")
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{DatabaseURL: "postgres://localhost/storyreel", JWTSecret: "s", IllustrationProvider: "pollinations"}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid pollinations", func(*Config) {}, false},
		{"missing database", func(c *Config) { c.DatabaseURL = "" }, true},
		{"missing jwt secret", func(c *Config) { c.JWTSecret = "" }, true},
		{"openai without key", func(c *Config) { c.IllustrationProvider = "openai" }, true},
		{"openai with key", func(c *Config) { c.IllustrationProvider = "openai"; c.OpenAIAPIKey = "sk" }, false},
		{"unknown provider", func(c *Config) { c.IllustrationProvider = "crayons" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
