package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/storyreel/internal/costs"
	"github.com/lukasbauer/storyreel/internal/eventlog"
	"github.com/lukasbauer/storyreel/internal/httpapi"
	"github.com/lukasbauer/storyreel/internal/illustrate"
	"github.com/lukasbauer/storyreel/internal/imageproxy"
	"github.com/lukasbauer/storyreel/internal/jobs"
	"github.com/lukasbauer/storyreel/internal/notifications"
	"github.com/lukasbauer/storyreel/internal/segment"
	"github.com/lukasbauer/storyreel/internal/store"
	"github.com/lukasbauer/storyreel/internal/stt"
	"github.com/lukasbauer/storyreel/internal/transcript"
	"github.com/lukasbauer/storyreel/internal/video"
)

type App struct {
	cfg         Config
	logger      *log.Logger
	db          *pgxpool.Pool
	store       *store.Store
	eventLog    *eventlog.Logger
	recognizer  stt.Recognizer
	illustrator *illustrate.Requester
	images      *imageproxy.Fetcher
	apns        *notifications.APNsClient
	discord     *notifications.Discord
	exports     *jobs.VideoExportJob
	sessions    *httpapi.SessionRegistry
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// Migrations are applied externally by the deploy job.
	s := store.New(db)
	el := eventlog.New(db)

	apns, err := notifications.NewAPNsClient(notifications.APNsConfig{
		KeyPath:    cfg.APNsKeyPath,
		KeyID:      cfg.APNsKeyID,
		TeamID:     cfg.APNsTeamID,
		BundleID:   cfg.APNsBundleID,
		Production: cfg.APNsProduction,
	}, logger)
	if err != nil {
		logger.Printf("apns: %v, push notifications disabled", err)
		apns = nil
	}
	discord := notifications.NewDiscord(cfg.DiscordWebhookURL, logger)

	images := imageproxy.NewFetcher(imageproxy.Config{
		MaxBytes:     cfg.ImageProxyMaxBytes,
		AllowedHosts: proxyHosts(cfg),
	})
	compiler := video.NewCompiler(video.Config{
		FFmpegPath:     cfg.FFmpegPath,
		FontFile:       cfg.VideoFontFile,
		WordsPerSecond: cfg.VideoWordsPerSecond,
	}, logger)
	exports := jobs.NewVideoExportJob(s, images, compiler, apns, discord, el, logger, jobs.VideoExportConfig{
		OutputDir: cfg.ExportDir,
		Interval:  cfg.ExportInterval,
	})

	illustrator, err := newIllustrator(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &App{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		store:       s,
		eventLog:    el,
		recognizer:  newRecognizer(cfg, logger),
		illustrator: illustrator,
		images:      images,
		apns:        apns,
		discord:     discord,
		exports:     exports,
		sessions:    httpapi.NewSessionRegistry(),
	}, nil
}

// Hosts the image generators hand out illustration URLs on.
const (
	pollinationsImageHost = "image.pollinations.ai"
	openAIImageHost       = "oaidalleapiprodscus.blob.core.windows.net"
)

// proxyHosts returns IMAGE_PROXY_HOSTS, or when unset the hosts the
// configured generator serves images from.
func proxyHosts(cfg Config) []string {
	if len(cfg.ImageProxyHosts) > 0 {
		return cfg.ImageProxyHosts
	}
	hostOf := func(raw, fallback string) string {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
		return fallback
	}
	switch cfg.IllustrationProvider {
	case "openai":
		hosts := []string{openAIImageHost}
		if h := hostOf(cfg.OpenAIBaseURL, ""); h != "" {
			hosts = append(hosts, h)
		}
		return hosts
	default:
		return []string{hostOf(cfg.PollinationsBaseURL, pollinationsImageHost)}
	}
}

// newRecognizer returns nil without a Deepgram key, which makes the narrate
// endpoint refuse connections instead of failing mid-session.
func newRecognizer(cfg Config, logger *log.Logger) stt.Recognizer {
	if cfg.DeepgramAPIKey == "" {
		logger.Println("stt: DEEPGRAM_API_KEY not set, narration disabled")
		return nil
	}
	sampleRate := cfg.STTDefaultSampleRate
	if cfg.STTDefaultEncoding == "" {
		sampleRate = 0
	}
	return stt.DeepgramRecognizer{Config: stt.DeepgramConfig{
		APIKey:         cfg.DeepgramAPIKey,
		Language:       cfg.DeepgramLanguage,
		Model:          cfg.DeepgramModel,
		Encoding:       cfg.STTDefaultEncoding,
		SampleRate:     sampleRate,
		Channels:       1,
		Punctuate:      true,
		Endpointing:    cfg.STTEndpointingMs,
		UtteranceEndMs: cfg.STTUtteranceEndMs,
		Logger:         logger,
	}}
}

// newIllustrator picks the image generator. An OpenAI prompt model, when
// configured, rewrites narration into a scene description for either provider.
func newIllustrator(cfg Config, logger *log.Logger) (*illustrate.Requester, error) {
	var openai *illustrate.OpenAIClient
	if cfg.OpenAIAPIKey != "" {
		openai = illustrate.NewOpenAIClient(illustrate.OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			ImageModel:  cfg.OpenAIImageModel,
			PromptModel: cfg.OpenAIPromptModel,
		})
	}

	var generator illustrate.Generator
	switch cfg.IllustrationProvider {
	case "", "pollinations":
		generator = illustrate.NewPollinationsClient(illustrate.PollinationsConfig{
			BaseURL: cfg.PollinationsBaseURL,
			Model:   cfg.PollinationsModel,
			Width:   cfg.PollinationsWidth,
			Height:  cfg.PollinationsHeight,
			WarmUp:  cfg.PollinationsWarmUp,
		})
	case "openai":
		if openai == nil {
			return nil, fmt.Errorf("illustration provider openai needs OPENAI_API_KEY")
		}
		generator = openai
	default:
		return nil, fmt.Errorf("unknown illustration provider %q", cfg.IllustrationProvider)
	}

	icfg := illustrate.Config{Style: cfg.IllustrationStyle}
	if promptRewrite(cfg) {
		icfg.Writer = openai
	}
	logger.Printf("illustrate: provider=%s prompt_rewrite=%v", cfg.IllustrationProvider, icfg.Writer != nil)
	return illustrate.NewRequester(generator, icfg, logger), nil
}

func promptRewrite(cfg Config) bool {
	return cfg.OpenAIAPIKey != "" && cfg.OpenAIPromptModel != ""
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		JWTSecret: a.cfg.JWTSecret,
		JWTExpiry: a.cfg.JWTExpiry,
		Transcript: transcript.Config{
			RestartDelay: a.cfg.RestartDelay,
			EditDebounce: a.cfg.EditDebounce,
		},
		Segment: segment.Config{
			WordThreshold:  a.cfg.WordThreshold,
			PauseDelay:     a.cfg.PauseDelay,
			MinPauseGrowth: a.cfg.MinPauseGrowth,
		},
		SaveInterval: a.cfg.SaveInterval,
		Pricing:      costs.PricingFor(a.cfg.IllustrationProvider, promptRewrite(a.cfg)),
	}
	return httpapi.NewRouter(routerCfg, a.logger, httpapi.Deps{
		Store:       a.store,
		Events:      a.eventLog,
		Recognizer:  a.recognizer,
		Illustrator: a.illustrator,
		Alerter:     a.discord,
		Images:      a.images,
		Exports:     a.exports,
		APNs:        a.apns,
		Sessions:    a.sessions,
	})
}

// Start launches background jobs.
func (a *App) Start() {
	a.exports.Start()
}

// Drain tells narrators to disconnect and waits for their sessions to flush,
// up to timeout. It reports whether every session finished in time.
func (a *App) Drain(timeout time.Duration) bool {
	a.sessions.StartDraining()
	done := make(chan struct{})
	go func() {
		a.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		a.logger.Printf("drain: %d sessions still active after %v", a.sessions.ActiveCount(), timeout)
		return false
	}
}

func (a *App) Close() error {
	if a.exports != nil {
		a.exports.Stop()
	}
	if !a.eventLog.Flush(3 * time.Second) {
		a.logger.Printf("shutdown: gave up waiting for story events")
	}
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
