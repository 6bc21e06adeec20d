package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/blob"
	"github.com/sells-group/solicitation-watch/internal/channel"
	"github.com/sells-group/solicitation-watch/internal/classify"
	"github.com/sells-group/solicitation-watch/internal/dedupe"
	"github.com/sells-group/solicitation-watch/internal/evidence"
	"github.com/sells-group/solicitation-watch/internal/ingest"
	"github.com/sells-group/solicitation-watch/internal/links"
	"github.com/sells-group/solicitation-watch/internal/notify"
	"github.com/sells-group/solicitation-watch/internal/ocr"
	"github.com/sells-group/solicitation-watch/internal/pipeline"
	"github.com/sells-group/solicitation-watch/internal/resilience"
	"github.com/sells-group/solicitation-watch/internal/sender"
	"github.com/sells-group/solicitation-watch/internal/store"
	"github.com/sells-group/solicitation-watch/pkg/anthropic"
	"github.com/sells-group/solicitation-watch/pkg/browser"
)

// appEnv holds every stage wired from config. Optional stages are nil when
// their upstream is not configured.
type appEnv struct {
	Store    store.Store
	Blobs    *blob.LocalStorage
	Breakers *resilience.Breakers
	Retry    resilience.RetryConfig
	Links    *links.Extractor
	Ingest   *ingest.Orchestrator
	OCR      *evidence.OCRStage
	Capture  *evidence.CaptureStage
	Classify *classify.Stage
	Sender   *sender.Stage
	Triggers *pipeline.Triggers
	Reporter *notify.Reporter
	Redactor *channel.Redactor
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// ocrRunner returns the OCR stage as a channel dependency, or nil.
func (e *appEnv) ocrRunner() channel.OCRRunner {
	if e.OCR == nil {
		return nil
	}
	return e.OCR
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "solwatch.db"
		}
		return store.NewSQLite(dsn)
	case "postgres", "":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates config for mode, opens and migrates the store and
// wires the stages. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env, err := wireEnv(st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

func wireEnv(st store.Store) (*appEnv, error) {
	retry, breakerCfg := resilience.FromConfig(cfg.Resilience)
	env := &appEnv{
		Store:    st,
		Breakers: resilience.NewBreakers(breakerCfg),
		Retry:    retry,
	}

	signingKey := cfg.Blob.SigningKey
	if signingKey == "" {
		// Signed URLs from this process will not verify on the server.
		signingKey = ephemeralKey()
		zap.L().Warn("blob signing key not set, using an ephemeral key")
	}
	blobs, err := blob.NewLocalStorage(cfg.Blob.Dir, cfg.Blob.BaseURL, signingKey)
	if err != nil {
		return nil, err
	}
	env.Blobs = blobs

	redactor, err := channel.NewRedactor(cfg.Ingest.HoneytrapPatterns, cfg.Ingest.RedactionToken)
	if err != nil {
		return nil, err
	}
	env.Redactor = redactor

	env.Links = links.NewExtractor(links.Options{
		PlatformDomains:  cfg.Links.PlatformDomains,
		TrackingPatterns: cfg.Links.TrackingPatterns,
		ExcludeKeywords:  cfg.Links.ExcludeKeywords,
	}, links.NewResolver(links.ResolverOptions{
		MaxHops:    cfg.Links.MaxHops,
		HopTimeout: time.Duration(cfg.Links.HopTimeoutSecs) * time.Second,
		RatePerSec: cfg.Links.RatePerSec,
		Burst:      cfg.Links.Burst,
	}))

	detector := dedupe.NewDetector(st, dedupe.Config{
		Threshold:      cfg.Dedupe.Threshold,
		Window:         cfg.Dedupe.Window,
		CandidateLimit: cfg.Dedupe.CandidateLimit,
	})
	env.Ingest = ingest.NewOrchestrator(st, ingest.NewHeuristic(cfg.Ingest.Keywords, cfg.Ingest.BrandNames), detector, env.Links)

	if ext, err := ocr.NewExtractor(cfg.OCR); err != nil {
		zap.L().Warn("ocr disabled", zap.Error(err))
	} else {
		env.OCR = evidence.NewOCRStage(st, ocr.WithBreaker(ext, env.Breakers.Get("ocr")), evidence.OCROptions{
			Timeout:      time.Duration(cfg.OCR.TimeoutSecs) * time.Second,
			RetryTimeout: time.Duration(cfg.OCR.RetryTimeoutSecs) * time.Second,
			MaxPages:     cfg.OCR.MaxPages,
			MaxWidth:     cfg.OCR.MaxWidth,
		})
	}

	var capturer pipeline.LandingCapturer
	if len(cfg.Browser.AllowedDomains) > 0 {
		shots := browser.New(browser.Options{
			ExecPath:       cfg.Browser.ExecPath,
			Viewport:       browser.Viewport{Width: cfg.Browser.ViewportWidth, Height: cfg.Browser.ViewportHeight},
			LoadingMarkers: cfg.Browser.LoadingMarkers,
		})
		env.Capture = evidence.NewCaptureStage(st, shots, blobs, browser.NewAllowlist(cfg.Browser.AllowedDomains),
			time.Duration(cfg.Browser.TimeoutSecs)*time.Second)
		capturer = env.Capture
	}

	var llm anthropic.Client
	if cfg.Anthropic.Key != "" {
		llm = anthropic.WithBreaker(anthropic.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL), env.Breakers.Get("anthropic"))
	} else {
		zap.L().Warn("anthropic key not set, classification will record errors")
	}

	tax, err := classify.DefaultTaxonomy()
	if err != nil {
		return nil, err
	}
	env.Classify = classify.NewStage(st, llm, blobs, tax,
		classify.NewExemptionChecker(st, cfg.Classify.Exemptions),
		classify.StageConfig{
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
			MaxChars:  cfg.Classify.MaxChars,
		})
	env.Sender = sender.NewStage(st, llm, blobs, cfg.Anthropic.SenderModel)
	env.Triggers = pipeline.NewTriggers(st, env.Classify, env.Sender, capturer,
		time.Duration(cfg.Server.TriggerTimeoutSecs)*time.Second)

	if cfg.Notify.WebhookURL != "" {
		notifyRetry := retry
		notifyRetry.OnRetry = resilience.RetryLogger("notify", "webhook")
		// Report links outlive the UI's short-lived URLs; zero keeps the
		// reporter's own default.
		env.Reporter = notify.NewReporter(st, notify.NewWebhookNotifier(cfg.Notify.WebhookURL, notifyRetry), blobs, cfg.Notify, 0)
	}
	return env, nil
}

// adapters builds the channel adapters around run.
func (e *appEnv) adapters(run channel.Runner) (*channel.EmailAdapter, *channel.SMSAdapter, *channel.UploadAdapter) {
	email := channel.NewEmailAdapter(e.Ingest, e.Triggers, run, e.Redactor)

	deps := channel.SMSDeps{Store: e.Store, Blobs: e.Blobs, OCR: e.ocrRunner(), Links: e.Links}
	deps.Fetcher = &channel.HTTPMediaFetcher{
		Username: cfg.Ingest.MediaUsername,
		Password: cfg.Ingest.MediaPassword,
		MaxBytes: int64(cfg.Server.MaxUploadMB) << 20,
		Retry:    e.Retry,
	}
	sms := channel.NewSMSAdapter(e.Ingest, e.Triggers, run, e.Redactor, deps)

	var upload *channel.UploadAdapter
	if e.OCR != nil {
		upload = channel.NewUploadAdapter(e.Ingest, e.Triggers, run, e.Store, e.Blobs, e.OCR, e.Links, cfg.Server.MaxUploadMB<<20)
	}
	return email, sms, upload
}

func ephemeralKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
