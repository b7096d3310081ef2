package scraper

import (
	"context"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// rodBrowser drives one long-lived Chromium instance.
type rodBrowser struct {
	browser *rod.Browser
	cfg     *Config
	log     *slog.Logger
}

// NewRodFactory returns a Factory that launches stealth-configured browsers.
func NewRodFactory(cfg *Config, log *slog.Logger) Factory {
	log = log.With(logger.Scope("scraper.browser"))
	return func(ctx context.Context) (Browser, error) {
		l := launcher.New().
			Headless(cfg.Headless).
			Set("disable-blink-features", "AutomationControlled").
			Set("disable-dev-shm-usage").
			Set("disable-gpu").
			Set("no-sandbox").
			Set("disable-setuid-sandbox").
			Set("disable-infobars").
			Set("disable-extensions").
			Set("disable-background-networking").
			Set("disable-background-timer-throttling").
			Set("disable-backgrounding-occluded-windows").
			Set("disable-renderer-backgrounding").
			Set("window-size", "1920,1080").
			Set("lang", "en-US,en")

		if cfg.ChromePath != "" {
			l = l.Bin(cfg.ChromePath)
		}

		// The launch context must not be the restart context: the browser
		// outlives it.
		u, err := l.Launch()
		if err != nil {
			return nil, err
		}

		browser := rod.New().ControlURL(u)
		if err := browser.Connect(); err != nil {
			return nil, err
		}

		log.Info("browser launched")
		return &rodBrowser{browser: browser, cfg: cfg, log: log}, nil
	}
}

// Healthy pings the devtools connection. A dead websocket makes Pages fail
// (or panic inside cdp), both of which mean the slot needs a restart.
func (b *rodBrowser) Healthy() (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_, err := b.browser.Pages()
	return err == nil
}

func (b *rodBrowser) Close() error {
	return b.browser.Close()
}
