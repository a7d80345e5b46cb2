package scrape

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/logging"
)

// Browser renders pages in headless Chrome, for sites that build their
// <head> with JavaScript.
//
// The browser is started on first use. When ControlURL is empty a local
// headless Chrome is launched.
type Browser struct {
	ControlURL string
	// NavigationTimeout bounds a single page load. Zero means the caller's context only.
	NavigationTimeout time.Duration
	Logger            *zap.Logger

	mu      sync.Mutex
	browser *rod.Browser
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}

	controlURL := b.ControlURL
	if controlURL == "" {
		u, err := launcher.New().Headless(true).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
	}

	// The connection outlives any single fetch, so it is not bound to ctx.
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	logging.OrNop(b.Logger).Debug("browser connected", zap.String("control_url", controlURL))
	b.browser = browser
	return browser, nil
}

func (b *Browser) Fetch(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	browser, err := b.connect()
	if err != nil {
		return "", err
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", fmt.Errorf("create page: %w", err)
	}
	defer func() {
		_ = page.Close()
	}()

	p := page.Context(ctx)
	if b.NavigationTimeout > 0 {
		p = p.Timeout(b.NavigationTimeout)
	}
	if err := p.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load %s: %w", url, err)
	}
	markup, err := p.HTML()
	if err != nil {
		return "", fmt.Errorf("read html %s: %w", url, err)
	}
	return markup, nil
}

// Close shuts the browser down if it was started.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	return err
}
