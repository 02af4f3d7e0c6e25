package httputil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// BrowserFetcher renders pages in headless Chromium. It is used when the
// source rejects plain HTTP clients.
type BrowserFetcher struct {
	mu          sync.Mutex
	pw          *playwright.Playwright
	browser     playwright.Browser
	headless    bool
	timeout     time.Duration
	initialized bool
}

func NewBrowserFetcher(headless bool, timeout time.Duration) *BrowserFetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &BrowserFetcher{headless: headless, timeout: timeout}
}

func (b *BrowserFetcher) init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	var err error
	b.pw, err = playwright.Run()
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	b.browser, err = b.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(b.headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		b.pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	b.initialized = true
	return nil
}

func (b *BrowserFetcher) Get(ctx context.Context, pageURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := b.init(); err != nil {
		return "", err
	}

	page, err := b.browser.NewPage()
	if err != nil {
		return "", fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	resp, err := page.Goto(pageURL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(b.timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return "", fmt.Errorf("goto: %w", err)
	}
	if resp != nil && (resp.Status() < 200 || resp.Status() > 299) {
		return "", &StatusError{URL: pageURL, StatusCode: resp.Status()}
	}

	content, err := page.Content()
	if err != nil {
		return "", fmt.Errorf("content: %w", err)
	}
	return content, nil
}

func (b *BrowserFetcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		b.browser.Close()
	}
	if b.pw != nil {
		b.pw.Stop()
	}
	b.initialized = false
}
