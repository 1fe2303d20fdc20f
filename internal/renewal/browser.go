package renewal

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	log "github.com/sirupsen/logrus"

	"github.com/biz-gemini/sessiond/internal/config"
)

// BrowserPage is the chromedp-backed PageSource used in production.
type BrowserPage struct {
	browserCtx  context.Context
	cancelAlloc context.CancelFunc
	cancelCtx   context.CancelFunc
}

// NewBrowserPage launches a browser and seeds it with the existing
// session cookies so an unexpired session skips the login form
// entirely.
func NewBrowserPage(ctx context.Context, cfg config.BrowserConfig, proxyURL string, seed []Cookie) (*BrowserPage, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", "en-US"),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if proxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(proxyURL))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelCtx := chromedp.NewContext(allocCtx)

	p := &BrowserPage{browserCtx: browserCtx, cancelAlloc: cancelAlloc, cancelCtx: cancelCtx}

	if len(seed) > 0 {
		if err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			for _, c := range seed {
				if c.Name == "" || c.Domain == "" {
					continue
				}
				err := network.SetCookie(c.Name, c.Value).
					WithDomain(c.Domain).
					WithPath("/").
					WithSecure(true).
					Do(ctx)
				if err != nil {
					log.WithError(err).WithField("cookie", c.Name).Warn("cookie seed failed")
				}
			}
			return nil
		})); err != nil {
			p.close()
			return nil, fmt.Errorf("seed browser cookies: %w", err)
		}
	}
	return p, nil
}

func (p *BrowserPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return chromedp.Run(p.browserCtx,
		chromedp.Navigate(url),
		chromedp.Sleep(2*time.Second), // let redirects settle
	)
}

func (p *BrowserPage) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var url string
	if err := chromedp.Run(p.browserCtx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

func (p *BrowserPage) SubmitText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return chromedp.Run(p.browserCtx,
		chromedp.KeyEvent(text),
		chromedp.Sleep(300*time.Millisecond),
		chromedp.KeyEvent(kb.Enter),
		chromedp.Sleep(2*time.Second),
	)
}

func (p *BrowserPage) Cookies(ctx context.Context) ([]Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Cookie
	err := chromedp.Run(p.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out = append(out, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *BrowserPage) Close(context.Context) error {
	p.close()
	return nil
}

func (p *BrowserPage) close() {
	p.cancelCtx()
	p.cancelAlloc()
}
