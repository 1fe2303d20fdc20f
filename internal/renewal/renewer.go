package renewal

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/biz-gemini/sessiond/internal/auth"
	"github.com/biz-gemini/sessiond/internal/config"
)

// BrowserRenewer launches a fresh browser per renewal run, seeds it
// with the stored cookies and drives the Workflow over it. A new
// profile every run means a failed run never poisons the next one.
type BrowserRenewer struct {
	Browser      config.BrowserConfig
	ProxyURL     string
	TargetURL    string
	AccountEmail string
	Store        *config.BundleStore
	Codes        CodeSource
	OnTransition func(State, string)
}

// Renew implements the scheduler's renewer contract.
func (r *BrowserRenewer) Renew(ctx context.Context) *Result {
	page, err := NewBrowserPage(ctx, r.Browser, r.ProxyURL, r.seedCookies())
	if err != nil {
		return &Result{Success: false, Message: "browser launch failed: " + err.Error()}
	}
	defer func() {
		if err := page.Close(context.Background()); err != nil {
			log.WithError(err).Warn("browser close failed")
		}
	}()

	w := &Workflow{
		Page:         page,
		Codes:        r.Codes,
		TargetURL:    r.TargetURL,
		AccountEmail: r.AccountEmail,
		OnTransition: r.OnTransition,
	}
	return w.Run(ctx)
}

// seedCookies maps the stored Cookie header onto browser cookies. The
// session cookies belong to the business domain; NID is Google-wide.
func (r *BrowserRenewer) seedCookies() []Cookie {
	bundle := r.Store.Bundle()
	if bundle == nil || bundle.CookieRaw == "" {
		return nil
	}
	var seed []Cookie
	for _, c := range auth.ParseCookieHeader(bundle.CookieRaw).All() {
		domain := ".business.gemini.google"
		if c.Name == "NID" {
			domain = ".google.com"
		}
		seed = append(seed, Cookie{Name: c.Name, Value: c.Value, Domain: domain})
	}
	return seed
}
