package renewal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/biz-gemini/sessiond/internal/config"
)

// Workflow states, broadcast through OnTransition.
type State string

const (
	StateIdle          State = "idle"
	StateNavigating    State = "navigating_to_target"
	StateDetecting     State = "detecting_page_kind"
	StateLoginForm     State = "login_form"
	StateVerification  State = "verification_challenge"
	StateTargetReached State = "target_reached"
	StateTimeout       State = "timeout"
)

// Defaults for the driving loop.
const (
	DefaultTimeout        = 180 * time.Second
	DefaultDetectInterval = 2 * time.Second

	maxLoginSubmits        = 3
	maxVerificationSubmits = 3
)

// Result is the outcome of a renewal run.
type Result struct {
	Success bool
	Message string
	// NeedsManualLogin distinguishes "a human has to sign in" from
	// transient failures worth retrying automatically.
	NeedsManualLogin bool
	// Bundle holds the harvested credentials on success.
	Bundle *config.CredentialBundle
}

// CodeSource supplies the email verification code.
type CodeSource interface {
	WaitForCode(ctx context.Context, onStatus func(string)) (string, error)
}

// Workflow is the renewal finite-state machine. One instance drives
// one browser; concurrent Run calls coalesce into a no-op for the
// second caller.
type Workflow struct {
	// Page is the browser abstraction. Required.
	Page PageSource
	// Codes supplies verification codes. Required only when the flow
	// can hit a verification challenge.
	Codes CodeSource
	// TargetURL is the authenticated page to drive to.
	TargetURL string
	// AccountEmail is typed into the login form.
	AccountEmail string
	// Timeout bounds the whole run. Zero means DefaultTimeout.
	Timeout time.Duration
	// DetectInterval paces the page-kind loop. Zero means
	// DefaultDetectInterval.
	DetectInterval time.Duration
	// OnTransition observes state changes. Optional.
	OnTransition func(state State, detail string)

	running sync.Mutex
}

// Run drives the browser until the target page is reached or the
// budget runs out. It never panics outward and never blocks past the
// timeout.
func (w *Workflow) Run(ctx context.Context) *Result {
	if !w.running.TryLock() {
		return &Result{Success: false, Message: "renewal already in progress"}
	}
	defer w.running.Unlock()

	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runID := uuid.NewString()
	logger := log.WithField("renewal_run", runID)
	logger.WithField("target", w.TargetURL).Info("starting automated session renewal")

	result := w.drive(ctx, logger)
	if result.Success {
		logger.Info("renewal succeeded")
	} else {
		logger.WithField("needs_manual_login", result.NeedsManualLogin).
			Warn("renewal failed: " + result.Message)
	}
	return result
}

func (w *Workflow) drive(ctx context.Context, logger *log.Entry) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("renewal panicked: %v", r)
			result = &Result{Success: false, Message: fmt.Sprintf("renewal aborted by panic: %v", r)}
		}
	}()

	w.transition(StateNavigating, w.TargetURL)
	if err := w.Page.Navigate(ctx, w.TargetURL); err != nil {
		return w.fail(ctx, fmt.Sprintf("navigation failed: %v", err), false)
	}

	interval := w.DetectInterval
	if interval <= 0 {
		interval = DefaultDetectInterval
	}

	loginSubmits := 0
	verificationSubmits := 0

	for {
		w.transition(StateDetecting, "")
		url, err := w.Page.CurrentURL(ctx)
		if err != nil {
			return w.fail(ctx, fmt.Sprintf("reading browser url failed: %v", err), false)
		}
		kind := Classify(url)
		logger.WithFields(log.Fields{"url": url, "kind": kind}).Debug("page detected")

		switch kind {
		case KindTarget:
			return w.harvest(ctx, url)

		case KindLogin:
			w.transition(StateLoginForm, url)
			if w.AccountEmail == "" {
				return w.fail(ctx, "login form shown but no account email configured", true)
			}
			if loginSubmits >= maxLoginSubmits {
				return w.fail(ctx, "login form keeps reappearing after submit", true)
			}
			loginSubmits++
			if err = w.Page.SubmitText(ctx, w.AccountEmail); err != nil {
				return w.fail(ctx, fmt.Sprintf("submitting account email failed: %v", err), false)
			}

		case KindVerification:
			w.transition(StateVerification, url)
			if w.Codes == nil {
				return w.fail(ctx, "verification challenge shown but no mailbox configured", true)
			}
			if verificationSubmits >= maxVerificationSubmits {
				return w.fail(ctx, "verification challenge keeps reappearing after submit", true)
			}
			verificationSubmits++
			code, err := w.Codes.WaitForCode(ctx, func(status string) {
				w.transition(StateVerification, status)
			})
			if err != nil {
				return w.fail(ctx, fmt.Sprintf("verification code unavailable: %v", err), true)
			}
			logger.Info("submitting verification code")
			if err = w.Page.SubmitText(ctx, code); err != nil {
				return w.fail(ctx, fmt.Sprintf("submitting verification code failed: %v", err), false)
			}
		}

		select {
		case <-ctx.Done():
			return w.fail(ctx, "renewal timed out before reaching the target page", true)
		case <-time.After(interval):
		}
	}
}

// harvest captures cookies and URL identifiers into a fresh bundle.
func (w *Workflow) harvest(ctx context.Context, url string) *Result {
	cookies, err := w.Page.Cookies(ctx)
	if err != nil {
		return w.fail(ctx, fmt.Sprintf("reading cookies failed: %v", err), false)
	}
	header := CookieHeader(cookies)
	if header == "" {
		return w.fail(ctx, "target page reached but no cookies captured", false)
	}

	bundle := &config.CredentialBundle{
		CookieRaw:    header,
		SessionIndex: SessionIndexFromURL(url),
		GroupID:      GroupIDFromURL(url),
		AccountEmail: w.AccountEmail,
	}
	w.transition(StateTargetReached, url)
	return &Result{
		Success: true,
		Message: "renewal complete",
		Bundle:  bundle,
	}
}

func (w *Workflow) fail(ctx context.Context, message string, manual bool) *Result {
	if ctx.Err() != nil {
		w.transition(StateTimeout, message)
	} else {
		w.transition(StateIdle, message)
	}
	return &Result{Success: false, Message: message, NeedsManualLogin: manual}
}

func (w *Workflow) transition(state State, detail string) {
	if w.OnTransition == nil {
		return
	}
	// subscriber bugs must not break the flow
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("renewal transition subscriber panicked: %v", r)
		}
	}()
	w.OnTransition(state, detail)
}
