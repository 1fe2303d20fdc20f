// Package keepalive runs the background loop that keeps the browser
// session warm and repairs it when it dies.
package keepalive

import (
	"context"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/biz-gemini/sessiond/internal/auth"
	"github.com/biz-gemini/sessiond/internal/config"
	"github.com/biz-gemini/sessiond/internal/renewal"
)

// Broadcast event names.
const (
	EventValid              = "session_valid"
	EventExpired            = "session_expired"
	EventIndeterminate      = "session_indeterminate"
	EventRenewed            = "session_renewed"
	EventRenewalFailed      = "renewal_failed"
	EventMissingCredentials = "missing_credentials"
	EventCheckFailed        = "check_failed"
)

// statusStaleAfter marks a cached check result as stale.
const statusStaleAfter = 5 * time.Minute

// Error backoff window between failed cycles.
const (
	errorBackoffMin = 180 * time.Second
	errorBackoffMax = 420 * time.Second
)

// Checker probes session validity.
type Checker interface {
	Check(ctx context.Context, bundle *config.CredentialBundle) (*auth.SessionStatus, error)
}

// Cache is the slice of the token cache the scheduler drives.
type Cache interface {
	Refresh(ctx context.Context, bundle *config.CredentialBundle) (auth.Token, error)
	Invalidate(ctx context.Context, bundle *config.CredentialBundle)
}

// Renewer runs the automated login flow. Nil disables renewal.
type Renewer interface {
	Renew(ctx context.Context) *renewal.Result
}

// Subscriber receives state-transition broadcasts. Failures inside a
// subscriber are swallowed.
type Subscriber func(event string, payload map[string]interface{})

// CheckResult is the cached outcome of the latest cycle.
type CheckResult struct {
	Status    *auth.SessionStatus `json:"status,omitempty"`
	Error     string              `json:"error,omitempty"`
	Renewed   bool                `json:"renewed"`
	CheckedAt time.Time           `json:"checked_at"`
	// Stale is set when the result is older than five minutes.
	Stale bool `json:"stale"`
}

// Scheduler owns the single background keep-alive goroutine.
type Scheduler struct {
	cfg     config.KeepAliveConfig
	store   *config.BundleStore
	checker Checker
	cache   Cache
	renewer Renewer

	mu          sync.Mutex
	cancel      context.CancelFunc
	cycleMu     sync.Mutex
	last        *CheckResult
	subscribers []Subscriber

	// now and jitter are swapped out in tests.
	now    func() time.Time
	random *rand.Rand
}

// NewScheduler wires a Scheduler. renewer may be nil.
func NewScheduler(cfg config.KeepAliveConfig, store *config.BundleStore, checker Checker, cache Cache, renewer Renewer) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		checker: checker,
		cache:   cache,
		renewer: renewer,
		now:     time.Now,
		random:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe registers a broadcast listener.
func (s *Scheduler) Subscribe(fn Subscriber) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

// Start launches the background loop: one immediate cycle, then
// randomized-interval repeats. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop cancels the background loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	log.Info("keep-alive loop started")
	for {
		err := s.RunCycle(ctx)

		var sleep time.Duration
		if err != nil {
			sleep = s.errorBackoff()
			log.WithError(err).Warnf("keep-alive cycle failed, retrying in %s", sleep.Round(time.Second))
		} else {
			sleep = s.nextInterval()
			log.Debugf("next keep-alive cycle in %s", sleep.Round(time.Second))
		}

		select {
		case <-ctx.Done():
			log.Info("keep-alive loop stopped")
			return
		case <-time.After(sleep):
		}
	}
}

// nextInterval applies the configured +/- jitter to the base interval.
func (s *Scheduler) nextInterval() time.Duration {
	base := time.Duration(s.cfg.IntervalMinutes) * time.Minute
	if base <= 0 {
		base = time.Hour
	}
	if s.cfg.JitterPercent <= 0 {
		return base
	}
	spread := float64(s.cfg.JitterPercent) / 100
	factor := 1 + (s.random.Float64()*2-1)*spread
	return time.Duration(float64(base) * factor)
}

func (s *Scheduler) errorBackoff() time.Duration {
	return errorBackoffMin + time.Duration(s.random.Int63n(int64(errorBackoffMax-errorBackoffMin)))
}

// RunCycle executes one check-and-repair pass. Cycles never overlap;
// a concurrent call waits its turn.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	result := &CheckResult{CheckedAt: s.now()}
	defer func() {
		s.mu.Lock()
		s.last = result
		s.mu.Unlock()
		lastCheckGauge.Set(float64(result.CheckedAt.Unix()))
	}()

	bundle := s.store.Bundle()
	if bundle == nil || bundle.CookieRaw == "" {
		result.Error = "no credential bundle stored; run the login flow first"
		cycleCounter.WithLabelValues("missing_credentials").Inc()
		s.broadcast(EventMissingCredentials, nil)
		return nil
	}

	status, err := s.checker.Check(ctx, bundle)
	if err != nil {
		result.Error = err.Error()
		cycleCounter.WithLabelValues("check_failed").Inc()
		s.broadcast(EventCheckFailed, map[string]interface{}{"error": err.Error()})
		return err
	}
	result.Status = status

	switch status.State {
	case auth.StateValid:
		cycleCounter.WithLabelValues("valid").Inc()
		s.broadcast(EventValid, statusPayload(status))
		if _, err = s.cache.Refresh(ctx, bundle); err != nil {
			log.WithError(err).Warn("proactive token refresh failed during keep-alive")
		}
		return nil

	case auth.StateExpired:
		cycleCounter.WithLabelValues("expired").Inc()
		s.broadcast(EventExpired, statusPayload(status))
		return s.renew(ctx, result)

	default:
		result.Error = status.Err().Error()
		cycleCounter.WithLabelValues("indeterminate").Inc()
		s.broadcast(EventIndeterminate, statusPayload(status))
		return nil
	}
}

// renew runs the automated login flow and persists what it harvested.
func (s *Scheduler) renew(ctx context.Context, result *CheckResult) error {
	if s.renewer == nil || !s.cfg.RenewalEnabled {
		log.Warn("session expired and automated renewal is disabled")
		return nil
	}

	renewResult := s.renewer.Renew(ctx)
	if renewResult == nil || !renewResult.Success {
		message := "renewal returned no result"
		manual := false
		if renewResult != nil {
			message = renewResult.Message
			manual = renewResult.NeedsManualLogin
		}
		result.Error = message
		renewalCounter.WithLabelValues("failed").Inc()
		s.broadcast(EventRenewalFailed, map[string]interface{}{
			"message":            message,
			"needs_manual_login": manual,
		})
		return nil
	}

	merged, err := s.store.Save(renewResult.Bundle)
	if err != nil {
		result.Error = err.Error()
		renewalCounter.WithLabelValues("persist_failed").Inc()
		s.broadcast(EventRenewalFailed, map[string]interface{}{"message": err.Error()})
		return err
	}
	// the old token was signed against the dead session
	s.cache.Invalidate(ctx, merged)

	result.Renewed = true
	renewalCounter.WithLabelValues("success").Inc()
	s.broadcast(EventRenewed, map[string]interface{}{
		"session_index": merged.SessionIndex,
		"group_id":      merged.GroupID,
	})
	return nil
}

// Status returns the latest cycle result, flagged stale after five
// minutes. nil means no cycle has completed yet.
func (s *Scheduler) Status() *CheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	out := *s.last
	out.Stale = s.now().Sub(out.CheckedAt) > statusStaleAfter
	return &out
}

// broadcast fans an event out to subscribers. A panicking or failing
// subscriber never disturbs the loop.
func (s *Scheduler) broadcast(event string, payload map[string]interface{}) {
	s.mu.Lock()
	subs := make([]Subscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("keep-alive subscriber panicked on %s: %v", event, r)
				}
			}()
			fn(event, payload)
		}()
	}
}

func statusPayload(status *auth.SessionStatus) map[string]interface{} {
	payload := map[string]interface{}{"state": string(status.State)}
	if status.Warning != "" {
		payload["warning"] = status.Warning
	}
	if status.Account != "" {
		payload["account"] = status.Account
	}
	if status.MultiAccount {
		payload["multi_account"] = true
	}
	return payload
}
