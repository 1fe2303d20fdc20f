// Command sessiond keeps a Gemini Business browser session alive and
// serves short-lived access tokens derived from it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/biz-gemini/sessiond/internal/auth"
	"github.com/biz-gemini/sessiond/internal/cache"
	"github.com/biz-gemini/sessiond/internal/config"
	"github.com/biz-gemini/sessiond/internal/keepalive"
	"github.com/biz-gemini/sessiond/internal/logging"
	"github.com/biz-gemini/sessiond/internal/mailbox"
	"github.com/biz-gemini/sessiond/internal/renewal"
	"github.com/biz-gemini/sessiond/internal/util"
)

var (
	configPath string
	checkOnly  bool
	loginOnly  bool
	tokenOnly  bool
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	_ = godotenv.Load()

	flag.StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	flag.BoolVar(&checkOnly, "check", false, "run one session validity check and exit")
	flag.BoolVar(&loginOnly, "login", false, "run the automated login flow and exit")
	flag.BoolVar(&tokenOnly, "token", false, "mint one access token and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("configuration load failed")
	}
	logging.ConfigureFileOutput(cfg.LogFile)

	store, err := config.NewBundleStore(cfg.ResolveCredentialFile(configPath))
	if err != nil {
		log.WithError(err).Fatal("credential bundle load failed")
	}
	defer func() { _ = store.Close() }()

	client := util.NewHTTPClient(cfg.ProxyURL, 30*time.Second)
	exchanger := auth.NewExchanger(cfg.AuthHost, client)
	checker := auth.NewChecker(cfg.AuthHost, client, exchanger)
	minter := &auth.Minter{Exchanger: exchanger}

	tokenCache := cache.NewTokenCache(minter, buildStoreTier(cfg))

	// cookies rotated during an exchange must be persisted, and the
	// token signed against the old set dropped
	exchanger.OnCookiesRefreshed = func(header string) {
		log.WithField("cookies", util.RedactCookieHeader(header)).Info("session cookies rotated during exchange")
		if _, err := store.Save(&config.CredentialBundle{CookieRaw: header}); err != nil {
			log.WithError(err).Warn("persisting rotated cookies failed")
		}
		tokenCache.Invalidate(context.Background(), store.Bundle())
	}

	renewer := buildRenewer(cfg, store)

	switch {
	case checkOnly:
		runCheck(checker, store)
	case loginOnly:
		runLogin(renewer, store, tokenCache)
	case tokenOnly:
		runToken(tokenCache, store)
	default:
		runDaemon(cfg, store, checker, tokenCache, renewer)
	}
}

// buildStoreTier picks the distributed tier, degrading to memory-only
// when Redis is off or unreachable.
func buildStoreTier(cfg *config.Config) cache.Store {
	if !cfg.Redis.Enabled {
		return cache.NewMemoryStore()
	}
	rs := cache.NewRedisStore(cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		log.WithError(err).Warn("redis unreachable, running with in-process cache only")
		return cache.NewMemoryStore()
	}
	log.WithField("addr", cfg.Redis.Addr).Info("distributed token cache enabled")
	return rs
}

func buildRenewer(cfg *config.Config, store *config.BundleStore) *renewal.BrowserRenewer {
	var codes renewal.CodeSource
	if cfg.IMAP.Host != "" {
		codes = mailbox.NewReader(cfg.IMAP)
	} else {
		log.Debug("no mailbox configured; verification challenges will need a human")
	}
	return &renewal.BrowserRenewer{
		Browser:      cfg.Browser,
		ProxyURL:     cfg.ProxyURL,
		TargetURL:    cfg.TargetURL,
		AccountEmail: cfg.AccountEmail,
		Store:        store,
		Codes:        codes,
		OnTransition: func(state renewal.State, detail string) {
			log.WithFields(log.Fields{"state": state, "detail": detail}).Info("renewal progress")
		},
	}
}

func runCheck(checker *auth.Checker, store *config.BundleStore) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	status, err := checker.Check(ctx, store.Bundle())
	if err != nil {
		log.WithError(err).Fatal("session check failed")
	}
	printJSON(status)
	if err := status.Err(); err != nil {
		log.WithError(err).Error("session is not usable")
		os.Exit(1)
	}
}

func runLogin(renewer *renewal.BrowserRenewer, store *config.BundleStore, tokenCache *cache.TokenCache) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result := renewer.Renew(ctx)
	if !result.Success {
		log.Fatalf("login failed: %s (needs_manual_login=%v)", result.Message, result.NeedsManualLogin)
	}
	merged, err := store.Save(result.Bundle)
	if err != nil {
		log.WithError(err).Fatal("persisting harvested credentials failed")
	}
	tokenCache.Invalidate(ctx, merged)
	log.WithFields(log.Fields{
		"session_index": merged.SessionIndex,
		"group_id":      merged.GroupID,
	}).Info("login complete, credentials saved")
}

func runToken(tokenCache *cache.TokenCache, store *config.BundleStore) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	token, err := tokenCache.Token(ctx, store.Bundle())
	if err != nil {
		log.WithError(err).Fatal("token mint failed")
	}
	printJSON(token)
}

func runDaemon(cfg *config.Config, store *config.BundleStore, checker *auth.Checker, tokenCache *cache.TokenCache, renewer *renewal.BrowserRenewer) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// another worker's renewal rewrites the bundle file; drop tokens
	// minted against the old cookies
	if err := store.Watch(func(bundle *config.CredentialBundle) {
		log.Info("credential bundle changed on disk, invalidating token cache")
		tokenCache.Invalidate(ctx, bundle)
	}); err != nil {
		log.WithError(err).Warn("bundle watcher unavailable")
	}

	scheduler := keepalive.NewScheduler(cfg.KeepAlive, store, checker, tokenCache, renewer)
	scheduler.Subscribe(func(event string, payload map[string]interface{}) {
		log.WithFields(log.Fields{"event": event, "payload": payload}).Info("keep-alive event")
	})

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, scheduler)
	}

	if cfg.KeepAlive.Enabled {
		scheduler.Start(ctx)
		defer scheduler.Stop()
	} else {
		log.Warn("keep-alive disabled by configuration; running idle")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.WithField("signal", received.String()).Info("shutting down")
}

// serveMetrics exposes Prometheus metrics plus a small JSON status
// endpoint backed by the scheduler's cached check result.
func serveMetrics(addr string, scheduler *keepalive.Scheduler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := scheduler.Status()
		if status == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"no check completed yet"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	log.WithField("addr", addr).Info("metrics listener started")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("metrics listener failed")
	}
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.WithError(err).Fatal("encoding output failed")
	}
	fmt.Println(string(data))
}
