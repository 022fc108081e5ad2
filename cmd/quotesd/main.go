package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dealdeskhq/dealdesk/internal/config"
	"github.com/dealdeskhq/dealdesk/internal/fetch"
	"github.com/dealdeskhq/dealdesk/internal/marketclock"
	"github.com/dealdeskhq/dealdesk/internal/observ"
	"github.com/dealdeskhq/dealdesk/internal/quote"
	"github.com/dealdeskhq/dealdesk/internal/quotestore"
	"github.com/dealdeskhq/dealdesk/internal/ratelimit"
	"github.com/dealdeskhq/dealdesk/internal/source"
	"github.com/dealdeskhq/dealdesk/internal/store"
	"github.com/dealdeskhq/dealdesk/internal/stream"
	"github.com/dealdeskhq/dealdesk/internal/subscription"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	listenAddr := flag.String("listen", "", "listen address override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observ.Log("config_load_failed", map[string]any{"path": *configPath, "error": err.Error()})
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	clock, err := marketclock.NewExchangeClock()
	if err != nil {
		observ.Log("clock_init_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	kv, err := openStore(cfg.Store)
	if err != nil {
		observ.Log("store_init_failed", map[string]any{"backend": cfg.Store.Backend, "error": err.Error()})
		os.Exit(1)
	}

	synthetic := source.NewSynthetic(append(cfg.SyntheticSymbols, cfg.Watchlist...))

	var live source.QuoteSource = synthetic
	if cfg.Vendor.BaseURL != "" {
		vendor, err := source.NewVendorClient(source.VendorConfig{
			BaseURL:            cfg.Vendor.BaseURL,
			APIKey:             cfg.Vendor.APIKey,
			TimeoutSeconds:     cfg.Vendor.TimeoutSeconds,
			RateLimitPerMinute: cfg.Vendor.RateLimitPerMinute,
		})
		if err != nil {
			observ.Log("vendor_init_failed", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
		live = vendor
	} else {
		observ.Log("vendor_not_configured", map[string]any{"fallback": "synthetic"})
	}

	quotes := quotestore.New(kv, clock, cfg.Cache.Capacity)
	limiter := ratelimit.NewWindow(cfg.Fetch.Budget)
	batcher := fetch.NewBatchFetcher(live, limiter, cfg.Fetch.ChunkSize,
		time.Duration(cfg.Fetch.ChunkDelayMs)*time.Millisecond)
	chain := fetch.NewChain(live, synthetic, quotes, batcher, limiter)

	hub := stream.NewHub()
	manager := subscription.NewManager(clock, chain, quotes)
	manager.SetUpdateHook(hub.Broadcast)

	for _, sym := range cfg.Watchlist {
		sym := quote.NormalizeSymbol(sym)
		manager.Subscribe(sym, func(q quote.Quote) {
			observ.IncCounter("watchlist_updates_total", map[string]string{"source": q.Source})
		})
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", observ.Health())
	mux.Handle("GET /metrics", observ.Handler())
	mux.Handle("GET /v1/stream", hub)

	mux.HandleFunc("GET /v1/quotes/{symbol}", func(w http.ResponseWriter, r *http.Request) {
		q, err := chain.Resolve(r.Context(), r.PathValue("symbol"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, q)
	})

	mux.HandleFunc("GET /v1/search", func(w http.ResponseWriter, r *http.Request) {
		matches, err := live.SearchSymbol(r.Context(), r.URL.Query().Get("q"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
	})

	mux.HandleFunc("POST /v1/controls/data", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		chain.SetEnabled(body.Enabled)
		writeJSON(w, http.StatusOK, map[string]any{"enabled": body.Enabled})
	})

	mux.HandleFunc("POST /v1/controls/pause", func(w http.ResponseWriter, r *http.Request) {
		manager.Pause()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /v1/controls/resume", func(w http.ResponseWriter, r *http.Request) {
		manager.Resume()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /v1/controls/visible", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Symbol  string `json:"symbol"`
			Visible bool   `json:"visible"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Symbol == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if body.Visible {
			manager.MarkVisible(body.Symbol)
		} else {
			manager.MarkHidden(body.Symbol)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		observ.Log("quotesd_listening", map[string]any{
			"addr":      cfg.ListenAddr,
			"watchlist": cfg.Watchlist,
			"backend":   cfg.Store.Backend,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observ.Log("server_failed", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	observ.Log("quotesd_shutting_down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	manager.Close()
	if err := kv.Close(); err != nil {
		observ.Log("store_close_failed", map[string]any{"error": err.Error()})
	}
	observ.Log("quotesd_stopped", nil)
}

func openStore(cfg config.Store) (store.Store, error) {
	switch cfg.Backend {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return store.NewPostgresStore(ctx, cfg.Postgres)
	default:
		return store.NewFileStore(cfg.FilePath)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case quote.IsKind(err, quote.KindNoData):
		status = http.StatusNotFound
	case quote.IsKind(err, quote.KindDataPaused):
		status = http.StatusServiceUnavailable
	case quote.IsKind(err, quote.KindRateLimited):
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
