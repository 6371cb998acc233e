package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/wainbound/internal/bus"
	"github.com/nextlevelbuilder/wainbound/internal/channels"
	"github.com/nextlevelbuilder/wainbound/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/wainbound/internal/config"
	"github.com/nextlevelbuilder/wainbound/internal/media"
	"github.com/nextlevelbuilder/wainbound/internal/metrics"
	"github.com/nextlevelbuilder/wainbound/internal/pipeline"
	"github.com/nextlevelbuilder/wainbound/internal/providers"
	"github.com/nextlevelbuilder/wainbound/internal/store"
	"github.com/nextlevelbuilder/wainbound/internal/store/sqlite"
	"github.com/nextlevelbuilder/wainbound/internal/tracing"
)

const (
	shutdownTimeout = 30 * time.Second
	pruneInterval   = 5 * time.Minute
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook listener, bridge client and inbound pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}

	for _, w := range cfg.Warnings() {
		slog.Warn("config: " + w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	if cfg.Telemetry.Enabled {
		slog.Info("otel tracing enabled", "endpoint", cfg.Telemetry.Endpoint)
	}

	invoker, err := buildInvoker(cfg)
	if err != nil {
		return err
	}

	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	msgBus := bus.New()
	coord, err := pipeline.New(pipeline.Options{
		Pool:          media.NewPool(cfg.Media.Workers),
		Invoker:       invoker,
		Agent:         pipeline.NewRelay(msgBus),
		Aggregator:    cfg.Aggregator.ToAggregatorConfig(),
		Prompt:        cfg.Agent,
		MaxMediaBytes: cfg.Media.MaxBytes,
		Dedupe: bus.NewDedupeCache(
			time.Duration(cfg.Gateway.DedupeTTLMs)*time.Millisecond, cfg.Gateway.DedupeMaxEntries),
		DeadLetters: stores.DeadLetters,
	})
	if err != nil {
		return err
	}

	channelMgr := channels.NewManager(msgBus)
	mux := http.NewServeMux()
	registerChannels(cfg, msgBus, channelMgr, mux)
	if p := cfg.Gateway.MetricsPath; p != "" && p != "-" {
		mux.Handle(p, metrics.Handler())
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, Version)
	})

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := channelMgr.StartAll(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		coord.Run(gctx, msgBus)
		return nil
	})

	g.Go(func() error {
		slog.Info("wainbound listening", "addr", server.Addr, "version", Version,
			"primary", cfg.Backends.Primary.Label(), "fallback", cfg.Backends.Fallback.Label())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, cfg, func(next *config.Config) {
			if restart := cfg.ReplaceFrom(next); len(restart) > 0 {
				slog.Warn("config sections changed that only apply after a restart", "sections", restart)
			}
			aggCfg, invCfg := cfg.Tunables()
			coord.Aggregator().SetConfig(aggCfg.ToAggregatorConfig())
			invoker.SetConfig(providers.InvokerConfigFrom(invCfg))
			coord.SetPrompt(next.Agent)
		})
		if err != nil {
			// Hot reload is optional; keep serving without it.
			slog.Warn("config hot reload unavailable", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if n := invoker.PruneIdle(now); n > 0 {
					slog.Debug("pruned idle session health", "sessions", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("graceful shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Inputs first, then the pipeline flush, then the channels: the channel
		// manager delivers the flushed replies before closing the bridge.
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "error", err)
		}
		if err := coord.Stop(shutdownCtx); err != nil {
			slog.Error("pipeline did not drain before shutdown deadline", "error", err)
		}
		channelMgr.StopAll(shutdownCtx)
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// buildInvoker creates the primary and (optional) fallback backends.
func buildInvoker(cfg *config.Config) (*providers.Invoker, error) {
	primary, err := providers.NewFromConfig(cfg.Backends.Primary)
	if err != nil {
		return nil, fmt.Errorf("primary backend: %w", err)
	}

	var fallback providers.Provider
	fb, err := providers.NewFromConfig(cfg.Backends.Fallback)
	switch {
	case errors.Is(err, providers.ErrNotConfigured):
		slog.Warn("no fallback backend configured; primary failures will surface as unavailable")
	case err != nil:
		return nil, fmt.Errorf("fallback backend: %w", err)
	default:
		fallback = fb
	}

	return providers.NewInvoker(primary, fallback, providers.InvokerConfigFrom(cfg.Invoker)), nil
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	stores := &store.Stores{}
	if !cfg.DeadLetter.Enabled {
		return stores, nil
	}
	path := config.ExpandHome(cfg.DeadLetter.Path)
	dl, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dead letter store: %w", err)
	}
	slog.Info("dead letter store enabled", "path", path)
	stores.DeadLetters = dl
	return stores, nil
}

func registerChannels(cfg *config.Config, msgBus *bus.MessageBus, mgr *channels.Manager, mux *http.ServeMux) {
	wa := cfg.Channels.WhatsApp
	if !wa.Enabled {
		slog.Warn("whatsapp channel disabled")
		return
	}

	webhook := whatsapp.NewWebhookChannel(wa, cfg.Gateway, msgBus)
	mux.Handle(webhook.Path(), webhook)
	slog.Info("whatsapp webhook enabled", "path", webhook.Path(), "token", cfg.Gateway.Token != "")

	if wa.BridgeURL == "" {
		return
	}
	ch, err := whatsapp.New(wa, msgBus)
	if err != nil {
		slog.Error("failed to initialize whatsapp channel", "error", err)
		return
	}
	mgr.RegisterChannel(ch.Name(), ch)
	slog.Info("whatsapp bridge channel enabled", "bridge_url", wa.BridgeURL)
}
