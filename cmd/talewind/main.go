// Command talewind runs the Talewind world simulation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/talewind-ai/talewind/internal/app"
	"github.com/talewind-ai/talewind/internal/config"
	"github.com/talewind-ai/talewind/internal/health"
	"github.com/talewind-ai/talewind/internal/observe"
	"github.com/talewind-ai/talewind/internal/resilience"
	"github.com/talewind-ai/talewind/pkg/provider/embeddings"
	ollamaembed "github.com/talewind-ai/talewind/pkg/provider/embeddings/ollama"
	oaembed "github.com/talewind-ai/talewind/pkg/provider/embeddings/openai"
	"github.com/talewind-ai/talewind/pkg/provider/llm"
	"github.com/talewind-ai/talewind/pkg/provider/llm/anyllm"
	oallm "github.com/talewind-ai/talewind/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	days := flag.Int("days", 1, "number of in-world days to simulate")
	session := flag.String("session", "", "session ID to resume or create (empty allocates a new one)")
	fresh := flag.Bool("fresh", false, "delete all persisted state of --session before running")
	watch := flag.Bool("watch-config", false, "reload the config file on change")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "talewind: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "talewind: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Observability)
	slog.SetDefault(logger)

	slog.Info("talewind starting",
		"config", *configPath,
		"world", cfg.World.Name,
		"backend", cfg.Storage.Backend,
		"days", *days,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	reg.UseCredentials(cfg.LLM.Providers)

	embedder, err := buildEmbeddings(cfg, reg)
	if err != nil {
		slog.Error("failed to build embeddings provider", "err", err)
		return 1
	}

	// ── Metrics ───────────────────────────────────────────────────────────────
	metrics := observe.DefaultMetrics()
	var otelShutdown func(context.Context) error
	if cfg.Observability.MetricsAddr != "" {
		shutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
			ServiceName: "talewind",
		})
		if err != nil {
			slog.Error("failed to init telemetry", "err", err)
			return 1
		}
		otelShutdown = shutdown

		m, err := observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			slog.Error("failed to create metrics", "err", err)
			return 1
		}
		metrics = m
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, *days)

	application, err := app.New(ctx, cfg,
		&app.Providers{Resolver: reg, Embeddings: embedder},
		app.WithLogger(logger),
		app.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Metrics + health endpoint (optional) ──────────────────────────────────
	var metricsSrv *http.Server
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.New(health.StoreChecker(application.Store())).Register(mux)

		metricsSrv = &http.Server{Addr: addr, Handler: observe.Middleware(metrics)(mux)}
		go func() {
			slog.Info("metrics endpoint listening", "addr", addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
	}

	// ── Config watcher (optional) ─────────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if d.CharactersChanged || d.RoutesChanged || d.SimulationChanged {
				slog.Warn("config changed on disk; roster, route and simulation changes take effect on restart")
			}
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer watcher.Stop()
	}

	// ── Fresh start (optional) ────────────────────────────────────────────────
	if *fresh {
		if *session == "" {
			slog.Error("--fresh requires --session")
			return 1
		}
		if err := application.ResetSession(ctx, *session); err != nil {
			slog.Error("failed to reset session", "session", *session, "err", err)
			return 1
		}
		slog.Info("session state deleted", "session", *session)
	}

	runErr := application.RunDays(ctx, *session, *days)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("simulation error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if otelShutdown != nil {
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends are the model backends reachable through the any-llm
// gateway, registered as "anyllm:<name>".
var anyllmBackends = []string{
	"openai", "anthropic", "gemini", "ollama",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// The any-llm backends share one pattern: optional APIKey + optional
	// BaseURL. ollama and llamacpp are local servers and only need BaseURL.
	for _, backend := range anyllmBackends {
		reg.RegisterLLM("anyllm:"+backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// The native openai client supports organisation-scoped keys and strict
	// JSON mode without going through the gateway.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})
}

// buildEmbeddings instantiates the configured embeddings provider, or nil
// when the embeddings block is empty. Configured fallbacks are wrapped in a
// circuit-breaking failover group around the primary.
func buildEmbeddings(cfg *config.Config, reg *config.Registry) (embeddings.Provider, error) {
	name := cfg.Embeddings.Provider
	if name == "" {
		return nil, nil
	}
	p, err := reg.CreateEmbeddings(name, cfg.Embeddings.Entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("embeddings provider not registered — semantic recall disabled", "name", name)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
	}
	slog.Info("provider created", "kind", "embeddings", "name", name, "model", p.ModelID())

	if len(cfg.Embeddings.Fallbacks) == 0 {
		return p, nil
	}
	group := resilience.NewEmbeddingsFallback(p, name, resilience.FallbackConfig{})
	for _, fb := range cfg.Embeddings.Fallbacks {
		backup, err := reg.CreateEmbeddings(fb.Provider, fb.Entry)
		if err != nil {
			return nil, fmt.Errorf("create embeddings fallback %q: %w", fb.Provider, err)
		}
		group.AddFallback(fb.Provider, backup)
		slog.Info("provider created", "kind", "embeddings", "name", fb.Provider, "role", "fallback")
	}
	return group, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, days int) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Talewind — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("World", cfg.World.Name)
	printField("Storage", string(cfg.Storage.Backend))
	route := cfg.LLM.Routes.For("dialogue")
	printField("Dialogue LLM", route.Primary.Provider+" / "+route.Primary.Model)
	printField("Embeddings", cfg.Embeddings.Provider)
	printField("Characters", fmt.Sprintf("%d", len(cfg.World.Characters)))
	printField("Phases per day", fmt.Sprintf("%d", len(cfg.Simulation.Periods)))
	printField("Days to run", fmt.Sprintf("%d", days))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" || value == " / " {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar lets the
// config watcher adjust verbosity at runtime.
func newLogger(obs config.ObservabilityConfig) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(slogLevel(obs.LogLevel))

	var handler slog.Handler
	if obs.LogFormat == config.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	}
	return slog.New(handler), level
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
