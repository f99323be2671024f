// Command agentd runs the agent process orchestrator: it consumes
// scheduler jobs, supervises agent CLI processes, and exposes health and
// metrics endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentd/pkg/archive"
	"agentd/pkg/config"
	"agentd/pkg/health"
	"agentd/pkg/logx"
	"agentd/pkg/metrics"
	"agentd/pkg/notify"
	"agentd/pkg/orch"
	"agentd/pkg/runner"
	"agentd/pkg/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.Parse()

	logger := logx.NewLogger("agentd")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			logger.Error("failed to load config: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		logger.Error("invalid default config: %v (set -config)", err)
		os.Exit(1)
	}

	recorder := metrics.NewRecorder(nil)

	var channel notify.Channel
	if cfg.Notify.WebhookURL != "" {
		channel = notify.NewWebhookChannel(cfg.Notify.WebhookURL)
	} else {
		channel = notify.NewLogChannel()
	}
	notifier := notify.NewService(channel, notify.Options{
		Debounce:   cfg.Notify.Debounce,
		MaxBatch:   cfg.Notify.MaxBatch,
		Retries:    cfg.Notify.Retries,
		RetryDelay: cfg.Notify.RetryDelay,
		OnDelivery: recorder.Notification,
	})

	if err := run(cfg, notifier, recorder, logger); err != nil {
		logger.Error("agentd failed: %v", err)
		// Best-effort outward notification before a non-zero exit.
		notifier.NotifyImmediate("", cfg.Notify.Recipient, "agentd failed: "+err.Error(), nil)
		notifier.Flush()
		notifier.Stop()
		os.Exit(1)
	}
	notifier.Stop()
}

func run(cfg *config.Config, notifier *notify.Service, recorder *metrics.Recorder, logger *logx.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conns := store.NewConnManager(store.ConnConfig{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialAttempts: cfg.Redis.DialAttempts,
		BackoffBase:  cfg.Redis.BackoffBase,
		BackoffCap:   cfg.Redis.BackoffCap,
	})
	defer conns.Close()

	queueClient, err := conns.Handle(ctx, store.KindQueue)
	if err != nil {
		return err
	}
	streamClient, err := conns.Handle(ctx, store.KindStream)
	if err != nil {
		return err
	}
	stateClient, err := conns.Handle(ctx, store.KindState)
	if err != nil {
		return err
	}

	state := store.NewStateManager(stateClient)
	stream := store.NewStreamWriter(streamClient, cfg.Redis.StreamCap)
	jobs := store.NewJobQueue(queueClient)

	arch, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		return err
	}
	defer arch.Close()

	agents := runner.New(runner.Options{
		AllowedWorkdirs: cfg.Agent.AllowedWorkdirs,
		QueueCapacity:   cfg.Agent.QueueCapacity,
		WatchdogTimeout: cfg.Agent.WatchdogTimeout,
		GracePeriod:     cfg.Agent.GracePeriod,
	})
	var builder runner.ArgBuilder = &runner.ClaudeArgBuilder{
		Binary:    cfg.Agent.Binary,
		ExtraArgs: cfg.Agent.ExtraArgs,
	}
	if cfg.Agent.Kind != "claude" {
		// Non-claude kinds use the generic exec shape: fixed args, prompt last.
		builder = &runner.ExecArgBuilder{Binary: cfg.Agent.Binary, Args: cfg.Agent.ExtraArgs}
	}
	agents.RegisterBuilder(cfg.Agent.Kind, builder)

	coord := orch.New(orch.Options{
		DefaultRecipient: cfg.Notify.Recipient,
		DefaultAgent:     cfg.Agent.Kind,
		StalledAfter:     cfg.Orchestrator.StalledAfter,
		CheckInterval:    cfg.Orchestrator.CheckInterval,
	}, runnerAdapter{agents}, state, stream, jobs, notifier, arch, recorder)

	var queries *metrics.QueryService
	if cfg.Metrics.PrometheusURL != "" {
		queries, err = metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			return err
		}
	}

	checker := health.NewChecker(health.StandardBattery(conns, stream, state, jobs)...)
	server := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           newMux(checker, queries),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http listening on %s", cfg.HTTP.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed: %v", err)
		}
	}()

	err = coord.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown: %v", serr)
	}
	logger.Info("agentd stopped")
	return err
}

func newMux(checker *health.Checker, queries *metrics.QueryService) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		report := checker.Run(ctx)
		w.Header().Set("Content-Type", "application/json")
		if report.Status == health.OverallUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	if queries != nil {
		mux.HandleFunc("GET /runs/{id}/metrics", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
			defer cancel()
			m, err := queries.GetRunMetrics(ctx, r.PathValue("id"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			writeJSON(w, m)
		})
		mux.HandleFunc("GET /runs/metrics", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
			defer cancel()
			counts, err := queries.RunCounts(ctx)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			writeJSON(w, counts)
		})
	}
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// runnerAdapter bridges the concrete runner to the coordinator interface.
type runnerAdapter struct {
	*runner.Runner
}

func (a runnerAdapter) Run(ctx context.Context, opts runner.RunOptions) (orch.AgentRun, error) {
	run, err := a.Runner.Run(ctx, opts)
	if run == nil {
		return nil, err
	}
	return run, err
}
