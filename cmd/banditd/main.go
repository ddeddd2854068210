// banditd is the bandit experimentation daemon. With no arguments it runs
// the serve loop: the HTTP surface plus the attribution, guardrail, and
// decision tickers. Subcommands run the offline tools against interaction
// logs and experiment profiles.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Teamial/CineaMate/pkg/analytics"
	"github.com/Teamial/CineaMate/pkg/config"
	"github.com/Teamial/CineaMate/pkg/decision"
	"github.com/Teamial/CineaMate/pkg/experiment"
	"github.com/Teamial/CineaMate/pkg/guardrails"
	"github.com/Teamial/CineaMate/pkg/observability"
	"github.com/Teamial/CineaMate/pkg/replay"
	"github.com/Teamial/CineaMate/pkg/reward"
	"github.com/Teamial/CineaMate/pkg/serve"
	"github.com/Teamial/CineaMate/pkg/store"

	_ "github.com/lib/pq" // postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommand. Split from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "create":
		return runCreate(args[2:], stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "load-logs":
		return runLoadLogs(args[2:], stdout, stderr)
	case "select-window":
		return runSelectWindow(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: banditd [command]

Commands:
  serve          run the daemon (default)
  create         create an experiment from a YAML profile
  replay         evaluate candidate policies against an interaction log
  load-logs      validate an interaction log and print its stats
  select-window  pick the best replay window from an interaction log`)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.DatabaseDriver == "postgres" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return store.NewWithDB(db)
	}
	return store.Open(cfg.DatabaseURL)
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "banditd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:  "banditd",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.TelemetryOn,
		Insecure:     true,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "telemetry: %v\n", err)
		return 1
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	s, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "store: %v\n", err)
		return 1
	}
	defer func() { _ = s.Close() }()

	var reader serve.Reader = s
	managerOpts := []experiment.Option{}
	updaterOpts := []reward.UpdaterOption{}
	if cfg.RedisAddr != "" {
		cache := store.NewCache(s, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
		reader = cache
		managerOpts = append(managerOpts, experiment.WithCache(cache))
		updaterOpts = append(updaterOpts, reward.WithInvalidator(cache))
		logger.Info("cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.CacheTTL)
	}

	manager := experiment.NewManager(s, managerOpts...)
	pipeline := serve.New(s, reader,
		serve.WithDeadlines(cfg.PolicyDeadline, cfg.ServeDeadline),
		serve.WithMetrics(provider))
	defer pipeline.Close()

	attributor := reward.NewAttributor(s)
	updater := reward.NewUpdater(s, updaterOpts...)
	monitor := guardrails.NewMonitor(s, manager, guardrails.WithWindow(cfg.GuardrailWindow))
	engine := decision.NewEngine(s, manager)
	reporting := analytics.NewService(s)

	go tick(ctx, cfg.AttributionTick, "attribution", func(ctx context.Context) error {
		if err := attributor.Tick(ctx); err != nil {
			return err
		}
		return updater.Tick(ctx)
	})
	go tick(ctx, cfg.GuardrailInterval, "guardrails", monitor.RunOnce)
	go tick(ctx, cfg.DecisionInterval, "decisions", engine.RunOnce)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newAPI(pipeline, attributor, manager, reporting),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving", "port", cfg.Port, "driver", cfg.DatabaseDriver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_, _ = fmt.Fprintf(stderr, "server: %v\n", err)
		return 1
	}
	return 0
}

// tick runs fn on a fixed interval until ctx is canceled.
func tick(ctx context.Context, every time.Duration, name string, fn func(context.Context) error) {
	logger := slog.Default().With("component", "ticker", "loop", name)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := fn(ctx); err != nil {
				logger.Error("tick failed", "error", err)
			}
		}
	}
}

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profilePath := fs.String("profile", "", "experiment profile YAML")
	start := fs.Bool("start", false, "start the experiment after creating it")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *profilePath == "" {
		_, _ = fmt.Fprintln(stderr, "create: -profile is required")
		return 2
	}

	raw, err := os.ReadFile(*profilePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "create: %v\n", err)
		return 1
	}
	profile, err := config.ParseProfile(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "create: %v\n", err)
		return 1
	}
	exp, policies, catalog, err := profile.Build(time.Now().UTC())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "create: %v\n", err)
		return 1
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	s, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "create: %v\n", err)
		return 1
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	manager := experiment.NewManager(s)
	if err := manager.Create(ctx, exp, policies, catalog); err != nil {
		_, _ = fmt.Fprintf(stderr, "create: %v\n", err)
		return 1
	}
	if *start {
		if err := manager.Start(ctx, exp.ID); err != nil {
			_, _ = fmt.Fprintf(stderr, "create: %v\n", err)
			return 1
		}
	}
	_, _ = fmt.Fprintf(stdout, "experiment %s created (%d policies, %d arms, started=%v)\n",
		exp.ID, len(policies), len(catalog.Arms), *start)
	return 0
}

func runReplay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	logPath := fs.String("log", "", "interaction log (JSONL)")
	profilePath := fs.String("profile", "", "experiment profile with candidate policies")
	seed := fs.Int64("seed", 1, "RNG seed; same seed reproduces the run exactly")
	windowDays := fs.Int("window-days", 0, "clip to the best window of this many days (0 = whole log)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *logPath == "" || *profilePath == "" {
		_, _ = fmt.Fprintln(stderr, "replay: -log and -profile are required")
		return 2
	}

	interactions, err := replay.LoadLogsFile(*logPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	if *windowDays > 0 {
		w, err := replay.SelectWindow(interactions, *windowDays)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "replay: %v\n", err)
			return 1
		}
		interactions = replay.Clip(interactions, w)
		_, _ = fmt.Fprintf(stderr, "window %s..%s (%d events)\n",
			w.From.Format("2006-01-02"), w.To.Format("2006-01-02"), w.Events)
	}

	raw, err := os.ReadFile(*profilePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	profile, err := config.ParseProfile(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	_, policies, catalog, err := profile.Build(time.Now().UTC())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	arms := make([]string, 0, len(catalog.Arms))
	for _, a := range catalog.Arms {
		arms = append(arms, a.ArmID)
	}

	results, err := replay.NewEngine().Run(replay.Config{
		Policies: policies,
		Arms:     arms,
		Seed:     *seed,
	}, interactions)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		_, _ = fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	return 0
}

func runLoadLogs(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("load-logs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	logPath := fs.String("log", "", "interaction log (JSONL)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *logPath == "" {
		_, _ = fmt.Fprintln(stderr, "load-logs: -log is required")
		return 2
	}
	interactions, err := replay.LoadLogsFile(*logPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load-logs: %v\n", err)
		return 1
	}
	stats := replay.Stats(interactions)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		_, _ = fmt.Fprintf(stderr, "load-logs: %v\n", err)
		return 1
	}
	return 0
}

func runSelectWindow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("select-window", flag.ContinueOnError)
	fs.SetOutput(stderr)
	logPath := fs.String("log", "", "interaction log (JSONL)")
	days := fs.Int("days", replay.MinWindowDays, "window length in days")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *logPath == "" {
		_, _ = fmt.Fprintln(stderr, "select-window: -log is required")
		return 2
	}
	interactions, err := replay.LoadLogsFile(*logPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "select-window: %v\n", err)
		return 1
	}
	w, err := replay.SelectWindow(interactions, *days)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "select-window: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(w); err != nil {
		_, _ = fmt.Fprintf(stderr, "select-window: %v\n", err)
		return 1
	}
	return 0
}

