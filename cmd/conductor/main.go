// Command conductor runs the orchestration engine.
//
// Subcommands:
//
//	start         run the cycle loop, guardian loop, and metrics listener
//	status        print the last cycle outcome and ledger balances
//	guardian-scan run one health sweep and exit with its max severity
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"conductor/pkg/agent"
	"conductor/pkg/bus"
	"conductor/pkg/config"
	"conductor/pkg/eventlog"
	"conductor/pkg/guardian"
	"conductor/pkg/ledger"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/orchestrator"
	"conductor/pkg/persistence"
	"conductor/pkg/provider"
	"conductor/pkg/router"
)

// Version information - set via ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		os.Exit(runStart(os.Args[2:]))
	case "status":
		os.Exit(runStatus(os.Args[2:]))
	case "guardian-scan":
		os.Exit(runGuardianScan(os.Args[2:]))
	case "version", "-version", "--version":
		fmt.Printf("conductor %s (%s)\n", version, commit)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: conductor <start|status|guardian-scan> [flags]")
}

// loadConfig parses and validates the config file, then unlocks the secrets
// store if one exists next to the state directory.
func loadConfig(path string, promptSecrets bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	secretsPath := filepath.Join(cfg.StateDir, config.SecretsFileName)
	if _, statErr := os.Stat(secretsPath); statErr == nil && promptSecrets {
		fmt.Fprint(os.Stderr, "Secrets passphrase: ")
		password, readErr := term.ReadPassword(syscall.Stdin)
		fmt.Fprintln(os.Stderr)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read passphrase: %w", readErr)
		}
		if err := config.LoadSecretsFile(secretsPath, string(password)); err != nil {
			return nil, fmt.Errorf("failed to unlock secrets: %w", err)
		}
	}
	return cfg, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "conductor.yaml", "Path to configuration file")
	debug := fs.Bool("debug", false, "Enable debug logging")
	_ = fs.Parse(args)

	if *debug {
		logx.SetDebug(true, nil)
	}
	logger := logx.NewLogger("main")

	cfg, err := loadConfig(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: failed to create state dir: %v\n", err)
		return 1
	}

	gateway, err := persistence.Open(filepath.Join(cfg.StateDir, "conductor.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}
	defer func() { _ = gateway.Close() }()

	mirror, err := eventlog.NewWriter(filepath.Join(cfg.StateDir, "events"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}
	defer func() { _ = mirror.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engineBus := bus.New(cfg.QueueDepthPerSubscriber)
	recorder := metrics.NewRecorder()

	// Overflow on any topic is a Warning on the health topic; overflows of the
	// health topic itself only count, to avoid feedback.
	engineBus.OnOverflow(func(overflow bus.QueueOverflow) {
		recorder.IncQueueOverflow(overflow.Topic, overflow.Subscriber)
		if overflow.Topic == bus.TopicHealth {
			return
		}
		go func() {
			if _, err := engineBus.Publish(bus.TopicHealth, "bus", guardian.OverflowFinding(overflow)); err != nil {
				logger.Warn("failed to publish overflow finding: %v", err)
			}
		}()
	})

	credits := make(map[string]float64, len(cfg.Providers))
	for i := range cfg.Providers {
		credits[cfg.Providers[i].Name] = cfg.Providers[i].InitialCreditUSD
	}
	engineLedger := ledger.New(credits)

	counter, err := provider.NewTokenCounter()
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}
	registry, err := provider.BuildRegistry(ctx, cfg.Providers, counter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}

	fallbackID := ""
	if fb := cfg.LocalFallback(); fb != nil {
		fallbackID = fb.Name
	}
	engineRouter := router.New(registry, engineLedger, fallbackID)
	engineRouter.SetRecorder(recorder)

	inference := agent.WithRetry(engineRouter, agent.PolicyFromConfig(&cfg.Retry))

	agents := make([]agent.Agent, 0, len(cfg.Agents))
	for i := range cfg.Agents {
		agents = append(agents, agent.NewTaskAgent(&cfg.Agents[i]))
	}

	// Archive every published event to sqlite and the JSONL mirror, and keep
	// a ledger snapshot per closed cycle.
	archive := func(event bus.Event) {
		// Detached from the signal context so events published during
		// shutdown still reach the archive.
		archiveCtx := context.Background()
		if err := gateway.AppendEvent(archiveCtx, event); err != nil {
			logger.Error("failed to archive event: %v", err)
		}
		if err := mirror.WriteEvent(event); err != nil {
			logger.Error("failed to mirror event: %v", err)
		}
		if event.Topic == bus.TopicCycles {
			if err := gateway.WriteLedgerSnapshot(archiveCtx, engineLedger.Snapshot()); err != nil {
				logger.Error("failed to write ledger snapshot: %v", err)
			}
		}
	}
	for _, topic := range []string{bus.TopicCycles, bus.TopicResults, bus.TopicHealth} {
		if _, err := engineBus.Subscribe(topic, "archive", archive); err != nil {
			fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
			return 1
		}
	}

	engine, err := orchestrator.New(cfg, agents, inference, engineBus, gateway, recorder)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}

	supervisor := guardian.New(
		gateway, engineLedger,
		cfg.Guardian.Interval.Std(), cfg.Guardian.FailureWindow, cfg.Guardian.FailureThreshold,
		guardian.WithBus(engineBus),
		guardian.WithSink(gateway),
		guardian.WithLedgerMismatchHook(engineLedger.Halt),
	)

	var metricsSrv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listener on %s", cfg.Metrics.ListenAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed: %v", err)
			}
		}()
	}

	logger.Info("conductor %s starting: %d agents, %d providers, cycle every %s",
		version, len(agents), len(cfg.Providers), cfg.CycleInterval.Std())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		supervisor.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	wg.Wait()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	engineBus.Close()

	logger.Info("conductor stopped")
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "conductor.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}

	gateway, err := persistence.Open(filepath.Join(cfg.StateDir, "conductor.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}
	defer func() { _ = gateway.Close() }()

	ctx := context.Background()

	cycles, err := gateway.ReadRecentCycles(ctx, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}
	if len(cycles) == 0 {
		fmt.Println("No cycles recorded yet.")
	} else {
		cycle := &cycles[0]
		fmt.Printf("Last cycle %s: %s (started %s, took %s)\n",
			cycle.ID, cycle.Status,
			cycle.StartedAt.Format(time.RFC3339),
			cycle.CompletedAt.Sub(cycle.StartedAt).Round(time.Millisecond))
		for i := range cycle.AgentResults {
			r := &cycle.AgentResults[i]
			fmt.Printf("  %-20s %-8s %s\n", r.AgentID, r.Status, r.Duration.Round(time.Millisecond))
		}
	}

	snap, err := gateway.ReadLatestLedgerSnapshot(ctx)
	switch {
	case errors.Is(err, persistence.ErrNoSnapshot):
		fmt.Println("No ledger snapshot recorded yet.")
	case err != nil:
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	default:
		fmt.Printf("Ledger (as of %s):\n", snap.TakenAt.Format(time.RFC3339))
		for i := range snap.Accounts {
			acct := &snap.Accounts[i]
			fmt.Printf("  %-20s credit %8.4f / %8.4f USD  spent %8.4f\n",
				acct.ProviderID, acct.CreditRemaining, acct.InitialCredit, acct.SpentTotal)
		}
	}

	if cfg.Metrics.PrometheusURL != "" {
		printPrometheusSpend(ctx, cfg.Metrics.PrometheusURL)
	}
	return 0
}

// printPrometheusSpend reports aggregate usage from an external Prometheus.
// Failures here degrade the status output rather than failing the command.
func printPrometheusSpend(ctx context.Context, prometheusURL string) {
	service, err := metrics.NewQueryService(prometheusURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		return
	}
	all, err := service.GetAllProviderMetrics(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: prometheus query failed: %v\n", err)
		return
	}
	if len(all) == 0 {
		return
	}
	fmt.Println("Prometheus totals:")
	for id, m := range all {
		fmt.Printf("  %-20s %d prompt + %d completion tokens, %.4f USD\n",
			id, m.PromptTokens, m.CompletionTokens, m.TotalSpend)
	}
}

func runGuardianScan(args []string) int {
	fs := flag.NewFlagSet("guardian-scan", flag.ExitOnError)
	configPath := fs.String("config", "conductor.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}

	gateway, err := persistence.Open(filepath.Join(cfg.StateDir, "conductor.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}
	defer func() { _ = gateway.Close() }()

	ctx := context.Background()

	// An offline scan audits the last persisted ledger snapshot; without one
	// it falls back to the configured initial credits (trivially consistent).
	var source guardian.LedgerSource
	snap, err := gateway.ReadLatestLedgerSnapshot(ctx)
	if err == nil {
		source = &staticLedger{snap: snap}
	} else if errors.Is(err, persistence.ErrNoSnapshot) {
		credits := make(map[string]float64, len(cfg.Providers))
		for i := range cfg.Providers {
			credits[cfg.Providers[i].Name] = cfg.Providers[i].InitialCreditUSD
		}
		source = ledger.New(credits)
	} else {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}

	supervisor := guardian.New(
		gateway, source,
		cfg.Guardian.Interval.Std(), cfg.Guardian.FailureWindow, cfg.Guardian.FailureThreshold,
	)
	findings := supervisor.Sweep(ctx)

	if len(findings) == 0 {
		fmt.Println("No findings.")
		return 0
	}
	for i := range findings {
		f := &findings[i]
		fmt.Printf("%-8s %-24s %s\n", f.Severity, f.Subject, f.Description)
	}

	switch guardian.MaxSeverity(findings) {
	case guardian.SeverityCritical:
		return 2
	case guardian.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// staticLedger adapts a persisted snapshot to the guardian's ledger view.
type staticLedger struct {
	snap ledger.Snapshot
}

func (s *staticLedger) Snapshot() ledger.Snapshot { return s.snap }
func (s *staticLedger) Halted() bool              { return false }
