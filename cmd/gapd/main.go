// gapd wires the governance kernel: registry, boundaries, ledger,
// reroute loop hooks, reconciler, escalation queue, and telemetry.
//
// Subcommands:
//
//	gapd [server]          run the kernel and reconciler until signalled
//	gapd verify            verify the persisted decision chain
//	gapd export -out PACK  write an evidence pack for a ledger range
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentplane/gap/pkg/artifacts"
	"github.com/agentplane/gap/pkg/audit"
	"github.com/agentplane/gap/pkg/boundary"
	"github.com/agentplane/gap/pkg/config"
	"github.com/agentplane/gap/pkg/contracts"
	"github.com/agentplane/gap/pkg/escalation"
	"github.com/agentplane/gap/pkg/kernel"
	"github.com/agentplane/gap/pkg/lineage"
	"github.com/agentplane/gap/pkg/observability"
	"github.com/agentplane/gap/pkg/reconciler"
	"github.com/agentplane/gap/pkg/registry"
	"github.com/agentplane/gap/pkg/worldmodel"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "usage: gapd [server|verify|export]\n")
		return 2
	}
}

func openLedger(cfg *config.Config, profile *config.Profile) (*lineage.Ledger, func(), error) {
	opts := []lineage.Option{lineage.WithHashAlgorithm(profile.HashAlgorithm)}

	switch cfg.LedgerBackend {
	case "memory":
		return lineage.NewLedger(opts...), func() {}, nil
	case "sqlite":
		store, err := lineage.OpenSQLite(cfg.DataDir + "/ledger.db")
		if err != nil {
			return nil, nil, err
		}
		l, err := lineage.LoadLedger(store, append(opts, lineage.WithStore(store))...)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return l, func() { _ = store.Close() }, nil
	case "postgres":
		store, err := lineage.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Init(context.Background()); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		l, err := lineage.LoadLedger(store, append(opts, lineage.WithStore(store))...)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return l, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

func loadProfile(cfg *config.Config, logger *slog.Logger) *config.Profile {
	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		logger.Warn("governance profile not loaded, using defaults",
			"path", cfg.ProfilePath, "error", err)
		return config.DefaultProfile()
	}
	return profile
}

func runServer(stderr io.Writer) int {
	logger := slog.New(slog.NewJSONHandler(stderr, nil))
	cfg := config.Load()
	profile := loadProfile(cfg, logger)

	ledger, closeLedger, err := openLedger(cfg, profile)
	if err != nil {
		logger.Error("open ledger", "error", err)
		return 1
	}
	defer closeLedger()

	reg := registry.NewInMemoryRegistry()

	bounds, err := boundary.NewSet()
	if err != nil {
		logger.Error("boundary set", "error", err)
		return 1
	}
	if profile.BoundariesDir != "" {
		if _, err := boundary.LoadDir(bounds, profile.BoundariesDir); err != nil {
			logger.Error("load boundaries", "error", err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:  "gap-kernel",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		logger.Error("init telemetry", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	ceiling, err := profile.CeilingLevel()
	if err != nil {
		logger.Error("governance profile", "error", err)
		return 1
	}

	kernelOpts := []kernel.Option{
		kernel.WithCeiling(ceiling),
		kernel.WithAuditLogger(audit.NewLogger()),
		kernel.WithMetrics(telemetry),
	}

	deliverables, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		logger.Error("deliverable store", "error", err)
		return 1
	}
	kernelOpts = append(kernelOpts, kernel.WithDeliverables(deliverables))

	var queue *escalation.Manager
	if cfg.EscalationSeed != "" {
		queue, err = escalation.NewManager([]byte(cfg.EscalationSeed),
			escalation.WithTimeout(profile.Escalation.Timeout()),
			escalation.WithAuditLogger(audit.NewLogger()))
		if err != nil {
			logger.Error("escalation queue", "error", err)
			return 1
		}
		kernelOpts = append(kernelOpts, kernel.WithEscalationHook(
			func(hctx context.Context, action contracts.Action, phase contracts.Phase, v *contracts.Verdict) {
				if _, _, rerr := queue.Raise(hctx, action, phase, v); rerr != nil {
					logger.Warn("open escalation case", "action", action.ID, "error", rerr)
				}
			}))
	}
	if profile.Limiter.PerMinute > 0 {
		var store kernel.LimiterStore
		if cfg.RedisAddr != "" {
			store = kernel.NewRedisLimiterStore(cfg.RedisAddr, cfg.RedisPassword, 0)
		} else {
			store = kernel.NewInMemoryLimiterStore()
		}
		kernelOpts = append(kernelOpts, kernel.WithLimiter(store, kernel.SubmissionPolicy{
			PerMinute: profile.Limiter.PerMinute,
			Burst:     profile.Limiter.Burst,
		}))
	}

	k, err := kernel.NewKernel(reg, bounds, ledger, kernelOpts...)
	if err != nil {
		logger.Error("kernel", "error", err)
		return 1
	}

	// The world model store is owned by an external observation
	// collaborator; it starts empty and the reconciler idles until
	// one populates it.
	world := worldmodel.NewStore()
	rec, err := reconciler.New(world, k, reconciler.Config{
		Schedule:                profile.Reconciler.Schedule,
		Tolerance:               profile.Reconciler.Tolerance,
		IntentTTL:               profile.Reconciler.IntentTTL(),
		Cooldown:                profile.Reconciler.Cooldown(),
		CircuitBreakerThreshold: profile.Reconciler.CircuitBreakerThreshold,
	}, reconciler.WithAuditLogger(audit.NewLogger()), reconciler.WithMetrics(telemetry))
	if err != nil {
		logger.Error("reconciler", "error", err)
		return 1
	}
	if err := rec.Start(); err != nil {
		logger.Error("reconciler start", "error", err)
		return 1
	}
	defer rec.Stop()

	if queue != nil {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					queue.Sweep(ctx)
				}
			}
		}()
	}

	logger.Info("gapd running",
		"ledger_backend", cfg.LedgerBackend,
		"hash_algorithm", profile.HashAlgorithm,
		"ceiling", string(ceiling),
		"profile", profile.Name,
	)

	<-ctx.Done()
	logger.Info("gapd shutting down")
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	from := fs.Uint64("from", 1, "first sequence to verify")
	to := fs.Uint64("to", 0, "last sequence to verify (0 = head)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ledger, closeLedger, err := loadPersistedLedger()
	if err != nil {
		fmt.Fprintf(stderr, "open ledger: %v\n", err)
		return 1
	}
	defer closeLedger()

	if err := ledger.Verify(*from, *to); err != nil {
		fmt.Fprintf(stderr, "chain verification FAILED: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "chain intact: %d records, head %s\n", ledger.Length(), ledger.Head())
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "evidence-pack.zip", "output archive path")
	from := fs.Uint64("from", 1, "first sequence to export")
	to := fs.Uint64("to", 0, "last sequence to export (0 = head)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ledger, closeLedger, err := loadPersistedLedger()
	if err != nil {
		fmt.Fprintf(stderr, "open ledger: %v\n", err)
		return 1
	}
	defer closeLedger()

	pack, checksum, err := audit.NewExporter(ledger).GeneratePack(context.Background(), audit.ExportRequest{
		From: *from,
		To:   *to,
	})
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*out, pack, 0o600); err != nil {
		fmt.Fprintf(stderr, "write %s: %v\n", *out, err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s (%d bytes, sha256 %s)\n", *out, len(pack), checksum)
	return 0
}

// loadPersistedLedger opens the configured backend for offline
// inspection. An in-memory backend has nothing to inspect.
func loadPersistedLedger() (*lineage.Ledger, func(), error) {
	cfg := config.Load()
	if cfg.LedgerBackend == "memory" {
		return nil, nil, fmt.Errorf("ledger backend %q has no persisted chain", cfg.LedgerBackend)
	}
	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		profile = config.DefaultProfile()
	}
	return openLedger(cfg, profile)
}
