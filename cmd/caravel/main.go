package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/artpar/caravel/internal/core/domain"
	"github.com/artpar/caravel/internal/core/resolver"
	"github.com/artpar/caravel/internal/shell/audit"
	"github.com/artpar/caravel/internal/shell/coordinator"
	"github.com/artpar/caravel/internal/shell/deployer"
	"github.com/artpar/caravel/internal/shell/orchestrator"
	"github.com/artpar/caravel/internal/shell/state"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	serve := flag.Bool("serve", false, "Run the status API server instead of deploying")

	domainFlag := flag.String("domain", "", "Deploy a single domain from the portfolio")
	domainsFlag := flag.String("domains", "", "Extra domains (comma-separated) merged with the domains file")
	allFlag := flag.Bool("all", true, "Deploy every resolved domain")
	envFlag := flag.String("env", "", "Target environment (production, staging, development)")
	artifactFlag := flag.String("artifact", "", "Artifact reference to deploy")
	parallelFlag := flag.Int("parallel", 0, "Maximum concurrent deployments")
	dryRun := flag.Bool("dry-run", false, "Simulate without deploying or writing state")
	rollbackFlag := flag.Bool("rollback", true, "Roll back a domain when its deploy or verify fails")
	failFastFlag := flag.Bool("fail-fast", false, "Cancel queued domains after the first failure")
	flag.Parse()

	// Handle version flag
	if *showVersion {
		fmt.Printf("caravel %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	// Load configuration
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	// Flags set on the command line override the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "env":
			cfg.Deploy.Environment = *envFlag
		case "artifact":
			cfg.Deploy.Artifact = *artifactFlag
		case "parallel":
			cfg.Deploy.Parallel = *parallelFlag
		case "rollback":
			cfg.Deploy.Rollback = *rollbackFlag
		case "fail-fast":
			cfg.Deploy.FailFast = *failFastFlag
		}
	})

	// Setup logger
	logger := SetupLogger(cfg)
	logger.Info("starting caravel",
		"version", Version,
		"config", *configPath,
	)

	if *serve {
		server, err := NewServer(cfg, logger)
		if err != nil {
			if sErr, ok := err.(*ServerError); ok {
				logger.Error("failed to create server", "error", sErr.Err, "operation", sErr.Op)
				return sErr.ExitCode
			}
			logger.Error("failed to create server", "error", err)
			return ExitConfigError
		}
		if err := server.Start(context.Background()); err != nil {
			logger.Error("server error", "error", err)
			return ExitHTTPServerError
		}
		return ExitSuccess
	}

	return runDeploy(cfg, logger, deployOptions{
		domain:   *domainFlag,
		domains:  *domainsFlag,
		all:      *allFlag,
		dryRun:   *dryRun,
		explicit: *domainFlag != "",
	})
}

// =============================================================================
// Deploy
// =============================================================================

type deployOptions struct {
	domain   string
	domains  string
	all      bool
	dryRun   bool
	explicit bool
}

func runDeploy(cfg *Config, logger *slog.Logger, opts deployOptions) int {
	env, err := domain.ParseEnvironment(cfg.Deploy.Environment)
	if err != nil {
		logger.Error("invalid environment", "error", err)
		return ExitConfigError
	}

	domains, err := resolveDomains(cfg, env, opts)
	if err != nil {
		logger.Error("could not resolve domains", "error", err)
		return ExitConfigError
	}

	plan := domain.DeploymentPlan{
		Domains:             domains,
		Environment:         env,
		Artifact:            cfg.Deploy.Artifact,
		ParallelDeployments: cfg.Deploy.Parallel,
		DryRun:              opts.dryRun,
		RollbackEnabled:     cfg.Deploy.Rollback,
		FailFast:            cfg.Deploy.FailFast,
		Credentials: domain.Credentials{
			APIToken:  cfg.Credentials.APIToken,
			AccountID: cfg.Credentials.AccountID,
			ZoneID:    cfg.Credentials.ZoneID,
		},
	}

	// Dry runs touch no storage, so none is opened.
	var stateManager *state.Manager
	var archive *audit.Archive
	if !opts.dryRun {
		stateManager, err = state.NewManager(state.Config{
			Root:            cfg.State.Root,
			MaxHistoryItems: cfg.State.MaxHistoryItems,
			LockTimeout:     cfg.State.LockTimeout,
		}, logger)
		if err != nil {
			logger.Error("could not open state store", "error", err)
			return ExitStateError
		}

		archive, err = audit.NewArchive(cfg.Database.DSN)
		if err != nil {
			logger.Error("could not open audit archive", "error", err)
			return ExitStateError
		}
		defer archive.Close()
	}

	cli := deployer.NewCLI(deployer.CLIConfig{
		Binary:  cfg.Deployer.Binary,
		Timeout: cfg.Deployer.Timeout,
	}, logger)

	orch := orchestrator.New(plan, cli, stateManager, archive, orchestrator.Config{
		Verify: coordinator.VerifyConfig{
			Attempts:       cfg.Verify.Attempts,
			BackoffBase:    cfg.Verify.BackoffBase,
			RequestTimeout: cfg.Verify.RequestTimeout,
		},
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Initialize(ctx); err != nil {
		logger.Error("initialization failed", "error", err)
		return ExitConfigError
	}

	var result *domain.PortfolioResult
	if opts.explicit {
		result, err = orch.Deploy(ctx, opts.domain)
	} else {
		result, err = orch.DeployPortfolio(ctx)
	}
	if err != nil {
		logger.Error("deployment run failed", "error", err)
		return ExitDeployFailed
	}

	printSummary(result)
	if !result.AllSucceeded() {
		return ExitDeployFailed
	}
	return ExitSuccess
}

// resolveDomains merges the domains file with the -domains flag and applies
// the selection flags.
func resolveDomains(cfg *Config, env domain.Environment, opts deployOptions) ([]string, error) {
	var configured []string
	if cfg.Deploy.DomainsFile != "" {
		raw, err := os.ReadFile(cfg.Deploy.DomainsFile)
		if err != nil {
			return nil, fmt.Errorf("read domains file: %w", err)
		}
		configured, err = resolver.LoadConfiguration(raw, env)
		if err != nil {
			return nil, err
		}
	}

	var extra []string
	for _, d := range strings.Split(opts.domains, ",") {
		if d = strings.TrimSpace(d); d != "" {
			extra = append(extra, d)
		}
	}

	merged := resolver.DetectDomains(configured, extra)
	return resolver.SelectDomain(merged, resolver.Criteria{
		Domain: opts.domain,
		All:    opts.all,
	})
}

// printSummary writes the machine-readable run summary to stdout. Logs go to
// stderr, so stdout stays parseable.
func printSummary(result *domain.PortfolioResult) {
	summary := map[string]any{
		"run_id":      result.RunID,
		"succeeded":   recordDomains(result.Succeeded),
		"failed":      recordDomains(result.Failed),
		"rolled_back": recordDomains(result.RolledBack),
		"skipped":     recordDomains(result.Skipped),
		"cancelled":   recordDomains(result.Cancelled),
		"duration_ms": result.DurationMs,
	}
	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(encoded))
}

func recordDomains(records []domain.DeploymentRecord) []string {
	names := make([]string, 0, len(records))
	for _, rec := range records {
		names = append(names, rec.DomainID)
	}
	return names
}
