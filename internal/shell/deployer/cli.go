package deployer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/artpar/caravel/internal/core/domain"
)

// =============================================================================
// Vendor CLI Deployer
// =============================================================================

// CLIConfig configures the vendor-CLI deployer adapter.
type CLIConfig struct {
	// Binary is the vendor CLI executable (absolute path or on PATH).
	Binary string

	// Timeout bounds a single CLI invocation. Default: 5 minutes.
	Timeout time.Duration
}

// CLI adapts a vendor deployment CLI to the Deployer interface. The CLI is
// expected to emit a single JSON object on stdout for deploy/describe and to
// signal failure through its exit code.
type CLI struct {
	config CLIConfig
	logger *slog.Logger
}

// NewCLI creates a vendor-CLI deployer.
func NewCLI(config CLIConfig, logger *slog.Logger) *CLI {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{
		config: config,
		logger: logger.With("component", "cli_deployer"),
	}
}

// Deploy runs `<binary> deploy --domain … --environment … --artifact … --json`.
func (c *CLI) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	args := []string{
		"deploy",
		"--domain", req.Domain,
		"--environment", string(req.Environment),
		"--json",
	}
	if req.Artifact != "" {
		args = append(args, "--artifact", req.Artifact)
	}

	out, err := c.run(ctx, req.Credentials, args)
	if err != nil {
		return nil, err
	}

	var result DeployResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("parse deploy output: %w", err)
	}
	return &result, nil
}

// Describe runs `<binary> describe --domain … --environment … --json`.
func (c *CLI) Describe(ctx context.Context, domainID string, env domain.Environment) (*domain.PriorDescriptor, error) {
	out, err := c.run(ctx, domain.Credentials{}, []string{
		"describe",
		"--domain", domainID,
		"--environment", string(env),
		"--json",
	})
	if err != nil {
		return nil, err
	}

	var prior domain.PriorDescriptor
	if err := json.Unmarshal(out, &prior); err != nil {
		return nil, fmt.Errorf("parse describe output: %w", err)
	}
	return &prior, nil
}

// Restore runs `<binary> rollback --domain … --version …`.
func (c *CLI) Restore(ctx context.Context, point domain.RollbackPoint) error {
	args := []string{
		"rollback",
		"--domain", point.DomainID,
	}
	if point.Prior.Version != "" {
		args = append(args, "--version", point.Prior.Version)
	}
	_, err := c.run(ctx, domain.Credentials{}, args)
	return err
}

// run executes the vendor CLI with the configured timeout. Credentials are
// passed through the environment, never on the command line.
func (c *CLI) run(ctx context.Context, creds domain.Credentials, args []string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.config.Binary, args...)
	if creds.APIToken != "" {
		cmd.Env = append(cmd.Environ(),
			"DEPLOY_API_TOKEN="+creds.APIToken,
			"DEPLOY_ACCOUNT_ID="+creds.AccountID,
			"DEPLOY_ZONE_ID="+creds.ZoneID,
		)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("invoking vendor cli", "args", strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("vendor cli timed out after %s", c.config.Timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("vendor cli %s: %s", args[0], msg)
	}

	return stdout.Bytes(), nil
}
