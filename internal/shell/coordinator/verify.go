package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// =============================================================================
// Verifier
// =============================================================================

// VerifyConfig bounds the post-deploy health check. Attempts and the backoff
// curve are configuration, never hard-coded call sites.
type VerifyConfig struct {
	// Attempts is the total health check budget. Default: 3.
	Attempts int

	// BackoffBase is the base of the exponential backoff curve. Default: 500ms.
	BackoffBase time.Duration

	// RequestTimeout bounds one probe. Default: 10s.
	RequestTimeout time.Duration
}

// DefaultVerifyConfig returns the default verification budget.
func DefaultVerifyConfig() VerifyConfig {
	return VerifyConfig{
		Attempts:       3,
		BackoffBase:    500 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
	}
}

func (c VerifyConfig) withDefaults() VerifyConfig {
	d := DefaultVerifyConfig()
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// Verifier probes a deployed URL until it answers healthy or the retry
// budget runs out. The budget is fixed up front - never unbounded.
type Verifier struct {
	config VerifyConfig
	logger *slog.Logger
}

// NewVerifier creates a verifier with the given budget.
func NewVerifier(config VerifyConfig, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		config: config.withDefaults(),
		logger: logger.With("component", "verifier"),
	}
}

// Verify probes the URL with the configured attempt budget and exponential
// backoff. onRetry fires once per retry so the caller can audit it. An empty
// URL verifies trivially: the deployer reported nothing to probe.
func (v *Verifier) Verify(ctx context.Context, url string, onRetry func(attempt int)) error {
	if url == "" {
		v.logger.Debug("no url to verify, skipping probe")
		return nil
	}

	// A fresh client per call keeps the retry hook scoped to this domain.
	client := retryablehttp.NewClient()
	client.RetryMax = v.config.Attempts - 1
	client.RetryWaitMin = v.config.BackoffBase
	client.RetryWaitMax = v.config.BackoffBase << uint(v.config.Attempts)
	client.HTTPClient.Timeout = v.config.RequestTimeout
	client.Logger = nil
	client.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, attempt int) {
		if attempt > 0 && onRetry != nil {
			onRetry(attempt)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build health check request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check exhausted after %d attempts: %w", v.config.Attempts, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("health check returned %d for %s", resp.StatusCode, url)
	}

	v.logger.Debug("health check passed", "url", url, "status", resp.StatusCode)
	return nil
}
