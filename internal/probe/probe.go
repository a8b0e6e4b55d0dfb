// Package probe asks the host's error-scrape diagnostic page whether a freshly
// installed plugin fails to activate. The plugin is loaded by the host in a
// separate request, never in this process.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/breeze-rmm/updateguard/internal/httputil"
	"github.com/breeze-rmm/updateguard/internal/logging"
	"github.com/breeze-rmm/updateguard/internal/token"
)

var log = logging.L("probe")

const defaultMaxBodyBytes = 1 << 20

// Minter issues the single-use token that authorizes one probe request.
type Minter interface {
	Mint(purpose string) (string, error)
}

// Config holds probe settings.
type Config struct {
	AdminURL     string
	Contract     Contract
	Retry        httputil.RetryConfig
	Timeout      time.Duration // zero leaves the transport default in place
	MaxBodyBytes int64
	UserAgent    string
}

// Verdict is the outcome of one probe.
type Verdict struct {
	Broken     bool
	StatusCode int
	Contract   string
	Duration   time.Duration // zero when no request was sent
}

// ErrorScrape probes the error_scrape admin action over HTTP.
type ErrorScrape struct {
	config Config
	client *http.Client
	tokens Minter
}

// New creates an ErrorScrape probe.
func New(cfg Config, tokens Minter) *ErrorScrape {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Retry.RetryStatus == nil {
		// A fatal-error page is usually a 500; its body is the evidence.
		cfg.Retry.RetryStatus = httputil.NeverRetryStatus
	}
	return &ErrorScrape{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		tokens: tokens,
	}
}

// Probe requests the diagnostic page for plugin and scans the body for the
// contract's failure marker. A non-nil error means the probe was
// inconclusive; the caller decides what that implies.
func (p *ErrorScrape) Probe(ctx context.Context, plugin string) (Verdict, error) {
	start := time.Now()
	verdict := Verdict{Contract: p.config.Contract.Version}

	target, err := p.requestURL(plugin)
	if err != nil {
		return verdict, err
	}

	headers := http.Header{}
	if p.config.UserAgent != "" {
		headers.Set("User-Agent", p.config.UserAgent)
	}

	resp, err := httputil.Do(ctx, p.client, http.MethodGet, target, nil, headers, p.config.Retry)
	if err != nil {
		verdict.Duration = time.Since(start)
		return verdict, fmt.Errorf("error scrape request: %w", err)
	}
	defer resp.Body.Close()

	verdict.StatusCode = resp.StatusCode
	if announced := resp.Header.Get(ContractHeader); announced != "" && announced != p.config.Contract.Version {
		log.Warn("error scrape endpoint announces a different contract",
			"plugin", plugin,
			"announced", announced,
			"expected", p.config.Contract.Version,
		)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxBodyBytes))
	verdict.Duration = time.Since(start)
	if err != nil {
		return verdict, fmt.Errorf("read error scrape response: %w", err)
	}

	verdict.Broken = bytes.Contains(body, []byte(p.config.Contract.FailureMarker))
	log.Debug("error scrape finished",
		"plugin", plugin,
		"status", resp.StatusCode,
		"broken", verdict.Broken,
		logging.KeyDurationMs, verdict.Duration.Milliseconds(),
	)
	return verdict, nil
}

func (p *ErrorScrape) requestURL(plugin string) (string, error) {
	u, err := url.Parse(p.config.AdminURL)
	if err != nil {
		return "", fmt.Errorf("parse admin url: %w", err)
	}

	nonce, err := p.tokens.Mint(token.Purpose(token.ActionActivationError, plugin))
	if err != nil {
		return "", fmt.Errorf("mint probe token: %w", err)
	}

	q := u.Query()
	q.Set("action", "error_scrape")
	q.Set("plugin", plugin)
	q.Set("_wpnonce", nonce)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
