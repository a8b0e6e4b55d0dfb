package config

import (
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

var contractVersionRegex = regexp.MustCompile(`^v[0-9]+$`)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validTLSPolicies = map[string]bool{
	"opportunistic": true,
	"mandatory":     true,
	"none":          true,
}

// ValidationResult separates errors that must stop the run from values that
// were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal validation errors were found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered checks the config. Out-of-range numbers are clamped and
// reported as warnings; malformed values the guard cannot run with are fatal.
// Warnings are also logged.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult
	fatal := func(format string, args ...any) {
		result.Fatals = append(result.Fatals, fmt.Errorf(format, args...))
	}
	warn := func(format string, args ...any) {
		result.Warnings = append(result.Warnings, fmt.Errorf(format, args...))
	}

	for _, field := range []struct {
		key, value string
		required   bool
	}{
		{"admin_url", c.AdminURL, true},
		{"home_url", c.HomeURL, false},
	} {
		if field.value == "" {
			if field.required {
				fatal("%s is required", field.key)
			}
			continue
		}
		u, err := url.Parse(field.value)
		if err != nil {
			fatal("%s %q is not a valid URL: %v", field.key, field.value, err)
		} else if u.Scheme != "http" && u.Scheme != "https" {
			fatal("%s scheme must be http or https, got %q", field.key, u.Scheme)
		}
	}

	if c.PluginsDir == "" {
		fatal("plugins_dir is required")
	}
	if c.TempBackupDir == "" {
		fatal("temp_backup_dir is required")
	}

	if c.AdminEmail != "" {
		if _, err := mail.ParseAddress(c.AdminEmail); err != nil {
			fatal("admin_email %q is not a valid address: %v", c.AdminEmail, err)
		}
	}

	if c.Token.Secret == "" {
		fatal("token.secret is required")
	} else if len(c.Token.Secret) < 32 {
		warn("token.secret is shorter than 32 bytes")
	}
	for _, r := range c.Token.Secret {
		if unicode.IsControl(r) {
			fatal("token.secret contains control characters")
			break
		}
	}

	switch strings.ToLower(c.Probe.OnError) {
	case FailOpen, FailClosed:
		c.Probe.OnError = strings.ToLower(c.Probe.OnError)
	default:
		fatal("probe.on_error %q is not valid (use open or closed)", c.Probe.OnError)
	}

	if !contractVersionRegex.MatchString(c.Probe.ContractVersion) {
		fatal("probe.contract_version %q is not valid (expected v<N>)", c.Probe.ContractVersion)
	}

	// A zero timeout means the transport default, which never times out.
	if c.Probe.TimeoutSeconds < 0 {
		warn("probe.timeout_seconds %d is negative, clamping to 0", c.Probe.TimeoutSeconds)
		c.Probe.TimeoutSeconds = 0
	} else if c.Probe.TimeoutSeconds > 600 {
		warn("probe.timeout_seconds %d exceeds maximum 600, clamping", c.Probe.TimeoutSeconds)
		c.Probe.TimeoutSeconds = 600
	}

	if c.Probe.MaxRetries < 0 {
		warn("probe.max_retries %d is negative, clamping to 0", c.Probe.MaxRetries)
		c.Probe.MaxRetries = 0
	} else if c.Probe.MaxRetries > 5 {
		warn("probe.max_retries %d exceeds maximum 5, clamping", c.Probe.MaxRetries)
		c.Probe.MaxRetries = 5
	}

	if c.Probe.MaxBodyKB < 16 {
		warn("probe.max_body_kb %d is below minimum 16, clamping", c.Probe.MaxBodyKB)
		c.Probe.MaxBodyKB = 16
	} else if c.Probe.MaxBodyKB > 16384 {
		warn("probe.max_body_kb %d exceeds maximum 16384, clamping", c.Probe.MaxBodyKB)
		c.Probe.MaxBodyKB = 16384
	}

	if c.Token.TTLSeconds < 30 {
		warn("token.ttl_seconds %d is below minimum 30, clamping", c.Token.TTLSeconds)
		c.Token.TTLSeconds = 30
	} else if c.Token.TTLSeconds > 3600 {
		warn("token.ttl_seconds %d exceeds maximum 3600, clamping", c.Token.TTLSeconds)
		c.Token.TTLSeconds = 3600
	}

	if c.SMTP.Host != "" {
		if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
			fatal("smtp.port %d is out of range", c.SMTP.Port)
		}
		if !validTLSPolicies[strings.ToLower(c.SMTP.TLSPolicy)] {
			fatal("smtp.tls_policy %q is not valid (use opportunistic, mandatory or none)", c.SMTP.TLSPolicy)
		}
		if c.SMTP.From == "" {
			warn("smtp.from is empty, notifications will use admin_email as sender")
		}
		if c.AdminEmail == "" {
			warn("smtp.host is set but admin_email is empty, notifications are disabled")
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn("log_format %q is not valid (use text or json)", c.LogFormat)
	}

	for _, err := range result.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return result
}
