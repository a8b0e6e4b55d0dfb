package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/afero"

	"github.com/breeze-rmm/updateguard/internal/audit"
	"github.com/breeze-rmm/updateguard/internal/config"
	"github.com/breeze-rmm/updateguard/internal/guard"
	"github.com/breeze-rmm/updateguard/internal/httputil"
	"github.com/breeze-rmm/updateguard/internal/logging"
	"github.com/breeze-rmm/updateguard/internal/metrics"
	"github.com/breeze-rmm/updateguard/internal/notify"
	"github.com/breeze-rmm/updateguard/internal/pluginmeta"
	"github.com/breeze-rmm/updateguard/internal/probe"
	"github.com/breeze-rmm/updateguard/internal/rollback"
	"github.com/breeze-rmm/updateguard/internal/token"
)

var log = logging.L("main")

// app is one CLI invocation's wiring.
type app struct {
	cfg      *config.Config
	fs       afero.Fs
	prober   *probe.ErrorScrape
	upgrader *rollback.Upgrader
	meta     *pluginmeta.Reader
	notifier *notify.Notifier
	audit    *audit.Logger
	metrics  *metrics.Metrics
	guard    *guard.Guard

	logCloser io.Closer
}

// loadConfig loads and validates the configuration, then points logging
// at the configured output.
func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	out, closer, err := logging.Output(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		closer.Close()
		return nil, nil, fmt.Errorf("invalid config: %w", errors.Join(result.Fatals...))
	}
	// Re-apply in case validation normalized the level or format.
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return cfg, closer, nil
}

func newApp() (*app, error) {
	cfg, logCloser, err := loadConfig()
	if err != nil {
		return nil, err
	}

	contract, err := probe.LookupContract(cfg.Probe.ContractVersion)
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	retry := httputil.DefaultRetryConfig()
	retry.MaxRetries = cfg.Probe.MaxRetries
	retry.RetryStatus = httputil.NeverRetryStatus

	issuer := token.NewIssuer([]byte(cfg.Token.Secret), cfg.Token.Issuer, time.Duration(cfg.Token.TTLSeconds)*time.Second)

	a := &app{
		cfg: cfg,
		fs:  afero.NewOsFs(),
		prober: probe.New(probe.Config{
			AdminURL:     cfg.AdminURL,
			Contract:     contract,
			Retry:        retry,
			Timeout:      time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
			MaxBodyBytes: int64(cfg.Probe.MaxBodyKB) * 1024,
			UserAgent:    "updateguard/" + version,
		}, issuer),
		metrics:   metrics.New(),
		logCloser: logCloser,
	}
	a.upgrader = rollback.NewUpgrader(a.fs, cfg.TempBackupDir)
	a.meta = pluginmeta.NewReader(a.fs, cfg.PluginsDir)

	if cfg.SMTP.Host != "" {
		a.notifier = notify.New(notify.SiteInfo{
			Name:       cfg.SiteName,
			HomeURL:    cfg.HomeURL,
			AdminEmail: cfg.AdminEmail,
		}, notify.NewSMTPSender(notify.SMTPConfig{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			From:      cfg.SMTP.From,
			TLSPolicy: cfg.SMTP.TLSPolicy,
		}))
	} else {
		log.Warn("smtp.host not set, rollback notices will not be emailed")
	}

	if cfg.AuditEnabled {
		a.audit, err = audit.NewLogger(cfg.DataDir, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
		if err != nil {
			// The audit trail is supplementary; the guard still runs.
			log.Error("audit log unavailable", logging.KeyError, err)
		}
	}

	deps := guard.Deps{
		Prober:   a.prober,
		Restorer: a.upgrader,
		Meta:     a.meta,
		Audit:    a.audit,
		Metrics:  a.metrics,
	}
	if a.notifier != nil {
		deps.Notifier = a.notifier
	}
	a.guard, err = guard.New(guard.Config{
		Self:         cfg.SelfPlugin,
		PluginsRoot:  cfg.PluginsDir,
		OnProbeError: guard.FailPolicy(cfg.Probe.OnError),
	}, deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close writes the metrics textfile and releases the audit and log files.
func (a *app) Close() {
	if err := a.metrics.WriteTextfile(a.cfg.MetricsTextfile); err != nil {
		log.Warn("failed to write metrics textfile", logging.KeyError, err)
	}
	if err := a.audit.Close(); err != nil {
		log.Warn("failed to close audit log", logging.KeyError, err)
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}
