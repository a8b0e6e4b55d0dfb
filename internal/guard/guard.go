// Package guard undoes scheduled plugin updates that break activation.
//
// Intercept sits on the install-finished hook chain. For an unattended
// plugin update it probes the host's error-scrape page, restores the temp
// backup when the new code fails, and emails the administrator.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/breeze-rmm/updateguard/internal/audit"
	"github.com/breeze-rmm/updateguard/internal/install"
	"github.com/breeze-rmm/updateguard/internal/logging"
	"github.com/breeze-rmm/updateguard/internal/metrics"
	"github.com/breeze-rmm/updateguard/internal/notify"
	"github.com/breeze-rmm/updateguard/internal/pluginmeta"
	"github.com/breeze-rmm/updateguard/internal/probe"
	"github.com/breeze-rmm/updateguard/internal/rollback"
)

var log = logging.L("guard")

// FailPolicy decides what an inconclusive probe means.
type FailPolicy string

const (
	// FailOpen lets the update stand when the probe cannot be completed.
	FailOpen FailPolicy = "open"
	// FailClosed rolls back when the probe cannot be completed.
	FailClosed FailPolicy = "closed"
)

// Skip reasons, logged and recorded for scheduled runs.
const (
	skipInstallFailed = "install_failed"
	skipInteractive   = "interactive_run"
	skipNotPlugin     = "not_a_plugin"
	skipSelf          = "self"
)

// Prober checks whether a freshly installed plugin fails to activate.
type Prober interface {
	Probe(ctx context.Context, plugin string) (probe.Verdict, error)
}

// Restorer is the rollback subsystem's public surface.
type Restorer interface {
	RestoreTempBackup(ctx context.Context, b rollback.TempBackup) error
	DeleteTempBackup(ctx context.Context, b rollback.TempBackup) error
}

// MetadataReader reads a plugin's declared header fields.
type MetadataReader interface {
	Read(plugin string) (pluginmeta.Data, error)
}

// Notifier tells the administrator about a rollback.
type Notifier interface {
	RolledBack(ctx context.Context, n notify.Notice) error
}

// Recorder keeps the audit trail.
type Recorder interface {
	Log(eventType, runID, plugin string, details map[string]any)
}

// Config holds guard settings.
type Config struct {
	Self         string // this tool's own plugin identifier, never checked
	PluginsRoot  string
	OnProbeError FailPolicy
}

// Deps are the guard's collaborators. Prober and Restorer are required.
type Deps struct {
	Prober   Prober
	Restorer Restorer
	Meta     MetadataReader
	Notifier Notifier
	Audit    Recorder
	Metrics  *metrics.Metrics
}

// Guard runs the probe, rollback and notify sequence for one install.
type Guard struct {
	cfg  Config
	deps Deps
}

// New creates a Guard.
func New(cfg Config, deps Deps) (*Guard, error) {
	if deps.Prober == nil {
		return nil, errors.New("guard: prober is required")
	}
	if deps.Restorer == nil {
		return nil, errors.New("guard: restorer is required")
	}
	switch cfg.OnProbeError {
	case "":
		cfg.OnProbeError = FailOpen
	case FailOpen, FailClosed:
	default:
		return nil, fmt.Errorf("guard: unknown fail policy %q", cfg.OnProbeError)
	}
	if deps.Audit == nil {
		deps.Audit = (*audit.Logger)(nil)
	}
	return &Guard{cfg: cfg, deps: deps}, nil
}

// Register subscribes Intercept to h late, so it sees the final outcome.
func (g *Guard) Register(h *install.Hooks) {
	h.OnInstallFinished(install.PriorityLate, g.Intercept)
}

// Intercept is the install-finished filter. It returns res and err untouched
// unless it rolled the update back, in which case the error is a
// *RolledBackError, or the rollback itself failed, in which case the error
// wraps ErrRollbackFailed.
func (g *Guard) Intercept(ctx context.Context, res install.Result, err error, extra install.Extra) (install.Result, error) {
	if reason := g.skipReason(ctx, err, extra); reason != "" {
		log.Debug("install not checked", "reason", reason, logging.KeyPlugin, extra.Plugin)
		g.deps.Metrics.Check(metrics.OutcomeSkipped)
		if install.TriggerFrom(ctx) == install.TriggerScheduled {
			g.deps.Audit.Log(audit.EventInterceptSkipped, "", extra.Plugin, map[string]any{"reason": reason})
		}
		return res, err
	}

	if checkErr := g.check(ctx, extra); checkErr != nil {
		return install.Result{}, checkErr
	}
	return res, nil
}

func (g *Guard) skipReason(ctx context.Context, err error, extra install.Extra) string {
	switch {
	case err != nil:
		return skipInstallFailed
	case install.TriggerFrom(ctx) != install.TriggerScheduled:
		return skipInteractive
	case extra.Plugin == "":
		return skipNotPlugin
	case g.cfg.Self != "" && filepath.ToSlash(extra.Plugin) == filepath.ToSlash(g.cfg.Self):
		return skipSelf
	default:
		return ""
	}
}

// check runs probe, rollback and notify for one plugin.
func (g *Guard) check(ctx context.Context, extra install.Extra) error {
	plugin := extra.Plugin
	runID := uuid.NewString()
	logger := logging.WithRun(log, runID, plugin)
	ctx = logging.NewContext(ctx, logger)

	// Read the header now; after the restore it describes the old version.
	installed := g.readMeta(logger, plugin)

	verdict, err := g.deps.Prober.Probe(ctx, plugin)
	if verdict.Duration > 0 {
		g.deps.Metrics.ProbeDuration(verdict.Duration)
	}
	switch {
	case err != nil:
		g.deps.Metrics.Check(metrics.OutcomeInconclusive)
		g.deps.Audit.Log(audit.EventProbeInconclusive, runID, plugin, map[string]any{
			"error":  err.Error(),
			"policy": string(g.cfg.OnProbeError),
		})
		if g.cfg.OnProbeError != FailClosed {
			logger.Warn("probe inconclusive, update stands", logging.KeyError, err)
			return nil
		}
		logger.Warn("probe inconclusive, treating update as broken", logging.KeyError, err)
	case !verdict.Broken:
		g.deps.Metrics.Check(metrics.OutcomeHealthy)
		logger.Debug("updated plugin activates cleanly", "status", verdict.StatusCode)
		return nil
	default:
		g.deps.Metrics.Check(metrics.OutcomeBroken)
		g.deps.Audit.Log(audit.EventBrokenDetected, runID, plugin, map[string]any{
			"status":   verdict.StatusCode,
			"contract": verdict.Contract,
			"version":  installed.Version,
		})
		logger.Warn("updated plugin fails to activate, rolling back",
			"status", verdict.StatusCode,
			"version", installed.Version,
		)
	}

	backup, err := g.restore(ctx, extra)
	g.deps.Metrics.Rollback(err)
	if err != nil {
		g.deps.Audit.Log(audit.EventRollbackFailed, runID, plugin, map[string]any{"error": err.Error()})
		logger.Error("rollback failed", logging.KeyError, err)
		return fmt.Errorf("%w: %s: %w", ErrRollbackFailed, plugin, err)
	}

	restored := g.readMeta(logger, plugin)
	g.deps.Audit.Log(audit.EventRollbackCompleted, runID, plugin, map[string]any{
		"slug":        backup.Slug,
		"fromVersion": installed.Version,
		"toVersion":   restored.Version,
	})
	if installed.SemVer() != nil && restored.SemVer() != nil && !pluginmeta.Downgraded(installed, restored) {
		logger.Warn("restored version is not older than the broken one",
			"fromVersion", installed.Version,
			"toVersion", restored.Version,
		)
	}
	logger.Info("plugin rolled back", "fromVersion", installed.Version, "toVersion", restored.Version)

	g.notify(ctx, logger, runID, notify.Notice{
		Plugin:      plugin,
		PluginName:  installed.DisplayName(),
		FromVersion: installed.Version,
		ToVersion:   restored.Version,
	})

	return &RolledBackError{Plugin: plugin, Name: installed.DisplayName()}
}

// restore puts the temp backup back in place and then deletes it. The
// installer's own descriptor wins when it sent one.
func (g *Guard) restore(ctx context.Context, extra install.Extra) (rollback.TempBackup, error) {
	var backup rollback.TempBackup
	if tb := extra.TempBackup; tb != nil {
		backup = rollback.TempBackup{Dir: tb.Dir, Slug: tb.Slug, Src: tb.Src}
	} else {
		var err error
		backup, err = rollback.PluginBackup(extra.Plugin, g.cfg.PluginsRoot)
		if err != nil {
			return backup, err
		}
	}

	if err := g.deps.Restorer.RestoreTempBackup(ctx, backup); err != nil {
		return backup, err
	}
	if err := g.deps.Restorer.DeleteTempBackup(ctx, backup); err != nil {
		return backup, err
	}
	return backup, nil
}

// notify is best effort: a failure is logged and recorded, never returned.
func (g *Guard) notify(ctx context.Context, logger *slog.Logger, runID string, n notify.Notice) {
	if g.deps.Notifier == nil {
		logger.Warn("no notifier configured, administrator not told about rollback")
		return
	}
	err := g.deps.Notifier.RolledBack(ctx, n)
	g.deps.Metrics.Notification(err)
	if err != nil {
		g.deps.Audit.Log(audit.EventNotifyFailed, runID, n.Plugin, map[string]any{"error": err.Error()})
		logger.Error("failed to send rollback notice", logging.KeyError, err)
		return
	}
	g.deps.Audit.Log(audit.EventNotifySent, runID, n.Plugin, nil)
}

func (g *Guard) readMeta(logger *slog.Logger, plugin string) pluginmeta.Data {
	if g.deps.Meta == nil {
		return pluginmeta.Data{Plugin: plugin}
	}
	d, err := g.deps.Meta.Read(plugin)
	if err != nil {
		logger.Warn("could not read plugin header", logging.KeyError, err)
		return pluginmeta.Data{Plugin: plugin}
	}
	return d
}
