package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/updateguard/internal/audit"
	"github.com/breeze-rmm/updateguard/internal/config"
	"github.com/breeze-rmm/updateguard/internal/logging"
	"github.com/breeze-rmm/updateguard/internal/pluginmeta"
	"github.com/breeze-rmm/updateguard/internal/rollback"
)

var probeCmd = &cobra.Command{
	Use:   "probe <plugin>",
	Short: "Ask the error-scrape page whether a plugin fails to activate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		verdict, err := a.prober.Probe(cmd.Context(), args[0])
		if verdict.Duration > 0 {
			a.metrics.ProbeDuration(verdict.Duration)
		}
		if err != nil {
			return fmt.Errorf("probe inconclusive: %w", err)
		}

		state := "healthy"
		if verdict.Broken {
			state = "broken"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (status %d, contract %s, %s)\n",
			args[0], state, verdict.StatusCode, verdict.Contract, verdict.Duration.Round(time.Millisecond))
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <plugin>",
	Short: "Restore a plugin from its temp backup without probing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		plugin := args[0]
		backup, err := rollback.PluginBackup(plugin, a.cfg.PluginsDir)
		if err != nil {
			return err
		}

		before, _ := a.meta.Read(plugin)
		err = a.upgrader.RestoreTempBackup(cmd.Context(), backup)
		if err == nil {
			err = a.upgrader.DeleteTempBackup(cmd.Context(), backup)
		}
		a.metrics.Rollback(err)

		details := map[string]any{"slug": backup.Slug}
		if err != nil {
			details["error"] = err.Error()
		}
		a.audit.Log(audit.EventManualRestore, "", plugin, details)
		if err != nil {
			return fmt.Errorf("restore %s: %w", plugin, err)
		}

		after, _ := a.meta.Read(plugin)
		if before.SemVer() != nil && after.SemVer() != nil && !pluginmeta.Downgraded(before, after) {
			log.Warn("restored version is not older than the one it replaced",
				logging.KeyPlugin, plugin,
				"fromVersion", before.Version,
				"toVersion", after.Version,
			)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "restored %s to version %s\n", after.DisplayName(), orUnknown(after.Version))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		result := cfg.ValidateTiered()

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(cfg.Redacted()); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}

		for _, w := range result.Warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", w)
		}
		if result.HasFatals() {
			return fmt.Errorf("invalid config: %w", errors.Join(result.Fatals...))
		}
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Check the audit log's hash chain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			path = filepath.Join(cfg.DataDir, audit.FileName)
		}

		n, err := audit.Verify(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries, hash chain intact\n", path, n)
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
