package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/updateguard/internal/guard"
	"github.com/breeze-rmm/updateguard/internal/install"
)

// exitRolledBack is the exit status after a successful rollback.
const exitRolledBack = 3

var eventFile string

// hookEvent is the install-finished notification a non-Go host sends.
type hookEvent struct {
	Trigger string         `json:"trigger"`
	Error   string         `json:"error,omitempty"`
	Result  install.Result `json:"result"`
	Extra   install.Extra  `json:"extra"`
}

// hookOutcome is written back to the host.
type hookOutcome struct {
	OK         bool            `json:"ok"`
	RolledBack bool            `json:"rolledBack"`
	Error      string          `json:"error,omitempty"`
	Result     *install.Result `json:"result,omitempty"`
}

var interceptCmd = &cobra.Command{
	Use:   "intercept",
	Short: "Check a finished install and roll it back if the plugin is broken",
	Long: `Reads an install-finished event as JSON from --event or stdin:

  {"trigger":"cron","result":{...},"extra":{"plugin":"foo/foo.php","type":"plugin"}}

and writes the outcome as JSON to stdout. Exit status is 0 when the install
stands, 3 when it was rolled back and 1 on any other error.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := readEvent(cmd.InOrStdin())
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		return runIntercept(cmd, a.guard, ev)
	},
}

func init() {
	interceptCmd.Flags().StringVar(&eventFile, "event", "", "read the event from this file instead of stdin")
}

func readEvent(stdin io.Reader) (hookEvent, error) {
	var ev hookEvent
	r := stdin
	if eventFile != "" && eventFile != "-" {
		f, err := os.Open(eventFile)
		if err != nil {
			return ev, fmt.Errorf("open event: %w", err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

func runIntercept(cmd *cobra.Command, g *guard.Guard, ev hookEvent) error {
	trigger, err := install.ParseTrigger(ev.Trigger)
	if err != nil {
		return err
	}
	ctx := install.WithTrigger(cmd.Context(), trigger)

	var installErr error
	if ev.Error != "" {
		installErr = errors.New(ev.Error)
	}

	hooks := install.NewHooks()
	g.Register(hooks)
	res, err := hooks.ApplyInstallFinished(ctx, ev.Result, installErr, ev.Extra)

	out := hookOutcome{OK: err == nil}
	if err != nil {
		out.Error = err.Error()
		out.RolledBack = errors.Is(err, guard.ErrRolledBack)
	} else {
		out.Result = &res
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(out); encErr != nil {
		return encErr
	}

	switch {
	case err == nil:
		return nil
	case out.RolledBack:
		return &exitError{code: exitRolledBack}
	case errors.Is(err, installErr):
		// The host's own failure passed through untouched.
		return nil
	default:
		return &exitError{code: 1, err: err}
	}
}
