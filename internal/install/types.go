// Package install models the host's "package install finished" event and the
// hook chain that delivers it.
package install

import (
	"context"
	"fmt"
	"strings"
)

// Result is what the host installer reports for one successfully installed
// package. It is read-only to hook filters.
type Result struct {
	Source           string   `json:"source,omitempty"`
	SourceFiles      []string `json:"sourceFiles,omitempty"`
	Destination      string   `json:"destination,omitempty"`
	DestinationName  string   `json:"destinationName,omitempty"`
	ClearDestination bool     `json:"clearDestination,omitempty"`
}

// Extra is the side-channel the installer passes with every result.
type Extra struct {
	Plugin     string      `json:"plugin,omitempty"`
	Theme      string      `json:"theme,omitempty"`
	Type       string      `json:"type,omitempty"`   // plugin, theme, core, translation
	Action     string      `json:"action,omitempty"` // install, update
	TempBackup *TempBackup `json:"temp_backup,omitempty"`
}

// TempBackup mirrors the host's own snapshot record when the installer
// already made one for this item.
type TempBackup struct {
	Dir  string `json:"dir"`
	Slug string `json:"slug"`
	Src  string `json:"src"`
}

// Trigger says who started the install run.
type Trigger string

const (
	// TriggerInteractive is an admin-initiated install. It is the default.
	TriggerInteractive Trigger = "interactive"
	// TriggerScheduled is an unattended background (cron) run.
	TriggerScheduled Trigger = "cron"
)

type triggerKey struct{}

// WithTrigger returns a context recording who started the run.
func WithTrigger(ctx context.Context, t Trigger) context.Context {
	return context.WithValue(ctx, triggerKey{}, t)
}

// TriggerFrom returns the run trigger, TriggerInteractive when unset.
func TriggerFrom(ctx context.Context) Trigger {
	if t, ok := ctx.Value(triggerKey{}).(Trigger); ok {
		return t
	}
	return TriggerInteractive
}

// ParseTrigger accepts the host's spellings of the two run kinds.
func ParseTrigger(s string) (Trigger, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "interactive", "admin", "manual":
		return TriggerInteractive, nil
	case "cron", "scheduled", "background", "auto":
		return TriggerScheduled, nil
	default:
		return "", fmt.Errorf("unknown trigger %q", s)
	}
}
