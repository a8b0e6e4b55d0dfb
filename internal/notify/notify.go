// Package notify tells the site administrator that a plugin update was
// rolled back.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/breeze-rmm/updateguard/internal/logging"
)

var log = logging.L("notify")

// ErrNoRecipient means no administrator address is configured.
var ErrNoRecipient = errors.New("no administrator email configured")

// Message is one plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a message. Implementations must not retry on their own.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SiteInfo identifies the site in notices.
type SiteInfo struct {
	Name       string
	HomeURL    string
	AdminEmail string
}

// Notice describes one rollback.
type Notice struct {
	Plugin      string // identifier, e.g. foo/foo.php
	PluginName  string // declared display name
	FromVersion string // version that failed
	ToVersion   string // version restored
}

// Compose builds the rollback message for the site administrator.
func Compose(site SiteInfo, n Notice) Message {
	name := n.PluginName
	if name == "" {
		name = n.Plugin
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Howdy!\n\n")
	fmt.Fprintf(&b, "An automatic update of the plugin %q on your site %s failed to activate ", name, site.Name)
	fmt.Fprintf(&b, "and was rolled back to the previously installed version.\n\n")
	fmt.Fprintf(&b, "Plugin: %s (%s)\n", name, n.Plugin)
	if n.FromVersion != "" {
		fmt.Fprintf(&b, "Failed version: %s\n", n.FromVersion)
	}
	if n.ToVersion != "" {
		fmt.Fprintf(&b, "Restored version: %s\n", n.ToVersion)
	}
	fmt.Fprintf(&b, "Site: %s\n", site.Name)
	if site.HomeURL != "" {
		fmt.Fprintf(&b, "Home URL: %s\n", site.HomeURL)
	}
	fmt.Fprintf(&b, "\nThe plugin will be offered again in a later update run. ")
	fmt.Fprintf(&b, "You may want to check with its author before updating it by hand.\n")

	return Message{
		To:      site.AdminEmail,
		Subject: fmt.Sprintf("[%s] A plugin was rolled back to the previously installed version", site.Name),
		Body:    b.String(),
	}
}

// Notifier sends rollback notices through a Sender.
type Notifier struct {
	site   SiteInfo
	sender Sender
}

// New creates a Notifier.
func New(site SiteInfo, sender Sender) *Notifier {
	return &Notifier{site: site, sender: sender}
}

// RolledBack composes and sends the notice for one rollback.
func (n *Notifier) RolledBack(ctx context.Context, notice Notice) error {
	if n.site.AdminEmail == "" {
		return ErrNoRecipient
	}
	msg := Compose(n.site, notice)
	if err := n.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send rollback notice to %s: %w", msg.To, err)
	}
	log.Info("rollback notice sent", logging.KeyPlugin, notice.Plugin, "to", msg.To)
	return nil
}
