package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/updateguard/internal/install"
	"github.com/breeze-rmm/updateguard/internal/notify"
	"github.com/breeze-rmm/updateguard/internal/pluginmeta"
	"github.com/breeze-rmm/updateguard/internal/probe"
	"github.com/breeze-rmm/updateguard/internal/rollback"
	"github.com/breeze-rmm/updateguard/internal/token"
)

const (
	sitePlugins = "/site/wp-content/plugins"
	siteBackups = "/site/wp-content/upgrade-temp-backup"
)

var scenarioSecret = []byte("scenario-secret-0123456789abcdef")

const brokenPage = `<html><body id="error-page"><div class="wp-die-message">Plugin could not be activated because it triggered a fatal error.</div></body></html>`

type recordingRestorer struct {
	*rollback.Upgrader
	restored []rollback.TempBackup
}

func (r *recordingRestorer) RestoreTempBackup(ctx context.Context, b rollback.TempBackup) error {
	r.restored = append(r.restored, b)
	return r.Upgrader.RestoreTempBackup(ctx, b)
}

type sentMail struct {
	msgs []notify.Message
}

func (s *sentMail) Send(_ context.Context, msg notify.Message) error {
	s.msgs = append(s.msgs, msg)
	return nil
}

type site struct {
	fs       afero.Fs
	restorer *recordingRestorer
	mail     *sentMail
	hooks    *install.Hooks
}

// newSite wires the real probe, rollback, metadata and notify components
// against an in-memory plugin tree and the given admin endpoint.
func newSite(t *testing.T, adminURL string) *site {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, content := range map[string]string{
		sitePlugins + "/foo/foo.php": "<?php\n/*\n * Plugin Name: Foo Forms\n * Version: 2.0.0\n */\n",
		siteBackups + "/plugins/foo/foo.php": "<?php\n/*\n * Plugin Name: Foo Forms\n * Version: 1.9.0\n */\n",
	} {
		require.NoError(t, fs.MkdirAll(filepath.Dir(name), 0o755))
		require.NoError(t, afero.WriteFile(fs, name, []byte(content), 0o644))
	}

	contract, err := probe.LookupContract("v1")
	require.NoError(t, err)
	prober := probe.New(probe.Config{
		AdminURL: adminURL,
		Contract: contract,
		Timeout:  5 * time.Second,
	}, token.NewIssuer(scenarioSecret, "updateguard", time.Minute))

	s := &site{
		fs:       fs,
		restorer: &recordingRestorer{Upgrader: rollback.NewUpgrader(fs, siteBackups)},
		mail:     &sentMail{},
		hooks:    install.NewHooks(),
	}
	g, err := New(Config{Self: testSelf, PluginsRoot: sitePlugins}, Deps{
		Prober:   prober,
		Restorer: s.restorer,
		Meta:     pluginmeta.NewReader(fs, sitePlugins),
		Notifier: notify.New(notify.SiteInfo{
			Name:       "Example Blog",
			HomeURL:    "https://blog.example.com",
			AdminEmail: "admin@example.com",
		}, s.mail),
	})
	require.NoError(t, err)
	g.Register(s.hooks)
	return s
}

func adminEndpoint(t *testing.T, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	verifier := token.NewVerifier(scenarioSecret, "updateguard")
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		q := r.URL.Query()
		if err := verifier.Verify(q.Get("_wpnonce"), token.Purpose(token.ActionActivationError, q.Get("plugin"))); err != nil {
			t.Errorf("probe token rejected: %v", err)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(body))
	}))
}

func TestScenarioBrokenScheduledUpdateIsRolledBack(t *testing.T) {
	var hits atomic.Int32
	srv := adminEndpoint(t, brokenPage, &hits)
	defer srv.Close()

	s := newSite(t, srv.URL+"/wp-admin/plugins.php")
	ctx := install.WithTrigger(context.Background(), install.TriggerScheduled)

	res, err := s.hooks.ApplyInstallFinished(ctx, successResult, nil, install.Extra{Plugin: "foo/foo.php", Type: "plugin", Action: "update"})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRolledBack)
	assert.Contains(t, err.Error(), "Foo Forms")
	assert.Equal(t, install.Result{}, res)
	assert.Equal(t, int32(1), hits.Load())

	assert.Equal(t, []rollback.TempBackup{{Dir: "plugins", Slug: "foo", Src: sitePlugins}}, s.restorer.restored)

	restored, err := afero.ReadFile(s.fs, sitePlugins+"/foo/foo.php")
	require.NoError(t, err)
	assert.Contains(t, string(restored), "Version: 1.9.0")

	backupLeft, err := afero.DirExists(s.fs, siteBackups+"/plugins/foo")
	require.NoError(t, err)
	assert.False(t, backupLeft, "temp backup is deleted after the restore")

	require.Len(t, s.mail.msgs, 1)
	assert.Equal(t, "admin@example.com", s.mail.msgs[0].To)
	assert.Contains(t, s.mail.msgs[0].Body, "Foo Forms")
	assert.Contains(t, s.mail.msgs[0].Body, "https://blog.example.com")
}

func TestScenarioUnreachableProbeLeavesUpdate(t *testing.T) {
	var hits atomic.Int32
	srv := adminEndpoint(t, brokenPage, &hits)
	adminURL := srv.URL + "/wp-admin/plugins.php"
	srv.Close()

	s := newSite(t, adminURL)
	ctx := install.WithTrigger(context.Background(), install.TriggerScheduled)

	res, err := s.hooks.ApplyInstallFinished(ctx, successResult, nil, install.Extra{Plugin: "foo/foo.php"})

	require.NoError(t, err)
	assert.Equal(t, successResult, res)
	assert.Empty(t, s.restorer.restored)
	assert.Empty(t, s.mail.msgs)

	current, err := afero.ReadFile(s.fs, sitePlugins+"/foo/foo.php")
	require.NoError(t, err)
	assert.Contains(t, string(current), "Version: 2.0.0")
}

func TestScenarioNoPluginInExtraMakesNoRequest(t *testing.T) {
	var hits atomic.Int32
	srv := adminEndpoint(t, brokenPage, &hits)
	defer srv.Close()

	s := newSite(t, srv.URL+"/wp-admin/plugins.php")
	ctx := install.WithTrigger(context.Background(), install.TriggerScheduled)

	res, err := s.hooks.ApplyInstallFinished(ctx, successResult, nil, install.Extra{})

	require.NoError(t, err)
	assert.Equal(t, successResult, res)
	assert.Zero(t, hits.Load())
	assert.Empty(t, s.restorer.restored)
	assert.Empty(t, s.mail.msgs)
}

func TestScenarioHealthyPageKeepsUpdate(t *testing.T) {
	var hits atomic.Int32
	srv := adminEndpoint(t, "<html><body>Plugin activated.</body></html>", &hits)
	defer srv.Close()

	s := newSite(t, srv.URL+"/wp-admin/plugins.php")
	ctx := install.WithTrigger(context.Background(), install.TriggerScheduled)

	res, err := s.hooks.ApplyInstallFinished(ctx, successResult, nil, install.Extra{Plugin: "foo/foo.php"})

	require.NoError(t, err)
	assert.Equal(t, successResult, res)
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, s.restorer.restored)
}
