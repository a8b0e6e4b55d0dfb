package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/updateguard/internal/token"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

const fatalPage = `<html><body id="error-page"><div class="wp-die-message"><p>Plugin could not be activated because it triggered a <strong>fatal error</strong>.</p></div></body></html>`

// errorScrapeServer stands in for the host admin endpoint.
func errorScrapeServer(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	verifier := token.NewVerifier(testSecret, "updateguard")
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		q := r.URL.Query()
		if r.URL.Path != "/wp-admin/plugins.php" || q.Get("action") != "error_scrape" {
			http.NotFound(w, r)
			return
		}
		plugin := q.Get("plugin")
		if err := verifier.Verify(q.Get("_wpnonce"), token.Purpose(token.ActionActivationError, plugin)); err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set(ContractHeader, "v1")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func newProbe(t *testing.T, adminURL string) *ErrorScrape {
	t.Helper()
	contract, err := LookupContract("v1")
	require.NoError(t, err)
	return New(Config{
		AdminURL: adminURL,
		Contract: contract,
		Timeout:  5 * time.Second,
	}, token.NewIssuer(testSecret, "updateguard", time.Minute))
}

func TestProbeDetectsFailureMarker(t *testing.T) {
	srv := errorScrapeServer(t, http.StatusInternalServerError, fatalPage, nil)
	defer srv.Close()

	v, err := newProbe(t, srv.URL+"/wp-admin/plugins.php").Probe(context.Background(), "foo/foo.php")
	require.NoError(t, err)
	assert.True(t, v.Broken)
	assert.Equal(t, http.StatusInternalServerError, v.StatusCode)
	assert.Equal(t, "v1", v.Contract)
}

func TestProbeWithoutMarkerIsHealthy(t *testing.T) {
	srv := errorScrapeServer(t, http.StatusOK, "<html><body>ok</body></html>", nil)
	defer srv.Close()

	v, err := newProbe(t, srv.URL+"/wp-admin/plugins.php").Probe(context.Background(), "foo/foo.php")
	require.NoError(t, err)
	assert.False(t, v.Broken)
}

func TestProbeTransportFailureIsError(t *testing.T) {
	srv := errorScrapeServer(t, http.StatusOK, "", nil)
	adminURL := srv.URL + "/wp-admin/plugins.php"
	srv.Close()

	v, err := newProbe(t, adminURL).Probe(context.Background(), "foo/foo.php")
	require.Error(t, err)
	assert.False(t, v.Broken)
}

func TestProbeMakesSingleRequestOnErrorStatus(t *testing.T) {
	var hits atomic.Int32
	srv := errorScrapeServer(t, http.StatusServiceUnavailable, "maintenance", &hits)
	defer srv.Close()

	v, err := newProbe(t, srv.URL+"/wp-admin/plugins.php").Probe(context.Background(), "foo/foo.php")
	require.NoError(t, err)
	assert.False(t, v.Broken)
	assert.EqualValues(t, 1, hits.Load())
}

func TestProbeMintsFreshTokenPerRequest(t *testing.T) {
	var hits atomic.Int32
	srv := errorScrapeServer(t, http.StatusOK, fatalPage, &hits)
	defer srv.Close()

	p := newProbe(t, srv.URL+"/wp-admin/plugins.php")
	for i := 0; i < 2; i++ {
		v, err := p.Probe(context.Background(), "foo/foo.php")
		require.NoError(t, err)
		// A replayed token would be rejected with 403 and no marker.
		assert.True(t, v.Broken, "probe %d", i)
	}
	assert.EqualValues(t, 2, hits.Load())
}

func TestProbeReadsOnlyUpToMaxBody(t *testing.T) {
	body := strings.Repeat("x", 4096) + fatalPage
	srv := errorScrapeServer(t, http.StatusOK, body, nil)
	defer srv.Close()

	p := newProbe(t, srv.URL+"/wp-admin/plugins.php")
	p.config.MaxBodyBytes = 1024

	v, err := p.Probe(context.Background(), "foo/foo.php")
	require.NoError(t, err)
	assert.False(t, v.Broken)
}

type failingMinter struct{}

func (failingMinter) Mint(string) (string, error) { return "", errors.New("no secret") }

func TestProbeMintFailureIsInconclusive(t *testing.T) {
	contract, _ := LookupContract("v1")
	p := New(Config{AdminURL: "http://127.0.0.1:1/wp-admin/plugins.php", Contract: contract}, failingMinter{})

	verdict, err := p.Probe(context.Background(), "foo/foo.php")
	assert.Error(t, err)
	assert.Zero(t, verdict.Duration, "no request was sent")
}

func TestRequestURLKeepsExistingQuery(t *testing.T) {
	p := newProbe(t, "https://example.com/wp-admin/plugins.php?lang=en")
	raw, err := p.requestURL("foo/foo.php")
	require.NoError(t, err)

	assert.Contains(t, raw, "lang=en")
	assert.Contains(t, raw, "action=error_scrape")
	assert.Contains(t, raw, "plugin=foo%2Ffoo.php")
	assert.Contains(t, raw, "_wpnonce=")
}

func TestLookupContract(t *testing.T) {
	c, err := LookupContract("v1")
	require.NoError(t, err)
	assert.Equal(t, "wp-die-message", c.FailureMarker)

	_, err = LookupContract("v9")
	assert.Error(t, err)
	assert.Equal(t, []string{"v1"}, KnownContracts())
}

func TestAnnouncedContractMismatchStillMatchesMarker(t *testing.T) {
	verifier := token.NewVerifier(testSecret, "updateguard")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if err := verifier.Verify(q.Get("_wpnonce"), token.Purpose(token.ActionActivationError, q.Get("plugin"))); err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set(ContractHeader, "v2")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(fatalPage))
	}))
	defer srv.Close()

	contract, err := LookupContract("v1")
	require.NoError(t, err)
	scraper := New(Config{AdminURL: srv.URL + "/wp-admin/plugins.php", Contract: contract}, token.NewIssuer(testSecret, "updateguard", time.Minute))

	verdict, err := scraper.Probe(context.Background(), "foo/foo.php")
	require.NoError(t, err)
	assert.True(t, verdict.Broken, "the configured marker decides, whatever the endpoint announces")
	assert.Equal(t, "v1", verdict.Contract)
	assert.Equal(t, http.StatusInternalServerError, verdict.StatusCode)
}
