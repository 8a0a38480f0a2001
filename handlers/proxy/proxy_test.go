package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/One-com/gone/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/One-com/serve/config"
)

func init() {
	log.SetOutput(io.Discard)
}

func resolve(t *testing.T, serveJSON string) *config.Resolved {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "serve.json"), []byte(serveJSON), 0644))
	cfg, err := config.Resolve(dir, dir, config.Overrides{})
	require.NoError(t, err)
	return cfg
}

func TestDispatchMatching(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s", r.URL.Path, r.Header.Get("X-Forwarded-Host"))
	}))
	defer backend.Close()

	cfg := resolve(t, fmt.Sprintf(`{"proxy": [{"source": "api/**", "destination": "%s/v1"}]}`, backend.URL))
	d, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Len())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://site.example/api/users", nil)
	assert.True(t, d.Dispatch(rec, req))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/v1/api/users site.example", rec.Body.String())

	rec = httptest.NewRecorder()
	assert.False(t, d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil)))
	// nothing written when refusing
	assert.Equal(t, 0, rec.Body.Len())
	assert.Empty(t, rec.Header())
}

func TestFirstRuleWins(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "first")
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "second")
	}))
	defer second.Close()

	cfg := resolve(t, fmt.Sprintf(`{"proxy": [
		{"source": "a/**", "destination": "%s"},
		{"source": "**", "destination": "%s"}
	]}`, first.URL, second.URL))
	d, err := New(cfg, &TransportConfig{IOActivityTimeout: time.Second})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.True(t, d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/a/b", nil)))
	assert.Equal(t, "first", rec.Body.String())

	rec = httptest.NewRecorder()
	require.True(t, d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/b", nil)))
	assert.Equal(t, "second", rec.Body.String())
}

func TestProxyErrorLog(t *testing.T) {
	cfg := resolve(t, `{"proxy": [{"source": "**", "destination": "http://localhost:1"}]}`)
	d, err := New(cfg, nil)
	require.NoError(t, err)
	require.Len(t, d.rules, 1)

	errorLog := d.rules[0].proxy.ErrorLog
	require.NotNil(t, errorLog)
	assert.NotPanics(t, func() { errorLog.Printf("proxy error: %s", "test") })
}

func TestBackendDown(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	url := backend.URL
	backend.Close()

	cfg := resolve(t, fmt.Sprintf(`{"proxy": [{"source": "**", "destination": "%s"}]}`, url))
	d, err := New(cfg, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	assert.True(t, d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/x", nil)))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestBadDestination(t *testing.T) {
	cfg := resolve(t, `{"proxy": [{"source": "**", "destination": "/relative"}]}`)
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestNoRules(t *testing.T) {
	cfg := resolve(t, `{}`)
	d, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Len())
	assert.False(t, d.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil)))
}
