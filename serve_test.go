package serve

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/One-com/gone/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/One-com/serve/config"
	"github.com/One-com/serve/endpoint"
	"github.com/One-com/serve/handlers/static"
)

func init() {
	log.SetOutput(io.Discard)
}

func TestMain(m *testing.M) {

	DisableInit()

	os.Exit(m.Run())
}

const teststring = "test ok\n"

var testHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, teststring)
})

func get(t *testing.T, client *http.Client, url string) string {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func tcpPort(ls *ListenerState) int {
	return ls.Addr.(*net.TCPAddr).Port
}

// occupy binds an ephemeral port on all interfaces and returns it.
func occupy(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

//----------------------------------------------------

func TestShutdownRegistryRunsHooksOnce(t *testing.T) {
	r := NewShutdownRegistry()

	var a, b int32
	r.Register("a", func() { atomic.AddInt32(&a, 1) })
	r.Register("b", func() { atomic.AddInt32(&b, 1) })
	assert.Equal(t, 2, r.Len())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run()
		}()
	}
	wg.Wait()
	r.Run()

	assert.Equal(t, int32(1), atomic.LoadInt32(&a))
	assert.Equal(t, int32(1), atomic.LoadInt32(&b))

	// late hooks run right away
	var c int32
	r.Register("c", func() { atomic.AddInt32(&c, 1) })
	r.Run()
	assert.Equal(t, int32(1), atomic.LoadInt32(&c))
}

//----------------------------------------------------

func TestStartServes(t *testing.T) {
	r := NewShutdownRegistry()
	sup := NewSupervisor(testHandler, r, SupervisorOptions{})

	ls, err := sup.Start(endpoint.Endpoint{Kind: endpoint.TCP, Host: "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, uint16(0), ls.PreviousPort)

	assert.Equal(t, teststring, get(t, http.DefaultClient, fmt.Sprintf("http://127.0.0.1:%d/", tcpPort(ls))))

	r.Run()
	assert.NoError(t, sup.Wait())
	select {
	case <-sup.Done():
	default:
		t.Error("Done not closed after Wait")
	}
}

func TestConflictSwitchesPort(t *testing.T) {
	port := occupy(t)

	r := NewShutdownRegistry()
	var presented *ListenerState
	sup := NewSupervisor(testHandler, r, SupervisorOptions{
		Present: func(ls *ListenerState) { presented = ls },
	})

	ls, err := sup.Start(endpoint.Port(port))
	require.NoError(t, err)
	defer func() {
		r.Run()
		sup.Wait()
	}()

	assert.Equal(t, port, ls.PreviousPort)
	assert.Equal(t, endpoint.Port(port), ls.Requested)
	assert.Equal(t, endpoint.Port(0), ls.Endpoint)
	assert.NotEqual(t, int(port), tcpPort(ls))
	assert.Same(t, ls, presented)

	assert.Equal(t, teststring, get(t, http.DefaultClient, fmt.Sprintf("http://127.0.0.1:%d/", tcpPort(ls))))
}

func TestConflictWithoutPortSwitching(t *testing.T) {
	port := occupy(t)

	sup := NewSupervisor(testHandler, NewShutdownRegistry(), SupervisorOptions{NoPortSwitching: true})

	_, err := sup.Start(endpoint.Port(port))
	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Conflict)
	assert.Empty(t, sup.Listeners())
}

func TestConflictOnHostPortIsFatal(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := uint16(l.Addr().(*net.TCPAddr).Port)

	sup := NewSupervisor(testHandler, NewShutdownRegistry(), SupervisorOptions{})

	_, err = sup.Start(endpoint.Endpoint{Kind: endpoint.TCP, Host: "127.0.0.1", Port: port})
	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Conflict)
}

func TestOtherBindErrorIsFatal(t *testing.T) {
	sup := NewSupervisor(testHandler, NewShutdownRegistry(), SupervisorOptions{})

	_, err := sup.Start(endpoint.Endpoint{Kind: endpoint.Unix, Path: filepath.Join(t.TempDir(), "missing", "dir", "s.sock")})
	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.False(t, be.Conflict)
}

// A registrar handing out the hooks to the test.
type hookRecorder struct {
	hooks []func()
}

func (h *hookRecorder) Register(name string, f func()) {
	h.hooks = append(h.hooks, f)
}

func TestHookShutsDownServerOnce(t *testing.T) {
	rec := &hookRecorder{}
	sup := NewSupervisor(testHandler, rec, SupervisorOptions{ShutdownTimeout: time.Second})

	ls, err := sup.Start(endpoint.Endpoint{Kind: endpoint.TCP, Host: "127.0.0.1"})
	require.NoError(t, err)
	require.Len(t, rec.hooks, 1)

	// Every call to Shutdown runs these.
	var shutdowns int32
	ls.server.RegisterOnShutdown(func() {
		atomic.AddInt32(&shutdowns, 1)
	})

	// two signals in quick succession
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.hooks[0]()
		}()
	}
	wg.Wait()
	require.NoError(t, sup.Wait())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&shutdowns) > 0
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&shutdowns))

	// later calls are no-ops too
	rec.hooks[0]()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&shutdowns))
}

func TestUnixSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no unix sockets")
	}
	// keep the path short for the socket address limit
	dir, err := os.MkdirTemp("", "srv")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "s.sock")

	r := NewShutdownRegistry()
	sup := NewSupervisor(testHandler, r, SupervisorOptions{})
	ep, err := endpoint.Parse("unix:" + sock)
	require.NoError(t, err)

	ls, err := sup.Start(ep)
	require.NoError(t, err)
	assert.Equal(t, "unix:"+sock, ls.Description())

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sock)
		},
	}}
	assert.Equal(t, teststring, get(t, client, "http://unix/"))

	r.Run()
	require.NoError(t, sup.Wait())
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err), "socket file removed on close")
}

func selfSigned(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestTLS(t *testing.T) {
	r := NewShutdownRegistry()
	sup := NewSupervisor(testHandler, r, SupervisorOptions{
		Server: ServerConfig{
			TLS: &tls.Config{Certificates: []tls.Certificate{selfSigned(t)}},
		},
	})

	ls, err := sup.Start(endpoint.Endpoint{Kind: endpoint.TCP, Host: "127.0.0.1"})
	require.NoError(t, err)
	assert.True(t, ls.TLS)

	local, _ := ls.Addresses()
	assert.True(t, strings.HasPrefix(local, "https://127.0.0.1:"))

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	assert.Equal(t, teststring, get(t, client, local+"/"))

	r.Run()
	require.NoError(t, sup.Wait())
}

//----------------------------------------------------

type fakeProxy struct {
	prefix string
}

func (p fakeProxy) Dispatch(w http.ResponseWriter, r *http.Request) bool {
	if !strings.HasPrefix(r.URL.Path, p.prefix) {
		return false
	}
	io.WriteString(w, "proxied")
	return true
}

func TestPipelineProxyBeforeContent(t *testing.T) {
	var contentCalls int32
	content := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&contentCalls, 1)
		io.WriteString(w, "content")
	})
	h := NewPipeline(PipelineConfig{}, fakeProxy{prefix: "/api/"}, content)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	assert.Equal(t, "proxied", rec.Body.String())
	assert.Equal(t, int32(0), atomic.LoadInt32(&contentCalls))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/page", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "content", rec.Body.String())
	assert.Equal(t, int32(1), atomic.LoadInt32(&contentCalls))
}

func TestPipelineCORS(t *testing.T) {
	h := NewPipeline(PipelineConfig{CORS: true}, nil, testHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	// also without Origin
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, teststring, rec.Body.String())

	h = NewPipeline(PipelineConfig{}, nil, testHandler)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPipelineProxyStatusAndCompression(t *testing.T) {
	body := strings.Repeat("proxied ", 1000)
	proxy := proxyFunc(func(w http.ResponseWriter, r *http.Request) bool {
		io.WriteString(w, body)
		return true
	})
	h := NewPipeline(PipelineConfig{Compress: true}, proxy, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
}

type proxyFunc func(w http.ResponseWriter, r *http.Request) bool

func (f proxyFunc) Dispatch(w http.ResponseWriter, r *http.Request) bool {
	return f(w, r)
}

func TestPipelineEmptyNotFound(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "404.html"), nil, 0644))
	cfg, err := config.Resolve(dir, "", config.Overrides{})
	require.NoError(t, err)
	content := static.New(cfg, dir)

	for _, compress := range []bool{false, true} {
		h := NewPipeline(PipelineConfig{Compress: compress}, nil, content)
		for _, method := range []string{http.MethodGet, http.MethodHead} {
			req := httptest.NewRequest(method, "/missing", nil)
			req.Header.Set("Accept-Encoding", "gzip")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusNotFound, rec.Code, "%s compress=%v", method, compress)
			assert.Empty(t, rec.Body.String(), "%s compress=%v", method, compress)
			assert.NotContains(t, rec.Header().Get("Content-Type"), "text/plain", "%s compress=%v", method, compress)
			assert.Empty(t, rec.Header().Get("Content-Encoding"), "%s compress=%v", method, compress)
		}
	}
}

func TestPipelineCompression(t *testing.T) {
	body := strings.Repeat("compress me ", 1000)
	content := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, body)
	})
	h := NewPipeline(PipelineConfig{Compress: true}, nil, content)

	req := httptest.NewRequest(http.MethodGet, "/file.txt", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
}

//----------------------------------------------------

func TestPresenter(t *testing.T) {
	ls := &ListenerState{
		Addr:         &net.TCPAddr{IP: net.IPv6unspecified, Port: 1234},
		PreviousPort: 3000,
	}

	var buf bytes.Buffer
	p := &Presenter{Out: &buf, Interactive: true}
	p.Present(ls)
	out := buf.String()
	assert.Contains(t, out, "Serving!")
	assert.Contains(t, out, "http://localhost:1234")
	assert.Contains(t, out, "This port was picked because 3000 is in use.")

	buf.Reset()
	p.Interactive = false
	p.Present(ls)
	assert.Empty(t, buf.String())
}

func TestAddressesForSpecificHost(t *testing.T) {
	ls := &ListenerState{Addr: &net.TCPAddr{IP: net.IPv6loopback, Port: 8080}, TLS: true}
	local, network := ls.Addresses()
	assert.Equal(t, "https://[::1]:8080", local)
	assert.Empty(t, network)
}

func TestEnv(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("NO_UPDATE_CHECK", "1")
	t.Setenv("SERVE_ENV", "production")

	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "4000", env.Port)
	assert.False(t, env.UpdateCheck())
	assert.True(t, env.Production())

	// only "1" opts out
	t.Setenv("NO_UPDATE_CHECK", "true")
	env, err = LoadEnv()
	require.NoError(t, err)
	assert.True(t, env.UpdateCheck())
}

func TestAccessLog(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "access.log")

	h, cleanup, err := wrapAuditHandler(testHandler, dest, metricsFunction("test", "2xx,size"))
	require.NoError(t, err)
	require.NotNil(t, cleanup)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/hello", nil))
	ReopenAccessLogFiles()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/again", nil))
	require.NoError(t, cleanup())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "/hello")
	assert.Contains(t, string(data), "/again")
}

//----------------------------------------------------

func writeSite(t *testing.T, serveJSON string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("home"), 0644))
	if serveJSON != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "serve.json"), []byte(serveJSON), 0644))
	}
	return dir
}

func TestMainDumpConfig(t *testing.T) {
	dir := writeSite(t, `{"rewrites": [{"source": "a", "destination": "/b"}]}`)

	var buf bytes.Buffer
	err := Main(dir, nil, DumpConfig(true), Output(&buf), ConfigOverrides(config.Overrides{Single: true}))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"etag": true`)
	assert.Contains(t, buf.String(), `"destination": "/index.html"`)
}

func TestMainServesUntilShutdown(t *testing.T) {
	dir := writeSite(t, "")
	r := NewShutdownRegistry()
	started := make(chan *ListenerState, 2)

	done := make(chan error)
	go func() {
		done <- Main(dir, []endpoint.Endpoint{
			{Kind: endpoint.TCP, Host: "127.0.0.1"},
			{Kind: endpoint.TCP, Host: "127.0.0.1"},
		},
			WithShutdownRegistry(r),
			Present(func(ls *ListenerState) { started <- ls }),
			CORS(true),
		)
	}()

	for i := 0; i < 2; i++ {
		select {
		case ls := <-started:
			assert.Equal(t, "home", get(t, http.DefaultClient, fmt.Sprintf("http://127.0.0.1:%d/", tcpPort(ls))))
		case err := <-done:
			t.Fatal(err)
		case <-time.After(5 * time.Second):
			t.Fatal("listener not started")
		}
	}
	assert.Equal(t, 2, r.Len())

	r.Run()
	assert.NoError(t, <-done)
}

func TestMainInvalidConfigStartsNothing(t *testing.T) {
	dir := writeSite(t, `{"rewrites": [{"source": "**"}]}`)
	r := NewShutdownRegistry()

	err := Main(dir, []endpoint.Endpoint{{Kind: endpoint.TCP, Host: "127.0.0.1"}},
		WithShutdownRegistry(r),
		Present(func(*ListenerState) { t.Error("listener started") }),
	)
	var ve *config.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 0, r.Len())
}

func TestMainBindConflictIsFatal(t *testing.T) {
	dir := writeSite(t, "")
	port := occupy(t)
	r := NewShutdownRegistry()

	err := Main(dir, []endpoint.Endpoint{{Kind: endpoint.TCP, Host: "127.0.0.1"}, endpoint.Port(port)},
		WithShutdownRegistry(r),
		NoPortSwitching(true),
		Present(func(*ListenerState) {}),
	)
	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Conflict)
	// the first listener was started and closed again
	assert.Equal(t, 1, r.Len())
}

func TestStatusCodeTests(t *testing.T) {
	assert.True(t, exactCodeTest(404)(404))
	assert.False(t, exactCodeTest(404)(405))

	class := rangeCodeTest(200)
	assert.True(t, class(200))
	assert.True(t, class(299))
	assert.False(t, class(300))
	assert.False(t, class(199))
}

func TestMetricsServiceDefaults(t *testing.T) {
	assert.Nil(t, newMetricsService("", "", 0))

	ms := newMetricsService("localhost:8125", "", 0)
	require.NotNil(t, ms)
	assert.True(t, strings.HasPrefix(ms.Prefix, "serve."))
	assert.Equal(t, time.Second, ms.Interval)

	ms = newMetricsService("!", "site", 10*time.Second)
	assert.Equal(t, "site", ms.Prefix)
	assert.Equal(t, 10*time.Second, ms.Interval)
}
