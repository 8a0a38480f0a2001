package serve

import (
	"crypto/tls"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"time"

	"github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"
	"github.com/One-com/gone/netutil/reaper"
)

// Callback turning IO activity timeout on/off for use as a http.Server.ConnState callback
func toggleIOActivityTimeout(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew, http.StateActive:
		reaper.IOActivityTimeout(conn, true)
	case http.StateIdle, http.StateClosed, http.StateHijacked:
		reaper.IOActivityTimeout(conn, false)
	}
}

// ServerConfig holds the settings shared by all listeners' HTTP servers.
type ServerConfig struct {
	TLS               *tls.Config   // nil for plain HTTP
	IOActivityTimeout time.Duration // close connections idle this long. 0 disables.
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// prepareListener wraps a freshly bound listener with the IO activity reaper if enabled.
func (cfg *ServerConfig) prepareListener(lin net.Listener) (lout net.Listener) {
	if cfg.IOActivityTimeout == time.Duration(0) {
		return lin
	}
	to := cfg.IOActivityTimeout
	reaperInterval := to / time.Duration(2)
	return reaper.NewIOActivityTimeoutListener(lin, to, reaperInterval)
}

// newHTTPServer creates the HTTP server for one listener with the given handler
func newHTTPServer(name string, cfg *ServerConfig, handler http.Handler) *http.Server {

	if cfg.TLS != nil {
		log.DEBUG("TLS Config", "listener", name, "ciphers", log.Lazy(func() interface{} { return fmt.Sprint(cfg.TLS.CipherSuites) }))
		if cfg.TLS.GetCertificate == nil && len(cfg.TLS.Certificates) == 0 {
			log.WARN("No Server certificates and no SNI callback enabled")
		}
	}

	// Set up a log adapter for stdlib HTTP server.
	errorGonelog := log.NewStdlibAdapter(log.GetLogger(name), syslog.LOG_CRIT)
	errorlog := stdlog.New(errorGonelog, "", 0)

	httpserver := &http.Server{
		Handler:           handler,
		ErrorLog:          errorlog,
		TLSConfig:         cfg.TLS,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	if cfg.IOActivityTimeout != time.Duration(0) {
		httpserver.ConnState = toggleIOActivityTimeout
	}
	return httpserver
}

// serveOn runs srv on ln until it is shut down.
func serveOn(srv *http.Server, ln net.Listener) error {
	if srv.TLSConfig != nil {
		// Certificates are in the TLS config.
		return srv.ServeTLS(ln, "", "")
	}
	return srv.Serve(ln)
}
