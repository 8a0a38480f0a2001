// Package proxy forwards requests matching the configured proxy rules to
// another HTTP server, proxying the response back to the client.
//
// Rules come from the "proxy" field of the configuration:
//
//   "proxy" : [ { "source" : "api/**", "destination" : "http://localhost:8080" } ]
//
// The first rule whose source glob matches the request path wins. The request
// path is appended to the path of the destination URL.
package proxy

import (
	"context"
	"crypto/x509"
	"errors"
	stdlog "log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	werr "github.com/pkg/errors"

	"github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"
	"github.com/One-com/gone/netutil/reaper"

	"github.com/One-com/serve/config"
	"github.com/One-com/serve/handlers"
)

// TransportConfig tunes the HTTP transport used to reach the destinations.
type TransportConfig struct {
	// close the connection after this amount of time without traffic.
	IOActivityTimeout time.Duration

	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConnsPerHost   int
}

type rule struct {
	source string
	proxy  *httputil.ReverseProxy
}

// Dispatcher gets first refusal on every request.
type Dispatcher struct {
	rules []rule
}

// New creates a Dispatcher for the proxy rules in cfg.
// A nil tc gives a transport with default timeouts.
func New(cfg *config.Resolved, tc *TransportConfig) (*Dispatcher, error) {

	if tc == nil {
		tc = &TransportConfig{}
	}

	dialer := &net.Dialer{
		Timeout:   60 * time.Second,
		KeepAlive: 60 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   tc.MaxIdleConnsPerHost,
		IdleConnTimeout:       tc.IdleConnTimeout,
		TLSHandshakeTimeout:   tc.TLSHandshakeTimeout,
		ResponseHeaderTimeout: tc.ResponseHeaderTimeout,
	}

	if tc.IOActivityTimeout != time.Duration(0) {
		reaperInterval := time.Duration(tc.IOActivityTimeout.Nanoseconds()/2) * time.Nanosecond
		ioActivityTimeoutDialer := reaper.NewIOActivityTimeoutDialer(dialer, tc.IOActivityTimeout, reaperInterval, true)

		transport.DialContext = nil
		transport.Dial = ioActivityTimeoutDialer.Dial
	}

	d := &Dispatcher{}
	for _, r := range cfg.Proxy {
		target, err := url.Parse(r.Destination)
		if err != nil {
			return nil, config.WrapError(werr.Wrapf(err, "Proxy destination for %s", r.Source))
		}
		if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
			return nil, config.WrapError(werr.Errorf("Proxy destination for %s is not an absolute http(s) URL: %s", r.Source, r.Destination))
		}

		d.rules = append(d.rules, rule{
			source: r.Source,
			proxy: &httputil.ReverseProxy{
				Rewrite: func(pr *httputil.ProxyRequest) {
					pr.SetURL(target)
					pr.SetXForwarded()
				},
				Transport:    transport,
				ErrorHandler: errorHandler,
				ErrorLog:     stdlog.New(log.NewStdlibAdapter(log.GetLogger("proxy"), syslog.LOG_ERR), "", 0),
			},
		})
		log.DEBUG("Added proxy rule", "source", r.Source, "destination", r.Destination)
	}
	return d, nil
}

// Len returns the number of proxy rules.
func (d *Dispatcher) Len() int {
	return len(d.rules)
}

// Dispatch forwards the request if a rule matches it and tells whether it did.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request) bool {
	for _, rl := range d.rules {
		if handlers.Match(rl.source, r.URL.Path) {
			rl.proxy.ServeHTTP(w, r)
			return true
		}
	}
	return false
}

func errorHandler(rw http.ResponseWriter, req *http.Request, err error) {
	log.ERROR("http: proxy error", "err", err, "uri", req.URL.String())

	// Always close remote client connection in case of error
	rw.Header().Set("Connection", "close")

	var (
		certInvalid x509.CertificateInvalidError
		hostname    x509.HostnameError
		unknownAuth x509.UnknownAuthorityError
	)
	switch {
	case errors.As(err, &certInvalid), errors.As(err, &hostname), errors.As(err, &unknownAuth):
		rw.WriteHeader(http.StatusBadGateway)
	case errors.Is(err, context.Canceled):
		rw.WriteHeader(499) // nginx compliant client cancellation code.
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(rw, http.StatusText(http.StatusGatewayTimeout), http.StatusGatewayTimeout)
	default:
		http.Error(rw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	}
}
