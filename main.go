package serve

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/One-com/gone/http/rrwriter"
	"github.com/One-com/gone/log"
	"github.com/One-com/gone/sd"
	"github.com/One-com/gone/signals"

	"github.com/One-com/serve/config"
	"github.com/One-com/serve/endpoint"
	"github.com/One-com/serve/handlers/proxy"
	"github.com/One-com/serve/handlers/static"
	"github.com/One-com/serve/tlsconf"
)

func init() {
	// Default to a simple systemd compatible log on stdout
	log.Minimal()
}

// DefaultShutdownRegistry holds the hooks run when the process is signaled to stop.
var DefaultShutdownRegistry = NewShutdownRegistry()

/**************** SIGNAL HANDLING *******************/

// onSignalExit closes all listeners, waiting for the shutdown timeout for
// requests in flight.
func onSignalExit() {
	log.NOTICE("Signal Exit")
	sd.Notify(0, "STOPPING=1")
	go DefaultShutdownRegistry.Run()
}

// onSignalIncLogLevel will increase the log level for the default logger.
func onSignalIncLogLevel() {
	log.IncLevel()
	log.Print(fmt.Sprintf("Log level: %d", log.Level()))
}

// onSignalDecLogLevel will decrease the log level for the default logger.
func onSignalDecLogLevel() {
	log.DecLevel()
	log.Print(fmt.Sprintf("Log level: %d", log.Level()))
}

// onSignalReopenAccessLogFiles will ask the access log to reopen its file.
// (for external log rotation)
func onSignalReopenAccessLogFiles() {
	ReopenAccessLogFiles()
}

// HandledSignals is a map (syscall.Signal->func()) defining default
// OS signals to handle and how.
// Change this by assigning to HandledSignals before calling Init() if you need.
// Default signals:
//
//   SIGINT: Close all listeners
//   SIGTERM: Close all listeners
//   SIGTTIN: Increase log level (not on Windows)
//   SIGTTOU: Decrease log level (not on Windows)
//   SIGUSR1: Reopen the access log file (not on Windows)
//
var HandledSignals = signals.Mappings{
	syscall.SIGINT:  onSignalExit,
	syscall.SIGTERM: onSignalExit,
}

/******************* Options ***********************************/

type runcfg struct {
	dryrun            bool          // just dump the resolved configuration and exit.
	shutdowntimeout   time.Duration // default delay to wait for graceful shutdown
	readymessage      string        // Message to send over systemd notify socket when ready
	overrides         config.Overrides
	tls               tlsconf.Material
	pipeline          PipelineConfig
	noPortSwitching   bool
	ioActivityTimeout time.Duration
	accessLog         string
	statsdAddr        string
	metricsSpec       string
	production        bool
	registry          *ShutdownRegistry
	present           func(*ListenerState)
	out               io.Writer
}

// Option to pass to Main()
type Option func(*runcfg)

func defaultRunCfg() runcfg {
	return runcfg{
		readymessage:    "Ready and serving",
		shutdowntimeout: 5 * time.Second,
		pipeline:        PipelineConfig{Compress: true},
		metricsSpec:     DefaultMetrics,
		registry:        DefaultShutdownRegistry,
		out:             os.Stdout,
	}
}

// DumpConfig makes Main dry-run and exit after dumping the resolved configuration
func DumpConfig(dryrun bool) Option {
	return Option(func(c *runcfg) {
		c.dryrun = dryrun
	})
}

// ShutdownTimeout changes how long to wait for requests in flight when
// closing a listener before forcefully closing connections.
func ShutdownTimeout(to time.Duration) Option {
	return Option(func(c *runcfg) {
		c.shutdowntimeout = to
	})
}

// SdNotifyReadyMessage changes the default message to send to systemd
// via the notify socket.
func SdNotifyReadyMessage(msg string) Option {
	return Option(func(c *runcfg) {
		c.readymessage = msg
	})
}

// ConfigOverrides sets the command line settings applied to the configuration.
func ConfigOverrides(o config.Overrides) Option {
	return Option(func(c *runcfg) {
		c.overrides = o
	})
}

// TLS serves HTTPS with the given certificate and key.
func TLS(m tlsconf.Material) Option {
	return Option(func(c *runcfg) {
		c.tls = m
	})
}

// CORS enables Access-Control-Allow-Origin: * on all responses.
func CORS(enable bool) Option {
	return Option(func(c *runcfg) {
		c.pipeline.CORS = enable
	})
}

// Compression toggles gzip compression of responses. Default on.
func Compression(enable bool) Option {
	return Option(func(c *runcfg) {
		c.pipeline.Compress = enable
	})
}

// NoPortSwitching makes a port conflict fatal instead of picking another port.
func NoPortSwitching(disable bool) Option {
	return Option(func(c *runcfg) {
		c.noPortSwitching = disable
	})
}

// IOActivityTimeout closes connections, incoming and proxied, after this
// long without traffic.
func IOActivityTimeout(to time.Duration) Option {
	return Option(func(c *runcfg) {
		c.ioActivityTimeout = to
	})
}

// AccessLog writes an access log to the file. "-" is stdout.
func AccessLog(dest string) Option {
	return Option(func(c *runcfg) {
		c.accessLog = dest
	})
}

// Statsd sends request metrics to the statsd server at addr. spec is
// a comma separated list of metrics, "" for DefaultMetrics.
func Statsd(addr, spec string) Option {
	return Option(func(c *runcfg) {
		c.statsdAddr = addr
		if spec != "" {
			c.metricsSpec = spec
		}
	})
}

// Production replaces the interactive banner by log lines.
func Production(production bool) Option {
	return Option(func(c *runcfg) {
		c.production = production
	})
}

// WithShutdownRegistry makes Main register listener shutdown hooks with r
// instead of DefaultShutdownRegistry.
func WithShutdownRegistry(r *ShutdownRegistry) Option {
	return Option(func(c *runcfg) {
		c.registry = r
	})
}

// Present replaces the announcement of new listeners.
func Present(f func(*ListenerState)) Option {
	return Option(func(c *runcfg) {
		c.present = f
	})
}

// Output sets where the configuration dump and the banner go. Default stdout.
func Output(w io.Writer) Option {
	return Option(func(c *runcfg) {
		c.out = w
	})
}

/******************* Init logic ********************************/

var initOnce sync.Once

// DisableInit disables the default OS signal handling.
// You are on your own now to run DefaultShutdownRegistry.
func DisableInit() {
	initOnce.Do(func() {})
}

// Init starts the signal handler processing HandledSignals.
// If you don't call it, it is called for you by Main().
func Init() {
	initOnce.Do(func() {
		signals.RunSignalHandler(HandledSignals)
	})
}

// Main resolves the configuration for serving entry ("" for the working directory)
// and serves it on all endpoints until the shutdown registry is run.
// A configuration error or an endpoint failing to bind stops everything and is returned.
func Main(entry string, endpoints []endpoint.Endpoint, opts ...Option) error {

	Init()

	rc := defaultRunCfg()
	for _, o := range opts {
		o(&rc)
	}

	cwd, err := os.Getwd()
	if err != nil {
		log.CRIT("Unable to get working directory", "err", err)
		return err
	}

	resolved, err := config.Resolve(cwd, entry, rc.overrides)
	if err != nil {
		log.CRIT(err.Error())
		return err
	}

	if rc.dryrun {
		resolved.Dump(rc.out)
		return nil
	}

	tlsConf, err := tlsconf.GetTLSServerConfig(rc.tls)
	if err != nil {
		log.CRIT("Error loading TLS configuration", "err", err)
		return err
	}

	handler, cleanups, err := newHandler(cwd, resolved, &rc)
	defer runCleanups(cleanups)
	if err != nil {
		log.CRIT("Error configuring request handling", "err", err)
		return err
	}

	present := rc.present
	if present == nil {
		p := NewPresenter(rc.production)
		p.Out = rc.out
		present = p.Present
	}

	sup := NewSupervisor(handler, rc.registry, SupervisorOptions{
		Server: ServerConfig{
			TLS:               tlsConf,
			IOActivityTimeout: rc.ioActivityTimeout,
		},
		NoPortSwitching: rc.noPortSwitching,
		ShutdownTimeout: rc.shutdowntimeout,
		Present:         present,
	})

	// Stop everything if a listener fails while serving.
	go func() {
		<-sup.Done()
		rc.registry.Run()
	}()

	for _, ep := range endpoints {
		if _, err = sup.Start(ep); err != nil {
			log.CRIT(err.Error())
			rc.registry.Run()
			sup.Wait()
			return err
		}
	}

	sd.Notify(0, "READY=1\nSTATUS="+rc.readymessage)
	log.NOTICE("Started", "pid", os.Getpid(), "config", resolved.Source, "public", resolved.Public)

	err = sup.Wait()
	if err != nil {
		log.CRIT("Server exit error", "err", err)
	}

	log.NOTICE("Halted")
	return err
}

// newHandler assembles the request pipeline for the resolved configuration,
// wrapped in access logging and metrics if enabled.
func newHandler(cwd string, resolved *config.Resolved, rc *runcfg) (h http.Handler, cleanups []func() error, err error) {

	content := static.New(resolved, cwd)

	var pd ProxyDispatcher
	if len(resolved.Proxy) != 0 {
		var d *proxy.Dispatcher
		d, err = proxy.New(resolved, &proxy.TransportConfig{IOActivityTimeout: rc.ioActivityTimeout})
		if err != nil {
			return
		}
		pd = d
	}

	h = NewPipeline(rc.pipeline, pd, content)

	if rc.accessLog == "" && rc.statsdAddr == "" {
		return
	}

	mfunc := func(rrwriter.RecordingResponseWriter) {}
	if ms := newMetricsService(rc.statsdAddr, "", 0); ms != nil {
		var stop func()
		stop, err = ms.Start()
		if err != nil {
			return
		}
		cleanups = append(cleanups, func() error { stop(); return nil })
		mfunc = metricsFunction("http", rc.metricsSpec)
	}

	audited, cleanup, err := wrapAuditHandler(h, rc.accessLog, mfunc)
	if err != nil {
		return
	}
	if cleanup != nil {
		cleanups = append(cleanups, cleanup)
	}
	h = audited
	return
}

func runCleanups(cleanups []func() error) {
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			log.ERROR("Cleanup failed", "err", err)
		}
	}
}
