// Command serve serves a directory over HTTP on one or more endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"

	"github.com/One-com/serve"
	"github.com/One-com/serve/config"
	"github.com/One-com/serve/endpoint"
	"github.com/One-com/serve/tlsconf"
	"github.com/One-com/serve/update"
)

var (
	VERSION   = "Not set"
	BUILDTIME = "In the past"
	REVISION  = "Unknown"
)

const usageEndpoints = `
Endpoints:
  Listen endpoints (given by --listen or -l) instruct serve to listen on
  one or more interfaces/ports, UNIX domain sockets, or Windows named pipes.

  For TCP ports on all interfaces:      serve -l 1234
  For TCP (traditional host/port):      serve -l tcp://hostname:1234
  For UNIX domain sockets:              serve -l unix:/path/to/socket.sock
  For Windows named pipes:              serve -l pipe:\\.\pipe\PipeName

  By default serve listens on port 3000 ($PORT if set) of all interfaces and
  serves the current working directory. A single --listen overwrites the
  default, it does not supplement it.
`

type options struct {
	listen          []string
	port            []string // deprecated -p
	printVersion    bool
	debug           bool
	single          bool
	configFile      string
	noClipboard     bool
	noCompression   bool
	noETag          bool
	symlinks        bool
	cors            bool
	noPortSwitching bool
	sslCert         string
	sslKey          string
	sslPass         string
	sslMinVersion   string
	dumpConfig      bool
	accessLog       string
	statsd          string
	metrics         string
	ioTimeout       time.Duration
	shutdownTimeout time.Duration
}

// errReported marks errors already logged by serve.Main.
type errReported struct {
	error
}

func (e errReported) Unwrap() error {
	return e.error
}

type mainFunc func(entry string, endpoints []endpoint.Endpoint, opts ...serve.Option) error

func newRootCmd(run mainFunc) *cobra.Command {
	var o options

	cmd := &cobra.Command{
		Use:   "serve [flags] [directory]",
		Short: "Static file serving and directory listing",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				return errors.New("Please provide one path argument at maximum")
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, &o, args, run)
		},
	}
	cmd.SetUsageTemplate(cmd.UsageTemplate() + usageEndpoints)

	f := cmd.Flags()
	f.StringArrayVarP(&o.listen, "listen", "l", nil, "Specify a URI endpoint on which to listen. More than one may be given")
	f.StringArrayVarP(&o.port, "port", "p", nil, "Specify custom port")
	f.MarkDeprecated("port", "use --listen instead")
	f.BoolVarP(&o.printVersion, "version", "v", false, "Displays the current version of serve")
	f.BoolVarP(&o.debug, "debug", "d", false, "Show debugging information")
	f.BoolVarP(&o.single, "single", "s", false, "Rewrite all not-found requests to `index.html`")
	f.StringVarP(&o.configFile, "config", "c", "", "Specify custom path to `serve.json`")
	f.BoolVarP(&o.noClipboard, "no-clipboard", "n", false, "Do not copy the local address to the clipboard")
	f.BoolVarP(&o.noCompression, "no-compression", "u", false, "Do not compress files")
	f.BoolVar(&o.noETag, "no-etag", false, "Send `Last-Modified` header instead of `ETag`")
	f.BoolVarP(&o.symlinks, "symlinks", "S", false, "Resolve symlinks instead of showing 404 errors")
	f.BoolVarP(&o.cors, "cors", "C", false, "Enable CORS, sets `Access-Control-Allow-Origin` to `*`")
	f.BoolVar(&o.noPortSwitching, "no-port-switching", false, "Do not open a port other than the one specified when it's taken")
	f.StringVar(&o.sslCert, "ssl-cert", "", "Optional path to an SSL/TLS certificate to serve with HTTPS")
	f.StringVar(&o.sslKey, "ssl-key", "", "Optional path to the SSL/TLS certificate's private key")
	f.StringVar(&o.sslPass, "ssl-pass", "", "Optional path to the SSL/TLS certificate's passphrase")
	f.StringVar(&o.sslMinVersion, "ssl-min-version", "", "Minimum TLS version: TLSv10, TLSv11, TLSv12 (default) or TLSv13")
	f.BoolVar(&o.dumpConfig, "dump-config", false, "Print the resolved configuration and exit")
	f.StringVar(&o.accessLog, "access-log", "", "Write an access log to this file (\"-\" for stdout)")
	f.StringVar(&o.statsd, "statsd", "", "Send request metrics to this statsd address (\"!\" for stdout)")
	f.StringVar(&o.metrics, "metrics", serve.DefaultMetrics, "Request metrics to send to statsd")
	f.DurationVar(&o.ioTimeout, "io-timeout", 0, "Close connections after this long without traffic")
	f.DurationVar(&o.shutdownTimeout, "shutdown-timeout", 5*time.Second, "How long to wait for requests in flight on shutdown")

	return cmd
}

func runServe(cmd *cobra.Command, o *options, args []string, run mainFunc) error {

	if o.debug {
		log.SetLevel(syslog.LOG_DEBUG)
	}

	env, err := serve.LoadEnv()
	if err != nil {
		return err
	}

	if env.UpdateCheck() && VERSION != "Not set" {
		go checkForUpdate(o.debug)
	}

	if o.printVersion {
		fmt.Fprintln(cmd.OutOrStdout(), VERSION)
		if o.debug {
			fmt.Fprintf(cmd.OutOrStdout(), "Revision:    \t%s\n", REVISION)
			fmt.Fprintf(cmd.OutOrStdout(), "Build date:  \t%s\n", BUILDTIME)
			fmt.Fprintf(cmd.OutOrStdout(), "Go Compiler: \t%s\n", runtime.Version())
		}
		return nil
	}

	raw := append(append([]string(nil), o.listen...), o.port...)
	if len(raw) == 0 {
		port := env.Port
		if port == "" {
			port = "3000"
		}
		raw = []string{port}
	}

	var endpoints []endpoint.Endpoint
	for _, r := range raw {
		ep, err := endpoint.Parse(r)
		if err != nil {
			return err
		}
		endpoints = append(endpoints, ep)
	}

	var entry string
	if len(args) > 0 {
		entry = args[0]
	}

	if o.noClipboard {
		log.DEBUG("Clipboard support is not available. Ignoring --no-clipboard")
	}

	err = run(entry, endpoints,
		serve.ConfigOverrides(config.Overrides{
			ConfigFile: o.configFile,
			NoETag:     o.noETag,
			Symlinks:   o.symlinks,
			Single:     o.single,
		}),
		serve.TLS(tlsconf.Material{
			CertFile:       o.sslCert,
			KeyFile:        o.sslKey,
			PassphraseFile: o.sslPass,
			MinVersion:     o.sslMinVersion,
		}),
		serve.CORS(o.cors),
		serve.Compression(!o.noCompression),
		serve.NoPortSwitching(o.noPortSwitching),
		serve.DumpConfig(o.dumpConfig),
		serve.AccessLog(o.accessLog),
		serve.Statsd(o.statsd, o.metrics),
		serve.IOActivityTimeout(o.ioTimeout),
		serve.ShutdownTimeout(o.shutdownTimeout),
		serve.Production(env.Production()),
		serve.Output(cmd.OutOrStdout()),
	)
	if err != nil {
		return errReported{err}
	}
	return nil
}

func checkForUpdate(debug bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	latest, newer, err := update.New(VERSION).Check(ctx)
	if err != nil {
		if debug {
			log.WARN("Checking for updates failed", "err", err)
		} else {
			log.WARN("Checking for updates failed (use `--debug` to see full error)")
		}
		return
	}
	if newer {
		log.NOTICE("UPDATE AVAILABLE", "latest", latest)
	}
}

func main() {

	log.SetLevel(syslog.LOG_INFO)
	log.SetFlags(log.Llevel | log.Lname)
	log.AutoColoring()

	err := newRootCmd(serve.Main).Execute()
	if err != nil {
		var reported errReported
		if !errors.As(err, &reported) {
			log.CRIT(err.Error())
		}
		os.Exit(1)
	}
}
