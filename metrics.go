package serve

import (
	"os"
	"strings"
	"time"

	"github.com/One-com/gone/log"
	"github.com/One-com/gone/metric"
	"github.com/One-com/gone/metric/sink/statsd"
)

// metricsService pushes the request metrics to statsd.
type metricsService struct {
	Addr     string // statsd server to target. "!" writes to stdout.
	Prefix   string
	Interval time.Duration // how often to push data to statsd
}

func newMetricsService(addr, prefix string, interval time.Duration) *metricsService {

	if addr == "" {
		return nil
	}

	if prefix == "" {
		// guess my name
		ident, err := os.Hostname()
		if err != nil {
			ident = "unknown"
		} else {
			ident = strings.Split(ident, ".")[0]
		}
		prefix = "serve." + ident
	}

	if interval <= time.Second {
		interval = time.Second
	}

	return &metricsService{
		Addr:     addr,
		Prefix:   prefix,
		Interval: interval,
	}
}

// Start initializes the statsd sink and starts flushing metrics.
// It returns a function stopping and flushing.
func (ms *metricsService) Start() (stop func(), err error) {

	var output statsd.Option
	if ms.Addr == "!" {
		output = statsd.Output(os.Stdout)
	} else {
		output = statsd.Peer(ms.Addr)
	}

	sink, err := statsd.New(
		output,
		statsd.Prefix(ms.Prefix),
		statsd.Buffer(1432))
	if err != nil {
		log.ERROR("Error initializing statsd sink", "err", err)
		return nil, err
	}

	log.INFO("Sending metrics", "interval", ms.Interval, "prefix", ms.Prefix, "to", ms.Addr)

	metric.SetDefaultOptions(metric.FlushInterval(ms.Interval))

	// Activate draining metrics to statsd
	metric.SetDefaultSink(sink)

	metric.Start()

	stop = func() {
		metric.Stop() // block until all have flushed
	}
	return stop, nil
}
