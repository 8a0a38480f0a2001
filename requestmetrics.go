package serve

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/One-com/gone/log"
	"github.com/One-com/gone/metric"

	"github.com/One-com/gone/http/handlers/accesslog"
	"github.com/One-com/gone/http/rrwriter"
)

// DefaultMetrics is the request metrics spec used when sending metrics:
// counters per status class and a response size histogram.
const DefaultMetrics = "2xx,3xx,4xx,5xx,size"

type meter interface {
	Measure(rrwriter.RecordingResponseWriter)
}

type statusMeter struct {
	test  func(code int) bool
	meter *metric.Counter
}

func (m *statusMeter) Measure(rec rrwriter.RecordingResponseWriter) {
	if m.test(rec.Status()) {
		m.meter.Inc(1)
	}
}

type sizeMeter struct {
	meter metric.Histogram
}

func (m *sizeMeter) Measure(rec rrwriter.RecordingResponseWriter) {
	m.meter.Sample(int64(rec.Size()))
}

// make a function testing status code for exact value
func exactCodeTest(val int) func(int) bool {
	return func(code int) bool {
		return val == code
	}
}

// make a function testing status code for being in range.
// val is 100,200,300....
func rangeCodeTest(val int) func(int) bool {
	return func(code int) bool {
		diff := code - val
		return diff >= 0 && diff < 100
	}
}

var (
	exactCode = regexp.MustCompile(`^\d\d\d$`)
	codeClass = regexp.MustCompile(`^\d[xX]{2}$`)
)

// metricsFunction creates an accesslog.AuditFunction from a comma separated
// spec like "200,4xx,size" which updates a metric per item named below prefix.
func metricsFunction(prefix, spec string) accesslog.AuditFunction {

	var meters []meter

	for _, spc := range strings.Split(spec, ",") {
		spc = strings.TrimSpace(spc)
		switch {
		case spc == "size":
			log.DEBUG("Creating size metric")
			meters = append(meters, &sizeMeter{meter: metric.RegisterHistogram(prefix + ".resp-size")})
		case exactCode.MatchString(spc):
			i, _ := strconv.Atoi(spc)
			log.DEBUG("Creating status metric", "code", spc)
			meters = append(meters, &statusMeter{test: exactCodeTest(i), meter: metric.RegisterCounter(prefix + ".code." + spc)})
		case codeClass.MatchString(spc):
			i, _ := strconv.Atoi(spc[0:1])
			log.DEBUG("Creating status metric", "code", spc)
			meters = append(meters, &statusMeter{test: rangeCodeTest(i * 100), meter: metric.RegisterCounter(prefix + ".code." + strings.ToLower(spc))})
		case spc != "":
			log.WARN("Ignoring unknown request metric", "metric", spc)
		}
	}

	return accesslog.AuditFunction(func(rec rrwriter.RecordingResponseWriter) {
		for _, mt := range meters {
			mt.Measure(rec)
		}
	})
}
