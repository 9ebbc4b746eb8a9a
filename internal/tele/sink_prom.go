package tele

import (
	"strconv"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/labpsu/internal/power"
	"github.com/temoto/labpsu/log2"
)

const metricNamespace = "labpsu"

type PromSink struct {
	voltage   *prometheus.GaugeVec
	current   *prometheus.GaugeVec
	power     *prometheus.GaugeVec
	failures  *prometheus.GaugeVec
	samples   prometheus.Counter
	errors    *prometheus.CounterVec
	logErrors prometheus.Counter
}

func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	channelGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Subsystem: "channel",
			Name:      name,
			Help:      help,
		}, []string{"channel"})
	}
	self := &PromSink{
		voltage: channelGauge("voltage_volts", "Last measured output voltage."),
		current: channelGauge("current_amperes", "Last measured output current."),
		power:   channelGauge("power_watts", "Last measured output power."),
		failures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Subsystem: "poll",
			Name:      "consecutive_failures",
			Help:      "Channel measurement failures in a row, 0 after success.",
		}, []string{"channel"}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "poll",
			Name:      "samples_total",
			Help:      "Successful channel measurements.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "poll",
			Name:      "errors_total",
			Help:      "Failed channel measurements by error kind.",
		}, []string{"channel", "kind"}),
		logErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "log",
			Name:      "errors_total",
			Help:      "Messages logged at error level.",
		}),
	}
	for _, c := range []prometheus.Collector{self.voltage, self.current, self.power, self.failures, self.samples, self.errors, self.logErrors} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Annotate(err, "prometheus register")
		}
	}
	return self, nil
}

func (self *PromSink) Sample(id int, s power.Sample) {
	ch := strconv.Itoa(id)
	self.voltage.WithLabelValues(ch).Set(s.Voltage)
	self.current.WithLabelValues(ch).Set(s.Current)
	self.power.WithLabelValues(ch).Set(s.Power)
	self.failures.WithLabelValues(ch).Set(0)
	self.samples.Inc()
}

func (self *PromSink) Error(id int, err error, consecutive int) {
	ch := strconv.Itoa(id)
	self.errors.WithLabelValues(ch, power.ErrorKind(err)).Inc()
	self.failures.WithLabelValues(ch).Set(float64(consecutive))
}

// LogErrorFunc counts errors logged anywhere, install with log2.SetErrorFunc.
func (self *PromSink) LogErrorFunc() log2.ErrorFunc {
	return func(error) { self.logErrors.Inc() }
}
