// Package state is process-wide configuration and wiring of link,
// power controller, telemetry and HTTP API.
package state

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/alive/v2"
	"github.com/temoto/labpsu/hardware/scpi"
	"github.com/temoto/labpsu/helpers"
	"github.com/temoto/labpsu/internal/api"
	"github.com/temoto/labpsu/internal/power"
	"github.com/temoto/labpsu/internal/tele"
	"github.com/temoto/labpsu/log2"
)

type Global struct {
	Alive  *alive.Alive
	Config *Config
	Log    *log2.Log

	// Dialer replaces scpi.LinkDialer when set before Init, tests use simulator.
	Dialer scpi.Dialer

	Link     *scpi.Client
	Power    *power.Controller
	Poller   *tele.Poller
	Registry *prometheus.Registry
	Prom     *tele.PromSink
	Mqtt     *tele.MqttClient
	API      *api.Server

	lk      sync.Mutex
	started bool
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)

	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// Init applies defaults, validates config and builds all components.
// No instrument I/O happens here, see Start.
// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	errs := make([]error, 0)

	ci := &g.Config.Instrument
	if ci.TimeoutMs < 0 {
		errs = append(errs, errors.NotValidf("config: instrument.timeout_ms=%d < 0", ci.TimeoutMs))
	} else if ci.TimeoutMs == 0 {
		ci.TimeoutMs = int(scpi.DefaultTimeout / time.Millisecond)
	}
	if ci.Channels == nil {
		ci.Channels = append([]int(nil), power.DefaultIDs...)
	}
	if err := validChannels(ci.Channels); err != nil {
		errs = append(errs, err)
	}
	if ci.Address == "" {
		g.Log.Infof("config: instrument.address=empty, serve and cli need it")
	} else if _, _, _, err := scpi.ParseAddress(ci.Address); err != nil {
		errs = append(errs, errors.NewNotValid(err, "config: instrument.address"))
	}

	if g.Config.Poll.IntervalSec < 0 {
		errs = append(errs, errors.NotValidf("config: poll.interval_sec=%d < 0", g.Config.Poll.IntervalSec))
	} else if g.Config.Poll.IntervalSec == 0 {
		g.Config.Poll.IntervalSec = int(tele.DefaultInterval / time.Second)
	}
	if g.Config.API.Listen == "" {
		g.Config.API.Listen = DefaultAPIListen
	}
	if g.Config.Metrics.Path == "" {
		g.Config.Metrics.Path = api.DefaultMetricsPath
	}
	if g.Config.Sim.Listen == "" {
		g.Config.Sim.Listen = DefaultSimListen
	}
	if g.Config.Sim.Channels < 0 {
		errs = append(errs, errors.NotValidf("config: sim.channels=%d < 0", g.Config.Sim.Channels))
	}
	cm := &g.Config.Tele.Mqtt
	if cm.TopicPrefix == "" {
		cm.TopicPrefix = tele.DefaultTopicPrefix
	}
	if cm.Enable && cm.Broker == "" {
		errs = append(errs, errors.NotValidf("config: tele.mqtt.enable=true with empty broker"))
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return err
	}

	return g.initComponents()
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

func (g *Global) initComponents() error {
	cfg := g.Config

	g.Registry = prometheus.NewRegistry()
	g.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom, err := tele.NewPromSink(g.Registry)
	if err != nil {
		return errors.Annotate(err, "metrics init")
	}
	g.Prom = prom
	g.Log.SetErrorFunc(prom.LogErrorFunc())

	linkLog := g.Log.Clone(log2.ParseLevel(cfg.Instrument.LogDebug || cfg.Log.Debug))
	g.Link = scpi.NewClient(scpi.Options{
		Log:     linkLog,
		Dialer:  g.Dialer,
		Timeout: helpers.IntMillisecondDefault(cfg.Instrument.TimeoutMs, scpi.DefaultTimeout),
	})
	if g.Power, err = power.NewController(g.Link, g.Log, cfg.Instrument.Channels); err != nil {
		return errors.Annotate(err, "power init")
	}

	sinks := tele.MultiSink{tele.LogSink{Log: g.Log}, prom}
	if cm := cfg.Tele.Mqtt; cm.Enable {
		g.Mqtt, err = tele.NewMqttClient(tele.MqttConfig{
			Broker:      cm.Broker,
			ClientID:    cm.ClientID,
			TopicPrefix: cm.TopicPrefix,
			Username:    cm.Username,
			Password:    cm.Password,
		}, g.Log)
		if err != nil {
			return errors.Annotate(err, "tele mqtt init")
		}
		sinks = append(sinks, tele.NewMqttSink(g.Mqtt, cm.TopicPrefix, g.Log))
	}
	g.Poller = tele.NewPoller(g.Power, sinks, g.Log, tele.Options{
		Interval:  helpers.IntSecondDefault(cfg.Poll.IntervalSec, tele.DefaultInterval),
		Reconnect: g.reconnect,
	})

	apiopt := api.Options{
		Log:         g.Log,
		JWTSecret:   cfg.API.JWTSecret,
		MetricsPath: cfg.Metrics.Path,
	}
	if cfg.Metrics.Enable {
		apiopt.Metrics = promhttp.HandlerFor(g.Registry, promhttp.HandlerOpts{
			ErrorLog:      log2.Leveled{L: g.Log, Level: log2.LError},
			ErrorHandling: promhttp.ContinueOnError,
		})
	}
	g.API = api.NewServer(g.Power, apiopt)
	return nil
}

func (g *Global) reconnect(ctx context.Context) error {
	return g.Link.Connect(ctx, g.Config.Instrument.Address)
}

// Start connects to instrument and starts telemetry poller.
// Failed initial connect is returned, nothing is started then.
func (g *Global) Start(ctx context.Context) error {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.started {
		return errors.Errorf("code error Global.Start() called twice")
	}
	if g.Config.Instrument.Address == "" {
		return errors.NotValidf("config: instrument.address=empty")
	}
	if err := g.Link.Connect(ctx, g.Config.Instrument.Address); err != nil {
		return errors.Annotate(err, "instrument connect")
	}
	g.Log.Infof("instrument connected address=%s channels=%v", g.Config.Instrument.Address, g.Power.IDs())
	if g.Config.Poll.Disable {
		g.Log.Infof("poll disabled")
	} else if err := g.Poller.Start(ctx); err != nil {
		return errors.Annotate(err, "poller start")
	}
	g.started = true
	return nil
}

// Serve runs HTTP API on ln until Stop.
func (g *Global) Serve(ln net.Listener) error {
	g.Log.Infof("api listen=%s", ln.Addr())
	return g.API.Serve(ln)
}

// Stop is safe to call many times and without Start.
func (g *Global) Stop(ctx context.Context) {
	g.Alive.Stop()
	if g.Poller != nil {
		g.Poller.Stop()
		g.Poller.Wait()
	}
	if g.API != nil {
		if err := g.API.Shutdown(ctx); err != nil {
			g.Error(err, "api shutdown")
		}
	}
	if g.Link != nil {
		if err := g.Link.Close(); err != nil {
			g.Log.Debugf("link close err=%v", err)
		}
	}
	if g.Mqtt != nil {
		g.Mqtt.Close()
		g.Mqtt = nil
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Errorf(errors.ErrorStack(err))
	}
}

func validChannels(ids []int) error {
	if len(ids) == 0 {
		return errors.NotValidf("config: instrument.channels empty")
	}
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)
	for i, id := range sorted {
		if id <= 0 {
			return errors.NotValidf("config: instrument.channels id=%d <= 0", id)
		}
		if i > 0 && sorted[i-1] == id {
			return errors.NotValidf("config: instrument.channels duplicate id=%d", id)
		}
	}
	return nil
}

func NewTestContext(t testing.TB, confString string) (context.Context, *Global) {
	fs := NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	log := log2.NewTest(t, log2.LDebug)
	// log := log2.NewStderr(log2.LDebug) // useful with panics
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	g.MustInit(ctx, MustReadConfig(log, fs, "test-inline"))
	return ctx, g
}
