package state

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/labpsu/hardware/psusim"
	"github.com/temoto/labpsu/log2"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, context.Context)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, ctx context.Context) {
			g := GetGlobal(ctx)
			assert.Equal(t, 2000, g.Config.Instrument.TimeoutMs)
			assert.Equal(t, []int{1, 2, 3, 4}, g.Config.Instrument.Channels)
			assert.Equal(t, 5, g.Config.Poll.IntervalSec)
			assert.Equal(t, DefaultAPIListen, g.Config.API.Listen)
			assert.Equal(t, "/metrics", g.Config.Metrics.Path)
			assert.Equal(t, "labpsu", g.Config.Tele.Mqtt.TopicPrefix)
			assert.Equal(t, DefaultSimListen, g.Config.Sim.Listen)
			assert.Nil(t, g.Mqtt)
			assert.Equal(t, []int{1, 2, 3, 4}, g.Power.IDs())
			assert.Equal(t, 2*time.Second, g.Link.Timeout())
		}, ""},

		{"instrument", `
instrument {
	address = "tcp://192.168.0.10:1440"
	timeout_ms = 500
	channels = [3, 1]
	log_debug = true
}
poll { interval_sec = 2 }
api { listen = ":8081" jwt_secret = "s3cret" }`,
			func(t testing.TB, ctx context.Context) {
				g := GetGlobal(ctx)
				assert.Equal(t, "tcp://192.168.0.10:1440", g.Config.Instrument.Address)
				assert.Equal(t, 500*time.Millisecond, g.Link.Timeout())
				assert.Equal(t, []int{1, 3}, g.Power.IDs())
				assert.Equal(t, 2*time.Second, g.Poller.Interval())
				assert.Equal(t, ":8081", g.Config.API.Listen)
				assert.Equal(t, "s3cret", g.Config.API.JWTSecret)
			},
			"",
		},

		{"include-normalize", `
poll { interval_sec = 1 }
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "poll-7" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, ctx context.Context) {
				g := GetGlobal(ctx)
				assert.Equal(t, 7, g.Config.Poll.IntervalSec)
			}, ""},

		{"include-overwrites", `
poll { interval_sec = 1 }
include "poll-7" {}`,
			func(t testing.TB, ctx context.Context) {
				g := GetGlobal(ctx)
				assert.Equal(t, 7, g.Config.Poll.IntervalSec)
			}, ""},

		{"include-channels-replace", `
instrument { channels = [1, 2, 3, 4] }
include "channels-2" {}`,
			func(t testing.TB, ctx context.Context) {
				g := GetGlobal(ctx)
				assert.Equal(t, []int{1, 2}, g.Power.IDs())
			}, ""},

		{"metrics-mqtt", `
metrics { enable = true path = "/m" }
tele { mqtt { enable = false broker = "tcp://localhost:1883" topic_prefix = "lab/psu" } }`,
			func(t testing.TB, ctx context.Context) {
				g := GetGlobal(ctx)
				assert.Equal(t, "lab/psu", g.Config.Tele.Mqtt.TopicPrefix)
				w := httptest.NewRecorder()
				g.API.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/m", nil))
				assert.Equal(t, http.StatusOK, w.Code)
				assert.Contains(t, w.Body.String(), "go_goroutines")
			}, ""},

		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-include-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-timeout", `instrument { timeout_ms = -1 }`, nil, "instrument.timeout_ms=-1 < 0"},
		{"error-channels-empty", `instrument { channels = [] }`, nil, "instrument.channels empty"},
		{"error-channels-duplicate", `instrument { channels = [1, 2, 1] }`, nil, "instrument.channels duplicate id=1"},
		{"error-channels-zero", `instrument { channels = [0] }`, nil, "instrument.channels id=0 <= 0"},
		{"error-address", `instrument { address = "udp://host:1" }`, nil, "instrument.address"},
		{"error-poll", `poll { interval_sec = -5 }`, nil, "poll.interval_sec=-5 < 0"},
		{"error-mqtt-broker", `tele { mqtt { enable = true } }`, nil, "tele.mqtt.enable=true with empty broker"},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			t.Parallel()
			// log := log2.NewStderr(log2.LDebug) // helps with panics
			log := log2.NewTest(t, log2.LDebug)
			ctx, g := NewContext(log)

			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"poll-7":       "poll{interval_sec=7}",
				"channels-2":   "instrument{channels=[2,1]}",
				"error-syntax": "hello",
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if err == nil {
				err = g.Init(ctx, cfg)
			}
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, ctx)
				}
			} else {
				require.Error(t, err)
				if !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		}
	}
	for _, c := range cases {
		t.Run(c.name, mkCheck(c))
	}
}

func TestValidationIsNotValid(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	ctx, g := NewContext(log)
	cfg := MustReadConfig(log, NewMockFullReader(map[string]string{"c": `instrument { timeout_ms = -1 }`}), "c")
	err := g.Init(ctx, cfg)
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(err), errors.ErrorStack(err))
}

func TestOsFullReader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "labpsu.hcl")
	require.NoError(t, ioutil.WriteFile(cfgPath, []byte(`
instrument { address = "127.0.0.1:1440" }
include "local.hcl" { optional = true }
include "sub/poll.hcl" {}`), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "sub", "poll.hcl"), []byte(`poll { interval_sec = 3 }`), 0644))

	log := log2.NewTest(t, log2.LDebug)
	cfg, err := ReadConfig(log, NewOsFullReader(), cfgPath)
	require.NoError(t, err, errors.ErrorStack(err))
	assert.Equal(t, "127.0.0.1:1440", cfg.Instrument.Address)
	assert.Equal(t, 3, cfg.Poll.IntervalSec)

	_, err = ReadConfig(log, NewOsFullReader(), filepath.Join(dir, "missing.hcl"))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err), errors.ErrorStack(err))
}

func TestNewLog(t *testing.T) {
	t.Parallel()

	t.Run("fallback", func(t *testing.T) {
		cfg := &Config{}
		cfg.Log.Debug = true
		buf := bytes.NewBuffer(nil)
		log, closer := cfg.NewLog(buf, 0)
		assert.Nil(t, closer)
		log.Debugf("channel=%d", 2)
		assert.Equal(t, "debug: channel=2\n", buf.String())
	})
	t.Run("file", func(t *testing.T) {
		cfg := &Config{}
		cfg.Log.File = filepath.Join(t.TempDir(), "telemetry.log")
		log, closer := cfg.NewLog(nil, 0)
		require.NotNil(t, closer)
		log.Infof("channel=1 voltage=5.0")
		log.Debugf("hidden")
		require.NoError(t, closer.Close())
		b, err := ioutil.ReadFile(cfg.Log.File)
		require.NoError(t, err)
		assert.Contains(t, string(b), "channel=1 voltage=5.0\n")
		assert.NotContains(t, string(b), "hidden")
	})
}

func TestGlobalStartSimulator(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	ctx, g := NewContext(log)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sim := psusim.NewInstrument(4, log)
	g.Dialer = sim.Dialer(ctx)
	cfg := MustReadConfig(log, NewMockFullReader(map[string]string{"c": `
instrument { address = "sim:1440" timeout_ms = 1000 }
poll { disable = true }`}), "c")
	g.MustInit(ctx, cfg)
	defer g.Stop(context.Background())

	require.NoError(t, g.Start(ctx))
	require.Error(t, g.Start(ctx))

	require.NoError(t, g.Power.SetChannel(ctx, 2, 12, 0.5))
	require.NoError(t, g.Poller.PollOnce(ctx))
	ch, err := g.Power.Channel(2)
	require.NoError(t, err)
	require.NotNil(t, ch.LastSample)
	assert.Equal(t, 12.0, ch.LastSample.Voltage)
	assert.Equal(t, 6.0, ch.LastSample.Power)

	g.Stop(context.Background())
	assert.False(t, g.Alive.IsRunning())
}

func TestGlobalStartWithoutAddress(t *testing.T) {
	t.Parallel()

	ctx, g := NewTestContext(t, "")
	err := g.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(err))
}

func TestFunctionalBundled(t *testing.T) {
	// not Parallel
	t.Logf("this test needs OS open|read|stat access to file `../../labpsu.hcl`")

	log := log2.NewTest(t, log2.LDebug)
	cfg := MustReadConfig(log, NewOsFullReader(), "../../labpsu.hcl")
	ctx, g := NewContext(log)
	g.MustInit(ctx, cfg)
	assert.Equal(t, "192.168.0.10:1440", g.Config.Instrument.Address)
	assert.True(t, g.Config.Metrics.Enable)
}
