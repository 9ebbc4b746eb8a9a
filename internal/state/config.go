package state

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/labpsu/helpers"
	"github.com/temoto/labpsu/log2"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Instrument struct {
		Address   string `hcl:"address"`
		TimeoutMs int    `hcl:"timeout_ms"`
		Channels  []int  `hcl:"channels"`
		LogDebug  bool   `hcl:"log_debug"`
	} `hcl:"instrument"`

	Poll struct {
		IntervalSec int  `hcl:"interval_sec"`
		Disable     bool `hcl:"disable"`
	} `hcl:"poll"`

	API struct {
		Listen    string `hcl:"listen"`
		JWTSecret string `hcl:"jwt_secret"`
	} `hcl:"api"`

	Metrics struct {
		Enable bool   `hcl:"enable"`
		Path   string `hcl:"path"`
	} `hcl:"metrics"`

	Tele struct {
		Mqtt struct {
			Enable      bool   `hcl:"enable"`
			Broker      string `hcl:"broker"`
			ClientID    string `hcl:"client_id"`
			TopicPrefix string `hcl:"topic_prefix"`
			Username    string `hcl:"username"`
			Password    string `hcl:"password"`
		} `hcl:"mqtt"`
	} `hcl:"tele"`

	Log struct {
		File       string `hcl:"file"`
		MaxSizeMb  int    `hcl:"max_size_mb"`
		MaxBackups int    `hcl:"max_backups"`
		MaxAgeDays int    `hcl:"max_age_days"`
		Debug      bool   `hcl:"debug"`
	} `hcl:"log"`

	Sim struct {
		Listen   string `hcl:"listen"`
		Channels int    `hcl:"channels"`
	} `hcl:"sim"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

const (
	DefaultAPIListen     = "127.0.0.1:8080"
	DefaultSimListen     = "127.0.0.1:1440"
	DefaultLogMaxSizeMb  = 10
	DefaultLogMaxBackups = 3
	DefaultLogMaxAgeDays = 28
)

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	// hcl appends to non-nil slice, later source must replace channel list
	channels := c.Instrument.Channels
	c.Instrument.Channels = nil
	err = hcl.Unmarshal(bs, c)
	if c.Instrument.Channels == nil {
		c.Instrument.Channels = channels
	}
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// NewLog returns process logger as configured in `log` block.
// Empty file means fallback writer, usually stderr.
// Closer is nil when no file was opened.
func (c *Config) NewLog(fallback io.Writer, flags int) (*log2.Log, io.Closer) {
	level := log2.ParseLevel(c.Log.Debug)
	if c.Log.File == "" {
		if fallback == nil {
			fallback = os.Stderr
		}
		log := log2.NewWriter(fallback, level)
		log.SetFlags(flags)
		return log, nil
	}
	lj := &lumberjack.Logger{
		Filename:   c.Log.File,
		MaxSize:    c.Log.MaxSizeMb,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAgeDays,
	}
	if lj.MaxSize <= 0 {
		lj.MaxSize = DefaultLogMaxSizeMb
	}
	if lj.MaxBackups <= 0 {
		lj.MaxBackups = DefaultLogMaxBackups
	}
	if lj.MaxAge <= 0 {
		lj.MaxAge = DefaultLogMaxAgeDays
	}
	log := log2.NewWriter(lj, level)
	// file has no journal timestamps
	log.SetFlags(flags | log2.LStdFlags)
	return log, lj
}
