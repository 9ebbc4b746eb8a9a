// Package psusim is simulated multi-channel power supply speaking the
// instrument wire protocol. Output follows setpoints exactly while enabled.
package psusim

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/labpsu/hardware/scpi"
	"github.com/temoto/labpsu/helpers"
	"github.com/temoto/labpsu/log2"
)

const (
	DefaultChannels = 4
	ResponseOK      = "OK"
	ResponseError   = "ERR"
	Identity        = "labpsu,psusim,0,1.0"
)

type channel struct {
	voltage float64
	current float64
	on      bool
	stuckOn bool // OUTPut OFF is acknowledged but ignored
}

type Instrument struct {
	Log *log2.Log

	mu       sync.Mutex
	channels []channel
	garbage  map[string]string // command -> forced response
	silent   map[string]bool
	wg       sync.WaitGroup
}

func NewInstrument(n int, log *log2.Log) *Instrument {
	if n <= 0 {
		n = DefaultChannels
	}
	return &Instrument{
		Log:      log,
		channels: make([]channel, n),
		garbage:  make(map[string]string),
		silent:   make(map[string]bool),
	}
}

func (self *Instrument) Len() int { return len(self.channels) }

// Channel returns simulated output state, for assertions.
func (self *Instrument) Channel(id int) (voltage, current float64, on bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if id < 1 || id > len(self.channels) {
		return 0, 0, false
	}
	ch := self.channels[id-1]
	return ch.voltage, ch.current, ch.on
}

func (self *Instrument) SetStuckOn(id int, stuck bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if id >= 1 && id <= len(self.channels) {
		self.channels[id-1].stuckOn = stuck
	}
}

// SetGarbage forces response to exact command, empty response removes override.
func (self *Instrument) SetGarbage(command, response string) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if response == "" {
		delete(self.garbage, command)
	} else {
		self.garbage[command] = response
	}
}

// SetSilent makes instrument never answer command.
func (self *Instrument) SetSilent(command string, silent bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if silent {
		self.silent[command] = true
	} else {
		delete(self.silent, command)
	}
}

// Handle executes one command line. ok=false means no response is sent.
func (self *Instrument) Handle(line string) (response string, ok bool) {
	line = strings.TrimSpace(line)
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.silent[line] {
		return "", false
	}
	if r, found := self.garbage[line]; found {
		return r, true
	}
	response = self.exec(line)
	self.Log.Debugf("psusim > %s < %s", line, response)
	return response, true
}

// must be called with lock
func (self *Instrument) exec(line string) string {
	if strings.EqualFold(line, "*IDN?") {
		return Identity
	}
	header, arg := line, ""
	if i := strings.IndexByte(line, ' '); i != -1 {
		header, arg = line[:i], strings.TrimSpace(line[i+1:])
	}
	parts := strings.SplitN(header, ":", 2)
	if len(parts) != 2 {
		return ResponseError
	}
	root, id, ok := splitSuffix(parts[0])
	if !ok || id < 1 || id > len(self.channels) {
		return ResponseError
	}
	ch := &self.channels[id-1]
	leaf := parts[1]
	query := strings.HasSuffix(leaf, "?")
	leaf = strings.TrimSuffix(leaf, "?")

	switch {
	case keyword(root, "SOURce") && !query:
		value, err := strconv.ParseFloat(arg, 64)
		if err != nil || value < 0 {
			return ResponseError
		}
		switch {
		case keyword(leaf, "VOLTage"):
			ch.voltage = value
		case keyword(leaf, "CURRent"):
			ch.current = value
		default:
			return ResponseError
		}
		return ResponseOK

	case keyword(root, "OUTPut") && keyword(leaf, "STATe") && !query:
		switch strings.ToUpper(arg) {
		case "ON", "1":
			ch.on = true
		case "OFF", "0":
			if !ch.stuckOn {
				ch.on = false
			}
		default:
			return ResponseError
		}
		return ResponseOK

	case keyword(root, "MEASure") && query && arg == "":
		var v, i float64
		if ch.on {
			v, i = ch.voltage, ch.current
		}
		switch {
		case keyword(leaf, "VOLTage"):
			return scpi.FormatFloat(v)
		case keyword(leaf, "CURRent"):
			return scpi.FormatFloat(i)
		case keyword(leaf, "POWer"):
			return scpi.FormatFloat(v * i)
		}
	}
	return ResponseError
}

// ServeConn answers lines from rwc until it is closed or ctx is done.
func (self *Instrument) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	stopch := make(chan struct{})
	defer close(stopch)
	go func() {
		select {
		case <-ctx.Done():
			_ = rwc.Close()
		case <-stopch:
		}
	}()
	defer rwc.Close()

	br := bufio.NewReader(rwc)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return errors.Annotate(err, "psusim read")
		}
		response, ok := self.Handle(line)
		if !ok {
			continue
		}
		if err := helpers.WriteLine(rwc, response); err != nil {
			return errors.Annotate(err, "psusim write")
		}
	}
}

// Serve accepts connections until ctx is done, then waits for them to finish.
func (self *Instrument) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer self.wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Annotate(err, "psusim accept")
		}
		self.Log.Debugf("psusim accepted remote=%s", conn.RemoteAddr())
		self.wg.Add(1)
		go func() {
			defer self.wg.Done()
			if err := self.ServeConn(ctx, conn); err != nil {
				self.Log.Error(err)
			}
		}()
	}
}

// Dialer connects scpi.Client to this instrument in-process.
func (self *Instrument) Dialer(ctx context.Context) scpi.Dialer {
	return scpi.DialerFunc(func(_ context.Context, address string) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, errors.Annotate(err, "psusim dial")
		}
		client, instrument := net.Pipe()
		self.wg.Add(1)
		go func() {
			defer self.wg.Done()
			_ = self.ServeConn(ctx, instrument)
		}()
		return client, nil
	})
}

// splitSuffix splits "SOURce2" into "SOURce", 2.
func splitSuffix(s string) (string, int, bool) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) || i == 0 {
		return s, 0, false
	}
	n, err := strconv.Atoi(s[i:])
	return s[:i], n, err == nil
}

// keyword matches SCPI long or short (capital letters only) form, case-insensitive.
func keyword(token, long string) bool {
	if strings.EqualFold(token, long) {
		return true
	}
	short := strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r
		}
		return -1
	}, long)
	return strings.EqualFold(token, short)
}
