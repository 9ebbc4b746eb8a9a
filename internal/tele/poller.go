// Package tele polls channel telemetry in background and reports it to sinks.
package tele

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/labpsu/hardware/scpi"
	"github.com/temoto/labpsu/helpers"
	"github.com/temoto/labpsu/internal/power"
	"github.com/temoto/labpsu/log2"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultReconnectMin = 1 * time.Second
	DefaultReconnectMax = 1 * time.Minute
)

// Measurer is implemented by *power.Controller.
type Measurer interface {
	IDs() []int
	MeasureChannel(ctx context.Context, id int) (power.Sample, error)
}

// ReconnectFunc is called after poll cycle with link error.
type ReconnectFunc func(ctx context.Context) error

type Options struct {
	Interval  time.Duration
	Reconnect ReconnectFunc
}

type Stat struct {
	Cycles     uint32
	Samples    uint32
	Errors     uint32
	Reconnects uint32
}

// Poller contract:
// - one measurement failure never stops polling, next channel and next cycle go on
// - panic inside measurement is recovered and reported as error of that channel
// - panic inside sink is recovered and logged, other channels are still reported
// - poller has no priority over other link users
type Poller struct {
	Log *log2.Log

	m         Measurer
	sink      Sink
	interval  time.Duration
	reconnect ReconnectFunc
	backoff   helpers.Backoff

	lk       sync.Mutex
	alive    *alive.Alive
	failures map[int]int

	stat Stat
}

func NewPoller(m Measurer, sink Sink, log *log2.Log, opt Options) *Poller {
	if sink == nil {
		sink = MultiSink{}
	}
	self := &Poller{
		Log:       log,
		m:         m,
		sink:      sink,
		interval:  opt.Interval,
		reconnect: opt.Reconnect,
		backoff: helpers.Backoff{
			Min: DefaultReconnectMin,
			Max: DefaultReconnectMax,
			K:   2,
		},
		failures: make(map[int]int),
	}
	if self.interval <= 0 {
		self.interval = DefaultInterval
	}
	return self
}

func (self *Poller) Interval() time.Duration { return self.interval }

func (self *Poller) Stat() Stat {
	return Stat{
		Cycles:     atomic.LoadUint32(&self.stat.Cycles),
		Samples:    atomic.LoadUint32(&self.stat.Samples),
		Errors:     atomic.LoadUint32(&self.stat.Errors),
		Reconnects: atomic.LoadUint32(&self.stat.Reconnects),
	}
}

// Failures returns consecutive failure count of channel.
func (self *Poller) Failures(id int) int {
	self.lk.Lock()
	defer self.lk.Unlock()
	return self.failures[id]
}

// Start runs poll loop in background until Stop or ctx is done.
// First cycle starts immediately.
func (self *Poller) Start(ctx context.Context) error {
	self.lk.Lock()
	defer self.lk.Unlock()
	if self.alive != nil {
		return errors.Errorf("tele poller already started")
	}
	self.alive = alive.NewAlive()
	self.alive.Add(1)
	go self.loop(ctx, self.alive)
	self.Log.Debugf("tele poller started interval=%v", self.interval)
	return nil
}

func (self *Poller) Stop() {
	if a := self.getAlive(); a != nil {
		a.Stop()
	}
}

// Wait returns after Stop and finish of current cycle.
func (self *Poller) Wait() {
	if a := self.getAlive(); a != nil {
		a.Wait()
	}
}

func (self *Poller) getAlive() *alive.Alive {
	self.lk.Lock()
	defer self.lk.Unlock()
	return self.alive
}

func (self *Poller) loop(ctx context.Context, a *alive.Alive) {
	defer a.Done()
	defer a.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	tmr := time.NewTicker(self.interval)
	defer tmr.Stop()
	for {
		_ = self.PollOnce(ctx)
		select {
		case <-tmr.C:
		case <-ctx.Done():
			return
		}
	}
}

// PollOnce measures every channel once and reports each result to sink.
// Returned error is for callers like CLI, poll loop ignores it.
func (self *Poller) PollOnce(ctx context.Context) error {
	atomic.AddUint32(&self.stat.Cycles, 1)
	var errs []error
	linkLost := false
	for _, id := range self.m.IDs() {
		if ctx.Err() != nil {
			break
		}
		s, err := self.measureSafe(ctx, id)
		if err == nil {
			atomic.AddUint32(&self.stat.Samples, 1)
			self.lk.Lock()
			self.failures[id] = 0
			self.lk.Unlock()
			if serr := self.report(id, func() { self.sink.Sample(id, s) }); serr != nil {
				errs = append(errs, serr)
			}
			continue
		}
		if ctx.Err() != nil && power.ErrorKind(err) == power.KindCanceled {
			// stopping, not a channel failure
			break
		}
		atomic.AddUint32(&self.stat.Errors, 1)
		self.lk.Lock()
		self.failures[id]++
		n := self.failures[id]
		self.lk.Unlock()
		errs = append(errs, err)
		if serr := self.report(id, func() { self.sink.Error(id, err, n) }); serr != nil {
			errs = append(errs, serr)
		}
		if scpi.IsLink(err) {
			linkLost = true
		}
	}
	if linkLost {
		self.tryReconnect(ctx)
	}
	return helpers.FoldErrors(errs)
}

func (self *Poller) measureSafe(ctx context.Context, id int) (s power.Sample, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = errors.Errorf("channel=%d measure panic: %v", id, x)
		}
	}()
	return self.m.MeasureChannel(ctx, id)
}

// report runs sink call, panic is logged and returned as error.
func (self *Poller) report(id int, f func()) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = errors.Errorf("channel=%d sink panic: %v", id, x)
			self.Log.Errorf("tele %v", err)
		}
	}()
	f()
	return nil
}

func (self *Poller) tryReconnect(ctx context.Context) {
	if self.reconnect == nil {
		return
	}
	if d := self.backoff.DelayBefore(); d != 0 {
		self.Log.Debugf("tele reconnect postponed delay=%v", d)
		return
	}
	atomic.AddUint32(&self.stat.Reconnects, 1)
	err := self.reconnect(ctx)
	self.backoff.Update(err == nil)
	if err != nil {
		self.Log.Errorf("tele reconnect err=%v", err)
		return
	}
	self.Log.Infof("tele reconnected")
}

func (s Stat) String() string {
	return fmt.Sprintf("cycles=%d samples=%d errors=%d reconnects=%d", s.Cycles, s.Samples, s.Errors, s.Reconnects)
}
