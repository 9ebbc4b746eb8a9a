// Package power keeps per-channel state of the power supply and drives the
// instrument through one shared command link.
package power

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/labpsu/hardware/scpi"
	"github.com/temoto/labpsu/log2"
)

var DefaultIDs = []int{1, 2, 3, 4}

// Txer executes one command and returns its response line.
// Implemented by *scpi.Client.
type Txer interface {
	Tx(ctx context.Context, command string) (string, error)
}

type Controller struct {
	Log *log2.Log

	tx   Txer
	ids  []int
	sems map[int]chan struct{} // per channel exclusive section
	now  func() time.Time

	mu       sync.RWMutex
	channels map[int]*Channel
}

func NewController(tx Txer, log *log2.Log, ids []int) (*Controller, error) {
	if tx == nil {
		return nil, errors.NotValidf("power controller without link")
	}
	if len(ids) == 0 {
		ids = DefaultIDs
	}
	self := &Controller{
		Log:      log,
		tx:       tx,
		ids:      make([]int, 0, len(ids)),
		sems:     make(map[int]chan struct{}, len(ids)),
		now:      time.Now,
		channels: make(map[int]*Channel, len(ids)),
	}
	for _, id := range ids {
		if id <= 0 {
			return nil, errors.NotValidf("channel id=%d", id)
		}
		if _, dup := self.channels[id]; dup {
			return nil, errors.NotValidf("duplicate channel id=%d", id)
		}
		self.ids = append(self.ids, id)
		self.sems[id] = make(chan struct{}, 1)
		self.channels[id] = &Channel{ID: id, State: PowerOff}
	}
	sort.Ints(self.ids)
	return self, nil
}

func (self *Controller) IDs() []int { return append([]int(nil), self.ids...) }

func (self *Controller) Channel(id int) (Channel, error) {
	self.mu.RLock()
	defer self.mu.RUnlock()
	ch, ok := self.channels[id]
	if !ok {
		return Channel{}, errors.NotValidf("channel id=%d", id)
	}
	return ch.clone(), nil
}

// Channels returns copy of all channel states ordered by id.
func (self *Controller) Channels() []Channel {
	self.mu.RLock()
	defer self.mu.RUnlock()
	result := make([]Channel, 0, len(self.ids))
	for _, id := range self.ids {
		result = append(result, self.channels[id].clone())
	}
	return result
}

// SetChannel configures current limit, voltage and enables output, in this order.
// State is updated only after instrument acknowledged all three commands.
// Partially applied configuration is reported and not retried.
func (self *Controller) SetChannel(ctx context.Context, id int, voltage, current float64) error {
	if err := validValue("voltage", voltage); err != nil {
		return err
	}
	if err := validValue("current", current); err != nil {
		return err
	}
	release, err := self.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	steps := []struct {
		name    string
		command string
	}{
		{"current", scpi.SetCurrent(id, current)},
		{"voltage", scpi.SetVoltage(id, voltage)},
		{"output", scpi.Output(id, true)},
	}
	for i, step := range steps {
		if _, err := self.tx.Tx(ctx, step.command); err != nil {
			return errors.Annotatef(err, "channel=%d set %s (step %d/%d)", id, step.name, i+1, len(steps))
		}
	}

	self.mu.Lock()
	ch := self.channels[id]
	ch.VoltageSetpoint = voltage
	ch.CurrentLimit = current
	ch.State = PowerEnabled
	self.mu.Unlock()
	self.Log.Debugf("channel=%d enabled voltage=%s current=%s", id, scpi.FormatFloat(voltage), scpi.FormatFloat(current))
	return nil
}

// DisableChannel turns output off and confirms by measuring exactly zero volts.
func (self *Controller) DisableChannel(ctx context.Context, id int) error {
	release, err := self.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	if _, err := self.tx.Tx(ctx, scpi.Output(id, false)); err != nil {
		return errors.Annotatef(err, "channel=%d disable output", id)
	}
	cmd := scpi.MeasureVoltage(id)
	response, err := self.tx.Tx(ctx, cmd)
	if err != nil {
		return errors.Annotatef(err, "channel=%d disable confirm", id)
	}
	voltage, err := scpi.ParseFloat(cmd, response)
	if err != nil {
		return errors.Annotatef(err, "channel=%d disable confirm", id)
	}
	if voltage != 0 {
		return &DisableNotConfirmed{Channel: id, Voltage: voltage}
	}

	self.mu.Lock()
	self.channels[id].State = PowerOff
	self.mu.Unlock()
	self.Log.Debugf("channel=%d disabled", id)
	return nil
}

// MeasureChannel queries voltage, current and power, in this order.
// Last sample is replaced only when all three parse.
func (self *Controller) MeasureChannel(ctx context.Context, id int) (Sample, error) {
	release, err := self.acquire(ctx, id)
	if err != nil {
		return Sample{}, err
	}
	defer release()

	var values [3]float64
	for i, cmd := range [3]string{scpi.MeasureVoltage(id), scpi.MeasureCurrent(id), scpi.MeasurePower(id)} {
		response, err := self.tx.Tx(ctx, cmd)
		if err != nil {
			return Sample{}, errors.Annotatef(err, "channel=%d measure", id)
		}
		if values[i], err = scpi.ParseFloat(cmd, response); err != nil {
			return Sample{}, errors.Annotatef(err, "channel=%d measure", id)
		}
	}
	s := Sample{Voltage: values[0], Current: values[1], Power: values[2], Time: self.now()}

	self.mu.Lock()
	ch := self.channels[id]
	if ch.LastSample != nil && s.Time.Before(ch.LastSample.Time) {
		s.Time = ch.LastSample.Time
	}
	stored := s
	ch.LastSample = &stored
	self.mu.Unlock()
	return s, nil
}

// Snapshot measures all channels in ascending id order.
// Any channel failure fails whole snapshot.
func (self *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Time:     self.now(),
		Channels: make(map[int]Sample, len(self.ids)),
	}
	for _, id := range self.ids {
		s, err := self.MeasureChannel(ctx, id)
		if err != nil {
			return Snapshot{}, errors.Annotate(err, "snapshot")
		}
		snap.Channels[id] = s
	}
	return snap, nil
}

func (self *Controller) acquire(ctx context.Context, id int) (func(), error) {
	sem, ok := self.sems[id]
	if !ok {
		return nil, errors.NotValidf("channel id=%d", id)
	}
	if err := ctx.Err(); err != nil {
		return nil, waitError(err, id)
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, waitError(ctx.Err(), id)
	}
}

func waitError(err error, id int) error {
	if err == context.DeadlineExceeded {
		return errors.Timeoutf("channel=%d wait", id)
	}
	return errors.Annotatef(err, "channel=%d wait", id)
}

func validValue(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return errors.NotValidf("%s=%v", name, v)
	}
	return nil
}
