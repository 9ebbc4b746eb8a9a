package tele

import (
	"github.com/temoto/labpsu/hardware/scpi"
	"github.com/temoto/labpsu/internal/power"
	"github.com/temoto/labpsu/log2"
)

// LogSink writes one line per channel sample, it is the telemetry log.
type LogSink struct {
	Log *log2.Log
}

func (self LogSink) Sample(id int, s power.Sample) {
	self.Log.Infof("channel=%d voltage=%s current=%s power=%s",
		id, scpi.FormatFloat(s.Voltage), scpi.FormatFloat(s.Current), scpi.FormatFloat(s.Power))
}

func (self LogSink) Error(id int, err error, consecutive int) {
	self.Log.Errorf("channel=%d poll kind=%s consecutive=%d err=%v", id, power.ErrorKind(err), consecutive, err)
}
