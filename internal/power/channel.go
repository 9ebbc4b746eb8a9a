package power

import (
	"strconv"
	"time"
)

type PowerState uint8

const (
	PowerOff PowerState = iota
	PowerEnabled
)

func (s PowerState) String() string {
	switch s {
	case PowerOff:
		return "off"
	case PowerEnabled:
		return "enabled"
	}
	return "power?" + strconv.Itoa(int(s))
}

func (s PowerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Sample is one measurement of channel output, never modified after creation.
type Sample struct {
	Voltage float64   `json:"voltage"`
	Current float64   `json:"current"`
	Power   float64   `json:"power"`
	Time    time.Time `json:"time"`
}

// Channel is configuration and last known output of one instrument channel.
// Values returned by Controller are copies.
type Channel struct {
	ID              int        `json:"id"`
	VoltageSetpoint float64    `json:"voltage_setpoint"`
	CurrentLimit    float64    `json:"current_limit"`
	State           PowerState `json:"state"`
	LastSample      *Sample    `json:"last_sample,omitempty"`
}

func (c Channel) clone() Channel {
	if c.LastSample != nil {
		s := *c.LastSample
		c.LastSample = &s
	}
	return c
}

type Snapshot struct {
	Time     time.Time
	Channels map[int]Sample
}
