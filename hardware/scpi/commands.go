package scpi

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Instrument wire protocol, 1-based channel numbers.

func SetCurrent(ch int, current float64) string {
	return fmt.Sprintf("SOURce%d:CURRent %s", ch, FormatFloat(current))
}

func SetVoltage(ch int, voltage float64) string {
	return fmt.Sprintf("SOURce%d:VOLTage %s", ch, FormatFloat(voltage))
}

func Output(ch int, on bool) string {
	state := "OFF"
	if on {
		state = "ON"
	}
	return fmt.Sprintf("OUTPut%d:STATe %s", ch, state)
}

func MeasureVoltage(ch int) string { return fmt.Sprintf("MEASure%d:VOLTage?", ch) }
func MeasureCurrent(ch int) string { return fmt.Sprintf("MEASure%d:CURRent?", ch) }
func MeasurePower(ch int) string   { return fmt.Sprintf("MEASure%d:POWer?", ch) }

// FormatFloat renders shortest decimal, integral values get ".0": 5 -> "5.0", 0.5 -> "0.5".
func FormatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".NI") {
		s += ".0"
	}
	return s
}

// ParseFloat parses numeric response to command. Surrounding spaces are allowed.
// Anything else, including NaN and infinities, is *ParseError.
func ParseFloat(command, response string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(response), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ParseError{Command: command, Response: response}
	}
	return f, nil
}
