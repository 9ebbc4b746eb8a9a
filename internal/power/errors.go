package power

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/temoto/labpsu/hardware/scpi"
)

// DisableNotConfirmed means output voltage is still present after OUTPut OFF.
type DisableNotConfirmed struct {
	Channel int
	Voltage float64
}

func (e *DisableNotConfirmed) Error() string {
	return fmt.Sprintf("channel=%d disable not confirmed, voltage=%s", e.Channel, scpi.FormatFloat(e.Voltage))
}

func IsDisableNotConfirmed(err error) bool {
	_, ok := errors.Cause(err).(*DisableNotConfirmed)
	return ok
}

const (
	KindValidation          = "validation"
	KindLink                = "link"
	KindTimeout             = "timeout"
	KindParse               = "parse"
	KindDisableNotConfirmed = "disable_not_confirmed"
	KindCanceled            = "canceled"
	KindOther               = "other"
)

// ErrorKind is short label of error class for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.IsNotValid(err):
		return KindValidation
	case scpi.IsLink(err):
		return KindLink
	case errors.IsTimeout(err), errors.Cause(err) == context.DeadlineExceeded:
		return KindTimeout
	case scpi.IsParse(err):
		return KindParse
	case IsDisableNotConfirmed(err):
		return KindDisableNotConfirmed
	case errors.Cause(err) == context.Canceled:
		return KindCanceled
	}
	return KindOther
}
