package scpi

import (
	"fmt"

	"github.com/juju/errors"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrFaulted      = errors.New("link faulted, reconnect required")
	ErrClosed       = errors.New("closed")
	ErrLineTooLong  = errors.New("response line too long")
)

// LinkError means the link is unreachable or broken.
// Client stays Faulted after LinkError until Connect succeeds.
type LinkError struct {
	Op      string
	Address string
	Err     error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("scpi link %s address=%s: %v", e.Op, e.Address, e.Err)
}

func IsLink(err error) bool {
	_, ok := errors.Cause(err).(*LinkError)
	return ok
}

// ParseError means instrument response is not a number where number was expected.
type ParseError struct {
	Command  string
	Response string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("scpi command=%s response=%q is not a number", e.Command, e.Response)
}

func IsParse(err error) bool {
	_, ok := errors.Cause(err).(*ParseError)
	return ok
}
