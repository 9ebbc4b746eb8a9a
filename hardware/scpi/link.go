package scpi

import (
	"context"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/tarm/serial"
)

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultSerialBaud  = 9600
)

// Dialer opens the physical link. Tests replace it with net.Pipe based one.
type Dialer interface {
	Dial(ctx context.Context, address string) (io.ReadWriteCloser, error)
}

type DialerFunc func(ctx context.Context, address string) (io.ReadWriteCloser, error)

func (f DialerFunc) Dial(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	return f(ctx, address)
}

// LinkDialer understands addresses:
// - host:port
// - tcp://host:port
// - serial:///dev/ttyUSB0?baud=9600
type LinkDialer struct {
	Timeout time.Duration
}

func (d LinkDialer) Dial(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	scheme, target, baud, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}
	switch scheme {
	case "tcp":
		nd := net.Dialer{Timeout: timeout}
		return nd.DialContext(ctx, "tcp", target)

	case "serial":
		// tarm/serial has no context support, ctx is only checked before open
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		port, err := serial.OpenPort(&serial.Config{
			Name:        target,
			Baud:        baud,
			ReadTimeout: 0, // read loop blocks, Tx owns the timeout
		})
		if err != nil {
			return nil, errors.Annotatef(err, "serial open device=%s", target)
		}
		return port, nil
	}
	return nil, errors.NotSupportedf("link scheme=%s", scheme)
}

func ParseAddress(address string) (scheme, target string, baud int, err error) {
	if address == "" {
		return "", "", 0, errors.NotValidf("empty link address")
	}
	if !strings.Contains(address, "://") {
		if _, _, err = net.SplitHostPort(address); err != nil {
			return "", "", 0, errors.NewNotValid(err, "link address="+address)
		}
		return "tcp", address, 0, nil
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", "", 0, errors.NewNotValid(err, "link address="+address)
	}
	switch u.Scheme {
	case "tcp":
		if _, _, err = net.SplitHostPort(u.Host); err != nil {
			return "", "", 0, errors.NewNotValid(err, "link address="+address)
		}
		return "tcp", u.Host, 0, nil

	case "serial":
		if u.Path == "" {
			return "", "", 0, errors.NotValidf("serial link without device path address=%s", address)
		}
		baud = DefaultSerialBaud
		if s := u.Query().Get("baud"); s != "" {
			if baud, err = strconv.Atoi(s); err != nil || baud <= 0 {
				return "", "", 0, errors.NotValidf("serial baud=%s", s)
			}
		}
		return "serial", u.Path, baud, nil
	}
	return "", "", 0, errors.NotSupportedf("link scheme=%s", u.Scheme)
}

// JoinAddress builds tcp link address from host and port.
func JoinAddress(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
