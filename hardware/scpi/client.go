// Package scpi is line oriented request/response link to instrument.
// Client is the only owner of the connection: every command is written
// and its response line is read while holding one FIFO lock, so a response
// can never be attributed to another command.
package scpi

import (
	"bufio"
	"context"
	"expvar"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/labpsu/helpers"
	"github.com/temoto/labpsu/log2"
)

const modName string = "scpi"

const (
	DefaultTimeout   = 2 * time.Second
	DefaultReadLimit = 4 << 10 // max response line length, including terminator
	readQueueLength  = 8
)

type State uint32

const (
	StateDisconnected State = iota
	StateConnected
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateFaulted:
		return "faulted"
	}
	return "state?" + strconv.Itoa(int(s))
}

type Options struct {
	Log     *log2.Log
	Dialer  Dialer        // default LinkDialer
	Timeout time.Duration // response deadline, default 2s
}

type Stat struct {
	Request      uint32
	Error        uint32
	Timeout      uint32
	Resync       uint32
	Unsolicited  uint32
	BytesRead    int64
	BytesWritten int64
}

type Client struct {
	Log *log2.Log

	dialer  Dialer
	timeout time.Duration
	lk      fifoMutex
	state   uint32 // State, atomic for lock-free State() reads

	// guarded by lk
	address string
	conn    *conn
	resync  bool

	stat         Stat
	bytesRead    expvar.Int
	bytesWritten expvar.Int
}

type lineError struct {
	line string
	e    error
}

// conn is one dialed connection and its read loop.
type conn struct {
	rwc    io.ReadWriteCloser
	w      io.Writer
	readCh chan lineError
	done   chan struct{}
}

func NewClient(opt Options) *Client {
	self := &Client{
		Log:     opt.Log,
		dialer:  opt.Dialer,
		timeout: opt.Timeout,
	}
	if self.dialer == nil {
		self.dialer = LinkDialer{}
	}
	if self.timeout <= 0 {
		self.timeout = DefaultTimeout
	}
	return self
}

func (self *Client) State() State { return State(atomic.LoadUint32(&self.state)) }

func (self *Client) Stat() Stat {
	return Stat{
		Request:      atomic.LoadUint32(&self.stat.Request),
		Error:        atomic.LoadUint32(&self.stat.Error),
		Timeout:      atomic.LoadUint32(&self.stat.Timeout),
		Resync:       atomic.LoadUint32(&self.stat.Resync),
		Unsolicited:  atomic.LoadUint32(&self.stat.Unsolicited),
		BytesRead:    self.bytesRead.Value(),
		BytesWritten: self.bytesWritten.Value(),
	}
}

func (self *Client) Timeout() time.Duration { return self.timeout }

// Address of last Connect attempt.
func (self *Client) Address() string {
	if err := self.lk.Lock(context.Background()); err != nil {
		return ""
	}
	defer self.lk.Unlock()
	return self.address
}

// Connect (re)establishes the link. Old connection, if any, is closed.
// Failed Connect leaves client disconnected, calling it again is the retry.
func (self *Client) Connect(ctx context.Context, address string) error {
	if err := self.lk.Lock(ctx); err != nil {
		return errors.Annotatef(err, "%s connect address=%s", modName, address)
	}
	defer self.lk.Unlock()

	self.closeConn()
	self.address = address
	self.resync = false
	if err := self.dial(ctx); err != nil {
		self.setState(StateDisconnected)
		atomic.AddUint32(&self.stat.Error, 1)
		return &LinkError{Op: "connect", Address: address, Err: err}
	}
	self.setState(StateConnected)
	self.Log.Debugf("%s connected address=%s", modName, address)
	return nil
}

func (self *Client) Close() error {
	if err := self.lk.Lock(context.Background()); err != nil {
		return err
	}
	defer self.lk.Unlock()
	err := self.closeConn()
	self.setState(StateDisconnected)
	return err
}

// Tx writes one command line and returns exactly one response line.
// Errors: NotValid for command with line terminator, LinkError,
// Timeout (response deadline or ctx deadline), ctx cancel error.
// After timeout or cancel, the connection is replaced before next command.
func (self *Client) Tx(ctx context.Context, command string) (string, error) {
	if strings.ContainsAny(command, "\r\n") {
		return "", errors.NotValidf("%s command=%q with line terminator", modName, command)
	}
	if err := self.lk.Lock(ctx); err != nil {
		return "", self.ctxError(err, command, "wait")
	}
	defer self.lk.Unlock()
	// ctx may end while queued behind another command, nothing is written then
	if err := ctx.Err(); err != nil {
		return "", self.ctxError(err, command, "wait")
	}

	atomic.AddUint32(&self.stat.Request, 1)
	if err := self.ready(ctx); err != nil {
		atomic.AddUint32(&self.stat.Error, 1)
		return "", err
	}
	cn := self.conn
	self.drain(cn)

	if err := helpers.WriteLine(cn.w, command); err != nil {
		return "", self.fault("write", err)
	}

	tmr := time.NewTimer(self.timeout)
	defer tmr.Stop()
	select {
	case le := <-cn.readCh:
		if le.e != nil {
			return "", self.fault("read", le.e)
		}
		response := strings.TrimRight(le.line, "\r\n")
		self.Log.Debugf("%s > %s < %s", modName, command, response)
		return response, nil

	case <-tmr.C:
		atomic.AddUint32(&self.stat.Timeout, 1)
		self.abandon()
		return "", errors.Timeoutf("%s command=%s response timeout=%s", modName, command, self.timeout)

	case <-ctx.Done():
		self.abandon()
		return "", self.ctxError(ctx.Err(), command, "response")
	}
}

func (self *Client) ctxError(err error, command, stage string) error {
	if err == context.DeadlineExceeded {
		atomic.AddUint32(&self.stat.Timeout, 1)
		return errors.Timeoutf("%s command=%s %s deadline", modName, command, stage)
	}
	return errors.Annotatef(err, "%s command=%s %s", modName, command, stage)
}

// must be called with lock
func (self *Client) ready(ctx context.Context) error {
	switch self.State() {
	case StateDisconnected:
		return &LinkError{Op: "tx", Address: self.address, Err: ErrNotConnected}
	case StateFaulted:
		return &LinkError{Op: "tx", Address: self.address, Err: ErrFaulted}
	}
	if self.resync || self.conn == nil {
		atomic.AddUint32(&self.stat.Resync, 1)
		self.Log.Debugf("%s resync reconnect address=%s", modName, self.address)
		if err := self.dial(ctx); err != nil {
			self.setState(StateFaulted)
			return &LinkError{Op: "resync", Address: self.address, Err: err}
		}
		self.resync = false
	}
	return nil
}

// drain discards lines that arrived while no command was pending.
// must be called with lock
func (self *Client) drain(cn *conn) {
	for {
		select {
		case le := <-cn.readCh:
			if le.e != nil {
				// keep error for the pending read, conn is dead anyway
				go func() {
					select {
					case cn.readCh <- le:
					case <-cn.done:
					}
				}()
				return
			}
			atomic.AddUint32(&self.stat.Unsolicited, 1)
			self.Log.Debugf("%s discard unsolicited line=%q", modName, le.line)
		default:
			return
		}
	}
}

// abandon drops the connection whose response is outstanding,
// late response bytes die with it.
// must be called with lock
func (self *Client) abandon() {
	self.closeConn()
	self.resync = true
}

// must be called with lock
func (self *Client) fault(op string, err error) error {
	atomic.AddUint32(&self.stat.Error, 1)
	self.closeConn()
	self.setState(StateFaulted)
	lerr := &LinkError{Op: op, Address: self.address, Err: err}
	self.Log.Errorf("%s %v", modName, lerr)
	return lerr
}

// must be called with lock
func (self *Client) dial(ctx context.Context) error {
	self.closeConn()
	rwc, err := self.dialer.Dial(ctx, self.address)
	if err != nil {
		return err
	}
	cn := &conn{
		rwc:    rwc,
		w:      helpers.NewStatWriter(rwc, &self.bytesWritten),
		readCh: make(chan lineError, readQueueLength),
		done:   make(chan struct{}),
	}
	go cn.readLoop(helpers.NewStatReader(rwc, &self.bytesRead))
	self.conn = cn
	return nil
}

// must be called with lock
func (self *Client) closeConn() error {
	if self.conn == nil {
		return nil
	}
	cn := self.conn
	self.conn = nil
	close(cn.done)
	return cn.rwc.Close()
}

func (self *Client) setState(s State) { atomic.StoreUint32(&self.state, uint32(s)) }

func (cn *conn) readLoop(r io.Reader) {
	br := bufio.NewReaderSize(r, DefaultReadLimit)
	for {
		b, err := br.ReadSlice('\n')
		le := lineError{line: string(b)}
		if err == bufio.ErrBufferFull {
			err = ErrLineTooLong
		}
		if err != nil {
			// partial line without terminator is never a response
			le = lineError{e: err}
		}
		select {
		case cn.readCh <- le:
		case <-cn.done:
			return
		}
		if err != nil {
			return
		}
	}
}
