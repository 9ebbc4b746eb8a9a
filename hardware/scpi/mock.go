package scpi

// Public API to easy create instrument stubs to test your code.
import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/labpsu/log2"
)

const MockAddress = "mock"

// MockNoResponse as MockR.Response makes instrument stay silent.
const MockNoResponse = "\x00"

const mockGuardTimeout = 5 * time.Second

type MockR struct {
	Request  string
	Response string
	Delay    time.Duration // before response
}

type MockHandler func(request string) (response string, ok bool)

type Mock struct {
	t       testing.TB
	reqCh   chan mockTx
	done    chan struct{}
	dialErr error

	mu       sync.Mutex
	handler  MockHandler
	requests []string
	conns    []net.Conn
	closed   bool
}

type mockTx struct {
	request string
	answer  chan MockR
}

// NewMockClient returns connected Client served over net.Pipe by returned Mock.
// Every Connect or resync dials new pipe, old one is left to die.
func NewMockClient(t testing.TB, timeout time.Duration) (*Client, *Mock) {
	m := &Mock{
		t:     t,
		reqCh: make(chan mockTx),
		done:  make(chan struct{}),
	}
	c := NewClient(Options{
		Log:     log2.NewTest(t, log2.LDebug),
		Dialer:  DialerFunc(m.dial),
		Timeout: timeout,
	})
	if err := c.Connect(context.Background(), MockAddress); err != nil {
		t.Fatal(errors.ErrorStack(err))
	}
	return c, m
}

// Expect blocks until instrument receives all requests in order,
// each answered with its Response. Wrong request is test error.
func (m *Mock) Expect(rs []MockR) {
	for _, r := range rs {
		select {
		case tx := <-m.reqCh:
			if tx.request != r.Request {
				m.t.Errorf("scpi mock request expected=%q actual=%q", r.Request, tx.request)
			}
			tx.answer <- r
		case <-m.done:
			m.t.Errorf("scpi mock closed, expected request=%q", r.Request)
			return
		case <-time.After(mockGuardTimeout):
			m.t.Errorf("scpi mock timeout guard, expected request=%q", r.Request)
			return
		}
	}
}

// ExpectMap answers any number of requests in any order.
// Request not in map is test error, instrument stays silent.
func (m *Mock) ExpectMap(rm map[string]string) {
	m.Handle(func(request string) (string, bool) {
		response, ok := rm[request]
		if !ok {
			m.t.Errorf("scpi mock unexpected request=%q", request)
		}
		return response, ok
	})
}

// Handle installs function answering all following requests,
// Expect is not used after that. ok=false means no response.
func (m *Mock) Handle(h MockHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *Mock) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// Push writes line which no request asked for.
func (m *Mock) Push(line string) error {
	m.mu.Lock()
	var c net.Conn
	if len(m.conns) != 0 {
		c = m.conns[len(m.conns)-1]
	}
	m.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	_, err := io.WriteString(c, line+"\n")
	return err
}

// Hangup closes instrument side of all connections.
func (m *Mock) Hangup() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// SetDialError makes following dials fail, nil restores.
func (m *Mock) SetDialError(err error) {
	m.mu.Lock()
	m.dialErr = err
	m.mu.Unlock()
}

func (m *Mock) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()
	m.Hangup()
}

func (m *Mock) dial(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.dialErr != nil {
		return nil, m.dialErr
	}
	client, instrument := net.Pipe()
	m.conns = append(m.conns, instrument)
	go m.serve(instrument)
	return client, nil
}

func (m *Mock) serve(c net.Conn) {
	defer c.Close()
	br := bufio.NewReader(c)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		request := strings.TrimRight(line, "\r\n")
		m.mu.Lock()
		m.requests = append(m.requests, request)
		h := m.handler
		m.mu.Unlock()

		var r MockR
		if h != nil {
			response, ok := h(request)
			r = MockR{Request: request, Response: response}
			if !ok {
				r.Response = MockNoResponse
			}
		} else {
			tx := mockTx{request: request, answer: make(chan MockR, 1)}
			select {
			case m.reqCh <- tx:
			case <-m.done:
				return
			}
			r = <-tx.answer
		}
		if r.Response == MockNoResponse {
			continue
		}
		if r.Delay != 0 {
			time.Sleep(r.Delay)
		}
		if _, err := io.WriteString(c, r.Response+"\n"); err != nil {
			return
		}
	}
}
