package socket

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jaxxstorm/echoprobe/internal/endpoint"
	"github.com/jaxxstorm/echoprobe/internal/packet"
)

// MockConn is an in-memory Conn. Every write is recorded and passed to
// Responder; the datagrams it returns are queued for Read after ReplyDelay.
type MockConn struct {
	Responder func(b []byte) [][]byte
	// WriteFunc overrides the result of Write when set.
	WriteFunc       func(b []byte) (int, error)
	IncludeIPHeader bool
	KernelIdent     uint16
	HasKernelIdent  bool
	ReplyDelay      time.Duration
	DeadlineErr     error

	once      sync.Once
	mu        sync.Mutex
	writes    [][]byte
	writeTime []time.Time
	inbox     chan readResult
	closed    chan struct{}
	closeOnce sync.Once
}

type readResult struct {
	b   []byte
	err error
}

func (m *MockConn) init() {
	m.once.Do(func() {
		m.inbox = make(chan readResult, 128)
		m.closed = make(chan struct{})
	})
}

// Inject queues a datagram for Read.
func (m *MockConn) Inject(b []byte) {
	m.init()
	m.deliver(readResult{b: append([]byte(nil), b...)})
}

// InjectError makes the next Read fail with err.
func (m *MockConn) InjectError(err error) {
	m.init()
	m.deliver(readResult{err: err})
}

func (m *MockConn) deliver(r readResult) {
	select {
	case m.inbox <- r:
	case <-m.closed:
	}
}

func (m *MockConn) Read(b []byte) (int, error) {
	m.init()
	select {
	case r := <-m.inbox:
		if r.err != nil {
			return 0, r.err
		}
		return copy(b, r.b), nil
	case <-m.closed:
		return 0, net.ErrClosed
	}
}

func (m *MockConn) Write(b []byte) (int, error) {
	m.init()
	select {
	case <-m.closed:
		return 0, net.ErrClosed
	default:
	}

	m.mu.Lock()
	m.writes = append(m.writes, append([]byte(nil), b...))
	m.writeTime = append(m.writeTime, time.Now())
	m.mu.Unlock()

	if m.WriteFunc != nil {
		return m.WriteFunc(b)
	}
	if m.Responder != nil {
		replies := m.Responder(append([]byte(nil), b...))
		if len(replies) > 0 {
			go m.reply(replies)
		}
	}
	return len(b), nil
}

func (m *MockConn) reply(replies [][]byte) {
	if m.ReplyDelay > 0 {
		t := time.NewTimer(m.ReplyDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-m.closed:
			return
		}
	}
	for _, r := range replies {
		m.deliver(readResult{b: r})
	}
}

func (m *MockConn) SetReadDeadline(time.Time) error {
	return m.DeadlineErr
}

func (m *MockConn) Close() error {
	m.init()
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (m *MockConn) Closed() bool {
	m.init()
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *MockConn) HeaderIncluded() bool {
	return m.IncludeIPHeader
}

func (m *MockConn) Ident() (uint16, bool) {
	return m.KernelIdent, m.HasKernelIdent
}

// Writes returns a copy of every datagram written so far.
func (m *MockConn) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *MockConn) WriteTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Time, len(m.writeTime))
	copy(out, m.writeTime)
	return out
}

// EchoResponder answers every request with a well-formed echo reply.
func EchoResponder(family endpoint.Family, withIPHeader bool) func([]byte) [][]byte {
	return func(b []byte) [][]byte {
		reply, err := packet.EchoReplyFor(b, family, withIPHeader)
		if err != nil {
			return nil
		}
		return [][]byte{reply}
	}
}

// MockDialer hands out MockConns built by New, or fails with Err.
type MockDialer struct {
	New func(target endpoint.Endpoint) *MockConn
	Err error

	mu     sync.Mutex
	dialed []*MockConn
}

func (d *MockDialer) Dial(ctx context.Context, target endpoint.Endpoint) (Conn, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var c *MockConn
	if d.New != nil {
		c = d.New(target)
	}
	if c == nil {
		c = &MockConn{}
	}
	c.init()
	d.mu.Lock()
	d.dialed = append(d.dialed, c)
	d.mu.Unlock()
	return c, nil
}

// Dialed returns the connections handed out so far.
func (d *MockDialer) Dialed() []*MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*MockConn, len(d.dialed))
	copy(out, d.dialed)
	return out
}
