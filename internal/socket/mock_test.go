package socket

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jaxxstorm/echoprobe/internal/endpoint"
	"github.com/jaxxstorm/echoprobe/internal/packet"
)

func TestMockConnEchoes(t *testing.T) {
	c := &MockConn{Responder: EchoResponder(endpoint.IPv4, true), IncludeIPHeader: true}
	req, err := packet.Encode(64, 9, 1, endpoint.IPv4)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if n, err := c.Write(req); err != nil || n != len(req) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	buf := make([]byte, 1500)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	h, err := packet.Decode(buf[:n], endpoint.IPv4)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Identifier != 9 || h.Sequence != 1 {
		t.Fatalf("unexpected id/seq %d/%d", h.Identifier, h.Sequence)
	}
	if len(c.Writes()) != 1 || len(c.WriteTimes()) != 1 {
		t.Fatalf("expected one recorded write")
	}
}

func TestMockConnCloseUnblocksRead(t *testing.T) {
	c := &MockConn{}
	done := make(chan error, 1)
	go func() {
		_, err := c.Read(make([]byte, 64))
		done <- err
	}()
	c.Close()
	select {
	case err := <-done:
		if !errors.Is(err, net.ErrClosed) {
			t.Fatalf("expected net.ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("read did not return after close")
	}
	if _, err := c.Write([]byte{1}); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected write on closed conn to fail, got %v", err)
	}
}

func TestMockDialer(t *testing.T) {
	target, err := endpoint.Parse("192.0.2.1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	d := &MockDialer{}
	if _, err := d.Dial(context.Background(), target); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if len(d.Dialed()) != 1 {
		t.Fatalf("expected one dialed conn, got %d", len(d.Dialed()))
	}

	failing := &MockDialer{Err: ErrConnect}
	if _, err := failing.Dial(context.Background(), target); !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
}

func TestNewDialerDefaultsLogger(t *testing.T) {
	d := NewDialer(Options{})
	if d.opts.Logger == nil {
		t.Fatalf("expected a default logger")
	}
}
