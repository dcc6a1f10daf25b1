package session

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jaxxstorm/echoprobe/internal/endpoint"
	"github.com/jaxxstorm/echoprobe/internal/metrics"
	"github.com/jaxxstorm/echoprobe/internal/model"
	"github.com/jaxxstorm/echoprobe/internal/packet"
	"github.com/jaxxstorm/echoprobe/internal/socket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type outcome struct {
	Sequence uint16
	Result   model.Result
}

func outcomes(records []model.ProbeRecord) []outcome {
	out := make([]outcome, 0, len(records))
	for _, r := range records {
		out = append(out, outcome{Sequence: r.Sequence, Result: r.Result})
	}
	return out
}

func mustParse(t *testing.T, s string) endpoint.Endpoint {
	t.Helper()
	ep, err := endpoint.Parse(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return ep
}

func dialerFor(conn *socket.MockConn) *socket.MockDialer {
	return &socket.MockDialer{New: func(endpoint.Endpoint) *socket.MockConn { return conn }}
}

// startCollecting starts s and returns a channel receiving its completion.
func startCollecting(t *testing.T, s *Session) <-chan []model.ProbeRecord {
	t.Helper()
	ch := make(chan []model.ProbeRecord, 1)
	s.OnComplete = func(records []model.ProbeRecord) { ch <- records }
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return ch
}

func waitRecords(t *testing.T, ch <-chan []model.ProbeRecord, timeout time.Duration) []model.ProbeRecord {
	t.Helper()
	select {
	case records := <-ch:
		return records
	case <-time.After(timeout):
		t.Fatalf("session did not complete within %s", timeout)
		return nil
	}
}

func TestSessionResponsiveTarget(t *testing.T) {
	conn := &socket.MockConn{
		Responder:       socket.EchoResponder(endpoint.IPv4, true),
		IncludeIPHeader: true,
		ReplyDelay:      2 * time.Millisecond,
	}
	s := New(mustParse(t, "192.0.2.10"), Config{
		Interval:    100 * time.Millisecond,
		Count:       3,
		PayloadSize: 64,
		Dialer:      dialerFor(conn),
	})
	var responses atomic.Int32
	s.OnResponse = func(model.ProbeRecord) { responses.Add(1) }

	records := waitRecords(t, startCollecting(t, s), 2*time.Second)

	want := []outcome{
		{Sequence: 1, Result: model.ResultSuccess},
		{Sequence: 2, Result: model.ResultSuccess},
		{Sequence: 3, Result: model.ResultSuccess},
	}
	if diff := cmp.Diff(want, outcomes(records)); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
	for _, r := range records {
		if r.Latency <= 0 {
			t.Fatalf("seq %d: expected positive latency, got %s", r.Sequence, r.Latency)
		}
		if r.ReceivedAt.Before(r.SentAt) {
			t.Fatalf("seq %d: received before sent", r.Sequence)
		}
	}
	if got := responses.Load(); got != 3 {
		t.Fatalf("expected 3 response callbacks, got %d", got)
	}
	<-s.Done()
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if !conn.Closed() {
		t.Fatalf("socket should be closed")
	}
	for i, w := range conn.Writes() {
		if len(w) != 64 {
			t.Fatalf("write %d: expected 64 bytes, got %d", i, len(w))
		}
	}
}

func TestSessionCadence(t *testing.T) {
	conn := &socket.MockConn{Responder: socket.EchoResponder(endpoint.IPv4, true), IncludeIPHeader: true}
	interval := 100 * time.Millisecond
	s := New(mustParse(t, "192.0.2.11"), Config{Interval: interval, Count: 4, Dialer: dialerFor(conn)})
	waitRecords(t, startCollecting(t, s), 3*time.Second)

	times := conn.WriteTimes()
	if len(times) != 4 {
		t.Fatalf("expected 4 writes, got %d", len(times))
	}
	for k := 1; k < len(times); k++ {
		if elapsed := times[k].Sub(times[0]); elapsed < time.Duration(k)*interval {
			t.Fatalf("write %d issued after %s, before %s", k+1, elapsed, time.Duration(k)*interval)
		}
	}
	for k, w := range conn.Writes() {
		v, err := packet.VariantFor(endpoint.IPv4, false)
		if err != nil {
			t.Fatalf("variant: %v", err)
		}
		reply, err := packet.EchoReplyFor(w, endpoint.IPv4, false)
		if err != nil {
			t.Fatalf("reply: %v", err)
		}
		decoded, err := v.Decode(reply)
		if err != nil {
			t.Fatalf("decode write %d: %v", k, err)
		}
		if decoded.Sequence != uint16(k+1) || decoded.Identifier != s.Identifier() {
			t.Fatalf("write %d: unexpected id/seq %d/%d", k, decoded.Identifier, decoded.Sequence)
		}
	}
}

func TestSessionIgnoresForeignAndStrayReplies(t *testing.T) {
	conn := &socket.MockConn{IncludeIPHeader: true}
	conn.Responder = func(req []byte) [][]byte {
		foreign := append([]byte(nil), req...)
		foreign[4] ^= 0xff
		stray := append([]byte(nil), req...)
		stray[6], stray[7] = 0x7f, 0x7f

		var out [][]byte
		for _, b := range [][]byte{foreign, stray, req, req} {
			reply, err := packet.EchoReplyFor(b, endpoint.IPv4, true)
			if err != nil {
				t.Errorf("reply: %v", err)
				return nil
			}
			out = append(out, reply)
		}
		return out
	}
	s := New(mustParse(t, "192.0.2.12"), Config{Interval: 100 * time.Millisecond, Count: 2, Dialer: dialerFor(conn)})
	records := waitRecords(t, startCollecting(t, s), 2*time.Second)

	want := []outcome{
		{Sequence: 1, Result: model.ResultSuccess},
		{Sequence: 2, Result: model.ResultSuccess},
	}
	if diff := cmp.Diff(want, outcomes(records)); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
}

func TestSessionStrictPolicyStopsOnBadReply(t *testing.T) {
	conn := &socket.MockConn{IncludeIPHeader: true}
	conn.Responder = func(req []byte) [][]byte {
		reply, err := packet.EchoReplyFor(req, endpoint.IPv4, true)
		if err != nil {
			return nil
		}
		return [][]byte{reply[:24]}
	}
	s := New(mustParse(t, "192.0.2.13"), Config{Interval: time.Second, Count: 3, Dialer: dialerFor(conn)})
	records := waitRecords(t, startCollecting(t, s), 2*time.Second)

	want := []outcome{{Sequence: 1, Result: model.ResultBadResponse}}
	if diff := cmp.Diff(want, outcomes(records)); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
	if records[0].Error == "" {
		t.Fatalf("expected the decode error on the record")
	}
	if len(conn.Writes()) != 1 {
		t.Fatalf("expected no sends after the bad reply, got %d writes", len(conn.Writes()))
	}
}

func TestSessionSkipPolicyKeepsMatching(t *testing.T) {
	conn := &socket.MockConn{IncludeIPHeader: true}
	conn.Responder = func(req []byte) [][]byte {
		reply, err := packet.EchoReplyFor(req, endpoint.IPv4, true)
		if err != nil {
			return nil
		}
		corrupt := append([]byte(nil), reply...)
		corrupt[len(corrupt)-1] ^= 0xff
		return [][]byte{corrupt, reply}
	}
	s := New(mustParse(t, "192.0.2.14"), Config{
		Interval: 100 * time.Millisecond,
		Count:    2,
		Policy:   PolicySkip,
		Dialer:   dialerFor(conn),
	})
	records := waitRecords(t, startCollecting(t, s), 2*time.Second)

	want := []outcome{
		{Sequence: 1, Result: model.ResultSuccess},
		{Sequence: 2, Result: model.ResultSuccess},
	}
	if diff := cmp.Diff(want, outcomes(records)); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
}

func TestSessionStopFromCallback(t *testing.T) {
	conn := &socket.MockConn{Responder: socket.EchoResponder(endpoint.IPv4, true), IncludeIPHeader: true}
	s := New(mustParse(t, "192.0.2.15"), Config{Interval: 100 * time.Millisecond, Count: 5, Dialer: dialerFor(conn)})

	var completions atomic.Int32
	ch := make(chan []model.ProbeRecord, 2)
	s.OnResponse = func(model.ProbeRecord) {
		s.Stop()
		s.Stop()
	}
	s.OnComplete = func(records []model.ProbeRecord) {
		completions.Add(1)
		s.Stop()
		ch <- records
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	records := waitRecords(t, ch, 2*time.Second)
	s.Stop()
	<-s.Done()

	if diff := cmp.Diff([]outcome{{Sequence: 1, Result: model.ResultSuccess}}, outcomes(records)); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
	time.Sleep(50 * time.Millisecond)
	if got := completions.Load(); got != 1 {
		t.Fatalf("expected exactly one completion, got %d", got)
	}
}

func TestSessionStopBeforeStart(t *testing.T) {
	s := New(mustParse(t, "192.0.2.16"), Config{Dialer: &socket.MockDialer{}})
	var delivered []model.ProbeRecord
	called := false
	s.OnComplete = func(records []model.ProbeRecord) {
		called = true
		delivered = records
	}
	s.Stop()
	if !called {
		t.Fatalf("expected synchronous completion when stopping an idle session")
	}
	if len(delivered) != 0 {
		t.Fatalf("expected no records, got %d", len(delivered))
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("done should be closed")
	}
	s.Stop()
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSessionStopLeavesPending(t *testing.T) {
	conn := &socket.MockConn{IncludeIPHeader: true}
	s := New(mustParse(t, "192.0.2.17"), Config{Dialer: dialerFor(conn)})
	ch := startCollecting(t, s)
	s.Stop()
	records := waitRecords(t, ch, time.Second)
	if diff := cmp.Diff([]outcome{{Sequence: 1, Result: model.ResultPending}}, outcomes(records)); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
}

func TestSessionCompletesAfterLostEarlierReply(t *testing.T) {
	echo := socket.EchoResponder(endpoint.IPv4, true)
	conn := &socket.MockConn{IncludeIPHeader: true}
	conn.Responder = func(req []byte) [][]byte {
		if req[6] == 0 && req[7] == 1 {
			return nil
		}
		return echo(req)
	}
	s := New(mustParse(t, "192.0.2.29"), Config{Interval: 100 * time.Millisecond, Count: 3, Dialer: dialerFor(conn)})
	records := waitRecords(t, startCollecting(t, s), 2*time.Second)

	want := []outcome{
		{Sequence: 1, Result: model.ResultPending},
		{Sequence: 2, Result: model.ResultSuccess},
		{Sequence: 3, Result: model.ResultSuccess},
	}
	if diff := cmp.Diff(want, outcomes(records)); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
	<-s.Done()
	if !conn.Closed() {
		t.Fatalf("socket should be closed")
	}
}

func TestSessionFinalReplyWaitIsBounded(t *testing.T) {
	echo := socket.EchoResponder(endpoint.IPv4, true)
	conn := &socket.MockConn{IncludeIPHeader: true}
	conn.Responder = func(req []byte) [][]byte {
		if req[6] == 0 && req[7] == 2 {
			return nil
		}
		return echo(req)
	}
	s := New(mustParse(t, "192.0.2.30"), Config{Interval: 100 * time.Millisecond, Count: 2, Dialer: dialerFor(conn)})
	start := time.Now()
	records := waitRecords(t, startCollecting(t, s), 2*time.Second)
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("closed after %s, before the final reply wait elapsed", elapsed)
	}

	want := []outcome{
		{Sequence: 1, Result: model.ResultSuccess},
		{Sequence: 2, Result: model.ResultPending},
	}
	if diff := cmp.Diff(want, outcomes(records)); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
}

func TestSessionTimeoutCutoff(t *testing.T) {
	conn := &socket.MockConn{IncludeIPHeader: true}
	s := New(mustParse(t, "192.0.2.18"), Config{
		Interval: 100 * time.Millisecond,
		Count:    2,
		Timeout:  250 * time.Millisecond,
		Dialer:   dialerFor(conn),
	})
	records := waitRecords(t, startCollecting(t, s), 2*time.Second)
	want := []outcome{
		{Sequence: 1, Result: model.ResultTimeout},
		{Sequence: 2, Result: model.ResultTimeout},
	}
	if diff := cmp.Diff(want, outcomes(records)); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
}

func TestSessionSendFailure(t *testing.T) {
	conn := &socket.MockConn{
		WriteFunc: func([]byte) (int, error) { return 0, errors.New("no buffer space available") },
	}
	s := New(mustParse(t, "192.0.2.19"), Config{Dialer: dialerFor(conn)})
	records := waitRecords(t, startCollecting(t, s), time.Second)
	if diff := cmp.Diff([]outcome{{Sequence: 1, Result: model.ResultTransportError}}, outcomes(records)); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
}

func TestSessionShortWrite(t *testing.T) {
	conn := &socket.MockConn{
		WriteFunc: func(b []byte) (int, error) { return len(b) - 1, nil },
	}
	s := New(mustParse(t, "192.0.2.20"), Config{Dialer: dialerFor(conn)})
	records := waitRecords(t, startCollecting(t, s), time.Second)
	if len(records) != 1 || records[0].Result != model.ResultTransportError {
		t.Fatalf("expected a transport error, got %+v", records)
	}
}

func TestSessionReadFailure(t *testing.T) {
	conn := &socket.MockConn{IncludeIPHeader: true}
	s := New(mustParse(t, "192.0.2.21"), Config{Dialer: dialerFor(conn)})
	ch := startCollecting(t, s)
	conn.InjectError(errors.New("connection refused"))
	records := waitRecords(t, ch, time.Second)
	if diff := cmp.Diff([]outcome{{Sequence: 1, Result: model.ResultTransportError}}, outcomes(records)); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
}

func TestSessionZeroLengthRead(t *testing.T) {
	conn := &socket.MockConn{IncludeIPHeader: true}
	s := New(mustParse(t, "192.0.2.22"), Config{Dialer: dialerFor(conn)})
	ch := startCollecting(t, s)
	conn.Inject(nil)
	records := waitRecords(t, ch, time.Second)
	if len(records) != 1 || records[0].Result != model.ResultTransportError {
		t.Fatalf("expected a transport error, got %+v", records)
	}
}

func TestSessionStartFailures(t *testing.T) {
	t.Run("no target", func(t *testing.T) {
		s := New(endpoint.Endpoint{}, Config{Dialer: &socket.MockDialer{}})
		if err := s.Start(context.Background()); !errors.Is(err, ErrNoTarget) {
			t.Fatalf("expected ErrNoTarget, got %v", err)
		}
	})
	t.Run("connect", func(t *testing.T) {
		s := New(mustParse(t, "192.0.2.23"), Config{Dialer: &socket.MockDialer{Err: socket.ErrConnect}})
		if err := s.Start(context.Background()); !errors.Is(err, socket.ErrConnect) {
			t.Fatalf("expected ErrConnect, got %v", err)
		}
		<-s.Done()
		if s.State() != StateClosed {
			t.Fatalf("expected closed, got %s", s.State())
		}
	})
	t.Run("watch registration", func(t *testing.T) {
		conn := &socket.MockConn{DeadlineErr: errors.New("bad descriptor")}
		s := New(mustParse(t, "192.0.2.24"), Config{Dialer: dialerFor(conn)})
		if err := s.Start(context.Background()); !errors.Is(err, ErrWatchRegistration) {
			t.Fatalf("expected ErrWatchRegistration, got %v", err)
		}
		if !conn.Closed() {
			t.Fatalf("socket should be released after a failed start")
		}
		if len(conn.Writes()) != 0 {
			t.Fatalf("nothing should be sent after a failed start")
		}
	})
	t.Run("payload too small", func(t *testing.T) {
		s := New(mustParse(t, "192.0.2.25"), Config{PayloadSize: 4, Dialer: &socket.MockDialer{}})
		if err := s.Start(context.Background()); !errors.Is(err, packet.ErrPayloadSize) {
			t.Fatalf("expected ErrPayloadSize, got %v", err)
		}
	})
	t.Run("header only", func(t *testing.T) {
		dialer := &socket.MockDialer{}
		s := New(mustParse(t, "192.0.2.31"), Config{PayloadSize: packet.HeaderSize, Dialer: dialer})
		if err := s.Start(context.Background()); !errors.Is(err, packet.ErrPayloadSize) {
			t.Fatalf("expected ErrPayloadSize, got %v", err)
		}
		if len(dialer.Dialed()) != 0 {
			t.Fatalf("no socket should be opened for an invalid size")
		}
	})
	t.Run("twice", func(t *testing.T) {
		conn := &socket.MockConn{IncludeIPHeader: true}
		s := New(mustParse(t, "192.0.2.26"), Config{Dialer: dialerFor(conn)})
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
		defer s.Stop()
		if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
			t.Fatalf("expected ErrAlreadyStarted, got %v", err)
		}
	})
}

func TestSessionKernelIdentifier(t *testing.T) {
	conn := &socket.MockConn{
		Responder:      socket.EchoResponder(endpoint.IPv4, false),
		KernelIdent:    40000,
		HasKernelIdent: true,
	}
	s := New(mustParse(t, "192.0.2.27"), Config{Dialer: dialerFor(conn)})
	records := waitRecords(t, startCollecting(t, s), time.Second)
	if s.Identifier() != 40000 {
		t.Fatalf("expected kernel identifier 40000, got %d", s.Identifier())
	}
	if len(records) != 1 || !records[0].Succeeded() {
		t.Fatalf("expected one successful record, got %+v", records)
	}
}

func TestSessionIPv6(t *testing.T) {
	conn := &socket.MockConn{Responder: socket.EchoResponder(endpoint.IPv6, false)}
	s := New(mustParse(t, "2001:db8::1"), Config{Interval: 100 * time.Millisecond, Count: 2, PayloadSize: 32, Dialer: dialerFor(conn)})
	records := waitRecords(t, startCollecting(t, s), 2*time.Second)
	want := []outcome{
		{Sequence: 1, Result: model.ResultSuccess},
		{Sequence: 2, Result: model.ResultSuccess},
	}
	if diff := cmp.Diff(want, outcomes(records)); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
	if conn.Writes()[0][0] != 128 {
		t.Fatalf("expected icmpv6 echo request type, got %d", conn.Writes()[0][0])
	}
}

func TestSessionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewRecorder(reg)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	conn := &socket.MockConn{Responder: socket.EchoResponder(endpoint.IPv4, true), IncludeIPHeader: true}
	s := New(mustParse(t, "192.0.2.28"), Config{Interval: 100 * time.Millisecond, Count: 2, Dialer: dialerFor(conn), Metrics: rec})
	waitRecords(t, startCollecting(t, s), 2*time.Second)
	<-s.Done()

	expected := `
# HELP echoprobe_probe_records_total Probe records delivered on session completion, by result.
# TYPE echoprobe_probe_records_total counter
echoprobe_probe_records_total{family="ipv4",result="success"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "echoprobe_probe_records_total"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{name: "defaults", in: Config{}, want: Config{Interval: DefaultInterval, PayloadSize: DefaultPayloadSize, Count: DefaultCount}},
		{name: "interval below range", in: Config{Interval: 10 * time.Millisecond}, want: Config{Interval: MinInterval, PayloadSize: 64, Count: 1}},
		{name: "negative interval", in: Config{Interval: -time.Second}, want: Config{Interval: MinInterval, PayloadSize: 64, Count: 1}},
		{name: "interval above range", in: Config{Interval: 2 * time.Minute}, want: Config{Interval: MaxInterval, PayloadSize: 64, Count: 1}},
		{name: "count capped", in: Config{Interval: time.Second, Count: 70000}, want: Config{Interval: time.Second, PayloadSize: 64, Count: MaxCount}},
		{name: "negative timeout", in: Config{Timeout: -time.Second, PayloadSize: 128}, want: Config{Interval: time.Second, PayloadSize: 128, Count: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.normalize()
			if got.Logger == nil || got.Dialer == nil {
				t.Fatalf("expected logger and dialer defaults")
			}
			got.Logger, got.Dialer = nil, nil
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("unexpected config (-want +got):\n%s", diff)
			}
		})
	}
}
