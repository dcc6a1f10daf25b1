package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jaxxstorm/echoprobe/internal/endpoint"
	"github.com/jaxxstorm/echoprobe/internal/model"
	"github.com/jaxxstorm/echoprobe/internal/packet"
	"github.com/jaxxstorm/echoprobe/internal/socket"
	"go.uber.org/zap"
)

var (
	ErrNoTarget          = errors.New("session has no resolved target")
	ErrWatchRegistration = errors.New("read watch registration failed")
	ErrAlreadyStarted    = errors.New("session already started")
)

const maxDatagram = 1 << 16

// Session sends a sequence of echo requests to one target over one connected
// socket and correlates the replies. All record mutation and every callback
// happens on the session's event loop goroutine.
type Session struct {
	// OnResponse is invoked for every matched reply.
	OnResponse func(model.ProbeRecord)
	// OnComplete is invoked exactly once with the ordered records when the
	// session closes. It is not invoked when Start fails.
	OnComplete func([]model.ProbeRecord)

	target endpoint.Endpoint
	cfg    Config
	logger *zap.Logger
	family string

	state      stateMachine
	identifier uint16
	variant    packet.Variant
	conn       socket.Conn
	ticker     *time.Ticker
	startedAt  time.Time
	nextSeq    int
	records    []model.ProbeRecord

	stopOnce sync.Once
	stopCh   chan struct{}
	quit     chan struct{}
	doneOnce sync.Once
	done     chan struct{}
}

type readEvent struct {
	b   []byte
	err error
	at  time.Time
}

func New(target endpoint.Endpoint, cfg Config) *Session {
	cfg = cfg.normalize()
	return &Session{
		target:  target,
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("target", target.String())),
		family:  target.Family().String(),
		nextSeq: 1,
		stopCh:  make(chan struct{}),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *Session) Target() endpoint.Endpoint {
	return s.target
}

// Identifier returns the echo identifier. It is assigned by Start.
func (s *Session) Identifier() uint16 {
	return s.identifier
}

func (s *Session) State() State {
	return s.state.get()
}

// Done is closed after OnComplete returns, or when Start fails.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start opens the socket, sends the first echo and starts the event loop.
// Errors are only returned for failures before the first send; anything
// later is reported through the records.
func (s *Session) Start(ctx context.Context) error {
	if !s.target.IsValid() {
		return ErrNoTarget
	}
	// the message must carry at least one payload byte past the header
	if s.cfg.PayloadSize <= packet.HeaderSize {
		return fmt.Errorf("%w: %d", packet.ErrPayloadSize, s.cfg.PayloadSize)
	}
	if !s.state.change(StateIdle, StateActive) {
		return fmt.Errorf("%w: state is %s", ErrAlreadyStarted, s.state.get())
	}

	if err := s.open(ctx); err != nil {
		s.logger.Debug("session start failed", zap.Error(err))
		s.state.set(StateClosed)
		s.finish()
		return err
	}

	s.cfg.Metrics.SessionStarted()
	s.startedAt = time.Now()
	s.logger.Debug("session started",
		zap.Uint16("identifier", s.identifier),
		zap.Int("count", s.cfg.Count),
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("payload_size", s.cfg.PayloadSize),
	)

	s.sendEcho()
	if s.allSent() {
		s.state.change(StateActive, StateDraining)
	} else {
		s.ticker = time.NewTicker(s.cfg.Interval)
	}

	events := make(chan readEvent)
	go s.read(events)
	go s.run(events)
	return nil
}

func (s *Session) open(ctx context.Context) error {
	conn, err := s.cfg.Dialer.Dial(ctx, s.target)
	if err != nil {
		return err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %w", ErrWatchRegistration, err)
	}
	variant, err := packet.VariantFor(s.target.Family(), conn.HeaderIncluded())
	if err != nil {
		conn.Close()
		return err
	}

	s.identifier = uint16(rand.Uint32())
	if ident, ok := conn.Ident(); ok {
		s.identifier = ident
	}
	s.variant = variant
	s.conn = conn
	return nil
}

// Stop ends the session. It never blocks and may be called any number of
// times from any goroutine, including from inside a callback. Wait on Done
// to observe completion.
func (s *Session) Stop() {
	if s.state.change(StateIdle, StateClosed) {
		s.logger.Debug("session stopped before start")
		if s.OnComplete != nil {
			s.OnComplete([]model.ProbeRecord{})
		}
		s.finish()
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) read(events chan<- readEvent) {
	buf := make([]byte, maxDatagram)
	for {
		n, err := s.conn.Read(buf)
		ev := readEvent{err: err, at: time.Now()}
		if err == nil {
			ev.b = append([]byte(nil), buf[:n]...)
		}
		select {
		case events <- ev:
		case <-s.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) run(events <-chan readEvent) {
	var tick <-chan time.Time
	if s.ticker != nil {
		tick = s.ticker.C
	}
	var cutoff <-chan time.Time
	if s.cfg.Timeout > 0 {
		timer := time.NewTimer(s.cfg.Timeout - time.Since(s.startedAt))
		defer timer.Stop()
		cutoff = timer.C
	}
	if s.allSent() && !s.hasPending() {
		s.shutdown("all probes sent")
		return
	}
	var drain <-chan time.Time
	if s.allSent() {
		drain = s.drainAfter()
	}

	for {
		// a Stop issued from a callback wins over anything already queued
		select {
		case <-s.stopCh:
			s.shutdown("stopped")
			return
		default:
		}

		select {
		case <-s.stopCh:
			s.shutdown("stopped")
			return
		case <-tick:
			s.sendEcho()
			if s.allSent() {
				s.ticker.Stop()
				tick = nil
				s.state.change(StateActive, StateDraining)
				if !s.hasPending() {
					s.shutdown("all probes sent")
					return
				}
				drain = s.drainAfter()
			}
		case ev := <-events:
			if s.onReadable(ev) {
				s.shutdown("sequence complete")
				return
			}
		case <-cutoff:
			s.expirePending()
			s.shutdown("timeout")
			return
		case <-drain:
			s.shutdown("no reply after final probe")
			return
		}
	}
}

func (s *Session) sendEcho() {
	seq := uint16(s.nextSeq)
	rec := model.ProbeRecord{Sequence: seq, Result: model.ResultPending}

	msg, err := packet.EncodeWith(s.variant, s.cfg.PayloadSize, s.identifier, seq)
	rec.SentAt = time.Now()
	if err == nil {
		var n int
		n, err = s.conn.Write(msg)
		if err == nil && n != len(msg) {
			err = fmt.Errorf("short write: %d of %d bytes", n, len(msg))
		}
	}
	s.nextSeq++

	if err != nil {
		rec.Result = model.ResultTransportError
		rec.Error = err.Error()
		s.logger.Warn("echo send failed", zap.Uint16("seq", seq), zap.Error(err))
	} else {
		s.cfg.Metrics.EchoSent(s.family)
		s.logger.Debug("echo sent", zap.Uint16("seq", seq), zap.Int("bytes", len(msg)))
	}
	s.records = append(s.records, rec)
}

// onReadable handles one read and reports whether the session should close.
func (s *Session) onReadable(ev readEvent) bool {
	if ev.err != nil || len(ev.b) == 0 {
		reason := "zero-length read"
		if ev.err != nil {
			reason = ev.err.Error()
		}
		s.logger.Warn("echo receive failed", zap.String("reason", reason))
		s.failOutstanding(model.ResultTransportError, reason)
		return true
	}

	h, err := s.variant.Decode(ev.b)
	if err != nil {
		if s.cfg.Policy == PolicySkip {
			s.logger.Debug("ignoring invalid reply", zap.Error(err))
			return false
		}
		s.logger.Warn("invalid reply", zap.Error(err))
		s.failOutstanding(model.ResultBadResponse, err.Error())
		return true
	}

	if h.Identifier != s.identifier {
		s.logger.Debug("ignoring reply for another identifier", zap.Uint16("identifier", h.Identifier))
		return false
	}
	idx := int(h.Sequence) - 1
	if idx < 0 || idx >= len(s.records) || s.records[idx].Result != model.ResultPending {
		s.logger.Debug("ignoring stray reply", zap.Uint16("seq", h.Sequence))
		return false
	}

	rec := &s.records[idx]
	rec.ReceivedAt = ev.at
	rec.Result = model.ResultSuccess
	rec.Latency = rec.ReceivedAt.Sub(rec.SentAt)
	s.cfg.Metrics.Reply(s.family, *rec)
	s.logger.Debug("echo reply", zap.Uint16("seq", rec.Sequence), zap.Duration("latency", rec.Latency))
	if s.OnResponse != nil {
		s.OnResponse(*rec)
	}
	return s.allSent()
}

// drainAfter bounds the wait for the final reply to one interval when no
// overall timeout is configured. Unanswered records stay pending.
func (s *Session) drainAfter() <-chan time.Time {
	if s.cfg.Timeout > 0 {
		return nil
	}
	return time.After(s.cfg.Interval)
}

func (s *Session) allSent() bool {
	return s.nextSeq > s.cfg.Count
}

func (s *Session) hasPending() bool {
	for _, rec := range s.records {
		if rec.Result == model.ResultPending {
			return true
		}
	}
	return false
}

// failOutstanding marks the most recently sent pending record.
func (s *Session) failOutstanding(result model.Result, reason string) {
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Result == model.ResultPending {
			s.records[i].Result = result
			s.records[i].Error = reason
			return
		}
	}
}

func (s *Session) expirePending() {
	for i := range s.records {
		if s.records[i].Result == model.ResultPending {
			s.records[i].Result = model.ResultTimeout
		}
	}
}

func (s *Session) shutdown(reason string) {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.conn.Close()
	close(s.quit)
	s.state.set(StateClosed)

	records := make([]model.ProbeRecord, len(s.records))
	copy(records, s.records)
	s.cfg.Metrics.Completed(s.family, records)
	s.cfg.Metrics.SessionClosed()
	s.logger.Debug("session closed", zap.String("reason", reason), zap.Int("records", len(records)))

	if s.OnComplete != nil {
		s.OnComplete(records)
	}
	s.finish()
}
