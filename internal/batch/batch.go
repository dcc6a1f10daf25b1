package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jaxxstorm/echoprobe/internal/endpoint"
	"github.com/jaxxstorm/echoprobe/internal/model"
	"github.com/jaxxstorm/echoprobe/internal/session"
	"go.uber.org/zap"
)

var ErrNoAddress = errors.New("target resolved to no addresses")

type Resolver interface {
	Resolve(ctx context.Context, name string) ([]endpoint.Endpoint, error)
}

// Result is the single record of a one-shot probe.
type Result struct {
	Target     string
	Endpoint   endpoint.Endpoint
	Identifier uint16
	Record     model.ProbeRecord
	// Delivered is false when the session closed without sending anything.
	Delivered bool
}

type Config struct {
	Resolver Resolver
	// Session is the template for every probe. Count is forced to 1.
	Session session.Config
	Logger  *zap.Logger
}

// Batch runs fire-and-forget single probes and tracks them until they finish.
type Batch struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	active map[*session.Session]struct{}
	// idle is closed whenever active is empty.
	idle chan struct{}
}

func New(cfg Config) *Batch {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Session.Count = 1
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}
	idle := make(chan struct{})
	close(idle)
	return &Batch{
		cfg:    cfg,
		logger: cfg.Logger,
		active: map[*session.Session]struct{}{},
		idle:   idle,
	}
}

// PingOnce resolves target and probes its first address. Resolution and start
// failures are returned; handler is called once the probe finishes.
func (b *Batch) PingOnce(ctx context.Context, target string, handler func(Result)) error {
	if b.cfg.Resolver == nil {
		return fmt.Errorf("no resolver configured for %s", target)
	}
	addrs, err := b.cfg.Resolver.Resolve(ctx, target)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %s", ErrNoAddress, target)
	}
	return b.PingEndpoint(ctx, target, addrs[0], handler)
}

func (b *Batch) PingEndpoint(ctx context.Context, target string, ep endpoint.Endpoint, handler func(Result)) error {
	s := session.New(ep, b.cfg.Session)
	s.OnComplete = func(records []model.ProbeRecord) {
		res := Result{Target: target, Endpoint: ep, Identifier: s.Identifier()}
		if len(records) > 0 {
			res.Record = records[0]
			res.Delivered = true
		}
		b.logger.Debug("probe complete",
			zap.String("target", target),
			zap.String("address", ep.String()),
			zap.Stringer("result", res.Record.Result),
		)
		if handler != nil {
			handler(res)
		}
		b.remove(s)
	}

	b.track(s)
	if err := s.Start(ctx); err != nil {
		b.remove(s)
		return fmt.Errorf("probe %s (%s): %w", target, ep, err)
	}
	return nil
}

// Active returns the number of probes that have not completed.
func (b *Batch) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// WaitForCompletion blocks until every probe completes or timeout elapses. On
// timeout the remaining probes are stopped and their handlers have run by the
// time it returns false. Probes may be issued while a wait is in progress; they
// are awaited when another probe is still active at the time they are issued.
func (b *Batch) WaitForCompletion(timeout time.Duration) bool {
	b.mu.Lock()
	idle := b.idle
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
	}

	stragglers := b.snapshot()
	b.logger.Debug("batch timed out, stopping probes", zap.Int("active", len(stragglers)))
	for _, s := range stragglers {
		s.Stop()
	}
	for _, s := range stragglers {
		<-s.Done()
	}
	return false
}

func (b *Batch) snapshot() []*session.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*session.Session, 0, len(b.active))
	for s := range b.active {
		out = append(out, s)
	}
	return out
}

func (b *Batch) track(s *session.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.active) == 0 {
		b.idle = make(chan struct{})
	}
	b.active[s] = struct{}{}
}

// remove is idempotent; a Stop racing Start can complete the session before
// Start returns.
func (b *Batch) remove(s *session.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.active[s]; !ok {
		return
	}
	delete(b.active, s)
	if len(b.active) == 0 {
		close(b.idle)
	}
}
