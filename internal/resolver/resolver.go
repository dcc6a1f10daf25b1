package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/jaxxstorm/echoprobe/internal/endpoint"
	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrResolution = errors.New("resolution failed")

type Mode string

const (
	ModeUDP  Mode = "udp"
	ModeTCP  Mode = "tcp"
	ModeAuto Mode = "auto"
)

type Options struct {
	// Servers are queried in order. When empty, /etc/resolv.conf is used, and
	// when that lists nothing the Go resolver is used instead.
	Servers []string
	Mode    Mode
	Timeout time.Duration
	Retries int
	// Family restricts results to one address family. Unspecified keeps both.
	Family      endpoint.Family
	Parallelism int
	Logger      *zap.Logger
}

type Resolver struct {
	opts    Options
	udp     Transport
	tcp     Transport
	servers []string
	system  systemLookup
}

func New(opts Options) *Resolver {
	return NewWithTransports(opts,
		&netTransport{network: "udp", timeout: opts.Timeout},
		&netTransport{network: "tcp", timeout: opts.Timeout},
	)
}

func NewWithTransports(opts Options, udp Transport, tcp Transport) *Resolver {
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Retries == 0 {
		opts.Retries = 1
	}
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	servers := uniqueServers(opts.Servers)
	if len(servers) == 0 {
		loaded, err := SystemServers()
		if err != nil {
			opts.Logger.Debug("no system nameservers, using the Go resolver", zap.Error(err))
		}
		servers = loaded
	}

	return &Resolver{
		opts:    opts,
		udp:     udp,
		tcp:     tcp,
		servers: servers,
		system:  defaultSystemLookup,
	}
}

// Servers returns the nameservers queried, in order.
func (r *Resolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// Resolve returns the addresses for a hostname or IP literal, IPv4 first.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]endpoint.Endpoint, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty hostname", ErrResolution)
	}
	if ep, err := endpoint.Parse(name); err == nil {
		if !r.allows(ep.Family()) {
			return nil, fmt.Errorf("%w: %s is not %s", ErrResolution, name, r.opts.Family)
		}
		return []endpoint.Endpoint{ep}, nil
	}

	var addrs []netip.Addr
	var err error
	if len(r.servers) == 0 {
		addrs, err = r.system.lookupIP(ctx, r.network(), name)
	} else {
		addrs, err = r.lookupDNS(ctx, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResolution, name, err)
	}

	out := orderAddrs(addrs, r.opts.Family)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s: no usable addresses", ErrResolution, name)
	}
	r.opts.Logger.Debug("resolved", zap.String("name", name), zap.Int("addresses", len(out)))
	return out, nil
}

func (r *Resolver) lookupDNS(ctx context.Context, name string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	var errs []error
	for _, q := range []struct {
		family endpoint.Family
		qtype  uint16
	}{{endpoint.IPv4, dns.TypeA}, {endpoint.IPv6, dns.TypeAAAA}} {
		if !r.allows(q.family) {
			continue
		}
		found, err := r.query(ctx, name, q.qtype)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		addrs = append(addrs, found...)
	}
	if len(addrs) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return addrs, nil
}

// query asks each server in turn until one gives an authoritative answer.
func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.exchange(ctx, server, msg)
		if err != nil {
			lastErr = err
			continue
		}
		if resp == nil {
			lastErr = fmt.Errorf("%s: empty response", server)
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
			return answerAddrs(resp), nil
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%s: NXDOMAIN", dns.TypeToString[qtype])
		default:
			lastErr = fmt.Errorf("%s: %s", server, dns.RcodeToString[resp.Rcode])
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no nameservers")
	}
	return nil, lastErr
}

// ReverseResolve returns the PTR name for ep. It is best effort: any failure
// reports false.
func (r *Resolver) ReverseResolve(ctx context.Context, ep endpoint.Endpoint) (string, bool) {
	if !ep.IsValid() {
		return "", false
	}
	addr := ep.Addr().WithZone("")
	if len(r.servers) == 0 {
		names, err := r.system.lookupAddr(ctx, addr.String())
		if err != nil || len(names) == 0 {
			return "", false
		}
		return strings.TrimSuffix(names[0], "."), true
	}

	arpa, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return "", false
	}
	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)
	msg.RecursionDesired = true
	for _, server := range r.servers {
		resp, _, err := r.exchange(ctx, server, msg)
		if err != nil || resp == nil || resp.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, "."), true
			}
		}
		return "", false
	}
	return "", false
}

// NewHost resolves name into a Host. Hostnames are looked up forward; IP
// literals get their hostname from a reverse lookup when one exists.
func (r *Resolver) NewHost(ctx context.Context, name string) (*endpoint.Host, error) {
	if ep, err := endpoint.Parse(strings.TrimSpace(name)); err == nil {
		hostnames := []string{}
		if ptr, ok := r.ReverseResolve(ctx, ep); ok {
			hostnames = append(hostnames, ptr)
		}
		return endpoint.NewHost([]endpoint.Endpoint{ep}, hostnames), nil
	}
	addrs, err := r.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	return endpoint.NewHost(addrs, []string{strings.TrimSpace(name)}), nil
}

// ResolveAll resolves names concurrently. Names that fail are absent from the
// map and their errors are joined into the returned error.
func (r *Resolver) ResolveAll(ctx context.Context, names []string) (map[string][]endpoint.Endpoint, error) {
	var (
		mu   sync.Mutex
		out  = make(map[string][]endpoint.Endpoint, len(names))
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Parallelism)
	for _, name := range names {
		name := name
		g.Go(func() error {
			addrs, err := r.Resolve(gctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			out[name] = addrs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, errors.Join(errs...)
}

func (r *Resolver) exchange(ctx context.Context, server string, msg *dns.Msg) (*dns.Msg, time.Duration, error) {
	switch r.opts.Mode {
	case ModeTCP:
		return r.exchangeWithRetries(ctx, r.tcp, server, msg, "tcp")
	case ModeUDP:
		return r.exchangeWithRetries(ctx, r.udp, server, msg, "udp")
	case ModeAuto:
		resp, rtt, err := r.exchangeWithRetries(ctx, r.udp, server, msg, "udp")
		if err == nil && resp != nil && resp.Truncated {
			r.opts.Logger.Debug("udp truncated, retrying with tcp", zap.String("server", server))
			return r.exchangeWithRetries(ctx, r.tcp, server, msg, "tcp")
		}
		return resp, rtt, err
	default:
		return nil, 0, fmt.Errorf("unsupported transport mode: %s", r.opts.Mode)
	}
}

func (r *Resolver) exchangeWithRetries(ctx context.Context, transport Transport, server string, msg *dns.Msg, mode string) (*dns.Msg, time.Duration, error) {
	var lastErr error
	for i := 0; i < r.opts.Retries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		resp, rtt, err := transport.Exchange(ctx, server, msg.Copy())
		if err == nil {
			if r.opts.Logger.Core().Enabled(zap.DebugLevel) && resp != nil {
				r.opts.Logger.Debug("dns exchange",
					zap.String("transport", mode),
					zap.String("server", server),
					zap.String("question", msg.Question[0].String()),
					zap.String("rcode", dns.RcodeToString[resp.Rcode]),
					zap.Duration("rtt", rtt),
				)
			}
			return resp, rtt, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("dns exchange failed")
	}
	return nil, 0, lastErr
}

func (r *Resolver) allows(f endpoint.Family) bool {
	return r.opts.Family == endpoint.Unspecified || r.opts.Family == f
}

func (r *Resolver) network() string {
	switch r.opts.Family {
	case endpoint.IPv4:
		return "ip4"
	case endpoint.IPv6:
		return "ip6"
	default:
		return "ip"
	}
}

func answerAddrs(resp *dns.Msg) []netip.Addr {
	var out []netip.Addr
	for _, rr := range resp.Answer {
		var raw []byte
		switch v := rr.(type) {
		case *dns.A:
			raw = v.A
		case *dns.AAAA:
			raw = v.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(raw); ok {
			out = append(out, addr)
		}
	}
	return out
}

// orderAddrs unmaps, filters and deduplicates addrs, IPv4 before IPv6.
func orderAddrs(addrs []netip.Addr, family endpoint.Family) []endpoint.Endpoint {
	seen := map[netip.Addr]struct{}{}
	var v4, v6 []endpoint.Endpoint
	for _, addr := range addrs {
		ep := endpoint.New(addr)
		if !ep.IsValid() {
			continue
		}
		if family != endpoint.Unspecified && ep.Family() != family {
			continue
		}
		if _, ok := seen[ep.Addr()]; ok {
			continue
		}
		seen[ep.Addr()] = struct{}{}
		if ep.Family() == endpoint.IPv4 {
			v4 = append(v4, ep)
		} else {
			v6 = append(v6, ep)
		}
	}
	return append(v4, v6...)
}
