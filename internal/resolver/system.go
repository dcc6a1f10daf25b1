package resolver

import (
	"context"
	"net"
	"net/netip"
)

// systemLookup is the fallback used when no nameserver is known.
type systemLookup interface {
	lookupIP(ctx context.Context, network, host string) ([]netip.Addr, error)
	lookupAddr(ctx context.Context, addr string) ([]string, error)
}

type goResolver struct {
	r *net.Resolver
}

var defaultSystemLookup systemLookup = goResolver{r: net.DefaultResolver}

func (g goResolver) lookupIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return g.r.LookupNetIP(ctx, network, host)
}

func (g goResolver) lookupAddr(ctx context.Context, addr string) ([]string, error) {
	return g.r.LookupAddr(ctx, addr)
}
