package resolver

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

// Transport performs one DNS exchange with a nameserver.
type Transport interface {
	Exchange(ctx context.Context, server string, msg *dns.Msg) (*dns.Msg, time.Duration, error)
}

type netTransport struct {
	network string
	timeout time.Duration
}

func (t *netTransport) Exchange(ctx context.Context, server string, msg *dns.Msg) (*dns.Msg, time.Duration, error) {
	client := &dns.Client{Net: t.network, Timeout: t.timeout}
	if deadline, ok := ctx.Deadline(); ok {
		client.Timeout = time.Until(deadline)
	}
	return client.ExchangeContext(ctx, msg, server)
}
