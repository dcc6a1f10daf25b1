//go:build !linux

package socket

import (
	"context"
	"fmt"
	"runtime"

	"github.com/jaxxstorm/echoprobe/internal/endpoint"
)

func (d *NetDialer) Dial(ctx context.Context, target endpoint.Endpoint) (Conn, error) {
	return nil, fmt.Errorf("%w: connected icmp sockets are not supported on %s", ErrSocketCreate, runtime.GOOS)
}
