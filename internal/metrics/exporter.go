package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Exporter serves a registry on /metrics until its context is cancelled.
type Exporter struct {
	addr   string
	reg    *prometheus.Registry
	logger *zap.Logger
	ln     net.Listener
}

func NewExporter(addr string, reg *prometheus.Registry, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{addr: addr, reg: reg, logger: logger}
}

// Run binds the listener and returns; serving continues in the background.
func (e *Exporter) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return err
	}
	e.ln = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	e.logger.Info("metrics exporter listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics exporter failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		e.logger.Debug("stopping metrics exporter")
		srv.Close()
	}()
	return nil
}

// Addr returns the bound address once Run has succeeded.
func (e *Exporter) Addr() string {
	if e.ln == nil {
		return e.addr
	}
	return e.ln.Addr().String()
}
