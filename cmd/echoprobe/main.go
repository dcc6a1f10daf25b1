package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jaxxstorm/echoprobe/internal/analyze"
	"github.com/jaxxstorm/echoprobe/internal/batch"
	"github.com/jaxxstorm/echoprobe/internal/endpoint"
	"github.com/jaxxstorm/echoprobe/internal/metrics"
	"github.com/jaxxstorm/echoprobe/internal/model"
	"github.com/jaxxstorm/echoprobe/internal/output"
	"github.com/jaxxstorm/echoprobe/internal/resolver"
	"github.com/jaxxstorm/echoprobe/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var Version = "dev"

type CLI struct {
	Ping    PingCmd    `cmd:"" default:"withargs" help:"Send a sequence of echo requests to one host (default)."`
	Batch   BatchCmd   `cmd:"batch" help:"Send one echo request to each of several hosts concurrently."`
	Version VersionCmd `cmd:"version" help:"Print version."`
}

type CommonFlags struct {
	Size        int           `default:"64" help:"ICMP message size in bytes, header included."`
	TTL         int           `name:"ttl" help:"IPv4 TTL or IPv6 hop limit (0 keeps the system default)."`
	Privileged  bool          `help:"Use raw sockets instead of ICMP datagram sockets."`
	Policy      string        `enum:"strict,skip" default:"strict" help:"What an invalid reply does: stop the probe or be ignored."`
	Family      string        `enum:"any,ipv4,ipv6" default:"any" help:"Address family to resolve."`
	Resolvers   []string      `name:"resolver" help:"Nameservers to query (repeatable). If not set, uses system resolvers."`
	DNSTimeout  time.Duration `name:"dns-timeout" default:"2s" help:"Time budget per DNS query."`
	Output      string        `enum:"pretty,json" default:"pretty" help:"Output format."`
	MetricsAddr string        `name:"metrics-addr" help:"Serve Prometheus metrics on this address while running."`
	Verbose     bool          `help:"Enable verbose logging."`
	Debug       bool          `help:"Enable debug logging (includes every echo sent and received)."`
}

type PingCmd struct {
	CommonFlags `embed:""`

	Target   string        `arg:"" name:"target" help:"Hostname or IP address."`
	Count    int           `short:"c" default:"4" help:"Number of echo requests."`
	Interval time.Duration `short:"i" default:"1s" help:"Time between requests, clamped to [100ms, 60s]."`
	Timeout  time.Duration `short:"w" help:"Overall deadline. Defaults to count*interval plus the reply wait."`
	Wait     time.Duration `default:"2s" help:"How long to wait for the last reply when no timeout is set."`
}

type BatchCmd struct {
	CommonFlags `embed:""`

	Targets []string      `arg:"" name:"targets" help:"Hostnames or IP addresses."`
	Timeout time.Duration `default:"5s" help:"How long to wait for every reply."`
}

type VersionCmd struct{}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("echoprobe"),
		kong.Description("Measure reachability and round-trip time with ICMP echo."),
	)

	switch ctx.Selected().Name {
	case "version":
		fmt.Println(Version)
		return
	case "batch":
		logger, err := newLogger(cli.Batch.Verbose, cli.Batch.Debug)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		runBatch(cli.Batch, logger)
	default:
		logger, err := newLogger(cli.Ping.Verbose, cli.Ping.Debug)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		runPing(cli.Ping, logger)
	}
}

func runPing(cmd PingCmd, logger *zap.Logger) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	recorder := startMetrics(ctx, cmd.MetricsAddr, logger)
	res := newResolver(cmd.CommonFlags, logger)

	host, err := res.NewHost(ctx, cmd.Target)
	if err != nil {
		fail(err)
	}
	target, _ := host.Address()
	name, ok := host.Hostname()
	if !ok {
		name = target.String()
	}

	cfg := sessionConfig(cmd.CommonFlags, logger, recorder)
	cfg.Count = cmd.Count
	cfg.Interval = cmd.Interval
	cfg.Timeout = cmd.Timeout
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Duration(max(cmd.Count-1, 0))*cmd.Interval + cmd.Wait
	}

	s := session.New(target, cfg)
	var records []model.ProbeRecord
	s.OnResponse = func(r model.ProbeRecord) {
		logger.Info("reply", zap.String("target", name), zap.Uint16("seq", r.Sequence), zap.Duration("latency", r.Latency))
	}
	s.OnComplete = func(r []model.ProbeRecord) {
		records = r
	}
	if err := s.Start(ctx); err != nil {
		fail(err)
	}

	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Stop()
		<-s.Done()
	}

	summary := analyze.Summarize(name, target, s.Identifier(), records)
	render(model.BatchResult{Results: []model.SessionResult{{Summary: summary, Records: records}}}, cmd.Output)
	if summary.Classification != string(analyze.OutcomeReachable) {
		os.Exit(2)
	}
}

func runBatch(cmd BatchCmd, logger *zap.Logger) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	recorder := startMetrics(ctx, cmd.MetricsAddr, logger)
	res := newResolver(cmd.CommonFlags, logger)

	resolved, err := res.ResolveAll(ctx, cmd.Targets)
	if err != nil {
		logger.Warn("some targets did not resolve", zap.Error(err))
	}

	b := batch.New(batch.Config{
		Resolver: res,
		Session:  sessionConfig(cmd.CommonFlags, logger, recorder),
		Logger:   logger,
	})

	var (
		mu      sync.Mutex
		results []model.SessionResult
	)
	handler := func(r batch.Result) {
		var records []model.ProbeRecord
		if r.Delivered {
			records = []model.ProbeRecord{r.Record}
		}
		summary := analyze.Summarize(r.Target, r.Endpoint, r.Identifier, records)
		mu.Lock()
		results = append(results, model.SessionResult{Summary: summary, Records: records})
		mu.Unlock()
	}

	for _, target := range cmd.Targets {
		addrs, ok := resolved[target]
		if !ok {
			continue
		}
		if err := b.PingEndpoint(ctx, target, addrs[0], handler); err != nil {
			logger.Warn("probe not started", zap.String("target", target), zap.Error(err))
			handler(batch.Result{Target: target, Endpoint: addrs[0]})
		}
	}

	complete := b.WaitForCompletion(cmd.Timeout)

	mu.Lock()
	defer mu.Unlock()
	order := make(map[string]int, len(cmd.Targets))
	for i, target := range cmd.Targets {
		order[target] = i
	}
	sort.SliceStable(results, func(i, j int) bool {
		return order[results[i].Summary.Target] < order[results[j].Summary.Target]
	})
	render(model.BatchResult{Results: results}, cmd.Output)
	if !complete || err != nil {
		os.Exit(2)
	}
	for _, r := range results {
		if r.Summary.Classification != string(analyze.OutcomeReachable) {
			os.Exit(2)
		}
	}
}

func newResolver(flags CommonFlags, logger *zap.Logger) *resolver.Resolver {
	family := endpoint.Unspecified
	switch flags.Family {
	case "ipv4":
		family = endpoint.IPv4
	case "ipv6":
		family = endpoint.IPv6
	}
	return resolver.New(resolver.Options{
		Servers: flags.Resolvers,
		Timeout: flags.DNSTimeout,
		Family:  family,
		Logger:  logger,
	})
}

func sessionConfig(flags CommonFlags, logger *zap.Logger, recorder *metrics.Recorder) session.Config {
	policy := session.PolicyStrict
	if flags.Policy == "skip" {
		policy = session.PolicySkip
	}
	return session.Config{
		PayloadSize: flags.Size,
		Policy:      policy,
		TTL:         flags.TTL,
		Privileged:  flags.Privileged,
		Logger:      logger,
		Metrics:     recorder,
	}
}

func startMetrics(ctx context.Context, addr string, logger *zap.Logger) *metrics.Recorder {
	if addr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(reg)
	if err != nil {
		fail(err)
	}
	if err := metrics.NewExporter(addr, reg, logger).Run(ctx); err != nil {
		fail(err)
	}
	return recorder
}

func render(result model.BatchResult, format string) {
	var rendered string
	var err error
	if format == "json" {
		rendered, err = output.RenderJSON(result)
	} else {
		rendered = output.RenderPretty(result)
	}
	if err != nil {
		fail(err)
	}
	fmt.Println(rendered)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func newLogger(verbose bool, debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}
