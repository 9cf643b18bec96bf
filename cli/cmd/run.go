// Package cmd implements the ferret CLI commands.
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/ferretsec/ferret/adapter"
	redisadapter "github.com/ferretsec/ferret/adapter/redis"
	"github.com/ferretsec/ferret/adapter/webhook"
	"github.com/ferretsec/ferret/config"
	"github.com/ferretsec/ferret/log"
	"github.com/ferretsec/ferret/modules"
	"github.com/ferretsec/ferret/scan"
)

// Exit codes.
const (
	exitSuccess     = 0
	exitScanFailure = 1
	exitConfigError = 2
)

// RunCommand returns the run command, the only command that executes work.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Execute a scan against one or more targets",
		UsageText: `ferret run -t <target> [-t <target> ...] [options]

EXAMPLES:
  # Scan a domain, results to stdout as JSON lines
  ferret run -t example.com

  # Multiple targets with a blacklist, results to a file
  ferret run -t example.com -t 10.0.0.0/24 --blacklist internal.example.com \
    -o results.json

  # Report events up to two hops from scope
  ferret run -t example.com --scope-report-distance 2

  # Publish reported events to Redis
  ferret run -t example.com --redis-url redis://localhost:6379`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to YAML config file (defaults for ferret run flags)",
			},
			&cli.StringSliceFlag{
				Name:    "target",
				Aliases: []string{"t"},
				Usage:   "Scan target (host, IP, or CIDR); repeatable",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "Scan name (generated when empty)",
			},
			&cli.StringSliceFlag{
				Name:  "whitelist",
				Usage: "Scope whitelist entry; repeatable (defaults to targets)",
			},
			&cli.StringSliceFlag{
				Name:  "blacklist",
				Usage: "Scope blacklist entry; repeatable",
			},
			&cli.IntFlag{
				Name:  "scope-report-distance",
				Usage: "Maximum scope distance reported externally",
			},
			&cli.BoolFlag{
				Name:  "dns-resolution",
				Usage: "Enable DNS resolution",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output file path (stdout when empty)",
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format: json or msgpack",
			},
			&cli.StringFlag{
				Name:  "redis-url",
				Usage: "Publish reported events to this Redis URL",
			},
			&cli.StringFlag{
				Name:  "redis-prefix",
				Usage: "Redis channel/key namespace (default: " + redisadapter.DefaultPrefix + ")",
			},
			&cli.StringFlag{
				Name:  "webhook-url",
				Usage: "POST reported events to this URL",
			},
			&cli.StringSliceFlag{
				Name:  "webhook-header",
				Usage: "Webhook header as Key=Value; repeatable",
			},
			&cli.StringFlag{
				Name:  "word-cloud",
				Usage: "Path for persisting the word cloud between scans",
			},
			&cli.DurationFlag{
				Name:  "status-interval",
				Usage: "How often to log a status summary",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("ferret: %v", err), exitConfigError)
	}

	level := zapcore.InfoLevel
	if cfg.Verbose {
		level = zapcore.DebugLevel
	}

	s, err := newScan(cfg, level)
	if err != nil {
		return cli.Exit(fmt.Sprintf("ferret: %v", err), exitConfigError)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := s.Run(ctx)
	if err != nil {
		return cli.Exit(fmt.Sprintf("ferret: scan failed: %v", err), exitScanFailure)
	}

	printSummary(summary)
	return nil
}

func newScan(cfg *config.Config, level zapcore.Level) (*scan.Scan, error) {
	logger := log.NewLogger(cfg.Name, level)
	s, err := scan.New(cfg, logger)
	if err != nil {
		return nil, err
	}

	sink, err := buildSink(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.RegisterModule(modules.NewOutput("output", sink, s.ID(), s.Name(), logger)); err != nil {
		return nil, err
	}

	if cfg.Adapter.Type != "" {
		a, err := buildAdapter(cfg, s.ID())
		if err != nil {
			return nil, err
		}
		mod := modules.NewOutput("adapter_"+cfg.Adapter.Type, modules.NewAdapterSink(a), s.ID(), s.Name(), logger)
		if err := s.RegisterModule(mod); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func buildSink(cfg *config.Config) (modules.Sink, error) {
	if cfg.Output.Path == "" {
		return modules.NewWriterSink(os.Stdout, cfg.Output.Format)
	}
	return modules.NewFileSink(cfg.Output.Path, cfg.Output.Format)
}

func buildAdapter(cfg *config.Config, scanID string) (adapter.Adapter, error) {
	switch cfg.Adapter.Type {
	case "redis":
		return redisadapter.New(redisadapter.Config{
			URL:     cfg.Adapter.URL,
			Prefix:  cfg.Adapter.Prefix,
			ScanID:  scanID,
			Timeout: cfg.Adapter.Timeout.Duration,
		})
	case "webhook":
		return webhook.New(webhook.Config{
			URL:       cfg.Adapter.URL,
			Headers:   cfg.Adapter.Headers,
			Timeout:   cfg.Adapter.Timeout.Duration,
			BatchSize: cfg.Adapter.BatchSize,
		})
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Adapter.Type)
	}
}

// buildConfig layers CLI flags over the optional config file.
func buildConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if targets := c.StringSlice("target"); len(targets) > 0 {
		cfg.Targets = targets
	}
	if c.IsSet("name") {
		cfg.Name = c.String("name")
	}
	if wl := c.StringSlice("whitelist"); len(wl) > 0 {
		cfg.Whitelist = wl
	}
	if bl := c.StringSlice("blacklist"); len(bl) > 0 {
		cfg.Blacklist = bl
	}
	if c.IsSet("scope-report-distance") {
		cfg.ScopeReportDistance = c.Int("scope-report-distance")
	}
	if c.IsSet("dns-resolution") {
		cfg.DNSResolution = c.Bool("dns-resolution")
	}
	if c.IsSet("output") {
		cfg.Output.Path = c.String("output")
	}
	if c.IsSet("format") {
		cfg.Output.Format = c.String("format")
	}
	if c.IsSet("word-cloud") {
		cfg.WordCloudPath = c.String("word-cloud")
	}
	if c.IsSet("status-interval") {
		cfg.StatusInterval = config.Duration{Duration: c.Duration("status-interval")}
	}
	if c.IsSet("verbose") {
		cfg.Verbose = c.Bool("verbose")
	}

	if url := c.String("redis-url"); url != "" {
		cfg.Adapter.Type = "redis"
		cfg.Adapter.URL = url
		cfg.Adapter.Prefix = c.String("redis-prefix")
	} else if url := c.String("webhook-url"); url != "" {
		cfg.Adapter.Type = "webhook"
		cfg.Adapter.URL = url
		headers, err := parseHeaders(c.StringSlice("webhook-header"))
		if err != nil {
			return nil, err
		}
		cfg.Adapter.Headers = headers
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseHeaders(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q (expected Key=Value)", entry)
		}
		headers[key] = value
	}
	return headers, nil
}

func printSummary(summary *scan.Summary) {
	w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "\nSCAN\t%s\n", summary.ScanName)
	fmt.Fprintf(w, "DURATION\t%s\n", summary.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "EVENTS\t%d\n", summary.TotalEmitted)
	fmt.Fprintf(w, "WORDS\t%d\n", summary.WordCloudSize)

	eventTypes := make([]string, 0, len(summary.EmittedByType))
	for t := range summary.EmittedByType {
		eventTypes = append(eventTypes, t)
	}
	sort.Slice(eventTypes, func(i, j int) bool {
		return summary.EmittedByType[eventTypes[i]] > summary.EmittedByType[eventTypes[j]]
	})
	for _, t := range eventTypes {
		fmt.Fprintf(w, "  %s\t%d\n", t, summary.EmittedByType[t])
	}
	_ = w.Flush()
}
