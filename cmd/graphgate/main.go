package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/graphgate/graphgate/internal/complexity"
	"github.com/graphgate/graphgate/internal/eventbus"
	"github.com/graphgate/graphgate/internal/logging"
	"github.com/graphgate/graphgate/internal/metrics"
	"github.com/graphgate/graphgate/internal/otel"
	"github.com/graphgate/graphgate/internal/persisted"
	"github.com/graphgate/graphgate/internal/pipeline"
	"github.com/graphgate/graphgate/internal/server"
	"github.com/graphgate/graphgate/internal/subscription"
)

const rootUsage = `graphgate — GraphQL gateway over pluggable execution engines

USAGE:
  graphgate <command> [flags]

COMMANDS:
  serve            Run the HTTP gateway with the built-in demo engine
  schema           Print the demo schema SDL
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -server.addr <addr>                 HTTP listen address (default: :8080)
  -server.pretty                      Pretty-print JSON responses
  -server.timeout <duration>          Per-request timeout, e.g. 10s (default: 10s)
  -server.max-body <bytes>            Max request body size (default: 1048576)
  -server.cors-origin <origin>        Allowed CORS origin. Repeatable; use * for any
  -server.playground <bool>           Serve the in-browser IDE on browser GETs (default: true)
  -graphql.introspection <bool>       Enable GraphQL introspection (default: true)
  -limits.max-depth <n>               Max selection depth (0 = unlimited)
  -limits.max-complexity <n>          Max weighted complexity (0 = unlimited)
  -limits.max-aliases <n>             Max alias count (0 = unlimited)
  -limits.max-fields <n>              Max field count (0 = unlimited)
  -limits.cost <Type.field=N>         Per-field cost weight. Repeatable
  -limits.report                      Report computed metrics in response extensions
  -apq.mode <off|auto|safelist>       Persisted query mode (default: off)
  -apq.capacity <n>                   Automatic store capacity (default: 1000)
  -apq.safelist <file>                JSON file of hash to query text, safelist mode
  -subscription.init-timeout <dur>    connection_init deadline (default: 5s)
  -metrics.addr <addr>                Serve prometheus metrics on this address
  -otel.endpoint <addr>               OTLP collector endpoint
  -otel.service <name>                OpenTelemetry service name (default: graphgate)
  -log.level <debug|info|warn|error>  Log level (default: info)
`

const schemaUsage = `schema FLAGS:
  (none; prints the built-in demo schema SDL to stdout)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("graphgate", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "schema":
		return cmdSchema(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Print(serveUsage)
	case "schema":
		fmt.Print(schemaUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type costFlag struct {
	m complexity.Costs
}

func (c *costFlag) String() string { return "" }

func (c *costFlag) Set(v string) error {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid cost %q", v)
	}
	key := strings.TrimSpace(parts[0])
	n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || key == "" {
		return fmt.Errorf("invalid cost %q", v)
	}
	if c.m == nil {
		c.m = complexity.Costs{}
	}
	c.m[key] = n
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func cmdServe(args []string) error {
	addr := ":8080"
	pretty := false
	timeout := 10 * time.Second
	maxBody := int64(1 << 20)
	playground := true
	enableIntrospection := true
	maxDepth := 0
	maxComplexity := 0
	maxAliases := 0
	maxFields := 0
	report := false
	apqMode := "off"
	apqCapacity := 1000
	apqSafelist := ""
	initTimeout := subscription.DefaultInitTimeout
	metricsAddr := ""
	otelEndpoint := ""
	otelService := "graphgate"
	logLevel := "info"
	var corsOrigins stringListFlag
	var costs costFlag

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&addr, "server.addr", addr, "HTTP listen address")
	fs.BoolVar(&pretty, "server.pretty", pretty, "Pretty-print JSON responses")
	fs.DurationVar(&timeout, "server.timeout", timeout, "Per-request timeout")
	fs.Int64Var(&maxBody, "server.max-body", maxBody, "Max request body size")
	fs.Var(&corsOrigins, "server.cors-origin", "Allowed CORS origin")
	fs.BoolVar(&playground, "server.playground", playground, "Serve the in-browser IDE")
	fs.BoolVar(&enableIntrospection, "graphql.introspection", enableIntrospection, "Enable GraphQL introspection")
	fs.IntVar(&maxDepth, "limits.max-depth", maxDepth, "Max selection depth")
	fs.IntVar(&maxComplexity, "limits.max-complexity", maxComplexity, "Max weighted complexity")
	fs.IntVar(&maxAliases, "limits.max-aliases", maxAliases, "Max alias count")
	fs.IntVar(&maxFields, "limits.max-fields", maxFields, "Max field count")
	fs.Var(&costs, "limits.cost", "Per-field cost weight")
	fs.BoolVar(&report, "limits.report", report, "Report metrics in extensions")
	fs.StringVar(&apqMode, "apq.mode", apqMode, "Persisted query mode")
	fs.IntVar(&apqCapacity, "apq.capacity", apqCapacity, "Automatic store capacity")
	fs.StringVar(&apqSafelist, "apq.safelist", apqSafelist, "Safelist JSON file")
	fs.DurationVar(&initTimeout, "subscription.init-timeout", initTimeout, "connection_init deadline")
	fs.StringVar(&metricsAddr, "metrics.addr", metricsAddr, "Prometheus listen address")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	fs.StringVar(&logLevel, "log.level", logLevel, "Log level")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}

	lvl, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	eventbus.Use(eventbus.New())
	logging.Subscribe(logger)

	shutdown, err := otel.Setup(otelEndpoint, otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if metricsAddr != "" {
		m := metrics.New()
		m.Subscribe()
		mmux := http.NewServeMux()
		mmux.Handle("/metrics", m.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mmux); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	popts, err := pipelineOptions(limitsConfig{
		maxDepth:      maxDepth,
		maxComplexity: maxComplexity,
		maxAliases:    maxAliases,
		maxFields:     maxFields,
		costs:         costs.m,
		report:        report,
	}, apqConfig{mode: apqMode, capacity: apqCapacity, safelist: apqSafelist}, enableIntrospection)
	if err != nil {
		return err
	}

	sch, eng, err := demoEngine()
	if err != nil {
		return fmt.Errorf("demo engine: %w", err)
	}
	pipe := pipeline.New(sch, eng, popts...)
	subs := subscription.NewServer(pipe, subscription.WithInitTimeout(initTimeout))

	var sopts []server.Option
	if pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if timeout > 0 {
		sopts = append(sopts, server.WithTimeout(timeout))
	}
	if maxBody > 0 {
		sopts = append(sopts, server.WithMaxBodyBytes(maxBody))
	}
	if len(corsOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(corsOrigins...))
	}
	sopts = append(sopts, server.WithPlayground(playground))
	h := server.New(pipe, subs, sopts...)

	mux := http.NewServeMux()
	mux.Handle("/graphql", h)

	slog.Info("GraphQL gateway listening", "addr", addr)
	return http.ListenAndServe(addr, mux)
}

type limitsConfig struct {
	maxDepth      int
	maxComplexity int
	maxAliases    int
	maxFields     int
	costs         complexity.Costs
	report        bool
}

type apqConfig struct {
	mode     string
	capacity int
	safelist string
}

func pipelineOptions(lc limitsConfig, ac apqConfig, introspection bool) ([]pipeline.Option, error) {
	var popts []pipeline.Option

	limits := complexity.Limits{
		MaxDepth:      lc.maxDepth,
		MaxComplexity: lc.maxComplexity,
		MaxAliases:    lc.maxAliases,
		MaxFields:     lc.maxFields,
	}
	if limits != (complexity.Limits{}) || len(lc.costs) > 0 || lc.report {
		popts = append(popts, pipeline.WithGovernor(complexity.New(
			complexity.WithLimits(limits),
			complexity.WithCosts(lc.costs),
		)))
	}
	if lc.report {
		popts = append(popts, pipeline.WithComplexityReporting())
	}
	if !introspection {
		popts = append(popts, pipeline.WithoutIntrospection())
	}

	switch ac.mode {
	case "off":
	case "auto":
		popts = append(popts, pipeline.WithPersisted(
			persisted.NewHandler(persisted.NewAutomaticStore(ac.capacity))))
	case "safelist":
		if ac.safelist == "" {
			return nil, fmt.Errorf("-apq.safelist is required for safelist mode")
		}
		raw, err := os.ReadFile(ac.safelist)
		if err != nil {
			return nil, fmt.Errorf("read safelist: %w", err)
		}
		var entries map[string]string
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("parse safelist: %w", err)
		}
		popts = append(popts, pipeline.WithPersisted(
			persisted.NewHandler(persisted.NewSafelistStore(entries), persisted.WithoutRegistration())))
	default:
		return nil, fmt.Errorf("unknown -apq.mode %q", ac.mode)
	}
	return popts, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown -log.level %q", s)
}

func cmdSchema(args []string) error {
	if len(args) > 0 {
		fmt.Fprint(os.Stderr, schemaUsage)
		return fmt.Errorf("schema takes no arguments")
	}
	fmt.Print(demoSDL)
	return nil
}
