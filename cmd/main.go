package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/threedaymonk/adproxy"
)

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// options holds the command-line flags.
type options struct {
	configPath  string
	filterLists listFlag
	port        int
	quiet       bool
	verbose     bool
	genConfig   bool
	checkURL    string
	checkMethod string
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "path to config file (default: search ./config.json, ~/.adproxy, /etc/adproxy)")
	fs.StringVar(&o.configPath, "c", "", "shorthand for -config")
	fs.Var(&o.filterLists, "f", "filter list file or URL (repeatable)")
	fs.IntVar(&o.port, "p", 0, "listen on specified port (default 8989)")
	fs.BoolVar(&o.quiet, "q", false, "suppress the access log")
	fs.BoolVar(&o.verbose, "v", false, "verbose logging")
	fs.BoolVar(&o.genConfig, "gen-config", false, "generate example config.json and exit")
	fs.StringVar(&o.checkURL, "check", "", "print the verdict for `URL` and exit")
	fs.StringVar(&o.checkMethod, "check-method", http.MethodGet, "method used with -check")
}

// override copies the flags that were set on the command line into cfg.
func (o *options) override(fs *flag.FlagSet, cfg *adproxy.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "f":
			cfg.FilterLists = o.filterLists
		case "p":
			cfg.ListenPort = o.port
		case "q":
			cfg.Quiet = o.quiet
		case "v":
			if o.verbose {
				cfg.Logging.Level = "debug"
			}
		}
	})
}

func main() {
	var opts options
	opts.register(flag.CommandLine)
	flag.Parse()

	// Generate example config mode
	if opts.genConfig {
		if err := adproxy.WriteExampleConfig("config.json"); err != nil {
			fmt.Fprintln(os.Stderr, "generate config:", err)
			os.Exit(1)
		}
		fmt.Println("Generated config.json")
		return
	}

	cfg, err := adproxy.LoadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	// Flags override the config file.
	opts.override(flag.CommandLine, cfg)

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	store := adproxy.NewRuleStore(nil)
	reloader := adproxy.NewReloader(store, cfg.BuildLoader())
	reloader.Logger = logger

	// Check mode: load the lists, print one verdict and exit.
	if opts.checkURL != "" {
		os.Exit(check(reloader, opts.checkMethod, opts.checkURL))
	}

	proxy := adproxy.NewProxy(cfg.Addr(), store)
	proxy.Logger = logger
	proxy.Upstream = cfg.BuildUpstream()
	proxy.MaxConns = cfg.MaxConns
	proxy.AccessLog = newAccessLog(cfg, os.Stdout)
	proxy.HealthChecker = adproxy.NewHealthChecker(store)

	if cfg.Metrics.Enabled {
		proxy.Metrics = adproxy.NewMetrics()
		reloader.Metrics = proxy.Metrics
		logger.Info("prometheus metrics enabled at /metrics")
	}

	if cfg.Admin.Enabled {
		admin := adproxy.NewAdminAPI(proxy, reloader)
		admin.Logger = logger
		admin.PathPrefix = cfg.Admin.PathPrefix
		proxy.Admin = admin
		logger.Info("admin API enabled", "prefix", admin.PathPrefix)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A failed initial load leaves the empty RuleSet in place; the next
	// reload may still succeed.
	if err := reloader.Reload(ctx); err != nil {
		logger.Warn("initial filter load failed", "error", err)
	}

	watcher := reloader.WatchSignals(ctx)
	defer watcher.Cancel()

	if cfg.ReloadInterval > 0 {
		cancel := reloader.StartAutoReload(ctx, cfg.ReloadInterval)
		defer cancel()
		logger.Info("filter auto-reload enabled", "interval", cfg.ReloadInterval)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = proxy.Shutdown(shutdownCtx)
	}()

	proxy.HealthChecker.SetAlive(true)
	logger.Info("starting proxy", "addr", cfg.Addr(), "lists", len(cfg.FilterLists))

	if err := proxy.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("proxy error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *adproxy.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	// Quiet also hides the per-list load notices, which log at info.
	if cfg.Quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newAccessLog(cfg *adproxy.Config, w io.Writer) *adproxy.AccessLogger {
	var al *adproxy.AccessLogger
	switch cfg.Logging.Format {
	case "json":
		al = adproxy.NewJSONAccessLogger(slog.New(slog.NewJSONHandler(w, nil)))
	case "color":
		al = adproxy.NewAccessLogger(w)
		al.Color = true
	default:
		al = adproxy.NewAccessLogger(w)
	}
	al.Quiet = cfg.Quiet
	return al
}

func check(reloader *adproxy.Reloader, method, url string) int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := reloader.Reload(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	v := adproxy.Decide(method, url, reloader.Store.Get())
	if !v.Admitted() {
		fmt.Printf("%d %s %s => %s\n", v.Code, method, url, v.Reason)
		return 0
	}
	fmt.Printf("admit %s %s\n", method, url)
	for _, name := range sortedKeys(v.Header) {
		fmt.Printf("  %s: %s\n", name, v.Header.Get(name))
	}
	return 0
}

func sortedKeys(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
