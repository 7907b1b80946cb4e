package main

import (
	"bytes"
	"flag"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/threedaymonk/adproxy"
)

func parseFlags(t *testing.T, args ...string) (*options, *flag.FlagSet) {
	t.Helper()
	var opts options
	fs := flag.NewFlagSet("adproxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	opts.register(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return &opts, fs
}

func TestOverride(t *testing.T) {
	opts, fs := parseFlags(t, "-p", "9000", "-f", "a.txt", "-f", "http://lists.example/b.txt", "-q", "-v")

	cfg := adproxy.DefaultConfig()
	cfg.FilterLists = []string{"from-file.txt"}
	opts.override(fs, &cfg)

	if cfg.ListenPort != 9000 {
		t.Errorf("ListenPort = %d, want 9000", cfg.ListenPort)
	}
	if want := []string{"a.txt", "http://lists.example/b.txt"}; !slices.Equal(cfg.FilterLists, want) {
		t.Errorf("FilterLists = %v, want %v", cfg.FilterLists, want)
	}
	if !cfg.Quiet {
		t.Error("Quiet not set")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestOverride_UnsetFlagsKeepConfig(t *testing.T) {
	opts, fs := parseFlags(t)

	cfg := adproxy.DefaultConfig()
	cfg.ListenPort = 7000
	cfg.FilterLists = []string{"from-file.txt"}
	opts.override(fs, &cfg)

	if cfg.ListenPort != 7000 || !slices.Equal(cfg.FilterLists, []string{"from-file.txt"}) {
		t.Errorf("config changed without flags: %+v", cfg)
	}
}

func TestOverride_VerboseFalse(t *testing.T) {
	opts, fs := parseFlags(t, "-v=false")

	cfg := adproxy.DefaultConfig()
	cfg.Logging.Level = "warn"
	opts.override(fs, &cfg)

	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestNewLogger_Quiet(t *testing.T) {
	cfg := adproxy.DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Quiet = true

	if newLogger(&cfg).Enabled(t.Context(), slog.LevelInfo) {
		t.Error("quiet logger emits info records")
	}
}

func TestNewAccessLog(t *testing.T) {
	entry := adproxy.AccessLogEntry{ClientIP: "10.0.0.1", StatusCode: 403, Method: "GET", URL: "http://ads.example/", Message: adproxy.ReasonBlacklisted}

	tests := []struct {
		format string
		check  func(string) bool
	}{
		{"line", func(s string) bool { return s == adproxy.FormatAccessLine(entry)+"\n" }},
		{"color", func(s string) bool { return strings.HasPrefix(s, "\x1b[35m") && strings.Contains(s, "=> Blacklisted") }},
		{"json", func(s string) bool { return strings.Contains(s, `"status":403`) }},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			cfg := adproxy.DefaultConfig()
			cfg.Logging.Format = tt.format

			var buf bytes.Buffer
			newAccessLog(&cfg, &buf).Log(entry)
			if !tt.check(buf.String()) {
				t.Errorf("output = %q", buf.String())
			}
		})
	}
}
