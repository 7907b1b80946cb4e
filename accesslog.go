package adproxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// AccessLogger writes one record for every request the proxy decides on.
//
// The default line format is
//
//	<client-ip> <status> <method> <url> [=> <message>]
//
// where the message is the rejection reason, the upstream Location header
// or an upstream error. With Color set, each line is tinted by status
// class for terminals. A JSON variant writes the same fields through
// slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	// Quiet suppresses all output.
	Quiet bool

	// Color wraps each line in an ANSI color chosen by status class.
	// Ignored by the JSON variant.
	Color bool

	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	// Timestamp when the request was received.
	Timestamp time.Time

	// ClientIP is the client's address without the port.
	ClientIP string

	// StatusCode sent to the client.
	StatusCode int

	// Method is the HTTP method.
	Method string

	// URL is the absolute request URL.
	URL string

	// Message is the rejection reason, the upstream Location header or an
	// error description. Empty when there is nothing to add.
	Message string

	// Blocked is true if the request never reached upstream because of
	// its verdict.
	Blocked bool

	// Spoofed lists the headers rewritten by spoofing rules.
	Spoofed []string

	// Duration is the time to process the request.
	Duration time.Duration

	// BytesWritten is the response body size relayed to the client.
	BytesWritten int64
}

// NewAccessLogger creates an AccessLogger writing the line format to w.
func NewAccessLogger(w io.Writer) *AccessLogger {
	return &AccessLogger{w: w}
}

// NewJSONAccessLogger creates an AccessLogger that writes structured
// records to logger. For best performance, pass a logger configured with
// slog.NewJSONHandler.
func NewJSONAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessLogEntry) {
	if al == nil || al.Quiet {
		return
	}
	if al.logger != nil {
		al.logAttrs(e)
		return
	}

	line := FormatAccessLine(e)
	if al.Color {
		line = colorize(e.StatusCode, line)
	}
	line += "\n"
	al.mu.Lock()
	defer al.mu.Unlock()
	_, _ = io.WriteString(al.w, line)
}

func (al *AccessLogger) logAttrs(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 10)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("client", e.ClientIP),
		slog.Int("status", e.StatusCode),
		slog.String("method", e.Method),
		slog.String("url", e.URL),
	)

	if e.Blocked {
		attrs = append(attrs, slog.Bool("blocked", true))
	} else {
		attrs = append(attrs, slog.Int64("bytes", e.BytesWritten))
	}

	if e.Message != "" {
		attrs = append(attrs, slog.String("message", e.Message))
	}

	if len(e.Spoofed) > 0 {
		attrs = append(attrs, slog.String("spoofed", strings.Join(e.Spoofed, ",")))
	}

	attrs = append(attrs, slog.Duration("duration", e.Duration))

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}

// FormatAccessLine renders e in the line format, without a trailing newline.
func FormatAccessLine(e AccessLogEntry) string {
	var b strings.Builder
	b.WriteString(e.ClientIP)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(e.StatusCode))
	b.WriteByte(' ')
	b.WriteString(e.Method)
	b.WriteByte(' ')
	b.WriteString(e.URL)
	if e.Message != "" {
		b.WriteString(" => ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// SGR foreground colors indexed by status class.
var statusColors = [...]string{
	1: "36", // cyan
	2: "32", // green
	3: "33", // yellow
	4: "35", // magenta
	5: "31", // red
}

// colorize wraps line in the ANSI color for code's status class. Codes
// outside 1xx-5xx are returned unchanged.
func colorize(code int, line string) string {
	class := code / 100
	if class < 1 || class >= len(statusColors) {
		return line
	}
	return "\x1b[" + statusColors[class] + "m" + line + "\x1b[0m"
}

// clientIP strips the port from a RemoteAddr.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
