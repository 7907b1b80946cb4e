package adproxy

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestFormatAccessLine(t *testing.T) {
	tests := []struct {
		name  string
		entry AccessLogEntry
		want  string
	}{
		{
			name:  "blocked",
			entry: AccessLogEntry{ClientIP: "10.0.0.5", StatusCode: 403, Method: "GET", URL: "http://doubleclick.net/ad.js", Message: ReasonBlacklisted},
			want:  "10.0.0.5 403 GET http://doubleclick.net/ad.js => Blacklisted",
		},
		{
			name:  "relayed",
			entry: AccessLogEntry{ClientIP: "10.0.0.5", StatusCode: 200, Method: "POST", URL: "http://example.org/form"},
			want:  "10.0.0.5 200 POST http://example.org/form",
		},
		{
			name:  "redirect",
			entry: AccessLogEntry{ClientIP: "::1", StatusCode: 301, Method: "GET", URL: "http://example.org/", Message: "https://example.org/"},
			want:  "::1 301 GET http://example.org/ => https://example.org/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatAccessLine(tt.entry); got != tt.want {
				t.Errorf("FormatAccessLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAccessLogger_Line(t *testing.T) {
	var buf bytes.Buffer
	al := NewAccessLogger(&buf)

	al.Log(AccessLogEntry{ClientIP: "1.2.3.4", StatusCode: 501, Method: "OPTIONS", URL: "http://x/", Message: ReasonUnsupported})
	al.Log(AccessLogEntry{ClientIP: "1.2.3.4", StatusCode: 200, Method: "GET", URL: "http://y/"})

	want := "1.2.3.4 501 OPTIONS http://x/ => Unsupported\n1.2.3.4 200 GET http://y/\n"
	if buf.String() != want {
		t.Errorf("log = %q, want %q", buf.String(), want)
	}
}

func TestAccessLogger_Color(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{101, "\x1b[36m"},
		{200, "\x1b[32m"},
		{302, "\x1b[33m"},
		{403, "\x1b[35m"},
		{500, "\x1b[31m"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		al := NewAccessLogger(&buf)
		al.Color = true

		e := AccessLogEntry{ClientIP: "1.2.3.4", StatusCode: tt.code, Method: "GET", URL: "http://x/"}
		al.Log(e)

		want := tt.want + FormatAccessLine(e) + "\x1b[0m\n"
		if buf.String() != want {
			t.Errorf("status %d: log = %q, want %q", tt.code, buf.String(), want)
		}
	}
}

func TestColorize_UnknownClass(t *testing.T) {
	for _, code := range []int{0, 99, 600} {
		if got := colorize(code, "line"); got != "line" {
			t.Errorf("colorize(%d) = %q, want plain line", code, got)
		}
	}
}

func TestAccessLogger_Quiet(t *testing.T) {
	var buf bytes.Buffer
	al := NewAccessLogger(&buf)
	al.Quiet = true

	al.Log(AccessLogEntry{ClientIP: "1.2.3.4", StatusCode: 403, Method: "GET", URL: "http://x/"})
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote %q", buf.String())
	}
}

func TestAccessLogger_Nil(t *testing.T) {
	var al *AccessLogger
	al.Log(AccessLogEntry{StatusCode: 200})
}

func TestAccessLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	al := NewJSONAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	al.Log(AccessLogEntry{
		Timestamp:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		ClientIP:   "10.1.1.1",
		StatusCode: 403,
		Method:     "GET",
		URL:        "http://ads.example/",
		Message:    ReasonBlacklisted,
		Blocked:    true,
		Duration:   time.Millisecond,
	})
	al.Log(AccessLogEntry{
		ClientIP:     "10.1.1.1",
		StatusCode:   200,
		Method:       "GET",
		URL:          "http://news.example/",
		Spoofed:      []string{"Referer", "User-Agent"},
		BytesWritten: 1234,
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}

	var blocked map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &blocked); err != nil {
		t.Fatal(err)
	}
	if blocked["msg"] != "access" || blocked["client"] != "10.1.1.1" || blocked["message"] != "Blacklisted" {
		t.Errorf("blocked record = %v", blocked)
	}
	if blocked["status"] != float64(403) || blocked["blocked"] != true {
		t.Errorf("blocked record = %v", blocked)
	}
	if _, ok := blocked["bytes"]; ok {
		t.Error("blocked record has a byte count")
	}

	var relayed map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &relayed); err != nil {
		t.Fatal(err)
	}
	if relayed["bytes"] != float64(1234) || relayed["spoofed"] != "Referer,User-Agent" {
		t.Errorf("relayed record = %v", relayed)
	}
	if _, ok := relayed["message"]; ok {
		t.Error("relayed record has an empty message")
	}
}

func TestClientIP(t *testing.T) {
	tests := map[string]string{
		"192.0.2.1:1234": "192.0.2.1",
		"[::1]:8080":     "::1",
		"no-port":        "no-port",
	}
	for in, want := range tests {
		if got := clientIP(in); got != want {
			t.Errorf("clientIP(%q) = %q, want %q", in, got, want)
		}
	}
}
