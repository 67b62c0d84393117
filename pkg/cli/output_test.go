package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"portless-dev/portless/pkg/app"
	"portless-dev/portless/pkg/config"
	"portless-dev/portless/pkg/tunnel"
)

var sampleApps = []app.Info{
	{
		Cwd:         "/src/shop",
		ProjectName: "shop",
		State:       app.StateRunning,
		Domains: []config.DomainConfig{
			{Public: "app.example.com", Local: "app.local", Target: "localhost:3000"},
		},
		Tunnels: []tunnel.Record{{URL: "https://app.example.com"}},
	},
	{Cwd: "/src/blog", ProjectName: "blog", State: app.StateStopped},
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{"csv", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
			}
		})
	}
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format OutputFormat
		want   string
	}{
		{FormatText, "*cli.TextFormatter"},
		{FormatJSON, "*cli.JSONFormatter"},
		{"unknown", "*cli.TextFormatter"},
	}
	for _, tt := range tests {
		if got := fmt.Sprintf("%T", NewFormatter(tt.format)); got != tt.want {
			t.Errorf("NewFormatter(%q) type = %v, want %v", tt.format, got, tt.want)
		}
	}
}

func TestTextFormatter_Apps(t *testing.T) {
	var buf bytes.Buffer
	if err := (&TextFormatter{}).FormatTo(&buf, sampleApps); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	for _, want := range []string{"app.example.com -> localhost:3000", "app.local -> localhost:3000", "https://app.example.com", "running"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row %q lacks %q", lines[1], want)
		}
	}
	if !strings.HasPrefix(lines[2], "blog") || !strings.Contains(lines[2], "stopped") {
		t.Errorf("second row = %q", lines[2])
	}
}

func TestTextFormatter_Other(t *testing.T) {
	var buf bytes.Buffer
	if err := (&TextFormatter{}).FormatTo(&buf, []app.Info{}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "No apps running.\n" {
		t.Errorf("empty list = %q", buf.String())
	}

	buf.Reset()
	_ = (&TextFormatter{}).FormatTo(&buf, "test message")
	if buf.String() != "test message\n" {
		t.Errorf("FormatTo() = %q", buf.String())
	}
}

func TestJSONFormatter_Apps(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFormatter(FormatJSON).FormatTo(&buf, sampleApps); err != nil {
		t.Fatal(err)
	}

	var got []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(got) != 2 || got[0]["state"] != "running" || got[0]["project_name"] != "shop" {
		t.Errorf("decoded = %v", got)
	}
}

func TestReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(&buf)
	r.Step("App %s added", "shop")
	r.Error(errors.New("boom"))

	want := "✓ App shop added\n✗ Error: boom\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}
