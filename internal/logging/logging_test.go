package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" DEBUG ", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{input: "", want: FormatJSON},
		{input: "json", want: FormatJSON},
		{input: "Text", want: FormatText},
		{input: "logfmt", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.input)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseFormat(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("warn", FormatJSON, &buf).Warn("flag rejected", "flag", "new-checkout")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode record %q: %v", buf.String(), err)
	}
	if record["service"] != "rollout" || record["flag"] != "new-checkout" || record["msg"] != "flag rejected" {
		t.Fatalf("record = %v, want service, flag and msg fields", record)
	}
}

func TestNewWithWriterText(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("warn", FormatText, &buf)
	log.Info("cache reloaded")
	log.Error("listen failed")

	out := buf.String()
	if strings.Contains(out, "cache reloaded") {
		t.Fatalf("info record logged at warn level: %s", out)
	}
	if !strings.Contains(out, `msg="listen failed"`) || !strings.Contains(out, "service=rollout") {
		t.Fatalf("text output = %q, want msg and service", out)
	}
}
