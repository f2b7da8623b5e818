package logging

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
)

// capture routes log output into a buffer for the duration of the test.
func capture(t *testing.T, lvl Level, format string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := GetLevel()
	SetOutput(&buf)
	SetLevel(lvl)
	SetFormat(format)
	t.Cleanup(func() {
		SetFormat("text")
		SetOutput(nil)
		SetLevel(original)
	})
	return &buf
}

func TestTextLineLayout(t *testing.T) {
	buf := capture(t, LevelInfo, "text")

	Info("Transfer %s started: %d columns", "abc", 3)

	line := regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} \[INFO\] Transfer abc started: 3 columns\n$`)
	if !line.MatchString(buf.String()) {
		t.Errorf("unexpected text line: %q", buf.String())
	}
}

func TestJSONFields(t *testing.T) {
	tests := []struct {
		name  string
		log   func(string, ...interface{})
		level string
	}{
		{"debug", Debug, "debug"},
		{"info", Info, "info"},
		{"warn", Warn, "warn"},
		{"error", Error, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := capture(t, LevelDebug, "json")

			tt.log("rows=%d", 42)

			var entry map[string]interface{}
			if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
				t.Fatalf("invalid JSON %q: %v", buf.String(), err)
			}
			if _, ok := entry["ts"]; !ok {
				t.Error("missing ts")
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
			if entry["msg"] != "rows=42" {
				t.Errorf("msg = %v", entry["msg"])
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, LevelWarn, "text")

	Debug("hidden debug")
	Info("hidden info")
	Warn("shown warn")
	Error("shown error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("messages below warn were written:\n%s", out)
	}
	if strings.Count(out, "\n") != 2 || !strings.Contains(out, "[WARN] shown warn") || !strings.Contains(out, "[ERROR] shown error") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestUnknownFormatFallsBackToText(t *testing.T) {
	buf := capture(t, LevelInfo, "xml")

	Info("plain")
	if !strings.Contains(buf.String(), "[INFO] plain") {
		t.Errorf("output = %q, want text format", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"Warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"", LevelInfo, true},
		{"trace", LevelInfo, true},
		{" info", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for lvl, want := range map[Level]string{
		LevelDebug: "DEBUG",
		LevelInfo:  "INFO",
		LevelWarn:  "WARN",
		LevelError: "ERROR",
		Level(9):   "UNKNOWN",
	} {
		if got := lvl.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", lvl, got, want)
		}
	}
}
