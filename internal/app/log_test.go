package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLogHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		opID    string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			opID:    "20240615T143045Z",
			level:   slog.LevelInfo,
			message: "import completed",
			want:    "2024-06-15T14:30:45Z\tINFO\t20240615T143045Z\timport completed\n",
		},
		{
			name:    "warn level",
			opID:    "op-2",
			level:   slog.LevelWarn,
			message: "annotation file missing",
			want:    "2024-06-15T14:30:45Z\tWARN\top-2\tannotation file missing\n",
		},
		{
			name:    "with record attrs",
			opID:    "op-3",
			level:   slog.LevelInfo,
			message: "entity created",
			attrs:   []slog.Attr{slog.String("kind", "reagent"), slog.Int64("new_id", 42)},
			want:    "2024-06-15T14:30:45Z\tINFO\top-3\tentity created\tkind=reagent\tnew_id=42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &logHandler{w: &buf, opID: tt.opID, level: slog.LevelDebug}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			r.AddAttrs(tt.attrs...)

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestLogHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &logHandler{w: &buf, opID: "op-1", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("session", "s-1")}).(*logHandler)
	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}

	r := slog.NewRecord(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), slog.LevelInfo, "revert", 0)
	r.AddAttrs(slog.String("kind", "tag"))
	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	for _, want := range []string{"a=1", "session=s-1", "kind=tag"} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %s", got, want)
		}
	}
}

func TestLogHandler_Enabled(t *testing.T) {
	tests := []struct {
		config string
		level  slog.Level
		want   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"warn", slog.LevelInfo, false},
		{"warn", slog.LevelError, true},
		{"error", slog.LevelWarn, false},
	}
	for _, tt := range tests {
		h := &logHandler{level: parseLevel(tt.config)}
		if got := h.Enabled(context.Background(), tt.level); got != tt.want {
			t.Errorf("level %q: Enabled(%v) = %v, want %v", tt.config, tt.level, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")

	logger, f, err := newLogger(dir, "test-op", "info")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	logger.Debug("hidden")
	logger.Info("shown", "k", "v")

	data, err := os.ReadFile(filepath.Join(dir, "labport.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if strings.Contains(string(data), "hidden") {
		t.Error("debug record written at info level")
	}
	if !strings.Contains(string(data), "test-op\tshown\tk=v") {
		t.Errorf("log file = %q, want the info record", data)
	}
}
