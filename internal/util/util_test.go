package util

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: 5 * time.Second}
	want := []time.Duration{1, 2, 4, 5, 5, 5}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Errorf("attempt %d: got %v, want %v", i, got, w*time.Second)
		}
	}
}

func TestBackoffJitterBounded(t *testing.T) {
	b := NewBackoff(30 * time.Second)
	b.Rand = func() float64 { return 0.999 }

	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		base := b.Current()
		got := b.Next()
		if got < base || got >= base+b.Jitter {
			t.Errorf("attempt %d: delay %v outside [%v, %v)", i, got, base, base+b.Jitter)
		}
		if base < prev {
			t.Errorf("attempt %d: base %v decreased from %v", i, base, prev)
		}
		if base > 30*time.Second {
			t.Errorf("attempt %d: base %v exceeds cap", i, base)
		}
		prev = base
	}
}

func TestBackoffBaseAboveMax(t *testing.T) {
	b := &Backoff{Base: 10 * time.Second, Max: time.Second}
	if got := b.Next(); got != time.Second {
		t.Errorf("got %v, want 1s", got)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly on cancellation")
	}
}

func TestSleepElapses(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")
	logger, closer, err := NewLoggerWithOptions(LogOptions{Level: "info", Format: "text", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("NewLoggerWithOptions: %v", err)
	}
	logger.Info("hello", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
}
