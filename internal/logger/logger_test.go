package logger

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want *zapcore.Level
	}{
		{"debug", ptr(zapcore.DebugLevel)},
		{"WARN", ptr(zapcore.WarnLevel)},
		{"error", ptr(zapcore.ErrorLevel)},
		{"", nil},
		{"loud", nil},
	}
	for _, tt := range tests {
		got := parseLevel(tt.in)
		switch {
		case tt.want == nil && got != nil:
			t.Errorf("parseLevel(%q) = %v, want nil", tt.in, *got)
		case tt.want != nil && (got == nil || *got != *tt.want):
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, *tt.want)
		}
	}
}

func ptr(l zapcore.Level) *zapcore.Level { return &l }

func TestNamedAndWith(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := wrap(zap.New(core)).Named("feed").With(String("mode", "new"))

	l.Warn("fetch failed", Error(errors.New("boom")), Int("page", 2))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %v, want 1", len(entries))
	}
	e := entries[0]
	if e.LoggerName != "feed" || e.Level != zapcore.WarnLevel {
		t.Errorf("entry = %s/%s, want feed/warn", e.LoggerName, e.Level)
	}
	fields := e.ContextMap()
	if fields["mode"] != "new" || fields["page"] != int64(2) || fields["error"] != "boom" {
		t.Errorf("fields = %v", fields)
	}
}

func TestNopDiscards(t *testing.T) {
	l := NewNop()
	l.Info("ignored")
	l.Named("x").Debugf("ignored %d", 1)
	if err := l.Sync(); err != nil {
		t.Errorf("Sync() error = %v", err)
	}
}
