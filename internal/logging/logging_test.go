package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in       string
		expected zapcore.Level
	}{
		{LevelDebug, zapcore.DebugLevel},
		{LevelInfo, zapcore.InfoLevel},
		{LevelWarn, zapcore.WarnLevel},
		{LevelError, zapcore.ErrorLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, c := range cases {
		if got := ParseLevel(c.in); got != c.expected {
			t.Fatalf("ParseLevel(%q) = %v; want %v", c.in, got, c.expected)
		}
	}
}

func TestNewHonoursAtomicLevel(t *testing.T) {
	logger, level := New(LevelWarn)
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info must be disabled at warn level")
	}

	level.SetLevel(zapcore.DebugLevel)
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug must be enabled after SetLevel")
	}
}
