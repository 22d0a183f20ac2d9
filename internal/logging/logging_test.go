package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestStdoutLevelMapping(t *testing.T) {
	cases := []struct {
		verbose int
		want    zapcore.Level
		enabled bool
	}{
		{0, 0, false},
		{1, zapcore.WarnLevel, true},
		{2, zapcore.InfoLevel, true},
		{3, zapcore.DebugLevel, true},
	}
	for _, c := range cases {
		got, enabled := stdoutLevel(c.verbose)
		if enabled != c.enabled {
			t.Fatalf("verbose=%d enabled=%v, want %v", c.verbose, enabled, c.enabled)
		}
		if enabled && got != c.want {
			t.Fatalf("verbose=%d level=%v, want %v", c.verbose, got, c.want)
		}
	}
}
