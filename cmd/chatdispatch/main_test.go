package main

import (
	"context"
	"log/slog"
	"slices"
	"testing"

	"github.com/MrWong99/chatdispatch/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		want  slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		l := newLogger(tt.level)
		if !l.Enabled(context.Background(), tt.want) {
			t.Errorf("newLogger(%q) disables %v", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && l.Enabled(context.Background(), tt.want-4) {
			t.Errorf("newLogger(%q) enables levels below %v", tt.level, tt.want)
		}
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()
	got := splitList(" .env, ,.env.local ")
	if want := []string{".env", ".env.local"}; !slices.Equal(got, want) {
		t.Errorf("splitList = %q, want %q", got, want)
	}
	if got := splitList(""); got != nil {
		t.Errorf("splitList(\"\") = %q, want nil", got)
	}
}
