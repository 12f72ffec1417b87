package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		env   string
		debug bool
	}{
		{"", true},
		{"development", true},
		{"staging", false},
		{"production", false},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			l := newLogger(tt.env)
			assert.Equal(t, tt.debug, l.Enabled(context.Background(), slog.LevelDebug))
			assert.True(t, l.Enabled(context.Background(), slog.LevelInfo))
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("JOBCORE_ENV", "qa")
	t.Setenv("DATABASE_URL", "sqlite::memory:")

	err := run()
	assert.ErrorContains(t, err, "load config")
}
