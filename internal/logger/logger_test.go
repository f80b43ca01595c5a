package logger

import (
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    log.Level
		wantErr bool
	}{
		{"empty defaults to info", "", log.InfoLevel, false},
		{"debug", "debug", log.DebugLevel, false},
		{"mixed case warn", "Warn", log.WarnLevel, false},
		{"warning alias", "WARNING", log.WarnLevel, false},
		{"error", "ERROR", log.ErrorLevel, false},
		{"padded", "  info ", log.InfoLevel, false},
		{"unknown", "verbose", log.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetLevel(t *testing.T) {
	prev := Logger.GetLevel()
	t.Cleanup(func() { Logger.SetLevel(prev) })

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, log.DebugLevel, Logger.GetLevel())

	// empty keeps the current level
	require.NoError(t, SetLevel(""))
	assert.Equal(t, log.DebugLevel, Logger.GetLevel())

	assert.Error(t, SetLevel("loud"))
	assert.Equal(t, log.DebugLevel, Logger.GetLevel())
}
