package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"info", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"trace", zerolog.TraceLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"disabled", zerolog.Disabled},
		{"  INFO  ", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.input), "input %q", tt.input)
	}
}

func TestInitSetsGlobalLevel(t *testing.T) {
	defer Init(Config{Format: "json", Level: "info"})

	Init(Config{Format: "json", Level: "warn", Component: "test"})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestComponentLogger(t *testing.T) {
	Init(Config{Format: "json", Level: "info"})
	logger := Component("htm")
	// Logger derivation must not panic and must remain usable.
	logger.Info().Msg("component logger smoke")
}
