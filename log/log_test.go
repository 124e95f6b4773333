//go:build unit

package log

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want Level
	}{
		{"error", LevelError},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"info", LevelInfo},
		{"debug", LevelDebug},
		{"  INFO  ", LevelInfo},
		{"Debug", LevelDebug},
	}

	for _, testCase := range cases {
		t.Run(testCase.raw, func(t *testing.T) {
			t.Parallel()

			level, err := ParseLevel(testCase.raw)
			require.NoError(t, err)
			require.Equal(t, testCase.want, level)
		})
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	t.Parallel()

	_, err := ParseLevel("verbose")
	require.Error(t, err)
	require.Contains(t, err.Error(), "verbose")
}

func TestLevelString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "error", LevelError.String())
	require.Equal(t, "warn", LevelWarn.String())
	require.Equal(t, "info", LevelInfo.String())
	require.Equal(t, "debug", LevelDebug.String())
	require.Equal(t, "unknown", Level(42).String())
}

func TestFieldConstructors(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")

	require.Equal(t, Field{Key: "name", Value: "x"}, String("name", "x"))
	require.Equal(t, Field{Key: "count", Value: 3}, Int("count", 3))
	require.Equal(t, Field{Key: "ok", Value: true}, Bool("ok", true))
	require.Equal(t, Field{Key: "raw", Value: 1.5}, Any("raw", 1.5))
	require.Equal(t, Field{Key: "error", Value: err}, Err(err))
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNop()

	// Must not panic on any input.
	logger.Log(context.Background(), LevelError, "dropped", String("k", "v"))
	logger.Log(nil, LevelDebug, "dropped")

	require.Same(t, logger, logger.With(String("k", "v")))
	require.False(t, logger.Enabled(LevelError))
}
