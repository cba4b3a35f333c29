package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToInfoLevel(t *testing.T) {
	logger := New(Config{Format: "json"})
	require.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
	require.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestNewRespectsDebugLevel(t *testing.T) {
	logger := New(Config{Level: "debug", Format: "json"})
	require.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestColorHandlerWithAttrsDoesNotMutateParent(t *testing.T) {
	h := &colorHandler{level: slog.LevelInfo}
	child := h.WithAttrs([]slog.Attr{slog.String("k", "v")})

	require.Empty(t, h.attrs)
	require.Len(t, child.(*colorHandler).attrs, 1)
}

func TestColorHandlerWithGroupDoesNotMutateParent(t *testing.T) {
	h := &colorHandler{level: slog.LevelInfo}
	child := h.WithGroup("g")

	require.Empty(t, h.groups)
	require.Equal(t, []string{"g"}, child.(*colorHandler).groups)
}
