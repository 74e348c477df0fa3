package log

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCtx(t *testing.T) {
	ctx := context.Background()

	// without a logger in the context we get the default
	assert.Equal(t, defaultLogger, Ctx(ctx))

	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx = With(ctx, l)
	require.Equal(t, l, Ctx(ctx))

	Ctx(ctx).InfoContext(ctx, "hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestSetDefaultLogLevel(t *testing.T) {
	ctx := context.Background()
	defer SetDefaultLogLevel(slog.LevelInfo)

	assert.False(t, Ctx(ctx).Enabled(ctx, slog.LevelDebug))

	SetDefaultLogLevel(slog.LevelDebug)
	assert.True(t, Ctx(ctx).Enabled(ctx, slog.LevelDebug))

	SetDefaultLogLevel(slog.LevelError)
	assert.False(t, Ctx(ctx).Enabled(ctx, slog.LevelInfo))
	assert.True(t, Ctx(ctx).Enabled(ctx, slog.LevelError))
}
