package zapadapter

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogCarriesContextFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogger(zap.New(core))

	ctx := NewContextWithID(context.Background(), "req-1")
	ctx = NewContextWithOperation(ctx, "deliver_new_message")
	ctx = NewContextWithAttempt(ctx, 2)
	l.Log(ctx, pgx.LogLevelInfo, "Query", map[string]interface{}{"rowCount": 1})

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "req-1", fields["request_id"])
	require.Equal(t, "deliver_new_message", fields["operation"])
	require.Equal(t, int64(2), fields["tx_attempt"])
	require.EqualValues(t, 1, fields["rowCount"])
}

func TestFieldsOutsideTransaction(t *testing.T) {
	t.Parallel()

	require.Empty(t, Fields(context.Background()))

	_, ok := AttemptFromContext(NewContextWithID(context.Background(), "req-2"))
	require.False(t, ok)
}
