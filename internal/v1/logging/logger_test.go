package logging

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// resetLogger resets the global logger instance for testing
func resetLogger() {
	logger = nil
	once = sync.Once{}
}

func TestGetLogger_Fallback(t *testing.T) {
	resetLogger()
	l := GetLogger()
	assert.NotNil(t, l, "GetLogger should return a fallback logger if not initialized")
}

func TestGetLogger_Singleton(t *testing.T) {
	resetLogger()
	err := Initialize(true)
	assert.NoError(t, err)

	l1 := GetLogger()
	l2 := GetLogger()

	assert.NotNil(t, l1)
	assert.NotNil(t, l2)
	assert.Equal(t, l1, l2, "GetLogger should return the same instance after initialization")
}

func TestContextFieldsFlowIntoEntries(t *testing.T) {
	resetLogger()

	core, logs := observer.New(zap.InfoLevel)
	logger = zap.New(core)

	Info(context.Background(), "plain")
	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, "plain", logs.All()[0].Message)

	ctx := WithChannel(context.Background(), "acme/room-123")
	ctx = WithSession(ctx, "sess-456", "guest-abc")

	Info(ctx, "scoped")

	assert.Equal(t, 2, logs.Len())
	entry := logs.All()[1]
	assert.Equal(t, "scoped", entry.Message)

	fields := entry.ContextMap()
	assert.Equal(t, "acme/room-123", fields["channel_id"])
	assert.Equal(t, "sess-456", fields["session_id"])
	assert.Equal(t, "guest-abc", fields["user_key"])
}

func TestEmailUserKeysAreRedactedInFields(t *testing.T) {
	resetLogger()

	core, logs := observer.New(zap.InfoLevel)
	logger = zap.New(core)

	ctx := WithSession(context.Background(), "sess-1", "alice@example.com")
	Info(ctx, "joined")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "***@example.com", fields["user_key"])
}

func TestHelperMethods(t *testing.T) {
	resetLogger()

	core, logs := observer.New(zap.DebugLevel)
	logger = zap.New(core)

	ctx := context.Background()

	Debug(ctx, "debug msg")
	Info(ctx, "info msg", zap.String("key", "val"))
	Warn(ctx, "warn msg")
	Error(ctx, "error msg")

	assert.Equal(t, 4, logs.Len())
	assert.Equal(t, zap.DebugLevel, logs.All()[0].Level)
	assert.Equal(t, zap.InfoLevel, logs.All()[1].Level)
	assert.Equal(t, zap.WarnLevel, logs.All()[2].Level)
	assert.Equal(t, zap.ErrorLevel, logs.All()[3].Level)
}

func TestInitialize(t *testing.T) {
	resetLogger()
	err := Initialize(true)
	assert.NoError(t, err)
	assert.NotNil(t, logger)

	// Should be idempotent
	l1 := logger
	err = Initialize(false)
	assert.NoError(t, err)
	assert.Equal(t, l1, logger)
}

func TestAppendContextFields(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "req-1")
	ctx = WithChannel(ctx, "acme/r1")
	ctx = WithSession(ctx, "s1", "u1")

	fields := appendContextFields(ctx, []zap.Field{})

	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}

	assert.Equal(t, "req-1", enc.Fields["correlation_id"])
	assert.Equal(t, "acme/r1", enc.Fields["channel_id"])
	assert.Equal(t, "s1", enc.Fields["session_id"])
	assert.Equal(t, "u1", enc.Fields["user_key"])
	assert.Equal(t, "signaling-core", enc.Fields["service"])
}

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "", RedactEmail(""))
	assert.Equal(t, "***@example.com", RedactEmail("user@example.com"))
	assert.Equal(t, "***@sub.domain.com", RedactEmail("firstname.lastname@sub.domain.com"))
	// Non-email user keys (guest keys) pass through untouched.
	assert.Equal(t, "guest-session7", RedactEmail("guest-session7"))
}
