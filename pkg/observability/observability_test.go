package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderIsSafe(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()

	// Every recorder must be a no-op, never a panic.
	p.RecordRequest(ctx)
	p.RecordError(ctx, errors.New("boom"))
	p.RecordStepExecuted(ctx, "adjust_level")
	p.RecordGuardFailure(ctx)
	p.RecordHalt(ctx, "revoked")
	p.RecordCheckpoint(ctx)

	ctx, done := p.TrackRequest(ctx, "execute_step", attribute.String("lane", "default"))
	assert.NotNil(t, ctx)
	done(errors.New("boom"))

	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "selfsession", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}

func TestSpanFromDisabledProvider(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "grant_consent")
	require.NotNil(t, span)
	span.End()
	assert.NotNil(t, ctx)
}
