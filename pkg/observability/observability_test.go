package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// None of these should panic or export anything.
	p.RecordTransactionStarted(ctx)
	p.RecordPhaseChange(ctx, protocol.PhaseCompleted)
	p.RecordPhaseChange(ctx, protocol.PhaseFailed)
	p.RecordNegotiationRounds(ctx, 3)
	p.RecordError(ctx, errors.New("boom"))
	p.RecordDuration(ctx, 10*time.Millisecond)

	_, span := p.StartSpan(ctx, "test")
	span.End()

	assert.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfigDisabled(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "acp-core", cfg.ServiceName)
	assert.Equal(t, protocol.Version, cfg.ServiceVersion)
}
