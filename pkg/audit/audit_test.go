package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

func TestEventLogWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLogWithWriter(&buf)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.EmitPhaseChange(context.Background(), protocol.TransactionPhaseChanged{
		TransactionID: "tx-1",
		From:          protocol.PhaseRequested,
		To:            protocol.PhaseNegotiating,
		At:            at,
	})
	l.EmitReputation(context.Background(), protocol.ReputationUpdated{
		Agent: "agent-a",
		Old:   0.5,
		New:   0.62,
		At:    at,
	})

	scanner := bufio.NewScanner(&buf)
	var events []Event
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 2)

	assert.Equal(t, EventPhaseChange, events[0].Type)
	assert.Equal(t, "NEGOTIATING", events[0].Payload["to"])
	assert.NotEmpty(t, events[0].ID)

	assert.Equal(t, EventReputation, events[1].Type)
	assert.Equal(t, 0.62, events[1].Payload["new"])
	assert.NotEqual(t, events[0].ID, events[1].ID)
}
