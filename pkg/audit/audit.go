// Package audit records domain events as JSON lines. The log is the
// operator-facing trail of every phase change and reputation update.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventPhaseChange EventType = "PHASE_CHANGE"
	EventReputation  EventType = "REPUTATION"
)

// Event is one structured audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventLog is a protocol.Emitter writing JSON lines to a sink. Safe
// for concurrent use.
type EventLog struct {
	mu     sync.Mutex
	writer io.Writer
	log    *slog.Logger
}

// NewEventLog writes to os.Stdout.
func NewEventLog() *EventLog {
	return NewEventLogWithWriter(os.Stdout)
}

// NewEventLogWithWriter allows injection for testing and custom sinks.
func NewEventLogWithWriter(w io.Writer) *EventLog {
	if w == nil {
		w = os.Stdout
	}
	return &EventLog{writer: w, log: slog.Default()}
}

func (l *EventLog) EmitPhaseChange(_ context.Context, e protocol.TransactionPhaseChanged) {
	l.record(EventPhaseChange, e.At, map[string]any{
		"transaction_id": e.TransactionID,
		"from":           e.From.String(),
		"to":             e.To.String(),
	})
}

func (l *EventLog) EmitReputation(_ context.Context, e protocol.ReputationUpdated) {
	l.record(EventReputation, e.At, map[string]any{
		"agent": e.Agent,
		"old":   e.Old,
		"new":   e.New,
	})
}

func (l *EventLog) record(et EventType, at time.Time, payload map[string]any) {
	event := Event{
		ID:        uuid.New().String(),
		Type:      et,
		Timestamp: at,
		Payload:   payload,
	}
	line, err := json.Marshal(event)
	if err != nil {
		l.log.Error("audit event marshal failed", "type", et, "err", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(line); err != nil {
		l.log.Error("audit event write failed", "type", et, "err", err)
	}
}
