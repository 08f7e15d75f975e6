package protocol

import "github.com/google/uuid"

// AgentID uniquely identifies an agent across the protocol.
type AgentID string

// NewAgentID generates a random agent identifier.
func NewAgentID() AgentID {
	return AgentID(uuid.New().String())
}

func (id AgentID) String() string { return string(id) }

// TransactionID uniquely identifies a transaction.
type TransactionID string

// NewTransactionID generates a random transaction identifier.
func NewTransactionID() TransactionID {
	return TransactionID(uuid.New().String())
}

func (id TransactionID) String() string { return string(id) }
