package reputation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

const genesisHash = "genesis"

// Event is one immutable, hash-chained entry in an agent's reputation
// log. The chain makes the history tamper-evident and lets the current
// score be reconstructed from the seed.
type Event struct {
	Sequence uint64    `json:"sequence"`
	Type     EventType `json:"type"`
	Delta    float64   `json:"delta"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
	PrevHash string    `json:"prev_hash"`
	Hash     string    `json:"hash"`
}

// record is the persisted shape: current score plus its full log. Both
// change in a single compare-and-swap, so an appended event and the
// score it produced are always committed together.
type record struct {
	Agent     protocol.AgentID `json:"agent"`
	Value     float64          `json:"value"`
	Weight    float64          `json:"weight"`
	UpdatedAt time.Time        `json:"updated_at"`
	Head      string           `json:"head"`
	Events    []Event          `json:"events,omitempty"`
}

func (r *record) snapshot() Score {
	return Score{Agent: r.Agent, Value: r.Value, Weight: r.Weight, UpdatedAt: r.UpdatedAt}
}

func (r *record) appendEvent(ev Event) {
	ev.Sequence = uint64(len(r.Events)) + 1
	if r.Head == "" {
		r.Head = genesisHash
	}
	ev.PrevHash = r.Head
	ev.Hash = eventHash(ev)
	r.Events = append(r.Events, ev)
	r.Head = ev.Hash
}

func eventHash(ev Event) string {
	input := struct {
		Seq    uint64    `json:"seq"`
		Type   EventType `json:"type"`
		Delta  float64   `json:"delta"`
		Reason string    `json:"reason"`
		At     time.Time `json:"at"`
		Prev   string    `json:"prev"`
	}{ev.Sequence, ev.Type, ev.Delta, ev.Reason, ev.At, ev.PrevHash}

	raw, _ := json.Marshal(input)
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:])
}

// VerifyLog checks the integrity of an event chain.
func VerifyLog(events []Event) (bool, string) {
	prev := genesisHash
	for i, ev := range events {
		if ev.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at event %d: expected prev %s, got %s", i+1, prev, ev.PrevHash)
		}
		if eventHash(ev) != ev.Hash {
			return false, fmt.Sprintf("hash mismatch at event %d", i+1)
		}
		prev = ev.Hash
	}
	return true, "chain verified"
}
