package protocol

import (
	"encoding/json"
	"fmt"
)

// Phase is the lifecycle phase of a transaction. The set is closed:
// consumers switch over every constant so the compiler catches gaps.
type Phase int

const (
	PhaseRequested Phase = iota
	PhaseNegotiating
	PhaseAccepted
	PhaseExecuting
	PhaseEvaluating
	PhaseCompleted
	PhaseFailed
	PhaseCancelled
	PhaseExpired
)

var phaseNames = map[Phase]string{
	PhaseRequested:   "REQUESTED",
	PhaseNegotiating: "NEGOTIATING",
	PhaseAccepted:    "ACCEPTED",
	PhaseExecuting:   "EXECUTING",
	PhaseEvaluating:  "EVALUATING",
	PhaseCompleted:   "COMPLETED",
	PhaseFailed:      "FAILED",
	PhaseCancelled:   "CANCELLED",
	PhaseExpired:     "EXPIRED",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PHASE(%d)", int(p))
}

// Terminal reports whether the phase is final. A terminal transaction
// never transitions again.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled, PhaseExpired:
		return true
	}
	return false
}

func (p Phase) MarshalJSON() ([]byte, error) {
	name, ok := phaseNames[p]
	if !ok {
		return nil, fmt.Errorf("unknown phase %d", int(p))
	}
	return json.Marshal(name)
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for phase, n := range phaseNames {
		if n == name {
			*p = phase
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", name)
}
