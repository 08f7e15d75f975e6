// Package signature authenticates agent-originated operations. Signing
// happens on the agent side; the core only verifies, over a canonical
// JSON encoding so both sides agree on the exact bytes.
package signature

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

// Verifier checks a detached signature over a message.
type Verifier interface {
	Verify(publicKey, message, sig []byte) bool
}

// Ed25519Verifier implements Verifier using Ed25519.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(publicKey, message, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, sig)
}

// Canonical returns the RFC 8785 (JCS) canonical JSON encoding of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return canon, nil
}

// Envelope carries a payload with its author and detached signature.
// The signature covers the canonical encoding of the payload.
type Envelope struct {
	Agent     protocol.AgentID `json:"agent"`
	Payload   json.RawMessage  `json:"payload"`
	Signature []byte           `json:"signature"`
}

// Seal signs a payload for tests and client-side tooling.
func Seal(agent protocol.AgentID, priv ed25519.PrivateKey, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return Envelope{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	return Envelope{
		Agent:     agent,
		Payload:   raw,
		Signature: ed25519.Sign(priv, canon),
	}, nil
}

// Open verifies the envelope against the agent's public key and
// decodes the payload into out.
func Open(v Verifier, publicKey []byte, env Envelope, out any) error {
	canon, err := jcs.Transform(env.Payload)
	if err != nil {
		return fmt.Errorf("%w: malformed payload: %v", protocol.ErrValidation, err)
	}
	if !v.Verify(publicKey, canon, env.Signature) {
		return fmt.Errorf("%w: signature verification failed for agent %s", protocol.ErrValidation, env.Agent)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("%w: decode payload: %v", protocol.ErrValidation, err)
	}
	return nil
}
