package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/solaceprotocol/acp-core/pkg/coordinator"
	"github.com/solaceprotocol/acp-core/pkg/lifecycle"
	"github.com/solaceprotocol/acp-core/pkg/observability"
	"github.com/solaceprotocol/acp-core/pkg/protocol"
	"github.com/solaceprotocol/acp-core/pkg/registry"
	"github.com/solaceprotocol/acp-core/pkg/reputation"
	"github.com/solaceprotocol/acp-core/pkg/signature"
)

// server is the thin JSON translation layer over the coordinator.
type server struct {
	coord   *coordinator.Coordinator
	machine *lifecycle.Machine
	reg     registry.Registry
	rep     *reputation.Store
	obs     *observability.Provider
}

func newServer(coord *coordinator.Coordinator, machine *lifecycle.Machine, reg registry.Registry, rep *reputation.Store, obs *observability.Provider) *server {
	return &server{coord: coord, machine: machine, reg: reg, rep: rep, obs: obs}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /v1/agents/{id}/ban", s.handleBanAgent)
	mux.HandleFunc("POST /v1/agents/state", s.envelopeOp("set_agent_state",
		func(ctx context.Context, env signature.Envelope) (any, error) {
			return s.coord.SetAgentState(ctx, env)
		}))
	mux.HandleFunc("GET /v1/agents/{id}/reputation", s.handleReputation)
	mux.HandleFunc("GET /v1/transactions/{id}", s.handleGetTransaction)

	mux.HandleFunc("POST /v1/requests", s.envelopeOp("submit_request",
		func(ctx context.Context, env signature.Envelope) (any, error) {
			return s.coord.SubmitRequest(ctx, env)
		}))
	mux.HandleFunc("POST /v1/proposals", s.envelopeOp("submit_proposal",
		func(ctx context.Context, env signature.Envelope) (any, error) {
			return s.coord.SubmitProposal(ctx, env)
		}))
	mux.HandleFunc("POST /v1/accept", s.envelopeOp("accept_proposal",
		func(ctx context.Context, env signature.Envelope) (any, error) {
			return s.coord.AcceptProposal(ctx, env)
		}))
	mux.HandleFunc("POST /v1/progress", s.envelopeOp("report_execution_progress",
		func(ctx context.Context, env signature.Envelope) (any, error) {
			return s.coord.ReportExecutionProgress(ctx, env)
		}))
	mux.HandleFunc("POST /v1/evaluations", s.envelopeOp("submit_evaluation",
		func(ctx context.Context, env signature.Envelope) (any, error) {
			return s.coord.SubmitEvaluation(ctx, env)
		}))
	mux.HandleFunc("POST /v1/cancel", s.envelopeOp("cancel_request",
		func(ctx context.Context, env signature.Envelope) (any, error) {
			return s.coord.CancelRequest(ctx, env)
		}))
	return mux
}

// envelopeOp decodes the signed envelope, runs the operation and maps
// the error taxonomy onto HTTP statuses.
func (s *server) envelopeOp(name string, op func(context.Context, signature.Envelope) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if err := protocol.CompatibleVersion(r.Header.Get("X-ACP-Version")); err != nil {
			writeError(w, http.StatusUpgradeRequired, err.Error())
			return
		}
		var env signature.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			writeError(w, http.StatusBadRequest, "malformed envelope")
			return
		}

		out, err := op(r.Context(), env)
		s.obs.RecordDuration(r.Context(), time.Since(start), attribute.String("operation", name))
		if err != nil {
			s.obs.RecordError(r.Context(), err, attribute.String("operation", name))
			writeTaxonomyError(w, err)
			return
		}
		if name == "submit_request" {
			s.obs.RecordTransactionStarted(r.Context())
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var agent protocol.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		writeError(w, http.StatusBadRequest, "malformed agent")
		return
	}
	if err := s.coord.RegisterAgent(r.Context(), &agent); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// handleBanAgent is the operator surface and is not envelope-signed.
func (s *server) handleBanAgent(w http.ResponseWriter, r *http.Request) {
	id := protocol.AgentID(r.PathValue("id"))
	if err := s.coord.BanAgent(r.Context(), id); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	agent, err := s.reg.Get(r.Context(), id)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.reg.List(r.Context())
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *server) handleReputation(w http.ResponseWriter, r *http.Request) {
	id := protocol.AgentID(r.PathValue("id"))
	score, err := s.rep.Get(r.Context(), id)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	history, err := s.rep.History(r.Context(), id)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"score": score, "history": history})
}

func (s *server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.machine.Get(r.Context(), protocol.TransactionID(r.PathValue("id")))
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func writeTaxonomyError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, protocol.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, protocol.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, protocol.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, protocol.ErrInsufficientReputation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, protocol.ErrNegotiationTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, protocol.ErrSettlement):
		status = http.StatusBadGateway
	case errors.Is(err, coordinator.ErrRateLimited):
		status = http.StatusTooManyRequests
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "err", err)
	}
}
