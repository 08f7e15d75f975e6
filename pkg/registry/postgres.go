package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

// PostgresRegistry implements Registry with SQL persistence. The
// capability index lives in its own table so ListByCapability is a
// single indexed query.
type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

const pgRegistrySchema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	agent_json JSONB NOT NULL,
	state TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_capabilities (
	tag TEXT NOT NULL,
	agent_id TEXT NOT NULL REFERENCES agents(id),
	PRIMARY KEY (tag, agent_id)
);

CREATE INDEX IF NOT EXISTS idx_agent_capabilities_tag ON agent_capabilities(tag);
`

func (r *PostgresRegistry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, pgRegistrySchema)
	return err
}

func (r *PostgresRegistry) Register(ctx context.Context, agent *protocol.Agent) error {
	if agent == nil {
		return fmt.Errorf("%w: nil agent", protocol.ErrValidation)
	}
	if err := agent.Validate(); err != nil {
		return err
	}

	agentJSON, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (id, agent_json, state, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
		string(agent.ID), agentJSON, string(agent.State), now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: agent %s already registered", protocol.ErrConflict, agent.ID)
		}
		return err
	}

	for _, tag := range agent.Capabilities {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_capabilities (tag, agent_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			tag, string(agent.ID)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *PostgresRegistry) Get(ctx context.Context, id protocol.AgentID) (*protocol.Agent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT agent_json FROM agents WHERE id = $1`, string(id))

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: agent %s", protocol.ErrNotFound, id)
		}
		return nil, err
	}
	var agent protocol.Agent
	if err := json.Unmarshal(raw, &agent); err != nil {
		return nil, fmt.Errorf("decode agent %s: %w", id, err)
	}
	return &agent, nil
}

func (r *PostgresRegistry) UpdatePreferences(ctx context.Context, id protocol.AgentID, prefs protocol.Preferences) error {
	if err := prefs.Validate(); err != nil {
		return err
	}
	return r.mutate(ctx, id, func(agent *protocol.Agent) {
		agent.Preferences = prefs
	})
}

func (r *PostgresRegistry) UpdateCapabilities(ctx context.Context, id protocol.AgentID, caps []string) error {
	if len(caps) == 0 {
		return fmt.Errorf("%w: agent must declare at least one capability", protocol.ErrValidation)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	agent, err := r.getForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	agent.Capabilities = append([]string(nil), caps...)
	if err := r.writeAgent(ctx, tx, agent); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM agent_capabilities WHERE agent_id = $1`, string(id)); err != nil {
		return err
	}
	for _, tag := range caps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_capabilities (tag, agent_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			tag, string(id)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *PostgresRegistry) SetState(ctx context.Context, id protocol.AgentID, state protocol.AgentState) error {
	return r.mutate(ctx, id, func(agent *protocol.Agent) {
		agent.State = state
	})
}

func (r *PostgresRegistry) ListByCapability(ctx context.Context, tag string) ([]protocol.AgentID, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT agent_id FROM agent_capabilities WHERE tag = $1 ORDER BY agent_id`, tag)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []protocol.AgentID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, protocol.AgentID(id))
	}
	return ids, rows.Err()
}

func (r *PostgresRegistry) List(ctx context.Context) ([]*protocol.Agent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT agent_json FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*protocol.Agent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var agent protocol.Agent
		if err := json.Unmarshal(raw, &agent); err != nil {
			return nil, err
		}
		out = append(out, &agent)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) mutate(ctx context.Context, id protocol.AgentID, apply func(*protocol.Agent)) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	agent, err := r.getForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	apply(agent)
	if err := r.writeAgent(ctx, tx, agent); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRegistry) getForUpdate(ctx context.Context, tx *sql.Tx, id protocol.AgentID) (*protocol.Agent, error) {
	row := tx.QueryRowContext(ctx, `SELECT agent_json FROM agents WHERE id = $1 FOR UPDATE`, string(id))

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: agent %s", protocol.ErrNotFound, id)
		}
		return nil, err
	}
	var agent protocol.Agent
	if err := json.Unmarshal(raw, &agent); err != nil {
		return nil, fmt.Errorf("decode agent %s: %w", id, err)
	}
	return &agent, nil
}

func (r *PostgresRegistry) writeAgent(ctx context.Context, tx *sql.Tx, agent *protocol.Agent) error {
	agentJSON, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE agents SET agent_json = $2, state = $3, updated_at = $4 WHERE id = $1`,
		string(agent.ID), agentJSON, string(agent.State), time.Now().UTC())
	return err
}
