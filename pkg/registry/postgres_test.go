package registry

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

func pgAgent() *protocol.Agent {
	return &protocol.Agent{
		ID:           "agent-a",
		PublicKey:    []byte{1},
		Capabilities: []string{"data-analysis"},
		Preferences:  protocol.DefaultPreferences(),
		State:        protocol.AgentActive,
	}
}

func TestPostgresRegister(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewPostgresRegistry(db)
	agent := pgAgent()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agents")).
		WithArgs("agent-a", sqlmock.AnyArg(), "ACTIVE", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agent_capabilities")).
		WithArgs("data-analysis", "agent-a").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, r.Register(context.Background(), agent))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRegisterDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewPostgresRegistry(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agents")).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err = r.Register(context.Background(), pgAgent())
	assert.ErrorIs(t, err, protocol.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewPostgresRegistry(db)
	agent := pgAgent()
	raw, err := json.Marshal(agent)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT agent_json FROM agents WHERE id = $1")).
		WithArgs("agent-a").
		WillReturnRows(sqlmock.NewRows([]string{"agent_json"}).AddRow(raw))

	got, err := r.Get(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)
	assert.Equal(t, agent.Capabilities, got.Capabilities)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT agent_json FROM agents WHERE id = $1")).
		WithArgs("agent-x").
		WillReturnRows(sqlmock.NewRows([]string{"agent_json"}))

	_, err = r.Get(context.Background(), "agent-x")
	assert.ErrorIs(t, err, protocol.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListByCapability(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewPostgresRegistry(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT agent_id FROM agent_capabilities WHERE tag = $1 ORDER BY agent_id")).
		WithArgs("data-analysis").
		WillReturnRows(sqlmock.NewRows([]string{"agent_id"}).AddRow("agent-a").AddRow("agent-b"))

	ids, err := r.ListByCapability(context.Background(), "data-analysis")
	require.NoError(t, err)
	assert.Equal(t, []protocol.AgentID{"agent-a", "agent-b"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetState(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewPostgresRegistry(db)
	raw, err := json.Marshal(pgAgent())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT agent_json FROM agents WHERE id = $1 FOR UPDATE")).
		WithArgs("agent-a").
		WillReturnRows(sqlmock.NewRows([]string{"agent_json"}).AddRow(raw))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE agents SET")).
		WithArgs("agent-a", sqlmock.AnyArg(), "INACTIVE", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, r.SetState(context.Background(), "agent-a", protocol.AgentInactive))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateCapabilities(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewPostgresRegistry(db)
	raw, err := json.Marshal(pgAgent())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT agent_json FROM agents WHERE id = $1 FOR UPDATE")).
		WithArgs("agent-a").
		WillReturnRows(sqlmock.NewRows([]string{"agent_json"}).AddRow(raw))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE agents SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM agent_capabilities WHERE agent_id = $1")).
		WithArgs("agent-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agent_capabilities")).
		WithArgs("trading", "agent-a").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, r.UpdateCapabilities(context.Background(), "agent-a", []string{"trading"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
