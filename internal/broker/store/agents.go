package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for agent lookups.
var (
	// ErrAgentNotFound is returned when no agent matches the query.
	ErrAgentNotFound = errors.New("store: agent not found")
	// ErrAgentExists is returned when creating an agent whose id is taken.
	ErrAgentExists = errors.New("store: agent already exists")
)

// Agent is one registered agent identity. The broker token is stored only as
// a SHA-256 hash; the raw token exists solely in the response that delivered
// it to the operator.
type Agent struct {
	ID        string
	TokenHash string
	CreatedAt time.Time
}

// CreateAgent inserts a new agent with its hashed broker token.
func (s *Store) CreateAgent(ctx context.Context, id, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, token_hash, created_at) VALUES (?, ?, ?)
	`, id, tokenHash, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAgentExists
		}
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx, `
		SELECT id, token_hash, created_at FROM agents WHERE id = ?
	`, id))
}

// GetAgentByTokenHash fetches the agent owning the hashed broker token.
// This is the verification path: the caller hashes the presented bearer and
// looks it up, so raw tokens are never compared or stored.
func (s *Store) GetAgentByTokenHash(ctx context.Context, tokenHash string) (*Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx, `
		SELECT id, token_hash, created_at FROM agents WHERE token_hash = ?
	`, tokenHash))
}

// RotateAgentToken replaces the agent's token hash.
func (s *Store) RotateAgentToken(ctx context.Context, id, newTokenHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET token_hash = ? WHERE id = ?
	`, newTokenHash, id)
	if err != nil {
		return fmt.Errorf("rotate agent token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// DeleteAgent revokes an agent. Grants, agent-scoped secrets, and scoped
// tokens cascade.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// ListAgents returns all agents, newest first.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token_hash, created_at FROM agents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.TokenHash, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

func (s *Store) scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.TokenHash, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return &a, nil
}
