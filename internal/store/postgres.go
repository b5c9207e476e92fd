package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"switchdesk/internal/agents"
	"switchdesk/internal/calls"
	"switchdesk/pkg/utils"
)

// NOTE: This registry assumes the following tables exist:
// - calls (never deleted; terminal rows retained for history)
// - agents (provisioned outside this service)
// - parked_calls (transient; one row per parked call, PRIMARY KEY (call_id))

const callColumns = `
id, organization_id, direction, from_number, to_number, external_leg_id,
status, assigned_to, answered_by,
created_at, started_at, answered_at, ended_at, duration
`

// Postgres implements Registry on database/sql with the pgx stdlib driver.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) CreateCall(ctx context.Context, c calls.Call) error {
	const q = `
INSERT INTO calls (
  id, organization_id, direction, from_number, to_number, external_leg_id,
  status, assigned_to, answered_by, created_at, started_at, answered_at, ended_at, duration
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
`
	_, err := p.db.ExecContext(ctx, q,
		c.ID,
		c.OrganizationID,
		c.Direction,
		c.FromNumber,
		c.ToNumber,
		c.ExternalLegID,
		c.Status,
		c.AssignedTo,
		c.AnsweredBy,
		c.CreatedAt,
		c.StartedAt,
		c.AnsweredAt,
		c.EndedAt,
		c.DurationSeconds,
	)
	return err
}

func (p *Postgres) GetCall(ctx context.Context, callID string) (calls.Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	return scanCall(p.db.QueryRowContext(ctx, q, callID))
}

func (p *Postgres) FindCallByLeg(ctx context.Context, externalLegID string) (calls.Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE external_leg_id = $1`
	return scanCall(p.db.QueryRowContext(ctx, q, externalLegID))
}

// ClaimCall performs the arbitration write as one conditional statement.
// The WHERE clause mirrors calls.CanClaim; never split this into a read
// followed by a write, since two racing agents would both observe an
// unassigned call and both proceed. The write and the loss-classification
// read share one transaction so the loser reports the state that beat it.
func (p *Postgres) ClaimCall(ctx context.Context, callID, agentID string, now time.Time) (c calls.Call, won bool, err error) {
	const q = `
UPDATE calls
SET assigned_to = $1,
    answered_by = COALESCE(answered_by, $1),
    status = $2,
    started_at = COALESCE(started_at, $3),
    answered_at = COALESCE(answered_at, $3)
WHERE id = $4
  AND ((status = $5 AND assigned_to IS NULL) OR status = $6)
RETURNING ` + callColumns

	err = utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		cur, serr := scanCall(tx.QueryRowContext(ctx, q,
			agentID,
			calls.StatusInProgress,
			now,
			callID,
			calls.StatusRinging,
			calls.StatusParked,
		))
		if serr == nil {
			c, won = cur, true
			return nil
		}
		if !errors.Is(serr, ErrNotFound) {
			return serr
		}

		// Lost or missing; re-read only to classify the failure.
		cur, serr = scanCall(tx.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, callID))
		if serr != nil {
			return serr
		}
		c, won = cur, false
		return nil
	})
	if err != nil {
		return calls.Call{}, false, err
	}
	return c, won, nil
}

const updateCallIfQuery = `
UPDATE calls
SET status = $1, assigned_to = $2, answered_by = $3,
    started_at = $4, answered_at = $5, ended_at = $6, duration = $7
WHERE id = $8 AND status = $9
`

func (p *Postgres) UpdateCallIf(ctx context.Context, c calls.Call, expect calls.CallStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx, updateCallIfQuery,
		c.Status,
		c.AssignedTo,
		c.AnsweredBy,
		c.StartedAt,
		c.AnsweredAt,
		c.EndedAt,
		c.DurationSeconds,
		c.ID,
		expect,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ParkCall writes the parked status and the parked row in one transaction:
// a claim racing into the park must either see the old status (and win) or
// see both the parked status and its row.
func (p *Postgres) ParkCall(ctx context.Context, c calls.Call, expect calls.CallStatus, pc calls.ParkedCall) (parked bool, err error) {
	err = utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		res, terr := tx.ExecContext(ctx, updateCallIfQuery,
			c.Status,
			c.AssignedTo,
			c.AnsweredBy,
			c.StartedAt,
			c.AnsweredAt,
			c.EndedAt,
			c.DurationSeconds,
			c.ID,
			expect,
		)
		if terr != nil {
			return terr
		}
		n, terr := res.RowsAffected()
		if terr != nil {
			return terr
		}
		if n != 1 {
			return nil
		}

		const q = `
INSERT INTO parked_calls (call_id, bridge_id, parked_by, parked_at)
VALUES ($1,$2,$3,$4)
`
		if _, terr := tx.ExecContext(ctx, q, pc.CallID, pc.BridgeID, pc.ParkedBy, pc.ParkedAt); terr != nil {
			return terr
		}
		parked = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return parked, nil
}

func (p *Postgres) ListStaleRinging(ctx context.Context, cutoff time.Time, limit int) ([]calls.Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE status = $1 AND created_at < $2
ORDER BY created_at
LIMIT $3
`
	rows, err := p.db.QueryContext(ctx, q, calls.StatusRinging, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCalls(rows)
}

func (p *Postgres) ListCallsByOrganization(ctx context.Context, orgID string, limit int) ([]calls.Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE organization_id = $1
ORDER BY created_at DESC
LIMIT $2
`
	rows, err := p.db.QueryContext(ctx, q, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCalls(rows)
}

func (p *Postgres) GetAgent(ctx context.Context, agentID string) (agents.Agent, error) {
	const q = `
SELECT id, organization_id, role, is_available,
       current_call_id, current_call_phone_number, current_call_answered_at
FROM agents
WHERE id = $1
`
	return scanAgent(p.db.QueryRowContext(ctx, q, agentID))
}

func (p *Postgres) ListEligibleAgents(ctx context.Context, orgID string) ([]agents.Agent, error) {
	const q = `
SELECT id, organization_id, role, is_available,
       current_call_id, current_call_phone_number, current_call_answered_at
FROM agents
WHERE organization_id = $1 AND is_available = TRUE
ORDER BY id
`
	rows, err := p.db.QueryContext(ctx, q, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []agents.Agent
	for rows.Next() {
		a, err := scanAgentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) SetAgentOnCall(ctx context.Context, agentID string, c calls.Call, phoneNumber string) error {
	const q = `
UPDATE agents
SET is_available = FALSE,
    current_call_id = $1,
    current_call_phone_number = $2,
    current_call_answered_at = $3
WHERE id = $4
`
	res, err := p.db.ExecContext(ctx, q, c.ID, phoneNumber, c.AnsweredAt, agentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ClearAgentCall(ctx context.Context, agentID, callID string) (bool, error) {
	// Guarded: only clears if the agent is still on this exact call.
	const q = `
UPDATE agents
SET is_available = TRUE,
    current_call_id = NULL,
    current_call_phone_number = '',
    current_call_answered_at = NULL
WHERE id = $1 AND current_call_id = $2
`
	res, err := p.db.ExecContext(ctx, q, agentID, callID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) GetParkedCall(ctx context.Context, callID string) (calls.ParkedCall, bool, error) {
	const q = `
SELECT call_id, bridge_id, parked_by, parked_at
FROM parked_calls
WHERE call_id = $1
`
	var pc calls.ParkedCall
	err := p.db.QueryRowContext(ctx, q, callID).Scan(&pc.CallID, &pc.BridgeID, &pc.ParkedBy, &pc.ParkedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.ParkedCall{}, false, nil
		}
		return calls.ParkedCall{}, false, err
	}
	return pc, true, nil
}

func (p *Postgres) DeleteParkedCall(ctx context.Context, callID string) (calls.ParkedCall, bool, error) {
	const q = `
DELETE FROM parked_calls
WHERE call_id = $1
RETURNING call_id, bridge_id, parked_by, parked_at
`
	var pc calls.ParkedCall
	err := p.db.QueryRowContext(ctx, q, callID).Scan(&pc.CallID, &pc.BridgeID, &pc.ParkedBy, &pc.ParkedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.ParkedCall{}, false, nil
		}
		return calls.ParkedCall{}, false, err
	}
	return pc, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(r rowScanner) (calls.Call, error) {
	var c calls.Call
	err := r.Scan(
		&c.ID,
		&c.OrganizationID,
		&c.Direction,
		&c.FromNumber,
		&c.ToNumber,
		&c.ExternalLegID,
		&c.Status,
		&c.AssignedTo,
		&c.AnsweredBy,
		&c.CreatedAt,
		&c.StartedAt,
		&c.AnsweredAt,
		&c.EndedAt,
		&c.DurationSeconds,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Call{}, ErrNotFound
		}
		return calls.Call{}, err
	}
	return c, nil
}

func scanCalls(rows *sql.Rows) ([]calls.Call, error) {
	var out []calls.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanAgent(r *sql.Row) (agents.Agent, error) {
	a, err := scanAgentRow(r)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return agents.Agent{}, ErrNotFound
		}
		return agents.Agent{}, err
	}
	return a, nil
}

func scanAgentRow(r rowScanner) (agents.Agent, error) {
	var a agents.Agent
	err := r.Scan(
		&a.ID,
		&a.OrganizationID,
		&a.Role,
		&a.IsAvailable,
		&a.CurrentCallID,
		&a.CurrentCallPhoneNumber,
		&a.CurrentCallAnsweredAt,
	)
	return a, err
}
