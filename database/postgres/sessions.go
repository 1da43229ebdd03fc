package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"salescoachdev/coacherr"
	"salescoachdev/session"
)

func notFound(op, what, id string) error {
	return coacherr.New(coacherr.KindNotFound, op, fmt.Errorf("%s %s", what, id))
}

func (d *Database) CreateSession(ctx context.Context, s session.Session) error {
	state, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO sessions (id, learner_id, mode, phase, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.LearnerID, string(s.Mode), s.Phase, state, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		d.logger.Logger(ctx).Error("[Postgres] Could not create session", zap.String("session_id", s.ID), zap.Error(err))
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	return nil
}

func (d *Database) GetSession(ctx context.Context, id string) (session.Session, error) {
	var state []byte
	err := d.db.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, notFound("postgres.GetSession", "session", id)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	var s session.Session
	if err := json.Unmarshal(state, &s); err != nil {
		return session.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return s, nil
}

// SaveTurn writes the session state and its new turns in one transaction.
func (d *Database) SaveTurn(ctx context.Context, s session.Session, turns ...session.Turn) error {
	tracer := otel.Tracer("postgres/SaveTurn")
	ctx, span := tracer.Start(ctx, "SaveTurn")
	defer span.End()

	state, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET mode = $2, phase = $3, state = $4, updated_at = $5 WHERE id = $1`,
		s.ID, string(s.Mode), s.Phase, state, s.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("update session %s: %w", s.ID, err)
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return notFound("postgres.SaveTurn", "session", s.ID)
	}

	for _, t := range turns {
		metadata, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("encode turn metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO turns (id, session_id, seq, role, technique_id, content, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.ID, t.SessionID, t.Seq, string(t.Role), t.TechniqueID, t.Content, metadata, t.CreatedAt)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("insert turn %d of %s: %w", t.Seq, s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		d.logger.Logger(ctx).Error("[Postgres] Could not commit turn", zap.String("session_id", s.ID), zap.Error(err))
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (d *Database) ListTurns(ctx context.Context, sessionID string) ([]session.Turn, error) {
	var exists bool
	if err := d.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check session %s: %w", sessionID, err)
	}
	if !exists {
		return nil, notFound("postgres.ListTurns", "session", sessionID)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, session_id, seq, role, technique_id, content, metadata, created_at
		FROM turns WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns of %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []session.Turn
	for rows.Next() {
		var t session.Turn
		var role string
		var metadata []byte
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Seq, &role, &t.TechniqueID, &t.Content, &metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = session.Role(role)
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode turn metadata: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteSession removes a session. Turns go with it through the foreign key.
func (d *Database) DeleteSession(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return notFound("postgres.DeleteSession", "session", id)
	}
	return nil
}
