package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

type SetupLearnerProps struct {
	TelegramUserID    int64
	TelegramFirstName string
	TelegramUsername  string
	TelegramLastName  string
}

// SetupLearner records a chat user, refreshing their names if they are already known.
func (d *Database) SetupLearner(ctx context.Context, args SetupLearnerProps) error {
	tracer := otel.Tracer("postgres/SetupLearner")
	ctx, span := tracer.Start(ctx, "SetupLearner")
	defer span.End()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO learners (telegram_user_id, telegram_username, telegram_first_name, telegram_last_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (telegram_user_id) DO UPDATE SET
			telegram_username = EXCLUDED.telegram_username,
			telegram_first_name = EXCLUDED.telegram_first_name,
			telegram_last_name = EXCLUDED.telegram_last_name`,
		args.TelegramUserID, args.TelegramUsername, args.TelegramFirstName, args.TelegramLastName)
	if err != nil {
		d.logger.Logger(ctx).Error(
			"[Postgres] Could not setup learner",
			zap.Error(err),
			zap.Int64("telegram_user_id", args.TelegramUserID),
		)
		span.RecordError(err)
		return fmt.Errorf("setup learner: %w", err)
	}
	return nil
}

// ActiveSession returns the session a chat user is currently in, or "".
func (d *Database) ActiveSession(ctx context.Context, telegramUserID int64) (string, error) {
	var id sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT active_session_id FROM learners WHERE telegram_user_id = $1`, telegramUserID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("active session of %d: %w", telegramUserID, err)
	}
	return id.String, nil
}

// SetActiveSession binds a chat user to a session. An empty id unbinds.
func (d *Database) SetActiveSession(ctx context.Context, telegramUserID int64, sessionID string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE learners SET active_session_id = $2 WHERE telegram_user_id = $1`,
		telegramUserID, sql.NullString{String: sessionID, Valid: sessionID != ""})
	if err != nil {
		return fmt.Errorf("set active session of %d: %w", telegramUserID, err)
	}
	return nil
}
