package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"voicetutor-backend/internal/models"
)

// ErrNotActive is returned by Finalize when the session already left the
// active state. Finalization is single-shot: only the first caller wins.
var ErrNotActive = errors.New("session is not active")

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func (r *SessionRepo) Create(ctx context.Context, s *models.LearningSession) error {
	if len(s.ConfigJSON) == 0 {
		s.ConfigJSON = json.RawMessage("{}")
	}

	query := `
		INSERT INTO learning_sessions (user_id, provider_session_id, type, subject, language, difficulty, config_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, status, started_at, interaction_count, duration_seconds, created_at
	`

	return r.pool.QueryRow(ctx, query,
		s.UserID, s.ProviderSessionID, s.Type, s.Subject, s.Language, s.Difficulty, s.ConfigJSON,
	).Scan(
		&s.ID,
		&s.Status,
		&s.StartedAt,
		&s.InteractionCount,
		&s.DurationSeconds,
		&s.CreatedAt,
	)
}

func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.LearningSession, error) {
	query := `
		SELECT id, user_id, provider_session_id, type, subject, language, difficulty,
		       status, started_at, ended_at, duration_seconds, interaction_count,
		       insights, config_json, created_at
		FROM learning_sessions
		WHERE id = $1
	`

	s := &models.LearningSession{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.UserID, &s.ProviderSessionID, &s.Type, &s.Subject, &s.Language, &s.Difficulty,
		&s.Status, &s.StartedAt, &s.EndedAt, &s.DurationSeconds, &s.InteractionCount,
		&s.Insights, &s.ConfigJSON, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SessionRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LearningSession, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM learning_sessions WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, user_id, provider_session_id, type, subject, language, difficulty,
		       status, started_at, ended_at, duration_seconds, interaction_count,
		       insights, config_json, created_at
		FROM learning_sessions
		WHERE user_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []*models.LearningSession
	for rows.Next() {
		s := &models.LearningSession{}
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.ProviderSessionID, &s.Type, &s.Subject, &s.Language, &s.Difficulty,
			&s.Status, &s.StartedAt, &s.EndedAt, &s.DurationSeconds, &s.InteractionCount,
			&s.Insights, &s.ConfigJSON, &s.CreatedAt,
		); err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, s)
	}

	return sessions, total, rows.Err()
}

// AppendInteraction writes one interaction row. When bumpCount is set the
// parent session's interaction_count is incremented in the same transaction,
// so the row and the counter can never drift apart.
func (r *SessionRepo) AppendInteraction(ctx context.Context, i *models.VoiceInteraction, bumpCount bool) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO voice_interactions (session_id, user_id, type, transcript, pronunciation_score)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, i.SessionID, i.UserID, i.Type, i.Transcript, i.PronunciationScore).Scan(&i.ID, &i.CreatedAt)
	if err != nil {
		return err
	}

	if bumpCount {
		_, err = tx.Exec(ctx, `
			UPDATE learning_sessions
			SET interaction_count = interaction_count + 1
			WHERE id = $1 AND user_id = $2
		`, i.SessionID, i.UserID)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *SessionRepo) ListInteractions(ctx context.Context, sessionID uuid.UUID) ([]*models.VoiceInteraction, error) {
	query := `
		SELECT id, session_id, user_id, type, transcript, pronunciation_score, created_at
		FROM voice_interactions
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var interactions []*models.VoiceInteraction
	for rows.Next() {
		i := &models.VoiceInteraction{}
		if err := rows.Scan(&i.ID, &i.SessionID, &i.UserID, &i.Type, &i.Transcript, &i.PronunciationScore, &i.CreatedAt); err != nil {
			return nil, err
		}
		interactions = append(interactions, i)
	}

	return interactions, rows.Err()
}

// Finalize moves a session out of the active state in one atomic update.
// The status guard makes it single-shot under concurrent teardown: a second
// caller sees ErrNotActive.
func (r *SessionRepo) Finalize(ctx context.Context, sessionID, userID uuid.UUID, status string, endedAt time.Time, durationSeconds int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE learning_sessions
		SET status = $3,
			ended_at = $4,
			duration_seconds = $5
		WHERE id = $1
		  AND user_id = $2
		  AND status = 'active'
	`, sessionID, userID, status, endedAt, durationSeconds)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotActive
	}
	return nil
}

func (r *SessionRepo) SetInsights(ctx context.Context, sessionID uuid.UUID, insights string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE learning_sessions
		SET insights = $2
		WHERE id = $1
	`, sessionID, insights)
	return err
}
