package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkovac/ritmo/internal/domain"
)

type ConversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

func (r *ConversationRepo) Create(ctx context.Context, conv *domain.Conversation) error {
	query := `
		INSERT INTO conversations (id, user1_id, user2_id, status, request_initiator_id, last_activity_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		conv.ID, conv.User1ID, conv.User2ID, conv.Status,
		conv.RequestInitiatorID, conv.LastActivityAt, conv.CreatedAt,
	)
	return err
}

func (r *ConversationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	query := `
		SELECT id, user1_id, user2_id, status, request_initiator_id, last_activity_at, created_at
		FROM conversations
		WHERE id = $1`
	return r.scanConversation(ctx, query, id)
}

func (r *ConversationRepo) GetByUsers(ctx context.Context, user1ID, user2ID uuid.UUID) (*domain.Conversation, error) {
	query := `
		SELECT id, user1_id, user2_id, status, request_initiator_id, last_activity_at, created_at
		FROM conversations
		WHERE user1_id = $1 AND user2_id = $2`
	var conv domain.Conversation
	err := r.pool.QueryRow(ctx, query, user1ID, user2ID).Scan(
		&conv.ID, &conv.User1ID, &conv.User2ID, &conv.Status,
		&conv.RequestInitiatorID, &conv.LastActivityAt, &conv.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return &conv, err
}

func (r *ConversationRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Conversation, error) {
	// Unread count: messages from the other participant newer than this
	// user's read watermark. A missing participant_state row counts all.
	query := `
		SELECT c.id, c.user1_id, c.user2_id, c.status, c.request_initiator_id, c.last_activity_at, c.created_at,
			CASE WHEN c.user1_id = $1 THEN c.user2_id ELSE c.user1_id END AS other_user_id,
			CASE WHEN c.user1_id = $1 THEN u2.username ELSE u1.username END AS other_username,
			CASE WHEN c.user1_id = $1 THEN u2.display_name ELSE u1.display_name END AS other_display_name,
			(
				SELECT COUNT(*) FROM messages m
				WHERE m.conversation_id = c.id
					AND m.sender_id <> $1
					AND m.created_at > COALESCE(
						(SELECT ps.last_read_at FROM participant_states ps
							WHERE ps.conversation_id = c.id AND ps.user_id = $1),
						'epoch'::timestamptz)
			) AS unread_count
		FROM conversations c
		JOIN users u1 ON c.user1_id = u1.id
		JOIN users u2 ON c.user2_id = u2.id
		WHERE c.user1_id = $1 OR c.user2_id = $1
		ORDER BY c.last_activity_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		if err := rows.Scan(
			&conv.ID, &conv.User1ID, &conv.User2ID, &conv.Status,
			&conv.RequestInitiatorID, &conv.LastActivityAt, &conv.CreatedAt,
			&conv.OtherUserID, &conv.OtherUserUsername, &conv.OtherUserDisplayName,
			&conv.UnreadCount,
		); err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (r *ConversationRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ConversationStatus) error {
	query := `UPDATE conversations SET status = $2 WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, status)
	return err
}

func (r *ConversationRepo) TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE conversations SET last_activity_at = $2 WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, at)
	return err
}

func (r *ConversationRepo) GetParticipantState(ctx context.Context, conversationID, userID uuid.UUID) (*domain.ParticipantState, error) {
	query := `
		SELECT conversation_id, user_id, last_read_at
		FROM participant_states
		WHERE conversation_id = $1 AND user_id = $2`
	var ps domain.ParticipantState
	err := r.pool.QueryRow(ctx, query, conversationID, userID).Scan(
		&ps.ConversationID, &ps.UserID, &ps.LastReadAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return &ps, err
}

func (r *ConversationRepo) SetLastRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	query := `
		INSERT INTO participant_states (conversation_id, user_id, last_read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET last_read_at = EXCLUDED.last_read_at`
	_, err := r.pool.Exec(ctx, query, conversationID, userID, at)
	return err
}

func (r *ConversationRepo) scanConversation(ctx context.Context, query string, arg any) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&conv.ID, &conv.User1ID, &conv.User2ID, &conv.Status,
		&conv.RequestInitiatorID, &conv.LastActivityAt, &conv.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return &conv, err
}
