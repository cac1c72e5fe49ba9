package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository is the durable ciphertext store. Everything it touches is
// opaque to the server: wrapped key envelopes and AES-GCM output.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// NewParticipant is one entry of a create-conversation request: the user
// plus the conversation key wrapped for that user, produced client-side.
type NewParticipant struct {
	UserID       int    `json:"userId"`
	EncryptedKey string `json:"encryptedKey"`
}

// CreateConversation inserts the conversation and all participant rows
// with their wrapped keys in one transaction. Key distribution happens
// exactly once, here; there is no later re-keying path.
func (r *Repository) CreateConversation(ctx context.Context, convType, name string, participants []NewParticipant) (*Conversation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	conv := &Conversation{Type: convType, Name: name}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO conversations (type, name) VALUES ($1, $2)
		 RETURNING id, created_at, updated_at`,
		convType, name,
	).Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}

	for _, p := range participants {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id, encrypted_key)
			 VALUES ($1, $2, $3)`,
			conv.ID, p.UserID, p.EncryptedKey,
		)
		if err != nil {
			return nil, fmt.Errorf("add participant %d: %w", p.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return conv, nil
}

// InsertMessage persists an envelope verbatim, assigning id and
// createdAt, and bumps the conversation's updated_at. A duplicate
// client nonce is a no-op: inserted reports false and the caller must
// not re-deliver.
func (r *Repository) InsertMessage(ctx context.Context, msg *Message) (inserted bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, content, iv, client_nonce)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (conversation_id, client_nonce) WHERE client_nonce <> '' DO NOTHING
		 RETURNING id, created_at`,
		msg.ConversationID, msg.SenderID, msg.Content, msg.IV, msg.ClientNonce,
	).Scan(&msg.ID, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Retried frame: already persisted under this nonce.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`,
		msg.CreatedAt, msg.ConversationID,
	)
	if err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// ListMessages returns envelopes for one conversation in chronological
// order, paging backwards from beforeID when set.
func (r *Repository) ListMessages(ctx context.Context, conversationID, beforeID, limit int) ([]*Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, content, iv, client_nonce, created_at
		 FROM messages
		 WHERE conversation_id = $1 AND ($2 = 0 OR id < $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		conversationID, beforeID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID,
			&msg.Content, &msg.IV, &msg.ClientNonce, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first for the LIMIT; flip to chronological.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// SetLastRead records the read marker for one participant. Only the
// owning user's marker is ever touched.
func (r *Repository) SetLastRead(ctx context.Context, conversationID, userID int, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE participants SET last_read_at = $1
		 WHERE conversation_id = $2 AND user_id = $3`,
		at, conversationID, userID,
	)
	return err
}

// GetWrappedKey returns the stored envelope for one participant, or ""
// if the user is not a participant or holds no key.
func (r *Repository) GetWrappedKey(ctx context.Context, conversationID, userID int) (string, error) {
	var key sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT encrypted_key FROM participants
		 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return key.String, nil
}

func (r *Repository) ListParticipants(ctx context.Context, conversationID int) ([]*Participant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT conversation_id, user_id, COALESCE(encrypted_key, ''), joined_at, last_read_at
		 FROM participants WHERE conversation_id = $1`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		p := &Participant{}
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.EncryptedKey, &p.JoinedAt, &p.LastReadAt); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (r *Repository) IsParticipant(ctx context.Context, conversationID, userID int) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM participants
		 WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&exists)
	return exists, err
}

// ListConversations returns the caller's conversations, most recently
// active first, each with the caller's wrapped key, unread count, last
// message and the participant roster.
func (r *Repository) ListConversations(ctx context.Context, userID int) ([]*ConversationSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.id, c.type, COALESCE(c.name, ''), c.created_at, c.updated_at,
		        COALESCE(p.encrypted_key, ''), p.last_read_at,
		        (SELECT COUNT(*) FROM messages m
		         WHERE m.conversation_id = c.id
		           AND m.sender_id <> $1
		           AND (p.last_read_at IS NULL OR m.created_at > p.last_read_at))
		 FROM participants p
		 JOIN conversations c ON c.id = p.conversation_id
		 WHERE p.user_id = $1
		 ORDER BY c.updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*ConversationSummary
	for rows.Next() {
		s := &ConversationSummary{}
		if err := rows.Scan(&s.ID, &s.Type, &s.Name, &s.CreatedAt, &s.UpdatedAt,
			&s.EncryptedKey, &s.LastReadAt, &s.UnreadCount); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, s := range summaries {
		if err := r.fillConversationDetails(ctx, s); err != nil {
			return nil, err
		}
	}
	return summaries, nil
}

func (r *Repository) fillConversationDetails(ctx context.Context, s *ConversationSummary) error {
	last := &Message{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender_id, content, iv, client_nonce, created_at
		 FROM messages WHERE conversation_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		s.ID,
	).Scan(&last.ID, &last.ConversationID, &last.SenderID, &last.Content, &last.IV, &last.ClientNonce, &last.CreatedAt)
	if err == nil {
		s.LastMessage = last
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT p.user_id, COALESCE(u.username, ''), p.last_read_at
		 FROM participants p
		 LEFT JOIN users u ON u.id = p.user_id
		 WHERE p.conversation_id = $1`,
		s.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var info ParticipantInfo
		if err := rows.Scan(&info.UserID, &info.Username, &info.LastReadAt); err != nil {
			return err
		}
		s.Participants = append(s.Participants, info)
	}
	return rows.Err()
}
