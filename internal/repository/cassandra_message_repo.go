package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/beech80/clipt-sub000/internal/domain"
)

const messageColumns = `message_id, stream_id, user_id, message, created_at, is_deleted, is_command, command_type, edited_at`

// CassandraMessageRepository implements MessageRepository on Cassandra.
// Soft-deleted rows stay in the partition and are skipped on read.
type CassandraMessageRepository struct {
	session *gocql.Session
}

func NewCassandraMessageRepository(session *gocql.Session) *CassandraMessageRepository {
	return &CassandraMessageRepository{session: session}
}

func (r *CassandraMessageRepository) Create(ctx context.Context, m *domain.ChatMessage) error {
	batch := r.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO messages_by_stream (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.StreamID, m.UserID, m.Body, m.CreatedAt, m.Deleted, m.IsCommand, m.CommandType, m.EditedAt)
	batch.Query(`INSERT INTO messages_by_id (message_id, stream_id, created_at) VALUES (?, ?, ?)`,
		m.ID, m.StreamID, m.CreatedAt)

	if err := r.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (r *CassandraMessageRepository) GetByID(ctx context.Context, streamID, id string) (*domain.ChatMessage, error) {
	createdAt, err := r.locate(ctx, streamID, id)
	if err != nil {
		return nil, err
	}

	iter := r.session.Query(`SELECT `+messageColumns+` FROM messages_by_stream
		WHERE stream_id = ? AND created_at = ? AND message_id = ?`,
		streamID, createdAt, id).WithContext(ctx).Iter()

	msg, ok := scanMessage(iter)
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if !ok {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

func (r *CassandraMessageRepository) locate(ctx context.Context, streamID, id string) (time.Time, error) {
	var gotStream string
	var createdAt time.Time
	err := r.session.Query(`SELECT stream_id, created_at FROM messages_by_id WHERE message_id = ?`, id).
		WithContext(ctx).Scan(&gotStream, &createdAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return time.Time{}, ErrMessageNotFound
		}
		return time.Time{}, fmt.Errorf("failed to locate message: %w", err)
	}
	if gotStream != streamID {
		return time.Time{}, ErrMessageNotFound
	}
	return createdAt, nil
}

// ListRecent pages through the partition newest-first, skipping deleted rows
// until limit+1 visible rows are found.
func (r *CassandraMessageRepository) ListRecent(ctx context.Context, streamID, before string, limit int) ([]*domain.ChatMessage, bool, error) {
	if limit < 1 {
		limit = 50
	}

	var q *gocql.Query
	if before == "" {
		q = r.session.Query(`SELECT `+messageColumns+` FROM messages_by_stream WHERE stream_id = ?`, streamID)
	} else {
		createdAt, err := r.locate(ctx, streamID, before)
		if err != nil {
			return nil, false, err
		}
		q = r.session.Query(`SELECT `+messageColumns+` FROM messages_by_stream
			WHERE stream_id = ? AND (created_at, message_id) < (?, ?)`, streamID, createdAt, before)
	}

	iter := q.WithContext(ctx).PageSize(limit + 1).Iter()

	var newestFirst []*domain.ChatMessage
	for len(newestFirst) <= limit {
		msg, ok := scanMessage(iter)
		if !ok {
			break
		}
		if msg.Deleted {
			continue
		}
		newestFirst = append(newestFirst, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, false, fmt.Errorf("failed to iterate messages: %w", err)
	}

	hasMore := len(newestFirst) > limit
	if hasMore {
		newestFirst = newestFirst[:limit]
	}

	messages := make([]*domain.ChatMessage, len(newestFirst))
	for i, m := range newestFirst {
		messages[len(newestFirst)-1-i] = m
	}
	return messages, hasMore, nil
}

func (r *CassandraMessageRepository) SetDeleted(ctx context.Context, streamID, id string) (*domain.ChatMessage, *domain.ChatMessage, error) {
	before, err := r.GetByID(ctx, streamID, id)
	if err != nil {
		return nil, nil, err
	}
	after := *before
	if before.Deleted {
		return before, &after, nil
	}
	after.Deleted = true

	if err := r.session.Query(`UPDATE messages_by_stream SET is_deleted = true
		WHERE stream_id = ? AND created_at = ? AND message_id = ?`,
		streamID, before.CreatedAt, id).WithContext(ctx).Exec(); err != nil {
		return nil, nil, fmt.Errorf("failed to delete message: %w", err)
	}
	return before, &after, nil
}

func (r *CassandraMessageRepository) UpdateBody(ctx context.Context, streamID, id, body string, editedAt time.Time) (*domain.ChatMessage, *domain.ChatMessage, error) {
	before, err := r.GetByID(ctx, streamID, id)
	if err != nil {
		return nil, nil, err
	}
	after := *before
	after.Body = body
	after.EditedAt = &editedAt

	if err := r.session.Query(`UPDATE messages_by_stream SET message = ?, edited_at = ?
		WHERE stream_id = ? AND created_at = ? AND message_id = ?`,
		body, editedAt, streamID, before.CreatedAt, id).WithContext(ctx).Exec(); err != nil {
		return nil, nil, fmt.Errorf("failed to edit message: %w", err)
	}
	return before, &after, nil
}

func (r *CassandraMessageRepository) Close() error {
	r.session.Close()
	return nil
}

func scanMessage(iter *gocql.Iter) (*domain.ChatMessage, bool) {
	var m domain.ChatMessage
	var editedAt time.Time
	if !iter.Scan(&m.ID, &m.StreamID, &m.UserID, &m.Body, &m.CreatedAt,
		&m.Deleted, &m.IsCommand, &m.CommandType, &editedAt) {
		return nil, false
	}
	m.CreatedAt = m.CreatedAt.UTC()
	if !editedAt.IsZero() {
		e := editedAt.UTC()
		m.EditedAt = &e
	}
	return &m, true
}
