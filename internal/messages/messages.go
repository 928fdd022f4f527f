package messages

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gabble-im/gabble/internal/models"
	"github.com/gabble-im/gabble/pkg/apperr"
)

var errBlankContent = apperr.InvalidArg("message content cannot be empty")

// IsBlankContent reports whether err means the message body was empty
// after trimming.
func IsBlankContent(err error) bool {
	return errors.Is(err, errBlankContent)
}

// MaxPageSize caps backward pagination requests.
const MaxPageSize = 100

// storeClock assigns created_at inside sqlite. CURRENT_TIMESTAMP only
// has one-second resolution, which is too coarse for an ordering key.
const storeClock = "strftime('%Y-%m-%d %H:%M:%f','now')"

// Log is the append-only message sequence per room. It does not check
// membership; callers authorize before appending or paging.
type Log struct {
	db *sql.DB
}

func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

// Append persists a message with a store-assigned timestamp and returns
// the row as persisted, including its identifier and clock value.
func (l *Log) Append(roomID, senderID int64, content string, replyToID *int64) (*models.MessageWithSender, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errBlankContent
	}

	result, err := l.db.Exec(`
		INSERT INTO messages (room_id, sender_id, content, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, `+storeClock+`)
	`, roomID, senderID, content, replyToID)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get message id: %w", err)
	}

	// Re-read so the caller always sees the durably assigned record,
	// never a locally constructed copy.
	msg, err := l.byID(id)
	if err != nil {
		return nil, fmt.Errorf("failed to read back message %d: %w", id, err)
	}

	return msg, nil
}

// PageBackward returns up to limit messages strictly older than cursor
// (newest first). nextCursor is the oldest returned id, or nil when the
// log is exhausted.
func (l *Log) PageBackward(roomID int64, limit int, cursor *int64) ([]models.MessageWithSender, *int64, error) {
	if limit <= 0 {
		limit = 30
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	query := `
		SELECT m.id, m.room_id, m.sender_id, m.content, m.reply_to_id,
		       m.created_at, m.edited_at, m.deleted_at,
		       u.id, u.display_name, u.avatar_url
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.room_id = ?
	`
	args := []any{roomID}

	if cursor != nil {
		var cursorRoom int64
		err := l.db.QueryRow("SELECT room_id FROM messages WHERE id = ?", *cursor).Scan(&cursorRoom)
		if err == sql.ErrNoRows || (err == nil && cursorRoom != roomID) {
			return nil, nil, apperr.InvalidArg("unknown cursor")
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve cursor: %w", err)
		}

		// Keyset on (created_at, id): the store clock orders messages,
		// the identifier breaks same-millisecond ties in insert order.
		query += `
			AND (m.created_at < (SELECT created_at FROM messages WHERE id = ?)
			     OR (m.created_at = (SELECT created_at FROM messages WHERE id = ?) AND m.id < ?))
		`
		args = append(args, *cursor, *cursor, *cursor)
	}

	query += " ORDER BY m.created_at DESC, m.id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to page messages: %w", err)
	}
	defer rows.Close()

	items := make([]models.MessageWithSender, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan message: %w", err)
		}
		items = append(items, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed while reading messages: %w", err)
	}

	var nextCursor *int64
	if len(items) == limit {
		oldest := items[len(items)-1].ID
		nextCursor = &oldest
	}

	return items, nextCursor, nil
}

// SoftDelete marks a message deleted. Only the sender may delete, and
// the row itself is retained.
func (l *Log) SoftDelete(messageID, userID int64) error {
	var senderID int64
	err := l.db.QueryRow("SELECT sender_id FROM messages WHERE id = ?", messageID).Scan(&senderID)
	if err == sql.ErrNoRows {
		return apperr.NotFound("message not found")
	}
	if err != nil {
		return fmt.Errorf("failed to fetch message: %w", err)
	}
	if senderID != userID {
		return apperr.Forbidden("can only delete own messages")
	}

	_, err = l.db.Exec(`
		UPDATE messages SET deleted_at = `+storeClock+`
		WHERE id = ? AND deleted_at IS NULL
	`, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	return nil
}

func (l *Log) byID(id int64) (*models.MessageWithSender, error) {
	row := l.db.QueryRow(`
		SELECT m.id, m.room_id, m.sender_id, m.content, m.reply_to_id,
		       m.created_at, m.edited_at, m.deleted_at,
		       u.id, u.display_name, u.avatar_url
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.id = ?
	`, id)
	return scanMessage(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.MessageWithSender, error) {
	var msg models.MessageWithSender
	var replyTo sql.NullInt64
	var editedAt, deletedAt sql.NullTime
	var avatarURL sql.NullString

	err := row.Scan(
		&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &replyTo,
		&msg.CreatedAt, &editedAt, &deletedAt,
		&msg.Sender.ID, &msg.Sender.DisplayName, &avatarURL,
	)
	if err != nil {
		return nil, err
	}

	if replyTo.Valid {
		msg.ReplyToID = &replyTo.Int64
	}
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Time
	}
	if deletedAt.Valid {
		msg.DeletedAt = &deletedAt.Time
	}
	if avatarURL.Valid {
		msg.Sender.AvatarURL = &avatarURL.String
	}

	return &msg, nil
}
