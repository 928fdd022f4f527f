package rooms

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/gabble-im/gabble/internal/models"
	"github.com/gabble-im/gabble/pkg/apperr"
)

const storeClock = "strftime('%Y-%m-%d %H:%M:%f','now')"

// Scope selects which rooms ListRooms returns.
type Scope string

const (
	ScopeRecent Scope = "recent" // rooms with activity only
	ScopeAll    Scope = "all"
)

// Directory resolves and creates rooms, tracks membership and each
// member's read watermark. IsMember is the authorization primitive for
// every room-scoped operation, including realtime publishes.
type Directory struct {
	db *sql.DB
}

func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// DirectKeyFor builds the canonical identity of a direct room: the two
// user ids ordered, joined with ':'. Both orderings of a pair map to
// the same key.
func DirectKeyFor(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// GetOrCreateDirectRoom returns the single direct room for the pair,
// creating it if absent. A concurrent create racing on the direct_key
// UNIQUE constraint is recovered by re-fetching the winner's row.
func (d *Directory) GetOrCreateDirectRoom(me, peer int64) (*models.Room, error) {
	if peer <= 0 || peer == me {
		return nil, apperr.InvalidArg("invalid peer id")
	}

	var exists bool
	if err := d.db.QueryRow("SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", peer).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to query peer: %w", err)
	}
	if !exists {
		return nil, apperr.NotFound("peer not found")
	}

	key := DirectKeyFor(me, peer)

	room, err := d.byDirectKey(key)
	if err == nil {
		return room, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	if err := d.createDirectRoom(me, peer, key); err != nil {
		if !isUniqueViolation(err) {
			return nil, err
		}
		// Lost the creation race; the winner's room is authoritative.
	}

	room, err = d.byDirectKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch direct room %s: %w", key, err)
	}
	return room, nil
}

func (d *Directory) createDirectRoom(me, peer int64, key string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"INSERT INTO rooms (type, direct_key, created_by) VALUES (?, ?, ?)",
		models.RoomTypeDirect, key, me,
	)
	if err != nil {
		return err
	}

	roomID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get room id: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO room_members (room_id, user_id, role) VALUES (?, ?, ?), (?, ?, ?)",
		roomID, me, models.RoleOwner, roomID, peer, models.RoleMember,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// CreateGroupRoom creates a group room with the caller as owner. The
// member set is the union of memberIDs and the caller, deduplicated.
// Group rooms are never deduplicated against each other.
func (d *Directory) CreateGroupRoom(me int64, name string, memberIDs []int64) (*models.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.InvalidArg("room name is required")
	}

	unique := []int64{me}
	seen := map[int64]struct{}{me: {}}
	for _, id := range memberIDs {
		if id <= 0 {
			return nil, apperr.InvalidArg("invalid member id")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	var known int
	query := "SELECT COUNT(*) FROM users WHERE id IN (?" + strings.Repeat(",?", len(unique)-1) + ")"
	args := make([]any, len(unique))
	for i, id := range unique {
		args[i] = id
	}
	if err := d.db.QueryRow(query, args...).Scan(&known); err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	if known != len(unique) {
		return nil, apperr.NotFound("one or more members not found")
	}

	tx, err := d.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"INSERT INTO rooms (type, name, created_by) VALUES (?, ?, ?)",
		models.RoomTypeGroup, name, me,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	roomID, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get room id: %w", err)
	}

	for _, id := range unique {
		role := models.RoleMember
		if id == me {
			role = models.RoleOwner
		}
		if _, err := tx.Exec(
			"INSERT INTO room_members (room_id, user_id, role) VALUES (?, ?, ?)",
			roomID, id, role,
		); err != nil {
			return nil, fmt.Errorf("failed to add member %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit room: %w", err)
	}

	return d.ByID(roomID)
}

// IsMember reports whether userID belongs to roomID. Single existence
// check against the membership primary key.
func (d *Directory) IsMember(roomID, userID int64) (bool, error) {
	var exists bool
	err := d.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = ? AND user_id = ?)",
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query membership: %w", err)
	}
	return exists, nil
}

// ListRooms returns the caller's rooms ordered by activity, each with
// members, the latest live message, the caller's unread count and, for
// direct rooms, the other member's profile.
func (d *Directory) ListRooms(me int64, scope Scope) ([]models.RoomSummary, error) {
	query := `
		SELECT r.id, r.type, r.name, r.direct_key, r.created_by, r.last_message_at, r.created_at
		FROM rooms r
		JOIN room_members rm ON rm.room_id = r.id AND rm.user_id = ?
	`
	if scope != ScopeAll {
		query += " WHERE r.last_message_at IS NOT NULL"
	}
	query += " ORDER BY r.last_message_at IS NULL, r.last_message_at DESC, r.created_at DESC"

	rows, err := d.db.Query(query, me)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rooms: %w", err)
	}
	defer rows.Close()

	summaries := []models.RoomSummary{}
	for rows.Next() {
		var s models.RoomSummary
		if err := scanRoom(rows, &s.Room); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while reading rooms: %w", err)
	}

	for i := range summaries {
		s := &summaries[i]

		members, err := d.roomMembers(s.ID)
		if err != nil {
			return nil, err
		}
		s.Members = members

		if s.Type == models.RoomTypeDirect {
			for _, m := range members {
				if m.UserID != me {
					user := m.User
					s.OtherUser = &user
					break
				}
			}
		}

		last, err := d.lastLiveMessage(s.ID)
		if err != nil {
			return nil, err
		}
		s.LastMessage = last

		unread, err := d.UnreadCount(s.ID, me)
		if err != nil {
			return nil, err
		}
		s.UnreadCount = unread
	}

	return summaries, nil
}

// UnreadCount counts live messages above the member's read watermark.
// A null watermark means everything is unread.
func (d *Directory) UnreadCount(roomID, userID int64) (int, error) {
	var count int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM messages m
		WHERE m.room_id = ?
		  AND m.deleted_at IS NULL
		  AND m.created_at > COALESCE(
			(SELECT last_read_at FROM room_members WHERE room_id = ? AND user_id = ?),
			'1970-01-01 00:00:00.000')
	`, roomID, roomID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return count, nil
}

// MarkRead moves the caller's read watermark to the store clock.
func (d *Directory) MarkRead(roomID, userID int64) error {
	result, err := d.db.Exec(`
		UPDATE room_members SET last_read_at = `+storeClock+`
		WHERE room_id = ? AND user_id = ?
	`, roomID, userID)
	if err != nil {
		return fmt.Errorf("failed to update read watermark: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check watermark update: %w", err)
	}
	if affected == 0 {
		return apperr.Forbidden("not a room member")
	}
	return nil
}

// TouchActivity bumps the room's activity timestamp to the clock value
// the store assigned to messageID.
func (d *Directory) TouchActivity(roomID, messageID int64) error {
	_, err := d.db.Exec(`
		UPDATE rooms SET last_message_at = (SELECT created_at FROM messages WHERE id = ?)
		WHERE id = ?
	`, messageID, roomID)
	if err != nil {
		return fmt.Errorf("failed to bump room activity: %w", err)
	}
	return nil
}

func (d *Directory) ByID(roomID int64) (*models.Room, error) {
	row := d.db.QueryRow(`
		SELECT id, type, name, direct_key, created_by, last_message_at, created_at
		FROM rooms WHERE id = ?
	`, roomID)

	var room models.Room
	if err := scanRoom(row, &room); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("room not found")
		}
		return nil, fmt.Errorf("failed to fetch room: %w", err)
	}

	members, err := d.roomMembers(roomID)
	if err != nil {
		return nil, err
	}
	room.Members = members

	return &room, nil
}

func (d *Directory) byDirectKey(key string) (*models.Room, error) {
	var roomID int64
	err := d.db.QueryRow("SELECT id FROM rooms WHERE direct_key = ?", key).Scan(&roomID)
	if err != nil {
		return nil, err
	}
	return d.ByID(roomID)
}

func (d *Directory) roomMembers(roomID int64) ([]models.RoomMember, error) {
	rows, err := d.db.Query(`
		SELECT rm.room_id, rm.user_id, rm.role, rm.last_read_at,
		       u.id, u.display_name, u.avatar_url
		FROM room_members rm
		JOIN users u ON u.id = rm.user_id
		WHERE rm.room_id = ?
		ORDER BY rm.user_id
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch members: %w", err)
	}
	defer rows.Close()

	members := []models.RoomMember{}
	for rows.Next() {
		var m models.RoomMember
		var lastReadAt sql.NullTime
		var avatarURL sql.NullString
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.Role, &lastReadAt,
			&m.User.ID, &m.User.DisplayName, &avatarURL); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		if lastReadAt.Valid {
			m.LastReadAt = &lastReadAt.Time
		}
		if avatarURL.Valid {
			m.User.AvatarURL = &avatarURL.String
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (d *Directory) lastLiveMessage(roomID int64) (*models.MessageWithSender, error) {
	row := d.db.QueryRow(`
		SELECT m.id, m.room_id, m.sender_id, m.content, m.reply_to_id,
		       m.created_at, u.id, u.display_name, u.avatar_url
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.room_id = ? AND m.deleted_at IS NULL
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT 1
	`, roomID)

	var msg models.MessageWithSender
	var replyTo sql.NullInt64
	var avatarURL sql.NullString
	err := row.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &replyTo,
		&msg.CreatedAt, &msg.Sender.ID, &msg.Sender.DisplayName, &avatarURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch last message: %w", err)
	}

	if replyTo.Valid {
		msg.ReplyToID = &replyTo.Int64
	}
	if avatarURL.Valid {
		msg.Sender.AvatarURL = &avatarURL.String
	}
	return &msg, nil
}

type roomScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row roomScanner, room *models.Room) error {
	var name, directKey sql.NullString
	var lastMessageAt sql.NullTime

	err := row.Scan(&room.ID, &room.Type, &name, &directKey, &room.CreatedBy, &lastMessageAt, &room.CreatedAt)
	if err != nil {
		return err
	}

	if name.Valid {
		room.Name = &name.String
	}
	if directKey.Valid {
		room.DirectKey = &directKey.String
	}
	if lastMessageAt.Valid {
		room.LastMessageAt = &lastMessageAt.Time
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
