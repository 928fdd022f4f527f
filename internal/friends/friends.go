package friends

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/gabble-im/gabble/internal/models"
	"github.com/gabble-im/gabble/pkg/apperr"
)

// Relation annotations relative to a given user.
const (
	RelationNone       = "NONE"
	RelationAccepted   = "ACCEPTED"
	RelationPendingIn  = "PENDING_IN"
	RelationPendingOut = "PENDING_OUT"
)

// Directions of a pending request relative to a given user.
const (
	DirectionIncoming = "INCOMING"
	DirectionOutgoing = "OUTGOING"
)

// Service runs the friend-relationship state machine over a single
// canonical row per unordered pair.
type Service struct {
	db *sql.DB
}

func New(db *sql.DB) *Service {
	return &Service{db: db}
}

// Result reports the relationship state after an operation.
type Result struct {
	Status    string `json:"status"`
	Direction string `json:"direction,omitempty"`
}

// FriendProfile is the user card returned in friend listings.
type FriendProfile struct {
	ID          int64   `json:"id"`
	Username    string  `json:"username"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

type FriendList struct {
	Accepted        []FriendProfile `json:"accepted"`
	PendingIncoming []FriendProfile `json:"pending_incoming"`
	PendingOutgoing []FriendProfile `json:"pending_outgoing"`
}

// orderPair canonicalizes an unordered user pair so exactly one row can
// exist for it regardless of who initiates.
func orderPair(u1, u2 int64) (int64, int64) {
	if u1 < u2 {
		return u1, u2
	}
	return u2, u1
}

// Request asks for friendship with the named user. Creates a PENDING
// row when none exists; otherwise reports the existing state without
// creating a duplicate.
func (s *Service) Request(me int64, username string) (*Result, error) {
	other, err := s.resolveUsername(me, username)
	if err != nil {
		return nil, err
	}

	aID, bID := orderPair(me, other)

	var status string
	var requestedBy int64
	err = s.db.QueryRow(
		"SELECT status, requested_by FROM friends WHERE a_id = ? AND b_id = ?",
		aID, bID,
	).Scan(&status, &requestedBy)

	if err == sql.ErrNoRows {
		_, err = s.db.Exec(
			"INSERT INTO friends (a_id, b_id, status, requested_by) VALUES (?, ?, ?, ?)",
			aID, bID, models.FriendPending, me,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				// Concurrent request won; fall through to report it.
				return s.Request(me, username)
			}
			return nil, fmt.Errorf("failed to create friend request: %w", err)
		}
		return &Result{Status: models.FriendPending, Direction: DirectionOutgoing}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query friend row: %w", err)
	}

	switch status {
	case models.FriendBlocked:
		return nil, apperr.Forbidden("blocked")
	case models.FriendAccepted:
		return &Result{Status: models.FriendAccepted}, nil
	}

	direction := DirectionIncoming
	if requestedBy == me {
		direction = DirectionOutgoing
	}
	return &Result{Status: models.FriendPending, Direction: direction}, nil
}

// Accept confirms a pending request. Only the receiver may accept.
func (s *Service) Accept(me int64, username string) (*Result, error) {
	other, err := s.resolveUsername(me, username)
	if err != nil {
		return nil, err
	}

	aID, bID := orderPair(me, other)

	var status string
	var requestedBy int64
	err = s.db.QueryRow(
		"SELECT status, requested_by FROM friends WHERE a_id = ? AND b_id = ?",
		aID, bID,
	).Scan(&status, &requestedBy)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("no friend request found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query friend row: %w", err)
	}

	switch status {
	case models.FriendBlocked:
		return nil, apperr.Forbidden("blocked")
	case models.FriendAccepted:
		return &Result{Status: models.FriendAccepted}, nil
	}

	if requestedBy == me {
		return nil, apperr.InvalidArg("you sent this request; wait for the other user to accept")
	}

	_, err = s.db.Exec(`
		UPDATE friends SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE a_id = ? AND b_id = ?
	`, models.FriendAccepted, aID, bID)
	if err != nil {
		return nil, fmt.Errorf("failed to accept friend request: %w", err)
	}

	return &Result{Status: models.FriendAccepted}, nil
}

// Decline removes a pending request. Declining as the receiver reports
// DECLINED; withdrawing as the initiator reports CANCELED. Either way
// the row is deleted.
func (s *Service) Decline(me int64, username string) (*Result, error) {
	other, err := s.resolveUsername(me, username)
	if err != nil {
		return nil, err
	}

	aID, bID := orderPair(me, other)

	var status string
	var requestedBy int64
	err = s.db.QueryRow(
		"SELECT status, requested_by FROM friends WHERE a_id = ? AND b_id = ?",
		aID, bID,
	).Scan(&status, &requestedBy)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("no friend request found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query friend row: %w", err)
	}

	switch status {
	case models.FriendBlocked:
		return nil, apperr.Forbidden("blocked")
	case models.FriendAccepted:
		return nil, apperr.InvalidArg("already friends")
	}

	if _, err := s.db.Exec("DELETE FROM friends WHERE a_id = ? AND b_id = ?", aID, bID); err != nil {
		return nil, fmt.Errorf("failed to remove friend request: %w", err)
	}

	if requestedBy == me {
		return &Result{Status: "CANCELED"}, nil
	}
	return &Result{Status: "DECLINED"}, nil
}

// List buckets the caller's relations into accepted and pending
// incoming/outgoing, newest activity first.
func (s *Service) List(me int64) (*FriendList, error) {
	rows, err := s.db.Query(`
		SELECT f.a_id, f.b_id, f.status, f.requested_by,
		       u.id, u.username, u.email, u.display_name, u.avatar_url
		FROM friends f
		JOIN users u ON u.id = CASE WHEN f.a_id = ? THEN f.b_id ELSE f.a_id END
		WHERE f.a_id = ? OR f.b_id = ?
		ORDER BY f.updated_at DESC
	`, me, me, me)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch friends: %w", err)
	}
	defer rows.Close()

	list := &FriendList{
		Accepted:        []FriendProfile{},
		PendingIncoming: []FriendProfile{},
		PendingOutgoing: []FriendProfile{},
	}

	for rows.Next() {
		var aID, bID, requestedBy int64
		var status string
		var p FriendProfile
		var avatarURL sql.NullString
		if err := rows.Scan(&aID, &bID, &status, &requestedBy,
			&p.ID, &p.Username, &p.Email, &p.DisplayName, &avatarURL); err != nil {
			return nil, fmt.Errorf("failed to scan friend row: %w", err)
		}
		if avatarURL.Valid {
			p.AvatarURL = &avatarURL.String
		}

		switch status {
		case models.FriendAccepted:
			list.Accepted = append(list.Accepted, p)
		case models.FriendPending:
			if requestedBy == me {
				list.PendingOutgoing = append(list.PendingOutgoing, p)
			} else {
				list.PendingIncoming = append(list.PendingIncoming, p)
			}
		}
		// BLOCKED rows are omitted from listings
	}

	return list, rows.Err()
}

// RelationsTo annotates each of otherIDs with its relation to me.
// Direction comes from requested_by, not from pair position, so the
// annotation stays correct independent of row ordering.
func (s *Service) RelationsTo(me int64, otherIDs []int64) (map[int64]string, error) {
	relations := make(map[int64]string, len(otherIDs))
	for _, id := range otherIDs {
		relations[id] = RelationNone
	}
	if len(otherIDs) == 0 {
		return relations, nil
	}

	placeholders := "?" + strings.Repeat(",?", len(otherIDs)-1)
	args := []any{me, me}
	args = append(args, toAny(otherIDs)...)
	args = append(args, me)
	args = append(args, toAny(otherIDs)...)

	rows, err := s.db.Query(`
		SELECT CASE WHEN a_id = ? THEN b_id ELSE a_id END AS other_id, status, requested_by
		FROM friends
		WHERE (a_id = ? AND b_id IN (`+placeholders+`))
		   OR (b_id = ? AND a_id IN (`+placeholders+`))
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch relations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var otherID, requestedBy int64
		var status string
		if err := rows.Scan(&otherID, &status, &requestedBy); err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		if _, wanted := relations[otherID]; !wanted {
			continue
		}
		switch status {
		case models.FriendAccepted:
			relations[otherID] = RelationAccepted
		case models.FriendPending:
			if requestedBy == me {
				relations[otherID] = RelationPendingOut
			} else {
				relations[otherID] = RelationPendingIn
			}
		}
	}

	return relations, rows.Err()
}

func (s *Service) resolveUsername(me int64, username string) (int64, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return 0, apperr.InvalidArg("username is required")
	}

	var other int64
	err := s.db.QueryRow("SELECT id FROM users WHERE username = ?", username).Scan(&other)
	if err == sql.ErrNoRows {
		return 0, apperr.NotFound("user not found")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve username: %w", err)
	}

	if other == me {
		return 0, apperr.InvalidArg("cannot friend yourself")
	}
	return other, nil
}

func toAny(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
