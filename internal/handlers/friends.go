package handlers

import (
	"database/sql"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gabble-im/gabble/internal/friends"
	"github.com/gabble-im/gabble/pkg/apperr"
)

// OnlineChecker reports realtime presence for user listings.
type OnlineChecker interface {
	IsUserOnline(userID int64) bool
}

type FriendHandler struct {
	db            *sql.DB
	friends       *friends.Service
	onlineChecker OnlineChecker
}

func NewFriendHandler(db *sql.DB, friendSvc *friends.Service, onlineChecker OnlineChecker) *FriendHandler {
	return &FriendHandler{db: db, friends: friendSvc, onlineChecker: onlineChecker}
}

type friendRequest struct {
	Username string `json:"username" binding:"required"`
}

// Request sends (or reports) a friend request to the named user.
func (h *FriendHandler) Request(c *gin.Context) {
	userID := c.GetInt64("user_id")

	var req friendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidArg("invalid request"))
		return
	}

	res, err := h.friends.Request(userID, req.Username)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// Accept confirms an incoming friend request.
func (h *FriendHandler) Accept(c *gin.Context) {
	userID := c.GetInt64("user_id")

	var req friendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidArg("invalid request"))
		return
	}

	res, err := h.friends.Accept(userID, req.Username)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// Decline removes a pending request from either side.
func (h *FriendHandler) Decline(c *gin.Context) {
	userID := c.GetInt64("user_id")

	var req friendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidArg("invalid request"))
		return
	}

	res, err := h.friends.Decline(userID, req.Username)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// List buckets the caller's relations into accepted and pending.
func (h *FriendHandler) List(c *gin.Context) {
	userID := c.GetInt64("user_id")

	list, err := h.friends.List(userID)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, list)
}

// SearchUsers finds users by username or display name, each annotated
// with the caller's relation to them and their presence.
func (h *FriendHandler) SearchUsers(c *gin.Context) {
	userID := c.GetInt64("user_id")

	query := strings.TrimSpace(c.Query("q"))

	var rows *sql.Rows
	var err error
	if query != "" {
		rows, err = h.db.Query(`
			SELECT id, username, display_name, avatar_url FROM users
			WHERE id != ? AND (username LIKE ? OR display_name LIKE ?)
			ORDER BY username LIMIT 20
		`, userID, "%"+query+"%", "%"+query+"%")
	} else {
		rows, err = h.db.Query(`
			SELECT id, username, display_name, avatar_url FROM users
			WHERE id != ? ORDER BY username LIMIT 20
		`, userID)
	}
	if err != nil {
		fail(c, apperr.Internal("failed to fetch users", err))
		return
	}
	defer rows.Close()

	type userResult struct {
		ID          int64   `json:"id"`
		Username    string  `json:"username"`
		DisplayName string  `json:"display_name"`
		AvatarURL   *string `json:"avatar_url,omitempty"`
		Relation    string  `json:"relation"`
		IsOnline    bool    `json:"is_online"`
	}

	results := []userResult{}
	ids := []int64{}
	for rows.Next() {
		var u userResult
		var avatarURL sql.NullString
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &avatarURL); err != nil {
			continue
		}
		if avatarURL.Valid {
			u.AvatarURL = &avatarURL.String
		}
		u.IsOnline = h.onlineChecker != nil && h.onlineChecker.IsUserOnline(u.ID)
		results = append(results, u)
		ids = append(ids, u.ID)
	}

	relations, err := h.friends.RelationsTo(userID, ids)
	if err != nil {
		fail(c, err)
		return
	}
	for i := range results {
		results[i].Relation = relations[results[i].ID]
	}

	c.JSON(http.StatusOK, results)
}
