package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gabble-im/gabble/internal/messages"
	"github.com/gabble-im/gabble/internal/rooms"
	"github.com/gabble-im/gabble/pkg/apperr"
)

type RoomHandler struct {
	directory *rooms.Directory
	log       *messages.Log
}

func NewRoomHandler(directory *rooms.Directory, log *messages.Log) *RoomHandler {
	return &RoomHandler{directory: directory, log: log}
}

// ListRooms returns the caller's rooms. ?scope=all includes rooms that
// never saw a message; the default lists active rooms only.
func (h *RoomHandler) ListRooms(c *gin.Context) {
	userID := c.GetInt64("user_id")

	scope := rooms.ScopeRecent
	if c.Query("scope") == string(rooms.ScopeAll) {
		scope = rooms.ScopeAll
	}

	summaries, err := h.directory.ListRooms(userID, scope)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rooms": summaries})
}

// CreateDirectRoom resolves the single direct room with a peer,
// creating it when absent. Both members get the same room regardless
// of who asks first.
func (h *RoomHandler) CreateDirectRoom(c *gin.Context) {
	userID := c.GetInt64("user_id")

	var req struct {
		PeerID int64 `json:"peer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidArg("invalid request"))
		return
	}

	room, err := h.directory.GetOrCreateDirectRoom(userID, req.PeerID)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, room)
}

// CreateGroupRoom creates a named group room with the caller as owner.
func (h *RoomHandler) CreateGroupRoom(c *gin.Context) {
	userID := c.GetInt64("user_id")

	var req struct {
		Name      string  `json:"name" binding:"required"`
		MemberIDs []int64 `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidArg("invalid request"))
		return
	}

	room, err := h.directory.CreateGroupRoom(userID, req.Name, req.MemberIDs)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, room)
}

// GetRoomMessages pages backward through a room's history. Membership
// is required; the cursor is the oldest message id of the previous page.
func (h *RoomHandler) GetRoomMessages(c *gin.Context) {
	userID := c.GetInt64("user_id")

	roomID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, apperr.InvalidArg("invalid room id"))
		return
	}

	member, err := h.directory.IsMember(roomID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	if !member {
		fail(c, apperr.Forbidden("not a room member"))
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "30"))

	var cursor *int64
	if raw := c.Query("cursor"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fail(c, apperr.InvalidArg("invalid cursor"))
			return
		}
		cursor = &id
	}

	items, nextCursor, err := h.log.PageBackward(roomID, limit, cursor)
	if err != nil {
		fail(c, err)
		return
	}

	resp := gin.H{"messages": items}
	if nextCursor != nil {
		resp["next_cursor"] = *nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// MarkRoomRead moves the caller's read watermark to now.
func (h *RoomHandler) MarkRoomRead(c *gin.Context) {
	userID := c.GetInt64("user_id")

	roomID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, apperr.InvalidArg("invalid room id"))
		return
	}

	if err := h.directory.MarkRead(roomID, userID); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

// DeleteMessage tombstones a message. Only the sender may delete; the
// row survives so replies keep their anchor.
func (h *RoomHandler) DeleteMessage(c *gin.Context) {
	userID := c.GetInt64("user_id")

	messageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, apperr.InvalidArg("invalid message id"))
		return
	}

	if err := h.log.SoftDelete(messageID, userID); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
