package ws

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/gabble-im/gabble/internal/messages"
	"github.com/gabble-im/gabble/internal/models"
	"github.com/gabble-im/gabble/internal/rooms"
)

// DropReason says why a realtime request was silently discarded.
// Nothing is reported to the wire; unauthorized clients must not learn
// whether a room exists or who belongs to it.
type DropReason string

const (
	DropNone         DropReason = ""
	DropMissingRoom  DropReason = "missing_room"
	DropBlankContent DropReason = "blank_content"
	DropNotMember    DropReason = "not_member"
)

// Hub owns the live-connection registry: every authenticated
// connection plus, per room, the fan-out set of connections subscribed
// to it. One Hub instance is created at startup and handed to the
// router; there is no package-level registry.
type Hub struct {
	clients    map[*Client]bool
	rooms      map[int64]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	db         *sql.DB
	directory  *rooms.Directory
	log        *messages.Log
	mu         sync.RWMutex

	// One mutex per room serializes append→activity-bump→fan-out so
	// broadcast order always matches store append order. Rooms never
	// share a lock.
	roomLocks map[int64]*sync.Mutex
	lockMu    sync.Mutex
}

type Client struct {
	userID int64
	conn   *websocket.Conn
	hub    *Hub
	send   chan interface{}
}

type sessionEvent struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

type messageEvent struct {
	Type    string                    `json:"type"`
	Message *models.MessageWithSender `json:"message"`
}

type ackEvent struct {
	Type    string                    `json:"type"`
	AckID   string                    `json:"ack_id"`
	Message *models.MessageWithSender `json:"message,omitempty"`
	Error   string                    `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

func NewHub(db *sql.DB, directory *rooms.Directory, msgLog *messages.Log) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[int64]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		db:         db,
		directory:  directory,
		log:        msgLog,
		roomLocks:  make(map[int64]*sync.Mutex),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("ws: user %d connected (total: %d)", client.userID, total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for roomID, set := range h.rooms {
					delete(set, client)
					if len(set) == 0 {
						delete(h.rooms, roomID)
					}
				}
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("ws: user %d disconnected (total: %d)", client.userID, total)
		}
	}
}

// Subscribe adds the connection to the room's fan-out set after
// re-checking membership. Unauthorized or malformed requests are
// dropped without a wire response.
func (h *Hub) Subscribe(c *Client, roomID int64) (DropReason, error) {
	if roomID <= 0 {
		return DropMissingRoom, nil
	}

	member, err := h.directory.IsMember(roomID, c.userID)
	if err != nil {
		return DropNotMember, err
	}
	if !member {
		return DropNotMember, nil
	}

	h.mu.Lock()
	set, ok := h.rooms[roomID]
	if !ok {
		set = make(map[*Client]bool)
		h.rooms[roomID] = set
	}
	set[c] = true
	h.mu.Unlock()

	return DropNone, nil
}

// Publish validates, persists and fans out one message. Membership is
// re-checked on every publish; it can change between subscribe and
// publish. On success the persisted record is returned for the
// publisher's acknowledgment. A persistence error reaches only the
// publisher; nothing is broadcast.
func (h *Hub) Publish(c *Client, roomID int64, content string, replyToID *int64) (*models.MessageWithSender, DropReason, error) {
	if roomID <= 0 {
		return nil, DropMissingRoom, nil
	}

	lock := h.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	member, err := h.directory.IsMember(roomID, c.userID)
	if err != nil {
		return nil, DropNotMember, err
	}
	if !member {
		return nil, DropNotMember, nil
	}

	msg, err := h.log.Append(roomID, c.userID, content, replyToID)
	if err != nil {
		if messages.IsBlankContent(err) {
			return nil, DropBlankContent, nil
		}
		return nil, DropNone, err
	}

	if err := h.directory.TouchActivity(roomID, msg.ID); err != nil {
		log.Printf("ws: failed to bump activity for room %d: %v", roomID, err)
	}

	h.broadcastToRoom(roomID, &messageEvent{Type: "message:new", Message: msg})

	return msg, DropNone, nil
}

func (h *Hub) broadcastToRoom(roomID int64, event interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[roomID] {
		select {
		case client.send <- event:
		default:
			log.Printf("ws: send channel full for user %d", client.userID)
		}
	}
}

func (h *Hub) roomLock(roomID int64) *sync.Mutex {
	h.lockMu.Lock()
	defer h.lockMu.Unlock()
	lock, ok := h.roomLocks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		h.roomLocks[roomID] = lock
	}
	return lock
}

// IsUserOnline reports whether any live connection belongs to userID.
func (h *Hub) IsUserOnline(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.userID == userID {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades an authenticated request to a persistent
// connection. The identity set by the auth middleware is bound to the
// connection for its entire lifetime.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v", err)
		return
	}

	client := &Client{
		userID: userID.(int64),
		conn:   conn,
		hub:    h,
		send:   make(chan interface{}, 256),
	}

	h.register <- client
	client.send <- &sessionEvent{Type: "session", ID: client.userID}

	go client.readPump()
	go client.writePump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws: read error: %v", err)
			}
			break
		}

		var event map[string]interface{}
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		eventType, ok := event["type"].(string)
		if !ok {
			continue
		}

		switch eventType {
		case "join_room":
			c.handleJoinRoom(event)
		case "send_message":
			c.handleSendMessage(event)
		}
	}
}

func (c *Client) handleJoinRoom(event map[string]interface{}) {
	roomID := eventID(event["room"])
	if _, err := c.hub.Subscribe(c, roomID); err != nil {
		log.Printf("ws: subscribe user %d room %d: %v", c.userID, roomID, err)
	}
}

func (c *Client) handleSendMessage(event map[string]interface{}) {
	roomID := eventID(event["room"])
	content, _ := event["message"].(string)
	ackID, _ := event["ack_id"].(string)

	var replyTo *int64
	if id := eventID(event["reply_to_id"]); id > 0 {
		replyTo = &id
	}

	msg, _, err := c.hub.Publish(c, roomID, content, replyTo)
	if err != nil {
		log.Printf("ws: publish from user %d to room %d failed: %v", c.userID, roomID, err)
		if ackID != "" {
			c.ack(&ackEvent{Type: "message:ack", AckID: ackID, Error: "failed to send"})
		}
		return
	}
	if msg == nil {
		// Dropped: no ack, no error on the wire.
		return
	}
	if ackID != "" {
		c.ack(&ackEvent{Type: "message:ack", AckID: ackID, Message: msg})
	}
}

func (c *Client) ack(event *ackEvent) {
	select {
	case c.send <- event:
	default:
	}
}

// eventID reads a JSON id value that clients may send either as a
// number or a string.
func eventID(v interface{}) int64 {
	switch val := v.(type) {
	case float64:
		return int64(val)
	case string:
		id, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0
		}
		return id
	default:
		return 0
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			data, _ := json.Marshal(message)
			w.Write(data)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
