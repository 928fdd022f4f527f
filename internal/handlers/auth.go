package handlers

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gabble-im/gabble/internal/auth"
	"github.com/gabble-im/gabble/internal/models"
	"github.com/gabble-im/gabble/pkg/apperr"
)

type AuthHandler struct {
	db      *sql.DB
	authSvc *auth.Service
}

func NewAuthHandler(db *sql.DB, authSvc *auth.Service) *AuthHandler {
	return &AuthHandler{db: db, authSvc: authSvc}
}

type RegisterRequest struct {
	Email       string `json:"email" binding:"required"`
	Username    string `json:"username" binding:"required"`
	DisplayName string `json:"display_name" binding:"required"`
	Password    string `json:"password" binding:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type AuthResponse struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

// fail maps a service error onto the wire: taxonomy errors keep their
// status and message, everything else collapses to a 500.
func fail(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{
		"error": gin.H{"code": string(apperr.CodeOf(err)), "message": apperr.Message(err)},
	})
}

// Register creates a new user account
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidArg("invalid request"))
		return
	}

	userID, err := h.authSvc.Register(req.Email, req.Username, req.DisplayName, req.Password)
	if err != nil {
		fail(c, err)
		return
	}

	token, err := h.authSvc.GenerateToken(userID, req.Email)
	if err != nil {
		fail(c, apperr.Internal("failed to generate token", err))
		return
	}

	c.JSON(http.StatusCreated, AuthResponse{Token: token, UserID: userID})
}

// Login authenticates a user and returns a token
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidArg("invalid request"))
		return
	}

	token, userID, err := h.authSvc.Login(req.Email, req.Password)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, AuthResponse{Token: token, UserID: userID})
}

// Me returns the authenticated user's own record.
func (h *AuthHandler) Me(c *gin.Context) {
	userID := c.GetInt64("user_id")

	var user models.User
	var avatarURL sql.NullString
	err := h.db.QueryRow(`
		SELECT id, email, username, display_name, avatar_url, created_at FROM users WHERE id = ?
	`, userID).Scan(&user.ID, &user.Email, &user.Username, &user.DisplayName, &avatarURL, &user.CreatedAt)
	if err != nil {
		fail(c, apperr.Internal("failed to fetch profile", err))
		return
	}
	if avatarURL.Valid {
		user.AvatarURL = &avatarURL.String
	}

	c.JSON(http.StatusOK, user)
}

// UpdateProfile changes the caller's display name and avatar.
func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	userID := c.GetInt64("user_id")

	var req struct {
		DisplayName *string `json:"display_name"`
		AvatarURL   *string `json:"avatar_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidArg("invalid request"))
		return
	}

	if req.DisplayName != nil {
		name := *req.DisplayName
		if len(name) < 2 || len(name) > 50 {
			fail(c, apperr.InvalidArg("display name must be between 2 and 50 characters"))
			return
		}
		if _, err := h.db.Exec("UPDATE users SET display_name = ? WHERE id = ?", name, userID); err != nil {
			fail(c, apperr.Internal("failed to update profile", err))
			return
		}
	}
	if req.AvatarURL != nil {
		if _, err := h.db.Exec("UPDATE users SET avatar_url = ? WHERE id = ?", *req.AvatarURL, userID); err != nil {
			fail(c, apperr.Internal("failed to update profile", err))
			return
		}
	}

	h.Me(c)
}

// AuthMiddleware validates the JWT and binds the user id to the request.
func (h *AuthHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Try the Authorization header first
		authHeader := c.GetHeader("Authorization")
		token := ""

		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			token = authHeader[7:]
		}

		// Fall back to a query parameter (for WebSocket handshakes)
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			fail(c, apperr.Unauthorized("missing authorization token"))
			c.Abort()
			return
		}

		claims, err := h.authSvc.ValidateToken(token)
		if err != nil {
			fail(c, apperr.Unauthorized("invalid token"))
			c.Abort()
			return
		}

		exists, err := h.authSvc.UserExists(claims.UserID)
		if err != nil {
			fail(c, apperr.Internal("failed to validate user", err))
			c.Abort()
			return
		}
		if !exists {
			fail(c, apperr.Unauthorized("user not found"))
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Next()
	}
}
