package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/thestics/web-chat/internal/service"
	"github.com/thestics/web-chat/internal/store"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 和 store 层。
type Handler struct {
	userSvc  *service.UserService
	messages *store.MessageStore
	presence *store.PresenceStore
}

func NewHandler(userSvc *service.UserService, messages *store.MessageStore, presence *store.PresenceStore) *Handler {
	return &Handler{userSvc: userSvc, messages: messages, presence: presence}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r *credentials) validate() bool {
	r.Username = strings.TrimSpace(r.Username)
	if r.Username == "" || r.Password == "" {
		return false
	}
	if len(r.Username) < 2 || len(r.Username) > 128 {
		return false
	}
	return len(r.Password) >= 4 && len(r.Password) <= 128
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil || !req.validate() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Register(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ID, "username": result.Username})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil || !req.validate() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "username": result.User.Username},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// History 返回全部聊天历史，与 websocket 端 init.chat_history 一致。
func (h *Handler) History(c *gin.Context) {
	msgs, err := h.messages.History()
	if err != nil {
		log.Error().Err(err).Msg("list history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Online 返回当前在线用户及各自的连接数。
func (h *Handler) Online(c *gin.Context) {
	users, err := h.presence.ListOnline()
	if err != nil {
		log.Error().Err(err).Msg("list online")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list online users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": users})
}
