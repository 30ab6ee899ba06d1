package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/internal/metrics"
)

const userIDKey = "userID"

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	r.GET("/cable", s.handleCable)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	api.Use(s.tokenAuth())
	{
		api.GET("/rooms", s.listRooms)
		api.GET("/rooms/:room_id/messages", s.listMessages)
		api.POST("/rooms/:room_id/messages", s.createMessage)
		api.GET("/users", s.listUsers)
		api.GET("/users/me", s.currentUser)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start),
			"request_id": c.GetHeader("X-Request-ID"),
		}).Debug("Request served")
	}
}

// tokenAuth accepts "Authorization: Token <token>" with a known token.
func (s *Server) tokenAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
		if !ok || scheme != "Token" || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header format must be Token {token}"})
			return
		}
		userID, ok := s.opts.Tokens[token]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func (s *Server) listRooms(c *gin.Context) {
	rooms, err := s.opts.Store.Rooms(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

// roomParam resolves :room_id, writing the error response when it fails.
func (s *Server) roomParam(c *gin.Context) (chat.Room, bool) {
	id, err := strconv.ParseInt(c.Param("room_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return chat.Room{}, false
	}
	room, err := s.opts.Store.Room(c.Request.Context(), id)
	if errors.Is(err, chat.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return chat.Room{}, false
	}
	if err != nil {
		s.internalError(c, err)
		return chat.Room{}, false
	}
	return room, true
}

func (s *Server) listMessages(c *gin.Context) {
	room, ok := s.roomParam(c)
	if !ok {
		return
	}
	msgs, err := s.opts.Store.Messages(c.Request.Context(), room.ID)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) createMessage(c *gin.Context) {
	room, ok := s.roomParam(c)
	if !ok {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Content) == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "content is required"})
		return
	}

	msg, err := s.CreateMessage(c.Request.Context(), room.ID, c.GetInt64(userIDKey), body.Content)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) listUsers(c *gin.Context) {
	c.JSON(http.StatusOK, s.userList())
}

func (s *Server) currentUser(c *gin.Context) {
	c.JSON(http.StatusOK, s.users[c.GetInt64(userIDKey)])
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.log.WithError(err).WithField("path", c.Request.URL.Path).Error("Request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// pushPayload is the cable message broadcast for a new chat message.
func pushPayload(msg chat.Message) (json.RawMessage, error) {
	return json.Marshal(gin.H{"message": msg})
}
