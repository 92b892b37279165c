// Package server exposes the room directory as a flat key-value HTTP
// namespace: read-all, point write, point delete, plus field updates for
// activity refresh.
package server

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/oselabs/peerchat/internal/domain"
)

// Server holds the advertised rooms in memory. Records live only as
// long as hosts keep refreshing them; readers evict stale ones.
type Server struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]domain.DirectoryRecord
}

func New() *Server {
	return &Server{rooms: make(map[domain.RoomID]domain.DirectoryRecord)}
}

func SetupRouter(mode string, s *Server) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/rooms", s.listRooms)
	r.PUT("/rooms/:id", s.putRoom)
	r.DELETE("/rooms/:id", s.deleteRoom)
	r.PUT("/rooms/:id/lastActive", s.putLastActive)
	r.PUT("/rooms/:id/currentParticipants", s.putParticipants)

	log.Info().Str("module", "directory.server").Msg("router setup")
	return r
}

func (s *Server) listRooms(c *gin.Context) {
	s.mu.RLock()
	out := make(map[domain.RoomID]domain.DirectoryRecord, len(s.rooms))
	for id, rec := range s.rooms {
		out[id] = rec
	}
	s.mu.RUnlock()
	c.JSON(http.StatusOK, out)
}

func (s *Server) putRoom(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))

	var rec domain.DirectoryRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	rec.ID = id
	if err := rec.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.rooms[id] = rec
	s.mu.Unlock()

	log.Info().Str("module", "directory.server").Str("room", string(id)).Str("host", rec.HostName).Msg("room advertised")
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) deleteRoom(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))

	s.mu.Lock()
	_, ok := s.rooms[id]
	delete(s.rooms, id)
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room is not exists"})
		return
	}
	log.Info().Str("module", "directory.server").Str("room", string(id)).Msg("room removed")
	c.Status(http.StatusNoContent)
}

func (s *Server) putLastActive(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))

	var ts int64
	if err := c.ShouldBindJSON(&ts); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}

	s.mu.Lock()
	rec, ok := s.rooms[id]
	if ok {
		rec.LastActive = ts
		s.rooms[id] = rec
	}
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room is not exists"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) putParticipants(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))

	var n int
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}

	s.mu.Lock()
	rec, ok := s.rooms[id]
	if ok {
		rec.CurrentParticipants = n
		s.rooms[id] = rec
	}
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room is not exists"})
		return
	}
	c.Status(http.StatusNoContent)
}
