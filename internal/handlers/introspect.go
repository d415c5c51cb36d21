package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nellylemmy/talktime-video-app-sub004/internal/instantcall"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/rooms"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/session"
)

// Read-only state endpoints. They never mutate; a store outage surfaces as
// 503 so upstream health checks can tell degraded from empty.

func (h *Handlers) ListRooms(c *gin.Context) {
	active, err := h.rooms.ListActive(c.Request.Context())
	if err != nil {
		h.logger.Warn("room list failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": active, "count": len(active)})
}

func (h *Handlers) GetRoom(c *gin.Context) {
	roomID := c.Param("room_id")
	room, err := h.rooms.Get(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, rooms.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		h.logger.Warn("room get failed", "room_id", roomID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service degraded"})
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handlers) GetRoomTimer(c *gin.Context) {
	roomID := c.Param("room_id")
	state, err := h.timer.Status(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, session.ErrTimerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no timer for room"})
			return
		}
		h.logger.Warn("timer status failed", "room_id", roomID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service degraded"})
		return
	}
	now := h.nowFn()
	remaining := state.Deadline.Sub(now).Milliseconds()
	if remaining < 0 {
		remaining = 0
	}
	c.JSON(http.StatusOK, gin.H{
		"roomId":         state.RoomID,
		"status":         state.Status,
		"startedAt":      state.StartedAt.UnixMilli(),
		"deadline":       state.Deadline.UnixMilli(),
		"remainingMs":    remaining,
		"firedWarnings":  state.FiredWarnings,
		"warningOffsets": state.WarningOffsets,
	})
}

func (h *Handlers) GetInstantCall(c *gin.Context) {
	callID := c.Param("call_id")
	invitation, err := h.calls.Get(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, instantcall.ErrInvitationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "invitation not found"})
			return
		}
		h.logger.Warn("instant call get failed", "call_id", callID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service degraded"})
		return
	}
	c.JSON(http.StatusOK, invitation)
}

func (h *Handlers) GetCallHistory(c *gin.Context) {
	records, err := h.archive.RecentCalls(50)
	if err != nil {
		h.logger.Warn("call history failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": records, "count": len(records)})
}
