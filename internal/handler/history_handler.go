package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/brainDensed/theramine-session/internal/archive"
	"github.com/brainDensed/theramine-session/internal/domain"
	"github.com/brainDensed/theramine-session/pkg/log"
	"github.com/brainDensed/theramine-session/pkg/response"
)

// HistoryHandler serves the archived side of sessions: room listings and
// full chat history, read from the content-addressed store.
type HistoryHandler struct {
	archive *archive.Sync
}

func NewHistoryHandler(arc *archive.Sync) *HistoryHandler {
	return &HistoryHandler{archive: arc}
}

// ListRooms handles GET /api/v1/rooms?participant=<id>.
func (h *HistoryHandler) ListRooms(c *gin.Context) {
	participant := c.Query("participant")
	if participant == "" {
		response.BadRequest(c, "participant query parameter is required")
		return
	}

	rooms, err := h.archive.ListRooms(c.Request.Context(), participant)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldParticipantID, participant).Msg("failed to list rooms")
		response.InternalError(c, "failed to list rooms")
		return
	}

	response.Success(c, gin.H{
		"participant": participant,
		"rooms":       rooms,
		"count":       len(rooms),
	})
}

// GetHistory handles GET /api/v1/rooms/:roomId/history.
func (h *HistoryHandler) GetHistory(c *gin.Context) {
	roomID := c.Param("roomId")
	if !domain.IsValidRoomID(roomID) {
		response.BadRequest(c, "invalid room id")
		return
	}

	snap, err := h.archive.LoadLatest(c.Request.Context(), roomID)
	if errors.Is(err, archive.ErrNoSnapshot) {
		response.NotFound(c, "no history for room")
		return
	}
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to load history")
		response.InternalError(c, "failed to load history")
		return
	}

	response.Success(c, snap)
}

// Health handles GET /healthz.
func (h *HistoryHandler) Health(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}
