package handlers

import (
	"net/http"
	"time"

	"github.com/ahmadshakeelpu/psych-study/internal/models"
	"github.com/ahmadshakeelpu/psych-study/internal/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ParticipantIDKey is the gin context key handlers set once a request is
// bound, so the access log can carry the session a request belongs to.
const ParticipantIDKey = "participant_id"

// StudyHandler exposes the participant-facing study transitions. Every
// response carries the server-derived stage so the client progress cache can
// reconcile after each transition.
type StudyHandler struct {
	log *zap.Logger
	svc *services.SessionService
}

func NewStudyHandler(log *zap.Logger, svc *services.SessionService) *StudyHandler {
	return &StudyHandler{log: log, svc: svc}
}

type enrollRequest struct {
	ConsentAt   time.Time            `json:"consent_at" binding:"required"`
	Demographic *models.Demographics `json:"demographic"`
}

func (h *StudyHandler) Enroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "consent_at required"})
		return
	}

	result, err := h.svc.Enroll(c.Request.Context(), services.EnrollInput{
		ConsentAt:   req.ConsentAt,
		Demographic: req.Demographic,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Set(ParticipantIDKey, result.ParticipantID)

	c.JSON(http.StatusOK, gin.H{
		"participant_id": result.ParticipantID,
		"stage":          result.Stage,
		"item_order":     result.ItemOrder,
	})
}

type demographicsRequest struct {
	ParticipantID string              `json:"participant_id" binding:"required"`
	Demographic   models.Demographics `json:"demographic" binding:"required"`
}

func (h *StudyHandler) SaveDemographics(c *gin.Context) {
	var req demographicsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant_id and demographic required"})
		return
	}

	c.Set(ParticipantIDKey, req.ParticipantID)
	stage, err := h.svc.SaveDemographics(c.Request.Context(), req.ParticipantID, req.Demographic)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "stage": stage})
}

type scalesRequest struct {
	ParticipantID string         `json:"participant_id" binding:"required"`
	Attari        map[string]int `json:"attari" binding:"required"`
	Tai           map[string]int `json:"tai" binding:"required"`
}

func (h *StudyHandler) SaveScales(c *gin.Context) {
	var req scalesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant_id, attari and tai required"})
		return
	}

	c.Set(ParticipantIDKey, req.ParticipantID)
	stage, err := h.svc.SaveScales(c.Request.Context(), req.ParticipantID, req.Attari, req.Tai)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "stage": stage})
}

type screeningRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	ScreeningText string `json:"screening_text" binding:"required"`
	BaselineUse   *int   `json:"baseline_use" binding:"required"`
}

func (h *StudyHandler) Screen(c *gin.Context) {
	var req screeningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant_id, screening_text and baseline_use required"})
		return
	}

	c.Set(ParticipantIDKey, req.ParticipantID)
	result, err := h.svc.Screen(c.Request.Context(), req.ParticipantID, req.ScreeningText, *req.BaselineUse)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if result.Excluded {
		c.JSON(http.StatusOK, gin.H{"excluded": true, "stage": result.Stage})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"excluded":  false,
		"condition": result.Condition,
		"stage":     result.Stage,
	})
}

type chatRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	Round         int    `json:"round" binding:"required"`
	UserMessage   string `json:"user_message" binding:"required"`
}

func (h *StudyHandler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant_id, round and user_message required"})
		return
	}

	c.Set(ParticipantIDKey, req.ParticipantID)
	result, err := h.svc.ChatRound(c.Request.Context(), req.ParticipantID, req.Round, req.UserMessage)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reply": result.Reply,
		"round": result.Round,
		"stage": result.Stage,
	})
}

type greetingRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	Round         int    `json:"round" binding:"required"`
}

func (h *StudyHandler) Greeting(c *gin.Context) {
	var req greetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant_id and round required"})
		return
	}

	c.Set(ParticipantIDKey, req.ParticipantID)
	reply, err := h.svc.Greeting(c.Request.Context(), req.ParticipantID, req.Round)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

type completeRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	PostUse       *int   `json:"post_use" binding:"required"`
	PostChange    string `json:"post_change" binding:"required"`
}

func (h *StudyHandler) Complete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant_id, post_use and post_change required"})
		return
	}

	c.Set(ParticipantIDKey, req.ParticipantID)
	stage, err := h.svc.Complete(c.Request.Context(), req.ParticipantID, *req.PostUse, req.PostChange)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "stage": stage})
}

func (h *StudyHandler) State(c *gin.Context) {
	c.Set(ParticipantIDKey, c.Param("id"))
	state, err := h.svc.State(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"participant_id":   state.ParticipantID,
		"stage":            state.Stage,
		"condition":        state.Condition,
		"rounds_committed": state.RoundsCommitted,
		"rounds_total":     state.RoundsTotal,
		"item_order":       state.ItemOrder,
		"excluded":         state.Excluded,
		"completed":        state.Completed,
	})
}

// respondError maps the service error taxonomy onto HTTP statuses.
func (h *StudyHandler) respondError(c *gin.Context, err error) {
	switch services.KindOf(err) {
	case services.KindInvalid:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case services.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case services.KindConflict:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case services.KindUpstream:
		h.log.Error("Completion service error", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "completion service unavailable"})
	default:
		h.log.Error("Internal error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
	}
}
