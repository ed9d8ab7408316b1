package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"voicetutor-backend/internal/middleware"
	"voicetutor-backend/internal/models"
	"voicetutor-backend/internal/repository"
	"voicetutor-backend/internal/services"
	"voicetutor-backend/internal/voice"
	"voicetutor-backend/internal/worker"
)

type VoiceSessionHandler struct {
	sessionRepo *repository.SessionRepo
	provider    *services.OmnidimService
	registry    *voice.Registry
	queue       *worker.Queue
}

func NewVoiceSessionHandler(
	sessionRepo *repository.SessionRepo,
	provider *services.OmnidimService,
	registry *voice.Registry,
	queue *worker.Queue,
) *VoiceSessionHandler {
	return &VoiceSessionHandler{
		sessionRepo: sessionRepo,
		provider:    provider,
		registry:    registry,
		queue:       queue,
	}
}

// Start creates a provider session plus the durable session row and returns
// the WebSocket endpoint the client should connect to.
func (h *VoiceSessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req struct {
		Type       string `json:"type"`
		Subject    string `json:"subject"`
		Language   string `json:"language"`
		Difficulty string `json:"difficulty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	if !models.ValidSessionType(req.Type) {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "type must be tutor, language_practice, exam_prep, or pronunciation", r))
		return
	}
	if req.Difficulty == "" {
		req.Difficulty = "medium"
	}
	if req.Language == "" {
		req.Language = "en-US"
	}

	var cfg services.SessionConfig
	switch req.Type {
	case models.SessionTypeTutor:
		if req.Subject == "" {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "subject is required for tutor sessions", r))
			return
		}
		cfg = services.TutorSessionConfig(userID, req.Subject, req.Difficulty)
	case models.SessionTypeLanguagePractice:
		cfg = services.LanguagePracticeSessionConfig(userID, req.Language, req.Difficulty)
	case models.SessionTypeExamPrep:
		if req.Subject == "" {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "subject is required for exam prep sessions", r))
			return
		}
		cfg = services.ExamPrepSessionConfig(userID, req.Subject, req.Difficulty)
	case models.SessionTypePronunciation:
		cfg = services.PronunciationSessionConfig(userID, req.Language)
	}

	providerSession, err := h.provider.CreateVoiceSession(r.Context(), cfg)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	configJSON, _ := json.Marshal(cfg)
	session := &models.LearningSession{
		UserID:            userID,
		ProviderSessionID: providerSession.SessionID,
		Type:              req.Type,
		ConfigJSON:        configJSON,
	}
	if req.Subject != "" {
		session.Subject = &req.Subject
	}
	if req.Language != "" {
		session.Language = &req.Language
	}
	if req.Difficulty != "" {
		session.Difficulty = &req.Difficulty
	}

	if err := h.sessionRepo.Create(r.Context(), session); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to create session", r))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session":     session,
		"ws_endpoint": "/api/v1/ws/voice/" + session.ID.String(),
	})
}

// End finishes a session. If a bridge is live it is asked to shut down
// gracefully, which runs the normal finalize path; otherwise the row is
// finalized directly.
func (h *VoiceSessionHandler) End(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session ID", r))
		return
	}

	session, err := h.sessionRepo.GetByID(r.Context(), sessionID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Session not found", r))
		return
	}
	if session.UserID != userID {
		writeJSON(w, http.StatusForbidden, errorResp("FORBIDDEN", "Access denied", r))
		return
	}

	if bridge, ok := h.registry.Lookup(sessionID); ok {
		bridge.RequestEnd()
		writeJSON(w, http.StatusOK, map[string]string{"message": "Session ending"})
		return
	}

	endedAt := time.Now().UTC()
	duration := int(endedAt.Sub(session.StartedAt).Seconds())
	err = h.sessionRepo.Finalize(r.Context(), sessionID, userID, models.SessionStatusCompleted, endedAt, duration)
	if err == repository.ErrNotActive {
		writeJSON(w, http.StatusConflict, errorResp("CONFLICT", "Session has already ended", r))
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to end session", r))
		return
	}

	h.queue.SessionEnded(r.Context(), userID, sessionID, models.SessionStatusCompleted)
	h.queue.EnqueueInsights(r.Context(), models.InsightsJob{SessionID: sessionID, UserID: userID})

	writeJSON(w, http.StatusOK, map[string]string{"message": "Session ended"})
}

// Get returns one session with its interactions.
func (h *VoiceSessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session ID", r))
		return
	}

	session, err := h.sessionRepo.GetByID(r.Context(), sessionID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Session not found", r))
		return
	}
	if session.UserID != userID {
		writeJSON(w, http.StatusForbidden, errorResp("FORBIDDEN", "Access denied", r))
		return
	}

	interactions, err := h.sessionRepo.ListInteractions(r.Context(), sessionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to load interactions", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":      session,
		"interactions": interactions,
	})
}

// List returns the caller's sessions, newest first.
func (h *VoiceSessionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	limit := 20
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	sessions, total, err := h.sessionRepo.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to list sessions", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// Subjects lists the subjects available for tutoring sessions.
func (h *VoiceSessionHandler) Subjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subjects": []map[string]string{
			{"id": "math", "name": "Mathematics", "icon": "calculator"},
			{"id": "science", "name": "Science", "icon": "flask"},
			{"id": "language", "name": "Language Arts", "icon": "book"},
			{"id": "history", "name": "History", "icon": "clock"},
			{"id": "programming", "name": "Programming", "icon": "code"},
		},
	})
}
