package voice

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voicetutor-backend/internal/middleware"
	"voicetutor-backend/internal/models"
	"voicetutor-backend/internal/services"
)

// SessionSource is what the endpoint needs from the session store: lookup
// for admission checks plus the write methods the bridge uses.
type SessionSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.LearningSession, error)
	Store
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamHandler owns the voice WebSocket endpoint: it authenticates the
// caller, admits the session into the registry, and hands the connection to
// a new bridge.
type StreamHandler struct {
	registry    *Registry
	sessions    SessionSource
	provider    *services.OmnidimService
	jwt         *middleware.JWTAuth
	notifier    Notifier
	idleTimeout time.Duration
}

func NewStreamHandler(
	registry *Registry,
	sessions SessionSource,
	provider *services.OmnidimService,
	jwt *middleware.JWTAuth,
	notifier Notifier,
	idleTimeout time.Duration,
) *StreamHandler {
	return &StreamHandler{
		registry:    registry,
		sessions:    sessions,
		provider:    provider,
		jwt:         jwt,
		notifier:    notifier,
		idleTimeout: idleTimeout,
	}
}

// HandleVoiceStream serves GET /ws/voice/{sessionID}?token=...
//
// Token problems are rejected before the upgrade, like the rest of the API.
// Everything after the upgrade (unknown session, wrong owner, duplicate
// stream, provider trouble) surfaces as one terminal error event followed by
// a close, so the client never sees a silent hang.
func (h *StreamHandler) HandleVoiceStream(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userID, err := h.jwt.VerifyToken(tokenStr)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Voice stream upgrade failed: %v", err)
		return
	}

	session, err := h.sessions.GetByID(r.Context(), sessionID)
	if err != nil {
		rejectStream(conn, "Session not found")
		return
	}
	if session.UserID != userID {
		rejectStream(conn, "Session belongs to a different user")
		return
	}
	if session.Status != models.SessionStatusActive {
		rejectStream(conn, "Session has already ended")
		return
	}

	bridge := NewBridge(BridgeConfig{
		SessionID: session.ID,
		UserID:    userID,
		StartedAt: session.StartedAt,
		Client:    conn,
		Dial: func(ctx context.Context) (Upstream, error) {
			stream, err := h.provider.ConnectStream(ctx, session.ProviderSessionID)
			if err != nil {
				return nil, err
			}
			return stream, nil
		},
		Store:       h.sessions,
		Notifier:    h.notifier,
		Registry:    h.registry,
		IdleTimeout: h.idleTimeout,
	})

	if err := h.registry.Admit(session.ID, bridge); err != nil {
		rejectStream(conn, "Session already has an active stream")
		return
	}

	log.Printf("Voice stream connected: session %s user %s", session.ID, userID)
	bridge.Run(r.Context())
	log.Printf("Voice stream closed: session %s", session.ID)
}

// rejectStream sends one terminal error event and closes the connection.
// Used for post-upgrade rejections, which must not leave side effects.
func rejectStream(conn *websocket.Conn, message string) {
	data, _ := json.Marshal(models.ErrorMessage{Type: "error", Message: message})
	conn.WriteMessage(websocket.TextMessage, data)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
	conn.Close()
}
