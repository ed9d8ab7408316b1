package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"voicetutor-backend/internal/handlers"
	"voicetutor-backend/internal/middleware"
	"voicetutor-backend/internal/voice"
)

func New(
	jwtAuth *middleware.JWTAuth,
	voiceSessionHandler *handlers.VoiceSessionHandler,
	streamHandler *voice.StreamHandler,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	// Session-start rate limiter (20 req/min per user); every start costs a
	// provider API call.
	startLimiter := middleware.NewRateLimiter(20, time.Minute)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Voice Session Routes ────
		r.Route("/voice", func(r chi.Router) {
			r.Get("/subjects", voiceSessionHandler.Subjects) // Public

			r.Group(func(r chi.Router) {
				r.Use(jwtAuth.Middleware)

				r.Route("/sessions", func(r chi.Router) {
					r.With(startLimiter.Middleware).Post("/", voiceSessionHandler.Start)
					r.Get("/", voiceSessionHandler.List)
					r.Get("/{id}", voiceSessionHandler.Get)
					r.Post("/{id}/end", voiceSessionHandler.End)
				})
			})
		})

		// ──── Voice WebSocket ────
		// Authenticates via token query param; browsers cannot set headers
		// on WebSocket upgrades.
		r.Get("/ws/voice/{sessionID}", streamHandler.HandleVoiceStream)
	})

	return r
}
