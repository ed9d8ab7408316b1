package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// OmnidimService talks to the Omnidim conversational voice-AI provider.
// Session creation goes over REST; the per-session audio/event stream is a
// separate WebSocket connection (see omnidim_stream.go).
type OmnidimService struct {
	apiKey         string
	apiURL         string
	wsURL          string
	http           *http.Client
	connectTimeout time.Duration
}

func NewOmnidimService(apiKey, apiURL, wsURL string, connectTimeout time.Duration) *OmnidimService {
	return &OmnidimService{
		apiKey:         apiKey,
		apiURL:         apiURL,
		wsURL:          wsURL,
		http:           &http.Client{Timeout: 30 * time.Second},
		connectTimeout: connectTimeout,
	}
}

// SessionConfig is the provider-side configuration for one voice session.
type SessionConfig struct {
	Mode     string            `json:"mode"`
	UserID   string            `json:"user_id"`
	Context  map[string]string `json:"context"`
	Features []string          `json:"features"`
	VoiceID  string            `json:"voice_id"`
	Language string            `json:"language"`
}

// ProviderSession is the provider's handle for a created session.
type ProviderSession struct {
	SessionID string `json:"session_id"`
	VoiceID   string `json:"voice_id,omitempty"`
}

// CreateVoiceSession registers a new voice session with the provider and
// returns its handle. The streaming connection is opened later by the bridge.
func (s *OmnidimService) CreateVoiceSession(ctx context.Context, cfg SessionConfig) (*ProviderSession, error) {
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/voice/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, &UnavailableError{Message: "Voice provider is unreachable"}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UnavailableError{Message: fmt.Sprintf("Voice provider rejected session creation (status %d)", resp.StatusCode)}
	}

	var session ProviderSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}
	if session.SessionID == "" {
		return nil, &UnavailableError{Message: "Voice provider returned no session id"}
	}

	return &session, nil
}

// Per-mode config builders. Context and feature sets follow what the provider
// expects for each tutoring mode.

func TutorSessionConfig(userID uuid.UUID, subject, difficulty string) SessionConfig {
	return SessionConfig{
		Mode:   "tutor",
		UserID: userID.String(),
		Context: map[string]string{
			"subject":     subject,
			"difficulty":  difficulty,
			"personality": tutorPersonality(subject),
		},
		Features: []string{
			"real_time_transcription",
			"emotion_detection",
			"adaptive_responses",
			"pronunciation_feedback",
			"interrupt_handling",
		},
		VoiceID:  voiceForSubject(subject),
		Language: "en-US",
	}
}

func LanguagePracticeSessionConfig(userID uuid.UUID, targetLanguage, proficiency string) SessionConfig {
	return SessionConfig{
		Mode:   "language_practice",
		UserID: userID.String(),
		Context: map[string]string{
			"target_language":  targetLanguage,
			"proficiency":      proficiency,
			"correction_style": "supportive",
		},
		Features: []string{
			"real_time_transcription",
			"pronunciation_scoring",
			"grammar_correction",
			"vocabulary_suggestions",
		},
		VoiceID:  "native_" + targetLanguage,
		Language: targetLanguage,
	}
}

func ExamPrepSessionConfig(userID uuid.UUID, subject, difficulty string) SessionConfig {
	return SessionConfig{
		Mode:   "exam_prep",
		UserID: userID.String(),
		Context: map[string]string{
			"subject":    subject,
			"difficulty": difficulty,
			"format":     "question_answer",
		},
		Features: []string{
			"real_time_transcription",
			"adaptive_responses",
			"answer_evaluation",
		},
		VoiceID:  voiceForSubject(subject),
		Language: "en-US",
	}
}

func PronunciationSessionConfig(userID uuid.UUID, language string) SessionConfig {
	return SessionConfig{
		Mode:   "pronunciation",
		UserID: userID.String(),
		Context: map[string]string{
			"target_language": language,
		},
		Features: []string{
			"real_time_transcription",
			"pronunciation_scoring",
			"phoneme_feedback",
		},
		VoiceID:  "native_" + language,
		Language: language,
	}
}

func tutorPersonality(subject string) string {
	switch subject {
	case "math", "programming":
		return "analytical"
	case "history", "language":
		return "narrative"
	default:
		return "encouraging"
	}
}

func voiceForSubject(subject string) string {
	switch subject {
	case "math", "science", "programming":
		return "tutor_clear"
	default:
		return "tutor_warm"
	}
}
