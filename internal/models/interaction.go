package models

import (
	"time"

	"github.com/google/uuid"
)

// Interaction types. Rows are append-only; the bridge is the only writer.
const (
	InteractionUserSpeech            = "user_speech"
	InteractionAIResponse            = "ai_response"
	InteractionPronunciationFeedback = "pronunciation_feedback"
)

type VoiceInteraction struct {
	ID                 uuid.UUID `json:"id"`
	SessionID          uuid.UUID `json:"session_id"`
	UserID             uuid.UUID `json:"user_id"`
	Type               string    `json:"type"`
	Transcript         *string   `json:"transcript,omitempty"`
	PronunciationScore *float64  `json:"pronunciation_score,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}
