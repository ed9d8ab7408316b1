package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Session types mirror the tutoring modes the provider supports.
const (
	SessionTypeTutor            = "tutor"
	SessionTypeLanguagePractice = "language_practice"
	SessionTypeExamPrep         = "exam_prep"
	SessionTypePronunciation    = "pronunciation"
)

// Session statuses. Transitions are one-way: active → completed | abandoned.
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusAbandoned = "abandoned"
)

type LearningSession struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	ProviderSessionID string          `json:"provider_session_id"`
	Type              string          `json:"type"`
	Subject           *string         `json:"subject,omitempty"`
	Language          *string         `json:"language,omitempty"`
	Difficulty        *string         `json:"difficulty,omitempty"`
	Status            string          `json:"status"`
	StartedAt         time.Time       `json:"started_at"`
	EndedAt           *time.Time      `json:"ended_at,omitempty"`
	DurationSeconds   int             `json:"duration_seconds"`
	InteractionCount  int             `json:"interaction_count"`
	Insights          *string         `json:"insights,omitempty"`
	ConfigJSON        json.RawMessage `json:"config,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

func ValidSessionType(t string) bool {
	switch t {
	case SessionTypeTutor, SessionTypeLanguagePractice, SessionTypeExamPrep, SessionTypePronunciation:
		return true
	}
	return false
}
