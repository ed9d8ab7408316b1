package models

// Client→server text frames on the voice WebSocket.
type ClientMessage struct {
	Type    string `json:"type"`              // "command" | "text"
	Command string `json:"command,omitempty"` // "pause" | "resume" | "end_session"
	Content string `json:"content,omitempty"`
}

// Server→client structured frames on the voice WebSocket.
type TranscriptMessage struct {
	Type    string `json:"type"` // "transcript"
	Text    string `json:"text"`
	Speaker string `json:"speaker"` // "user" | "ai"
}

type EmotionMessage struct {
	Type       string  `json:"type"` // "emotion"
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

type PronunciationMessage struct {
	Type     string  `json:"type"` // "pronunciation"
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback,omitempty"`
}

type StatusMessage struct {
	Type    string `json:"type"` // "status"
	Message string `json:"message"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// WSMessage is the envelope published over Redis pub/sub to per-user
// notification channels.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
