package services

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// EventKind is the bridge-internal vocabulary for upstream events. The
// mapping from provider payloads is total: anything unrecognized becomes
// EventOther and is still forwarded to the client.
type EventKind string

const (
	EventAudio         EventKind = "audio"
	EventTranscript    EventKind = "transcript"
	EventEmotion       EventKind = "emotion"
	EventPronunciation EventKind = "pronunciation"
	EventOther         EventKind = "other"
)

type TranscriptEvent struct {
	Text    string `json:"text"`
	Speaker string `json:"speaker"`
}

type EmotionEvent struct {
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

type PronunciationEvent struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// StreamEvent is one normalized upstream event. Exactly one payload field is
// set according to Kind; Raw carries the original JSON for structured kinds
// so the bridge can forward it verbatim.
type StreamEvent struct {
	Kind          EventKind
	Audio         []byte
	Transcript    *TranscriptEvent
	Emotion       *EmotionEvent
	Pronunciation *PronunciationEvent
	Raw           json.RawMessage
}

// OmnidimStream is one live WebSocket connection to the provider for one
// session. Events() is closed when the connection ends, from either side.
type OmnidimStream struct {
	conn      *websocket.Conn
	events    chan StreamEvent
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// ConnectStream opens the provider's streaming connection for an existing
// provider session. The dial is bounded by the configured connect timeout;
// on failure or timeout the caller gets an UnavailableError rather than a
// hung connect.
func (s *OmnidimService) ConnectStream(ctx context.Context, providerSessionID string) (*OmnidimStream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+s.apiKey)

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.wsURL+"/voice/"+providerSessionID, headers)
	if err != nil {
		return nil, &UnavailableError{Message: "Failed to connect to voice provider"}
	}

	stream := &OmnidimStream{
		conn:   conn,
		events: make(chan StreamEvent, 64),
	}
	go stream.readLoop()

	return stream, nil
}

// Events yields normalized upstream events in arrival order. The channel is
// closed once the underlying connection is gone.
func (st *OmnidimStream) Events() <-chan StreamEvent {
	return st.events
}

func (st *OmnidimStream) readLoop() {
	defer close(st.events)

	for {
		msgType, data, err := st.conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			st.events <- StreamEvent{Kind: EventAudio, Audio: data}
		case websocket.TextMessage:
			st.events <- normalizeEvent(data)
		}
	}
}

// normalizeEvent maps a provider text frame onto the internal vocabulary.
// Unknown or unparseable payloads are passed through as EventOther so the
// client still receives them.
func normalizeEvent(data []byte) StreamEvent {
	raw := json.RawMessage(append([]byte(nil), data...))

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		log.Printf("Omnidim: unparseable event, forwarding as-is: %v", err)
		return StreamEvent{Kind: EventOther, Raw: raw}
	}

	switch envelope.Type {
	case "transcript":
		var ev TranscriptEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return StreamEvent{Kind: EventOther, Raw: raw}
		}
		if ev.Speaker == "" {
			ev.Speaker = "ai"
		}
		return StreamEvent{Kind: EventTranscript, Transcript: &ev, Raw: raw}
	case "emotion":
		var ev EmotionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return StreamEvent{Kind: EventOther, Raw: raw}
		}
		return StreamEvent{Kind: EventEmotion, Emotion: &ev, Raw: raw}
	case "pronunciation":
		var ev PronunciationEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return StreamEvent{Kind: EventOther, Raw: raw}
		}
		return StreamEvent{Kind: EventPronunciation, Pronunciation: &ev, Raw: raw}
	default:
		return StreamEvent{Kind: EventOther, Raw: raw}
	}
}

// SendAudio forwards one raw audio frame to the provider.
func (st *OmnidimStream) SendAudio(data []byte) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	return st.conn.WriteMessage(websocket.BinaryMessage, data)
}

// SendText forwards a typed user message to the provider.
func (st *OmnidimStream) SendText(content string) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	return st.conn.WriteJSON(map[string]string{"type": "text", "content": content})
}

// Close shuts the connection down. Safe to call multiple times and
// concurrently with the read loop.
func (st *OmnidimStream) Close() error {
	var err error
	st.closeOnce.Do(func() {
		err = st.conn.Close()
	})
	return err
}
