package voice

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voicetutor-backend/internal/models"
	"voicetutor-backend/internal/repository"
	"voicetutor-backend/internal/services"
)

// Bridge lifecycle states. Transitions are strictly forward:
// Connecting → Streaming → Draining → Closed.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateDraining
	StateClosed
)

// ClientConn is the subset of *websocket.Conn the bridge needs from the
// client side. Narrow so tests can substitute an in-memory connection.
type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Upstream is one live provider stream, already normalized into the
// bridge-internal event vocabulary.
type Upstream interface {
	Events() <-chan services.StreamEvent
	SendAudio(data []byte) error
	SendText(content string) error
	Close() error
}

// Store is the durable session store the bridge writes through.
type Store interface {
	AppendInteraction(ctx context.Context, i *models.VoiceInteraction, bumpCount bool) error
	Finalize(ctx context.Context, sessionID, userID uuid.UUID, status string, endedAt time.Time, durationSeconds int) error
}

// Notifier receives post-teardown side effects: user-facing pub/sub events
// and background jobs. A nil-safe no-op implementation is fine for tests.
type Notifier interface {
	SessionEnded(ctx context.Context, userID, sessionID uuid.UUID, status string)
	EnqueueFinalizeReconcile(ctx context.Context, job models.ReconcileJob)
	EnqueueInsights(ctx context.Context, job models.InsightsJob)
}

type persistOp struct {
	interaction models.VoiceInteraction
	bumpCount   bool
}

const (
	persistBuffer    = 256
	finalizeAttempts = 3
	finalizeBackoff  = 500 * time.Millisecond
)

// Bridge pairs one client WebSocket with one upstream provider stream,
// relays frames in both directions, persists interactions in event order,
// and drives the session lifecycle to exactly one finalize.
type Bridge struct {
	sessionID uuid.UUID
	userID    uuid.UUID
	startedAt time.Time

	client ClientConn
	dial   func(ctx context.Context) (Upstream, error)

	upMu     sync.Mutex // guards upstream against a teardown racing the dial
	upstream Upstream

	store       Store
	notifier    Notifier
	registry    *Registry
	idleTimeout time.Duration

	state        atomic.Int32
	paused       atomic.Bool
	lastActivity atomic.Int64

	writeMu sync.Mutex // serializes client writes across pump goroutines

	persistCh   chan persistOp
	persistDone chan struct{}

	shutdownOnce sync.Once
	done         chan struct{}
	endStatus    string
}

type BridgeConfig struct {
	SessionID   uuid.UUID
	UserID      uuid.UUID
	StartedAt   time.Time
	Client      ClientConn
	Dial        func(ctx context.Context) (Upstream, error)
	Store       Store
	Notifier    Notifier
	Registry    *Registry
	IdleTimeout time.Duration
}

func NewBridge(cfg BridgeConfig) *Bridge {
	b := &Bridge{
		sessionID:   cfg.SessionID,
		userID:      cfg.UserID,
		startedAt:   cfg.StartedAt,
		client:      cfg.Client,
		dial:        cfg.Dial,
		store:       cfg.Store,
		notifier:    cfg.Notifier,
		registry:    cfg.Registry,
		idleTimeout: cfg.IdleTimeout,
		persistCh:   make(chan persistOp, persistBuffer),
		persistDone: make(chan struct{}),
		done:        make(chan struct{}),
	}
	b.state.Store(int32(StateConnecting))
	b.touch()
	return b
}

func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
}

func (b *Bridge) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

// Run drives the bridge until teardown completes. It blocks the caller (the
// WebSocket handler goroutine) for the life of the session.
func (b *Bridge) Run(ctx context.Context) {
	defer b.registry.Remove(b.sessionID, b)
	defer b.client.Close()
	defer b.setState(StateClosed)

	up, err := b.dial(ctx)
	if err != nil {
		log.Printf("Bridge %s: upstream connect failed: %v", b.sessionID, err)
		b.sendError("Voice provider is unavailable")
		select {
		case <-b.done:
			// Teardown was requested mid-dial; honor the promised finalize.
			b.finalize(context.Background())
		default:
		}
		return
	}

	b.upMu.Lock()
	b.upstream = up
	b.upMu.Unlock()

	// Only move Connecting → Streaming if teardown has not started in the
	// meantime. A RequestEnd that arrived mid-dial found no upstream to
	// close, so the dialer must close it and finish the teardown itself.
	if !b.state.CompareAndSwap(int32(StateConnecting), int32(StateStreaming)) {
		up.Close()
		b.finalize(context.Background())
		return
	}
	b.touch()
	b.sendStatus("Session connected")

	go b.persistLoop()
	go b.idleLoop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.upstreamLoop()
	}()
	go func() {
		defer wg.Done()
		b.clientLoop()
	}()
	wg.Wait()

	// Both pumps have stopped; no more persistence writes can be queued.
	// Flush what is pending before finalizing so the interaction count and
	// the rows agree.
	close(b.persistCh)
	<-b.persistDone

	b.finalize(context.Background())
}

// RequestEnd asks a streaming bridge to shut down gracefully, as if the
// client had sent an end_session command. Used by the REST end endpoint.
func (b *Bridge) RequestEnd() {
	b.shutdown(models.SessionStatusCompleted, "Session ended")
}

// shutdown moves the bridge into Draining exactly once and closes both
// connections, which unblocks the pump goroutines. The first caller decides
// the terminal session status.
func (b *Bridge) shutdown(status, notice string) {
	b.shutdownOnce.Do(func() {
		b.endStatus = status
		b.setState(StateDraining)
		if notice != "" {
			b.sendStatus(notice)
		}
		close(b.done)
		b.upMu.Lock()
		up := b.upstream
		b.upMu.Unlock()
		if up != nil {
			up.Close()
		}
		b.client.Close()
	})
}

// clientLoop pumps frames from the client to the provider.
func (b *Bridge) clientLoop() {
	for {
		msgType, data, err := b.client.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.shutdown(models.SessionStatusCompleted, "")
			} else {
				b.shutdown(models.SessionStatusAbandoned, "")
			}
			return
		}
		b.touch()

		switch msgType {
		case websocket.BinaryMessage:
			if b.paused.Load() {
				continue
			}
			if err := b.upstream.SendAudio(data); err != nil {
				log.Printf("Bridge %s: audio forward to provider failed: %v", b.sessionID, err)
				b.shutdown(models.SessionStatusAbandoned, "")
				return
			}
		case websocket.TextMessage:
			if terminal := b.handleClientMessage(data); terminal {
				return
			}
		}
	}
}

// handleClientMessage processes one structured client frame. Malformed
// payloads are dropped with a warning; a single bad frame must not kill an
// otherwise healthy session. Returns true when the message ended the session.
func (b *Bridge) handleClientMessage(data []byte) bool {
	var msg models.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Bridge %s: dropping malformed client frame: %v", b.sessionID, err)
		return false
	}

	switch msg.Type {
	case "command":
		switch msg.Command {
		case "pause":
			b.paused.Store(true)
			b.sendStatus("Session paused")
		case "resume":
			b.paused.Store(false)
			b.sendStatus("Session resumed")
		case "end_session":
			b.shutdown(models.SessionStatusCompleted, "Session ended")
			return true
		default:
			log.Printf("Bridge %s: ignoring unknown command %q", b.sessionID, msg.Command)
		}
	case "text":
		if err := b.upstream.SendText(msg.Content); err != nil {
			log.Printf("Bridge %s: text forward to provider failed: %v", b.sessionID, err)
			b.shutdown(models.SessionStatusAbandoned, "")
			return true
		}
	default:
		log.Printf("Bridge %s: dropping client frame with unknown type %q", b.sessionID, msg.Type)
	}
	return false
}

// upstreamLoop pumps normalized provider events to the client, tapping the
// ones that must be persisted. Events are queued for persistence in arrival
// order before being forwarded, and the write itself happens on a separate
// goroutine so a slow store never stalls the relay.
func (b *Bridge) upstreamLoop() {
	for ev := range b.upstream.Events() {
		b.touch()

		switch ev.Kind {
		case services.EventAudio:
			b.sendBinary(ev.Audio)

		case services.EventTranscript:
			kind := models.InteractionAIResponse
			if ev.Transcript.Speaker == "user" {
				kind = models.InteractionUserSpeech
			}
			text := ev.Transcript.Text
			b.enqueuePersist(persistOp{
				interaction: models.VoiceInteraction{
					SessionID:  b.sessionID,
					UserID:     b.userID,
					Type:       kind,
					Transcript: &text,
				},
				bumpCount: true,
			})
			b.forwardRaw(ev.Raw)

		case services.EventPronunciation:
			score := ev.Pronunciation.Score
			op := persistOp{
				interaction: models.VoiceInteraction{
					SessionID:          b.sessionID,
					UserID:             b.userID,
					Type:               models.InteractionPronunciationFeedback,
					PronunciationScore: &score,
				},
			}
			if ev.Pronunciation.Feedback != "" {
				feedback := ev.Pronunciation.Feedback
				op.interaction.Transcript = &feedback
			}
			b.enqueuePersist(op)
			b.forwardRaw(ev.Raw)

		case services.EventEmotion, services.EventOther:
			// Forward only; short-lived signals are not conversation content.
			b.forwardRaw(ev.Raw)
		}
	}

	// Provider closed the stream: a normal AI-initiated end.
	b.shutdown(models.SessionStatusCompleted, "")
}

// enqueuePersist hands an interaction to the persist goroutine. If the queue
// is saturated the write is dropped and logged; forwarding correctness takes
// priority over durability of secondary data.
func (b *Bridge) enqueuePersist(op persistOp) {
	select {
	case b.persistCh <- op:
	default:
		log.Printf("Bridge %s: persist queue full, dropping %s interaction", b.sessionID, op.interaction.Type)
	}
}

// persistLoop applies queued interaction writes one at a time, preserving
// the order the triggering events arrived in.
func (b *Bridge) persistLoop() {
	defer close(b.persistDone)

	for op := range b.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.store.AppendInteraction(ctx, &op.interaction, op.bumpCount); err != nil {
			log.Printf("Bridge %s: interaction write failed: %v", b.sessionID, err)
		}
		cancel()
	}
}

// idleLoop tears the session down as abandoned when neither side has sent a
// frame within the idle timeout.
func (b *Bridge) idleLoop() {
	if b.idleTimeout <= 0 {
		return
	}

	interval := b.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			last := time.Unix(0, b.lastActivity.Load())
			if time.Since(last) > b.idleTimeout {
				log.Printf("Bridge %s: idle for %s, abandoning session", b.sessionID, b.idleTimeout)
				b.shutdown(models.SessionStatusAbandoned, "Session timed out due to inactivity")
				return
			}
		}
	}
}

// finalize writes the terminal session record. Duration is derived from the
// started-at and ended-at wall clocks only, never accumulated. This is the
// one persistence write that must not be lost: it is retried with backoff
// and, failing that, queued for out-of-band reconciliation.
func (b *Bridge) finalize(ctx context.Context) {
	status := b.endStatus
	if status == "" {
		status = models.SessionStatusAbandoned
	}
	endedAt := time.Now().UTC()
	duration := int(endedAt.Sub(b.startedAt).Seconds())

	var err error
	backoff := finalizeBackoff
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		err = b.store.Finalize(ctx, b.sessionID, b.userID, status, endedAt, duration)
		if err == nil || errors.Is(err, repository.ErrNotActive) {
			break
		}
		log.Printf("Bridge %s: finalize attempt %d failed: %v", b.sessionID, attempt, err)
		if attempt < finalizeAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	switch {
	case err == nil:
		b.notifier.SessionEnded(ctx, b.userID, b.sessionID, status)
		b.notifier.EnqueueInsights(ctx, models.InsightsJob{SessionID: b.sessionID, UserID: b.userID})
	case errors.Is(err, repository.ErrNotActive):
		// Someone else finalized first (REST end racing a disconnect).
	default:
		log.Printf("Bridge %s: finalize failed after %d attempts, queueing reconcile: %v", b.sessionID, finalizeAttempts, err)
		b.notifier.EnqueueFinalizeReconcile(ctx, models.ReconcileJob{
			SessionID:       b.sessionID,
			UserID:          b.userID,
			Status:          status,
			EndedAt:         endedAt,
			DurationSeconds: duration,
		})
	}
}

// Client write helpers. gorilla connections allow one concurrent writer, and
// both pumps send to the client, so every write goes through writeMu.

func (b *Bridge) sendBinary(data []byte) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.client.WriteMessage(websocket.BinaryMessage, data); err != nil {
		log.Printf("Bridge %s: audio forward to client failed: %v", b.sessionID, err)
	}
}

func (b *Bridge) forwardRaw(raw json.RawMessage) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.client.WriteMessage(websocket.TextMessage, raw); err != nil {
		log.Printf("Bridge %s: event forward to client failed: %v", b.sessionID, err)
	}
}

func (b *Bridge) sendStatus(message string) {
	b.sendJSON(models.StatusMessage{Type: "status", Message: message})
}

func (b *Bridge) sendError(message string) {
	b.sendJSON(models.ErrorMessage{Type: "error", Message: message})
}

func (b *Bridge) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.client.WriteMessage(websocket.TextMessage, data)
}
