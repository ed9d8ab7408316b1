package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voicetutor-backend/internal/models"
	"voicetutor-backend/internal/repository"
	"voicetutor-backend/internal/services"
)

// ─── Fakes ───

type clientFrame struct {
	msgType int
	data    []byte
}

// fakeClient scripts the client side of a bridge. Frames are pre-loaded on
// the frames channel; closing it simulates the client disconnecting with
// readErr. Bridge-initiated Close unblocks pending reads.
type fakeClient struct {
	frames  chan clientFrame
	readErr error

	mu        sync.Mutex
	written   []clientFrame
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeClient(readErr error) *fakeClient {
	return &fakeClient{
		frames:  make(chan clientFrame, 32),
		readErr: readErr,
		closed:  make(chan struct{}),
	}
}

func (c *fakeClient) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return 0, nil, c.disconnectErr()
		}
		return f.msgType, f.data, nil
	case <-c.closed:
		return 0, nil, c.disconnectErr()
	}
}

func (c *fakeClient) disconnectErr() error {
	if c.readErr != nil {
		return c.readErr
	}
	return errors.New("use of closed connection")
}

func (c *fakeClient) WriteMessage(msgType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, clientFrame{msgType, append([]byte(nil), data...)})
	return nil
}

func (c *fakeClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeClient) textFrames(t *testing.T) []map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []map[string]interface{}
	for _, f := range c.written {
		if f.msgType != websocket.TextMessage {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(f.data, &m); err != nil {
			t.Fatalf("client received unparseable text frame: %s", f.data)
		}
		out = append(out, m)
	}
	return out
}

type fakeUpstream struct {
	events chan services.StreamEvent

	mu        sync.Mutex
	audio     [][]byte
	texts     []string
	closeOnce sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan services.StreamEvent, 128)}
}

func (u *fakeUpstream) Events() <-chan services.StreamEvent { return u.events }

func (u *fakeUpstream) SendAudio(data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.audio = append(u.audio, append([]byte(nil), data...))
	return nil
}

func (u *fakeUpstream) SendText(content string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.texts = append(u.texts, content)
	return nil
}

func (u *fakeUpstream) Close() error {
	u.closeOnce.Do(func() { close(u.events) })
	return nil
}

type finalizeCall struct {
	status   string
	endedAt  time.Time
	duration int
}

type fakeStore struct {
	mu            sync.Mutex
	interactions  []models.VoiceInteraction
	bumps         []bool
	finalizeErr   error
	finalizeCalls []finalizeCall
	finalized     bool
}

func (s *fakeStore) AppendInteraction(ctx context.Context, i *models.VoiceInteraction, bumpCount bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions = append(s.interactions, *i)
	s.bumps = append(s.bumps, bumpCount)
	return nil
}

func (s *fakeStore) Finalize(ctx context.Context, sessionID, userID uuid.UUID, status string, endedAt time.Time, duration int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeCalls = append(s.finalizeCalls, finalizeCall{status, endedAt, duration})
	if s.finalizeErr != nil {
		return s.finalizeErr
	}
	if s.finalized {
		return repository.ErrNotActive
	}
	s.finalized = true
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	ended     []string
	reconcile []models.ReconcileJob
	insights  []models.InsightsJob
}

func (n *fakeNotifier) SessionEnded(ctx context.Context, userID, sessionID uuid.UUID, status string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended = append(n.ended, status)
}

func (n *fakeNotifier) EnqueueFinalizeReconcile(ctx context.Context, job models.ReconcileJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reconcile = append(n.reconcile, job)
}

func (n *fakeNotifier) EnqueueInsights(ctx context.Context, job models.InsightsJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.insights = append(n.insights, job)
}

// ─── Harness ───

type bridgeFixture struct {
	bridge   *Bridge
	client   *fakeClient
	upstream *fakeUpstream
	store    *fakeStore
	notifier *fakeNotifier
	registry *Registry
}

func newBridgeFixture(t *testing.T, client *fakeClient, dialErr error) *bridgeFixture {
	t.Helper()

	f := &bridgeFixture{
		client:   client,
		upstream: newFakeUpstream(),
		store:    &fakeStore{},
		notifier: &fakeNotifier{},
		registry: NewRegistry(),
	}

	sessionID := uuid.New()
	f.bridge = NewBridge(BridgeConfig{
		SessionID: sessionID,
		UserID:    uuid.New(),
		StartedAt: time.Now().UTC(),
		Client:    client,
		Dial: func(ctx context.Context) (Upstream, error) {
			if dialErr != nil {
				return nil, dialErr
			}
			return f.upstream, nil
		},
		Store:    f.store,
		Notifier: f.notifier,
		Registry: f.registry,
	})

	if err := f.registry.Admit(sessionID, f.bridge); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	return f
}

func (f *bridgeFixture) run(t *testing.T) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		f.bridge.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("bridge did not shut down in time")
	}
}

func normalClosure() error {
	return &websocket.CloseError{Code: websocket.CloseNormalClosure}
}

func transcriptEvent(text, speaker string) services.StreamEvent {
	raw, _ := json.Marshal(map[string]string{"type": "transcript", "text": text, "speaker": speaker})
	return services.StreamEvent{
		Kind:       services.EventTranscript,
		Transcript: &services.TranscriptEvent{Text: text, Speaker: speaker},
		Raw:        raw,
	}
}

func pronunciationEvent(score float64, feedback string) services.StreamEvent {
	raw, _ := json.Marshal(map[string]interface{}{"type": "pronunciation", "score": score, "feedback": feedback})
	return services.StreamEvent{
		Kind:          services.EventPronunciation,
		Pronunciation: &services.PronunciationEvent{Score: score, Feedback: feedback},
		Raw:           raw,
	}
}

// ─── Tests ───

// The reference flow: the provider emits an AI transcript and a
// pronunciation score, then the client hangs up. Two rows persisted in
// event order, only the transcript bumps the count, session completes.
func TestBridge_PersistsEventsInOrderAndCompletes(t *testing.T) {
	client := newFakeClient(normalClosure())
	f := newBridgeFixture(t, client, nil)

	f.upstream.events <- transcriptEvent("2+2=4", "ai")
	f.upstream.events <- pronunciationEvent(0.82, "good")
	close(client.frames) // client disconnects

	f.run(t)

	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	if len(f.store.interactions) != 2 {
		t.Fatalf("expected 2 interactions, got %d", len(f.store.interactions))
	}
	if f.store.interactions[0].Type != models.InteractionAIResponse {
		t.Errorf("first interaction should be ai_response, got %s", f.store.interactions[0].Type)
	}
	if got := *f.store.interactions[0].Transcript; got != "2+2=4" {
		t.Errorf("unexpected transcript %q", got)
	}
	if f.store.interactions[1].Type != models.InteractionPronunciationFeedback {
		t.Errorf("second interaction should be pronunciation_feedback, got %s", f.store.interactions[1].Type)
	}
	if got := *f.store.interactions[1].PronunciationScore; got != 0.82 {
		t.Errorf("unexpected score %v", got)
	}
	if !f.store.bumps[0] || f.store.bumps[1] {
		t.Errorf("only the transcript write should bump the count, got %v", f.store.bumps)
	}

	if len(f.store.finalizeCalls) != 1 {
		t.Fatalf("expected exactly 1 finalize, got %d", len(f.store.finalizeCalls))
	}
	if f.store.finalizeCalls[0].status != models.SessionStatusCompleted {
		t.Errorf("expected completed, got %s", f.store.finalizeCalls[0].status)
	}

	if f.registry.Count() != 0 {
		t.Error("registry entry not removed after teardown")
	}
	if f.bridge.State() != StateClosed {
		t.Errorf("expected Closed state, got %d", f.bridge.State())
	}
}

func TestBridge_ManyEventsPreserveOrder(t *testing.T) {
	client := newFakeClient(normalClosure())
	f := newBridgeFixture(t, client, nil)

	const n = 100
	for i := 0; i < n; i++ {
		speaker := "ai"
		if i%2 == 0 {
			speaker = "user"
		}
		f.upstream.events <- transcriptEvent(fmt.Sprintf("msg-%d", i), speaker)
	}
	f.upstream.Close()

	f.run(t)

	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	if len(f.store.interactions) != n {
		t.Fatalf("expected %d interactions, got %d", n, len(f.store.interactions))
	}
	for i, ic := range f.store.interactions {
		if want := fmt.Sprintf("msg-%d", i); *ic.Transcript != want {
			t.Fatalf("interaction %d out of order: got %q want %q", i, *ic.Transcript, want)
		}
	}
}

func TestBridge_AbnormalDisconnectAbandons(t *testing.T) {
	client := newFakeClient(errors.New("connection reset"))
	f := newBridgeFixture(t, client, nil)

	close(client.frames)
	f.run(t)

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if got := f.store.finalizeCalls[0].status; got != models.SessionStatusAbandoned {
		t.Errorf("expected abandoned, got %s", got)
	}
}

func TestBridge_UpstreamEndClosesClient(t *testing.T) {
	// Client never hangs up; the provider ends the stream. The bridge must
	// close the client side and complete the session.
	client := newFakeClient(nil)
	f := newBridgeFixture(t, client, nil)

	f.upstream.events <- transcriptEvent("goodbye", "ai")
	f.upstream.Close()

	f.run(t)

	select {
	case <-client.closed:
	default:
		t.Error("client connection was not closed after upstream ended")
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if got := f.store.finalizeCalls[0].status; got != models.SessionStatusCompleted {
		t.Errorf("expected completed, got %s", got)
	}
}

func TestBridge_MalformedFrameDoesNotKillSession(t *testing.T) {
	client := newFakeClient(normalClosure())
	f := newBridgeFixture(t, client, nil)

	client.frames <- clientFrame{websocket.TextMessage, []byte("{not json")}
	client.frames <- clientFrame{websocket.TextMessage, []byte(`{"type":"text","content":"hello"}`)}
	close(client.frames)

	f.run(t)

	f.upstream.mu.Lock()
	defer f.upstream.mu.Unlock()
	if len(f.upstream.texts) != 1 || f.upstream.texts[0] != "hello" {
		t.Errorf("valid frame after malformed one was not processed: %v", f.upstream.texts)
	}
}

func TestBridge_PauseGatesAudioForwarding(t *testing.T) {
	client := newFakeClient(normalClosure())
	f := newBridgeFixture(t, client, nil)

	client.frames <- clientFrame{websocket.TextMessage, []byte(`{"type":"command","command":"pause"}`)}
	client.frames <- clientFrame{websocket.BinaryMessage, []byte{1, 2, 3}}
	client.frames <- clientFrame{websocket.TextMessage, []byte(`{"type":"command","command":"resume"}`)}
	client.frames <- clientFrame{websocket.BinaryMessage, []byte{4, 5, 6}}
	close(client.frames)

	f.run(t)

	f.upstream.mu.Lock()
	defer f.upstream.mu.Unlock()
	if len(f.upstream.audio) != 1 {
		t.Fatalf("expected 1 forwarded audio frame, got %d", len(f.upstream.audio))
	}
	if f.upstream.audio[0][0] != 4 {
		t.Error("wrong audio frame was forwarded")
	}

	var statuses []string
	for _, m := range client.textFrames(t) {
		if m["type"] == "status" {
			statuses = append(statuses, m["message"].(string))
		}
	}
	want := []string{"Session connected", "Session paused", "Session resumed"}
	if len(statuses) != len(want) {
		t.Fatalf("expected statuses %v, got %v", want, statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("status %d: got %q want %q", i, statuses[i], want[i])
		}
	}
}

func TestBridge_EndSessionCommand(t *testing.T) {
	client := newFakeClient(nil)
	f := newBridgeFixture(t, client, nil)

	client.frames <- clientFrame{websocket.TextMessage, []byte(`{"type":"command","command":"end_session"}`)}

	f.run(t)

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if got := f.store.finalizeCalls[0].status; got != models.SessionStatusCompleted {
		t.Errorf("expected completed, got %s", got)
	}
}

func TestBridge_DialFailureNotifiesAndLeavesNoBridge(t *testing.T) {
	client := newFakeClient(nil)
	f := newBridgeFixture(t, client, errors.New("dial tcp: timeout"))

	f.run(t)

	var sawError bool
	for _, m := range client.textFrames(t) {
		if m["type"] == "error" {
			sawError = true
		}
	}
	if !sawError {
		t.Error("client did not receive a terminal error event")
	}

	if f.registry.Count() != 0 {
		t.Error("registry entry left behind after connect failure")
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if len(f.store.finalizeCalls) != 0 {
		t.Error("session must not be finalized on connect failure; the client may retry")
	}
}

func TestBridge_ConcurrentTeardownFinalizesOnce(t *testing.T) {
	client := newFakeClient(normalClosure())
	f := newBridgeFixture(t, client, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		close(client.frames)
	}()
	go func() {
		defer wg.Done()
		f.upstream.Close()
	}()
	wg.Wait()

	f.run(t)

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if len(f.store.finalizeCalls) != 1 {
		t.Errorf("expected exactly 1 finalize, got %d", len(f.store.finalizeCalls))
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.ended) != 1 {
		t.Errorf("expected exactly 1 session_ended notification, got %d", len(f.notifier.ended))
	}
	if len(f.notifier.insights) != 1 {
		t.Errorf("expected exactly 1 insights job, got %d", len(f.notifier.insights))
	}
}

func TestBridge_FinalizeFailureQueuesReconcile(t *testing.T) {
	client := newFakeClient(normalClosure())
	f := newBridgeFixture(t, client, nil)
	f.store.finalizeErr = errors.New("database unavailable")

	close(client.frames)
	f.run(t)

	f.store.mu.Lock()
	attempts := len(f.store.finalizeCalls)
	f.store.mu.Unlock()
	if attempts != finalizeAttempts {
		t.Errorf("expected %d finalize attempts, got %d", finalizeAttempts, attempts)
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.reconcile) != 1 {
		t.Fatalf("expected 1 reconcile job, got %d", len(f.notifier.reconcile))
	}
	job := f.notifier.reconcile[0]
	if job.Status != models.SessionStatusCompleted {
		t.Errorf("reconcile job carries wrong status %s", job.Status)
	}
	if len(f.notifier.ended) != 0 {
		t.Error("session_ended must not fire when finalize failed")
	}
}

func TestBridge_DurationFromWallClock(t *testing.T) {
	client := newFakeClient(normalClosure())
	f := newBridgeFixture(t, client, nil)
	f.bridge.startedAt = time.Now().UTC().Add(-3 * time.Second)

	close(client.frames)
	f.run(t)

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	call := f.store.finalizeCalls[0]
	if call.duration < 3 || call.duration > 4 {
		t.Errorf("expected ~3s duration, got %d", call.duration)
	}
	if want := int(call.endedAt.Sub(f.bridge.startedAt).Seconds()); call.duration != want {
		t.Errorf("duration %d does not match ended_at - started_at (%d)", call.duration, want)
	}
}

// An end request arriving while the provider dial is still in flight must not
// orphan the connection the dial later returns: the bridge has to close it,
// finalize once, and release the registry slot.
func TestBridge_EndDuringConnectClosesUpstream(t *testing.T) {
	client := newFakeClient(nil)
	upstream := newFakeUpstream()
	store := &fakeStore{}
	registry := NewRegistry()
	sessionID := uuid.New()

	release := make(chan struct{})
	b := NewBridge(BridgeConfig{
		SessionID: sessionID,
		UserID:    uuid.New(),
		StartedAt: time.Now().UTC(),
		Client:    client,
		Dial: func(ctx context.Context) (Upstream, error) {
			<-release
			return upstream, nil
		},
		Store:    store,
		Notifier: &fakeNotifier{},
		Registry: registry,
	})
	if err := registry.Admit(sessionID, b); err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		b.Run(context.Background())
		close(done)
	}()

	b.RequestEnd() // arrives while the dial is still blocked
	close(release) // dial completes afterwards

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not shut down after end was requested mid-connect")
	}

	select {
	case _, ok := <-upstream.events:
		if ok {
			t.Error("unexpected event from upstream")
		}
	default:
		t.Error("provider connection was left open")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.finalizeCalls) != 1 {
		t.Fatalf("expected exactly 1 finalize, got %d", len(store.finalizeCalls))
	}
	if got := store.finalizeCalls[0].status; got != models.SessionStatusCompleted {
		t.Errorf("expected completed, got %s", got)
	}

	if registry.Count() != 0 {
		t.Error("registry entry not released")
	}
	if b.State() != StateClosed {
		t.Errorf("expected Closed state, got %d", b.State())
	}
}

// Same race, but the dial fails. The end request already promised a terminal
// session, so the row must still be finalized.
func TestBridge_EndDuringConnectWithDialFailure(t *testing.T) {
	client := newFakeClient(nil)
	store := &fakeStore{}
	registry := NewRegistry()
	sessionID := uuid.New()

	release := make(chan struct{})
	b := NewBridge(BridgeConfig{
		SessionID: sessionID,
		UserID:    uuid.New(),
		StartedAt: time.Now().UTC(),
		Client:    client,
		Dial: func(ctx context.Context) (Upstream, error) {
			<-release
			return nil, errors.New("dial tcp: timeout")
		},
		Store:    store,
		Notifier: &fakeNotifier{},
		Registry: registry,
	})
	if err := registry.Admit(sessionID, b); err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		b.Run(context.Background())
		close(done)
	}()

	b.RequestEnd()
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not shut down")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.finalizeCalls) != 1 {
		t.Fatalf("expected 1 finalize, got %d", len(store.finalizeCalls))
	}
	if got := store.finalizeCalls[0].status; got != models.SessionStatusCompleted {
		t.Errorf("expected completed, got %s", got)
	}
	if registry.Count() != 0 {
		t.Error("registry entry not released")
	}
}

// Process shutdown drains the registry: every live bridge is asked to end and
// its session finalizes as completed before the process exits.
func TestRegistry_DrainEndsActiveBridges(t *testing.T) {
	client := newFakeClient(nil)
	f := newBridgeFixture(t, client, nil)

	done := make(chan struct{})
	go func() {
		f.bridge.Run(context.Background())
		close(done)
	}()

	f.registry.Drain(5 * time.Second)

	if f.registry.Count() != 0 {
		t.Fatal("registry not empty after drain")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop after drain")
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if len(f.store.finalizeCalls) != 1 {
		t.Fatalf("expected 1 finalize, got %d", len(f.store.finalizeCalls))
	}
	if got := f.store.finalizeCalls[0].status; got != models.SessionStatusCompleted {
		t.Errorf("expected completed, got %s", got)
	}
}

func TestBridge_IdleTimeoutAbandons(t *testing.T) {
	client := newFakeClient(nil)
	f := newBridgeFixture(t, client, nil)
	f.bridge.idleTimeout = 50 * time.Millisecond

	// No frames from either side: the idle reaper must tear the session down.
	f.run(t)

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if len(f.store.finalizeCalls) != 1 {
		t.Fatalf("expected 1 finalize, got %d", len(f.store.finalizeCalls))
	}
	if got := f.store.finalizeCalls[0].status; got != models.SessionStatusAbandoned {
		t.Errorf("expected abandoned, got %s", got)
	}
}
