package session

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate-server/pkg/ai"
	"voicegate-server/pkg/connection"
	"voicegate-server/pkg/database"
	"voicegate-server/pkg/messaging"
	"voicegate-server/pkg/ratelimit"
	"voicegate-server/pkg/retry"
	"voicegate-server/pkg/speech"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type stubTransport struct {
	mutex   sync.Mutex
	frames  map[string][][]byte
	removed []string
	events  chan connection.Event
}

func newStubTransport() *stubTransport {
	return &stubTransport{
		frames: make(map[string][][]byte),
		events: make(chan connection.Event, 16),
	}
}

func (s *stubTransport) SendFrame(ctx context.Context, callID string, frame []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := make([]byte, len(frame))
	copy(copied, frame)
	s.frames[callID] = append(s.frames[callID], copied)
	return nil
}

func (s *stubTransport) Remove(callID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.removed = append(s.removed, callID)
}

func (s *stubTransport) Events() <-chan connection.Event {
	return s.events
}

func (s *stubTransport) sentFrames(callID string) [][]byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	frames := make([][]byte, len(s.frames[callID]))
	copy(frames, s.frames[callID])
	return frames
}

type stubResponder struct {
	mutex  sync.Mutex
	reply  string
	err    error
	calls  int
	forgot []string
}

func (s *stubResponder) GenerateReply(ctx context.Context, query, conversationID, userID string) (*ai.Reply, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ai.Reply{Text: s.reply, ConversationID: "conv-1"}, nil
}

func (s *stubResponder) Forget(userID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.forgot = append(s.forgot, userID)
}

func (s *stubResponder) callCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.calls
}

type stubCache struct {
	mutex sync.Mutex
	data  map[string]string
	sets  int
}

func newStubCache() *stubCache {
	return &stubCache{data: make(map[string]string)}
}

func (s *stubCache) Get(ctx context.Context, utterance string) (string, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	reply, ok := s.data[utterance]
	return reply, ok
}

func (s *stubCache) Set(ctx context.Context, utterance, reply string, ttl time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.data[utterance] = reply
	s.sets++
}

// failingStore is a MemoryStore whose writes can be forced to fail.
type failingStore struct {
	*database.MemoryStore
	failSessions bool
	failTurns    bool
}

func (s *failingStore) SaveSession(ctx context.Context, session *database.Session) error {
	if s.failSessions {
		return errors.New("database down")
	}
	return s.MemoryStore.SaveSession(ctx, session)
}

func (s *failingStore) SaveTurn(ctx context.Context, turn *database.Turn) error {
	if s.failTurns {
		return errors.New("database down")
	}
	return s.MemoryStore.SaveTurn(ctx, turn)
}

type stubPublisher struct {
	mutex  sync.Mutex
	events []messaging.TurnEvent
}

func (s *stubPublisher) PublishTurn(ctx context.Context, event messaging.TurnEvent) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubPublisher) PublishAlert(ctx context.Context, event messaging.AlertEvent) error {
	return nil
}

func (s *stubPublisher) Close() {}

func (s *stubPublisher) published() []messaging.TurnEvent {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	events := make([]messaging.TurnEvent, len(s.events))
	copy(events, s.events)
	return events
}

type denyAllLimiter struct{}

func (denyAllLimiter) CheckLimit(ctx context.Context, key string) ratelimit.Result {
	return ratelimit.Result{Allowed: false, ResetTime: time.Now().Add(time.Minute)}
}

type fixture struct {
	orch      *Orchestrator
	transport *stubTransport
	stt       *speech.MockTranscriber
	tts       *speech.MockSynthesizer
	responder *stubResponder
	cache     *stubCache
	store     *database.MemoryStore
	cancel    context.CancelFunc
}

func testSessionConfig() Config {
	return Config{
		Greeting:         "ご用件をお聞かせください。",
		Apology:          "すみません、一時的な問題が発生しました。もう一度お話しください。",
		Language:         "ja-JP",
		Voice:            "default",
		ReplyCacheTTL:    time.Hour,
		FrameQueue:       64,
		FrameBytes:       4,
		MaxBufferBytes:   1024,
		SilenceThreshold: 100,
		UtteranceSilence: 50 * time.Millisecond,
		AbandonSilence:   0,
	}
}

func newFixture(t *testing.T, cfg Config, opts ...func(*Deps)) *fixture {
	t.Helper()

	f := &fixture{
		transport: newStubTransport(),
		stt:       &speech.MockTranscriber{Transcripts: []string{"こんにちは"}},
		tts:       &speech.MockSynthesizer{Audio: []byte{1, 2, 3, 4, 5, 6}},
		responder: &stubResponder{reply: "こんにちは、ご用件をどうぞ。"},
		cache:     newStubCache(),
		store:     database.NewMemoryStore(),
	}

	deps := Deps{
		Logger:      newTestLogger(),
		Transport:   f.transport,
		Transcriber: f.stt,
		Synthesizer: f.tts,
		Responder:   f.responder,
		Cache:       f.cache,
		Store:       f.store,
		Retry:       retry.NewExecutor(retry.Config{MaxRetries: 2, BackoffBase: time.Millisecond}, newTestLogger()),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.orch = NewOrchestrator(cfg, deps)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.orch.Run(ctx)
	t.Cleanup(cancel)
	return f
}

// voicedChunk builds PCM with sample amplitude well above the silence
// threshold.
func voicedChunk(samples int) []byte {
	chunk := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(chunk[i*2:], uint16(2000))
	}
	return chunk
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestGreetingPlayedOnConnect(t *testing.T) {
	f := newFixture(t, testSessionConfig())

	f.orch.OnAnswered("call-1", "+818012345678")
	f.transport.events <- connection.Event{CallID: "call-1", Type: connection.EventConnected}

	// 6 audio bytes at 4 bytes per frame yields two frames, last padded.
	waitFor(t, time.Second, func() bool { return len(f.transport.sentFrames("call-1")) == 2 })
	frames := f.transport.sentFrames("call-1")
	assert.Equal(t, []byte{1, 2, 3, 4}, frames[0])
	assert.Equal(t, []byte{5, 6, 0, 0}, frames[1])
	assert.Equal(t, []string{"ご用件をお聞かせください。"}, f.tts.SpokenTexts())

	session, err := f.store.GetSession(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, database.SessionStatusActive, session.Status)
}

func TestSingleTurnConversation(t *testing.T) {
	f := newFixture(t, testSessionConfig())

	f.orch.OnAnswered("call-1", "+818012345678")
	f.orch.HandleFrame("call-1", voicedChunk(8))

	// Silence follows; the utterance window elapses and the turn runs.
	waitFor(t, 2*time.Second, func() bool {
		turns, err := f.store.ListTurns(context.Background(), "call-1")
		return err == nil && len(turns) == 1
	})

	turns, err := f.store.ListTurns(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, "こんにちは", turns[0].UserText)
	assert.Equal(t, "こんにちは、ご用件をどうぞ。", turns[0].AIText)
	assert.False(t, turns[0].Cached)
	assert.Equal(t, 1, turns[0].Sequence)

	// The reply was framed out to the caller.
	assert.NotEmpty(t, f.transport.sentFrames("call-1"))

	// The reply is now cached for identical utterances.
	cached, ok := f.cache.Get(context.Background(), "こんにちは")
	assert.True(t, ok)
	assert.Equal(t, "こんにちは、ご用件をどうぞ。", cached)

	state, ok := f.orch.State("call-1")
	require.True(t, ok)
	assert.Equal(t, StateListening, state)
}

func TestCachedReplySkipsBackend(t *testing.T) {
	f := newFixture(t, testSessionConfig())
	f.cache.Set(context.Background(), "こんにちは", "いらっしゃいませ。", time.Hour)

	f.orch.OnAnswered("call-1", "+818012345678")
	f.orch.HandleFrame("call-1", voicedChunk(8))

	waitFor(t, 2*time.Second, func() bool {
		turns, _ := f.store.ListTurns(context.Background(), "call-1")
		return len(turns) == 1
	})

	turns, _ := f.store.ListTurns(context.Background(), "call-1")
	assert.True(t, turns[0].Cached)
	assert.Equal(t, "いらっしゃいませ。", turns[0].AIText)
	assert.Equal(t, 0, f.responder.callCount())
}

func TestEmptyTranscriptDiscarded(t *testing.T) {
	f := newFixture(t, testSessionConfig())
	f.stt.Transcripts = []string{""}

	f.orch.OnAnswered("call-1", "+818012345678")
	f.orch.HandleFrame("call-1", voicedChunk(8))

	waitFor(t, 2*time.Second, func() bool { return f.stt.CallCount() >= 1 })
	time.Sleep(50 * time.Millisecond)

	turns, _ := f.store.ListTurns(context.Background(), "call-1")
	assert.Empty(t, turns)
	assert.Equal(t, 0, f.responder.callCount())

	state, ok := f.orch.State("call-1")
	require.True(t, ok)
	assert.Equal(t, StateListening, state)
}

func TestBackendFailureSpeaksApology(t *testing.T) {
	f := newFixture(t, testSessionConfig())
	f.responder.err = context.DeadlineExceeded

	f.orch.OnAnswered("call-1", "+818012345678")
	f.orch.HandleFrame("call-1", voicedChunk(8))

	waitFor(t, 2*time.Second, func() bool {
		for _, text := range f.tts.SpokenTexts() {
			if text == "すみません、一時的な問題が発生しました。もう一度お話しください。" {
				return true
			}
		}
		return false
	})

	turns, _ := f.store.ListTurns(context.Background(), "call-1")
	assert.Empty(t, turns)

	// The call survives the failed turn.
	assert.Equal(t, 1, f.orch.ActiveSessions())
}

func TestRateLimitedTurnApologizes(t *testing.T) {
	cfg := testSessionConfig()
	f := newFixture(t, cfg, func(deps *Deps) {
		deps.Limiter = denyAllLimiter{}
	})

	f.orch.OnAnswered("call-1", "+818012345678")
	f.orch.HandleFrame("call-1", voicedChunk(8))

	waitFor(t, 2*time.Second, func() bool {
		for _, text := range f.tts.SpokenTexts() {
			if text == cfg.Apology {
				return true
			}
		}
		return false
	})
	assert.Equal(t, 0, f.responder.callCount())
}

func TestDTMFHashEndsUtterance(t *testing.T) {
	cfg := testSessionConfig()
	cfg.UtteranceSilence = time.Hour // only DTMF can close the utterance
	f := newFixture(t, cfg)

	f.orch.OnAnswered("call-1", "+818012345678")
	f.orch.HandleFrame("call-1", voicedChunk(8))
	time.Sleep(20 * time.Millisecond)
	f.orch.OnDTMF("call-1", "#")

	waitFor(t, 2*time.Second, func() bool {
		turns, _ := f.store.ListTurns(context.Background(), "call-1")
		return len(turns) == 1
	})
}

func TestAbandonedCallEnds(t *testing.T) {
	cfg := testSessionConfig()
	cfg.AbandonSilence = 60 * time.Millisecond
	f := newFixture(t, cfg)

	f.orch.OnAnswered("call-1", "+818012345678")

	waitFor(t, 2*time.Second, func() bool { return f.orch.ActiveSessions() == 0 })

	session, err := f.store.GetSession(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, database.SessionStatusCompleted, session.Status)
	require.NotNil(t, session.EndTime)
}

func TestTransportFailureEndsSessionAsFailed(t *testing.T) {
	f := newFixture(t, testSessionConfig())

	f.orch.OnAnswered("call-1", "+818012345678")
	f.transport.events <- connection.Event{CallID: "call-1", Type: connection.EventFailed}

	waitFor(t, 2*time.Second, func() bool { return f.orch.ActiveSessions() == 0 })

	session, err := f.store.GetSession(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, database.SessionStatusFailed, session.Status)

	f.transport.mutex.Lock()
	removed := append([]string(nil), f.transport.removed...)
	f.transport.mutex.Unlock()
	assert.Contains(t, removed, "call-1")

	f.responder.mutex.Lock()
	forgot := append([]string(nil), f.responder.forgot...)
	f.responder.mutex.Unlock()
	assert.Contains(t, forgot, "call-1")
}

func TestProviderCompletedEndsSession(t *testing.T) {
	f := newFixture(t, testSessionConfig())

	f.orch.OnAnswered("call-1", "+818012345678")
	f.orch.OnCompleted("call-1")

	waitFor(t, 2*time.Second, func() bool { return f.orch.ActiveSessions() == 0 })

	session, err := f.store.GetSession(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, database.SessionStatusCompleted, session.Status)
}

func TestOfferFrameEvictsOldest(t *testing.T) {
	frames := make(chan []byte, 2)
	assert.True(t, offerFrame(frames, []byte{1}))
	assert.True(t, offerFrame(frames, []byte{2}))
	assert.False(t, offerFrame(frames, []byte{3}))

	// The oldest chunk made room for the newest.
	assert.Equal(t, []byte{2}, <-frames)
	assert.Equal(t, []byte{3}, <-frames)
}

func TestTurnPersistenceFailureEndsCall(t *testing.T) {
	store := &failingStore{MemoryStore: database.NewMemoryStore(), failTurns: true}
	f := newFixture(t, testSessionConfig(), func(deps *Deps) {
		deps.Store = store
	})

	f.orch.OnAnswered("call-1", "+818012345678")
	f.orch.HandleFrame("call-1", voicedChunk(8))

	waitFor(t, 2*time.Second, func() bool { return f.orch.ActiveSessions() == 0 })

	session, err := store.GetSession(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, database.SessionStatusFailed, session.Status)
}

func TestAnswerPersistenceFailureRejectsCall(t *testing.T) {
	store := &failingStore{MemoryStore: database.NewMemoryStore(), failSessions: true}
	f := newFixture(t, testSessionConfig(), func(deps *Deps) {
		deps.Store = store
	})

	f.orch.OnAnswered("call-1", "+818012345678")

	assert.Equal(t, 0, f.orch.ActiveSessions())
	_, ok := f.orch.State("call-1")
	assert.False(t, ok)
}

func TestSessionEndPublishesFinalEvent(t *testing.T) {
	pub := &stubPublisher{}
	f := newFixture(t, testSessionConfig(), func(deps *Deps) {
		deps.Publisher = pub
	})

	f.orch.OnAnswered("call-1", "+818012345678")
	f.orch.OnFailed("call-1", "carrier_error")

	waitFor(t, 2*time.Second, func() bool { return len(pub.published()) == 1 })

	event := pub.published()[0]
	assert.Equal(t, "call-1", event.CallID)
	assert.True(t, event.SessionEnded)
	assert.Equal(t, "carrier_error", event.FailureMessage)
	assert.Equal(t, "failed", event.Metadata["status"])
}

func TestDuplicateAnswerIgnored(t *testing.T) {
	f := newFixture(t, testSessionConfig())

	f.orch.OnAnswered("call-1", "+818012345678")
	f.orch.OnAnswered("call-1", "+818099999999")

	assert.Equal(t, 1, f.orch.ActiveSessions())

	session, err := f.store.GetSession(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, "+818012345678", session.CallerID)
}
