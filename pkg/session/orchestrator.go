package session

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/ai"
	"voicegate-server/pkg/audio"
	"voicegate-server/pkg/connection"
	"voicegate-server/pkg/database"
	"voicegate-server/pkg/errors"
	"voicegate-server/pkg/messaging"
	"voicegate-server/pkg/metrics"
	"voicegate-server/pkg/monitor"
	"voicegate-server/pkg/ratelimit"
	"voicegate-server/pkg/retry"
	"voicegate-server/pkg/speech"
	"voicegate-server/pkg/telephony"
)

// State is a call's position in the turn-taking cycle.
type State string

const (
	// StateListening accumulates caller audio.
	StateListening State = "listening"
	// StateTranscribing converts the caller's utterance to text.
	StateTranscribing State = "transcribing"
	// StateGenerating waits for the conversational backend.
	StateGenerating State = "generating"
	// StateSpeaking plays the reply back to the caller.
	StateSpeaking State = "speaking"
	// StateEnded is terminal.
	StateEnded State = "ended"
)

const silenceCheckInterval = 200 * time.Millisecond

// Transport carries outbound audio and lifecycle events for active calls.
// Satisfied by *connection.Manager. SendFrame blocks on a full outbound
// queue, pacing playback against the transport's drain rate.
type Transport interface {
	SendFrame(ctx context.Context, callID string, frame []byte) error
	Remove(callID string)
	Events() <-chan connection.Event
}

// Responder generates conversational replies. Satisfied by *ai.Client.
type Responder interface {
	GenerateReply(ctx context.Context, query, conversationID, userID string) (*ai.Reply, error)
	Forget(userID string)
}

// ReplyCache caches replies keyed by utterance text. Satisfied by
// *cache.ReplyCache.
type ReplyCache interface {
	Get(ctx context.Context, utterance string) (string, bool)
	Set(ctx context.Context, utterance, reply string, ttl time.Duration)
}

// Admission gates outbound AI requests. Satisfied by *ratelimit.Limiter.
type Admission interface {
	CheckLimit(ctx context.Context, key string) ratelimit.Result
}

// Config holds orchestration settings for every call.
type Config struct {
	Greeting string
	Apology  string
	Language string
	Voice    string

	ReplyCacheTTL time.Duration
	FrameQueue    int

	FrameBytes       int
	MaxBufferBytes   int
	SilenceThreshold float64
	UtteranceSilence time.Duration
	AbandonSilence   time.Duration
}

// Deps wires the orchestrator to the rest of the gateway. Transcriber,
// Synthesizer, Transport, Store and Retry are required; the rest may be nil.
type Deps struct {
	Logger      *logrus.Logger
	Transport   Transport
	Transcriber speech.Transcriber
	Synthesizer speech.Synthesizer
	Responder   Responder
	Cache       ReplyCache
	Store       database.Store
	Publisher   messaging.Publisher
	Monitor     *monitor.CallMonitor
	Limiter     Admission
	Retry       *retry.Executor
	Signaler    telephony.Signaler
}

type controlKind int

const (
	controlGreet controlKind = iota
	controlEndUtterance
)

type call struct {
	id             string
	callerID       string
	conversationID string
	startTime      time.Time

	framer    *audio.Framer
	frames    chan []byte
	control   chan controlKind
	utterance bytes.Buffer

	stateMu    sync.Mutex
	state      State
	turnSeq    int
	heardVoice bool
	lastVoice  time.Time
	quietSince time.Time
	greeted    bool

	ctx    context.Context
	cancel context.CancelFunc
	endOne sync.Once
}

// Orchestrator runs the listen/transcribe/generate/speak cycle for every
// active call.
type Orchestrator struct {
	logger *logrus.Logger
	config Config
	deps   Deps

	mutex sync.RWMutex
	calls map[string]*call

	wg sync.WaitGroup
}

// NewOrchestrator creates the call orchestrator.
func NewOrchestrator(config Config, deps Deps) *Orchestrator {
	if config.FrameQueue <= 0 {
		config.FrameQueue = 512
	}
	return &Orchestrator{
		logger: deps.Logger,
		config: config,
		deps:   deps,
		calls:  make(map[string]*call),
	}
}

// Run consumes transport lifecycle events until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case event, ok := <-o.deps.Transport.Events():
			if !ok {
				return
			}
			o.handleTransportEvent(event)
		}
	}
}

func (o *Orchestrator) handleTransportEvent(event connection.Event) {
	c := o.lookup(event.CallID)
	if c == nil {
		return
	}

	logger := o.logger.WithField("call_id", event.CallID)
	switch event.Type {
	case connection.EventConnected:
		select {
		case c.control <- controlGreet:
		default:
		}
	case connection.EventReconnected:
		logger.Info("Call audio stream recovered")
	case connection.EventFailed:
		logger.WithError(event.Err).Warn("Call audio stream lost for good")
		o.endCall(c, database.SessionStatusFailed, "transport_failed")
	case connection.EventTimedOut:
		logger.Warn("Call went silent past the activity timeout")
		o.endCall(c, database.SessionStatusCompleted, "inactive")
	}
}

// OnAnswered starts orchestration for a newly answered call.
func (o *Orchestrator) OnAnswered(callID, callerID string) {
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	c := &call{
		id:         callID,
		callerID:   callerID,
		startTime:  now,
		framer:     audio.NewFramer(o.config.FrameBytes, o.config.MaxBufferBytes),
		frames:     make(chan []byte, o.config.FrameQueue),
		control:    make(chan controlKind, 8),
		state:      StateListening,
		quietSince: now,
		ctx:        ctx,
		cancel:     cancel,
	}

	o.mutex.Lock()
	if _, exists := o.calls[callID]; exists {
		o.mutex.Unlock()
		cancel()
		o.logger.WithField("call_id", callID).Warn("Ignoring duplicate call answer")
		return
	}
	o.calls[callID] = c
	o.mutex.Unlock()

	// Session persistence is load-bearing: a call we cannot record is a
	// call we do not take.
	if err := o.deps.Store.SaveSession(ctx, &database.Session{
		ID:        callID,
		CallerID:  callerID,
		Status:    database.SessionStatusActive,
		Language:  o.config.Language,
		StartTime: now,
	}); err != nil {
		o.logger.WithError(err).WithField("call_id", callID).Error("Failed to persist new session, rejecting call")
		o.endCall(c, database.SessionStatusFailed, "persistence_failed")
		return
	}

	if o.deps.Monitor != nil {
		o.deps.Monitor.StartMonitoring(callID)
	}

	o.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"caller":  callerID,
	}).Info("Call session started")

	o.wg.Add(1)
	go o.run(c)
}

// OnCompleted ends a call the provider reported finished.
func (o *Orchestrator) OnCompleted(callID string) {
	if c := o.lookup(callID); c != nil {
		o.endCall(c, database.SessionStatusCompleted, "provider_completed")
	}
}

// OnFailed ends a call the provider reported failed.
func (o *Orchestrator) OnFailed(callID, reason string) {
	if c := o.lookup(callID); c != nil {
		o.endCall(c, database.SessionStatusFailed, reason)
	}
}

// OnDTMF handles keypad input. The hash key forces the current utterance to
// be processed immediately.
func (o *Orchestrator) OnDTMF(callID, digit string) {
	c := o.lookup(callID)
	if c == nil {
		return
	}
	o.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"digit":   digit,
	}).Debug("DTMF received")

	if digit == "#" {
		select {
		case c.control <- controlEndUtterance:
		default:
		}
	}
}

// HandleFrame ingests one inbound audio chunk. Registered as the transport's
// frame handler.
func (o *Orchestrator) HandleFrame(callID string, chunk []byte) {
	c := o.lookup(callID)
	if c == nil {
		return
	}
	if !offerFrame(c.frames, chunk) {
		if metrics.FramesDropped != nil {
			metrics.FramesDropped.WithLabelValues("queue_full").Inc()
		}
	}
}

// offerFrame enqueues a chunk, evicting the oldest queued chunk when the
// channel is full. Reports whether the chunk got in without an eviction.
func offerFrame(frames chan []byte, chunk []byte) bool {
	select {
	case frames <- chunk:
		return true
	default:
	}
	for {
		select {
		case <-frames:
		default:
		}
		select {
		case frames <- chunk:
			return false
		default:
		}
	}
}

// EndOfUtterance forces the current utterance to be processed, regardless of
// the silence window.
func (o *Orchestrator) EndOfUtterance(callID string) {
	if c := o.lookup(callID); c != nil {
		select {
		case c.control <- controlEndUtterance:
		default:
		}
	}
}

// Terminate ends a call from our side, hanging up the provider leg.
func (o *Orchestrator) Terminate(callID string) {
	c := o.lookup(callID)
	if c == nil {
		return
	}
	if o.deps.Signaler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.deps.Signaler.TerminateCall(ctx, callID); err != nil {
			o.logger.WithError(err).WithField("call_id", callID).Warn("Provider hangup failed")
		}
	}
	o.endCall(c, database.SessionStatusCompleted, "terminated")
}

// ActiveSessions returns the number of calls being orchestrated.
func (o *Orchestrator) ActiveSessions() int {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return len(o.calls)
}

// State reports a call's current state.
func (o *Orchestrator) State(callID string) (State, bool) {
	c := o.lookup(callID)
	if c == nil {
		return StateEnded, false
	}
	return c.getState(), true
}

func (c *call) getState() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *call) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// bumpTurn advances the turn sequence. Guarded because teardown paths on
// other goroutines read the count.
func (c *call) bumpTurn() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.turnSeq++
	return c.turnSeq
}

func (c *call) turns() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.turnSeq
}

func (o *Orchestrator) lookup(callID string) *call {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.calls[callID]
}

func (o *Orchestrator) shutdown() {
	o.mutex.RLock()
	calls := make([]*call, 0, len(o.calls))
	for _, c := range o.calls {
		calls = append(calls, c)
	}
	o.mutex.RUnlock()

	for _, c := range calls {
		o.endCall(c, database.SessionStatusCompleted, "shutdown")
	}
	o.wg.Wait()
}

// run is the per-call loop. All framing and turn processing happens here, so
// the framer and utterance buffer need no locking.
func (o *Orchestrator) run(c *call) {
	defer o.wg.Done()

	ticker := time.NewTicker(silenceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case chunk := <-c.frames:
			o.ingest(c, chunk)
		case kind := <-c.control:
			switch kind {
			case controlGreet:
				o.greet(c)
			case controlEndUtterance:
				o.processTurn(c)
			}
		case <-ticker.C:
			o.checkSilence(c)
		}
	}
}

func (o *Orchestrator) ingest(c *call, chunk []byte) {
	for _, frame := range c.framer.AddChunk(chunk) {
		level := audio.Level(frame)
		if !audio.IsSilence(level, o.config.SilenceThreshold) {
			c.lastVoice = time.Now()
			c.heardVoice = true
		}
		if c.heardVoice {
			c.utterance.Write(frame)
		}
	}
}

func (o *Orchestrator) checkSilence(c *call) {
	if c.getState() != StateListening {
		return
	}
	now := time.Now()

	if c.heardVoice {
		if now.Sub(c.lastVoice) >= o.config.UtteranceSilence {
			o.processTurn(c)
		}
		return
	}

	if o.config.AbandonSilence > 0 && now.Sub(c.quietSince) >= o.config.AbandonSilence {
		o.logger.WithField("call_id", c.id).Info("Ending abandoned call")
		if o.deps.Signaler != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			o.deps.Signaler.TerminateCall(ctx, c.id)
			cancel()
		}
		o.endCall(c, database.SessionStatusCompleted, "abandoned")
	}
}

func (o *Orchestrator) greet(c *call) {
	if c.greeted || o.config.Greeting == "" {
		return
	}
	c.greeted = true
	if err := o.speak(c, o.config.Greeting); err != nil {
		o.logger.WithError(err).WithField("call_id", c.id).Warn("Failed to play greeting")
	}
}

// processTurn runs one full transcribe/generate/speak cycle on the buffered
// utterance.
func (o *Orchestrator) processTurn(c *call) {
	if c.getState() != StateListening || !c.heardVoice {
		return
	}

	// Trailing partial frame belongs to this utterance too.
	if tail := c.framer.Flush(); tail != nil {
		c.utterance.Write(tail)
	}
	pcm := audio.Normalize(c.utterance.Bytes())
	c.utterance.Reset()
	c.heardVoice = false
	c.quietSince = time.Now()

	logger := o.logger.WithField("call_id", c.id)
	turnStart := time.Now()

	c.setState(StateTranscribing)
	transcript, err := o.transcribe(c, pcm)
	if err != nil {
		logger.WithError(err).Error("Transcription failed, apologizing to caller")
		o.apologize(c)
		return
	}
	if transcript == "" {
		logger.Debug("Empty transcript, resuming listening")
		c.setState(StateListening)
		return
	}

	logger.WithField("transcript", transcript).Info("Caller utterance transcribed")

	c.setState(StateGenerating)
	reply, cached, err := o.respond(c, transcript)
	if err != nil {
		logger.WithError(err).Error("Reply generation failed, apologizing to caller")
		o.apologize(c)
		return
	}
	if reply == "" {
		logger.Warn("Backend produced an empty reply, resuming listening")
		c.setState(StateListening)
		return
	}

	c.setState(StateSpeaking)
	if err := o.speak(c, reply); err != nil {
		logger.WithError(err).Error("Reply playback failed, apologizing to caller")
		o.apologize(c)
		return
	}

	seq := c.bumpTurn()
	latency := time.Since(turnStart)
	if err := o.recordTurn(c, seq, transcript, reply, cached, latency); err != nil {
		logger.WithError(err).Error("Turn persistence failed, ending call")
		o.endCall(c, database.SessionStatusFailed, "persistence_failed")
		return
	}
	if o.deps.Monitor != nil {
		o.deps.Monitor.UpdateMetrics(c.id, monitor.Update{Latency: &latency})
	}
	if metrics.TurnsTotal != nil {
		metrics.TurnsTotal.Inc()
	}

	c.setState(StateListening)
}

func (o *Orchestrator) transcribe(c *call, pcm []byte) (string, error) {
	var transcript string
	err := o.deps.Retry.DoIf(c.ctx, "stt", errors.IsRetryable, func(ctx context.Context) error {
		var err error
		transcript, err = o.deps.Transcriber.Transcribe(ctx, pcm, o.config.Language)
		return err
	})
	return transcript, err
}

// respond resolves the reply for a transcript, consulting the cache first
// and the admission gate before any backend call.
func (o *Orchestrator) respond(c *call, transcript string) (string, bool, error) {
	if o.deps.Cache != nil {
		if reply, ok := o.deps.Cache.Get(c.ctx, transcript); ok {
			return reply, true, nil
		}
	}

	if o.deps.Limiter != nil {
		if result := o.deps.Limiter.CheckLimit(c.ctx, c.id); !result.Allowed {
			o.logger.WithFields(logrus.Fields{
				"call_id":    c.id,
				"reset_time": result.ResetTime,
			}).Warn("AI request rate limited")
			return "", false, errors.ErrRateLimited
		}
	}

	var reply *ai.Reply
	err := o.deps.Retry.DoIf(c.ctx, "ai", errors.IsRetryable, func(ctx context.Context) error {
		var err error
		reply, err = o.deps.Responder.GenerateReply(ctx, transcript, c.conversationID, c.id)
		return err
	})
	if err != nil {
		return "", false, err
	}

	if reply.ConversationID != "" {
		c.conversationID = reply.ConversationID
	}
	if o.deps.Cache != nil && reply.Text != "" {
		o.deps.Cache.Set(c.ctx, transcript, reply.Text, o.config.ReplyCacheTTL)
	}
	return reply.Text, false, nil
}

// speak synthesizes text and queues it to the caller frame by frame.
func (o *Orchestrator) speak(c *call, text string) error {
	var pcm []byte
	err := o.deps.Retry.DoIf(c.ctx, "tts", errors.IsRetryable, func(ctx context.Context) error {
		var err error
		pcm, err = o.deps.Synthesizer.Synthesize(ctx, text, o.config.Voice)
		return err
	})
	if err != nil {
		return err
	}

	frameBytes := o.config.FrameBytes
	for offset := 0; offset < len(pcm); offset += frameBytes {
		end := offset + frameBytes
		frame := make([]byte, frameBytes)
		if end > len(pcm) {
			copy(frame, pcm[offset:])
		} else {
			copy(frame, pcm[offset:end])
		}
		if err := o.deps.Transport.SendFrame(c.ctx, c.id, frame); err != nil {
			return err
		}
	}
	return nil
}

// apologize plays the canned apology and resumes listening. A failing
// apology is only logged; the call stays up.
func (o *Orchestrator) apologize(c *call) {
	if o.config.Apology != "" {
		if err := o.speak(c, o.config.Apology); err != nil {
			o.logger.WithError(err).WithField("call_id", c.id).Warn("Failed to play apology")
		}
	}
	c.setState(StateListening)
}

// recordTurn persists a completed turn and publishes it. Persistence
// failures propagate; a lost publish is only logged.
func (o *Orchestrator) recordTurn(c *call, seq int, userText, aiText string, cached bool, latency time.Duration) error {
	turn := &database.Turn{
		ID:        uuid.NewString(),
		SessionID: c.id,
		Sequence:  seq,
		UserText:  userText,
		AIText:    aiText,
		Cached:    cached,
		LatencyMs: latency.Milliseconds(),
		Timestamp: time.Now(),
	}
	if err := o.deps.Store.SaveTurn(c.ctx, turn); err != nil {
		return errors.Wrap(err, "turn persistence failed", map[string]interface{}{
			"call_id": c.id,
		})
	}

	if o.deps.Publisher != nil {
		event := messaging.TurnEvent{
			CallID:    c.id,
			TurnID:    turn.ID,
			UserText:  userText,
			AIText:    aiText,
			Cached:    cached,
			LatencyMs: turn.LatencyMs,
			Timestamp: turn.Timestamp,
		}
		if err := o.deps.Publisher.PublishTurn(c.ctx, event); err != nil {
			o.logger.WithError(err).WithField("call_id", c.id).Warn("Failed to publish turn event")
		}
	}
	return nil
}

// endCall tears a session down exactly once.
func (o *Orchestrator) endCall(c *call, status, reason string) {
	c.endOne.Do(func() {
		c.setState(StateEnded)
		c.cancel()

		o.mutex.Lock()
		delete(o.calls, c.id)
		o.mutex.Unlock()

		end := time.Now()
		duration := int64(end.Sub(c.startTime).Seconds())
		turns := c.turns()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.deps.Store.SaveSession(ctx, &database.Session{
			ID:        c.id,
			CallerID:  c.callerID,
			Status:    status,
			Language:  o.config.Language,
			StartTime: c.startTime,
			EndTime:   &end,
			Duration:  &duration,
			Turns:     turns,
		}); err != nil {
			o.logger.WithError(err).WithField("call_id", c.id).Error("Failed to persist session end")
		}

		if o.deps.Publisher != nil {
			event := messaging.TurnEvent{
				CallID:       c.id,
				SessionEnded: true,
				Timestamp:    end,
				Metadata: map[string]interface{}{
					"status": status,
					"reason": reason,
					"turns":  turns,
				},
			}
			if status == database.SessionStatusFailed {
				event.FailureMessage = reason
			}
			if err := o.deps.Publisher.PublishTurn(ctx, event); err != nil {
				o.logger.WithError(err).WithField("call_id", c.id).Warn("Failed to publish session end event")
			}
		}

		if o.deps.Monitor != nil {
			o.deps.Monitor.StopMonitoring(c.id)
		}
		o.deps.Transport.Remove(c.id)
		if o.deps.Responder != nil {
			o.deps.Responder.Forget(c.id)
		}

		if metrics.CallsTotal != nil {
			metrics.CallsTotal.WithLabelValues(status).Inc()
		}
		if metrics.CallDuration != nil {
			metrics.CallDuration.Observe(end.Sub(c.startTime).Seconds())
		}

		o.logger.WithFields(logrus.Fields{
			"call_id":  c.id,
			"status":   status,
			"reason":   reason,
			"duration": end.Sub(c.startTime),
			"turns":    turns,
		}).Info("Call session ended")
	})
}
