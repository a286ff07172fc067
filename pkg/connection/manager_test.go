package connection

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type fakeMessage struct {
	messageType int
	payload     []byte
}

// fakeStream is an in-memory Stream with scriptable inbound traffic.
type fakeStream struct {
	mutex    sync.Mutex
	inbound  chan fakeMessage
	written  []fakeMessage
	pings    int
	closed   bool
	writeErr error
}

func newFakeStream() *fakeStream {
	return &fakeStream{inbound: make(chan fakeMessage, 16)}
}

func (f *fakeStream) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return msg.messageType, msg.payload, nil
}

func (f *fakeStream) WriteMessage(messageType int, data []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	f.written = append(f.written, fakeMessage{messageType, copied})
	return nil
}

func (f *fakeStream) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if messageType == websocket.PingMessage {
		f.pings++
	}
	return nil
}

func (f *fakeStream) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

// send delivers an inbound message unless the stream is closed.
func (f *fakeStream) send(msg fakeMessage) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.inbound <- msg:
		return true
	default:
		return false
	}
}

func (f *fakeStream) setWriteErr(err error) {
	f.mutex.Lock()
	f.writeErr = err
	f.mutex.Unlock()
}

func (f *fakeStream) writtenFrames() [][]byte {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var frames [][]byte
	for _, msg := range f.written {
		if msg.messageType == websocket.BinaryMessage {
			frames = append(frames, msg.payload)
		}
	}
	return frames
}

func (f *fakeStream) isClosed() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.closed
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FrameDelay = 0
	cfg.ReconnectBackoff = time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	return cfg
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

func nextEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event before deadline", want)
		}
	}
}

func TestAddDeliversInboundFrames(t *testing.T) {
	var mutex sync.Mutex
	var got [][]byte
	m := NewManager(newTestLogger(), testConfig(), nil, func(callID string, frame []byte) {
		mutex.Lock()
		got = append(got, frame)
		mutex.Unlock()
	})
	defer m.Shutdown()

	stream := newFakeStream()
	m.Add("call-1", stream)
	nextEvent(t, m.Events(), EventConnected)

	stream.inbound <- fakeMessage{websocket.BinaryMessage, []byte{1, 2}}
	stream.inbound <- fakeMessage{websocket.BinaryMessage, []byte{3, 4}}

	waitFor(t, time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(got) == 2
	})
	assert.Equal(t, 1, m.ActiveCalls())
}

func TestSendFramePacedWrites(t *testing.T) {
	cfg := testConfig()
	cfg.FrameDelay = 5 * time.Millisecond
	m := NewManager(newTestLogger(), cfg, nil, nil)
	defer m.Shutdown()

	stream := newFakeStream()
	m.Add("call-1", stream)

	for i := byte(0); i < 3; i++ {
		require.NoError(t, m.SendFrame(context.Background(), "call-1", []byte{i}))
	}

	waitFor(t, time.Second, func() bool { return len(stream.writtenFrames()) == 3 })
	assert.Equal(t, [][]byte{{0}, {1}, {2}}, stream.writtenFrames())
}

func TestSendFrameBurstLargerThanQueue(t *testing.T) {
	cfg := testConfig()
	cfg.FrameDelay = 2 * time.Millisecond
	cfg.OutboundQueue = 4
	m := NewManager(newTestLogger(), cfg, nil, nil)
	defer m.Shutdown()

	stream := newFakeStream()
	m.Add("call-1", stream)

	// Bursting far past the queue capacity must not lose the head of the
	// burst; the send blocks until the pacer makes room.
	var want [][]byte
	for i := byte(0); i < 20; i++ {
		frame := []byte{i}
		want = append(want, frame)
		require.NoError(t, m.SendFrame(context.Background(), "call-1", frame))
	}

	waitFor(t, 2*time.Second, func() bool { return len(stream.writtenFrames()) == 20 })
	assert.Equal(t, want, stream.writtenFrames())
}

func TestSendFrameHonorsCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.FrameDelay = time.Hour // the first frame parks the write loop
	cfg.OutboundQueue = 1
	m := NewManager(newTestLogger(), cfg, nil, nil)
	defer m.Shutdown()

	stream := newFakeStream()
	m.Add("call-1", stream)

	require.NoError(t, m.SendFrame(context.Background(), "call-1", []byte{0}))
	require.NoError(t, m.SendFrame(context.Background(), "call-1", []byte{1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.SendFrame(ctx, "call-1", []byte{2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendFrameUnknownCall(t *testing.T) {
	m := NewManager(newTestLogger(), testConfig(), nil, nil)
	defer m.Shutdown()

	assert.Error(t, m.SendFrame(context.Background(), "nobody", []byte{1}))
}

func TestAddReplacesExistingStream(t *testing.T) {
	m := NewManager(newTestLogger(), testConfig(), nil, nil)
	defer m.Shutdown()

	first := newFakeStream()
	m.Add("call-1", first)
	nextEvent(t, m.Events(), EventConnected)

	second := newFakeStream()
	m.Add("call-1", second)
	nextEvent(t, m.Events(), EventReconnected)

	assert.Equal(t, 1, m.ActiveCalls())
	waitFor(t, time.Second, func() bool { return first.isClosed() })

	// Frames flow through the replacement stream.
	require.NoError(t, m.SendFrame(context.Background(), "call-1", []byte{9}))
	waitFor(t, time.Second, func() bool { return len(second.writtenFrames()) == 1 })
}

func TestReconnectAfterReadFailure(t *testing.T) {
	replacement := newFakeStream()
	var dials int
	var dialMutex sync.Mutex
	dialer := func(ctx context.Context, callID string) (Stream, error) {
		dialMutex.Lock()
		dials++
		dialMutex.Unlock()
		return replacement, nil
	}

	m := NewManager(newTestLogger(), testConfig(), dialer, nil)
	defer m.Shutdown()

	stream := newFakeStream()
	m.Add("call-1", stream)
	nextEvent(t, m.Events(), EventConnected)

	stream.Close() // read loop sees EOF

	nextEvent(t, m.Events(), EventReconnected)
	dialMutex.Lock()
	assert.Equal(t, 1, dials)
	dialMutex.Unlock()
	assert.Equal(t, 1, m.ActiveCalls())

	// Queued frames reach the replacement.
	require.NoError(t, m.SendFrame(context.Background(), "call-1", []byte{7}))
	waitFor(t, time.Second, func() bool { return len(replacement.writtenFrames()) == 1 })
}

func TestTerminalAfterReconnectBudget(t *testing.T) {
	var dials int
	var dialMutex sync.Mutex
	dialer := func(ctx context.Context, callID string) (Stream, error) {
		dialMutex.Lock()
		dials++
		dialMutex.Unlock()
		return nil, io.EOF
	}

	cfg := testConfig()
	cfg.MaxReconnects = 3
	m := NewManager(newTestLogger(), cfg, dialer, nil)
	defer m.Shutdown()

	stream := newFakeStream()
	m.Add("call-1", stream)
	nextEvent(t, m.Events(), EventConnected)

	stream.Close()

	event := nextEvent(t, m.Events(), EventFailed)
	assert.Equal(t, "call-1", event.CallID)

	dialMutex.Lock()
	assert.Equal(t, 3, dials)
	dialMutex.Unlock()
	assert.Equal(t, 0, m.ActiveCalls())

	// No second terminal event arrives.
	select {
	case extra := <-m.Events():
		t.Fatalf("unexpected event after terminal failure: %v", extra.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFailureDropsQueuedFrames(t *testing.T) {
	// The slow dialer keeps the call alive long enough to queue frames
	// behind the outage.
	dialer := func(ctx context.Context, callID string) (Stream, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, io.EOF
	}

	cfg := testConfig()
	cfg.MaxReconnects = 1
	m := NewManager(newTestLogger(), cfg, dialer, nil)
	defer m.Shutdown()

	stream := newFakeStream()
	stream.setWriteErr(io.ErrClosedPipe)
	m.Add("call-1", stream)
	nextEvent(t, m.Events(), EventConnected)

	for i := byte(0); i < 5; i++ {
		require.NoError(t, m.SendFrame(context.Background(), "call-1", []byte{i}))
	}

	event := nextEvent(t, m.Events(), EventFailed)
	assert.Greater(t, event.DroppedFrames, 0)
}

func TestActivityTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ActivityTimeout = 30 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.PingInterval = time.Hour

	m := NewManager(newTestLogger(), cfg, nil, nil)
	defer m.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	stream := newFakeStream()
	m.Add("call-1", stream)
	nextEvent(t, m.Events(), EventConnected)

	event := nextEvent(t, m.Events(), EventTimedOut)
	assert.Equal(t, "call-1", event.CallID)
	assert.Equal(t, 0, m.ActiveCalls())
}

func TestHeartbeatProbeSent(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongGrace = time.Hour
	cfg.ActivityTimeout = time.Hour
	cfg.SweepInterval = 10 * time.Millisecond

	m := NewManager(newTestLogger(), cfg, nil, nil)
	defer m.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	stream := newFakeStream()
	m.Add("call-1", stream)

	waitFor(t, time.Second, func() bool {
		stream.mutex.Lock()
		defer stream.mutex.Unlock()
		return stream.pings >= 1
	})
}

func TestPongKeepsCallAlive(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 15 * time.Millisecond
	cfg.PongGrace = 30 * time.Millisecond
	cfg.ActivityTimeout = time.Hour
	cfg.SweepInterval = 5 * time.Millisecond

	m := NewManager(newTestLogger(), cfg, nil, nil)
	defer m.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	stream := newFakeStream()
	m.Add("call-1", stream)
	nextEvent(t, m.Events(), EventConnected)

	// Answer every probe through the read path.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
				stream.send(fakeMessage{websocket.PongMessage, nil})
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, m.ActiveCalls())
}

func TestMissedPongTriggersFailure(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 10 * time.Millisecond
	cfg.PongGrace = 20 * time.Millisecond
	cfg.ActivityTimeout = time.Hour
	cfg.SweepInterval = 5 * time.Millisecond
	cfg.MaxReconnects = 1

	dialer := func(ctx context.Context, callID string) (Stream, error) {
		return nil, io.EOF
	}
	m := NewManager(newTestLogger(), cfg, dialer, nil)
	defer m.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	stream := newFakeStream()
	m.Add("call-1", stream)
	nextEvent(t, m.Events(), EventConnected)

	event := nextEvent(t, m.Events(), EventFailed)
	assert.Equal(t, "call-1", event.CallID)
}

func TestTextPingAnsweredWithPong(t *testing.T) {
	m := NewManager(newTestLogger(), testConfig(), nil, nil)
	defer m.Shutdown()

	stream := newFakeStream()
	m.Add("call-1", stream)

	stream.inbound <- fakeMessage{websocket.TextMessage, []byte("ping")}

	waitFor(t, time.Second, func() bool {
		stream.mutex.Lock()
		defer stream.mutex.Unlock()
		for _, msg := range stream.written {
			if msg.messageType == websocket.TextMessage && string(msg.payload) == "pong" {
				return true
			}
		}
		return false
	})
}

func TestRemoveEmitsRemovedEvent(t *testing.T) {
	m := NewManager(newTestLogger(), testConfig(), nil, nil)
	defer m.Shutdown()

	stream := newFakeStream()
	m.Add("call-1", stream)
	nextEvent(t, m.Events(), EventConnected)

	m.Remove("call-1")
	nextEvent(t, m.Events(), EventRemoved)
	assert.Equal(t, 0, m.ActiveCalls())
	assert.True(t, stream.isClosed())
}
