package speech

import (
	"context"
	"sync"
)

// MockTranscriber returns canned transcripts. Used in tests and when no STT
// provider is configured.
type MockTranscriber struct {
	mutex       sync.Mutex
	Transcripts []string
	Err         error
	Calls       int
}

// Name returns the provider identifier.
func (m *MockTranscriber) Name() string { return "mock" }

// Transcribe returns the next canned transcript.
func (m *MockTranscriber) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.Calls++
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Transcripts) == 0 {
		return "", nil
	}
	transcript := m.Transcripts[0]
	if len(m.Transcripts) > 1 {
		m.Transcripts = m.Transcripts[1:]
	}
	return transcript, nil
}

// MockSynthesizer returns a fixed audio payload.
type MockSynthesizer struct {
	mutex sync.Mutex
	Audio []byte
	Err   error
	Calls int
	Texts []string
}

// Name returns the provider identifier.
func (m *MockSynthesizer) Name() string { return "mock" }

// Synthesize returns the canned audio payload.
func (m *MockSynthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.Calls++
	m.Texts = append(m.Texts, text)
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Audio, nil
}

// SpokenTexts returns every text synthesized so far.
func (m *MockSynthesizer) SpokenTexts() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]string(nil), m.Texts...)
}

// CallCount returns how many transcriptions were requested.
func (m *MockTranscriber) CallCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.Calls
}
