package speech

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate-server/pkg/errors"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestWhisperTranscribe(t *testing.T) {
	var gotModel, gotLanguage, gotAuth string
	var gotFile []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotModel = r.FormValue("model")
		gotLanguage = r.FormValue("language")

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		gotFile, err = io.ReadAll(file)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": "  こんにちは "}`))
	}))
	defer server.Close()

	tr, err := NewWhisperTranscriber(newTestLogger(), WhisperConfig{
		BaseURL:    server.URL,
		APIKey:     "secret",
		SampleRate: 16000,
	})
	require.NoError(t, err)

	pcm := []byte{1, 2, 3, 4}
	text, err := tr.Transcribe(context.Background(), pcm, "ja-JP")
	require.NoError(t, err)

	assert.Equal(t, "こんにちは", text)
	assert.Equal(t, "whisper-1", gotModel)
	assert.Equal(t, "ja", gotLanguage)
	assert.Equal(t, "Bearer secret", gotAuth)
	// WAV header plus the PCM payload
	require.Greater(t, len(gotFile), 44)
	assert.Equal(t, "RIFF", string(gotFile[:4]))
	assert.Equal(t, pcm, gotFile[44:])
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(gotFile[24:28]))
}

func TestWhisperServerErrorIsRemoteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tr, err := NewWhisperTranscriber(newTestLogger(), WhisperConfig{BaseURL: server.URL, SampleRate: 16000})
	require.NoError(t, err)

	_, err = tr.Transcribe(context.Background(), []byte{0, 0}, "ja-JP")
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestHTTPSynthesizer(t *testing.T) {
	audio := []byte{0x10, 0x20, 0x30, 0x40}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/voice-a", r.URL.Path)
		assert.Equal(t, "pcm_16000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "key", r.Header.Get("xi-api-key"))
		w.Write(audio)
	}))
	defer server.Close()

	synth, err := NewHTTPSynthesizer(newTestLogger(), TTSConfig{
		BaseURL:      server.URL,
		APIKey:       "key",
		DefaultVoice: "voice-a",
		SampleRate:   16000,
	})
	require.NoError(t, err)

	got, err := synth.Synthesize(context.Background(), "ご用件をお聞かせください。", "")
	require.NoError(t, err)
	assert.Equal(t, audio, got)
}

func TestHTTPSynthesizerClientErrorNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad voice", http.StatusBadRequest)
	}))
	defer server.Close()

	synth, err := NewHTTPSynthesizer(newTestLogger(), TTSConfig{BaseURL: server.URL, SampleRate: 16000})
	require.NoError(t, err)

	_, err = synth.Synthesize(context.Background(), "text", "nope")
	require.Error(t, err)
	assert.False(t, errors.IsRetryable(err))
}

func TestMockTranscriberSequence(t *testing.T) {
	m := &MockTranscriber{Transcripts: []string{"first", "second"}}

	text, err := m.Transcribe(context.Background(), nil, "ja-JP")
	require.NoError(t, err)
	assert.Equal(t, "first", text)

	text, err = m.Transcribe(context.Background(), nil, "ja-JP")
	require.NoError(t, err)
	assert.Equal(t, "second", text)

	// Last transcript repeats
	text, err = m.Transcribe(context.Background(), nil, "ja-JP")
	require.NoError(t, err)
	assert.Equal(t, "second", text)
	assert.Equal(t, 3, m.Calls)
}
