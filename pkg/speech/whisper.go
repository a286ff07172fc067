package speech

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
)

// WhisperConfig holds settings for an OpenAI-compatible transcription
// endpoint.
type WhisperConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	SampleRate int
	Timeout    time.Duration
}

// WhisperTranscriber transcribes utterances through an OpenAI-compatible
// HTTP API.
type WhisperTranscriber struct {
	logger     *logrus.Logger
	config     WhisperConfig
	httpClient *http.Client
}

// NewWhisperTranscriber creates a Whisper HTTP transcriber.
func NewWhisperTranscriber(logger *logrus.Logger, cfg WhisperConfig) (*WhisperTranscriber, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("whisper base URL is required")
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	timeout := 45 * time.Second
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	return &WhisperTranscriber{
		logger:     logger,
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the provider identifier.
func (w *WhisperTranscriber) Name() string {
	return "whisper"
}

// Transcribe uploads one utterance as a WAV file and returns the text.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	start := time.Now()
	defer observeLatency("stt", start)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create multipart file: %w", err)
	}
	if _, err := part.Write(pcmToWAV(audio, w.config.SampleRate)); err != nil {
		return "", fmt.Errorf("failed to write audio payload: %w", err)
	}
	if err := writer.WriteField("model", w.config.Model); err != nil {
		return "", fmt.Errorf("failed to write model field: %w", err)
	}
	if language != "" {
		// The API expects a bare ISO 639-1 code, not a BCP 47 tag.
		code := language
		if idx := strings.IndexByte(code, '-'); idx > 0 {
			code = code[:idx]
		}
		if err := writer.WriteField("language", code); err != nil {
			return "", fmt.Errorf("failed to write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	url := strings.TrimRight(w.config.BaseURL, "/") + "/v1/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("failed to create transcription request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if w.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.APIKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		countRemoteError("stt")
		return "", errors.Wrap(err, "whisper transcription request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read transcription response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		countRemoteError("stt")
		return "", errors.NewRemoteError("whisper", resp.StatusCode, string(respBody))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode transcription response: %w", err)
	}

	transcript := strings.TrimSpace(result.Text)
	w.logger.WithFields(logrus.Fields{
		"language":   language,
		"bytes":      len(audio),
		"transcript": transcript,
	}).Debug("Whisper transcription completed")

	return transcript, nil
}

// pcmToWAV wraps raw 16-bit mono PCM in a minimal WAV container.
func pcmToWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels       = 1
		bitsPerSample  = 16
		bytesPerSample = bitsPerSample / 8
	)
	byteRate := sampleRate * channels * bytesPerSample

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(channels*bytesPerSample))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
