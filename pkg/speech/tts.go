package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
)

// TTSConfig holds settings for the HTTP text-to-speech endpoint.
type TTSConfig struct {
	BaseURL      string
	APIKey       string
	DefaultVoice string
	SampleRate   int
	Timeout      time.Duration
}

// HTTPSynthesizer renders text as PCM audio through an ElevenLabs-style
// HTTP API.
type HTTPSynthesizer struct {
	logger     *logrus.Logger
	config     TTSConfig
	httpClient *http.Client
}

// NewHTTPSynthesizer creates an HTTP text-to-speech client.
func NewHTTPSynthesizer(logger *logrus.Logger, cfg TTSConfig) (*HTTPSynthesizer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("TTS base URL is required")
	}
	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	return &HTTPSynthesizer{
		logger:     logger,
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the provider identifier.
func (s *HTTPSynthesizer) Name() string {
	return "http"
}

// Synthesize renders text as raw PCM at the configured sample rate.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	start := time.Now()
	defer observeLatency("tts", start)

	if voice == "" {
		voice = s.config.DefaultVoice
	}

	payload, err := json.Marshal(map[string]interface{}{
		"text": text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=pcm_%d",
		strings.TrimRight(s.config.BaseURL, "/"),
		url.PathEscape(voice),
		s.config.SampleRate,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("xi-api-key", s.config.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		countRemoteError("tts")
		return nil, errors.Wrap(err, "TTS request failed").WithField("voice", voice)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		countRemoteError("tts")
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.NewRemoteError("tts", resp.StatusCode, string(body))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read synthesis response: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"voice": voice,
		"chars": len(text),
		"bytes": len(audio),
	}).Debug("Speech synthesis completed")

	return audio, nil
}
