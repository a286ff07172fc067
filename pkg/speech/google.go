package speech

import (
	"context"
	"fmt"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"voicegate-server/pkg/errors"
)

// GoogleConfig holds Google Speech-to-Text settings.
type GoogleConfig struct {
	APIKey          string
	CredentialsFile string
	SampleRate      int
	Model           string
}

// GoogleTranscriber transcribes utterances with Google Speech-to-Text.
type GoogleTranscriber struct {
	logger *logrus.Logger
	client *speech.Client
	config GoogleConfig
}

// NewGoogleTranscriber creates and initializes a Google Speech client.
func NewGoogleTranscriber(ctx context.Context, logger *logrus.Logger, cfg GoogleConfig) (*GoogleTranscriber, error) {
	var clientOptions []option.ClientOption
	if cfg.APIKey != "" {
		clientOptions = append(clientOptions, option.WithAPIKey(cfg.APIKey))
		logger.Debug("Using Google Speech API key authentication")
	} else if cfg.CredentialsFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.WithField("credentials_file", cfg.CredentialsFile).Debug("Using Google Speech credentials file")
	} else {
		return nil, fmt.Errorf("Google Speech requires either API key or credentials file")
	}

	client, err := speech.NewClient(ctx, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Speech client: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"sample_rate": cfg.SampleRate,
		"model":       cfg.Model,
	}).Info("Google Speech-to-Text client initialized")

	return &GoogleTranscriber{logger: logger, client: client, config: cfg}, nil
}

// Name returns the provider identifier.
func (g *GoogleTranscriber) Name() string {
	return "google"
}

// Transcribe recognizes one utterance of linear PCM audio.
func (g *GoogleTranscriber) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	start := time.Now()
	defer observeLatency("stt", start)

	req := &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            int32(g.config.SampleRate),
			LanguageCode:               language,
			EnableAutomaticPunctuation: true,
			Model:                      g.config.Model,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	}

	resp, err := g.client.Recognize(ctx, req)
	if err != nil {
		countRemoteError("stt")
		return "", errors.Wrap(err, "Google Speech recognition failed").WithField("language", language)
	}

	var parts []string
	for _, result := range resp.Results {
		if len(result.Alternatives) > 0 {
			parts = append(parts, result.Alternatives[0].Transcript)
		}
	}
	transcript := strings.TrimSpace(strings.Join(parts, " "))

	g.logger.WithFields(logrus.Fields{
		"language":   language,
		"bytes":      len(audio),
		"transcript": transcript,
	}).Debug("Google Speech recognition completed")

	return transcript, nil
}

// Close releases the underlying gRPC client.
func (g *GoogleTranscriber) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
