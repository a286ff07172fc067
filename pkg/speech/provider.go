package speech

import (
	"context"
	"time"

	"voicegate-server/pkg/metrics"
)

// Transcriber converts a completed utterance of linear PCM audio into text.
type Transcriber interface {
	// Name returns the provider identifier.
	Name() string

	// Transcribe converts 16-bit linear PCM audio to text. An empty string
	// with a nil error means the provider heard nothing usable.
	Transcribe(ctx context.Context, audio []byte, language string) (string, error)
}

// Synthesizer renders text as 16-bit linear PCM audio.
type Synthesizer interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize renders text as PCM audio at the gateway sample rate.
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// observeLatency records a remote operation's duration. Safe before
// metrics.Init.
func observeLatency(operation string, start time.Time) {
	if metrics.RemoteLatency != nil {
		metrics.RemoteLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func countRemoteError(operation string) {
	if metrics.RemoteErrors != nil {
		metrics.RemoteErrors.WithLabelValues(operation).Inc()
	}
}
