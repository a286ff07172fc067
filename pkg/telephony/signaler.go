package telephony

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

// Signaler controls call legs on the upstream voice provider.
type Signaler interface {
	// TerminateCall hangs up the provider-side leg of a call.
	TerminateCall(ctx context.Context, callID string) error
}

// RESTSignalerConfig holds settings for the provider's call control API.
type RESTSignalerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// RESTSignaler hangs up calls through the provider's REST API.
type RESTSignaler struct {
	logger     *logrus.Logger
	config     RESTSignalerConfig
	httpClient *http.Client
}

// NewRESTSignaler creates a call control client.
func NewRESTSignaler(logger *logrus.Logger, cfg RESTSignalerConfig) (*RESTSignaler, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("signaler base URL is required")
	}
	timeout := 10 * time.Second
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	return &RESTSignaler{
		logger:     logger,
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// TerminateCall issues a hangup for the given call leg.
func (s *RESTSignaler) TerminateCall(ctx context.Context, callID string) error {
	payload, err := json.Marshal(map[string]string{"action": "hangup"})
	if err != nil {
		return fmt.Errorf("failed to marshal hangup request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/calls/%s",
		strings.TrimRight(s.config.BaseURL, "/"),
		url.PathEscape(callID),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create hangup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "hangup request failed").WithField("call_id", callID)
	}
	defer resp.Body.Close()

	// A call that already ended is fine.
	if resp.StatusCode == http.StatusNotFound {
		s.logger.WithField("call_id", callID).Debug("Call already gone on provider side")
		return nil
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.NewRemoteError("signaler", resp.StatusCode, string(body))
	}

	s.logger.WithField("call_id", callID).Info("Terminated provider call leg")
	return nil
}

// NoopSignaler ignores hangup requests. Used when no provider API is
// configured.
type NoopSignaler struct{}

func (NoopSignaler) TerminateCall(context.Context, string) error { return nil }
