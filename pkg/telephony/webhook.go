package telephony

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// CallHandler receives call lifecycle events from the voice provider.
type CallHandler interface {
	// OnAnswered is invoked when a call is answered and its audio leg is
	// about to connect.
	OnAnswered(callID, callerID string)

	// OnCompleted is invoked when the provider reports the call finished.
	OnCompleted(callID string)

	// OnFailed is invoked when the provider reports the call failed.
	OnFailed(callID, reason string)

	// OnDTMF is invoked for each keypad digit pressed during the call.
	OnDTMF(callID, digit string)
}

// WebhookConfig holds settings for the provider-facing webhook endpoints.
type WebhookConfig struct {
	// AudioEndpoint is the externally reachable websocket URL prefix the
	// provider connects call audio to, e.g. "wss://gw.example.com/ws".
	AudioEndpoint string

	// Language is advertised to the provider for the audio leg.
	Language string

	// SampleRate of the audio leg in Hz.
	SampleRate int
}

// Webhook serves the provider's answer and event callbacks.
type Webhook struct {
	logger  *logrus.Logger
	config  WebhookConfig
	handler CallHandler
}

// NewWebhook creates the webhook handler set.
func NewWebhook(logger *logrus.Logger, cfg WebhookConfig, handler CallHandler) *Webhook {
	return &Webhook{logger: logger, config: cfg, handler: handler}
}

// Register mounts the webhook routes on a mux.
func (h *Webhook) Register(mux *http.ServeMux) {
	mux.HandleFunc("/telephony/answer", h.HandleAnswer)
	mux.HandleFunc("/telephony/events", h.HandleEvent)
}

type answerRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	UUID string `json:"uuid"`
}

// HandleAnswer responds to the provider's answer webhook with connect
// instructions pointing the call audio at our websocket endpoint.
func (h *Webhook) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := answerRequest{
		From: query.Get("from"),
		To:   query.Get("to"),
		UUID: query.Get("uuid"),
	}
	if r.Method == http.MethodPost {
		json.NewDecoder(r.Body).Decode(&req)
	}

	callID := req.UUID
	if callID == "" {
		callID = uuid.NewString()
	}

	h.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"from":    req.From,
	}).Info("Answering inbound call")

	h.handler.OnAnswered(callID, req.From)

	actions := []map[string]interface{}{
		{
			"action": "connect",
			"endpoint": []map[string]interface{}{
				{
					"type":         "websocket",
					"uri":          fmt.Sprintf("%s/%s", h.config.AudioEndpoint, callID),
					"content-type": fmt.Sprintf("audio/l16;rate=%d", h.config.SampleRate),
					"headers": map[string]string{
						"call_id":  callID,
						"language": h.config.Language,
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(actions)
}

type callEvent struct {
	UUID   string `json:"uuid"`
	Status string `json:"status"`
	Reason string `json:"reason"`
	DTMF   string `json:"dtmf"`
}

// HandleEvent dispatches provider call status events.
func (h *Webhook) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var event callEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.logger.WithError(err).Warn("Discarding malformed call event")
		w.WriteHeader(http.StatusOK)
		return
	}

	logger := h.logger.WithFields(logrus.Fields{
		"call_id": event.UUID,
		"status":  event.Status,
	})

	switch event.Status {
	case "completed":
		logger.Info("Provider reported call completed")
		h.handler.OnCompleted(event.UUID)
	case "failed", "rejected", "timeout", "unanswered":
		logger.WithField("reason", event.Reason).Warn("Provider reported call failure")
		h.handler.OnFailed(event.UUID, event.Status)
	case "dtmf", "input":
		if event.DTMF != "" {
			h.handler.OnDTMF(event.UUID, event.DTMF)
		}
	default:
		logger.Debug("Ignoring call event")
	}

	w.WriteHeader(http.StatusOK)
}
