package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
)

const defaultStreamBuffer = 16

// Config holds chat API client settings.
type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	ContextWindow int
	StreamBuffer  int
}

// Reply is one generated answer.
type Reply struct {
	Text           string
	ConversationID string
}

// Chunk is one fragment of a streamed answer.
type Chunk struct {
	Text           string
	ConversationID string
	Final          bool
	Err            error
}

// Client talks to a Dify-style chat completion API.
type Client struct {
	logger     *logrus.Logger
	config     Config
	httpClient *http.Client

	mutex     sync.Mutex
	histories map[string]*history
}

type history struct {
	lines []string
}

// NewClient creates a chat API client.
func NewClient(logger *logrus.Logger, cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chat API base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 10
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}

	return &Client{
		logger:     logger,
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		histories:  make(map[string]*history),
	}, nil
}

type chatRequest struct {
	Query          string            `json:"query"`
	Inputs         map[string]string `json:"inputs"`
	ResponseMode   string            `json:"response_mode"`
	ConversationID string            `json:"conversation_id,omitempty"`
	User           string            `json:"user"`
}

type chatResponse struct {
	Event          string `json:"event"`
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
}

// GenerateReply asks for a complete answer in one round trip.
func (c *Client) GenerateReply(ctx context.Context, query, conversationID, userID string) (*Reply, error) {
	start := time.Now()

	resp, err := c.post(ctx, chatRequest{
		Query:          query,
		Inputs:         map[string]string{"context": c.contextFor(userID)},
		ResponseMode:   "blocking",
		ConversationID: conversationID,
		User:           userID,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read chat response: %w", err)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}

	answer := strings.TrimSpace(result.Answer)
	c.remember(userID, query, answer)

	c.logger.WithFields(logrus.Fields{
		"user":            userID,
		"conversation_id": result.ConversationID,
		"elapsed":         time.Since(start),
	}).Debug("Chat reply generated")

	return &Reply{Text: answer, ConversationID: result.ConversationID}, nil
}

// StreamReply asks for a streamed answer. Chunks arrive on the returned
// channel; the last chunk has Final set, or Err on failure. The channel is
// closed when the stream ends or ctx is canceled.
func (c *Client) StreamReply(ctx context.Context, query, conversationID, userID string) (<-chan Chunk, error) {
	resp, err := c.post(ctx, chatRequest{
		Query:          query,
		Inputs:         map[string]string{"context": c.contextFor(userID)},
		ResponseMode:   "streaming",
		ConversationID: conversationID,
		User:           userID,
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan Chunk, c.config.StreamBuffer)

	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		var full strings.Builder
		var convID string

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				break
			}

			var event chatResponse
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				continue
			}
			if event.ConversationID != "" {
				convID = event.ConversationID
			}

			switch event.Event {
			case "message", "agent_message", "":
				if event.Answer == "" {
					continue
				}
				full.WriteString(event.Answer)
				select {
				case chunks <- Chunk{Text: event.Answer, ConversationID: convID}:
				case <-ctx.Done():
					return
				}
			case "message_end":
				c.remember(userID, query, full.String())
				select {
				case chunks <- Chunk{ConversationID: convID, Final: true}:
				case <-ctx.Done():
				}
				return
			case "error":
				select {
				case chunks <- Chunk{Err: errors.NewRemoteError("chat", http.StatusInternalServerError, event.Answer)}:
				case <-ctx.Done():
				}
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case chunks <- Chunk{Err: fmt.Errorf("chat stream read failed: %w", err)}:
			case <-ctx.Done():
			}
			return
		}

		// Stream ended without an explicit end marker.
		c.remember(userID, query, full.String())
		select {
		case chunks <- Chunk{ConversationID: convID, Final: true}:
		case <-ctx.Done():
		}
	}()

	return chunks, nil
}

func (c *Client) post(ctx context.Context, payload chatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/chat-messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "chat request failed")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.NewRemoteError("chat", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// contextFor returns the recent exchange lines for a user, newline joined.
func (c *Client) contextFor(userID string) string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	h, ok := c.histories[userID]
	if !ok {
		return ""
	}
	return strings.Join(h.lines, "\n")
}

// remember appends an exchange to a user's rolling context window.
func (c *Client) remember(userID, query, answer string) {
	if answer == "" {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	h, ok := c.histories[userID]
	if !ok {
		h = &history{}
		c.histories[userID] = h
	}
	h.lines = append(h.lines, "user: "+query, "assistant: "+answer)
	if excess := len(h.lines) - c.config.ContextWindow; excess > 0 {
		h.lines = h.lines[excess:]
	}
}

// Forget drops a user's rolling context, typically at call end.
func (c *Client) Forget(userID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.histories, userID)
}
