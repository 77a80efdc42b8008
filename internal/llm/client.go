// Package llm streams chat completions from an OpenAI-compatible endpoint.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Role values understood by chat completion APIs.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes one completion.
type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// StreamChunk is one streamed delta. The final chunk has Done set and carries
// either a finish reason or Err.
type StreamChunk struct {
	Err          error
	Text         string
	FinishReason string
	Done         bool
}

// Streamer is implemented by Client; the chat director depends on it.
type Streamer interface {
	StreamChat(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}

// Client talks to a /chat/completions endpoint.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	defaultModel string
}

// NewClient creates a client. baseURL is the API root, e.g. https://api.openai.com/v1.
func NewClient(baseURL, apiKey, defaultModel string) *Client {
	return &Client{
		// No overall timeout: streams legitimately run long. Cancellation is via ctx.
		httpClient: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}},
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: defaultModel,
	}
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StreamChat starts a streaming completion. A non-200 answer is returned as an
// error; after that, failures arrive as a final chunk with Err set. The channel
// is closed when the stream ends.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	body, err := json.Marshal(completionRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call completion API: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("completion API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	out := make(chan StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		c.readStream(ctx, resp.Body, out)
	}()
	return out, nil
}

func (c *Client) readStream(ctx context.Context, body io.Reader, out chan<- StreamChunk) {
	send := func(ch StreamChunk) bool {
		select {
		case out <- ch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				send(StreamChunk{Done: true, FinishReason: "eof"})
			} else {
				send(StreamChunk{Done: true, Err: fmt.Errorf("read stream: %w", err)})
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			send(StreamChunk{Done: true, FinishReason: "stop"})
			return
		}

		var chunk completionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			send(StreamChunk{Done: true, Err: fmt.Errorf("completion API error: %s", chunk.Error.Message)})
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if !send(StreamChunk{Text: choice.Delta.Content}) {
				return
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			send(StreamChunk{Done: true, FinishReason: *choice.FinishReason})
			return
		}
	}
}
