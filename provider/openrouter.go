package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// message mirrors the OpenAI-compatible chat message shape, with optional
// image content parts for vision-capable models.
type message struct {
	Role         string        `json:"role"`
	Content      string        `json:"-"`
	ContentParts []contentPart `json:"-"`
}

func (m message) MarshalJSON() ([]byte, error) {
	if len(m.ContentParts) > 0 {
		return json.Marshal(struct {
			Role    string        `json:"role"`
			Content []contentPart `json:"content"`
		}{m.Role, m.ContentParts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{m.Role, m.Content})
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

var retryDelays = []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond}

// OpenRouterClient implements Transport against OpenRouter's streaming
// chat completions endpoint.
type OpenRouterClient struct {
	BaseURL        string
	APIKey         string
	Model          string
	RequestTimeout time.Duration

	httpClient *http.Client
}

// NewOpenRouterClient constructs a client with OpenRouter's default base
// URL unless baseURL overrides it (used by tests).
func NewOpenRouterClient(baseURL, apiKey, model string, requestTimeout time.Duration) *OpenRouterClient {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &OpenRouterClient{
		BaseURL:        baseURL,
		APIKey:         apiKey,
		Model:          model,
		RequestTimeout: requestTimeout,
		httpClient:     http.DefaultClient,
	}
}

// Send formats req as a chat completion request, streams the response
// body as server-sent events, and aggregates the delta text. It aborts
// the HTTP call as soon as req.Abort fires or ctx is canceled, and
// truncates the aggregated text at the first re-emitted other-speaker
// line.
func (c *OpenRouterClient) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	messages := buildMessages(req)
	body := map[string]any{
		"model":    c.Model,
		"messages": messages,
		"stream":   true,
	}

	stream, err := c.postStream(ctx, body, req.Abort)
	if err != nil {
		return SendResult{}, err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, done, err := stream.Next()
		if err != nil {
			return SendResult{}, fmt.Errorf("provider: stream: %w", err)
		}
		if done {
			break
		}
		sb.WriteString(chunk)
	}

	text, truncated, speaker := truncateAtOtherSpeaker(sb.String(), req.OtherSpeakers)
	return SendResult{Text: text, Truncated: truncated, TruncatedSpeaker: speaker}, nil
}

func buildMessages(req SendRequest) []message {
	var out []message
	for _, block := range req.CachedBlocks {
		out = append(out, message{Role: "system", Content: block})
	}
	for i, turn := range req.Tail {
		m := message{Role: turn.Role, Content: turn.Content}
		if i == len(req.Tail)-1 && len(req.ImageBlocks) > 0 {
			parts := []contentPart{{Type: "text", Text: turn.Content}}
			for _, url := range req.ImageBlocks {
				parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
			}
			m.ContentParts = parts
		}
		out = append(out, m)
	}
	return out
}

// tokenStream is the pull iterator the design notes call for: Next()
// yields one delta chunk at a time, and Close releases the underlying
// HTTP connection whether or not the stream was fully consumed.
type tokenStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
}

func (s *tokenStream) Next() (string, bool, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return "", true, nil
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // skip malformed keep-alive lines
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, false, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", true, err
	}
	return "", true, nil
}

func (s *tokenStream) Close() error {
	err := s.body.Close()
	s.cancel()
	return err
}

func (c *OpenRouterClient) postStream(ctx context.Context, body any, abort <-chan struct{}) (*tokenStream, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelays[attempt-1]):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.RequestTimeout)
		if abort != nil {
			go func() {
				select {
				case <-abort:
					cancel()
				case <-attemptCtx.Done():
				}
			}()
		}

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(data))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			cancel()
			lastErr = fmt.Errorf("transient HTTP %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}

		return &tokenStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body), cancel: cancel}, nil
	}
	return nil, lastErr
}
