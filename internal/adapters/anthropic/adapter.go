package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mheaton/tollgate/internal/models"
	"github.com/mheaton/tollgate/internal/providers/streamutil"
)

const defaultBaseURL = "https://api.anthropic.com"
const defaultVersion = "2023-06-01"

// APIError carries the upstream HTTP status so the dispatcher can decide
// whether a failure is worth retrying on another provider.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic api error %d: %s", e.Status, e.Message)
}

func (e *APIError) HTTPStatus() int { return e.Status }

// Options configures the Anthropic adapter.
type Options struct {
	APIKey           string
	BaseURL          string
	Version          string
	DefaultMaxTokens int32
	HTTPClient       *http.Client
}

type Adapter struct {
	client  *http.Client
	baseURL string
	opts    Options
}

func New(opts Options) (*Adapter, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		opts.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(opts.Version) == "" {
		opts.Version = defaultVersion
	}
	if opts.HTTPClient == nil {
		// No client-level Timeout: it would cover the streamed body read and
		// sever long completions mid-stream. Deadlines come in on the request
		// context; the transport only bounds dial, TLS, and first-byte.
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		}
	}
	return &Adapter{
		client:  opts.HTTPClient,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		opts:    opts,
	}, nil
}

func (a *Adapter) Chat(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	payload := buildMessageRequest(req, a.opts.DefaultMaxTokens, false)
	var resp messageResponse
	if err := a.postJSON(ctx, "/v1/messages", payload, &resp); err != nil {
		return models.ChatResponse{}, err
	}
	return convertResponse(resp, req.Model), nil
}

func (a *Adapter) ChatStream(ctx context.Context, req models.ChatRequest) (<-chan models.ChatChunk, func() error, error) {
	payload := buildMessageRequest(req, a.opts.DefaultMaxTokens, true)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", a.opts.APIKey)
	httpReq.Header.Set("anthropic-version", a.opts.Version)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, nil, decodeAPIError(resp)
	}

	forward := func(ctx context.Context, yield streamutil.YieldFunc) {
		defer resp.Body.Close()
		relayEvents(resp.Body, req.Model, yield)
	}

	cancel := func() error {
		resp.Body.Close()
		return nil
	}
	chunks, closeFn := streamutil.Forward(ctx, cancel, forward)
	return chunks, closeFn, nil
}

// relayEvents converts the Anthropic SSE event stream to chat chunks. The
// terminal chunk carries the mapped finish reason and whatever usage the
// upstream reported along the way.
func relayEvents(body io.Reader, model string, yield streamutil.YieldFunc) {
	reader := bufio.NewReader(body)
	created := time.Now().UTC()
	messageID := fmt.Sprintf("chatcmpl-anthropic-%d", created.UnixNano())
	finishReason := ""
	var usage eventUsage

	terminal := func(index int) models.ChatChunk {
		chunk := models.ChatChunk{
			ID:      messageID,
			Model:   model,
			Created: created,
			Choices: []models.ChunkDelta{{
				Index:        index,
				FinishReason: mapStopReason(finishReason),
			}},
		}
		if usage.InputTokens > 0 || usage.OutputTokens > 0 {
			chunk.Usage = &models.Usage{
				PromptTokens:     usage.InputTokens,
				CompletionTokens: usage.OutputTokens,
				TotalTokens:      usage.InputTokens + usage.OutputTokens,
			}
		}
		return chunk
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" || line == "event: ping" {
			continue
		}
		if line == "data: [DONE]" {
			_ = yield(terminal(0))
			return
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var evt streamEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "message_start":
			if evt.Message != nil {
				if evt.Message.ID != "" {
					messageID = evt.Message.ID
				}
				if evt.Message.Model != "" {
					model = evt.Message.Model
				}
				if evt.Message.Usage.InputTokens > 0 {
					usage.InputTokens = evt.Message.Usage.InputTokens
				}
			}
		case "content_block_delta":
			text := evt.DeltaText()
			if text == "" {
				continue
			}
			chunk := models.ChatChunk{
				ID:      messageID,
				Model:   model,
				Created: created,
				Choices: []models.ChunkDelta{{
					Index: evt.Index,
					Delta: models.ChatMessage{Role: "assistant", Content: text},
				}},
			}
			if !yield(chunk) {
				return
			}
		case "message_delta":
			if reason := evt.StopReason(); reason != "" {
				finishReason = reason
			}
			if evt.Usage.OutputTokens > 0 {
				usage.OutputTokens = evt.Usage.OutputTokens
			}
			if evt.Usage.InputTokens > 0 {
				usage.InputTokens = evt.Usage.InputTokens
			}
		case "message_stop":
			_ = yield(terminal(evt.Index))
			return
		}
	}
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", a.opts.APIKey)
	req.Header.Set("anthropic-version", a.opts.Version)
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return nil
}

func (a *Adapter) postJSON(ctx context.Context, path string, payload messageRequest, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", a.opts.APIKey)
	req.Header.Set("anthropic-version", a.opts.Version)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func buildMessageRequest(req models.ChatRequest, defaultMax int32, stream bool) messageRequest {
	var systemPrompts []string
	messages := make([]message, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch strings.ToLower(msg.Role) {
		case "system":
			systemPrompts = append(systemPrompts, msg.Content)
		case "assistant":
			messages = append(messages, message{
				Role:    "assistant",
				Content: []contentBlock{{Type: "text", Text: msg.Content}},
			})
		default:
			messages = append(messages, message{
				Role:    "user",
				Content: []contentBlock{{Type: "text", Text: msg.Content}},
			})
		}
	}

	maxTokens := int32(0)
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	} else if defaultMax > 0 {
		maxTokens = defaultMax
	}
	if maxTokens == 0 {
		maxTokens = 1024
	}

	body := messageRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    stream,
	}
	if len(systemPrompts) > 0 {
		body.System = strings.Join(systemPrompts, "\n")
	}
	if req.Temperature != nil {
		body.Temperature = float64(*req.Temperature)
	}
	if req.TopP != nil {
		body.TopP = float64(*req.TopP)
	}
	if len(req.Stop) > 0 {
		body.StopSequences = append(body.StopSequences, req.Stop...)
	}
	return body
}

type messageRequest struct {
	Model         string    `json:"model"`
	System        string    `json:"system,omitempty"`
	Messages      []message `json:"messages"`
	MaxTokens     int32     `json:"max_tokens"`
	Temperature   float64   `json:"temperature,omitempty"`
	TopP          float64   `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messageResponse struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      eventUsage     `json:"usage"`
}

func (r messageResponse) JoinText() string {
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

type eventUsage struct {
	InputTokens  int32 `json:"input_tokens"`
	OutputTokens int32 `json:"output_tokens"`
}

type streamEvent struct {
	Type    string         `json:"type"`
	Index   int            `json:"index"`
	Message *streamMessage `json:"message"`
	Delta   *streamDelta   `json:"delta"`
	Usage   eventUsage     `json:"usage"`
}

type streamMessage struct {
	ID    string     `json:"id"`
	Model string     `json:"model"`
	Usage eventUsage `json:"usage"`
}

type streamDelta struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	StopReason   string `json:"stop_reason"`
	StopSequence string `json:"stop_sequence"`
}

func (e streamEvent) DeltaText() string {
	if e.Delta == nil {
		return ""
	}
	return e.Delta.Text
}

func (e streamEvent) StopReason() string {
	if e.Delta == nil {
		return ""
	}
	return e.Delta.StopReason
}

func convertResponse(resp messageResponse, model string) models.ChatResponse {
	return models.ChatResponse{
		ID:      resp.ID,
		Model:   model,
		Created: time.Now().UTC(),
		Choices: []models.ChatChoice{{
			Index:        0,
			Message:      models.ChatMessage{Role: "assistant", Content: resp.JoinText()},
			FinishReason: mapStopReason(resp.StopReason),
		}},
		Usage: models.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
