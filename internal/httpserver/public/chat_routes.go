package public

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/mheaton/tollgate/internal/app"
	"github.com/mheaton/tollgate/internal/dispatcher"
	"github.com/mheaton/tollgate/internal/httpserver/httputil"
	"github.com/mheaton/tollgate/internal/limits"
	"github.com/mheaton/tollgate/internal/models"
	"github.com/mheaton/tollgate/internal/requestctx"
)

type chatHandler struct {
	container *app.Container
}

func (h *chatHandler) listModels(c *fiber.Ctx) error {
	catalog := h.container.Registry.Models()
	list := models.ModelList{Object: "list", Data: make([]models.Model, 0, len(catalog))}
	for _, m := range catalog {
		ownedBy := "tollgate"
		if len(m.Providers) > 0 {
			ownedBy = m.Providers[0]
		}
		list.Data = append(list.Data, models.Model{
			ID:              m.Alias,
			Object:          "model",
			OwnedBy:         ownedBy,
			Providers:       m.Providers,
			ContextWindow:   m.ContextWindow,
			MaxOutputTokens: m.MaxOutputTokens,
			Modalities:      m.Modalities,
		})
	}
	return c.JSON(list)
}

type chatMessageParam struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type chatCompletionRequest struct {
	Model       string             `json:"model"`
	Messages    []chatMessageParam `json:"messages"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	MaxTokens   *int32             `json:"max_tokens,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Provider    string             `json:"provider,omitempty"`
	StopRaw     json.RawMessage    `json:"stop,omitempty"`
}

type chatCompletionChoice struct {
	Index        int              `json:"index"`
	Message      chatMessageParam `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   models.Usage           `json:"usage"`
}

type chunkChoice struct {
	Index        int              `json:"index"`
	Delta        chatMessageParam `json:"delta"`
	FinishReason string           `json:"finish_reason,omitempty"`
}

type chatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *models.Usage `json:"usage,omitempty"`
}

func (h *chatHandler) chatCompletions(c *fiber.Ctx) error {
	var body chatCompletionRequest
	if err := c.BodyParser(&body); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid_request", "invalid request body")
	}
	body.Model = strings.TrimSpace(body.Model)
	if body.Model == "" {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid_request", "model is required")
	}
	if len(body.Messages) == 0 {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid_request", "messages are required")
	}
	stop, err := parseStop(body.StopRaw)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid_request", "invalid stop field")
	}

	ctx := c.UserContext()
	rc, ok := requestctx.FromContext(ctx)
	if !ok || rc == nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "", "request context missing")
	}

	messages := make([]models.ChatMessage, 0, len(body.Messages))
	for _, m := range body.Messages {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role == "" {
			role = "user"
		}
		messages = append(messages, models.ChatMessage{Role: role, Content: m.Content, Name: m.Name})
	}

	req := models.ChatRequest{
		Model:       body.Model,
		Messages:    messages,
		Temperature: body.Temperature,
		TopP:        body.TopP,
		MaxTokens:   body.MaxTokens,
		Stream:      body.Stream,
		Stop:        stop,
		Provider:    strings.ToLower(strings.TrimSpace(body.Provider)),
	}

	idempotencyKey := strings.TrimSpace(c.Get("Idempotency-Key"))
	if !body.Stream && idempotencyKey != "" {
		if data, ok := h.container.Idempotency.Get(ctx, idempotencyKey); ok {
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Send(data)
		}
	}

	adm, err := h.container.Limiter.Admit(ctx, rc.LimiterKey(), rc.RateLimit)
	if err != nil {
		return httputil.WriteDomainError(c, err)
	}
	setRateLimitHeaders(c, "Requests", adm)

	var once sync.Once
	release := func() {
		once.Do(func() {
			h.container.Limiter.Release(context.WithoutCancel(ctx), rc.LimiterKey(), rc.RateLimit)
		})
	}

	tokenAdm, err := h.container.Limiter.ConsumeTokens(ctx, rc.LimiterKey(), dispatcher.EstimateTokens(req), rc.RateLimit)
	if err != nil {
		// The request never dispatched; hand back its request-window charges
		// along with the semaphore slot.
		once.Do(func() {
			h.container.Limiter.RollbackAdmit(context.WithoutCancel(ctx), rc.LimiterKey(), rc.RateLimit)
		})
		return httputil.WriteDomainError(c, err)
	}
	setRateLimitHeaders(c, "Tokens", tokenAdm)

	if body.Stream {
		return h.streamChat(c, rc, req, release)
	}
	defer release()

	resp, err := h.container.Dispatcher.Chat(ctx, rc, req)
	if err != nil {
		return httputil.WriteDomainError(c, err)
	}

	payload := convertChatResponse(resp)
	if idempotencyKey != "" {
		if data, err := json.Marshal(payload); err == nil {
			h.container.Idempotency.Set(ctx, idempotencyKey, data)
		}
	}
	return c.JSON(payload)
}

func (h *chatHandler) streamChat(c *fiber.Ctx, rc *requestctx.Context, req models.ChatRequest, release func()) error {
	ctx := c.UserContext()
	reference := c.GetRespHeader(fiber.HeaderXRequestID)

	session, err := h.container.Dispatcher.ChatStream(ctx, rc, req)
	if err != nil {
		release()
		return httputil.WriteDomainError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	// The writer outlives the handler, and the request context dies with the
	// client connection. Settlement must survive both.
	settleCtx := context.WithoutCancel(ctx)

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()
		defer func() { _ = session.Cancel() }()

		var (
			relayed    strings.Builder
			finalUsage *models.Usage
			sawFinish  bool
		)
		defer func() {
			if finalUsage == nil && relayed.Len() == 0 && !sawFinish {
				// The upstream produced nothing. Release the reservation
				// instead of billing an estimate for zero delivery.
				session.Abort()
				return
			}
			session.Finalize(settleCtx, finalUsage, relayed.String(), reference)
		}()

		writeEvent := func(payload any) bool {
			data, err := json.Marshal(payload)
			if err != nil {
				return false
			}
			if _, err := w.WriteString("data: "); err != nil {
				return false
			}
			if _, err := w.Write(data); err != nil {
				return false
			}
			if _, err := w.WriteString("\n\n"); err != nil {
				return false
			}
			return w.Flush() == nil
		}

		idle := h.container.Config.Server.StreamIdleTimeout
		var idleTimer *time.Timer
		if idle > 0 {
			idleTimer = time.NewTimer(idle)
			defer idleTimer.Stop()
		}

	relay:
		for {
			var chunk models.ChatChunk
			var open bool
			if idleTimer == nil {
				chunk, open = <-session.Chunks
			} else {
				select {
				case chunk, open = <-session.Chunks:
				case <-idleTimer.C:
					// The upstream went quiet between chunks.
					slog.Warn("stream idle timeout", slog.String("model", session.Alias))
					break relay
				}
				if open {
					if !idleTimer.Stop() {
						select {
						case <-idleTimer.C:
						default:
						}
					}
					idleTimer.Reset(idle)
				}
			}
			if !open {
				break relay
			}

			if chunk.Usage != nil {
				u := *chunk.Usage
				finalUsage = &u
			}
			if chunk.IsUsageOnly() {
				continue
			}
			for _, choice := range chunk.Choices {
				relayed.WriteString(choice.Delta.Content)
				if choice.FinishReason != "" {
					sawFinish = true
				}
			}
			if !writeEvent(convertStreamChunk(chunk, session.Alias)) {
				// Client is gone. The deferred Finalize bills what was
				// actually relayed.
				slog.Debug("stream client disconnected", slog.String("model", session.Alias))
				return
			}
		}

		if !sawFinish && finalUsage == nil {
			// Upstream died before completing. The relayed prefix is billed;
			// the client gets an explicit error event instead of a silent gap.
			writeEvent(fiber.Map{"error": fiber.Map{
				"message": "upstream stream interrupted",
				"code":    "upstream_error",
			}})
		}

		if _, err := w.WriteString("data: [DONE]\n\n"); err == nil {
			_ = w.Flush()
		}
	})

	return nil
}

func convertChatResponse(resp models.ChatResponse) chatCompletionResponse {
	out := chatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created.Unix(),
		Model:   resp.Model,
		Choices: make([]chatCompletionChoice, 0, len(resp.Choices)),
		Usage:   resp.Usage,
	}
	if out.ID == "" {
		out.ID = "chatcmpl-" + uuid.NewString()
	}
	if resp.Created.IsZero() {
		out.Created = time.Now().Unix()
	}
	for _, choice := range resp.Choices {
		out.Choices = append(out.Choices, chatCompletionChoice{
			Index: choice.Index,
			Message: chatMessageParam{
				Role:    choice.Message.Role,
				Content: choice.Message.Content,
			},
			FinishReason: choice.FinishReason,
		})
	}
	return out
}

func convertStreamChunk(chunk models.ChatChunk, alias string) chatCompletionChunk {
	out := chatCompletionChunk{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: chunk.Created.Unix(),
		Model:   alias,
		Choices: make([]chunkChoice, 0, len(chunk.Choices)),
		Usage:   chunk.Usage,
	}
	if out.ID == "" {
		out.ID = "chatcmpl-" + uuid.NewString()
	}
	if chunk.Created.IsZero() {
		out.Created = time.Now().Unix()
	}
	for _, choice := range chunk.Choices {
		out.Choices = append(out.Choices, chunkChoice{
			Index: choice.Index,
			Delta: chatMessageParam{
				Role:    choice.Delta.Role,
				Content: choice.Delta.Content,
			},
			FinishReason: choice.FinishReason,
		})
	}
	return out
}

func setRateLimitHeaders(c *fiber.Ctx, kind string, adm limits.Admission) {
	if adm.Limit <= 0 {
		return
	}
	remaining := adm.Remaining
	if remaining < 0 {
		remaining = 0
	}
	c.Set("X-RateLimit-Limit-"+kind, strconv.Itoa(adm.Limit))
	c.Set("X-RateLimit-Remaining-"+kind, strconv.Itoa(remaining))
	c.Set("X-RateLimit-Reset-"+kind, strconv.FormatInt(adm.ResetAt.Unix(), 10))
}

// parseStop accepts the OpenAI stop field as either a single string or an
// array of strings.
func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}
