package public

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mheaton/tollgate/internal/app"
	"github.com/mheaton/tollgate/internal/auth"
	"github.com/mheaton/tollgate/internal/config"
	"github.com/mheaton/tollgate/internal/dispatcher"
	"github.com/mheaton/tollgate/internal/models"
	"github.com/mheaton/tollgate/internal/providers"
	"github.com/mheaton/tollgate/internal/store"
)

type fakeUpstream struct {
	err    error
	text   string
	usage  models.Usage
	chunks []models.ChatChunk
	calls  int
}

func (f *fakeUpstream) Chat(_ context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return models.ChatResponse{}, f.err
	}
	return models.ChatResponse{
		ID:      "resp-1",
		Model:   req.Model,
		Created: time.Now().UTC(),
		Choices: []models.ChatChoice{{Message: models.ChatMessage{Role: "assistant", Content: f.text}, FinishReason: "stop"}},
		Usage:   f.usage,
	}, nil
}

func (f *fakeUpstream) ChatStream(_ context.Context, _ models.ChatRequest) (<-chan models.ChatChunk, func() error, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	out := make(chan models.ChatChunk, len(f.chunks))
	for _, c := range f.chunks {
		out <- c
	}
	close(out)
	return out, func() error { return nil }, nil
}

type testGateway struct {
	app       *fiber.App
	container *app.Container
	upstream  *fakeUpstream
	token     string
	account   store.Account
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{
		Vault: config.VaultConfig{HashSalt: "gateway-test-salt-0123456789"},
		RateLimits: config.RateLimitConfig{
			DefaultRequestsPerMinute: 100,
			DefaultTokensPerMinute:   1_000_000,
			DefaultParallelRequests:  10,
		},
		Credit: config.CreditConfig{TrialGrantUSD: 100, MinimumReserveUSD: 0.0001},
		Catalog: []config.CatalogEntry{
			{Alias: "chat-large", Provider: "fake", ProviderModel: "fake-large", PriceInput: 1000, PriceOutput: 1000, ContextWindow: 8192},
		},
	}

	container, err := app.NewContainer(context.Background(), cfg, nil, client, nil)
	require.NoError(t, err)

	upstream := &fakeUpstream{text: "hello there", usage: models.Usage{PromptTokens: 100, CompletionTokens: 100, TotalTokens: 200}}
	container.Routes = map[string]providers.Route{
		"fake": {Provider: "fake", Chat: upstream, ChatStream: upstream},
	}
	container.Dispatcher = dispatcher.New(dispatcher.Options{
		Registry:        container.Registry,
		Routes:          container.Routes,
		Ledger:          container.Ledger,
		Limiter:         container.Limiter,
		Credit:          cfg.Credit,
		ProviderTimeout: time.Second,
	})

	account, err := container.CreateAccount(context.Background(), "acme", "standard")
	require.NoError(t, err)

	_, token, err := container.Issuer.Issue(context.Background(), auth.IssueParams{
		AccountID: account.ID,
		Name:      "default",
		Scopes:    []string{"chat", "models"},
	})
	require.NoError(t, err)

	fiberApp := fiber.New(fiber.Config{DisableStartupMessage: true})
	Register(fiberApp, container)

	return &testGateway{app: fiberApp, container: container, upstream: upstream, token: token, account: account}
}

func (g *testGateway) chatRequest(t *testing.T, token string, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	return req
}

func (g *testGateway) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	balance, err := g.container.Store.AccountBalance(context.Background(), g.account.ID)
	require.NoError(t, err)
	return balance
}

const simpleBody = `{"model":"chat-large","messages":[{"role":"user","content":"hi"}],"max_tokens":100}`

func TestChatCompletionsRequiresAuth(t *testing.T) {
	g := newTestGateway(t)

	resp, err := g.app.Test(g.chatRequest(t, "", simpleBody), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, err = g.app.Test(g.chatRequest(t, "tg_definitely-not-a-key", simpleBody), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRevokedKeyRejected(t *testing.T) {
	g := newTestGateway(t)

	key, token, err := g.container.Issuer.Issue(context.Background(), auth.IssueParams{AccountID: g.account.ID, Name: "temp"})
	require.NoError(t, err)
	require.NoError(t, g.container.Issuer.Revoke(context.Background(), key.ID))

	resp, err := g.app.Test(g.chatRequest(t, token, simpleBody), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestScopeEnforcement(t *testing.T) {
	g := newTestGateway(t)

	_, token, err := g.container.Issuer.Issue(context.Background(), auth.IssueParams{
		AccountID: g.account.ID,
		Name:      "chat-only",
		Scopes:    []string{"chat"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	resp, err := g.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestListModels(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+g.token)
	resp, err := g.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var list models.ModelList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "chat-large", list.Data[0].ID)
	assert.Equal(t, "model", list.Data[0].Object)
	assert.Equal(t, []string{"fake"}, list.Data[0].Providers)
}

func TestChatCompletionsBuffered(t *testing.T) {
	g := newTestGateway(t)

	resp, err := g.app.Test(g.chatRequest(t, g.token, simpleBody), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	assert.Equal(t, "100", resp.Header.Get("X-RateLimit-Limit-Requests"))
	assert.Equal(t, "99", resp.Header.Get("X-RateLimit-Remaining-Requests"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset-Requests"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining-Tokens"))

	var payload chatCompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "chat.completion", payload.Object)
	assert.Equal(t, "chat-large", payload.Model)
	require.Len(t, payload.Choices, 1)
	assert.Equal(t, "hello there", payload.Choices[0].Message.Content)
	assert.Equal(t, int32(200), payload.Usage.TotalTokens)

	// 200 tokens at 1000 USD per million tokens.
	assert.True(t, g.balance(t).Equal(decimal.RequireFromString("99.8")), "balance %s", g.balance(t))
}

func TestChatCompletionsInsufficientCredit(t *testing.T) {
	g := newTestGateway(t)

	broke, err := g.container.Store.CreateAccount(context.Background(), store.Account{Name: "broke", Active: true})
	require.NoError(t, err)
	_, token, err := g.container.Issuer.Issue(context.Background(), auth.IssueParams{AccountID: broke.ID, Name: "k", Scopes: []string{"chat"}})
	require.NoError(t, err)

	resp, err := g.app.Test(g.chatRequest(t, token, simpleBody), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "insufficient_credit")
}

func TestChatCompletionsRateLimited(t *testing.T) {
	g := newTestGateway(t)

	_, token, err := g.container.Issuer.Issue(context.Background(), auth.IssueParams{
		AccountID: g.account.ID,
		Name:      "tight",
		Scopes:    []string{"chat"},
		RateLimit: store.RateLimitOverride{RequestsPerMinute: 1},
	})
	require.NoError(t, err)

	resp, err := g.app.Test(g.chatRequest(t, token, simpleBody), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = g.app.Test(g.chatRequest(t, token, simpleBody), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "rate_limit_exceeded")
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	g := newTestGateway(t)

	body := `{"model":"no-such-model","messages":[{"role":"user","content":"hi"}]}`
	resp, err := g.app.Test(g.chatRequest(t, g.token, body), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestChatCompletionsStreaming(t *testing.T) {
	g := newTestGateway(t)
	g.upstream.chunks = []models.ChatChunk{
		{ID: "chunk-1", Choices: []models.ChunkDelta{{Delta: models.ChatMessage{Role: "assistant", Content: "Hello"}}}},
		{ID: "chunk-1", Choices: []models.ChunkDelta{{Delta: models.ChatMessage{Content: " world"}, FinishReason: "stop"}}},
		{ID: "chunk-1", Usage: &models.Usage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19}},
	}

	body := `{"model":"chat-large","messages":[{"role":"user","content":"hi"}],"max_tokens":100,"stream":true}`
	resp, err := g.app.Test(g.chatRequest(t, g.token, body), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get(fiber.HeaderContentType), "text/event-stream")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	payload := string(raw)

	assert.Contains(t, payload, `"content":"Hello"`)
	assert.Contains(t, payload, `"content":" world"`)
	assert.Contains(t, payload, "chat.completion.chunk")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(payload), "data: [DONE]"))

	// 19 tokens at 1000 USD per million tokens.
	expected := decimal.RequireFromString("100").Sub(decimal.RequireFromString("0.019"))
	assert.True(t, g.balance(t).Equal(expected), "balance %s", g.balance(t))
}

func TestStreamingInterruptedEmitsErrorEvent(t *testing.T) {
	g := newTestGateway(t)
	// The upstream dies after one delta: no finish_reason, no usage report.
	g.upstream.chunks = []models.ChatChunk{
		{ID: "chunk-1", Choices: []models.ChunkDelta{{Delta: models.ChatMessage{Role: "assistant", Content: "par"}}}},
	}

	body := `{"model":"chat-large","messages":[{"role":"user","content":"hi"}],"max_tokens":100,"stream":true}`
	resp, err := g.app.Test(g.chatRequest(t, g.token, body), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	payload := string(raw)

	assert.Contains(t, payload, "upstream_error")
	assert.Contains(t, payload, "data: [DONE]")

	// The relayed prefix is still billed, from estimated token counts.
	assert.True(t, g.balance(t).LessThan(decimal.RequireFromString("100")), "balance %s", g.balance(t))
}

func TestStreamingNothingDeliveredReleasesReservation(t *testing.T) {
	g := newTestGateway(t)
	// The upstream closes the stream without producing a single chunk.
	g.upstream.chunks = nil

	body := `{"model":"chat-large","messages":[{"role":"user","content":"hi"}],"max_tokens":100,"stream":true}`
	resp, err := g.app.Test(g.chatRequest(t, g.token, body), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	payload := string(raw)
	assert.Contains(t, payload, "upstream_error")
	assert.Contains(t, payload, "data: [DONE]")

	// Nothing was delivered, so the reservation is released, not billed.
	assert.True(t, g.balance(t).Equal(decimal.RequireFromString("100")), "balance %s", g.balance(t))
}

type stalledUpstream struct{}

func (stalledUpstream) Chat(context.Context, models.ChatRequest) (models.ChatResponse, error) {
	return models.ChatResponse{}, nil
}

func (stalledUpstream) ChatStream(context.Context, models.ChatRequest) (<-chan models.ChatChunk, func() error, error) {
	return make(chan models.ChatChunk), func() error { return nil }, nil
}

func TestStreamIdleTimeoutEndsQuietStream(t *testing.T) {
	g := newTestGateway(t)
	g.container.Config.Server.StreamIdleTimeout = 50 * time.Millisecond
	g.container.Routes["fake"] = providers.Route{Provider: "fake", Chat: stalledUpstream{}, ChatStream: stalledUpstream{}}

	body := `{"model":"chat-large","messages":[{"role":"user","content":"hi"}],"max_tokens":100,"stream":true}`
	resp, err := g.app.Test(g.chatRequest(t, g.token, body), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	payload := string(raw)
	assert.Contains(t, payload, "upstream_error")
	assert.Contains(t, payload, "data: [DONE]")

	// The quiet stream delivered nothing; no charge sticks.
	assert.True(t, g.balance(t).Equal(decimal.RequireFromString("100")), "balance %s", g.balance(t))
}

func TestTokenThrottleDoesNotBurnRequestQuota(t *testing.T) {
	g := newTestGateway(t)

	_, token, err := g.container.Issuer.Issue(context.Background(), auth.IssueParams{
		AccountID: g.account.ID,
		Name:      "token-tight",
		Scopes:    []string{"chat"},
		RateLimit: store.RateLimitOverride{TokensPerMinute: 1},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp, err := g.app.Test(g.chatRequest(t, token, simpleBody), -1)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
		// Each rejected attempt refunds its request-window charge, so the
		// remaining request budget never shrinks.
		assert.Equal(t, "99", resp.Header.Get("X-RateLimit-Remaining-Requests"))
	}
}

func TestIdempotentReplayDoesNotDoubleBill(t *testing.T) {
	g := newTestGateway(t)

	first := g.chatRequest(t, g.token, simpleBody)
	first.Header.Set("Idempotency-Key", "retry-123")
	resp, err := g.app.Test(first, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	firstBody, _ := io.ReadAll(resp.Body)

	second := g.chatRequest(t, g.token, simpleBody)
	second.Header.Set("Idempotency-Key", "retry-123")
	resp, err = g.app.Test(second, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	secondBody, _ := io.ReadAll(resp.Body)

	assert.JSONEq(t, string(firstBody), string(secondBody))
	assert.Equal(t, 1, g.upstream.calls)
	assert.True(t, g.balance(t).Equal(decimal.RequireFromString("99.8")), "balance %s", g.balance(t))
}

func TestIPAllowList(t *testing.T) {
	g := newTestGateway(t)

	_, token, err := g.container.Issuer.Issue(context.Background(), auth.IssueParams{
		AccountID:  g.account.ID,
		Name:       "pinned",
		Scopes:     []string{"chat"},
		AllowedIPs: []string{"203.0.113.7"},
	})
	require.NoError(t, err)

	// fiber's test transport reports 0.0.0.0 as the remote address.
	resp, err := g.app.Test(g.chatRequest(t, token, simpleBody), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "ip_not_allowed")
}

func TestDomainAllowList(t *testing.T) {
	g := newTestGateway(t)

	_, token, err := g.container.Issuer.Issue(context.Background(), auth.IssueParams{
		AccountID:      g.account.ID,
		Name:           "web",
		Scopes:         []string{"chat"},
		AllowedDomains: []string{"app.example.com"},
	})
	require.NoError(t, err)

	req := g.chatRequest(t, token, simpleBody)
	req.Header.Set(fiber.HeaderOrigin, "https://evil.example.net")
	resp, err := g.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	req = g.chatRequest(t, token, simpleBody)
	req.Header.Set(fiber.HeaderOrigin, "https://app.example.com")
	resp, err = g.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestParseStop(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{``, nil},
		{`"\n"`, []string{"\n"}},
		{`["a","b"]`, []string{"a", "b"}},
	}
	for _, tc := range cases {
		got, err := parseStop(json.RawMessage(tc.raw))
		require.NoError(t, err, fmt.Sprintf("raw %q", tc.raw))
		assert.Equal(t, tc.want, got)
	}
	_, err := parseStop(json.RawMessage(`42`))
	assert.Error(t, err)
}
