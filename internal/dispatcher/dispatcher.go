package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/shopspring/decimal"

	"github.com/mheaton/tollgate/internal/apierror"
	"github.com/mheaton/tollgate/internal/config"
	"github.com/mheaton/tollgate/internal/ledger"
	"github.com/mheaton/tollgate/internal/limits"
	"github.com/mheaton/tollgate/internal/models"
	"github.com/mheaton/tollgate/internal/observability"
	"github.com/mheaton/tollgate/internal/providers"
	"github.com/mheaton/tollgate/internal/registry"
	"github.com/mheaton/tollgate/internal/requestctx"
	"github.com/mheaton/tollgate/internal/tokencount"
)

// Options wires the dispatcher's collaborators.
type Options struct {
	Registry        *registry.Registry
	Routes          map[string]providers.Route
	Ledger          *ledger.Ledger
	Limiter         *limits.RateLimiter
	Credit          config.CreditConfig
	ProviderTimeout time.Duration
	StreamTimeout   time.Duration
	Logger          *slog.Logger
	Metrics         *observability.Provider
}

// Dispatcher walks a request through reservation, candidate fallback, and
// settlement. Admission control happens upstream in the HTTP layer; by the
// time a request reaches the dispatcher it is authenticated and rate-admitted.
type Dispatcher struct {
	registry      *registry.Registry
	routes        map[string]providers.Route
	ledger        *ledger.Ledger
	limiter       *limits.RateLimiter
	breaker       *Breaker
	credit        config.CreditConfig
	timeout       time.Duration
	streamTimeout time.Duration
	logger        *slog.Logger
	metrics       *observability.Provider
}

func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = 280 * time.Second
	}
	return &Dispatcher{
		registry:      opts.Registry,
		routes:        opts.Routes,
		ledger:        opts.Ledger,
		limiter:       opts.Limiter,
		breaker:       NewBreaker(),
		credit:        opts.Credit,
		timeout:       timeout,
		streamTimeout: opts.StreamTimeout,
		logger:        logger,
		metrics:       opts.Metrics,
	}
}

// EstimateTokens predicts the token footprint of a request for pre-flight
// window metering: the counted prompt plus the worst-case completion.
func EstimateTokens(req models.ChatRequest) int {
	maxOut := 1024
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxOut = int(*req.MaxTokens)
	}
	return tokencount.EstimatePrompt(req.Messages) + maxOut
}

// Chat runs a buffered completion through the fallback chain and settles the
// ledger from the provider's usage report.
func (d *Dispatcher) Chat(ctx context.Context, rc *requestctx.Context, req models.ChatRequest) (models.ChatResponse, error) {
	candidates, err := d.resolve(req)
	if err != nil {
		return models.ChatResponse{}, err
	}

	res, err := d.reserve(ctx, rc, candidates[0], req)
	if err != nil {
		return models.ChatResponse{}, err
	}

	var lastErr error
	for _, c := range candidates {
		key := c.Provider + "/" + c.Model
		if !d.breaker.Allow(key) {
			continue
		}
		route, ok := d.routes[c.Provider]
		if !ok || route.Chat == nil {
			continue
		}

		upstream := req
		upstream.Model = c.Model
		upstream.Provider = ""

		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		started := time.Now()
		resp, err := route.Chat.Chat(callCtx, upstream)
		cancel()
		d.metrics.RecordUpstream(c.Alias, c.Provider, upstreamStatus(err), time.Since(started))

		if err == nil {
			d.breaker.ReportSuccess(key)
			resp.Model = c.Alias
			d.settle(ctx, rc, c, res, resp.Usage, resp.ID)
			return resp, nil
		}

		d.breaker.ReportFailure(key)
		lastErr = err
		if !retryable(err) {
			_ = d.ledger.Release(res)
			return models.ChatResponse{}, upstreamError(err)
		}
		d.logger.Warn("provider failed, trying next candidate",
			"provider", c.Provider, "model", c.Model, "error", err)
	}

	_ = d.ledger.Release(res)
	if lastErr != nil {
		return models.ChatResponse{}, apierror.New(http.StatusBadGateway, "upstream_error",
			fmt.Sprintf("all providers failed for model %s", req.Model))
	}
	return models.ChatResponse{}, apierror.New(http.StatusServiceUnavailable, "no_backend",
		fmt.Sprintf("no backend available for model %s", req.Model))
}

// StreamSession is a live upstream stream plus the accounting state needed to
// settle it. Exactly one Finalize takes effect, no matter how the relay ends.
type StreamSession struct {
	Chunks    <-chan models.ChatChunk
	Cancel    func() error
	Candidate registry.Candidate
	Alias     string

	d            *Dispatcher
	rc           *requestctx.Context
	res          *ledger.Reservation
	promptTokens int
	once         sync.Once
}

// ChatStream opens an upstream stream, walking the fallback chain until one
// provider accepts the request.
func (d *Dispatcher) ChatStream(ctx context.Context, rc *requestctx.Context, req models.ChatRequest) (*StreamSession, error) {
	candidates, err := d.resolve(req)
	if err != nil {
		return nil, err
	}

	res, err := d.reserve(ctx, rc, candidates[0], req)
	if err != nil {
		return nil, err
	}

	// The stream context carries the maximum stream duration; the session's
	// Cancel releases it so a finished relay does not leak the timer.
	streamCtx := ctx
	stopTimer := func() {}
	if d.streamTimeout > 0 {
		streamCtx, stopTimer = context.WithTimeout(ctx, d.streamTimeout)
	}

	var lastErr error
	for _, c := range candidates {
		key := c.Provider + "/" + c.Model
		if !d.breaker.Allow(key) {
			continue
		}
		route, ok := d.routes[c.Provider]
		if !ok || route.ChatStream == nil {
			continue
		}

		upstream := req
		upstream.Model = c.Model
		upstream.Provider = ""

		chunks, cancel, err := route.ChatStream.ChatStream(streamCtx, upstream)
		if err == nil {
			d.breaker.ReportSuccess(key)
			return &StreamSession{
				Chunks: chunks,
				Cancel: func() error {
					stopTimer()
					return cancel()
				},
				Candidate:    c,
				Alias:        c.Alias,
				d:            d,
				rc:           rc,
				res:          res,
				promptTokens: tokencount.EstimatePrompt(req.Messages),
			}, nil
		}

		d.breaker.ReportFailure(key)
		lastErr = err
		if !retryable(err) {
			stopTimer()
			_ = d.ledger.Release(res)
			return nil, upstreamError(err)
		}
		d.logger.Warn("provider stream failed, trying next candidate",
			"provider", c.Provider, "model", c.Model, "error", err)
	}

	stopTimer()
	_ = d.ledger.Release(res)
	if lastErr != nil {
		return nil, apierror.New(http.StatusBadGateway, "upstream_error",
			fmt.Sprintf("all providers failed for model %s", req.Model))
	}
	return nil, apierror.New(http.StatusServiceUnavailable, "no_backend",
		fmt.Sprintf("no backend available for model %s", req.Model))
}

// Finalize settles the reservation. When the upstream never reported usage,
// token counts are estimated from the request prompt and the text actually
// relayed, so a cut-off stream still bills what was consumed.
func (s *StreamSession) Finalize(ctx context.Context, usage *models.Usage, relayedText string, reference string) {
	s.once.Do(func() {
		u := models.Usage{}
		if usage != nil {
			u = *usage
		} else {
			u.PromptTokens = int32(s.promptTokens)
			u.CompletionTokens = int32(tokencount.Estimate(relayedText))
		}
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		s.d.settle(ctx, s.rc, s.Candidate, s.res, u, reference)
	})
}

// Abort releases the reservation without billing. Used when the relay never
// delivered anything to the client.
func (s *StreamSession) Abort() {
	s.once.Do(func() {
		_ = s.d.ledger.Release(s.res)
	})
}

func (d *Dispatcher) resolve(req models.ChatRequest) ([]registry.Candidate, error) {
	candidates, err := d.registry.Resolve(req.Model, req.Provider)
	if err != nil {
		return nil, apierror.FromDomain(err)
	}
	for i, c := range candidates {
		candidates[i] = d.priced(c)
	}
	return candidates, nil
}

// priced fills in fallback rates for passthrough targets that have no catalog
// pricing.
func (d *Dispatcher) priced(c registry.Candidate) registry.Candidate {
	if c.Passthrough && c.PriceInput.IsZero() && c.PriceOutput.IsZero() {
		c.PriceInput = decimal.NewFromFloat(d.credit.DefaultPriceInputUSD)
		c.PriceOutput = decimal.NewFromFloat(d.credit.DefaultPriceOutputUSD)
	}
	return c
}

func (d *Dispatcher) reserve(ctx context.Context, rc *requestctx.Context, first registry.Candidate, req models.ChatRequest) (*ledger.Reservation, error) {
	maxOut := 1024
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxOut = int(*req.MaxTokens)
	}
	estimate := cost(first, models.Usage{
		PromptTokens:     int32(tokencount.EstimatePrompt(req.Messages)),
		CompletionTokens: int32(maxOut),
	})
	if floor := decimal.NewFromFloat(d.credit.MinimumReserveUSD); estimate.LessThan(floor) {
		estimate = floor
	}

	res, err := d.ledger.Reserve(ctx, rc.AccountID, estimate)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredit) {
			return nil, apierror.FromDomain(err)
		}
		return nil, err
	}
	return res, nil
}

// settle commits the measured cost. Settlement failures are logged, not
// returned: the response or stream already reached the client.
func (d *Dispatcher) settle(ctx context.Context, rc *requestctx.Context, c registry.Candidate, res *ledger.Reservation, usage models.Usage, reference string) {
	actual := cost(c, usage)
	d.metrics.RecordTokens(c.Alias, c.Provider, int64(usage.PromptTokens), int64(usage.CompletionTokens))
	d.metrics.RecordCreditSpend(ledger.KindUsage, actual.InexactFloat64())
	desc := fmt.Sprintf("chat completion via %s (%s)", c.Provider, c.Model)
	if _, err := d.ledger.Commit(ctx, res, actual, desc, reference); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredit) {
			d.logger.Warn("account overdrew during request, balance clamped to zero",
				"account", rc.AccountID, "cost", actual)
			return
		}
		d.logger.Error("failed to settle usage", "account", rc.AccountID, "error", err)
	}
}

func upstreamStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return oaiErr.StatusCode
	}
	return http.StatusBadGateway
}

func upstreamError(err error) error {
	var sc statusCoder
	if errors.As(err, &sc) {
		return apierror.New(sc.HTTPStatus(), "upstream_error", err.Error())
	}
	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return apierror.New(oaiErr.StatusCode, "upstream_error", oaiErr.Error())
	}
	return apierror.New(http.StatusBadGateway, "upstream_error", "upstream provider failed")
}
