package predictor

import (
	"context"
	"fmt"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/internal/redis"
	"github.com/ramiqadoumi/ticketflow/pkg/telemetry"
)

type rateLimited struct {
	next    Client
	limiter redis.RateLimiter
}

// WithRateLimit refuses calls beyond the limiter's per-model quota before
// they reach the network. A nil limiter returns next unchanged.
func WithRateLimit(next Client, limiter redis.RateLimiter) Client {
	if limiter == nil {
		return next
	}
	return &rateLimited{next: next, limiter: limiter}
}

func (r *rateLimited) Predict(ctx context.Context, model string, req Request) (Result, error) {
	ok, err := r.limiter.Allow(ctx, model)
	if err != nil {
		return Result{}, &domain.TransportError{Service: "rate limiter", Err: fmt.Errorf("model %s: %w", model, err)}
	}
	if !ok {
		telemetry.PredictorRateLimitedTotal.WithLabelValues(model).Inc()
		return Result{}, &domain.RateLimitExceededError{Model: model, Limit: r.limiter.Limit()}
	}
	return r.next.Predict(ctx, model, req)
}
