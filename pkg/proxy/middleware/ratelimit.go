package middleware

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"mercator-hq/warden/pkg/limits"
	"mercator-hq/warden/pkg/limits/rules"
	"mercator-hq/warden/pkg/limits/storage"
	"mercator-hq/warden/pkg/proxy"
	"mercator-hq/warden/pkg/proxy/types"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// Contention policies.
const (
	ContentionDeny  = "deny"
	ContentionAllow = "allow"
)

// DefaultCheckTimeout bounds each admission check.
const DefaultCheckTimeout = 250 * time.Millisecond

// Checker is the part of the admission engine the middleware needs.
type Checker interface {
	CheckAndRecord(ctx context.Context, key storage.Key, limit int, window time.Duration, weight float64) (*limits.Verdict, error)
	Refund(ctx context.Context, key storage.Key, sample storage.Sample) (bool, error)
}

// charge is one admission recorded for the current request.
type charge struct {
	rule   string
	key    storage.Key
	sample storage.Sample
}

// RateLimitOptions configures RateLimitMiddleware.
type RateLimitOptions struct {
	// OnContention is "deny" (default) or "allow".
	OnContention string

	// FailOpenOnStorageError admits requests when the store is unreachable
	// or a check times out. The default denies with 503.
	FailOpenOnStorageError bool

	// CheckTimeout bounds each CheckAndRecord call. 0 uses DefaultCheckTimeout.
	CheckTimeout time.Duration

	// TrustedProxies are the peers allowed to set X-Forwarded-For.
	TrustedProxies []netip.Prefix

	// Logger receives denial and error logs. nil uses slog.Default().
	Logger *slog.Logger
}

// RateLimitMiddleware admits or throttles requests using the current rules.
//
// Every rule matching the request is checked in file order against the
// caller's key for that rule. The first denial answers 429 with Retry-After;
// rules after it are not evaluated, and the samples recorded by the rules
// before it are refunded so a rejected request consumes no budget. An
// admitted request carries the X-RateLimit-* headers of its tightest rule.
//
// Engine errors follow the configured policy: contention denies with 429
// unless OnContention is "allow"; storage errors and timeouts deny with 503
// unless FailOpenOnStorageError is set.
//
// Example:
//
//	engine := limits.NewEngine(limits.Config{Store: store})
//	holder := rules.NewHolder(set)
//	handler = RateLimitMiddleware(engine, holder, RateLimitOptions{})(handler)
func RateLimitMiddleware(checker Checker, holder *rules.Holder, opts RateLimitOptions) func(http.Handler) http.Handler {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultCheckTimeout
	}
	if opts.OnContention == "" {
		opts.OnContention = ContentionDeny
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "proxy.ratelimit")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			id := IdentityFromRequest(r, opts.TrustedProxies)
			ctx = context.WithValue(ctx, IdentityKey, id)
			r = r.WithContext(ctx)

			var (
				tightest *limits.Verdict
				charged  []charge
			)
			for _, rule := range holder.Load().Match(r.Method, r.URL.Path) {
				key, ok := id.KeyFor(rule, r.URL.Path)
				if !ok {
					continue
				}

				checkCtx, cancel := context.WithTimeout(ctx, opts.CheckTimeout)
				verdict, err := checker.CheckAndRecord(checkCtx, key, rule.Limit, rule.Window, rule.Weight)
				cancel()

				if err != nil {
					if handled := handleCheckError(w, r, logger, opts, rule, id, err); handled {
						refund(ctx, checker, charged, opts.CheckTimeout, logger)
						return
					}
					continue
				}

				if !verdict.Allowed {
					refund(ctx, checker, charged, opts.CheckTimeout, logger)
					logger.WarnContext(ctx, "request throttled",
						"rule", rule.Name,
						"identity", id,
						"retry_after", verdict.RetryAfter,
					)
					writeThrottled(w, verdict, types.CodeBlocked)
					return
				}

				charged = append(charged, charge{rule: rule.Name, key: key, sample: verdict.Sample})
				if tightest == nil || verdict.Remaining < tightest.Remaining {
					tightest = verdict
				}
			}

			if tightest != nil {
				setLimitHeaders(w, tightest)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// refund takes back the samples recorded for a request that was rejected
// by a later rule. It runs even if the client has gone away.
func refund(ctx context.Context, checker Checker, charged []charge, timeout time.Duration, logger *slog.Logger) {
	if len(charged) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	for _, c := range charged {
		if _, err := checker.Refund(ctx, c.key, c.sample); err != nil {
			logger.WarnContext(ctx, "failed to refund admitted request",
				"rule", c.rule,
				"error", err,
			)
		}
	}
}

// handleCheckError applies the failure policy. It returns true when a
// response has been written and the request must stop.
func handleCheckError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, opts RateLimitOptions, rule rules.Rule, id *Identity, err error) bool {
	ctx := r.Context()
	attrs := []any{
		"rule", rule.Name,
		"identity", id,
		"error", err,
	}

	switch {
	case errors.Is(err, limits.ErrContended):
		if opts.OnContention == ContentionAllow {
			logger.WarnContext(ctx, "limiter contended, admitting", attrs...)
			return false
		}
		logger.WarnContext(ctx, "limiter contended, denying", attrs...)
		writeThrottled(w, &limits.Verdict{Limit: rule.Limit, RetryAfter: time.Second, ResetTime: time.Now().Add(time.Second)}, types.CodeContended)
		return true

	case errors.Is(err, limits.ErrInvalidConfiguration):
		logger.ErrorContext(ctx, "invalid rate limit rule", attrs...)
		_ = proxy.WriteErrorResponse(w, types.NewServerError("rate limiter misconfigured"))
		return true

	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Client went away; nobody is listening for a response.
		return true

	default:
		if opts.FailOpenOnStorageError {
			logger.WarnContext(ctx, "limiter unavailable, admitting", attrs...)
			return false
		}
		logger.ErrorContext(ctx, "limiter unavailable, denying", attrs...)
		_ = proxy.WriteErrorResponse(w, types.NewServiceUnavailableError(
			"rate limiter unavailable", types.CodeStorageUnavailable,
		))
		return true
	}
}

func setLimitHeaders(w http.ResponseWriter, v *limits.Verdict) {
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(v.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(v.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(v.ResetTime.Unix(), 10))
}

func writeThrottled(w http.ResponseWriter, v *limits.Verdict, code string) {
	retryAfter := retryAfterSeconds(v.RetryAfter)
	setLimitHeaders(w, &limits.Verdict{Limit: v.Limit, Remaining: 0, ResetTime: v.ResetTime})
	w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfter))
	_ = proxy.WriteErrorResponse(w, types.NewRateLimitError("rate limit exceeded", code, retryAfter))
}

// retryAfterSeconds rounds up to whole seconds, minimum 1.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
