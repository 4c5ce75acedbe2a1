package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/retry"
	"github.com/nidhogg/nuka-flow/internal/telemetry"
)

// GenerateRequest is a single text-generation call.
type GenerateRequest struct {
	Prompt       string
	SystemPrompt *string
	Temperature  float64
	MaxTokens    int
}

// System returns a pointer to s, or nil when s is empty.
func System(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Generator produces text for a prompt. Every pipeline component depends on
// this interface rather than on a concrete provider.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return f(ctx, req)
}

// OracleError reports a generation call that failed after all retries.
type OracleError struct {
	Role     string
	Attempts int
	Err      error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle %s failed after %d attempt(s): %v", e.Role, e.Attempts, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

// OracleConfig controls timeouts, retries and caching for oracle calls.
type OracleConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	CacheSize   int
}

// Oracle adapts a Router to Generator for one role. Transient failures are
// retried with exponential backoff, each attempt bounded by Timeout.
type Oracle struct {
	router  *Router
	role    string
	cfg     OracleConfig
	cache   *lru.Cache[string, string]
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// NewOracle creates an oracle bound to RoleOrchestrator. Use WithRole to
// derive oracles for the other roles; derived oracles share the cache.
func NewOracle(router *Router, cfg OracleConfig, metrics *telemetry.Metrics, logger *zap.Logger) (*Oracle, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	o := &Oracle{
		router:  router,
		role:    RoleOrchestrator,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
	if cfg.CacheSize > 0 {
		c, err := lru.New[string, string](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create oracle cache: %w", err)
		}
		o.cache = c
	}
	return o, nil
}

// WithRole returns a copy of o that routes through role.
func (o *Oracle) WithRole(role string) *Oracle {
	clone := *o
	clone.role = role
	return &clone
}

// Role returns the routing role.
func (o *Oracle) Role() string { return o.role }

// Generate implements Generator.
func (o *Oracle) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	key := o.cacheKey(req)
	if o.cache != nil {
		if text, ok := o.cache.Get(key); ok {
			o.metrics.IncOracleCacheHit()
			return text, nil
		}
	}

	chat := &ChatRequest{Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	if req.SystemPrompt != nil && *req.SystemPrompt != "" {
		chat.Messages = append(chat.Messages, Message{Role: "system", Content: *req.SystemPrompt})
	}
	chat.Messages = append(chat.Messages, Message{Role: "user", Content: req.Prompt})

	start := time.Now()
	var text string
	policy := retry.Policy{Base: o.cfg.Backoff, MaxAttempts: o.cfg.MaxAttempts}
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context) error {
		callCtx := ctx
		if o.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
			defer cancel()
		}
		resp, err := o.router.Route(callCtx, o.role, chat)
		if err != nil {
			if !retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		text = resp.Content
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		o.metrics.IncOracleRetry(o.role)
		o.logger.Warn("oracle call failed, retrying",
			zap.String("role", o.role),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	o.metrics.ObserveOracleCall(o.role, time.Since(start), err)
	if err != nil {
		return "", &OracleError{Role: o.role, Attempts: attempts, Err: err}
	}

	if o.cache != nil {
		o.cache.Add(key, text)
	}
	return text, nil
}

func retryable(err error) bool {
	if errors.Is(err, ErrNoProvider) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

func (o *Oracle) cacheKey(req GenerateRequest) string {
	h := sha256.New()
	h.Write([]byte(o.role))
	h.Write([]byte{0})
	if req.SystemPrompt != nil {
		h.Write([]byte(*req.SystemPrompt))
	}
	h.Write([]byte{0})
	h.Write([]byte(req.Prompt))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(req.Temperature, 'f', 3, 64)))
	h.Write([]byte(strconv.Itoa(req.MaxTokens)))
	return hex.EncodeToString(h.Sum(nil))
}
