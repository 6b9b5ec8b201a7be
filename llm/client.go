package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/brunobiangulo/lightrag/internal/errs"
)

// Cache stores chat completions keyed by a hash of the request.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Observer receives per-call measurements. metrics.Metrics implements it.
type Observer interface {
	ObserveLLMRequest(op string, d time.Duration, err error)
	ObserveCache(hit bool)
}

// RetryPolicy bounds the retries of a failed backend call.
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry, doubled each time
	MaxDelay   time.Duration // upper bound on a single delay
	Timeout    time.Duration // per-attempt deadline; zero disables it
}

// DefaultRetryPolicy is generous enough for local backends that load
// models on first request.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
		Timeout:    180 * time.Second,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay * time.Duration(1<<(attempt-1))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Client wraps a chat and/or embedding backend with the cross-cutting
// policies every model call goes through: response cache, concurrency
// bound, request rate, per-attempt timeout, and retry with backoff.
type Client struct {
	chat    Chatter
	embed   Embedder
	retry   RetryPolicy
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	cache   Cache
	obs     Observer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetry sets the retry policy.
func WithRetry(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// WithMaxAsync bounds the number of concurrent backend calls.
func WithMaxAsync(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRateLimit bounds calls per second. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		}
	}
}

// WithCache enables the chat response cache.
func WithCache(cache Cache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

// WithObserver reports call latency and cache hits.
func WithObserver(o Observer) ClientOption {
	return func(c *Client) { c.obs = o }
}

// NewClient wraps chat and embed. Either may be nil when the client is only
// used for the other kind of call.
func NewClient(chat Chatter, embed Embedder, opts ...ClientOption) *Client {
	c := &Client{chat: chat, embed: embed, retry: DefaultRetryPolicy()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Chat serves req from the cache when possible, otherwise calls the backend
// with retries. Only successful responses are cached.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.chat == nil {
		return nil, fmt.Errorf("llm client has no chat backend")
	}
	key := ""
	if c.cache != nil {
		key = CacheKey(req)
		if v, ok, err := c.cache.Get(ctx, key); err != nil {
			slog.Warn("llm cache read failed", "error", err)
		} else {
			c.observeCache(ok)
			if ok {
				return &ChatResponse{Content: v, Model: req.Model, Cached: true}, nil
			}
		}
	}

	resp, err := call(ctx, c, "chat", func(ctx context.Context) (*ChatResponse, error) {
		return c.chat.Chat(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, resp.Content); err != nil {
			slog.Warn("llm cache write failed", "error", err)
		}
	}
	return resp, nil
}

// ChatStream opens a streaming completion. The concurrency slot is held
// until the stream finishes or is closed. Streams are not cached.
//
// With a retry timeout set, an attempt fails with ErrBackendTimeout when
// the backend sends no fragment for that long. Attempts that fail before
// the first fragment are retried with backoff; once a fragment has reached
// the consumer the failure is final.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	if c.chat == nil {
		return nil, fmt.Errorf("llm client has no chat backend")
	}
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	return NewStream(ctx, func(ctx context.Context, emit func(string) error) (err error) {
		defer func() {
			c.release()
			c.observe("chat_stream", start, err)
		}()
		var lastErr error
		for n := 0; n <= c.retry.MaxRetries; n++ {
			if n > 0 {
				delay := c.retry.delay(n)
				slog.Warn("llm: retrying stream", "attempt", n, "delay", delay, "error", lastErr)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			started, err := c.streamOnce(ctx, req, emit)
			if err == nil || started || ctx.Err() != nil {
				return err
			}
			lastErr = err
			if !errs.Retryable(err) {
				return err
			}
		}
		return fmt.Errorf("max retries exceeded: %w", lastErr)
	}), nil
}

var errStreamIdle = errors.New("stream idle")

// streamOnce relays one backend stream through emit. The idle timer is
// paused while emit blocks on a slow consumer.
func (c *Client) streamOnce(ctx context.Context, req ChatRequest, emit func(string) error) (started bool, err error) {
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	pause, resume := func() {}, func() {}
	if c.retry.Timeout > 0 {
		idle := time.AfterFunc(c.retry.Timeout, func() { cancel(errStreamIdle) })
		defer idle.Stop()
		pause = func() { idle.Stop() }
		resume = func() { idle.Reset(c.retry.Timeout) }
	}

	inner, err := StreamFrom(actx, c.chat, req)
	if err != nil {
		return false, c.streamErr(actx, err)
	}
	defer inner.Close()
	for inner.Next() {
		started = true
		pause()
		if err := emit(inner.Text()); err != nil {
			return true, err
		}
		resume()
	}
	return started, c.streamErr(actx, inner.Err())
}

func (c *Client) streamErr(actx context.Context, err error) error {
	if errors.Is(context.Cause(actx), errStreamIdle) {
		return fmt.Errorf("%w: no stream fragment within %s", errs.ErrBackendTimeout, c.retry.Timeout)
	}
	return errs.Timeout(err)
}

// Embed calls the embedding backend with retries.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.embed == nil {
		return nil, fmt.Errorf("llm client has no embedding backend")
	}
	return call(ctx, c, "embed", func(ctx context.Context) ([][]float32, error) {
		return c.embed.Embed(ctx, texts)
	})
}

// call runs fn under the client's limits, retrying transient failures with
// exponential backoff.
func call[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for n := 0; n <= c.retry.MaxRetries; n++ {
		if n > 0 {
			delay := c.retry.delay(n)
			slog.Warn("llm: retrying request", "op", op, "attempt", n, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		res, err := tryOnce(ctx, c, op, fn)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, errs.Timeout(ctx.Err())
		}
		lastErr = err
		if !errs.Retryable(err) {
			return zero, err
		}
	}
	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// tryOnce makes a single call under the concurrency bound and the
// per-attempt timeout.
func tryOnce[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := c.acquire(ctx); err != nil {
		return zero, err
	}
	defer c.release()

	actx := ctx
	if c.retry.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.retry.Timeout)
		defer cancel()
	}
	start := time.Now()
	res, err := fn(actx)
	err = errs.Timeout(err)
	c.observe(op, start, err)
	return res, err
}

func (c *Client) acquire(ctx context.Context) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if c.sem != nil {
		return c.sem.Acquire(ctx, 1)
	}
	return nil
}

func (c *Client) release() {
	if c.sem != nil {
		c.sem.Release(1)
	}
}

func (c *Client) observe(op string, start time.Time, err error) {
	if c.obs != nil {
		c.obs.ObserveLLMRequest(op, time.Since(start), err)
	}
}

func (c *Client) observeCache(hit bool) {
	if c.obs != nil {
		c.obs.ObserveCache(hit)
	}
}

// CacheKey hashes everything that influences a completion.
func CacheKey(req ChatRequest) string {
	data, _ := json.Marshal(req)
	h := sha256.Sum256(data)
	return "llm-" + hex.EncodeToString(h[:])
}

// IsTimeout reports whether err is a backend timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, errs.ErrBackendTimeout)
}
