package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"herald/internal/eventbus"
	"herald/pkg/logx"
)

const (
	DefaultBaseURL        = "https://discord.com/api/v10"
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxAttempts    = 5
	DefaultRetryBase      = time.Second
	DefaultSendDelay      = 3 * time.Second

	// MaxAttemptsLimit bounds Options.MaxAttempts.
	MaxAttemptsLimit = 10
	// MaxBackoff caps a computed backoff. Server Retry-After values are not capped.
	MaxBackoff = 2 * time.Minute

	userAgent    = "DiscordBot (https://github.com/herald, 1.0)"
	maxErrorBody = 512

	// Larger values would overflow time.Duration.
	maxRetryAfterSecs = 1e9
)

// Options configures a Client. Zero values take the defaults above.
type Options struct {
	BaseURL        string
	Token          string
	GuildID        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryBase      time.Duration
	SendDelay      time.Duration
	// RatePerSec paces every attempt with a token bucket. 0 disables it.
	RatePerSec int

	// Sleep waits between attempts; tests replace it to observe backoff.
	Sleep  func(ctx context.Context, d time.Duration) error
	Bus    eventbus.Bus
	Logger logx.Logger
}

// Client is a rate-limit aware REST client for one guild. Every request is
// retried on 429, 5xx and transport failures; other 4xx responses fail fast.
type Client struct {
	base      string
	token     string
	guildID   string
	http      *http.Client
	timeout   time.Duration
	attempts  int
	retryBase time.Duration
	sendDelay time.Duration
	limiter   *rate.Limiter
	sleep     func(ctx context.Context, d time.Duration) error
	bus       eventbus.Bus
	log       logx.Logger
}

// Response is a successful (2xx) reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// RetryEvent is published on the bus before each backoff sleep.
type RetryEvent struct {
	Method  string
	Path    string
	Reason  string // rate_limited | server | transport
	Attempt int
	Wait    time.Duration
}

const EventRetry = "discord.retry"

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("discord: token required")
	}
	if strings.TrimSpace(opts.GuildID) == "" {
		return nil, errors.New("discord: guild id required")
	}
	c := &Client{
		base:      strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:     strings.TrimSpace(opts.Token),
		guildID:   strings.TrimSpace(opts.GuildID),
		http:      opts.HTTPClient,
		timeout:   opts.RequestTimeout,
		attempts:  opts.MaxAttempts,
		retryBase: opts.RetryBase,
		sendDelay: opts.SendDelay,
		sleep:     opts.Sleep,
		bus:       opts.Bus,
		log:       opts.Logger,
	}
	if c.base == "" {
		c.base = DefaultBaseURL
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRequestTimeout
	}
	if c.attempts <= 0 {
		c.attempts = DefaultMaxAttempts
	}
	c.attempts = min(c.attempts, MaxAttemptsLimit)
	if c.retryBase <= 0 {
		c.retryBase = DefaultRetryBase
	}
	if c.sendDelay < 0 {
		c.sendDelay = 0
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	if opts.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.Component(logx.QuietComponent))
	return c, nil
}

func (c *Client) GuildID() string { return c.guildID }

type callOptions struct {
	sendDelay bool
}

// CallOption adjusts a single Do call.
type CallOption func(*callOptions)

// WithSendDelay waits the configured send delay before the first attempt.
// Message sends use it to stay clear of per-channel limits.
func WithSendDelay() CallOption { return func(o *callOptions) { o.sendDelay = true } }

// Do sends method path (relative to the API base) with an optional JSON body.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts ...CallOption) (*Response, error) {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("discord: encode %s %s: %w", method, path, err)
		}
		payload = b
	}

	if co.sendDelay && c.sendDelay > 0 {
		if err := c.sleep(ctx, c.sendDelay); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		final := attempt == c.attempts-1
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.roundTrip(ctx, method, path, payload)
		var wait time.Duration
		var reason string
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			reason = "transport"
			wait = c.backoff(attempt)
		case resp.Status == http.StatusTooManyRequests:
			lastErr = c.apiError(method, path, resp)
			reason = "rate_limited"
			var ok bool
			if wait, ok = retryAfter(resp.Header); !ok {
				wait = c.backoff(attempt)
			}
		case resp.Status >= 500:
			lastErr = c.apiError(method, path, resp)
			reason = "server"
			wait = c.backoff(attempt)
		case resp.Status >= 400:
			return nil, c.apiError(method, path, resp)
		default:
			return resp, nil
		}

		c.log.Warn("request failed",
			logx.String("method", method),
			logx.String("path", path),
			logx.String("reason", reason),
			logx.Int("attempt", attempt+1),
			logx.Int("max", c.attempts),
			logx.Err(lastErr),
		)
		if final {
			break
		}
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: EventRetry, Data: RetryEvent{Method: method, Path: path, Reason: reason, Attempt: attempt + 1, Wait: wait}})
		}
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.attempts, lastErr)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte) (*Response, error) {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(rctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

func (c *Client) apiError(method, path string, resp *Response) *APIError {
	body := strings.TrimSpace(string(resp.Body))
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &APIError{Method: method, Path: path, Status: resp.Status, Body: body}
}

// backoff is retryBase * 2^attempt for a zero-based attempt, capped at
// MaxBackoff.
func (c *Client) backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 62 || c.retryBase > MaxBackoff>>attempt {
		return MaxBackoff
	}
	return c.retryBase << attempt
}

// retryAfter reads the Retry-After header in (possibly fractional) seconds.
// ok is false when the header is absent or unparseable; "0" is a valid wait.
func retryAfter(h http.Header) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 || secs > maxRetryAfterSecs {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
