// Package twilio delivers reply chunks through the Twilio Messages REST API.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/wacoder/internal/config"
	"github.com/nextlevelbuilder/wacoder/internal/sessions"
)

const (
	DefaultAPIBase = "https://api.twilio.com"
	defaultSendRPS = 1
	whatsappPrefix = "whatsapp:"

	defaultMaxTries       = 4
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	maxRetryAfter         = 30 * time.Second
)

// APIError is a non-2xx answer from the Messages API.
type APIError struct {
	Status     int           `json:"status"`
	Code       int           `json:"code"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twilio: status %d code %d: %s", e.Status, e.Code, e.Message)
}

// Temporary reports whether the request may succeed if sent again.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Message is the subset of the created message resource we log.
type Message struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// Client sends WhatsApp messages. It implements bus.Sender.
type Client struct {
	accountSID string
	authToken  string
	from       string
	base       string
	http       *http.Client
	limiter    *rate.Limiter

	maxTries       uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry sets how many times one chunk is attempted and the backoff
// between attempts. A Retry-After header overrides the backoff.
func WithRetry(tries uint, initial, maxWait time.Duration) Option {
	return func(c *Client) {
		c.maxTries, c.initialBackoff, c.maxBackoff = tries, initial, maxWait
	}
}

// New builds a client from cfg. Credentials must be present.
func New(cfg config.TwilioConfig, opts ...Option) (*Client, error) {
	if !cfg.HasCredentials() {
		return nil, fmt.Errorf("twilio: account sid, auth token and from number are required")
	}
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = DefaultAPIBase
	}
	rps := cfg.SendRPS
	if rps <= 0 {
		rps = defaultSendRPS
	}
	c := &Client{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       withPrefix(cfg.FromNumber),
		base:       base,
		http:       &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),

		maxTries:       defaultMaxTries,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Send posts chunks to chatID one at a time, in order, paced by the
// configured rate. 429 and 5xx answers are retried; it stops at the first
// chunk that still fails.
func (c *Client) Send(ctx context.Context, chatID string, chunks []string) error {
	to := withPrefix(sessions.NormalizeSender(chatID))
	for i, chunk := range chunks {
		msg, err := c.deliver(ctx, to, chunk)
		if err != nil {
			return fmt.Errorf("twilio: send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		slog.Debug("twilio.sent", "sid", msg.SID, "status", msg.Status, "to", sessions.MaskSender(chatID), "chunk", i+1)
	}
	return nil
}

// deliver creates one message, retrying temporary failures.
func (c *Client) deliver(ctx context.Context, to, body string) (*Message, error) {
	attempt := 0
	op := func() (*Message, error) {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		msg, err := c.create(ctx, to, body)
		var apiErr *APIError
		switch {
		case err == nil:
			return msg, nil
		case errors.As(err, &apiErr) && !apiErr.Temporary():
			return nil, backoff.Permanent(err)
		case apiErr != nil && apiErr.RetryAfter > 0:
			return nil, errors.Join(err, &backoff.RetryAfterError{Duration: apiErr.RetryAfter})
		}
		return nil, err
	}

	msg, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     c.initialBackoff,
			RandomizationFactor: 0.2,
			Multiplier:          2,
			MaxInterval:         c.maxBackoff,
		}),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("twilio.retry", "to", sessions.MaskSender(to), "attempt", attempt, "next_in", next, "error", err)
		}),
	)
	if err != nil {
		// Surface the API error without the retry bookkeeping around it.
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Unwrap()
		}
		return nil, err
	}
	return msg, nil
}

func (c *Client) create(ctx context.Context, to, body string) (*Message, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.base, url.PathEscape(c.accountSID))
	form := url.Values{"To": {to}, "From": {c.from}, "Body": {body}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		apiErr.Status = resp.StatusCode
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, apiErr
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// parseRetryAfter reads a delay-seconds Retry-After value, capped.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

func withPrefix(number string) string {
	if strings.HasPrefix(number, whatsappPrefix) {
		return number
	}
	return whatsappPrefix + number
}
