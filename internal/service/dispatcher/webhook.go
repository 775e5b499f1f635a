package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"FunnelBot/internal/lib/signature"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// StatusError is a non-2xx webhook response.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s: status %d: %s", e.URL, e.Status, e.Body)
}

// Retryable reports whether the receiver may accept the same call later.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type WebhookOptions struct {
	Secret           string
	Timeout          time.Duration
	InlineRetries    uint64
	BreakerFailures  uint32
	BreakerOpenDelay time.Duration
}

// WebhookSender posts signed JSON. Each target host has its own circuit breaker.
type WebhookSender struct {
	client   *http.Client
	opts     WebhookOptions
	log      *slog.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	now      func() time.Time
}

func NewWebhookSender(opts WebhookOptions, log *slog.Logger) *WebhookSender {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerOpenDelay <= 0 {
		opts.BreakerOpenDelay = 30 * time.Second
	}
	return &WebhookSender{
		client:   &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		now:      time.Now,
	}
}

func (s *WebhookSender) breaker(host string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[host]; ok {
		return b
	}
	failures := s.opts.BreakerFailures
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     s.opts.BreakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// a 4xx is the receiver rejecting the payload, not the receiver being down
			if se, ok := err.(*StatusError); ok {
				return !se.Retryable()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("webhook breaker state change",
				slog.String("host", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	s.breakers[host] = b
	return b
}

// Post sends payload to target, retrying transient failures a few times inline.
// The returned error is nil, a permanent failure, or the last transient one.
func (s *WebhookSender) Post(ctx context.Context, target string, headers map[string]string, payload any) error {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return backoff.Permanent(fmt.Errorf("bad webhook url %q", target))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal webhook payload: %w", err))
	}
	cb := s.breaker(u.Host)

	op := func() error {
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, s.post(ctx, target, headers, body)
		})
		if se, ok := err.(*StatusError); ok && !se.Retryable() {
			return backoff.Permanent(se)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = s.opts.Timeout
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, s.opts.InlineRetries), ctx))
}

func (s *WebhookSender) post(ctx context.Context, target string, headers map[string]string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if s.opts.Secret != "" {
		ts := s.now().Unix()
		req.Header.Set(signature.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(signature.HeaderSignature, signature.Sign(s.opts.Secret, ts, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: target, Status: resp.StatusCode, Body: string(msg)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
