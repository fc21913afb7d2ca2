package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// PollerOptions parameterise the HTTP poller.
type PollerOptions struct {
	URL       string
	Interval  time.Duration
	Timeout   time.Duration
	UserAgent string
	// MaxFailures consecutive errors end the feed. Zero means 3.
	MaxFailures int
}

// HTTPPoller polls a JSON endpoint that returns the latest reading.
type HTTPPoller struct {
	opts   PollerOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPPoller constructs a poller.
func NewHTTPPoller(opts PollerOptions, logger zerolog.Logger) *HTTPPoller {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultThrottleInterval
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	return &HTTPPoller{
		opts:   opts,
		logger: logger.With().Str("component", "http_poller").Logger(),
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// Run polls until ctx is cancelled or MaxFailures consecutive requests fail.
func (p *HTTPPoller) Run(ctx context.Context, emit func(Payload)) error {
	if strings.TrimSpace(p.opts.URL) == "" {
		return fmt.Errorf("http poller requires a url")
	}

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		payload, err := p.Fetch(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			failures++
			p.logger.Warn().Err(err).Int("failures", failures).Msg("poll failed")
			if failures >= p.opts.MaxFailures {
				return fmt.Errorf("poll %s: %w", p.opts.URL, err)
			}
		default:
			failures = 0
			emit(payload)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Fetch performs a single request.
func (p *HTTPPoller) Fetch(ctx context.Context) (Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "gridwatch/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > 0 {
			return nil, fmt.Errorf("live endpoint error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("live endpoint error (%d)", resp.StatusCode)
	}
	return DecodePayload(body)
}

var _ Feed = (*HTTPPoller)(nil)
