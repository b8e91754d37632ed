// Package base provides the common HTTP plumbing shared by exchange adapters.
package base

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"tpslguard/internal/config"
	"tpslguard/internal/core"
)

// requestsPerSecond bounds outbound calls per account (§5.2's per-account
// exchange-request concurrency guard), independent of Bybit's own limits.
const requestsPerSecond = 10

// SignRequestFunc signs an outgoing request with exchange-specific credentials.
type SignRequestFunc func(req *http.Request, body []byte) error

// ParseErrorFunc decodes an exchange-specific error body into the engine's error taxonomy.
type ParseErrorFunc func(body []byte) error

// BaseAdapter holds what every exchange adapter needs regardless of wire format.
type BaseAdapter struct {
	Name       string
	Config     *config.ExchangeConfig
	Logger     core.ILogger
	HTTPClient *http.Client
	Limiter    *rate.Limiter

	SignRequestFunc SignRequestFunc
	ParseError      ParseErrorFunc
}

// NewBaseAdapter creates a new base adapter with common configuration.
func NewBaseAdapter(name string, cfg *config.ExchangeConfig, logger core.ILogger) *BaseAdapter {
	return &BaseAdapter{
		Name:   name,
		Config: cfg,
		Logger: logger.WithField("exchange", name),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

// SetSignRequest installs the exchange-specific signing function.
func (b *BaseAdapter) SetSignRequest(fn SignRequestFunc) {
	b.SignRequestFunc = fn
}

// SetParseError installs the exchange-specific error decoder.
func (b *BaseAdapter) SetParseError(fn ParseErrorFunc) {
	b.ParseError = fn
}

// ExecuteRequest performs one signed HTTP round-trip with common error handling.
func (b *BaseAdapter) ExecuteRequest(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	if b.Limiter != nil {
		if err := b.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if b.SignRequestFunc != nil {
		if err := b.SignRequestFunc(req, body); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if b.ParseError != nil {
		if parseErr := b.ParseError(respBody); parseErr != nil {
			return nil, parseErr
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
